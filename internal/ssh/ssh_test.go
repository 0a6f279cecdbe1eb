package ssh

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/testfleet/internal/ssh/sshtest"
)

func startServer(t *testing.T, root string, h sshtest.Handler) (*sshtest.Server, *Client) {
	t.Helper()
	signer, err := sshtest.ClientKey()
	require.NoError(t, err)
	srv, err := sshtest.NewServer(signer.PublicKey(), root, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, &Client{
		Addr:       srv.Addr,
		User:       "tf",
		Signer:     signer,
		KnownHosts: xssh.FixedHostKey(srv.HostKey),
		Timeout:    5 * time.Second,
	}
}

func TestRunReportsOutputAndExitCode(t *testing.T) {
	_, c := startServer(t, t.TempDir(), func(cmd string) (string, string, int) {
		if strings.HasPrefix(cmd, "fail") {
			return "partial", "broken", 3
		}
		return "hello " + cmd, "", 0
	})
	ctx := context.Background()

	res, err := c.Run(ctx, "world")
	require.NoError(t, err)
	assert.Equal(t, CommandResult{Stdout: "hello world"}, res)

	res, err = c.Run(ctx, "fail now")
	require.NoError(t, err, "a non-zero exit is a result")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "partial", res.Stdout)
	assert.Equal(t, "broken", res.Stderr)
}

func TestDialRequiresSignerAndHostKeys(t *testing.T) {
	_, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1"})
	assert.Error(t, err)

	signer, err := sshtest.ClientKey()
	require.NoError(t, err)
	_, err = Dial(context.Background(), &Client{Addr: "127.0.0.1:1", Signer: signer})
	assert.Error(t, err)
}

func TestDialRejectsUnknownHostKey(t *testing.T) {
	_, c := startServer(t, t.TempDir(), func(string) (string, string, int) { return "", "", 0 })
	other, err := sshtest.ClientKey()
	require.NoError(t, err)
	c.KnownHosts = xssh.FixedHostKey(other.PublicKey())

	_, err = Dial(context.Background(), c)
	assert.Error(t, err)
}

func TestDialHonorsContext(t *testing.T) {
	signer, err := sshtest.ClientKey()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, &Client{
		Addr: "127.0.0.1:1", Signer: signer, KnownHosts: xssh.InsecureIgnoreHostKey(),
		Retries: 3, Backoff: time.Hour,
	})
	assert.Error(t, err)
}

func TestSFTPPushPullRead(t *testing.T) {
	remoteRoot := t.TempDir()
	_, c := startServer(t, remoteRoot, func(string) (string, string, int) { return "", "", 0 })
	ctx := context.Background()

	cli, err := Dial(ctx, c)
	require.NoError(t, err)
	defer cli.Close()

	local := filepath.Join(t.TempDir(), "cover.out")
	require.NoError(t, os.WriteFile(local, []byte("mode: set\n"), 0o600))

	remote := filepath.ToSlash(filepath.Join(remoteRoot, "work", "cover.out"))
	require.NoError(t, PushFile(ctx, cli, local, remote))

	data, err := ReadFile(ctx, cli, remote)
	require.NoError(t, err)
	assert.Equal(t, "mode: set\n", string(data))

	back := filepath.Join(t.TempDir(), "sub", "back.out")
	require.NoError(t, PullFile(ctx, cli, remote, back))
	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "mode: set\n", string(got))
}
