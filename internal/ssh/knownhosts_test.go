package ssh

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func TestKnownHostsAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "host_key"))
	require.NoError(t, err)

	require.NoError(t, AppendKnownHost(kh, "10.0.0.5:2222", pub))
	b, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[10.0.0.5]:2222")

	cb, err := LoadKnownHostsCallback(kh)
	require.NoError(t, err)
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	require.NoError(t, err)
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 2222}
	assert.NoError(t, cb("10.0.0.5:2222", addr, key))

	other, err := GenerateEd25519Keypair(filepath.Join(dir, "other"))
	require.NoError(t, err)
	otherKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(other))
	require.NoError(t, err)
	assert.Error(t, cb("10.0.0.5:2222", addr, otherKey), "a changed host key must be rejected")
}

func TestAppendKnownHostRejectsBadKey(t *testing.T) {
	err := AppendKnownHost(filepath.Join(t.TempDir(), "known_hosts"), "h", "nonsense")
	assert.Error(t, err)
}
