package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/testfleet/internal/providers"
	tfssh "github.com/3cpo-dev/testfleet/internal/ssh"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// SSH runs shard i on Nodes[i mod len(Nodes)]. Each node must already hold
// a checkout of the repository in its WorkDir.
type SSH struct {
	Nodes      []providers.Node
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Command    []string
	Timeout    time.Duration
	Coverage   bool
	Retries    int
}

// NodesFor lists the nodes of group from p, failing when there are none.
func NodesFor(ctx context.Context, p providers.Provider, group string) ([]providers.Node, error) {
	nodes, err := p.ListNodes(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("list nodes from %s: %w", p.Name(), err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("provider %s has no nodes in group %q", p.Name(), group)
	}
	return nodes, nil
}

func (s *SSH) Name() string { return "ssh" }

// NodeFor returns the node shard index runs on.
func (s *SSH) NodeFor(index int) (providers.Node, error) {
	if len(s.Nodes) == 0 {
		return providers.Node{}, errors.New("ssh runner: no nodes")
	}
	return s.Nodes[index%len(s.Nodes)], nil
}

func (s *SSH) Run(ctx context.Context, a api.ShardAssignment) (api.ShardRunResult, error) {
	node, err := s.NodeFor(a.Index)
	if err != nil {
		return api.ShardRunResult{}, err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	client := &tfssh.Client{
		Addr:       net.JoinHostPort(node.IP, strconv.Itoa(node.SSHPort)),
		User:       node.SSHUser,
		Signer:     s.Signer,
		KnownHosts: s.KnownHosts,
		Timeout:    30 * time.Second,
		Retries:    s.Retries,
	}
	cli, err := tfssh.Dial(ctx, client)
	if err != nil {
		return api.ShardRunResult{}, fmt.Errorf("shard %d on %s: %w", a.Index, node.Name, err)
	}
	defer cli.Close()

	var coverFile string
	if s.Coverage {
		coverFile = path.Join(node.WorkDir, ".testfleet", fmt.Sprintf("cover-%d.out", a.Index))
	}
	command := RemoteCommand(node.WorkDir, Expand(s.Command, a, coverFile))

	log.Debug().Int("shard", a.Index).Str("node", node.Name).Str("command", command).Msg("running shard")
	start := time.Now()
	out, err := tfssh.RunCommand(ctx, cli, command)
	elapsed := time.Since(start)
	if err != nil {
		return api.ShardRunResult{}, fmt.Errorf("shard %d on %s: %w", a.Index, node.Name, err)
	}

	res, err := finish(a, out.Stdout, out.Stderr, out.ExitCode, elapsed)
	if err != nil {
		return res, fmt.Errorf("%s: %w", node.Name, err)
	}
	if coverFile != "" {
		data, err := tfssh.ReadFile(ctx, cli, coverFile)
		if err != nil {
			log.Warn().Err(err).Int("shard", a.Index).Str("node", node.Name).Msg("no cover profile")
			return res, nil
		}
		cov, err := ParseCoverProfile(bytes.NewReader(data))
		if err != nil {
			log.Warn().Err(err).Int("shard", a.Index).Str("node", node.Name).Msg("unreadable cover profile")
			return res, nil
		}
		res.Coverage = cov
	}
	return res, nil
}

// RemoteCommand builds the shell line run on a node. The cover profile
// directory is created first so -coverprofile can write into it.
func RemoteCommand(workDir string, argv []string) string {
	var b strings.Builder
	if workDir != "" {
		b.WriteString("cd " + shellescape.Quote(workDir) + " && ")
	}
	b.WriteString("mkdir -p .testfleet && ")
	b.WriteString(ShellJoin(argv))
	return b.String()
}
