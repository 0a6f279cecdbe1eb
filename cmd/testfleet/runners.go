package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testfleet/internal/core"
	prov "github.com/3cpo-dev/testfleet/internal/providers"
	"github.com/3cpo-dev/testfleet/internal/providers/localssh"
	"github.com/3cpo-dev/testfleet/internal/runner"
	"github.com/3cpo-dev/testfleet/internal/shard"
	tfssh "github.com/3cpo-dev/testfleet/internal/ssh"
)

const keyName = "id_ed25519"

func newRegistry(cfg core.Config) *prov.Registry {
	reg := prov.NewRegistry()
	reg.Register(localssh.New(cfg.Providers, cfg.Defaults.User, cfg.Defaults.SSHPort))
	return reg
}

// resolveProvider returns the named provider, or the configured default.
func resolveProvider(cfg core.Config, name string) (prov.Provider, error) {
	if name == "" {
		name = cfg.Providers.Default
	}
	return newRegistry(cfg).Get(name)
}

// buildRunner turns the runner section of cfg into a shard.Runner.
func buildRunner(ctx context.Context, cfg core.Config, provider string) (shard.Runner, error) {
	rc := cfg.Runner
	timeout := time.Duration(rc.TimeoutSeconds) * time.Second
	switch rc.Kind {
	case "local":
		return &runner.Local{
			Command:  rc.Command,
			WorkDir:  workDir(rc.WorkDir, cfg.Shards.Root),
			Timeout:  timeout,
			Coverage: rc.Coverage,
		}, nil
	case "ssh":
		p, err := resolveProvider(cfg, provider)
		if err != nil {
			return nil, err
		}
		nodes, err := runner.NodesFor(ctx, p, rc.Group)
		if err != nil {
			return nil, err
		}
		signer, err := tfssh.LoadPrivateKeySigner(filepath.Join(cfg.SSH.KeyDir, keyName))
		if err != nil {
			return nil, fmt.Errorf("load ssh key (run testfleet init): %w", err)
		}
		hostKeys, err := tfssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
		if err != nil {
			return nil, err
		}
		for i := range nodes {
			if nodes[i].WorkDir == "" {
				nodes[i].WorkDir = rc.WorkDir
			}
		}
		log.Debug().Int("nodes", len(nodes)).Str("provider", p.Name()).Msg("ssh runner ready")
		return &runner.SSH{
			Nodes:      nodes,
			Signer:     signer,
			KnownHosts: hostKeys,
			Command:    rc.Command,
			Timeout:    timeout,
			Coverage:   rc.Coverage,
			Retries:    cfg.Defaults.Retries,
		}, nil
	case "agent":
		if len(rc.Agents) == 0 {
			return nil, core.NewConfigError("runner.agents", "", "must list at least one endpoint")
		}
		// The agent enforces the command timeout; leave headroom for the reply.
		client := &http.Client{}
		if timeout > 0 {
			client.Timeout = timeout + time.Minute
		}
		return &runner.Agent{
			Endpoints:  rc.Agents,
			Token:      rc.AgentToken,
			HTTPClient: client,
			Command:    rc.Command,
			WorkDir:    rc.WorkDir,
			Timeout:    timeout,
			Coverage:   rc.Coverage,
		}, nil
	}
	return nil, core.NewConfigError("runner.kind", rc.Kind, "must be local, ssh or agent")
}

func workDir(dir, fallback string) string {
	if dir != "" {
		return dir
	}
	return fallback
}
