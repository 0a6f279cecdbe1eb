package localssh

import (
	"context"
	"fmt"
	"slices"

	"github.com/3cpo-dev/testfleet/internal/providers"
)

// Provider attaches to hosts listed in the config; it never creates or
// destroys machines.
type Provider struct {
	hosts       []providers.Host
	defaultUser string
	defaultPort int
}

func New(cfg providers.Config, defaultUser string, defaultPort int) *Provider {
	return &Provider{hosts: cfg.LocalSSH.Hosts, defaultUser: defaultUser, defaultPort: defaultPort}
}

func (p *Provider) Name() string { return "localssh" }

func (p *Provider) ListNodes(ctx context.Context, group string) ([]providers.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var nodes []providers.Node
	for _, h := range p.hosts {
		if group != "" && !slices.Contains(h.Groups, group) {
			continue
		}
		user := h.User
		if user == "" {
			user = p.defaultUser
		}
		port := h.Port
		if port == 0 {
			port = p.defaultPort
		}
		nodes = append(nodes, providers.Node{
			Name:    h.Name,
			IP:      h.IP,
			ID:      fmt.Sprintf("local-%s", h.Name),
			SSHUser: user,
			SSHPort: port,
			WorkDir: h.WorkDir,
		})
	}
	return nodes, nil
}
