package providers

import "context"

// Node is a machine shards can be dispatched to over SSH.
type Node struct {
	Name    string
	IP      string
	ID      string
	SSHUser string
	SSHPort int
	// WorkDir is the checkout the remote test command runs in.
	WorkDir string
}

// Provider lists the nodes available to a named group. A group name of ""
// means every node the provider knows about.
type Provider interface {
	Name() string
	ListNodes(ctx context.Context, group string) ([]Node, error)
}
