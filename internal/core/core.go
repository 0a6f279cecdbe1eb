// Package core holds the pieces every testfleet workflow shares: the task
// scheduler and its bounded runner, configuration, and run history.
package core

import "context"

// Orchestrator owns the long-lived pieces of one CLI invocation: the
// scheduler (and so its agent registry) and the optional history store.
type Orchestrator struct {
	Config    Config
	Scheduler *Scheduler
	Store     *Store
}

// NewOrchestrator builds the scheduler from cfg. store may be nil.
func NewOrchestrator(cfg Config, store *Store) (*Orchestrator, error) {
	s, err := NewScheduler(cfg.Scheduler.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{Config: cfg, Scheduler: s, Store: store}, nil
}

func (o *Orchestrator) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Store != nil {
		return o.Store.Ping(ctx)
	}
	return nil
}

// Close releases the store.
func (o *Orchestrator) Close() error {
	if o.Store != nil {
		return o.Store.Close()
	}
	return nil
}
