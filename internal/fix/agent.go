package fix

import (
	"context"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// TaskKind is the task kind the pipeline agent is registered under.
const TaskKind = "fix"

// Agent runs a Pipeline as a scheduler agent. Both terminal states are
// completed tasks carrying the *Result as payload; an analysis failure is a
// failed task.
type Agent struct {
	Pipeline *Pipeline
}

func NewAgent(p *Pipeline) *Agent { return &Agent{Pipeline: p} }

func (a *Agent) Name() string { return TaskKind }

func (a *Agent) Run(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
	res, err := a.run(ctx, task.Target)
	if err != nil {
		return api.TaskOutcome{}, err
	}
	summary := map[string]any{
		"state":    string(res.State),
		"attempts": res.Attempts,
	}
	if res.RootCause != nil {
		summary["root_cause"] = res.RootCause.Summary
	}
	if res.Fix != nil {
		summary["diff"] = res.Fix.Diff
	}
	return api.Completed(summary, res), nil
}

// ResultOf extracts the pipeline result carried by an outcome.
func ResultOf(o api.TaskOutcome) (*Result, bool) {
	r, ok := o.Payload.(*Result)
	return r, ok && r != nil
}

func (a *Agent) run(ctx context.Context, target string) (*Result, error) {
	if err := a.Pipeline.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.Pipeline.slots.Release(1)
	return a.Pipeline.Run(ctx, target)
}
