package fix

import (
	"context"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// RunBatch registers p on s as the fix agent and dispatches one run per
// target. At most Config.Concurrency runs are in flight, fewer when s has a
// lower ceiling. A nil s gets a scheduler of its own. Runs share no state;
// outcome i belongs to targets[i].
func RunBatch(ctx context.Context, s *core.Scheduler, p *Pipeline, targets []string) ([]api.TaskOutcome, error) {
	if s == nil {
		var err error
		if s, err = core.NewScheduler(p.cfg.Concurrency); err != nil {
			return nil, err
		}
	}
	s.RegisterAgent(NewAgent(p))
	tasks := make([]api.Task, len(targets))
	for i, t := range targets {
		tasks[i] = api.Task{Kind: TaskKind, Target: t}
	}
	return s.Dispatch(ctx, tasks), nil
}
