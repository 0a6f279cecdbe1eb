package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testfleet/internal/telemetry"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// DefaultMaxConcurrency is used when the configuration leaves the scheduler
// ceiling unset.
const DefaultMaxConcurrency = 4

// Agent is one automation capability. Run may block on external I/O; it
// should fail rather than hang when its own deadline passes.
type Agent interface {
	Name() string
	Run(ctx context.Context, task api.Task) (api.TaskOutcome, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	AgentName string
	Fn        func(ctx context.Context, task api.Task) (api.TaskOutcome, error)
}

func (a AgentFunc) Name() string { return a.AgentName }

func (a AgentFunc) Run(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
	return a.Fn(ctx, task)
}

// Pair binds a task to the agent that should run it.
type Pair struct {
	Agent Agent
	Task  api.Task
}

// Scheduler runs batches of agent invocations under a concurrency ceiling
// and owns the agent registry for its lifetime. Register agents before the
// first RunAll or Dispatch.
type Scheduler struct {
	maxConcurrency int

	mu     sync.RWMutex
	agents map[string]Agent
}

// NewScheduler returns a scheduler allowing at most maxConcurrency agent
// invocations in flight.
func NewScheduler(maxConcurrency int) (*Scheduler, error) {
	if maxConcurrency < 1 {
		return nil, NewConfigError("max_concurrency", maxConcurrency, "must be >= 1")
	}
	return &Scheduler{maxConcurrency: maxConcurrency, agents: map[string]Agent{}}, nil
}

func (s *Scheduler) MaxConcurrency() int { return s.maxConcurrency }

// RegisterAgent adds a to the registry. A later registration under the same
// name replaces the earlier one.
func (s *Scheduler) RegisterAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.Name()] = a
}

// Agent looks up a registered agent by name.
func (s *Scheduler) Agent(name string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[name]
	return a, ok
}

// Agents returns the registered agent names in sorted order.
func (s *Scheduler) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAll runs every pair and returns one outcome per pair, in input order.
// A failing or panicking agent only affects its own outcome; RunAll itself
// never fails and never retries.
func (s *Scheduler) RunAll(ctx context.Context, pairs []Pair) []api.TaskOutcome {
	b := Bounded[api.TaskOutcome]{
		Limit: s.maxConcurrency,
		Pending: func(i int) api.TaskOutcome {
			return api.Failed("task did not report")
		},
		Recover: func(i int, v any) api.TaskOutcome {
			recordTask(pairs[i], false, 0)
			return api.Failed(fmt.Sprintf("panic: %v", v))
		},
	}
	out, err := b.Run(ctx, len(pairs), func(ctx context.Context, i int) api.TaskOutcome {
		return s.invoke(ctx, pairs[i])
	})
	if err != nil {
		// maxConcurrency is validated in NewScheduler.
		panic(err)
	}
	return out
}

// Dispatch resolves each task's agent by Task.Kind and runs the batch.
// Tasks with no registered agent fail individually.
func (s *Scheduler) Dispatch(ctx context.Context, tasks []api.Task) []api.TaskOutcome {
	pairs := make([]Pair, len(tasks))
	for i, t := range tasks {
		a, _ := s.Agent(t.Kind)
		pairs[i] = Pair{Agent: a, Task: t}
	}
	return s.RunAll(ctx, pairs)
}

func (s *Scheduler) invoke(ctx context.Context, p Pair) api.TaskOutcome {
	if p.Agent == nil {
		return api.Failed(fmt.Sprintf("%v: %q", ErrUnknownAgent, p.Task.Kind))
	}
	start := time.Now()
	outcome, err := p.Agent.Run(ctx, p.Task)
	elapsed := time.Since(start)
	if err != nil {
		log.Debug().Err(err).Str("agent", p.Agent.Name()).Str("target", p.Task.Target).Msg("task failed")
		recordTask(p, false, elapsed)
		return api.Failed(err.Error())
	}
	log.Debug().Str("agent", p.Agent.Name()).Str("target", p.Task.Target).
		Str("status", string(outcome.Status)).Dur("elapsed", elapsed).Msg("task finished")
	recordTask(p, outcome.OK(), elapsed)
	return outcome
}

func recordTask(p Pair, ok bool, elapsed time.Duration) {
	labels := map[string]string{"component": "scheduler", "kind": p.Task.Kind}
	if ok {
		telemetry.CounterGlobal("testfleet_tasks_completed", 1, labels)
	} else {
		telemetry.CounterGlobal("testfleet_tasks_failed", 1, labels)
	}
	if elapsed > 0 {
		telemetry.TimerGlobal("testfleet_task_duration", elapsed, labels)
	}
}
