package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoAgent(name string) AgentFunc {
	return AgentFunc{AgentName: name, Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		return api.Completed(map[string]any{"target": task.Target}, nil), nil
	}}
}

func TestNewSchedulerRejectsNonPositiveConcurrency(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := NewScheduler(n)
		require.Error(t, err)
		assert.True(t, IsConfigError(err), "n=%d", n)
	}
}

func TestRunAllPreservesOrderUnderRandomLatency(t *testing.T) {
	s, err := NewScheduler(3)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	delays := make([]time.Duration, 25)
	for i := range delays {
		delays[i] = time.Duration(rng.Intn(5)) * time.Millisecond
	}
	agent := AgentFunc{AgentName: "sleepy", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		i := task.Context["i"].(int)
		time.Sleep(delays[i])
		return api.Completed(map[string]any{"i": i}, nil), nil
	}}

	pairs := make([]Pair, len(delays))
	for i := range pairs {
		pairs[i] = Pair{Agent: agent, Task: api.Task{Kind: "sleepy", Target: fmt.Sprint(i), Context: map[string]any{"i": i}}}
	}

	out := s.RunAll(context.Background(), pairs)
	require.Len(t, out, len(pairs))
	for i, o := range out {
		require.Equal(t, api.TaskCompleted, o.Status)
		assert.Equal(t, i, o.Result["i"])
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	s, err := NewScheduler(2)
	require.NoError(t, err)

	failing := AgentFunc{AgentName: "boom", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		return api.TaskOutcome{}, errors.New("x")
	}}
	panicking := AgentFunc{AgentName: "panic", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		panic("kaboom")
	}}

	out := s.RunAll(context.Background(), []Pair{
		{Agent: echoAgent("ok"), Task: api.Task{Target: "a"}},
		{Agent: failing, Task: api.Task{Target: "b"}},
		{Agent: panicking, Task: api.Task{Target: "c"}},
		{Agent: echoAgent("ok"), Task: api.Task{Target: "d"}},
	})
	require.Len(t, out, 4)

	assert.Equal(t, api.TaskCompleted, out[0].Status)
	assert.Equal(t, "a", out[0].Result["target"])

	assert.Equal(t, api.TaskFailed, out[1].Status)
	require.Len(t, out[1].Errors, 1)
	assert.Contains(t, out[1].Errors[0], "x")

	assert.Equal(t, api.TaskFailed, out[2].Status)
	assert.Contains(t, out[2].Errors[0], "kaboom")

	assert.Equal(t, api.TaskCompleted, out[3].Status)
}

func TestRunAllSingleFailingAgent(t *testing.T) {
	s, err := NewScheduler(DefaultMaxConcurrency)
	require.NoError(t, err)
	failing := AgentFunc{AgentName: "rt", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		return api.TaskOutcome{}, errors.New("RuntimeError: x")
	}}

	out := s.RunAll(context.Background(), []Pair{{Agent: failing, Task: api.Task{Kind: "rt"}}})
	require.Len(t, out, 1)
	assert.Equal(t, api.TaskFailed, out[0].Status)
	assert.Contains(t, out[0].Errors[0], "x")
}

func TestRunAllPassesOutcomeThroughUnchanged(t *testing.T) {
	s, err := NewScheduler(1)
	require.NoError(t, err)
	want := api.TaskOutcome{Status: api.TaskFailed, Errors: []string{"reported by agent"}}
	agent := AgentFunc{AgentName: "self-report", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		return want, nil
	}}
	out := s.RunAll(context.Background(), []Pair{{Agent: agent}})
	assert.Equal(t, want, out[0])
}

func TestRunAllNeverExceedsCeiling(t *testing.T) {
	const ceiling = 2
	s, err := NewScheduler(ceiling)
	require.NoError(t, err)

	var inFlight, peak atomic.Int32
	agent := AgentFunc{AgentName: "count", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return api.Completed(nil, nil), nil
	}}

	pairs := make([]Pair, 5)
	for i := range pairs {
		pairs[i] = Pair{Agent: agent}
	}
	out := s.RunAll(context.Background(), pairs)
	require.Len(t, out, 5)
	assert.LessOrEqual(t, peak.Load(), int32(ceiling))
	assert.Equal(t, int32(ceiling), peak.Load(), "expected the ceiling to be reached with 5 tasks")
}

func TestRunAllEmpty(t *testing.T) {
	s, err := NewScheduler(1)
	require.NoError(t, err)
	assert.Empty(t, s.RunAll(context.Background(), nil))
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	s, err := NewScheduler(1)
	require.NoError(t, err)

	first := AgentFunc{AgentName: "gen", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		return api.Completed(map[string]any{"v": 1}, nil), nil
	}}
	second := AgentFunc{AgentName: "gen", Fn: func(ctx context.Context, task api.Task) (api.TaskOutcome, error) {
		return api.Completed(map[string]any{"v": 2}, nil), nil
	}}
	s.RegisterAgent(first)
	s.RegisterAgent(second)
	s.RegisterAgent(echoAgent("alpha"))

	got, ok := s.Agent("gen")
	require.True(t, ok)
	out, err := got.Run(context.Background(), api.Task{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Result["v"])

	_, ok = s.Agent("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"alpha", "gen"}, s.Agents())
}

func TestDispatchUnknownKindFailsOnlyThatTask(t *testing.T) {
	s, err := NewScheduler(2)
	require.NoError(t, err)
	s.RegisterAgent(echoAgent("known"))

	out := s.Dispatch(context.Background(), []api.Task{
		{Kind: "known", Target: "a"},
		{Kind: "unknown", Target: "b"},
	})
	require.Len(t, out, 2)
	assert.True(t, out[0].OK())
	assert.False(t, out[1].OK())
	assert.Contains(t, out[1].Errors[0], "unknown")
}

func TestBoundedPendingSlotReportsAsNeverRun(t *testing.T) {
	b := Bounded[string]{
		Limit:   2,
		Pending: func(i int) string { return "pending" },
	}
	var mu sync.Mutex
	seen := map[int]bool{}
	out, err := b.Run(context.Background(), 3, func(ctx context.Context, i int) string {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		if i == 1 {
			panic("no recover configured")
		}
		return "done"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"done", "pending", "done"}, out)
	assert.Len(t, seen, 3)
}

func TestBoundedRejectsZeroLimit(t *testing.T) {
	_, err := Bounded[int]{}.Run(context.Background(), 1, func(ctx context.Context, i int) int { return i })
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}
