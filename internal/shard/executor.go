package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/internal/telemetry"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Runner executes the tests of one shard. A returned error means the shard
// crashed or timed out; failing tests are reported in the result instead.
type Runner interface {
	Name() string
	Run(ctx context.Context, a api.ShardAssignment) (api.ShardRunResult, error)
}

type ExecutorConfig struct {
	Count       int
	Concurrency int
}

// Report is everything one sharded run produced.
type Report struct {
	Assignments []api.ShardAssignment  `json:"assignments"`
	Shards      []api.ShardRunResult   `json:"shards"`
	Aggregate   api.AggregateRunResult `json:"aggregate"`
}

// Executor runs every shard of a file set through a Runner with at most
// Concurrency shards in flight, then merges the results.
type Executor struct {
	runner Runner
	cfg    ExecutorConfig
}

func NewExecutor(r Runner, cfg ExecutorConfig) (*Executor, error) {
	if cfg.Count < 1 {
		return nil, core.NewConfigError("shards.count", cfg.Count, "must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, core.NewConfigError("shards.concurrency", cfg.Concurrency, "must be >= 1")
	}
	return &Executor{runner: r, cfg: cfg}, nil
}

// Run discovers units under root and executes them.
func (e *Executor) Run(ctx context.Context, root string, patterns []string, unit string) (*Report, error) {
	units, err := DiscoverUnits(root, patterns, unit)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, units)
}

// Execute shards files, waits for every shard and merges. Shard failures
// are results, not errors: the returned error is only ever a configuration
// error. Nothing is retried.
func (e *Executor) Execute(ctx context.Context, files []string) (*Report, error) {
	plan, err := Plan(files, e.cfg.Count)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logger := log.With().Str("component", "executor").Str("runner", e.runner.Name()).Logger()
	logger.Info().Int("shards", len(plan)).Int("units", len(files)).Int("concurrency", e.cfg.Concurrency).Msg("starting run")

	b := core.Bounded[api.ShardRunResult]{
		Limit: e.cfg.Concurrency,
		Pending: func(i int) api.ShardRunResult {
			return crashed(i, "shard did not report")
		},
		Recover: func(i int, v any) api.ShardRunResult {
			return crashed(i, fmt.Sprintf("panic: %v", v))
		},
	}
	results, err := b.Run(ctx, len(plan), func(ctx context.Context, i int) api.ShardRunResult {
		return e.runShard(ctx, plan[i])
	})
	if err != nil {
		return nil, err
	}

	agg := Merge(results)
	telemetry.RecordRun(e.runner.Name(), agg.Shards, time.Since(start), agg.Passed, agg.Failed)
	logger.Info().Int("passed", agg.Passed).Int("failed", agg.Failed).Int("errors", agg.Errors).
		Bool("success", agg.Success).Dur("elapsed", time.Since(start)).Msg("run finished")
	return &Report{Assignments: plan, Shards: results, Aggregate: agg}, nil
}

func (e *Executor) runShard(ctx context.Context, a api.ShardAssignment) api.ShardRunResult {
	if len(a.Files) == 0 {
		return api.ShardRunResult{Index: a.Index, Success: true}
	}
	start := time.Now()
	res, err := e.runner.Run(ctx, a)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().Err(err).Int("shard", a.Index).Str("runner", e.runner.Name()).Msg("shard crashed")
		res = crashed(a.Index, err.Error())
		res.DurationMS = float64(elapsed.Milliseconds())
	}
	res.Index = a.Index
	telemetry.RecordShard(e.runner.Name(), a.Index, elapsed, res.Passed, res.Failed, res.Success)
	return res
}

// crashed is the result of a shard that produced no usable report.
func crashed(index int, reason string) api.ShardRunResult {
	return api.ShardRunResult{Index: index, Errors: 1, Success: false, Failure: reason}
}
