package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/internal/fix"
	"github.com/3cpo-dev/testfleet/internal/llm"
	"github.com/3cpo-dev/testfleet/internal/runner"
	"github.com/3cpo-dev/testfleet/internal/shard"
	tfssh "github.com/3cpo-dev/testfleet/internal/ssh"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// openOrchestrator builds the scheduler from cfg and, when withStore is
// set, opens the history store next to it.
func openOrchestrator(cfg core.Config, withStore bool) (*core.Orchestrator, error) {
	var store *core.Store
	if withStore {
		var err error
		if store, err = core.NewStore(cfg.Store.Path); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	o, err := core.NewOrchestrator(cfg, store)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return o, nil
}

// shardFlags overrides the shards section of cfg from command flags.
func shardFlags(cmd *cobra.Command, cfg *core.Config) {
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Shards.Root = root
	}
	if patterns, _ := cmd.Flags().GetStringSlice("pattern"); len(patterns) > 0 {
		cfg.Shards.Patterns = patterns
	}
	if unit, _ := cmd.Flags().GetString("unit"); unit != "" {
		cfg.Shards.Unit = unit
	}
	if cmd.Flags().Changed("count") {
		cfg.Shards.Count, _ = cmd.Flags().GetInt("count")
	}
}

func addShardFlags(cmd *cobra.Command) {
	cmd.Flags().String("root", "", "directory to discover tests under")
	cmd.Flags().StringSlice("pattern", nil, "glob pattern for test files, repeatable (supports **)")
	cmd.Flags().String("unit", "", "shard unit: file or dir")
	cmd.Flags().Int("count", 0, "number of shards")
}

// Initialize config, SSH key and known_hosts
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config, an SSH key and a known_hosts file if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			cfg := core.DefaultConfig()
			if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(cfgPath), 0o700); err != nil {
					return err
				}
				if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", cfgPath)
			} else {
				loaded, err := core.LoadConfig(cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
				fmt.Printf("config exists at %s\n", cfgPath)
			}

			keyPath := filepath.Join(cfg.SSH.KeyDir, keyName)
			if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
				pub, err := tfssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated %s\n%s", keyPath, pub)
			} else {
				fmt.Printf("ssh key exists at %s\n", keyPath)
			}
			if err := tfssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			fmt.Printf("known_hosts at %s\n", cfg.SSH.KnownHosts)
			return nil
		},
	}
}

// List discovered test units
func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List the test units a run would shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shardFlags(cmd, &cfg)
			units, err := shard.DiscoverUnits(cfg.Shards.Root, cfg.Shards.Patterns, cfg.Shards.Unit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(units)
			}
			for _, u := range units {
				fmt.Println(u)
			}
			return nil
		},
	}
	addShardFlags(cmd)
	return cmd
}

// Print one shard's assignment, or the whole plan
func newShardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Print the units assigned to a shard (all shards when --index is omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shardFlags(cmd, &cfg)
			units, err := shard.DiscoverUnits(cfg.Shards.Root, cfg.Shards.Patterns, cfg.Shards.Unit)
			if err != nil {
				return err
			}
			plan, err := shard.Plan(units, cfg.Shards.Count)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("index") {
				index, _ := cmd.Flags().GetInt("index")
				files, err := shard.Assign(units, index, cfg.Shards.Count)
				if err != nil {
					return err
				}
				plan = []api.ShardAssignment{{Index: index, Count: cfg.Shards.Count, Files: files}}
			}
			if jsonOutput(cmd) {
				return printJSON(plan)
			}
			for _, a := range plan {
				fmt.Printf("shard %d/%d: %s\n", a.Index, a.Count, strings.Join(a.Files, " "))
			}
			return nil
		},
	}
	addShardFlags(cmd)
	cmd.Flags().Int("index", 0, "zero-based shard index")
	return cmd
}

// Run every shard and merge
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sharded test suite and merge the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			shardFlags(cmd, &cfg)
			if kind, _ := cmd.Flags().GetString("runner"); kind != "" {
				cfg.Runner.Kind = kind
			}
			if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
				cfg.Shards.Concurrency = n
			}
			provider, _ := cmd.Flags().GetString("provider")
			out, _ := cmd.Flags().GetString("out")
			save, _ := cmd.Flags().GetBool("save")

			r, err := buildRunner(cmd.Context(), cfg, provider)
			if err != nil {
				return err
			}
			exec, err := shard.NewExecutor(r, shard.ExecutorConfig{Count: cfg.Shards.Count, Concurrency: cfg.Shards.Concurrency})
			if err != nil {
				return err
			}
			started := time.Now()
			report, err := exec.Run(cmd.Context(), cfg.Shards.Root, cfg.Shards.Patterns, cfg.Shards.Unit)
			if err != nil {
				return err
			}

			if out != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
			}
			if save {
				o, err := openOrchestrator(cfg, true)
				if err != nil {
					return err
				}
				defer o.Close()
				id, err := o.Store.SaveRun(cmd.Context(), core.RunRecord{
					StartedAt: started,
					Runner:    r.Name(),
					Aggregate: report.Aggregate,
					Shards:    report.Shards,
				})
				if err != nil {
					return err
				}
				log.Info().Str("run", id).Msg("run saved")
			}

			if jsonOutput(cmd) {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				printReport(report)
			}
			if !report.Aggregate.Success {
				agg := report.Aggregate
				return fmt.Errorf("run failed: %d failed, %d errors", agg.Failed, agg.Errors)
			}
			return nil
		},
	}
	addShardFlags(cmd)
	cmd.Flags().String("runner", "", "runner kind: local, ssh or agent")
	cmd.Flags().String("provider", "", "provider for the ssh runner")
	cmd.Flags().Int("concurrency", 0, "maximum shards in flight")
	cmd.Flags().String("out", "", "write the full report as JSON to this file")
	cmd.Flags().Bool("save", false, "record the run in the history store")
	return cmd
}

func printReport(r *shard.Report) {
	for _, s := range r.Shards {
		status := "ok"
		if !s.Success {
			status = "FAIL"
		}
		fmt.Printf("shard %-3d %-4s passed=%d failed=%d skipped=%d errors=%d %.0fms",
			s.Index, status, s.Passed, s.Failed, s.Skipped, s.Errors, s.DurationMS)
		if s.Failure != "" {
			fmt.Printf(" (%s)", s.Failure)
		}
		fmt.Println()
	}
	printAggregate(r.Aggregate)
}

func printAggregate(agg api.AggregateRunResult) {
	for _, c := range agg.Cases {
		if c.Status == api.CaseFail {
			fmt.Printf("--- FAIL: %s %s\n", c.Package, c.Name)
		}
	}
	fmt.Printf("total: shards=%d passed=%d failed=%d skipped=%d errors=%d success=%t\n",
		agg.Shards, agg.Passed, agg.Failed, agg.Skipped, agg.Errors, agg.Success)
	if cov := agg.Coverage; cov != nil {
		fmt.Printf("coverage: %.1f%% of statements (%d/%d)\n", cov.LineRate*100, cov.LinesCovered, cov.LinesTotal)
	}
}

// readShardResults accepts either a run report or a single shard result.
func readShardResults(path string) ([]api.ShardRunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report shard.Report
	if err := json.Unmarshal(data, &report); err == nil && len(report.Shards) > 0 {
		return report.Shards, nil
	}
	var res api.ShardRunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return []api.ShardRunResult{res}, nil
}

// Merge shard results produced elsewhere (CI matrix jobs)
func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <result.json>...",
		Short: "Merge shard result files into one aggregate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var results []api.ShardRunResult
			for _, p := range args {
				rs, err := readShardResults(p)
				if err != nil {
					return err
				}
				results = append(results, rs...)
			}
			agg := shard.Merge(results)
			if jsonOutput(cmd) {
				return printJSON(agg)
			}
			printAggregate(agg)
			return nil
		},
	}
}

// Drive the fix pipeline over one or more targets
func newFixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix <target>...",
		Short: "Analyze, patch and verify each target until its tests pass or attempts run out",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if n, _ := cmd.Flags().GetInt("attempts"); n > 0 {
				cfg.Fix.MaxAttempts = n
			}
			save, _ := cmd.Flags().GetBool("save")

			client, err := llm.NewClient(cfg.LLM)
			if err != nil {
				return err
			}
			tree := fix.NewWorkTree(cfg.Fix.WorkDir)
			verifier := &fix.PatchVerifier{
				Tree: tree,
				Runner: &runner.Local{
					Command: cfg.Runner.Command,
					WorkDir: tree.Dir,
					Timeout: time.Duration(cfg.Runner.TimeoutSeconds) * time.Second,
				},
			}
			p, err := fix.New(
				fix.Config{MaxAttempts: cfg.Fix.MaxAttempts, Concurrency: cfg.Fix.Concurrency},
				&llm.Analyzer{Engine: client, Tree: tree},
				&llm.Generator{Engine: client, Tree: tree},
				verifier,
			)
			if err != nil {
				return err
			}

			o, err := openOrchestrator(cfg, save)
			if err != nil {
				return err
			}
			defer o.Close()
			results, failed, err := dispatchFixes(cmd.Context(), o, p, args)
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				if err := printJSON(results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					fmt.Printf("%s: %s after %d attempt(s)\n", res.Target, res.State, res.Attempts)
					if res.Fix != nil && res.State == fix.StateAccepted {
						fmt.Println(res.Fix.Diff)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d targets not fixed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().Int("attempts", 0, "maximum fix attempts per target")
	cmd.Flags().Bool("save", false, "record results in the history store")
	return cmd
}

// dispatchFixes runs one fix pipeline per target on the orchestrator's
// scheduler and records every outcome when the orchestrator has a store.
// failed counts targets that did not end accepted.
func dispatchFixes(ctx context.Context, o *core.Orchestrator, p *fix.Pipeline, targets []string) (results []*fix.Result, failed int, err error) {
	outcomes, err := fix.RunBatch(ctx, o.Scheduler, p, targets)
	if err != nil {
		return nil, 0, err
	}
	for i, outcome := range outcomes {
		res, ok := fix.ResultOf(outcome)
		if !ok {
			failed++
			msg := strings.Join(outcome.Errors, "; ")
			fmt.Fprintf(os.Stderr, "%s: %s\n", targets[i], msg)
			saveFix(ctx, o, core.FixRecord{Target: targets[i], State: string(api.TaskFailed), Error: msg})
			continue
		}
		results = append(results, res)
		if res.State != fix.StateAccepted {
			failed++
		}
		rec := core.FixRecord{Target: res.Target, State: string(res.State), Attempts: res.Attempts}
		if res.RootCause != nil {
			rec.RootCause = res.RootCause.Summary
		}
		if err := res.Err(); err != nil {
			rec.Error = err.Error()
		}
		saveFix(ctx, o, rec)
	}
	return results, failed, nil
}

func saveFix(ctx context.Context, o *core.Orchestrator, rec core.FixRecord) {
	if o.Store == nil {
		return
	}
	if _, err := o.Store.SaveFixResult(ctx, rec); err != nil {
		log.Warn().Err(err).Str("target", rec.Target).Msg("could not save fix result")
	}
}

// Show stored runs and fix results
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs and fix results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			target, _ := cmd.Flags().GetString("target")
			o, err := openOrchestrator(cfg, true)
			if err != nil {
				return err
			}
			defer o.Close()
			if err := o.Health(cmd.Context()); err != nil {
				return err
			}
			runs, err := o.Store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fixes, err := o.Store.ListFixResults(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(map[string]any{"runs": runs, "fixes": fixes})
			}
			for _, r := range runs {
				fmt.Printf("%s %s %-6s %-9s passed=%d failed=%d errors=%d\n",
					r.StartedAt.Format(time.RFC3339), r.ID, r.Runner, r.Status,
					r.Aggregate.Passed, r.Aggregate.Failed, r.Aggregate.Errors)
			}
			for _, f := range fixes {
				fmt.Printf("%s %s %-9s attempts=%d %s\n",
					f.CreatedAt.Format(time.RFC3339), f.Target, f.State, f.Attempts, f.RootCause)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries of each kind")
	cmd.Flags().String("target", "", "only fix results for this target")
	return cmd
}

// List nodes from a provider
func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes the ssh runner would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			provider, _ := cmd.Flags().GetString("provider")
			group, _ := cmd.Flags().GetString("group")
			if group == "" {
				group = cfg.Runner.Group
			}
			p, err := resolveProvider(cfg, provider)
			if err != nil {
				return err
			}
			nodes, err := p.ListNodes(cmd.Context(), group)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(nodes)
			}
			for _, n := range nodes {
				fmt.Printf("%s\t%s@%s:%d\t%s\n", n.Name, n.SSHUser, n.IP, n.SSHPort, n.WorkDir)
			}
			return nil
		},
	}
	cmd.Flags().String("provider", "", "provider name")
	cmd.Flags().String("group", "", "node group")
	return cmd
}
