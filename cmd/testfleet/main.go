package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/internal/telemetry"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testfleet",
		Short: "testfleet: sharded test runs and automated fix loops",
		Long:  "testfleet splits a test suite into shards, runs them locally, over SSH or through testfleet-agent endpoints, merges the results and drives model-backed fix attempts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().Bool("json", false, "print results as JSON")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "info":
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newShardCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newMergeCmd())
	cmd.AddCommand(newFixCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newNodesCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("testfleet %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// loadConfig reads the --config file and starts telemetry when enabled.
func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	flush := time.Duration(cfg.Telemetry.FlushSeconds) * time.Second
	telemetry.InitGlobal(cfg.Telemetry.Enabled, flush)
	return cfg, nil
}

func setupLogger() {
	level := zerolog.InfoLevel
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(level)
}

// runRoot executes root and times the command that ran, failed or not.
func runRoot(ctx context.Context, root *cobra.Command) error {
	scope := telemetry.NewTimerScope("testfleet_command_duration", nil)
	c, err := root.ExecuteContextC(ctx)
	name := root.Name()
	if c != nil {
		name = c.Name()
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	d := scope.Label("command", name).Label("status", status).End()
	log.Debug().Str("command", name).Str("status", status).Dur("elapsed", d).Msg("command finished")
	return err
}

func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	err := runRoot(ctx, root)
	if terr := telemetry.Shutdown(); terr != nil {
		log.Debug().Err(terr).Msg("telemetry shutdown")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
