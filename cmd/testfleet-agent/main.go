package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/testfleet/internal/agent"
	"github.com/3cpo-dev/testfleet/internal/telemetry"
)

var version = "dev"

func main() {
	cmd := &cobra.Command{
		Use:           "testfleet-agent",
		Short:         "Run shard commands on behalf of testfleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			serve(addr)
			return nil
		},
	}
	cmd.Flags().String("addr", ":8088", "listen address")
	cmd.Flags().Bool("debug", false, "debug logging")

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("testfleet-agent")
	}
}

// serve blocks until SIGINT or SIGTERM, then drains in-flight requests.
func serve(addr string) {
	telemetry.InitGlobal(true, time.Minute)

	srv := &agent.Server{Version: version, Token: os.Getenv(agent.TokenEnv)}
	if srv.Token == "" {
		log.Warn().Msgf("%s is not set; /v0/exec accepts unauthenticated requests", agent.TokenEnv)
	}
	tlsCfg := agent.LoadMTLSConfig()
	go func() {
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(addr, tlsCfg)
		} else {
			err = srv.ListenAndServe(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("agent stopped")
		}
	}()
	log.Info().Str("addr", addr).Bool("tls", tlsCfg.Enabled()).Msg("testfleet-agent listening")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info().Msg("testfleet-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = telemetry.Shutdown()
}
