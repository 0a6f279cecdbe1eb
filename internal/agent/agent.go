// Package agent is the HTTP side of testfleet-agent: it runs shard commands
// on the machine it is deployed to.
package agent

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testfleet/internal/telemetry"
)

// TokenEnv names the environment variable holding the shared bearer token.
const TokenEnv = "TESTFLEET_AGENT_TOKEN"

type Server struct {
	Version string
	// Token, when set, must be presented on /v0/exec as a bearer token or
	// X-Auth-Token header.
	Token string
	// Checks are served on /v0/health.
	Checks map[string]func() telemetry.HealthCheck

	srv      *http.Server
	inFlight atomic.Int64
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/heartbeat", s.heartbeat)
	mux.HandleFunc("/v0/exec", s.exec)
	checks := s.Checks
	if checks == nil {
		checks = telemetry.DefaultHealthChecks()
	}
	mux.Handle("/v0/health", telemetry.HealthHandler(checks))
	mux.HandleFunc("/v0/metrics", func(w http.ResponseWriter, r *http.Request) {
		telemetry.MetricsHandler(telemetry.GetGlobal())(w, r)
	})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_ = r.Body.Close()
	labels := map[string]string{"component": "agent", "endpoint": "heartbeat"}
	telemetry.CounterGlobal("testfleet_agent_heartbeats", 1, labels)

	host, _ := os.Hostname()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HeartbeatResponse{Time: time.Now(), Host: host, Version: s.Version})
	telemetry.TimerGlobal("testfleet_agent_request_duration", time.Since(start), labels)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Token == "" {
		return true
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == "" {
		presented = r.Header.Get("X-Auth-Token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.Token)) == 1
}

func (s *Server) exec(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	requestStart := time.Now()
	defer r.Body.Close()

	var req ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.CounterGlobal("testfleet_agent_exec_errors", 1, map[string]string{
			"component": "agent", "endpoint": "exec", "error": "decode_request",
		})
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}

	gauge := map[string]string{"component": "agent", "endpoint": "exec"}
	telemetry.GaugeGlobal("testfleet_agent_exec_in_flight", float64(s.inFlight.Add(1)), gauge)
	resp := Run(r.Context(), req)
	telemetry.GaugeGlobal("testfleet_agent_exec_in_flight", float64(s.inFlight.Add(-1)), gauge)
	status := "success"
	if resp.ExitCode != 0 || resp.Error != "" {
		status = "error"
	}
	labels := map[string]string{"component": "agent", "endpoint": "exec", "status": status}
	telemetry.TimerGlobal("testfleet_agent_exec_duration", time.Duration(resp.Duration)*time.Millisecond, labels)
	telemetry.TimerGlobal("testfleet_agent_request_duration", time.Since(requestStart), labels)
	telemetry.HistogramGlobal("testfleet_agent_exec_output_size", float64(len(resp.Stdout)+len(resp.Stderr)), labels)
	if status == "success" {
		telemetry.CounterGlobal("testfleet_agent_exec_successful", 1, labels)
	} else {
		telemetry.CounterGlobal("testfleet_agent_exec_failed", 1, labels)
	}
	log.Debug().Str("command", req.Command).Int("exit_code", resp.ExitCode).Int64("duration_ms", resp.Duration).Msg("exec")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Run executes req and collects its output. Failing to start the command is
// reported in ExecResponse.Error with exit code -1.
func Run(ctx context.Context, req ExecRequest) ExecResponse {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.WorkDir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	resp := ExecResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).Milliseconds(),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		resp.ExitCode = exitErr.ExitCode()
	default:
		resp.ExitCode = -1
		resp.Error = err.Error()
	}
	if ctx.Err() != nil && resp.Error == "" {
		resp.Error = ctx.Err().Error()
	}

	for _, name := range req.Collect {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(req.WorkDir, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if resp.Files == nil {
			resp.Files = map[string]string{}
		}
		resp.Files[name] = string(data)
	}
	return resp
}

// ListenAndServe serves plain HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
