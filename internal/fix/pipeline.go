// Package fix drives the generate, verify and retry loop that turns one
// defect target into an accepted fix or an exhausted attempt history.
package fix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/internal/telemetry"
)

type State string

const (
	StatePending    State = "pending"
	StateAnalyzing  State = "analyzing"
	StateGenerating State = "generating"
	StateVerifying  State = "verifying"
	StateAccepted   State = "accepted"
	StateRetrying   State = "retrying"
	StateExhausted  State = "exhausted"
)

func (s State) Terminal() bool { return s == StateAccepted || s == StateExhausted }

// Config bounds one pipeline run and a batch of them.
type Config struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return core.NewConfigError("fix.max_attempts", c.MaxAttempts, "must be >= 1")
	}
	if c.Concurrency < 1 {
		return core.NewConfigError("fix.concurrency", c.Concurrency, "must be >= 1")
	}
	return nil
}

type RootCause struct {
	Summary string   `json:"summary"`
	Details string   `json:"details,omitempty"`
	Files   []string `json:"files,omitempty"`
	Unknown bool     `json:"unknown,omitempty"`
}

// UnknownRootCause stands in for a root cause the analyzer could not name.
func UnknownRootCause() RootCause {
	return RootCause{Summary: "unknown", Unknown: true}
}

type GeneratedFix struct {
	Diff      string `json:"diff"`
	Rationale string `json:"rationale,omitempty"`
}

type VerificationReport struct {
	Passed          bool     `json:"passed"`
	RemainingIssues []string `json:"remaining_issues,omitempty"`
}

// Attempt is one generate/verify cycle. Report is nil while the fix is
// still being verified.
type Attempt struct {
	Number int                 `json:"number"`
	Fix    GeneratedFix        `json:"fix"`
	Report *VerificationReport `json:"report,omitempty"`
	// Error records a generation or verification capability failure.
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// VerificationContext is the state of one pipeline run. It is owned by
// that run alone; everything handed out is a copy.
type VerificationContext struct {
	Target    string
	Attempt   int
	History   []Attempt
	RootCause *RootCause
}

func (v *VerificationContext) snapshot() []Attempt {
	out := make([]Attempt, len(v.History))
	for i, a := range v.History {
		out[i] = a
		if a.Report != nil {
			rep := *a.Report
			rep.RemainingIssues = append([]string(nil), a.Report.RemainingIssues...)
			out[i].Report = &rep
		}
	}
	return out
}

// GenerationRequest is what a Generator sees: the root cause (possibly
// UnknownRootCause) and every earlier attempt with its report.
type GenerationRequest struct {
	Target    string
	Attempt   int
	RootCause RootCause
	History   []Attempt
}

type Analyzer interface {
	// AnalyzeRootCause returns nil when no root cause could be named.
	AnalyzeRootCause(ctx context.Context, target string) (*RootCause, error)
}

type Generator interface {
	GenerateFix(ctx context.Context, req GenerationRequest) (GeneratedFix, error)
}

type Verifier interface {
	VerifyFix(ctx context.Context, target string, fix GeneratedFix) (VerificationReport, error)
}

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("fix attempts exhausted")

// AnalysisError is a fatal root-cause failure. No fix was attempted.
type AnalysisError struct {
	Target string
	Err    error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("root cause analysis for %s: %v", e.Target, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// ExhaustedError describes a run whose every attempt was rejected.
type ExhaustedError struct {
	Target   string
	Attempts int
	History  []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts rejected", e.Target, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

type Result struct {
	Target   string        `json:"target"`
	State    State         `json:"state"`
	Attempts int           `json:"attempts"`
	Fix      *GeneratedFix `json:"fix,omitempty"`
	// RootCause is nil when the analyzer could not name one.
	RootCause *RootCause `json:"root_cause,omitempty"`
	History   []Attempt  `json:"history"`
	Trail     []State    `json:"trail"`
}

// Err returns an *ExhaustedError for exhausted runs and nil otherwise.
func (r *Result) Err() error {
	if r.State != StateExhausted {
		return nil
	}
	return &ExhaustedError{Target: r.Target, Attempts: r.Attempts, History: r.History}
}

type Pipeline struct {
	cfg       Config
	analyzer  Analyzer
	generator Generator
	verifier  Verifier
	// slots caps concurrent runs at cfg.Concurrency whichever scheduler
	// dispatches them.
	slots *semaphore.Weighted
}

func New(cfg Config, a Analyzer, g Generator, v Verifier) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if a == nil || g == nil || v == nil {
		return nil, errors.New("fix: analyzer, generator and verifier are required")
	}
	return &Pipeline{
		cfg:       cfg,
		analyzer:  a,
		generator: g,
		verifier:  v,
		slots:     semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

func (p *Pipeline) Config() Config { return p.cfg }

// Run takes target from pending to accepted or exhausted. The only error
// it returns is an *AnalysisError; exhaustion is a result, see Result.Err.
// A generation or verification failure uses up its attempt.
func (p *Pipeline) Run(ctx context.Context, target string) (*Result, error) {
	logger := log.With().Str("component", "fix").Str("target", target).Logger()
	res := &Result{Target: target, State: StatePending, Trail: []State{StatePending}}
	set := func(s State) {
		res.State = s
		res.Trail = append(res.Trail, s)
	}

	set(StateAnalyzing)
	rc, err := p.analyzer.AnalyzeRootCause(ctx, target)
	if err != nil {
		logger.Warn().Err(err).Msg("root cause analysis failed")
		telemetry.RecordFixOutcome("analysis_failed", 0)
		return nil, &AnalysisError{Target: target, Err: err}
	}
	vc := &VerificationContext{Target: target, RootCause: rc}
	cause := UnknownRootCause()
	if rc != nil {
		cause = *rc
	}

	for {
		set(StateGenerating)
		start := time.Now()
		entry := Attempt{Number: vc.Attempt}
		fix, err := p.generator.GenerateFix(ctx, GenerationRequest{
			Target:    target,
			Attempt:   vc.Attempt,
			RootCause: cause,
			History:   vc.snapshot(),
		})
		if err != nil {
			logger.Warn().Err(err).Int("attempt", vc.Attempt).Msg("fix generation failed")
			entry.Error = err.Error()
			entry.Report = &VerificationReport{RemainingIssues: []string{"generation failed: " + err.Error()}}
			entry.Duration = time.Since(start)
			vc.History = append(vc.History, entry)
		} else {
			entry.Fix = fix
			vc.History = append(vc.History, entry)
			last := &vc.History[len(vc.History)-1]

			set(StateVerifying)
			report, err := p.verifier.VerifyFix(ctx, target, fix)
			if err != nil {
				logger.Warn().Err(err).Int("attempt", vc.Attempt).Msg("fix verification failed")
				last.Error = err.Error()
				report = VerificationReport{RemainingIssues: []string{"verification failed: " + err.Error()}}
			}
			last.Report = &report
			last.Duration = time.Since(start)
		}

		passed := vc.History[len(vc.History)-1].Report.Passed
		telemetry.RecordFixAttempt(time.Since(start), passed)
		if passed {
			set(StateAccepted)
			accepted := fix
			res.Fix = &accepted
			return p.finish(res, vc, logger), nil
		}
		if vc.Attempt+1 >= p.cfg.MaxAttempts {
			set(StateExhausted)
			return p.finish(res, vc, logger), nil
		}
		set(StateRetrying)
		vc.Attempt++
	}
}

func (p *Pipeline) finish(res *Result, vc *VerificationContext, logger zerolog.Logger) *Result {
	res.Attempts = vc.Attempt + 1
	res.History = vc.snapshot()
	if vc.RootCause != nil {
		rc := *vc.RootCause
		rc.Files = append([]string(nil), vc.RootCause.Files...)
		res.RootCause = &rc
	}
	telemetry.RecordFixOutcome(string(res.State), res.Attempts)
	logger.Info().Str("state", string(res.State)).Int("attempts", res.Attempts).Msg("fix pipeline finished")
	return res
}
