package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Local runs each shard as a subprocess on this machine.
type Local struct {
	// Command is the argv template, see Expand.
	Command  []string
	WorkDir  string
	Timeout  time.Duration
	Coverage bool
	Env      []string
}

func (l *Local) Name() string { return "local" }

func (l *Local) Run(ctx context.Context, a api.ShardAssignment) (api.ShardRunResult, error) {
	if len(l.Command) == 0 {
		return api.ShardRunResult{}, errors.New("local runner: empty command")
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	var coverFile string
	if l.Coverage {
		dir, err := os.MkdirTemp("", "testfleet-cover-")
		if err != nil {
			return api.ShardRunResult{}, fmt.Errorf("cover dir: %w", err)
		}
		defer os.RemoveAll(dir)
		coverFile = filepath.Join(dir, fmt.Sprintf("shard-%d.out", a.Index))
	}
	argv := Expand(l.Command, a, coverFile)
	if len(argv) == 0 {
		return api.ShardRunResult{}, fmt.Errorf("shard %d: command expanded to nothing", a.Index)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = l.WorkDir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Int("shard", a.Index).Strs("argv", argv).Msg("running shard")
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return api.ShardRunResult{}, fmt.Errorf("shard %d: %w", a.Index, ctx.Err())
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		return api.ShardRunResult{}, fmt.Errorf("shard %d: start %s: %w", a.Index, argv[0], err)
	}

	res, err := finish(a, stdout.String(), stderr.String(), exitCode, elapsed)
	if err != nil {
		return res, err
	}
	if coverFile != "" {
		cov, err := readCoverFile(coverFile)
		if err != nil {
			log.Warn().Err(err).Int("shard", a.Index).Msg("unreadable cover profile")
		}
		res.Coverage = cov
	}
	return res, nil
}
