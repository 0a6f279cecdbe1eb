package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/testfleet/internal/agent"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Agent runs shard i through the testfleet-agent at
// Endpoints[i mod len(Endpoints)].
type Agent struct {
	Endpoints  []string
	Token      string
	HTTPClient *http.Client
	Command    []string
	WorkDir    string
	Timeout    time.Duration
	Coverage   bool
}

func (g *Agent) Name() string { return "agent" }

func (g *Agent) Run(ctx context.Context, a api.ShardAssignment) (api.ShardRunResult, error) {
	if len(g.Endpoints) == 0 {
		return api.ShardRunResult{}, errors.New("agent runner: no endpoints")
	}
	if len(g.Command) == 0 {
		return api.ShardRunResult{}, errors.New("agent runner: empty command")
	}
	endpoint := strings.TrimRight(g.Endpoints[a.Index%len(g.Endpoints)], "/")

	var coverFile string
	if g.Coverage {
		coverFile = fmt.Sprintf(".testfleet-cover-%d.out", a.Index)
	}
	argv := Expand(g.Command, a, coverFile)
	if len(argv) == 0 {
		return api.ShardRunResult{}, fmt.Errorf("shard %d: command expanded to nothing", a.Index)
	}
	req := agent.ExecRequest{
		Command: argv[0],
		Args:    argv[1:],
		WorkDir: g.WorkDir,
		Timeout: timeoutSeconds(g.Timeout),
	}
	if coverFile != "" {
		req.Collect = []string{coverFile}
	}

	start := time.Now()
	resp, err := g.exec(ctx, endpoint, req)
	elapsed := time.Since(start)
	if err != nil {
		return api.ShardRunResult{}, fmt.Errorf("shard %d via %s: %w", a.Index, endpoint, err)
	}
	if resp.Error != "" {
		return api.ShardRunResult{}, fmt.Errorf("shard %d via %s: %s", a.Index, endpoint, resp.Error)
	}

	res, err := finish(a, resp.Stdout, resp.Stderr, resp.ExitCode, elapsed)
	if err != nil {
		return res, err
	}
	if data, ok := resp.Files[coverFile]; ok && coverFile != "" && data != "" {
		cov, err := ParseCoverProfile(strings.NewReader(data))
		if err != nil {
			log.Warn().Err(err).Int("shard", a.Index).Str("endpoint", endpoint).Msg("unreadable cover profile")
		} else {
			res.Coverage = cov
		}
	}
	return res, nil
}

// timeoutSeconds rounds d up to whole seconds, since the agent treats 0 as no
// timeout.
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func (g *Agent) exec(ctx context.Context, endpoint string, req agent.ExecRequest) (agent.ExecResponse, error) {
	var out agent.ExecResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v0/exec", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.Token)
	}
	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return out, fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode agent response: %w", err)
	}
	return out, nil
}
