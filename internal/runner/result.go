package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// finish turns the raw output of a shard command into a result. A non-zero
// exit with parseable events is a normal failed run; no events at all is a
// runner error.
func finish(a api.ShardAssignment, stdout, stderr string, exitCode int, elapsed time.Duration) (api.ShardRunResult, error) {
	res, err := ParseGoTestJSON(strings.NewReader(stdout))
	if err != nil {
		return api.ShardRunResult{}, fmt.Errorf("shard %d: exit %d: %w: %s", a.Index, exitCode, err, tail(stderr, 512))
	}
	res.Index = a.Index
	res.DurationMS = float64(elapsed.Milliseconds())
	if exitCode != 0 && res.Success {
		// go test exited non-zero without a failing event, e.g. a vet failure.
		res.Errors++
		res.Success = false
	}
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
