package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/testfleet/internal/agent"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

func TestAgentRunnerExecutesThroughAgent(t *testing.T) {
	srv := httptest.NewServer((&agent.Server{Version: "test", Token: "tok"}).Handler())
	defer srv.Close()

	r := &Agent{
		Endpoints: []string{srv.URL + "/"},
		Token:     "tok",
		Command:   []string{"sh", writeScript(t), "{coverprofile}", "{packages}"},
		WorkDir:   t.TempDir(),
		Coverage:  true,
	}
	res, err := r.Run(context.Background(), api.ShardAssignment{Index: 0, Count: 1, Files: []string{"a", "fail"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Equal(t, 1, res.Failed)
	require.NotNil(t, res.Coverage)
	assert.Equal(t, 8, res.Coverage.LinesTotal)
}

func TestAgentRunnerRejectedToken(t *testing.T) {
	srv := httptest.NewServer((&agent.Server{Token: "tok"}).Handler())
	defer srv.Close()

	r := &Agent{Endpoints: []string{srv.URL}, Token: "wrong", Command: []string{"true"}}
	_, err := r.Run(context.Background(), api.ShardAssignment{Files: []string{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestAgentRunnerNoEndpoints(t *testing.T) {
	_, err := (&Agent{Command: []string{"true"}}).Run(context.Background(), api.ShardAssignment{})
	assert.Error(t, err)
}

func TestAgentRunnerRoundsTimeoutUp(t *testing.T) {
	got := make(chan agent.ExecRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req agent.ExecRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got <- req
		_ = json.NewEncoder(w).Encode(agent.ExecResponse{})
	}))
	defer srv.Close()

	r := &Agent{Endpoints: []string{srv.URL}, Command: []string{"true"}, Timeout: 200 * time.Millisecond}
	_, _ = r.Run(context.Background(), api.ShardAssignment{Files: []string{"a"}})
	assert.Equal(t, 1, (<-got).Timeout)
}

func TestTimeoutSeconds(t *testing.T) {
	for d, want := range map[time.Duration]int{
		0:                       0,
		-time.Second:            0,
		time.Nanosecond:         1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
	} {
		assert.Equal(t, want, timeoutSeconds(d), d.String())
	}
}
