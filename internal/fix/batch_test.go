package fix

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

type targetAnalyzer struct{ failFor string }

func (a targetAnalyzer) AnalyzeRootCause(ctx context.Context, target string) (*RootCause, error) {
	if target == a.failFor {
		return nil, errors.New("cannot read " + target)
	}
	return &RootCause{Summary: "cause of " + target}, nil
}

// slowVerifier accepts targets whose fix diff mentions "good" and tracks
// how many verifications overlap.
type slowVerifier struct {
	inFlight, peak atomic.Int32
}

func (v *slowVerifier) VerifyFix(ctx context.Context, target string, fix GeneratedFix) (VerificationReport, error) {
	n := v.inFlight.Add(1)
	defer v.inFlight.Add(-1)
	for {
		p := v.peak.Load()
		if n <= p || v.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return VerificationReport{Passed: target == "good"}, nil
}

type recordingGenerator struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (g *recordingGenerator) GenerateFix(ctx context.Context, req GenerationRequest) (GeneratedFix, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = map[string][]int{}
	}
	g.seen[req.Target] = append(g.seen[req.Target], len(req.History))
	return GeneratedFix{Diff: req.Target}, nil
}

func TestRunBatch(t *testing.T) {
	ver := &slowVerifier{}
	gen := &recordingGenerator{}
	p, err := New(Config{MaxAttempts: 2, Concurrency: 2}, targetAnalyzer{failFor: "unreadable"}, gen, ver)
	require.NoError(t, err)

	targets := []string{"good", "bad", "unreadable", "bad2", "good"}
	out, err := RunBatch(context.Background(), nil, p, targets)
	require.NoError(t, err)
	require.Len(t, out, len(targets))

	res, ok := ResultOf(out[0])
	require.True(t, ok)
	assert.Equal(t, StateAccepted, res.State)
	assert.Equal(t, "accepted", out[0].Result["state"])

	res, ok = ResultOf(out[1])
	require.True(t, ok)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, api.TaskCompleted, out[1].Status, "exhaustion is a completed task")

	assert.Equal(t, api.TaskFailed, out[2].Status)
	assert.Contains(t, out[2].Errors[0], "cannot read unreadable")
	_, ok = ResultOf(out[2])
	assert.False(t, ok)

	assert.LessOrEqual(t, ver.peak.Load(), int32(2))

	// Each run builds its own history.
	assert.Equal(t, []int{0, 1}, gen.seen["bad"])
	assert.Equal(t, []int{0, 1}, gen.seen["bad2"])
	assert.Equal(t, []int{0, 0}, gen.seen["good"])
}

func TestRunBatchOnSharedScheduler(t *testing.T) {
	s, err := core.NewScheduler(4)
	require.NoError(t, err)

	ver := &slowVerifier{}
	p, err := New(Config{MaxAttempts: 1, Concurrency: 1}, targetAnalyzer{}, &recordingGenerator{}, ver)
	require.NoError(t, err)

	out, err := RunBatch(context.Background(), s, p, []string{"good", "bad", "good", "bad"})
	require.NoError(t, err)
	require.Len(t, out, 4)
	for _, o := range out {
		assert.Equal(t, api.TaskCompleted, o.Status)
	}
	assert.Equal(t, []string{TaskKind}, s.Agents())
	assert.Equal(t, int32(1), ver.peak.Load(), "pipeline ceiling applies under a wider scheduler")

	s2, err := core.NewScheduler(1)
	require.NoError(t, err)
	p2, err := New(Config{MaxAttempts: 1, Concurrency: 4}, targetAnalyzer{}, &recordingGenerator{}, &slowVerifier{})
	require.NoError(t, err)
	ver2 := p2.verifier.(*slowVerifier)
	_, err = RunBatch(context.Background(), s2, p2, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ver2.peak.Load(), "scheduler ceiling applies under a wider pipeline")
}

// treeReader reads the target's source through the shared tree whenever it
// analyzes or generates, and always proposes goodDiff.
type treeReader struct {
	tree *WorkTree
	mu   sync.Mutex
	seen []string
}

func (r *treeReader) read(t string) {
	data, _ := r.tree.ReadFile(t)
	r.mu.Lock()
	r.seen = append(r.seen, string(data))
	r.mu.Unlock()
}

func (r *treeReader) AnalyzeRootCause(ctx context.Context, target string) (*RootCause, error) {
	r.read(target)
	return &RootCause{Summary: "wrong constant"}, nil
}

func (r *treeReader) GenerateFix(ctx context.Context, req GenerationRequest) (GeneratedFix, error) {
	r.read(req.Target)
	return GeneratedFix{Diff: goodDiff}, nil
}

// lingeringRunner keeps the candidate patch applied for a while and
// rejects it.
type lingeringRunner struct{}

func (lingeringRunner) Name() string { return "lingering" }

func (lingeringRunner) Run(ctx context.Context, a api.ShardAssignment) (api.ShardRunResult, error) {
	time.Sleep(20 * time.Millisecond)
	return api.ShardRunResult{Failed: 1}, nil
}

func TestConcurrentPipelinesNeverReadCandidatePatches(t *testing.T) {
	dir := newWorkTree(t)
	tree := NewWorkTree(dir)
	rd := &treeReader{tree: tree}
	v := &PatchVerifier{Tree: tree, Runner: lingeringRunner{}}
	p, err := New(Config{MaxAttempts: 3, Concurrency: 2}, rd, rd, v)
	require.NoError(t, err)

	out, err := RunBatch(context.Background(), nil, p, []string{"a/a.go", "a/a.go"})
	require.NoError(t, err)
	for _, o := range out {
		res, ok := ResultOf(o)
		require.True(t, ok)
		assert.Equal(t, StateExhausted, res.State)
	}

	require.Len(t, rd.seen, 8)
	for _, src := range rd.seen {
		assert.Equal(t, original, src)
		assert.False(t, strings.Contains(src, "return 2"), "candidate patch visible to a sibling run")
	}
}
