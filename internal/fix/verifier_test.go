package fix

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

const original = "package a\n\nfunc V() int { return 1 }\n"

const goodDiff = "--- a/a/a.go\n" +
	"+++ b/a/a.go\n" +
	"@@ -1,3 +1,3 @@\n" +
	" package a\n" +
	" \n" +
	"-func V() int { return 1 }\n" +
	"+func V() int { return 2 }\n"

type stubRunner struct {
	got    []api.ShardAssignment
	seen   string
	result api.ShardRunResult
	err    error
	dir    string
}

func (s *stubRunner) Name() string { return "stub" }

func (s *stubRunner) Run(ctx context.Context, a api.ShardAssignment) (api.ShardRunResult, error) {
	s.got = append(s.got, a)
	data, _ := os.ReadFile(filepath.Join(s.dir, "a", "a.go"))
	s.seen = string(data)
	return s.result, s.err
}

func newWorkTree(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "a.go"), []byte(original), 0o644))
	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())
	return dir
}

func TestChangedFiles(t *testing.T) {
	files, err := ChangedFiles(goodDiff)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/a.go"}, files)

	_, err = ChangedFiles("this is not a diff")
	assert.Error(t, err)
}

func TestTestUnits(t *testing.T) {
	assert.Equal(t, []string{".", "a", "b/c"}, TestUnits([]string{"b/c/x.go", "a/a.go", "README.md", "main.go", "a/b_test.go"}))
}

func TestPatchVerifierAppliesRunsAndReverts(t *testing.T) {
	dir := newWorkTree(t)
	r := &stubRunner{dir: dir, result: api.ShardRunResult{Passed: 1, Success: true}}
	v := &PatchVerifier{Tree: NewWorkTree(dir), Runner: r}

	rep, err := v.VerifyFix(context.Background(), "a/a.go", GeneratedFix{Diff: goodDiff})
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	require.Len(t, r.got, 1)
	assert.Equal(t, []string{"a"}, r.got[0].Files)
	assert.Contains(t, r.seen, "return 2", "tests run against the patched tree")

	data, err := os.ReadFile(filepath.Join(dir, "a", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, original, string(data), "patch is reverted")
}

func TestPatchVerifierReportsFailingTests(t *testing.T) {
	dir := newWorkTree(t)
	r := &stubRunner{dir: dir, result: api.ShardRunResult{
		Failed: 1, Errors: 1,
		Cases: []api.CaseResult{{Name: "TestV", Package: "example.com/a", Status: api.CaseFail}},
	}}
	v := &PatchVerifier{Tree: NewWorkTree(dir), Runner: r}

	rep, err := v.VerifyFix(context.Background(), "a/a.go", GeneratedFix{Diff: goodDiff})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Equal(t, []string{"failing test: example.com/a.TestV", "1 package errors"}, rep.RemainingIssues)
}

func TestPatchVerifierRejectsBadPatches(t *testing.T) {
	dir := newWorkTree(t)
	r := &stubRunner{dir: dir, err: errors.New("unreachable")}
	v := &PatchVerifier{Tree: NewWorkTree(dir), Runner: r}

	rep, err := v.VerifyFix(context.Background(), "a/a.go", GeneratedFix{Diff: "nonsense"})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Contains(t, rep.RemainingIssues[0], "malformed diff")

	stale := "--- a/a/a.go\n+++ b/a/a.go\n@@ -1,1 +1,1 @@\n-package b\n+package c\n"
	rep, err = v.VerifyFix(context.Background(), "a/a.go", GeneratedFix{Diff: stale})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Contains(t, rep.RemainingIssues[0], "does not apply")
	assert.Empty(t, r.got)
}

func TestPatchVerifierRunnerErrorIsRejection(t *testing.T) {
	dir := newWorkTree(t)
	v := &PatchVerifier{Tree: NewWorkTree(dir), Runner: &stubRunner{dir: dir, err: errors.New("timed out")}}

	rep, err := v.VerifyFix(context.Background(), "a/a.go", GeneratedFix{Diff: goodDiff})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.Contains(t, rep.RemainingIssues[0], "timed out")

	data, err := os.ReadFile(filepath.Join(dir, "a", "a.go"))
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}
