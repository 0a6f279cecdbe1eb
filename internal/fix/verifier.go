package fix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/3cpo-dev/testfleet/internal/shard"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// PatchVerifier checks a fix by applying its diff to a git work tree,
// running the tests of every touched package and reverting the diff. The
// patch stays applied only under the tree's write lock, so analyzers and
// generators reading through the same WorkTree never see it.
type PatchVerifier struct {
	Tree   *WorkTree
	Runner shard.Runner
	// Git is the git binary, "git" when empty.
	Git string
}

// ChangedFiles returns the paths a unified diff touches, without a/ and b/
// prefixes, sorted. Deleted files are reported by their old name.
func ChangedFiles(patch string) ([]string, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	seen := map[string]bool{}
	var out []string
	for _, fd := range fds {
		name := stripPrefix(fd.NewName)
		if name == "" || name == "/dev/null" {
			name = stripPrefix(fd.OrigName)
		}
		if name == "" || name == "/dev/null" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, errors.New("diff touches no files")
	}
	sort.Strings(out)
	return out, nil
}

func stripPrefix(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// TestUnits maps changed files to the package directories whose tests
// cover them. Non-Go files are dropped.
func TestUnits(files []string) []string {
	var goFiles []string
	for _, f := range files {
		if strings.HasSuffix(f, ".go") {
			goFiles = append(goFiles, path.Clean(f))
		}
	}
	sort.Strings(goFiles)
	return shard.Dirs(goFiles)
}

func rejected(issues ...string) VerificationReport {
	return VerificationReport{Passed: false, RemainingIssues: issues}
}

// VerifyFix never leaves the diff applied. Problems with the fix itself
// (unparseable, does not apply, tests fail) are rejected reports; only a
// broken environment is an error.
func (v *PatchVerifier) VerifyFix(ctx context.Context, target string, fix GeneratedFix) (VerificationReport, error) {
	if v.Runner == nil || v.Tree == nil {
		return VerificationReport{}, errors.New("patch verifier: runner and work tree are required")
	}
	files, err := ChangedFiles(fix.Diff)
	if err != nil {
		return rejected("malformed diff: " + err.Error()), nil
	}
	return v.Tree.exclusive(func() (VerificationReport, error) {
		return v.applyAndRun(ctx, target, fix.Diff, files)
	})
}

func (v *PatchVerifier) applyAndRun(ctx context.Context, target, patch string, files []string) (VerificationReport, error) {
	patchFile, err := os.CreateTemp("", "testfleet-fix-*.patch")
	if err != nil {
		return VerificationReport{}, err
	}
	defer os.Remove(patchFile.Name())
	if _, err := patchFile.WriteString(patch); err != nil {
		_ = patchFile.Close()
		return VerificationReport{}, err
	}
	if err := patchFile.Close(); err != nil {
		return VerificationReport{}, err
	}

	if out, err := v.git(ctx, "apply", "--check", patchFile.Name()); err != nil {
		return rejected("patch does not apply: " + strings.TrimSpace(out)), nil
	}
	if out, err := v.git(ctx, "apply", patchFile.Name()); err != nil {
		return rejected("patch does not apply: " + strings.TrimSpace(out)), nil
	}
	defer func() {
		// Revert with a fresh context so a cancelled run still restores the tree.
		if out, err := v.git(context.Background(), "apply", "-R", patchFile.Name()); err != nil {
			log.Error().Err(err).Str("target", target).Str("output", out).Msg("revert fix failed")
		}
	}()

	units := TestUnits(files)
	if len(units) == 0 {
		return rejected("fix changes no Go files"), nil
	}
	res, err := v.Runner.Run(ctx, api.ShardAssignment{Index: 0, Count: 1, Files: units})
	if err != nil {
		return rejected("test run failed: " + err.Error()), nil
	}
	return reportFrom(res), nil
}

func reportFrom(res api.ShardRunResult) VerificationReport {
	rep := VerificationReport{Passed: res.Success}
	for _, c := range res.Cases {
		if c.Status == api.CaseFail {
			name := c.Name
			if c.Package != "" {
				name = c.Package + "." + c.Name
			}
			rep.RemainingIssues = append(rep.RemainingIssues, "failing test: "+name)
		}
	}
	if res.Errors > 0 {
		rep.RemainingIssues = append(rep.RemainingIssues, fmt.Sprintf("%d package errors", res.Errors))
	}
	return rep
}

func (v *PatchVerifier) git(ctx context.Context, args ...string) (string, error) {
	bin := v.Git
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = v.Tree.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
