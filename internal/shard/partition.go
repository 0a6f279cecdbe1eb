package shard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3cpo-dev/testfleet/internal/core"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Discovery units.
const (
	UnitFile = "file"
	UnitDir  = "dir"
)

// Discover returns the union of every pattern's matches under root as
// slash-separated paths relative to root, sorted and deduplicated.
// Directories never match. Patterns use doublestar syntax, so "**" crosses
// directory boundaries.
func Discover(root string, patterns []string) ([]string, error) {
	return discoverFS(os.DirFS(root), patterns)
}

func discoverFS(fsys fs.FS, patterns []string) ([]string, error) {
	seen := map[string]struct{}{}
	for _, p := range patterns {
		p = strings.TrimPrefix(p, "./")
		if !doublestar.ValidatePattern(p) {
			return nil, core.NewConfigError("pattern", p, "invalid glob")
		}
		matches, err := doublestar.Glob(fsys, p)
		if err != nil {
			if errors.Is(err, doublestar.ErrBadPattern) {
				return nil, core.NewConfigError("pattern", p, err.Error())
			}
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			info, err := fs.Stat(fsys, m)
			if err != nil || info.IsDir() {
				continue
			}
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// DiscoverUnits is Discover followed by grouping. With UnitDir every match
// collapses to its parent directory, so one Go package never ends up in two
// shards.
func DiscoverUnits(root string, patterns []string, unit string) ([]string, error) {
	files, err := Discover(root, patterns)
	if err != nil {
		return nil, err
	}
	switch unit {
	case "", UnitFile:
		return files, nil
	case UnitDir:
		return Dirs(files), nil
	default:
		return nil, core.NewConfigError("unit", unit, "must be file or dir")
	}
}

// Dirs maps sorted paths to their sorted, unique parent directories.
func Dirs(files []string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, f := range files {
		d := path.Dir(f)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Assign returns the files shard index of count runs: files[i] belongs to
// shard i mod count. The result depends only on the order of files and on
// (index, count); nothing is promised across different counts.
func Assign(files []string, index, count int) ([]string, error) {
	if count < 1 {
		return nil, core.NewConfigError("count", count, "must be >= 1")
	}
	if index < 0 || index >= count {
		return nil, core.NewConfigError("index", index, fmt.Sprintf("must be in [0, %d)", count))
	}
	out := []string{}
	for i := index; i < len(files); i += count {
		out = append(out, files[i])
	}
	return out, nil
}

// Plan returns the assignment of every shard, ordered by index.
func Plan(files []string, count int) ([]api.ShardAssignment, error) {
	if count < 1 {
		return nil, core.NewConfigError("count", count, "must be >= 1")
	}
	plan := make([]api.ShardAssignment, count)
	for i := range plan {
		assigned, err := Assign(files, i, count)
		if err != nil {
			return nil, err
		}
		plan[i] = api.ShardAssignment{Index: i, Count: count, Files: assigned}
	}
	return plan, nil
}
