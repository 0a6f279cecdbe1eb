package runner

import (
	"path"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Command template placeholders. {files} and {packages} must stand alone as
// an argument and expand to one argument per entry; the others are replaced
// inside any argument.
const (
	PlaceholderFiles        = "{files}"
	PlaceholderPackages     = "{packages}"
	PlaceholderCoverprofile = "{coverprofile}"
	PlaceholderIndex        = "{index}"
	PlaceholderCount        = "{count}"
)

// Expand fills template for one shard. With an empty coverprofile any
// argument mentioning {coverprofile} is dropped.
func Expand(template []string, a api.ShardAssignment, coverprofile string) []string {
	var out []string
	for _, arg := range template {
		switch arg {
		case PlaceholderFiles:
			out = append(out, a.Files...)
			continue
		case PlaceholderPackages:
			out = append(out, Packages(a.Files)...)
			continue
		}
		if strings.Contains(arg, PlaceholderCoverprofile) {
			if coverprofile == "" {
				continue
			}
			arg = strings.ReplaceAll(arg, PlaceholderCoverprofile, coverprofile)
		}
		arg = strings.ReplaceAll(arg, PlaceholderIndex, strconv.Itoa(a.Index))
		arg = strings.ReplaceAll(arg, PlaceholderCount, strconv.Itoa(a.Count))
		out = append(out, arg)
	}
	return out
}

// Packages maps shard entries to unique relative package patterns in first
// seen order. A .go file maps to its directory; anything else is taken to be
// a directory already.
func Packages(entries []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range entries {
		dir := e
		if strings.HasSuffix(e, ".go") {
			dir = path.Dir(e)
		}
		dir = path.Clean(dir)
		pkg := "./" + dir
		if dir == "." {
			pkg = "."
		}
		if seen[pkg] {
			continue
		}
		seen[pkg] = true
		out = append(out, pkg)
	}
	return out
}

// ShellJoin quotes args for a POSIX shell. Arguments made only of safe
// characters are left bare.
func ShellJoin(args []string) string {
	return shellescape.QuoteCommand(args)
}
