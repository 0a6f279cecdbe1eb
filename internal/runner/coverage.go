package runner

import (
	"io"
	"os"
	"sort"

	"golang.org/x/tools/cover"

	"github.com/3cpo-dev/testfleet/internal/shard"
	"github.com/3cpo-dev/testfleet/pkg/api"
)

// ParseCoverProfile converts a Go cover profile into a coverage report. Go
// profiles count statements, so statements fill the line counters; function
// and branch counters stay zero.
func ParseCoverProfile(r io.Reader) (*api.CoverageReport, error) {
	profiles, err := cover.ParseProfilesFromReader(r)
	if err != nil {
		return nil, err
	}
	rep := &api.CoverageReport{}
	for _, p := range profiles {
		fc := api.FileCoverage{Path: p.FileName}
		for _, b := range p.Blocks {
			fc.LinesTotal += b.NumStmt
			if b.Count > 0 {
				fc.LinesCovered += b.NumStmt
			}
		}
		rep.LinesTotal += fc.LinesTotal
		rep.LinesCovered += fc.LinesCovered
		rep.Files = append(rep.Files, fc)
	}
	sort.Slice(rep.Files, func(i, j int) bool { return rep.Files[i].Path < rep.Files[j].Path })
	rep.LineRate = shard.Rate(rep.LinesCovered, rep.LinesTotal)
	return rep, nil
}

// readCoverFile parses the profile at path. A missing or empty file means
// no coverage, not an error.
func readCoverFile(path string) (*api.CoverageReport, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		return nil, nil
	}
	return ParseCoverProfile(f)
}
