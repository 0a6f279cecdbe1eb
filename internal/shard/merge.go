package shard

import (
	"sort"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

// Merge combines shard results in the order given. Counts and durations are
// summed, Success is the AND of every shard and cases are concatenated in
// shard order.
//
// Merging no results yields zero counts with Success=true: no shard failed.
// Callers that treat an empty run as a failure must check Shards.
func Merge(results []api.ShardRunResult) api.AggregateRunResult {
	agg := api.AggregateRunResult{Shards: len(results), Success: true}
	var reports []*api.CoverageReport
	for _, r := range results {
		agg.Passed += r.Passed
		agg.Failed += r.Failed
		agg.Skipped += r.Skipped
		agg.Errors += r.Errors
		agg.DurationMS += r.DurationMS
		agg.Success = agg.Success && r.Success
		agg.Cases = append(agg.Cases, r.Cases...)
		if r.Coverage != nil {
			reports = append(reports, r.Coverage)
		}
	}
	agg.Coverage = MergeCoverage(reports)
	return agg
}

// MergeCoverage sums covered and coverable units across reports and
// recomputes each rate from the sums. Per-shard rates are never averaged.
// Per-file entries with the same path are summed. It returns nil when no
// report is present.
func MergeCoverage(reports []*api.CoverageReport) *api.CoverageReport {
	var out *api.CoverageReport
	byPath := map[string]*api.FileCoverage{}
	for _, r := range reports {
		if r == nil {
			continue
		}
		if out == nil {
			out = &api.CoverageReport{}
		}
		out.LinesCovered += r.LinesCovered
		out.LinesTotal += r.LinesTotal
		out.FunctionsCovered += r.FunctionsCovered
		out.FunctionsTotal += r.FunctionsTotal
		out.BranchesCovered += r.BranchesCovered
		out.BranchesTotal += r.BranchesTotal
		for _, f := range r.Files {
			acc, ok := byPath[f.Path]
			if !ok {
				acc = &api.FileCoverage{Path: f.Path}
				byPath[f.Path] = acc
			}
			acc.LinesCovered += f.LinesCovered
			acc.LinesTotal += f.LinesTotal
			acc.FunctionsCovered += f.FunctionsCovered
			acc.FunctionsTotal += f.FunctionsTotal
			acc.BranchesCovered += f.BranchesCovered
			acc.BranchesTotal += f.BranchesTotal
		}
	}
	if out == nil {
		return nil
	}
	for _, f := range byPath {
		out.Files = append(out.Files, *f)
	}
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	out.LineRate = Rate(out.LinesCovered, out.LinesTotal)
	out.FunctionRate = Rate(out.FunctionsCovered, out.FunctionsTotal)
	out.BranchRate = Rate(out.BranchesCovered, out.BranchesTotal)
	return out
}

// Rate is covered/total, or 0 when nothing is coverable.
func Rate(covered, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(covered) / float64(total)
}
