package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/testfleet/pkg/api"
)

func TestMergeSumsAndAnds(t *testing.T) {
	agg := Merge([]api.ShardRunResult{
		{Index: 0, Passed: 3, Failed: 0, Skipped: 1, DurationMS: 10, Success: true,
			Cases: []api.CaseResult{{Name: "A"}, {Name: "B"}}},
		{Index: 1, Passed: 1, Failed: 2, Errors: 1, DurationMS: 5.5, Success: false,
			Cases: []api.CaseResult{{Name: "C"}}},
		{Index: 2, Passed: 2, Success: true, Cases: []api.CaseResult{{Name: "D"}}},
	})
	assert.Equal(t, 3, agg.Shards)
	assert.Equal(t, 6, agg.Passed)
	assert.Equal(t, 2, agg.Failed)
	assert.Equal(t, 1, agg.Skipped)
	assert.Equal(t, 1, agg.Errors)
	assert.InDelta(t, 15.5, agg.DurationMS, 1e-9)
	assert.False(t, agg.Success)

	names := make([]string, len(agg.Cases))
	for i, c := range agg.Cases {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, names)
	assert.Nil(t, agg.Coverage)
}

func TestMergeAllSuccessful(t *testing.T) {
	agg := Merge([]api.ShardRunResult{{Success: true}, {Success: true}})
	assert.True(t, agg.Success)
}

func TestMergeEmptyIsVacuouslySuccessful(t *testing.T) {
	agg := Merge(nil)
	assert.Equal(t, api.AggregateRunResult{Success: true}, agg)
}

func TestMergeCoverageRecomputesRateFromSums(t *testing.T) {
	// Averaging the rates would give (1.0 + 0.0) / 2 = 0.5.
	big := &api.CoverageReport{
		LinesCovered: 90, LinesTotal: 90,
		Files: []api.FileCoverage{{Path: "a.go", LinesCovered: 90, LinesTotal: 90}},
	}
	small := &api.CoverageReport{
		LinesCovered: 0, LinesTotal: 10,
		FunctionsCovered: 1, FunctionsTotal: 4,
		Files: []api.FileCoverage{{Path: "a.go", LinesTotal: 4}, {Path: "0.go", LinesTotal: 6}},
	}

	agg := Merge([]api.ShardRunResult{
		{Success: true, Coverage: big},
		{Success: true},
		{Success: true, Coverage: small},
	})
	require.NotNil(t, agg.Coverage)
	cov := agg.Coverage
	assert.Equal(t, 90, cov.LinesCovered)
	assert.Equal(t, 100, cov.LinesTotal)
	assert.InDelta(t, 0.9, cov.LineRate, 1e-9)
	assert.InDelta(t, 0.25, cov.FunctionRate, 1e-9)
	assert.Zero(t, cov.BranchRate, "no coverable branches gives 0")

	require.Len(t, cov.Files, 2)
	assert.Equal(t, "0.go", cov.Files[0].Path)
	assert.Equal(t, api.FileCoverage{Path: "a.go", LinesCovered: 90, LinesTotal: 94}, cov.Files[1])
}

func TestMergeCoverageNoReports(t *testing.T) {
	assert.Nil(t, MergeCoverage(nil))
	assert.Nil(t, MergeCoverage([]*api.CoverageReport{nil, nil}))
}

func TestRate(t *testing.T) {
	assert.Zero(t, Rate(0, 0))
	assert.InDelta(t, 0.5, Rate(1, 2), 1e-9)
}
