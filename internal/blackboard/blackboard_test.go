package blackboard

import (
	"testing"

	"github.com/stretchr/testify/require"

	"qtorque/internal/types"
)

func TestExtractEntryTier1UsesAssignedExamples(t *testing.T) {
	rec := WorkerRecord{
		QueryID:          "q1",
		WorkerID:         "w1",
		Result:           types.ValidationResult{Status: types.StatusPass, RowsMatch: true, Speedup: 2.5},
		AssignedExamples: []string{"push_pred"},
		ResponseText:     "Changes: moved the filter below the join.\n\n",
	}
	entry := ExtractEntry(rec, []string{"push_pred", "reorder_join"})
	require.Equal(t, types.StatusWin, entry.Status)
	require.Equal(t, []string{"push_pred"}, entry.AppliedTransforms)
	require.Equal(t, "push_pred", entry.PrincipleID)
	require.Contains(t, entry.WhatWorked, "moved the filter")
}

func TestExtractEntryTier2RegexScan(t *testing.T) {
	rec := WorkerRecord{
		Result:       types.ValidationResult{Status: types.StatusPass, RowsMatch: true, Speedup: 1.5},
		ResponseText: "I applied reorder_join to fix the late join.",
	}
	entry := ExtractEntry(rec, []string{"push_pred", "reorder_join"})
	require.Equal(t, []string{"reorder_join"}, entry.AppliedTransforms)
}

func TestExtractEntryTier3StrategyNameMap(t *testing.T) {
	rec := WorkerRecord{
		Result:       types.ValidationResult{Status: types.StatusPass, RowsMatch: true, Speedup: 1.5},
		ResponseText: "Used predicate pushdown to reduce scan volume.",
	}
	entry := ExtractEntry(rec, []string{"push_pred"})
	require.Equal(t, []string{"push_pred"}, entry.AppliedTransforms)
}

func TestExtractEntryTier4StructuralDiffFallback(t *testing.T) {
	rec := WorkerRecord{
		Result:       types.ValidationResult{Status: types.StatusPass, RowsMatch: true, Speedup: 1.5},
		ResponseText: "looks faster now",
		OriginalSQL:  "SELECT * FROM t",
		OptimizedSQL: "WITH x AS (SELECT * FROM t) SELECT * FROM x",
	}
	entry := ExtractEntry(rec, []string{"push_pred"})
	require.Len(t, entry.AppliedTransforms, 1)
	require.Contains(t, entry.AppliedTransforms[0], "cte_introduced")
}

func TestExtractEntryErrorCategorization(t *testing.T) {
	rec := WorkerRecord{Result: types.ValidationResult{Status: types.StatusFailError, Error: "syntax error"}}
	entry := ExtractEntry(rec, nil)
	require.Equal(t, types.StatusError, entry.Status)
	require.Equal(t, "engine_rejected", entry.ErrorCategory)
}

func TestCollateGroupsWinsByPrincipleAndTracksCoRegressions(t *testing.T) {
	entries := []types.BlackboardEntry{
		{QueryID: "q1", Status: types.StatusWin, Speedup: 3.0, AppliedTransforms: []string{"push_pred"}, PrincipleID: "push_pred"},
		{QueryID: "q2", Status: types.StatusImproved, Speedup: 1.5, AppliedTransforms: []string{"push_pred"}, PrincipleID: "push_pred"},
		{QueryID: "q3", Status: types.StatusRegression, AppliedTransforms: []string{"push_pred", "reorder_join"}},
		{QueryID: "q4", Status: types.StatusError, ErrorCategory: "timeout"},
	}
	principles, antiPatterns := Collate(entries)

	require.Len(t, principles, 1)
	require.Equal(t, "push_pred", principles[0].TransformID)
	require.Equal(t, []float64{3.0, 1.5}, principles[0].VerifiedSpeedups)
	require.InDelta(t, 2.25, principles[0].AvgSpeedup, 1e-9)
	require.Contains(t, principles[0].WhenNot, "reorder_join")

	var categories []string
	for _, a := range antiPatterns {
		categories = append(categories, a.Category)
	}
	require.Contains(t, categories, "regression_push_pred")
	require.Contains(t, categories, "error_timeout")
}

func TestMergeUnionsSpeedupsAndPrefersLongerText(t *testing.T) {
	existing := types.GlobalKnowledge{
		Dataset:    "tpch",
		SourceRuns: []string{"run_1"},
		Principles: []types.KnowledgePrinciple{
			{TransformID: "push_pred", VerifiedSpeedups: []float64{2.0}, Queries: []string{"q1"}, AvgSpeedup: 2.0, What: "short"},
		},
	}
	fresh := []types.KnowledgePrinciple{
		{TransformID: "push_pred", VerifiedSpeedups: []float64{4.0}, Queries: []string{"q1", "q2"}, What: "a much longer and more detailed description"},
	}
	merged := Merge(existing, "run_2", fresh, nil)

	require.Len(t, merged.Principles, 1)
	p := merged.Principles[0]
	require.ElementsMatch(t, []float64{4.0, 2.0}, p.VerifiedSpeedups)
	require.ElementsMatch(t, []string{"q1", "q2"}, p.Queries)
	require.InDelta(t, 3.0, p.AvgSpeedup, 1e-9)
	require.Equal(t, "a much longer and more detailed description", p.What)
	require.ElementsMatch(t, []string{"run_1", "run_2"}, merged.SourceRuns)
}

func TestLoadGlobalKnowledgeMissingFileReturnsEmpty(t *testing.T) {
	gk, err := LoadGlobalKnowledge("/nonexistent/path/knowledge.json", "tpch")
	require.NoError(t, err)
	require.Equal(t, "tpch", gk.Dataset)
	require.Empty(t, gk.Principles)
}

func TestSaveThenLoadGlobalKnowledgeRoundTrips(t *testing.T) {
	dir := t.TempDir() + "/knowledge.json"
	gk := types.GlobalKnowledge{Dataset: "tpch", Principles: []types.KnowledgePrinciple{{TransformID: "push_pred", AvgSpeedup: 2.0}}}
	require.NoError(t, SaveGlobalKnowledge(dir, gk))

	loaded, err := LoadGlobalKnowledge(dir, "tpch")
	require.NoError(t, err)
	require.Len(t, loaded.Principles, 1)
	require.Equal(t, "push_pred", loaded.Principles[0].TransformID)
}
