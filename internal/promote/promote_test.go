package promote

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

func TestExtractTagsCapturesTablesAndStructuralKeywords(t *testing.T) {
	parser := sqlast.NewScopeScanner()
	tags := ExtractTags(parser, "WITH recent AS (SELECT id FROM orders WHERE status = 'open') SELECT * FROM recent")
	require.True(t, tags["orders"])
	require.True(t, tags["cte"])
}

func TestExtractTagsDetectsUnionAndOr(t *testing.T) {
	parser := sqlast.NewScopeScanner()
	tags := ExtractTags(parser, "SELECT * FROM t WHERE a = 1 OR b = 2 UNION SELECT * FROM t2")
	require.True(t, tags["or"])
	require.True(t, tags["union"])
}

func TestRetrieveMatchedExamplesRankBeforeUnmatched(t *testing.T) {
	idx := &TagIndex{Tags: map[string]TagSet{
		"ex_match":   {"orders": true, "cte": true},
		"ex_nomatch": {"products": true},
	}}
	examples := []types.GoldExample{
		{ID: "ex_nomatch", VerifiedSpeedup: 10},
		{ID: "ex_match", VerifiedSpeedup: 1},
	}
	ranked := Retrieve(idx, TagSet{"orders": true, "cte": true}, examples)
	require.Equal(t, "ex_match", ranked[0].Example.ID, "a tag-matched example must rank first even with a lower verified_speedup")
	require.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRetrieveTiesBrokenByVerifiedSpeedup(t *testing.T) {
	idx := &TagIndex{Tags: map[string]TagSet{
		"ex_a": {"orders": true},
		"ex_b": {"orders": true},
	}}
	examples := []types.GoldExample{
		{ID: "ex_a", VerifiedSpeedup: 1.5},
		{ID: "ex_b", VerifiedSpeedup: 3.0},
	}
	ranked := Retrieve(idx, TagSet{"orders": true}, examples)
	require.Equal(t, "ex_b", ranked[0].Example.ID)
}

func TestCursorAdvancesAndWrapsWithoutRepeatingBeforeExhaustion(t *testing.T) {
	ranked := []ScoredExample{
		{Example: types.GoldExample{ID: "a"}},
		{Example: types.GoldExample{ID: "b"}},
		{Example: types.GoldExample{ID: "c"}},
	}
	c := &Cursor{}
	first := c.Next(ranked, 2)
	require.Equal(t, []string{"a", "b"}, ids(first))
	second := c.Next(ranked, 2)
	require.Equal(t, []string{"c", "a"}, ids(second), "cursor wraps after exhausting the pool")
}

func ids(exs []types.GoldExample) []string {
	out := make([]string, len(exs))
	for i, e := range exs {
		out[i] = e.ID
	}
	return out
}

func TestPromoteWritesOnFirstCandidate(t *testing.T) {
	dir := t.TempDir()
	promoted, err := Promote(dir, "push_pred", types.GoldExample{ID: "push_pred"}, 2.5, true)
	require.NoError(t, err)
	require.True(t, promoted)

	loaded, err := loadGoldExample(filepath.Join(dir, "push_pred.json"))
	require.NoError(t, err)
	require.InDelta(t, 2.5, loaded.VerifiedSpeedup, 1e-9)
}

func TestPromoteSkipsWhenCandidateNotFaster(t *testing.T) {
	dir := t.TempDir()
	_, err := Promote(dir, "push_pred", types.GoldExample{ID: "push_pred"}, 3.0, true)
	require.NoError(t, err)

	promoted, err := Promote(dir, "push_pred", types.GoldExample{ID: "push_pred"}, 2.0, true)
	require.NoError(t, err)
	require.False(t, promoted, "a slower candidate must not overwrite a faster recorded example")
}

func TestPromoteRejectsRowMismatch(t *testing.T) {
	dir := t.TempDir()
	promoted, err := Promote(dir, "push_pred", types.GoldExample{ID: "push_pred"}, 5.0, false)
	require.NoError(t, err)
	require.False(t, promoted, "equivalence gate is never bypassed, even for a high speedup")
}
