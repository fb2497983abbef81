package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"qtorque/internal/config"
	"qtorque/internal/dbrunner"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

// fakeCompleter always returns a patch that replaces "orders" with itself:
// a parseable response regardless of which transform prompted it, which
// the Applicator then rejects as a no-op.
type fakeCompleter struct{}

func (fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return `{"patches": [{"search": "orders", "replace": "orders", "description": "noop"}]}`, nil
}

func testTransforms() []types.Transform {
	return []types.Transform{
		{ID: "push_pred", Name: "PushPredicate", Weight: 5, Category: types.CategoryStandard, Enabled: true},
	}
}

func newTestOrchestrator(t *testing.T, benchDir string) *Orchestrator {
	t.Helper()
	runner, err := dbrunner.NewSQLiteRunner(":memory:")
	require.NoError(t, err)
	_, err = runner.Execute(context.Background(), "CREATE TABLE orders (id INTEGER, status TEXT)")
	require.NoError(t, err)
	_, err = runner.Execute(context.Background(), "INSERT INTO orders VALUES (1, 'open'), (2, 'closed')")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.APISlots = 2
	cfg.DBSlots = 2
	cfg.MaxIterations = 2
	cfg.NumParallel = 1
	cfg.UseLLMRanking = false
	cfg.RunName = "test_run"

	return &Orchestrator{
		Config:     &cfg,
		Transforms: testTransforms(),
		Parser:     sqlast.NewScopeScanner(),
		Completer:  fakeCompleter{},
		Runner:     runner,
		BenchDir:   benchDir,
	}
}

func TestRunCohortWritesLeaderboardAndResults(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir)

	board, err := o.RunCohort(context.Background(), []Query{
		{ID: "q1", SQL: "SELECT id FROM orders WHERE status = 'open'"},
	})
	require.NoError(t, err)
	require.Len(t, board.Entries, 1)
	require.Equal(t, "q1", board.Entries[0].QueryID)

	data, err := os.ReadFile(filepath.Join(dir, "leaderboard.json"))
	require.NoError(t, err)
	var loaded Leaderboard
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.Equal(t, "test_run", loaded.RunName)

	resultPath := filepath.Join(dir, "runs", "test_run", "q1", "result.json")
	data, err = os.ReadFile(resultPath)
	require.NoError(t, err)
	var prov types.RunProvenance
	require.NoError(t, json.Unmarshal(data, &prov))
	require.Equal(t, "q1", prov.QueryID)
}

func TestRunCohortWritesSummaryWithCost(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir)

	_, err := o.RunCohort(context.Background(), []Query{
		{ID: "q1", SQL: "SELECT id FROM orders"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "runs", "test_run", "summary.json"))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(data, &s))
	require.Equal(t, 1, s.QueryCount)
	require.GreaterOrEqual(t, s.TotalCost.APICalls, 0)
}

func TestRunCohortHandlesMultipleQueriesConcurrently(t *testing.T) {
	dir := t.TempDir()
	o := newTestOrchestrator(t, dir)

	board, err := o.RunCohort(context.Background(), []Query{
		{ID: "q1", SQL: "SELECT id FROM orders WHERE status = 'open'"},
		{ID: "q2", SQL: "SELECT id FROM orders WHERE status = 'closed'"},
	})
	require.NoError(t, err)
	require.Len(t, board.Entries, 2)
	require.Equal(t, 2, board.StatusCounts[types.StatusWin]+board.StatusCounts[types.StatusImproved]+
		board.StatusCounts[types.StatusNeutral]+board.StatusCounts[types.StatusRegression]+
		board.StatusCounts[types.StatusFail]+board.StatusCounts[types.StatusError]+
		board.StatusCounts[types.StatusUnvalidated])
}
