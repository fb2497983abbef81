package search

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"qtorque/internal/config"
	"qtorque/internal/rewrite"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
	"qtorque/internal/validate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCompleter returns a scripted JSON patch response keyed by which
// transform name appears in the prompt, simulating an LLM without a real
// API call.
type fakeCompleter struct {
	byName map[string]string // transform name -> replacement text
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	for name, replacement := range f.byName {
		if strings.Contains(prompt, name) {
			return fmt.Sprintf(`{"patches": [{"search": "orig_table", "replace": %q, "description": "fake"}]}`, replacement), nil
		}
	}
	return "", fmt.Errorf("fakeCompleter: no script matched prompt")
}

// fakeRunner scripts Execute durations per SQL text; all rows match so
// validation always reaches the timing stage.
type fakeRunner struct {
	durations map[string][]float64
	calls     map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{durations: map[string][]float64{}, calls: map[string]int{}}
}

func (f *fakeRunner) Execute(ctx context.Context, sql string) (*types.ExecResult, error) {
	seq, ok := f.durations[sql]
	if !ok {
		return nil, fmt.Errorf("fakeRunner: no script for %q", sql)
	}
	i := f.calls[sql]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.calls[sql]++
	rows := &types.Rows{Columns: []string{"c"}, Values: [][]string{{"v"}}}
	return &types.ExecResult{Rows: rows, DurationMS: seq[i], RowsOut: 1}, nil
}

func (f *fakeRunner) ExplainAnalyze(ctx context.Context, sql string) (*types.PlanNode, error) {
	return nil, nil
}

func (f *fakeRunner) Checksum(rows *types.Rows) ([]byte, error) {
	return []byte(fmt.Sprintf("%v", rows.Values)), nil
}

func (f *fakeRunner) SetSession(ctx context.Context, options map[string]string) error {
	return nil
}

func testTransforms() []types.Transform {
	return []types.Transform{
		{ID: "fast", Code: "FAST", Name: "FastTransform", Trigger: "always", RewriteHint: "speed it up", Weight: 5, Category: types.CategoryStandard, Enabled: true},
		{ID: "slow", Code: "SLOW", Name: "SlowTransform", Trigger: "always", RewriteHint: "no real gain", Weight: 5, Category: types.CategoryStandard, Enabled: true},
	}
}

func TestRewardForBucketsBySpeedup(t *testing.T) {
	mk := func(status types.ValidationStatus, speedup float64) *Node {
		return &Node{LastResult: &types.ValidationResult{Status: status, Speedup: speedup}}
	}
	require.Equal(t, 0.0, RewardFor(mk(types.StatusFailRows, 5)))
	require.Equal(t, 5.0, RewardFor(mk(types.StatusPass, 10))) // capped at maxReward
	require.InDelta(t, 3.0, RewardFor(mk(types.StatusPass, 3)), 1e-9)
	require.InDelta(t, 1.5, RewardFor(mk(types.StatusPass, 1.5)), 1e-9)
	require.InDelta(t, 0.5, RewardFor(mk(types.StatusPass, 1.0)), 1e-9)
	require.InDelta(t, 0.2, RewardFor(mk(types.StatusPass, 0.9)), 1e-9)
	require.Equal(t, 0.0, RewardFor(&Node{Failed: true}))
}

func TestBetterCandidatePrefersVisitCountThenRewardThenDepth(t *testing.T) {
	a := &Node{VisitCount: 5, ValueSum: 5, Depth: 2}
	b := &Node{VisitCount: 3, ValueSum: 10, Depth: 1}
	require.True(t, betterCandidate(a, b), "higher visit count wins regardless of reward")

	c := &Node{VisitCount: 3, ValueSum: 9, Depth: 2}  // avg 3
	d := &Node{VisitCount: 3, ValueSum: 6, Depth: 1}  // avg 2
	require.True(t, betterCandidate(c, d), "equal visits: higher avg reward wins")

	e := &Node{VisitCount: 3, ValueSum: 3, Depth: 1}
	f := &Node{VisitCount: 3, ValueSum: 3, Depth: 2}
	require.True(t, betterCandidate(e, f), "equal visits and reward: shallower depth wins")
}

func TestRunPrefersFasterTransformAsBestDescendant(t *testing.T) {
	runner := newFakeRunner()
	root := "SELECT * FROM orig_table"
	fastSQL := "SELECT * FROM fast_cand"
	slowSQL := "SELECT * FROM slow_cand"

	// No Rounds set -> Validate uses its default of 3, so interleavedBenchmark
	// runs 3 executions of each side; round 0 is discarded as warmup.
	runner.durations[root] = []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	runner.durations[fastSQL] = []float64{30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30, 30}
	runner.durations[slowSQL] = []float64{95, 95, 95, 95, 95, 95, 95, 95, 95, 95, 95, 95}

	completer := &fakeCompleter{byName: map[string]string{
		"FastTransform": "fast_cand",
		"SlowTransform": "slow_cand",
	}}

	parser := sqlast.NewScopeScanner()
	applicator := rewrite.New(parser)
	validator := validate.New(runner)

	cfg := config.Default()
	cfg.MaxIterations = 6
	cfg.NumParallel = 2
	cfg.MaxDepth = 2
	cfg.EarlyStopSpeedup = 100 // never trip early stop; let both transforms get tried
	cfg.ConvergencePatience = 10
	cfg.UseLLMRanking = false

	engine := NewEngine(root, &cfg, testTransforms(), applicator, validator, parser, completer)
	best := engine.Run(context.Background())

	require.NotEqual(t, 0, best.Idx, "expected a non-root best descendant")
	require.Equal(t, "fast", best.Transform)
	require.True(t, best.Valid)
	require.Greater(t, best.LastResult.Speedup, 2.0)
}

func TestIsExhaustedStopsAtMaxDepth(t *testing.T) {
	runner := newFakeRunner()
	root := "SELECT * FROM orig_table"
	cfg := config.Default()
	cfg.MaxDepth = 0

	parser := sqlast.NewScopeScanner()
	applicator := rewrite.New(parser)
	validator := validate.New(runner)
	engine := NewEngine(root, &cfg, testTransforms(), applicator, validator, parser, &fakeCompleter{})

	require.True(t, engine.isExhausted(engine.Tree.Nodes[0]), "max depth 0 means the root itself is exhausted")
	_, ok := engine.selectForExpansion()
	require.False(t, ok)
}

func TestExpandBatchMarksCycleAsFailed(t *testing.T) {
	runner := newFakeRunner()
	root := "SELECT * FROM orig_table"
	dup := "SELECT * FROM dup_cand"
	runner.durations[root] = []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	runner.durations[dup] = []float64{50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50, 50}

	// Both transforms are scripted to land on the exact same candidate SQL,
	// simulating two different rewrite paths reaching the same state.
	completer := &fakeCompleter{byName: map[string]string{
		"FastTransform": "dup_cand",
		"SlowTransform": "dup_cand",
	}}

	parser := sqlast.NewScopeScanner()
	applicator := rewrite.New(parser)
	validator := validate.New(runner)
	cfg := config.Default()
	cfg.NumParallel = 2
	cfg.MaxDepth = 2

	engine := NewEngine(root, &cfg, testTransforms(), applicator, validator, parser, completer)
	priors := map[string]float64{"fast": 1, "slow": 1}
	children := engine.expandBatch(context.Background(), engine.Tree.Nodes[0], testTransforms(), priors)
	require.Len(t, children, 2)

	var validCount, failedCount int
	for _, c := range children {
		if c.Failed {
			failedCount++
		} else {
			validCount++
		}
	}
	require.Equal(t, 1, validCount, "the first child to reach a new state should validate normally")
	require.Equal(t, 1, failedCount, "the second child reaching the same state must be treated as a cycle, not re-validated")
}

func TestUntriedTransformsExcludesDisabledAndAlreadyChildren(t *testing.T) {
	root := "SELECT * FROM orig_table"
	cfg := config.Default()
	transforms := []types.Transform{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: false},
	}
	parser := sqlast.NewScopeScanner()
	engine := NewEngine(root, &cfg, transforms, rewrite.New(parser), validate.New(newFakeRunner()), parser, nil)

	untried := engine.untriedTransforms(engine.Tree.Nodes[0])
	require.Len(t, untried, 1)
	require.Equal(t, "a", untried[0].ID)

	engine.Tree.AddChild(engine.Tree.Nodes[0], "a", "SELECT 1", 1.0, false)
	require.Empty(t, engine.untriedTransforms(engine.Tree.Nodes[0]))
}
