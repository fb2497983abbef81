package rewrite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

type fakeCompleter struct {
	responses []string
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	r := f.responses[f.calls]
	if f.calls < len(f.responses)-1 {
		f.calls++
	}
	return r, nil
}

func pushPredTransform() types.Transform {
	return types.Transform{ID: "push_pred", Name: "Push predicate", Trigger: "t", RewriteHint: "h"}
}

func TestApplyDAGRewrite(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`{"rewrites": {"main_query": "SELECT a FROM orders WHERE status = 'open'"}, "explanation": "pushed"}`,
	}}
	out, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.NoError(t, err)
	require.Contains(t, out, "WHERE status = 'open'")
}

func TestApplyPatches(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`{"patches": [{"search": "SELECT a FROM orders", "replace": "SELECT a FROM orders WHERE status = 'open'", "description": "push"}], "explanation": "pushed"}`,
	}}
	out, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.NoError(t, err)
	require.Equal(t, `SELECT a FROM orders WHERE status = 'open'`, out)
}

func TestApplyRetriesOnParseFailure(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`not json at all`,
		`{"rewrites": {"main_query": "SELECT a FROM orders WHERE 1=1"}, "explanation": "ok"}`,
	}}
	out, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.NoError(t, err)
	require.Contains(t, out, "1=1")
}

func TestApplyExhaustsRetriesReturnsParseError(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{"junk", "still junk", "still junk"}}
	_, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.Error(t, err)
	var parseErr *types.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestApplyRejectsNoOp(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`{"rewrites": {"main_query": "SELECT   a   FROM   orders"}, "explanation": "noop"}`,
	}}
	_, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no-op")
}

func TestApplyDropsUnknownNodeID(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`{"rewrites": {"does_not_exist": "SELECT 1"}, "explanation": "bad"}`,
	}}
	_, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.Error(t, err)
}

func TestApplyCompleterErrorPropagates(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &erroringCompleter{}
	_, err := a.Apply(context.Background(), `SELECT a FROM orders`, pushPredTransform(), completer, nil, nil)
	require.Error(t, err)
	var compErr *types.CompleterError
	require.ErrorAs(t, err, &compErr)
}

type erroringCompleter struct{}

func (erroringCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return "", context.DeadlineExceeded
}

func TestApplyRewritesDerivedSubquerySpliceBackIntoParent(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`{"rewrites": {"derived_0": "SELECT id FROM orders WHERE status = 'open'"}, "explanation": "pushed into derived table"}`,
	}}
	out, err := a.Apply(context.Background(), `SELECT a FROM (SELECT id FROM orders) sub`, pushPredTransform(), completer, nil, nil)
	require.NoError(t, err)
	require.Equal(t, `SELECT a FROM (SELECT id FROM orders WHERE status = 'open') sub`, out)
}

func TestApplyRewritesScalarSubquerySpliceBackIntoParent(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	completer := &fakeCompleter{responses: []string{
		`{"rewrites": {"subquery_0": "SELECT max(id) FROM orders WHERE status = 'open'"}, "explanation": "pushed into scalar subquery"}`,
	}}
	out, err := a.Apply(context.Background(), `SELECT a FROM orders WHERE id = (SELECT max(id) FROM orders)`, pushPredTransform(), completer, nil, nil)
	require.NoError(t, err)
	require.Equal(t, `SELECT a FROM orders WHERE id = (SELECT max(id) FROM orders WHERE status = 'open')`, out)
}

func TestApplyMultiCTEWithClauseIsOrderStable(t *testing.T) {
	a := New(sqlast.NewScopeScanner())
	sql := `WITH b AS (SELECT 2 AS x), a AS (SELECT 1 AS x) SELECT * FROM a JOIN b`
	var outputs []string
	for i := 0; i < 20; i++ {
		completer := &fakeCompleter{responses: []string{
			`{"rewrites": {"a": "SELECT 1 AS x WHERE x > 0"}, "explanation": "pushed"}`,
		}}
		out, err := a.Apply(context.Background(), sql, pushPredTransform(), completer, nil, nil)
		require.NoError(t, err)
		outputs = append(outputs, out)
	}
	for _, out := range outputs[1:] {
		require.Equal(t, outputs[0], out, "WITH clause assembly must be deterministic across runs")
	}
}
