// Package types holds the data model (spec.md §3) and the external
// collaborator interfaces (spec.md §6) shared across every qtorque package.
//
// The Completer and QueryRunner interfaces are the two boundaries spec.md
// declares out of scope as concrete implementations: qtorque chooses
// rewrites, it does not implement an LLM SDK or a database driver.
package types

import "context"

// Completer is the LLM oracle boundary (spec.md §6). Implementations are
// untrusted: callers must treat malformed output, empty text, timeouts and
// rate limits as ordinary error returns, never panics.
type Completer interface {
	// Complete sends prompt and returns the raw completion text. ctx carries
	// the call's deadline, if any, and its cancellation.
	Complete(ctx context.Context, prompt string) (string, error)
}

// CancelableCompleter is implemented by Completers that expose a best-effort
// cancel hook distinct from context cancellation (e.g. to abort an in-flight
// HTTP request immediately rather than waiting for the transport to notice
// ctx.Done()).
type CancelableCompleter interface {
	Completer
	Cancel()
}

// QueryRunner is the DB engine boundary (spec.md §6). The checksum must be
// order-insensitive (multiset equality over rows).
type QueryRunner interface {
	// Execute runs sql and returns its rows plus execution stats.
	Execute(ctx context.Context, sql string) (*ExecResult, error)
	// ExplainAnalyze returns the engine-native plan tree for sql.
	ExplainAnalyze(ctx context.Context, sql string) (*PlanNode, error)
	// Checksum computes an order-insensitive digest over rows.
	Checksum(rows *Rows) ([]byte, error)
	// SetSession applies session-scoped options (e.g. SET LOCAL hints) for
	// config-boosted variant benchmarking (spec.md §4.E).
	SetSession(ctx context.Context, options map[string]string) error
}

// Rows is an engine-agnostic result set: column names plus row values as
// strings (deterministic projection for checksumming, per spec.md §4.E).
type Rows struct {
	Columns []string
	Values  [][]string
}

// ExecResult is the outcome of QueryRunner.Execute.
type ExecResult struct {
	Rows      *Rows
	DurationMS float64
	RowsOut   int
}

// PlanNode is one engine-native EXPLAIN ANALYZE operator node (spec.md §4.C
// input). Children form the operator tree; the Plan Analyzer flattens and
// annotates this into an OptimizationContext.
type PlanNode struct {
	Operator  string
	TimeMS    float64
	Rows      int
	EstRows   int
	Table     string
	Filter    string
	Children  []*PlanNode
}
