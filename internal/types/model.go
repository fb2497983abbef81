package types

import "time"

// TransformCategory classifies a Transform's prior weighting (spec.md §3).
type TransformCategory string

const (
	CategoryHighValue TransformCategory = "high_value"
	CategoryStandard  TransformCategory = "standard"
)

// Transform is a registered rewrite pattern (spec.md §3, §4.A). Transforms
// are immutable once loaded; auto-promotion creates or updates by id.
type Transform struct {
	ID                string            `json:"id" yaml:"id"`
	Code              string            `json:"code" yaml:"code"`
	Name              string            `json:"name" yaml:"name"`
	Description       string            `json:"description" yaml:"description"`
	Trigger           string            `json:"trigger" yaml:"trigger"`
	RewriteHint       string            `json:"rewrite_hint" yaml:"rewrite_hint"`
	Weight            int               `json:"weight" yaml:"weight"`
	BenchmarkQueries  []string          `json:"benchmark_queries" yaml:"benchmark_queries"`
	Category          TransformCategory `json:"category" yaml:"category"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	AvgSpeedup        float64           `json:"avg_speedup" yaml:"avg_speedup"`
}

// ExampleClass distinguishes a gold example as a positive example or a
// documented regression/anti-pattern example (spec.md §3).
type ExampleClass string

const (
	ExampleStandard   ExampleClass = "standard"
	ExampleRegression ExampleClass = "regression"
)

// RewriteSet is one alternative rewrite captured in a gold example's
// structured output (spec.md §3 GoldExample.example.output.rewrite_sets).
type RewriteSet struct {
	NodeID string `json:"node_id"`
	SQL    string `json:"sql"`
}

// GoldExampleBody is the structured `example` field of a GoldExample
// (spec.md §3): opportunity, input slice, output rewrite sets, the
// key insight, and when not to apply it.
type GoldExampleBody struct {
	Opportunity  string       `json:"opportunity"`
	InputSlice   string       `json:"input_slice"`
	Output       struct {
		RewriteSets []RewriteSet `json:"rewrite_sets"`
	} `json:"output"`
	KeyInsight   string `json:"key_insight"`
	WhenNotToUse string `json:"when_not_to_use"`
}

// GoldExample is a verified rewrite used as few-shot guidance (spec.md §3).
// Its id matches the transform id it demonstrates.
type GoldExample struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	BenchmarkQueries []string        `json:"benchmark_queries"`
	VerifiedSpeedup  float64         `json:"verified_speedup"`
	Example          GoldExampleBody `json:"example"`
	ExampleClass     ExampleClass    `json:"example_class"`
}

// Opportunity is a detected match of a transform against a SQL AST
// (spec.md §3, §4.B).
type Opportunity struct {
	TransformID string
	NodeID      string
	Evidence    string
}

// EdgeKind distinguishes SQLDag edge types (spec.md §3).
type EdgeKind string

const (
	EdgeRef         EdgeKind = "ref"
	EdgeCorrelated  EdgeKind = "correlated"
)

// DagEdge is a data-dependency edge between two scopes.
type DagEdge struct {
	From string
	To   string
	Kind EdgeKind
}

// ScopeNode is one scope in the SQLDag: the main query, a CTE, a subquery,
// or a union branch (spec.md §3, §4.B).
type ScopeNode struct {
	ID             string
	Kind           string // "main", "cte", "subquery", "union_branch"
	Tables         []string
	Aliases        []string // local aliases bound in this scope, for correlation detection
	CTERefs        []string
	SelectedCols   []string
	Filters        []string
	SQL            string
	OriginalSQL    string // as parsed, never mutated by a rewrite; anchors text-span substitution
	IsRecursive    bool
}

// SQLDag is the scope graph of a parsed query (spec.md §3). Rewrites are
// expressed as node replacements: {node_id -> new_SQL}.
type SQLDag struct {
	Nodes map[string]*ScopeNode
	Edges []DagEdge
	Root  string // node id of main_query
	Order []string // topological order, leaves first
}

// Operator is one annotated plan operator (spec.md §4.C).
type Operator struct {
	Name    string
	TimeMS  float64
	Rows    int
	CostPct float64
}

// ScanInfo describes a base table scan (spec.md §4.C).
type ScanInfo struct {
	Table        string
	RowsScanned  int
	RowsOut      int
	Filter       string
	Selectivity  float64
	HasFilter    bool
}

// JoinInfo describes a join operator (spec.md §4.C).
type JoinInfo struct {
	LeftAlias  string
	RightAlias string
	LeftRows   int
	RightRows  int
	IsLate     bool
}

// Misestimate records a cardinality misestimate (spec.md §4.C).
type Misestimate struct {
	Operator string
	Est      int
	Actual   int
	Ratio    float64
}

// OptimizationContext is derived per query (spec.md §3). Immutable per
// query version.
type OptimizationContext struct {
	QueryID        string
	TotalTimeMS    float64
	Operators      []Operator
	Scans          []ScanInfo
	Joins          []JoinInfo
	Misestimates   []Misestimate
	Dag            *SQLDag
}

// ValidationStatus is the outcome bucket of a Validator run (spec.md §3,
// §4.E).
type ValidationStatus string

const (
	StatusPass      ValidationStatus = "pass"
	StatusFailRows  ValidationStatus = "fail_rows"
	StatusFailError ValidationStatus = "fail_error"
	StatusTimeout   ValidationStatus = "timeout"
)

// ValidationResult is the result of validating one candidate rewrite
// (spec.md §3, §4.E).
type ValidationResult struct {
	Status        ValidationStatus
	RowsMatch     bool
	ChecksumMatch bool
	OriginalMS    float64
	OptimizedMS   float64
	Speedup       float64 // original/optimized; +Inf allowed on zero
	Error         string
	BoostConfig   map[string]string // non-nil iff a config-boosted variant won
}

// LeaderboardStatus is the leaderboard/blackboard status vocabulary
// (spec.md §3, §4.E, §6). Stable strings, never renumbered.
type LeaderboardStatus string

const (
	StatusWin         LeaderboardStatus = "WIN"
	StatusImproved    LeaderboardStatus = "IMPROVED"
	StatusNeutral     LeaderboardStatus = "NEUTRAL"
	StatusRegression  LeaderboardStatus = "REGRESSION"
	StatusError       LeaderboardStatus = "ERROR"
	StatusFail        LeaderboardStatus = "FAIL"
	StatusUnvalidated LeaderboardStatus = "UNVALIDATED"
)

// ClassifyStatus buckets a validation outcome into the leaderboard/
// blackboard status vocabulary (spec.md §4.E):
// WIN >= 2.0, IMPROVED >= 1.1, NEUTRAL >= 0.95, else REGRESSION;
// FAIL when rows don't match; ERROR on execution failures.
func ClassifyStatus(v ValidationResult) LeaderboardStatus {
	switch v.Status {
	case StatusFailRows:
		return StatusFail
	case StatusFailError, StatusTimeout:
		return StatusError
	}
	if !v.RowsMatch {
		return StatusFail
	}
	switch {
	case v.Speedup >= 2.0:
		return StatusWin
	case v.Speedup >= 1.1:
		return StatusImproved
	case v.Speedup >= 0.95:
		return StatusNeutral
	default:
		return StatusRegression
	}
}

// BlackboardEntry is a per-worker/attempt record (spec.md §3, §4.H).
type BlackboardEntry struct {
	QueryID          string            `json:"query_id"`
	WorkerID         string            `json:"worker_id"`
	Timestamp        time.Time         `json:"timestamp"`
	ExamplesUsed     []string          `json:"examples_used"`
	Strategy         string            `json:"strategy"`
	Status           LeaderboardStatus `json:"status"`
	Speedup          float64           `json:"speedup"`
	AppliedTransforms []string         `json:"applied_transforms"`
	ErrorCategory    string            `json:"error_category,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	WhatWorked       string            `json:"what_worked,omitempty"`
	WhyItWorked      string            `json:"why_it_worked,omitempty"`
	WhatFailed       string            `json:"what_failed,omitempty"`
	WhyItFailed      string            `json:"why_it_failed,omitempty"`
	PrincipleID      string            `json:"principle_id,omitempty"`
}

// KnowledgePrinciple aggregates verified wins for one transform (spec.md
// §3, §4.H).
type KnowledgePrinciple struct {
	TransformID      string   `json:"transform_id"`
	VerifiedSpeedups []float64 `json:"verified_speedups"`
	Queries          []string `json:"queries"`
	AvgSpeedup       float64  `json:"avg_speedup"`
	What             string   `json:"what"`
	Why              string   `json:"why"`
	When             string   `json:"when"`
	WhenNot          string   `json:"when_not"`
}

// KnowledgeAntiPattern aggregates regressions/errors for one category
// (spec.md §3, §4.H).
type KnowledgeAntiPattern struct {
	Category            string   `json:"category"`
	Mechanism           string   `json:"mechanism"`
	ObservedRegressions []string `json:"observed_regressions"`
}

// GlobalKnowledge is the per-dataset persisted knowledge file (spec.md §3,
// §6).
type GlobalKnowledge struct {
	Dataset      string                  `json:"dataset"`
	LastUpdated  time.Time               `json:"last_updated"`
	SourceRuns   []string                `json:"source_runs"`
	Principles   []KnowledgePrinciple    `json:"principles"`
	AntiPatterns []KnowledgeAntiPattern  `json:"anti_patterns"`
}

// QueryCost tracks API/DB spend attributed to one query (spec.md §4.J,
// §6 "running cost totals"; shape recovered from original_source's
// payload_builder.py token accounting — see SPEC_FULL.md §3).
type QueryCost struct {
	APICalls      int `json:"api_calls"`
	DBExecutions  int `json:"db_executions"`
	TokensIn      int `json:"tokens_in"`
	TokensOut     int `json:"tokens_out"`
}

// Add accumulates another QueryCost into this one.
func (c *QueryCost) Add(o QueryCost) {
	c.APICalls += o.APICalls
	c.DBExecutions += o.DBExecutions
	c.TokensIn += o.TokensIn
	c.TokensOut += o.TokensOut
}

// RunProvenance is the per-query provenance record persisted to
// result.json (spec.md §4.J, §6; shape per SPEC_FULL.md §3).
type RunProvenance struct {
	SourceRun         string            `json:"source_run"`
	QueryID           string            `json:"query_id"`
	TransformsApplied []string          `json:"transforms_applied"`
	Reasoning         string            `json:"reasoning"`
	BestSpeedup       float64           `json:"best_speedup"`
	Status            LeaderboardStatus `json:"status"`
	OriginalSQL       string            `json:"original_sql"`
	OptimizedSQL      string            `json:"optimized_sql"`
	GoldExamplesUsed  []string          `json:"gold_examples_used"`
	Cost              QueryCost         `json:"cost"`
}
