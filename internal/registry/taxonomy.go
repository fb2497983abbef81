package registry

import "qtorque/internal/types"

// DefaultTaxonomy returns the seed transform set: the eleven transforms
// spec.md §4.A names explicitly, plus six supplemental transforms
// recovered from original_source's rewriters/*.py modules (SPEC_FULL.md
// §4.A). Every entry is enabled with weight in [1,10] per the registry
// invariant.
func DefaultTaxonomy() []types.Transform {
	return []types.Transform{
		{
			ID: "push_pred", Code: "PP", Name: "Push predicate",
			Description: "Push a single WHERE filter down through a join or subquery boundary closer to its base table scan.",
			Trigger:     "filter references columns from exactly one side of a join or subquery and is not already pushed",
			RewriteHint: "Move the qualifying predicate into the innermost scope that can evaluate it without changing result semantics.",
			Weight: 7, Category: types.CategoryHighValue, Enabled: true, AvgSpeedup: 1.6,
		},
		{
			ID: "multi_push_pred", Code: "MPP", Name: "Push multiple predicates",
			Description: "Push a conjunction of independently-evaluable filters down through several join/subquery boundaries in one rewrite.",
			Trigger:     "WHERE clause has >=2 AND-ed predicates each referencing a single base relation",
			RewriteHint: "Decompose the conjunction and push each conjunct to its own lowest legal scope.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.8,
		},
		{
			ID: "reorder_join", Code: "RJ", Name: "Reorder join",
			Description: "Reorder an explicit join sequence so smaller/filtered relations are joined earlier.",
			Trigger:     "join graph has >=3 relations and the FROM-clause order disagrees with estimated cardinalities",
			RewriteHint: "Reorder the FROM/JOIN clauses (inner joins only) to join the most selective relations first.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.5,
		},
		{
			ID: "materialize_cte", Code: "MC", Name: "Materialize CTE",
			Description: "Force a CTE referenced multiple times to materialize once instead of being inlined at every reference.",
			Trigger:     "a CTE is referenced >=2 times in the main query or sibling CTEs",
			RewriteHint: "Add a materialization hint (or engine-specific equivalent) to the repeated CTE.",
			Weight: 8, Category: types.CategoryHighValue, Enabled: true, AvgSpeedup: 2.1,
		},
		{
			ID: "inline_cte", Code: "IC", Name: "Inline CTE",
			Description: "Inline a single-use CTE into its one reference site so the optimizer can fuse it with surrounding operators.",
			Trigger:     "a CTE is referenced exactly once and is not recursive",
			RewriteHint: "Substitute the CTE body directly at its single reference site and drop the WITH entry.",
			Weight: 5, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.3,
		},
		{
			ID: "flatten_subq", Code: "FS", Name: "Flatten subquery",
			Description: "Flatten a derived-table subquery in FROM into the enclosing query when it adds no semantic boundary.",
			Trigger:     "a FROM-clause subquery has no GROUP BY/LIMIT/DISTINCT that would change flattening semantics",
			RewriteHint: "Pull the subquery's SELECT list and FROM/WHERE clauses up into the enclosing query.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.4,
		},
		{
			ID: "remove_redundant", Code: "RR", Name: "Remove redundant operation",
			Description: "Drop a provably redundant DISTINCT, GROUP BY, or self-join condition.",
			Trigger:     "a DISTINCT/GROUP BY follows a scan already guaranteed unique by a key constraint, or a join condition is tautological",
			RewriteHint: "Remove the redundant clause while preserving row semantics.",
			Weight: 4, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.2,
		},
		{
			ID: "or_to_union", Code: "OU", Name: "OR to UNION",
			Description: "Split a WHERE clause OR over two different indexed columns into a UNION of two index-friendly queries.",
			Trigger:     "WHERE clause is `a = X OR b = Y` (or similar) over two distinct, separately-indexable columns",
			RewriteHint: "Rewrite `SELECT ... WHERE a = X OR b = Y` as `SELECT ... WHERE a = X UNION SELECT ... WHERE b = Y`, deduplicating via UNION's implicit DISTINCT.",
			Weight: 9, Category: types.CategoryHighValue, Enabled: true, AvgSpeedup: 2.4,
		},
		{
			ID: "correlated_to_cte", Code: "CTC", Name: "Correlated subquery to CTE",
			Description: "Rewrite a correlated subquery (in SELECT list or WHERE) as an uncorrelated CTE joined back in.",
			Trigger:     "a subquery references a column from its outer scope",
			RewriteHint: "Compute the subquery's result set independently in a CTE, then LEFT JOIN it back using the correlation columns.",
			Weight: 8, Category: types.CategoryHighValue, Enabled: true, AvgSpeedup: 2.0,
		},
		{
			ID: "date_cte_isolate", Code: "DCI", Name: "Date-range CTE isolation",
			Description: "Isolate a date/timestamp range filter into its own CTE so the optimizer can push partition pruning independently.",
			Trigger:     "a scan has a date/timestamp range filter combined with other filters in the same WHERE clause",
			RewriteHint: "Move the date range predicate into a dedicated CTE selecting only the qualifying rows, then join the rest of the query against it.",
			Weight: 7, Category: types.CategoryHighValue, Enabled: true, AvgSpeedup: 1.9,
		},
		{
			ID: "consolidate_scans", Code: "CS", Name: "Consolidate scans",
			Description: "Merge two scans of the same base table (e.g. in sibling CTEs) into a single shared scan.",
			Trigger:     "the same table is scanned independently in >=2 sibling scopes with overlapping filters",
			RewriteHint: "Factor the shared scan into one CTE and reference it from both sibling scopes.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.5,
		},
		// Supplemental transforms (SPEC_FULL.md §4.A, recovered from
		// original_source/packages/qt-sql/qt_sql/rewriters/*.py).
		{
			ID: "sargability_fix", Code: "SARG", Name: "Sargability fix",
			Description: "Rewrite a non-sargable predicate (function-wrapped column) into an equivalent sargable form.",
			Trigger:     "a WHERE predicate wraps an indexed column in a function call (e.g. date trunc, upper)",
			RewriteHint: "Move the function to the literal side of the comparison, or rewrite as a range predicate, so the index can be used.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.7,
		},
		{
			ID: "window_for_self_join", Code: "WSJ", Name: "Window function for self-join",
			Description: "Replace a self-join used to compute a running/ranked value with a window function.",
			Trigger:     "a table is joined to itself with a correlated inequality on an ordering column",
			RewriteHint: "Replace the self-join with ROW_NUMBER()/RANK()/LAG()/LEAD() over an appropriate PARTITION BY/ORDER BY.",
			Weight: 7, Category: types.CategoryHighValue, Enabled: true, AvgSpeedup: 2.2,
		},
		{
			ID: "in_to_join", Code: "ITJ", Name: "IN subquery to join",
			Description: "Rewrite an IN (subquery) predicate as a semi-join.",
			Trigger:     "WHERE column IN (SELECT ...) with no correlation to the outer query",
			RewriteHint: "Rewrite as an INNER JOIN against a DISTINCT projection of the subquery, or an EXISTS semi-join when duplicates must not multiply rows.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.6,
		},
		{
			ID: "null_semantics_fix", Code: "NSF", Name: "NULL semantics fix",
			Description: "Correct a predicate whose NULL handling silently drops or duplicates rows versus the query's intent.",
			Trigger:     "a NOT IN subquery can return NULL, or an outer-join filter is placed in WHERE instead of the join's ON clause",
			RewriteHint: "Use NOT EXISTS instead of NOT IN when the subquery can produce NULLs; move outer-join filters into ON.",
			Weight: 5, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.3,
		},
		{
			ID: "simplify_boolean", Code: "SB", Name: "Simplify boolean expression",
			Description: "Simplify a redundant or tautological boolean expression (double negation, always-true/false branch).",
			Trigger:     "a WHERE/CASE expression contains a provably redundant boolean sub-expression",
			RewriteHint: "Apply boolean algebra to simplify the expression while preserving three-valued NULL semantics.",
			Weight: 3, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.1,
		},
		{
			ID: "repeated_subquery_cte", Code: "RSC", Name: "Repeated subquery to CTE",
			Description: "Factor an identical subquery expression appearing more than once into a single CTE.",
			Trigger:     "the same subquery text (ignoring whitespace) appears >=2 times in the query",
			RewriteHint: "Hoist the repeated subquery into a CTE and replace each occurrence with a reference to it.",
			Weight: 6, Category: types.CategoryStandard, Enabled: true, AvgSpeedup: 1.5,
		},
	}
}
