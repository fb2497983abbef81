// Package sqlast implements the AST Analyzer & Opportunity Detection
// component (spec.md §4.B). The SQL parser itself is an external
// collaborator out of scope (spec.md §6: "the SQL parser... treated as an
// AST library with scope traversal"), so this package defines a small
// Parser boundary and ships exactly one concrete implementation:
// ScopeScanner, a hand-written lexical scope splitter — not a
// dialect-correct grammar (grounded on the teacher's
// internal/world.CodeParser boundary: one interface, pluggable
// implementations, a single shipped default).
package sqlast

import "qtorque/internal/types"

// Parser turns raw SQL text into the scope graph component B owns. A
// production deployment may swap ScopeScanner for a dialect-aware grammar
// without touching any downstream component (spec.md §6 external
// collaborator boundary).
type Parser interface {
	Parse(sql string) (*types.SQLDag, error)
}

// ScopeScanner is a lexical scope splitter: it recognizes WITH clauses,
// UNION/UNION ALL branches, and parenthesized SELECTs, and assigns node
// ids per spec.md §4.B's conventions, without attempting full SQL grammar
// coverage.
type ScopeScanner struct{}

// NewScopeScanner constructs the default Parser implementation.
func NewScopeScanner() *ScopeScanner { return &ScopeScanner{} }

// subqueryCounters tracks the traversal-order counters for subquery_N and
// derived_N ids (spec.md §4.B: "N increments in traversal order").
type subqueryCounters struct {
	subquery int
	derived  int
}

// Parse builds a SQLDag via scope traversal. Any error during parsing
// (unbalanced parentheses, an empty query) yields an empty DAG and a nil
// error: per spec.md §4.B, "errors during parsing yield an empty DAG and
// zero opportunities", not a propagated failure.
func (s *ScopeScanner) Parse(sql string) (*types.SQLDag, error) {
	dag := &types.SQLDag{Nodes: map[string]*types.ScopeNode{}}
	trimmed := trimSQL(sql)
	if trimmed == "" || !balancedParens(trimmed) {
		return dag, nil
	}

	counters := &subqueryCounters{}
	ctes, mainBody, ok := splitWithClause(trimmed)
	if !ok {
		return &types.SQLDag{Nodes: map[string]*types.ScopeNode{}}, nil
	}

	mainID := "main_query"
	dag.Root = mainID
	ctxNames := make(map[string]bool, len(ctes))
	for _, c := range ctes {
		ctxNames[c.alias] = true
	}

	s.scanScope(dag, mainID, "main", mainBody, ctxNames, counters)
	for _, c := range ctes {
		s.scanScope(dag, c.alias, "cte", c.body, ctxNames, counters)
		if referencesSelf(c.body, c.alias) {
			dag.Nodes[c.alias].IsRecursive = true
		}
	}

	// ref edges: any scope whose FROM/JOIN tables name a CTE alias.
	seenEdge := map[types.DagEdge]bool{}
	addRefEdge := func(e types.DagEdge) {
		if !seenEdge[e] {
			seenEdge[e] = true
			dag.Edges = append(dag.Edges, e)
		}
	}
	for _, node := range dag.Nodes {
		for _, tbl := range node.Tables {
			if ctxNames[tbl] && tbl != node.ID {
				addRefEdge(types.DagEdge{From: node.ID, To: tbl, Kind: types.EdgeRef})
			}
		}
		for _, ref := range node.CTERefs {
			if ctxNames[ref] {
				addRefEdge(types.DagEdge{From: node.ID, To: ref, Kind: types.EdgeRef})
			}
		}
	}

	dag.Order = topoOrder(dag)
	return dag, nil
}

// scanScope splits body into union branches and parenthesized subqueries,
// registering a ScopeNode per spec.md §4.B's id conventions, then
// recurses into each.
func (s *ScopeScanner) scanScope(dag *types.SQLDag, id string, kind string, body string, cteNames map[string]bool, counters *subqueryCounters) {
	branches := splitTopLevelUnion(body)
	if len(branches) > 1 {
		// The scope itself holds the full union text; each branch gets
		// its own main_query.union[i] scope (spec.md §4.B).
		node := newScopeNode(id, kind, body)
		dag.Nodes[id] = node
		for i, branch := range branches {
			branchID := id + ".union[" + itoa(i) + "]"
			s.scanSelectScope(dag, branchID, "union_branch", branch, cteNames, counters)
		}
		return
	}
	s.scanSelectScope(dag, id, kind, body, cteNames, counters)
}

// scanSelectScope registers one non-union SELECT scope and recurses into
// any parenthesized subqueries it contains.
func (s *ScopeScanner) scanSelectScope(dag *types.SQLDag, id string, kind string, body string, cteNames map[string]bool, counters *subqueryCounters) {
	node := newScopeNode(id, kind, body)
	dag.Nodes[id] = node

	for _, sub := range findTopLevelSubqueries(body) {
		var subID string
		if sub.inFrom {
			subID = "derived_" + itoa(counters.derived)
			counters.derived++
		} else {
			subID = "subquery_" + itoa(counters.subquery)
			counters.subquery++
		}
		node.CTERefs = append(node.CTERefs, subID)
		s.scanScope(dag, subID, "subquery", sub.text, cteNames, counters)
		if referencesOuterAlias(sub.text, node.Aliases) {
			dag.Edges = append(dag.Edges, types.DagEdge{From: subID, To: id, Kind: types.EdgeCorrelated})
		}
	}
}

func newScopeNode(id, kind, body string) *types.ScopeNode {
	return &types.ScopeNode{
		ID:           id,
		Kind:         kind,
		Tables:       extractTables(body),
		Aliases:      extractAliases(body),
		SelectedCols: extractSelectedColumns(body),
		Filters:      extractFilters(body),
		SQL:          body,
		OriginalSQL:  body,
	}
}

// topoOrder returns scope ids ordered leaves-first: a node with no
// outbound ref/correlated edges precedes any node that references it.
func topoOrder(dag *types.SQLDag) []string {
	deps := make(map[string][]string, len(dag.Nodes))
	for id := range dag.Nodes {
		deps[id] = nil
	}
	for _, e := range dag.Edges {
		if _, ok := dag.Nodes[e.To]; ok {
			deps[e.From] = append(deps[e.From], e.To)
		}
	}

	var order []string
	visited := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, d := range deps[id] {
			visit(d)
		}
		order = append(order, id)
	}
	ids := make([]string, 0, len(dag.Nodes))
	for id := range dag.Nodes {
		ids = append(ids, id)
	}
	sortStrings(ids)
	for _, id := range ids {
		visit(id)
	}
	return order
}
