package sqlast

import (
	"regexp"
	"strings"

	"qtorque/internal/types"
)

// Detector inspects a parsed SQLDag for a single transform's trigger
// condition and returns the scopes where it structurally matches.
type Detector func(dag *types.SQLDag) []types.Opportunity

// detectors maps transform id to its structural trigger check (spec.md
// §4.B: "detect_opportunities(sql) returns all Opportunity items whose
// transform's trigger matches the SQL's AST... purely structural; it
// produces candidates, not decisions").
var detectors = map[string]Detector{
	"push_pred":             detectPushPred,
	"multi_push_pred":       detectMultiPushPred,
	"reorder_join":          detectReorderJoin,
	"materialize_cte":       detectMaterializeCTE,
	"inline_cte":            detectInlineCTE,
	"flatten_subq":          detectFlattenSubq,
	"remove_redundant":      detectRemoveRedundant,
	"or_to_union":           detectOrToUnion,
	"correlated_to_cte":     detectCorrelatedToCTE,
	"date_cte_isolate":      detectDateCTEIsolate,
	"consolidate_scans":     detectConsolidateScans,
	"sargability_fix":       detectSargabilityFix,
	"window_for_self_join":  detectWindowForSelfJoin,
	"in_to_join":            detectInToJoin,
	"null_semantics_fix":    detectNullSemanticsFix,
	"simplify_boolean":      detectSimplifyBoolean,
	"repeated_subquery_cte": detectRepeatedSubqueryCTE,
}

// DetectOpportunities parses sql and evaluates every enabled transform's
// trigger against the resulting scope graph. A parse error yields zero
// opportunities (spec.md §4.B), never an error return.
func DetectOpportunities(p Parser, sql string, transforms []types.Transform) []types.Opportunity {
	dag, err := p.Parse(sql)
	if err != nil || dag == nil || len(dag.Nodes) == 0 {
		return nil
	}

	var out []types.Opportunity
	for _, t := range transforms {
		if !t.Enabled {
			continue
		}
		d, ok := detectors[t.ID]
		if !ok {
			continue
		}
		for _, opp := range d(dag) {
			opp.TransformID = t.ID
			out = append(out, opp)
		}
	}
	return out
}

func refTargets(dag *types.SQLDag, nodeID string, kind types.EdgeKind) []string {
	var out []string
	for _, e := range dag.Edges {
		if e.From == nodeID && e.Kind == kind {
			out = append(out, e.To)
		}
	}
	return out
}

func refSources(dag *types.SQLDag, targetID string, kind types.EdgeKind) []string {
	var out []string
	for _, e := range dag.Edges {
		if e.To == targetID && e.Kind == kind {
			out = append(out, e.From)
		}
	}
	return out
}

// cteRefCount counts FROM/JOIN references to CTE id across all other
// scopes. Ref edges are deduplicated per scope pair, so a self-join on a
// CTE is one edge but two references here.
func cteRefCount(dag *types.SQLDag, id string) int {
	n := 0
	for _, node := range dag.Nodes {
		for _, tbl := range node.Tables {
			if tbl == id && node.ID != id {
				n++
			}
		}
	}
	return n
}

func detectPushPred(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for _, n := range dag.Nodes {
		if len(n.Filters) >= 1 && len(n.Tables) > 1 {
			out = append(out, types.Opportunity{NodeID: n.ID, Evidence: "filter over a multi-table scope; candidate for push-down"})
		}
	}
	return out
}

func detectMultiPushPred(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for _, n := range dag.Nodes {
		if len(n.Filters) >= 2 {
			out = append(out, types.Opportunity{NodeID: n.ID, Evidence: "multiple AND-ed filters eligible for independent push-down"})
		}
	}
	return out
}

func detectReorderJoin(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for _, n := range dag.Nodes {
		if len(n.Tables) >= 3 {
			out = append(out, types.Opportunity{NodeID: n.ID, Evidence: "join graph of 3+ relations; candidate for reordering"})
		}
	}
	return out
}

func detectMaterializeCTE(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		if n.Kind != "cte" {
			continue
		}
		if cteRefCount(dag, id) >= 2 {
			out = append(out, types.Opportunity{NodeID: id, Evidence: "CTE referenced 2+ times; candidate for materialization"})
		}
	}
	return out
}

func detectInlineCTE(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		if n.Kind != "cte" || n.IsRecursive {
			continue
		}
		if cteRefCount(dag, id) == 1 {
			out = append(out, types.Opportunity{NodeID: id, Evidence: "single-use non-recursive CTE; candidate for inlining"})
		}
	}
	return out
}

func detectFlattenSubq(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		if n.Kind != "subquery" {
			continue
		}
		upper := strings.ToUpper(n.SQL)
		if !strings.Contains(upper, "GROUP BY") && !strings.Contains(upper, "DISTINCT") && !strings.Contains(upper, "LIMIT") {
			out = append(out, types.Opportunity{NodeID: id, Evidence: "derived-table subquery with no grouping/distinct/limit boundary"})
		}
	}
	return out
}

func detectRemoveRedundant(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		upper := strings.ToUpper(n.SQL)
		if strings.Contains(upper, "DISTINCT") && strings.Contains(upper, "GROUP BY") {
			out = append(out, types.Opportunity{NodeID: id, Evidence: "DISTINCT combined with GROUP BY; one may be redundant"})
		}
	}
	return out
}

var reOrPredicate = regexp.MustCompile(`(?i)\bOR\b`)

func detectOrToUnion(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		for _, f := range n.Filters {
			if reOrPredicate.MatchString(f) {
				out = append(out, types.Opportunity{NodeID: id, Evidence: "OR-combined predicate: " + f})
			}
		}
	}
	return out
}

func detectCorrelatedToCTE(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for _, e := range dag.Edges {
		if e.Kind == types.EdgeCorrelated {
			out = append(out, types.Opportunity{NodeID: e.From, Evidence: "correlated to outer scope " + e.To})
		}
	}
	return out
}

var reDateFilter = regexp.MustCompile(`(?i)\b(date|timestamp|created_at|updated_at|_date|_at)\b`)

func detectDateCTEIsolate(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		if len(n.Filters) < 2 {
			continue
		}
		for _, f := range n.Filters {
			if reDateFilter.MatchString(f) {
				out = append(out, types.Opportunity{NodeID: id, Evidence: "date/timestamp range filter mixed with other predicates: " + f})
				break
			}
		}
	}
	return out
}

func detectConsolidateScans(dag *types.SQLDag) []types.Opportunity {
	counts := map[string][]string{}
	for id, n := range dag.Nodes {
		for _, tbl := range n.Tables {
			counts[tbl] = append(counts[tbl], id)
		}
	}
	var out []types.Opportunity
	for tbl, scopes := range counts {
		if len(scopes) >= 2 {
			out = append(out, types.Opportunity{NodeID: scopes[0], Evidence: "table " + tbl + " scanned independently in " + itoa(len(scopes)) + " scopes"})
		}
	}
	return out
}

var reFuncWrappedCol = regexp.MustCompile(`(?i)\b(UPPER|LOWER|DATE|CAST|SUBSTR|TRIM)\s*\(`)

func detectSargabilityFix(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		for _, f := range n.Filters {
			if reFuncWrappedCol.MatchString(f) {
				out = append(out, types.Opportunity{NodeID: id, Evidence: "function-wrapped predicate defeats index use: " + f})
			}
		}
	}
	return out
}

func detectWindowForSelfJoin(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		seen := map[string]int{}
		for _, t := range n.Tables {
			seen[t]++
		}
		for t, count := range seen {
			if count >= 2 {
				out = append(out, types.Opportunity{NodeID: id, Evidence: "self-join on " + t + "; candidate for window function"})
			}
		}
	}
	return out
}

var reInSubquery = regexp.MustCompile(`(?i)\bIN\s*\(\s*SELECT\b`)

func detectInToJoin(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		for _, f := range n.Filters {
			if reInSubquery.MatchString(f) {
				out = append(out, types.Opportunity{NodeID: id, Evidence: "IN (subquery) predicate: " + f})
			}
		}
	}
	return out
}

var reNotIn = regexp.MustCompile(`(?i)\bNOT\s+IN\s*\(\s*SELECT\b`)

func detectNullSemanticsFix(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		for _, f := range n.Filters {
			if reNotIn.MatchString(f) {
				out = append(out, types.Opportunity{NodeID: id, Evidence: "NOT IN (subquery) can silently drop rows on NULL: " + f})
			}
		}
	}
	return out
}

var reDoubleNegation = regexp.MustCompile(`(?i)\bNOT\s+NOT\b`)

func detectSimplifyBoolean(dag *types.SQLDag) []types.Opportunity {
	var out []types.Opportunity
	for id, n := range dag.Nodes {
		if reDoubleNegation.MatchString(n.SQL) {
			out = append(out, types.Opportunity{NodeID: id, Evidence: "double negation in boolean expression"})
		}
	}
	return out
}

func detectRepeatedSubqueryCTE(dag *types.SQLDag) []types.Opportunity {
	norm := map[string][]string{}
	for id, n := range dag.Nodes {
		if n.Kind != "subquery" {
			continue
		}
		key := strings.Join(strings.Fields(strings.ToUpper(n.SQL)), " ")
		norm[key] = append(norm[key], id)
	}
	var out []types.Opportunity
	for _, scopes := range norm {
		if len(scopes) >= 2 {
			out = append(out, types.Opportunity{NodeID: scopes[0], Evidence: "identical subquery text repeated " + itoa(len(scopes)) + " times"})
		}
	}
	return out
}
