// Package rewrite implements the Rewriter Applicator (spec.md §4.D): it
// turns a transform id and the current SQL into a candidate rewrite by
// prompting a Completer, parsing its structured response, and
// reassembling SQL text from a SQLDag. It never executes SQL — only
// transforms text (spec.md §4.D invariant).
package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"qtorque/internal/logging"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

const maxParseRetries = 2

// Applicator builds prompts and assembles rewrite candidates.
type Applicator struct {
	Parser sqlast.Parser
}

// New constructs an Applicator backed by parser for SQLDag reassembly.
func New(parser sqlast.Parser) *Applicator {
	return &Applicator{Parser: parser}
}

// llmResponse is the structured JSON contract a Completer must satisfy
// (spec.md §4.D): either a DAG-rewrites shape or a Patches shape.
type llmResponse struct {
	Rewrites    map[string]string `json:"rewrites"`
	Patches     []patch           `json:"patches"`
	Explanation string            `json:"explanation"`
}

type patch struct {
	Search      string `json:"search"`
	Replace     string `json:"replace"`
	Description string `json:"description"`
}

// Apply implements the public contract apply(sql, transform_id,
// completer) -> (new_sql, err) (spec.md §4.D).
func (a *Applicator) Apply(ctx context.Context, sql string, transform types.Transform, completer types.Completer, goldExamples []types.GoldExample, plan *types.OptimizationContext) (string, error) {
	log := logging.Sugared(logging.CategoryRewrite)
	prompt := buildPrompt(sql, transform, goldExamples, plan)

	var resp *llmResponse
	var lastErr error
	for attempt := 0; attempt <= maxParseRetries; attempt++ {
		raw, err := completer.Complete(ctx, prompt)
		if err != nil {
			return "", &types.CompleterError{Op: "apply:" + transform.ID, Cause: err}
		}
		resp, lastErr = parseResponse(raw)
		if lastErr == nil {
			break
		}
		log.Warnw("rewrite response parse failed, retrying", "transform", transform.ID, "attempt", attempt, "error", lastErr)
		prompt = prompt + "\n\nYour previous response could not be parsed as the required JSON shape. Return ONLY valid JSON matching the contract."
	}
	if lastErr != nil {
		return "", &types.ParseError{Op: "apply:" + transform.ID, Input: sql, Cause: lastErr}
	}

	newSQL, err := a.assemble(sql, resp)
	if err != nil {
		return "", &types.ParseError{Op: "assemble:" + transform.ID, Input: sql, Cause: err}
	}

	if normalizeWhitespace(newSQL) == normalizeWhitespace(sql) {
		return "", fmt.Errorf("rewrite: transform %s produced a no-op", transform.ID)
	}
	return newSQL, nil
}

// buildPrompt assembles a focused prompt from the transform's rewrite
// hint, the current SQL, relevant gold examples, and (optionally) the
// execution plan (spec.md §4.D step 1).
func buildPrompt(sql string, t types.Transform, goldExamples []types.GoldExample, plan *types.OptimizationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Apply the %q rewrite to the following SQL query.\n", t.Name)
	fmt.Fprintf(&b, "Trigger: %s\nHint: %s\n\n", t.Trigger, t.RewriteHint)
	fmt.Fprintf(&b, "SQL:\n%s\n\n", sql)

	if plan != nil {
		fmt.Fprintf(&b, "Execution context: total_time_ms=%.2f, %d scan(s), %d join(s), %d misestimate(s).\n\n",
			plan.TotalTimeMS, len(plan.Scans), len(plan.Joins), len(plan.Misestimates))
	}

	for _, ex := range goldExamples {
		fmt.Fprintf(&b, "Example (%s): %s\nKey insight: %s\n\n", ex.ID, ex.Example.Opportunity, ex.Example.KeyInsight)
	}

	b.WriteString("Respond with JSON only, either {\"rewrites\": {node_id: new_sql}, \"explanation\": ...} ")
	b.WriteString("or {\"patches\": [{\"search\":..., \"replace\":..., \"description\":...}], \"explanation\": ...}.")
	return b.String()
}

func parseResponse(raw string) (*llmResponse, error) {
	raw = extractJSONObject(raw)
	var resp llmResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("rewrite: parse response: %w", err)
	}
	if len(resp.Rewrites) == 0 && len(resp.Patches) == 0 {
		return nil, fmt.Errorf("rewrite: response has neither rewrites nor patches")
	}
	return &resp, nil
}

// extractJSONObject trims any surrounding prose/code fences a completer
// might wrap its JSON in, keeping only the outermost {...} span.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// assemble substitutes node bodies in the SQLDag to produce the new SQL
// (spec.md §4.D step 4): CTE body swap, main-query replacement preserving
// WITH, subquery swap by scope match, union branch swap by index.
// Patches apply directly to the original SQL text with exact-string then
// whitespace-normalized matching.
func (a *Applicator) assemble(sql string, resp *llmResponse) (string, error) {
	if len(resp.Patches) > 0 {
		return applyPatches(sql, resp.Patches)
	}

	dag, err := a.Parser.Parse(sql)
	if err != nil || dag == nil || len(dag.Nodes) == 0 {
		return "", fmt.Errorf("rewrite: cannot assemble: query did not parse into a SQLDag")
	}

	applied := 0
	for nodeID, newBody := range resp.Rewrites {
		node, ok := dag.Nodes[nodeID]
		if !ok {
			// Unknown node ids are dropped, not fatal (spec.md §4.D
			// invariant).
			continue
		}
		node.SQL = strings.TrimSpace(newBody)
		applied++
	}
	if applied == 0 {
		return "", fmt.Errorf("rewrite: no known node ids in rewrite response")
	}

	return reassembleFromDag(sql, dag), nil
}

// reassembleFromDag rebuilds the query text by substituting each scope's
// possibly-rewritten SQL back into its enclosing structure: subquery/
// derived children are spliced back into their parent's original text span
// (each child resolved recursively before its parent uses it), CTE bodies are substituted inside the original WITH clause (in
// dag.Order, not map iteration order, so a multi-CTE WITH clause is always
// emitted in the same dependency-respecting order as it was parsed), the
// main query's own SQL is used verbatim (preserving any WITH prefix), and
// union branches are rejoined with UNION ALL in index order.
func reassembleFromDag(originalSQL string, dag *types.SQLDag) string {
	resolved := make(map[string]string, len(dag.Nodes))
	for _, id := range dag.Order {
		resolved[id] = resolveScope(dag, id, resolved)
	}

	var withParts []string
	for _, id := range dag.Order {
		node, ok := dag.Nodes[id]
		if !ok || node.Kind != "cte" {
			continue
		}
		withParts = append(withParts, fmt.Sprintf("%s AS (%s)", id, resolved[id]))
	}

	main := assembleScope(dag, dag.Root, resolved)

	if len(withParts) == 0 {
		return main
	}
	return "WITH " + strings.Join(withParts, ",\n") + "\n" + main
}

// resolveScope returns id's current SQL with every rewritten subquery/
// derived child spliced back into the text span its original (pre-rewrite)
// text occupied (spec.md §4.D "subquery swap by scope match"). Each childID
// in node.CTERefs is resolved recursively first, so the result does not
// depend on where the child falls in dag.Order; references to an actual CTE alias
// (rather than a subquery/derived child) are left alone here since a CTE
// is invoked by name, not embedded as a text span.
func resolveScope(dag *types.SQLDag, id string, resolved map[string]string) string {
	node := dag.Nodes[id]
	text := node.SQL
	for _, childID := range node.CTERefs {
		child, ok := dag.Nodes[childID]
		if !ok || child.Kind != "subquery" {
			continue
		}
		childSQL := resolveScope(dag, childID, resolved)
		if childSQL == "" || childSQL == child.OriginalSQL {
			continue
		}
		text = strings.Replace(text, child.OriginalSQL, childSQL, 1)
	}
	return text
}

// assembleScope reassembles a single scope's resolved SQL, rejoining union
// branches in index order when the scope was split on a top-level UNION.
func assembleScope(dag *types.SQLDag, id string, resolved map[string]string) string {
	if _, ok := dag.Nodes[id]; !ok {
		return ""
	}
	var branches []string
	for i := 0; ; i++ {
		branchID := fmt.Sprintf("%s.union[%d]", id, i)
		if _, ok := dag.Nodes[branchID]; !ok {
			break
		}
		branches = append(branches, resolved[branchID])
	}
	if len(branches) == 0 {
		return resolved[id]
	}
	return strings.Join(branches, "\nUNION ALL\n")
}

// applyPatches applies each patch in order, first trying an exact-string
// match and falling back to whitespace-normalized matching (spec.md
// §4.D step 3).
func applyPatches(sql string, patches []patch) (string, error) {
	out := sql
	for _, p := range patches {
		if strings.Contains(out, p.Search) {
			out = strings.Replace(out, p.Search, p.Replace, 1)
			continue
		}
		idx, matchedLen, ok := findWhitespaceNormalized(out, p.Search)
		if !ok {
			return "", fmt.Errorf("rewrite: patch search text not found: %q", p.Description)
		}
		out = out[:idx] + p.Replace + out[idx+matchedLen:]
	}
	return out, nil
}

// findWhitespaceNormalized locates needle in haystack after collapsing
// runs of whitespace in both to a single space, returning the byte range
// of the match in the original haystack.
func findWhitespaceNormalized(haystack, needle string) (start, length int, ok bool) {
	normNeedle := normalizeWhitespace(needle)
	if normNeedle == "" {
		return 0, 0, false
	}
	words := strings.Fields(needle)
	if len(words) == 0 {
		return 0, 0, false
	}

	// Scan for a span in haystack whose normalized form equals normNeedle,
	// anchored on the first word of needle to bound the search.
	for i := 0; i < len(haystack); i++ {
		if !strings.HasPrefix(haystack[i:], words[0]) {
			continue
		}
		for end := i + len(words[0]); end <= len(haystack); end++ {
			if normalizeWhitespace(haystack[i:end]) == normNeedle {
				return i, end - i, true
			}
			if end-i > len(needle)*4+64 {
				break
			}
		}
	}
	return 0, 0, false
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
