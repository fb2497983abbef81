package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"qtorque/internal/logging"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

// llmRankDistribution is the fixed position -> prior mapping for the top
// ranked candidates (spec.md §4.F); any candidates beyond this split the
// remaining mass evenly.
var llmRankDistribution = []float64{0.35, 0.25, 0.15, 0.10, 0.05}

// computePriors derives the prior distribution over candidates at node,
// contextually adjusted and renormalized to sum to 1 (spec.md §4.F
// "Priors"). When LLM ranking applies and succeeds, its ranking replaces
// the contextual priors entirely; any failure falls back silently.
func (e *Engine) computePriors(ctx context.Context, node *Node, candidates []types.Transform) map[string]float64 {
	contextual := e.contextualPriors(node, candidates)

	if e.Config.UseLLMRanking && e.Completer != nil && e.shouldUseLLMRanking(node, candidates) {
		if llmPriors, ok := e.llmRankPriors(ctx, node, candidates); ok {
			return llmPriors
		}
	}
	return contextual
}

// contextualPriors implements the baseline-plus-adjustments rule (spec.md
// §4.F): weight-normalized baseline, then a detected-opportunity boost
// (x1.5), a high_value category boost (x1.2), and an already-applied-on-
// path penalty (x0.5), renormalized so priors sum to 1.
func (e *Engine) contextualPriors(node *Node, candidates []types.Transform) map[string]float64 {
	sumW := 0
	for _, t := range candidates {
		sumW += t.Weight
	}
	if sumW == 0 {
		sumW = 1
	}

	opportunities := map[string]bool{}
	if e.Config.UseOpportunityDetection {
		for _, o := range sqlast.DetectOpportunities(e.Parser, node.QuerySQL, candidates) {
			opportunities[o.TransformID] = true
		}
	}
	appliedOnPath := map[string]bool{}
	for _, id := range node.AppliedPath {
		appliedOnPath[id] = true
	}

	adjusted := make(map[string]float64, len(candidates))
	sumAdj := 0.0
	for _, t := range candidates {
		baseline := float64(t.Weight) / float64(sumW)
		m := 1.0
		if opportunities[t.ID] {
			m *= 1.5
		}
		if t.Category == types.CategoryHighValue {
			m *= 1.2
		}
		if appliedOnPath[t.ID] {
			m *= 0.5
		}
		adjusted[t.ID] = baseline * m
		sumAdj += adjusted[t.ID]
	}
	if sumAdj <= 0 {
		sumAdj = 1
	}

	priors := make(map[string]float64, len(candidates))
	for id, v := range adjusted {
		priors[id] = v / sumAdj
	}
	return priors
}

// shouldUseLLMRanking reports the "stuck" or "wide fan-out" trigger
// conditions for invoking the LLM ranker (spec.md §4.F): visit_count >= 5
// and avg_reward < 0.2 and every existing child's avg_reward < 0.2, or
// more than 4 untried candidates.
func (e *Engine) shouldUseLLMRanking(node *Node, candidates []types.Transform) bool {
	if len(candidates) > 4 {
		return true
	}
	if node.VisitCount < 5 || node.AvgReward(0) >= 0.2 {
		return false
	}
	if len(node.Children) == 0 {
		return false
	}
	for _, idx := range node.Children {
		if e.Tree.Nodes[idx].AvgReward(0) >= 0.2 {
			return false
		}
	}
	return true
}

type rankingResponse struct {
	Ranking []string `json:"ranking"`
}

// llmRankPriors calls the Completer with the query, plan, attempt
// history, and candidate list, parses an ordered transform-id list, and
// maps rank position to prior via the fixed distribution (spec.md §4.F).
// Any error or timeout returns ok=false so the caller falls back to
// contextual priors.
func (e *Engine) llmRankPriors(ctx context.Context, node *Node, candidates []types.Transform) (map[string]float64, bool) {
	log := logging.Sugared(logging.CategorySearch)
	timeoutMS := e.Config.LLMTimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	prompt := buildRankingPrompt(node, candidates)
	raw, err := e.Completer.Complete(cctx, prompt)
	if err != nil {
		log.Debugw("llm ranking failed, falling back to contextual priors", "error", err)
		return nil, false
	}

	order, err := parseRankingResponse(raw, candidates)
	if err != nil || len(order) == 0 {
		log.Debugw("llm ranking response unusable, falling back to contextual priors", "error", err)
		return nil, false
	}

	priors := make(map[string]float64, len(candidates))
	remaining := 1.0
	for _, d := range llmRankDistribution {
		remaining -= d
	}
	rest := len(order) - len(llmRankDistribution)
	var restEach float64
	if rest > 0 {
		restEach = remaining / float64(rest)
	}
	for i, id := range order {
		if i < len(llmRankDistribution) {
			priors[id] = llmRankDistribution[i]
		} else {
			priors[id] = restEach
		}
	}

	sum := 0.0
	for _, t := range candidates {
		if _, ok := priors[t.ID]; !ok {
			priors[t.ID] = 0
		}
		sum += priors[t.ID]
	}
	if sum <= 0 {
		return nil, false
	}
	for id := range priors {
		priors[id] /= sum
	}
	return priors, true
}

func buildRankingPrompt(node *Node, candidates []types.Transform) string {
	var b strings.Builder
	b.WriteString("Rank the following candidate rewrite transforms from most to least promising for this query.\n\n")
	fmt.Fprintf(&b, "Query:\n%s\n\n", node.QuerySQL)
	if len(node.AppliedPath) > 0 {
		fmt.Fprintf(&b, "Already applied on this path: %s\n\n", strings.Join(node.AppliedPath, ", "))
	}
	b.WriteString("Candidates:\n")
	for _, t := range candidates {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", t.ID, t.Name, t.Trigger)
	}
	b.WriteString("\nRespond with JSON only: {\"ranking\": [\"transform_id\", ...]} listing every candidate id, most promising first.")
	return b.String()
}

func parseRankingResponse(raw string, candidates []types.Transform) ([]string, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("search: llm ranking response has no JSON object")
	}
	var resp rankingResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &resp); err != nil {
		return nil, fmt.Errorf("search: parse llm ranking response: %w", err)
	}

	valid := make(map[string]bool, len(candidates))
	for _, t := range candidates {
		valid[t.ID] = true
	}
	var order []string
	seen := map[string]bool{}
	for _, id := range resp.Ranking {
		if valid[id] && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order, nil
}

// topNByPrior returns up to n candidates sorted by descending prior,
// used by parallel expansion to pick the batch of untried transforms to
// apply concurrently (spec.md §4.F "Parallel expansion").
func topNByPrior(candidates []types.Transform, priors map[string]float64, n int) []types.Transform {
	sorted := append([]types.Transform(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return priors[sorted[i].ID] > priors[sorted[j].ID] })
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
