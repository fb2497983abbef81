// Package blackboard implements the deterministic knowledge-collation
// pipeline (spec.md §4.H): Extract per-worker entries, Collate them into
// principles/anti-patterns, Merge with the on-disk GlobalKnowledge,
// Promote winning candidates to gold examples, and Reindex the tag
// similarity index (internal/promote). Grounded on the teacher's
// deterministic, regex-first classification style (internal/diff,
// internal/mangle) rather than any LLM summarization step — every phase
// here is pure data transformation.
package blackboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"qtorque/internal/logging"
	"qtorque/internal/types"
)

// WorkerRecord is the raw per-worker-iteration input to Phase 1 (spec.md
// §4.H Phase 1): the benchmark outcome, the response text, and whatever
// applied-transforms hints the caller already has (assignment examples).
type WorkerRecord struct {
	QueryID          string
	WorkerID         string
	Result           types.ValidationResult
	AssignedExamples []string // example/transform ids the worker was prompted with
	ResponseText     string   // full LLM response, scanned for "Changes:" and strategy names
	OriginalSQL      string
	OptimizedSQL     string
}

var (
	reChangesSection = regexp.MustCompile(`(?is)changes:\s*(.+?)(?:\n\n|\z)`)
	reTransformMention = regexp.MustCompile(`\b([a-z][a-z0-9_]{2,40})\b`)
)

// strategyNameMap is tier 3 of the 4-tier applied-transform inference
// (spec.md §4.H Phase 1, SPEC_FULL.md §9 resolution (ii)): a small,
// literal map from free-text strategy names an LLM response might use to
// the registry's transform ids. Always tried after the regex tier and
// before the structural-diff tier, never overriding a tier-1/2 match.
var strategyNameMap = map[string]string{
	"predicate pushdown":   "push_pred",
	"push down predicate":  "push_pred",
	"join reordering":      "reorder_join",
	"reorder the join":     "reorder_join",
	"materialize cte":      "materialize_cte",
	"inline the cte":       "inline_cte",
	"flatten subquery":     "flatten_subq",
	"remove redundant":     "remove_redundant",
	"or to union":          "or_to_union",
	"union rewrite":        "or_to_union",
	"correlated to cte":    "correlated_to_cte",
	"decorrelate":          "correlated_to_cte",
	"isolate date filter":  "date_cte_isolate",
	"consolidate scans":    "consolidate_scans",
}

// ExtractEntry builds one BlackboardEntry from a WorkerRecord (spec.md
// §4.H Phase 1). Applied transforms are inferred by, in order:
// (1) the assigned-example ids the worker was actually shown,
// (2) regex scan of ResponseText for known transform ids,
// (3) the literal strategy-name map,
// (4) structural diff of OriginalSQL vs OptimizedSQL as a last resort.
func ExtractEntry(rec WorkerRecord, knownTransformIDs []string) types.BlackboardEntry {
	status := types.ClassifyStatus(rec.Result)
	applied := inferAppliedTransforms(rec, knownTransformIDs)

	entry := types.BlackboardEntry{
		QueryID:           rec.QueryID,
		WorkerID:          rec.WorkerID,
		Timestamp:         time.Now(),
		ExamplesUsed:      rec.AssignedExamples,
		Status:            status,
		Speedup:           rec.Result.Speedup,
		AppliedTransforms: applied,
	}
	if len(applied) > 0 {
		entry.PrincipleID = applied[0]
	}
	if rec.Result.Error != "" {
		entry.ErrorMessage = rec.Result.Error
		entry.ErrorCategory = categorizeError(rec.Result)
	}
	if m := reChangesSection.FindStringSubmatch(rec.ResponseText); len(m) == 2 {
		changes := strings.TrimSpace(m[1])
		if status == types.StatusWin || status == types.StatusImproved {
			entry.WhatWorked = changes
		} else {
			entry.WhatFailed = changes
		}
	}
	return entry
}

func categorizeError(r types.ValidationResult) string {
	switch r.Status {
	case types.StatusFailRows:
		return "semantic_mismatch"
	case types.StatusFailError:
		return "engine_rejected"
	case types.StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func inferAppliedTransforms(rec WorkerRecord, knownTransformIDs []string) []string {
	known := map[string]bool{}
	for _, id := range knownTransformIDs {
		known[id] = true
	}

	// Tier 1: assignment examples — ids the worker was actually handed.
	var tier1 []string
	for _, id := range rec.AssignedExamples {
		if known[id] {
			tier1 = append(tier1, id)
		}
	}
	if len(tier1) > 0 {
		return tier1
	}

	// Tier 2: regex scan of the response text for known transform ids.
	var tier2 []string
	seen := map[string]bool{}
	for _, m := range reTransformMention.FindAllString(strings.ToLower(rec.ResponseText), -1) {
		if known[m] && !seen[m] {
			seen[m] = true
			tier2 = append(tier2, m)
		}
	}
	if len(tier2) > 0 {
		return tier2
	}

	// Tier 3: literal strategy-name map.
	lower := strings.ToLower(rec.ResponseText)
	var tier3 []string
	for phrase, id := range strategyNameMap {
		if strings.Contains(lower, phrase) && known[id] {
			tier3 = append(tier3, id)
		}
	}
	if len(tier3) > 0 {
		sort.Strings(tier3)
		return tier3
	}

	// Tier 4: structural diff of original vs optimized SQL text.
	if rec.OriginalSQL != "" && rec.OptimizedSQL != "" && rec.OriginalSQL != rec.OptimizedSQL {
		return []string{"structural_diff:" + summarizeDiff(rec.OriginalSQL, rec.OptimizedSQL)}
	}
	return nil
}

// summarizeDiff produces a short deterministic token describing the kind
// of structural change between two SQL strings (word-count delta and
// whether a WITH/UNION/OR keyword was introduced or removed). This is a
// last-resort signal when no other tier matched, not a full diff engine.
func summarizeDiff(orig, optimized string) string {
	wc := func(s string) int { return len(strings.Fields(s)) }
	delta := wc(optimized) - wc(orig)
	keyword := func(s, kw string) bool { return strings.Contains(strings.ToUpper(s), kw) }
	switch {
	case keyword(optimized, "WITH") && !keyword(orig, "WITH"):
		return "cte_introduced"
	case keyword(orig, "WITH") && !keyword(optimized, "WITH"):
		return "cte_removed"
	case keyword(optimized, "UNION") && !keyword(orig, "UNION"):
		return "union_introduced"
	case delta < 0:
		return "shortened"
	case delta > 0:
		return "lengthened"
	default:
		return "restructured"
	}
}

// Collate implements Phase 2 (spec.md §4.H): group WIN+IMPROVED entries
// by principle (first known applied transform) into KnowledgePrinciples,
// and regressions/errors into KnowledgeAntiPatterns by category.
func Collate(entries []types.BlackboardEntry) ([]types.KnowledgePrinciple, []types.KnowledgeAntiPattern) {
	principleGroups := map[string]*types.KnowledgePrinciple{}
	antiGroups := map[string]*types.KnowledgeAntiPattern{}
	coRegressions := map[string]map[string]bool{} // transform id -> set of co-applied transforms that regressed

	var order []string
	for _, e := range entries {
		switch e.Status {
		case types.StatusWin, types.StatusImproved:
			if e.PrincipleID == "" {
				continue
			}
			p, ok := principleGroups[e.PrincipleID]
			if !ok {
				p = &types.KnowledgePrinciple{TransformID: e.PrincipleID}
				principleGroups[e.PrincipleID] = p
				order = append(order, e.PrincipleID)
			}
			p.VerifiedSpeedups = append(p.VerifiedSpeedups, e.Speedup)
			p.Queries = append(p.Queries, e.QueryID)
		case types.StatusRegression:
			cat := "regression_" + firstOrUnknown(e.AppliedTransforms)
			addAntiPattern(antiGroups, cat, e.QueryID)
			if len(e.AppliedTransforms) > 1 {
				for _, t := range e.AppliedTransforms[1:] {
					if coRegressions[firstOrUnknown(e.AppliedTransforms)] == nil {
						coRegressions[firstOrUnknown(e.AppliedTransforms)] = map[string]bool{}
					}
					coRegressions[firstOrUnknown(e.AppliedTransforms)][t] = true
				}
			}
		case types.StatusError:
			cat := "error_" + firstOrUnknown([]string{e.ErrorCategory})
			addAntiPattern(antiGroups, cat, e.QueryID)
		case types.StatusFail:
			cat := "semantic_mismatch_" + firstOrUnknown(e.AppliedTransforms)
			addAntiPattern(antiGroups, cat, e.QueryID)
		}
	}

	principles := make([]types.KnowledgePrinciple, 0, len(order))
	for _, id := range order {
		p := principleGroups[id]
		sort.Sort(sort.Reverse(sort.Float64Slice(p.VerifiedSpeedups)))
		p.AvgSpeedup = average(p.VerifiedSpeedups)
		if co := coRegressions[id]; len(co) > 0 {
			names := make([]string, 0, len(co))
			for n := range co {
				names = append(names, n)
			}
			sort.Strings(names)
			p.WhenNot = fmt.Sprintf("regresses when combined with: %s", strings.Join(names, ", "))
		}
		principles = append(principles, *p)
	}

	antiKeys := make([]string, 0, len(antiGroups))
	for k := range antiGroups {
		antiKeys = append(antiKeys, k)
	}
	sort.Strings(antiKeys)
	antiPatterns := make([]types.KnowledgeAntiPattern, 0, len(antiKeys))
	for _, k := range antiKeys {
		antiPatterns = append(antiPatterns, *antiGroups[k])
	}
	return principles, antiPatterns
}

func firstOrUnknown(xs []string) string {
	if len(xs) == 0 || xs[0] == "" {
		return "unknown"
	}
	return xs[0]
}

func addAntiPattern(groups map[string]*types.KnowledgeAntiPattern, category, queryID string) {
	ap, ok := groups[category]
	if !ok {
		ap = &types.KnowledgeAntiPattern{Category: category}
		groups[category] = ap
	}
	ap.ObservedRegressions = append(ap.ObservedRegressions, queryID)
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Merge implements Phase 3 (spec.md §4.H): union freshly collated
// principles/anti-patterns into the on-disk GlobalKnowledge, recomputing
// avg_speedup and preferring the longer text fields on duplicate ids.
func Merge(existing types.GlobalKnowledge, runName string, principles []types.KnowledgePrinciple, antiPatterns []types.KnowledgeAntiPattern) types.GlobalKnowledge {
	byID := map[string]*types.KnowledgePrinciple{}
	var order []string
	for i := range existing.Principles {
		p := existing.Principles[i]
		byID[p.TransformID] = &p
		order = append(order, p.TransformID)
	}
	for _, np := range principles {
		p, ok := byID[np.TransformID]
		if !ok {
			cp := np
			byID[np.TransformID] = &cp
			order = append(order, np.TransformID)
			continue
		}
		p.VerifiedSpeedups = append(p.VerifiedSpeedups, np.VerifiedSpeedups...)
		p.Queries = dedupeStrings(append(p.Queries, np.Queries...))
		sort.Sort(sort.Reverse(sort.Float64Slice(p.VerifiedSpeedups)))
		p.AvgSpeedup = average(p.VerifiedSpeedups)
		p.What = longer(p.What, np.What)
		p.Why = longer(p.Why, np.Why)
		p.When = longer(p.When, np.When)
		p.WhenNot = longer(p.WhenNot, np.WhenNot)
	}
	mergedPrinciples := make([]types.KnowledgePrinciple, 0, len(order))
	for _, id := range order {
		mergedPrinciples = append(mergedPrinciples, *byID[id])
	}

	antiByCat := map[string]*types.KnowledgeAntiPattern{}
	var antiOrder []string
	for i := range existing.AntiPatterns {
		a := existing.AntiPatterns[i]
		antiByCat[a.Category] = &a
		antiOrder = append(antiOrder, a.Category)
	}
	for _, na := range antiPatterns {
		a, ok := antiByCat[na.Category]
		if !ok {
			ca := na
			antiByCat[na.Category] = &ca
			antiOrder = append(antiOrder, na.Category)
			continue
		}
		a.ObservedRegressions = dedupeStrings(append(a.ObservedRegressions, na.ObservedRegressions...))
		a.Mechanism = longer(a.Mechanism, na.Mechanism)
	}
	mergedAnti := make([]types.KnowledgeAntiPattern, 0, len(antiOrder))
	for _, cat := range antiOrder {
		mergedAnti = append(mergedAnti, *antiByCat[cat])
	}

	sourceRuns := existing.SourceRuns
	if runName != "" {
		found := false
		for _, r := range sourceRuns {
			if r == runName {
				found = true
				break
			}
		}
		if !found {
			sourceRuns = append(sourceRuns, runName)
		}
	}

	return types.GlobalKnowledge{
		Dataset:      existing.Dataset,
		LastUpdated:  time.Now(),
		SourceRuns:   sourceRuns,
		Principles:   mergedPrinciples,
		AntiPatterns: mergedAnti,
	}
}

func longer(a, b string) string {
	if len(b) > len(a) {
		return b
	}
	return a
}

func dedupeStrings(xs []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

// LoadGlobalKnowledge reads a GlobalKnowledge file, returning an empty
// (dataset-named) value if it does not yet exist.
func LoadGlobalKnowledge(path, dataset string) (types.GlobalKnowledge, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return types.GlobalKnowledge{Dataset: dataset}, nil
	}
	if err != nil {
		return types.GlobalKnowledge{}, fmt.Errorf("blackboard: read %s: %w", path, err)
	}
	var gk types.GlobalKnowledge
	if err := json.Unmarshal(data, &gk); err != nil {
		return types.GlobalKnowledge{}, fmt.Errorf("blackboard: parse %s: %w", path, err)
	}
	return gk, nil
}

// SaveGlobalKnowledge writes gk to path via write-then-rename.
func SaveGlobalKnowledge(path string, gk types.GlobalKnowledge) error {
	log := logging.Sugared(logging.CategoryBlackboard)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("blackboard: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(gk, "", "  ")
	if err != nil {
		return fmt.Errorf("blackboard: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("blackboard: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("blackboard: rename %s: %w", tmp, err)
	}
	log.Infow("global knowledge saved", "path", path, "principles", len(gk.Principles), "anti_patterns", len(gk.AntiPatterns))
	return nil
}
