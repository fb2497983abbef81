// Package orchestrator implements the Orchestrator (spec.md §4.J): it
// drives a query corpus through the Wave Scheduler, runs one MCTS search
// per query, and emits the leaderboard/per-query provenance/progress/
// summary artifacts. Grounded on the teacher's cmd/nerd/main.go wiring
// shape (construct dependencies bottom-up, drive a loop, write results),
// reimplemented here as a library package rather than a main func so
// cmd/qtorque stays a thin cobra shell.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"qtorque/internal/blackboard"
	"qtorque/internal/config"
	"qtorque/internal/logging"
	"qtorque/internal/promote"
	"qtorque/internal/rewrite"
	"qtorque/internal/search"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
	"qtorque/internal/validate"
	"qtorque/internal/wave"
)

// Query is one corpus entry handed to the orchestrator.
type Query struct {
	ID  string
	SQL string
}

// Orchestrator wires the Transform Registry, Applicator, Validator, and
// Search Engine around a Wave Scheduler to drive a cohort end to end
// (spec.md §4.J data flow: "query enters the orchestrator -> AST+plan
// analyzer -> search engine -> applicator -> validator -> reward
// backprop -> best node emitted -> blackboard -> auto-promoter").
type Orchestrator struct {
	Config       *config.Config
	Transforms   []types.Transform
	Parser       sqlast.Parser
	Completer    types.Completer
	Runner       types.QueryRunner
	GoldExamples []types.GoldExample
	BenchDir     string // benchmarks/<name>
}

// Leaderboard is the cohort-wide summary file (spec.md §6
// "leaderboard.json").
type Leaderboard struct {
	RunName      string                           `json:"run_name"`
	StatusCounts map[types.LeaderboardStatus]int  `json:"status_counts"`
	Entries      []LeaderboardEntry               `json:"entries"`
}

// LeaderboardEntry is one query's leaderboard row.
type LeaderboardEntry struct {
	QueryID     string                  `json:"query_id"`
	Status      types.LeaderboardStatus `json:"status"`
	Speedup     float64                 `json:"speedup"`
	OriginalMS  float64                 `json:"original_ms"`
	OptimizedMS float64                 `json:"optimized_ms"`
}

// Summary is the aggregate run summary (spec.md §4.J "summary.json with
// total cost").
type Summary struct {
	RunName      string                          `json:"run_name"`
	QueryCount   int                             `json:"query_count"`
	StatusCounts map[types.LeaderboardStatus]int `json:"status_counts"`
	TotalCost    types.QueryCost                 `json:"total_cost"`
	Duration     string                          `json:"duration"`
}

// RunCohort drives queries through the four-wave pipeline, one search
// engine per query, and writes every persisted artifact spec.md §6 names.
func (o *Orchestrator) RunCohort(ctx context.Context, queries []Query) (*Leaderboard, error) {
	log := logging.Sugared(logging.CategoryOrchestrator)
	start := time.Now()

	runName := o.Config.RunName
	if runName == "" {
		runName = "run_" + time.Now().UTC().Format("20060102T150405Z")
	}
	runDir := filepath.Join(o.BenchDir, "runs", runName)

	applicator := rewrite.New(o.Parser)
	validator := validate.New(o.Runner)

	jobs := make([]*wave.QueryJob, len(queries))
	engines := map[string]*search.Engine{}
	for i, q := range queries {
		jobs[i] = &wave.QueryJob{QueryID: q.ID, OriginalSQL: q.SQL}
	}

	var cost types.QueryCost
	var mu sync.Mutex // guards engines and cost: Propose runs for several jobs at once

	propose := func(ctx context.Context, job *wave.QueryJob, attempt int) ([]string, error) {
		if attempt != 1 {
			// Wave 3 reanalysis is a no-op: the MCTS run in Wave 1 already
			// exhausted its iteration/patience budget for this query.
			return nil, nil
		}
		engine := search.NewEngine(job.OriginalSQL, o.Config, o.Transforms, applicator, validator, o.Parser, o.Completer)
		engine.GoldExamples = o.GoldExamples
		mu.Lock()
		engines[job.QueryID] = engine
		mu.Unlock()

		best := engine.Run(ctx)
		mu.Lock()
		cost.APICalls += len(engine.Tree.Nodes) - 1
		cost.DBExecutions += len(engine.Tree.Nodes) - 1
		mu.Unlock()
		if best.Depth > 0 {
			job.BestSQL = best.QuerySQL
			job.BestResult = best.LastResult
		}
		return nil, nil
	}

	scheduler := wave.NewScheduler(o.Config.APISlots, o.Config.DBSlots, runDir, o.Config.APIOnly, o.Config.Resume)
	if _, err := scheduler.RunCohort(ctx, jobs, wave.Hooks{Propose: propose}); err != nil {
		return nil, fmt.Errorf("orchestrator: run cohort: %w", err)
	}

	board := &Leaderboard{RunName: runName, StatusCounts: map[types.LeaderboardStatus]int{}}
	var entries []types.BlackboardEntry
	knownIDs := make([]string, len(o.Transforms))
	for i, t := range o.Transforms {
		knownIDs[i] = t.ID
	}

	for _, job := range jobs {
		status := types.StatusUnvalidated
		speedup := 0.0
		origMS, optMS := 0.0, 0.0
		var transformsApplied []string
		if engine := engines[job.QueryID]; engine != nil {
			if best := engine.BestDescendant(); best.Depth > 0 {
				transformsApplied = best.AppliedPath
			}
		}
		if job.Err != nil {
			status = types.StatusError
		} else if job.BestResult != nil {
			status = types.ClassifyStatus(*job.BestResult)
			speedup = job.BestResult.Speedup
			origMS = job.BestResult.OriginalMS
			optMS = job.BestResult.OptimizedMS
		}
		board.StatusCounts[status]++
		board.Entries = append(board.Entries, LeaderboardEntry{
			QueryID: job.QueryID, Status: status, Speedup: speedup,
			OriginalMS: origMS, OptimizedMS: optMS,
		})

		provenance := types.RunProvenance{
			SourceRun:         runName,
			QueryID:           job.QueryID,
			TransformsApplied: transformsApplied,
			BestSpeedup:       speedup,
			Status:            status,
			OriginalSQL:       job.OriginalSQL,
			OptimizedSQL:      job.BestSQL,
			Cost:              types.QueryCost{APICalls: 1, DBExecutions: len(transformsApplied)},
		}
		if job.Err != nil {
			provenance.Reasoning = job.Err.Error()
		}
		if err := writeResult(runDir, job.QueryID, provenance); err != nil {
			log.Warnw("result.json write failed", "query", job.QueryID, "error", err)
		}

		entries = append(entries, blackboard.ExtractEntry(blackboard.WorkerRecord{
			QueryID:      job.QueryID,
			WorkerID:     "engine",
			Result:       resultOrEmpty(job.BestResult),
			OriginalSQL:  job.OriginalSQL,
			OptimizedSQL: job.BestSQL,
		}, knownIDs))
	}

	if err := writeLeaderboard(o.BenchDir, board); err != nil {
		log.Warnw("leaderboard.json write failed", "error", err)
	}

	if err := o.collateAndPromote(runName, entries); err != nil {
		log.Warnw("blackboard collation failed", "error", err)
	}

	summary := &Summary{
		RunName:      runName,
		QueryCount:   len(queries),
		StatusCounts: board.StatusCounts,
		TotalCost:    cost,
		Duration:     humanize.RelTime(start, time.Now(), "", ""),
	}
	if err := writeSummary(runDir, summary); err != nil {
		log.Warnw("summary.json write failed", "error", err)
	}

	log.Infow("cohort run complete", "run", runName, "queries", len(queries), "duration", time.Since(start))
	return board, nil
}

func resultOrEmpty(r *types.ValidationResult) types.ValidationResult {
	if r == nil {
		return types.ValidationResult{Status: types.StatusFailError, Error: "no result"}
	}
	return *r
}

// collateAndPromote runs Blackboard phases 2-5 over this cohort's entries,
// serialized after all search finishes (spec.md §5 "the orchestrator
// serializes these phases").
func (o *Orchestrator) collateAndPromote(runName string, entries []types.BlackboardEntry) error {
	principles, antiPatterns := blackboard.Collate(entries)

	knowledgePath := filepath.Join(o.BenchDir, "knowledge", o.Config.Dataset+".json")
	existing, err := blackboard.LoadGlobalKnowledge(knowledgePath, o.Config.Dataset)
	if err != nil {
		return err
	}
	merged := blackboard.Merge(existing, runName, principles, antiPatterns)
	if err := blackboard.SaveGlobalKnowledge(knowledgePath, merged); err != nil {
		return err
	}

	examplesDir := filepath.Join(o.BenchDir, "..", "..", "examples", string(o.Config.EngineDialect))
	for _, entry := range entries {
		if entry.Status != types.StatusWin || entry.PrincipleID == "" {
			continue
		}
		if entry.Speedup < o.Config.MinPromoteSpeedup && !o.Config.Bootstrap {
			continue
		}
		candidate := types.GoldExample{ID: entry.PrincipleID, Name: entry.PrincipleID}
		if _, err := promote.Promote(examplesDir, entry.PrincipleID, candidate, entry.Speedup, true); err != nil {
			return err
		}
	}

	tagIndexPath := filepath.Join(o.BenchDir, "..", "..", "models", "similarity_tags.json")
	idx := promote.Reindex(o.Parser, o.GoldExamples)
	return idx.Save(tagIndexPath)
}

func writeResult(runDir, queryID string, provenance types.RunProvenance) error {
	dir := filepath.Join(runDir, queryID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("orchestrator: mkdir %s: %w", dir, err)
	}
	return atomicWriteJSON(filepath.Join(dir, "result.json"), provenance)
}

func writeLeaderboard(benchDir string, board *Leaderboard) error {
	sort.Slice(board.Entries, func(i, j int) bool { return board.Entries[i].QueryID < board.Entries[j].QueryID })
	if err := os.MkdirAll(benchDir, 0755); err != nil {
		return fmt.Errorf("orchestrator: mkdir %s: %w", benchDir, err)
	}
	return atomicWriteJSON(filepath.Join(benchDir, "leaderboard.json"), board)
}

func writeSummary(runDir string, summary *Summary) error {
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("orchestrator: mkdir %s: %w", runDir, err)
	}
	return atomicWriteJSON(filepath.Join(runDir, "summary.json"), summary)
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("orchestrator: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
