// Package wave implements the Wave Scheduler (spec.md §4.G): a cohort of
// queries driven through four wave phases under two bounded resource
// pools (api_slots, db_slots), with crash-safe checkpoint/progress
// snapshots and resume support. Adapted from the teacher's
// internal/core.APIScheduler cooperative-slot design, reimplemented on
// golang.org/x/sync (semaphore.Weighted + errgroup) per SPEC_FULL.md's
// domain stack.
package wave

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"qtorque/internal/logging"
	"qtorque/internal/types"
)

// QueryJob is one query's state carried across waves.
type QueryJob struct {
	QueryID      string
	OriginalSQL  string
	Proposals    []string // Wave-1/3 API output: per-worker candidate SQL
	Benchmarks   []types.ValidationResult
	BestResult   *types.ValidationResult
	BestSQL      string
	Err          error
}

// Hooks are the caller-supplied step functions the scheduler drives
// through each wave; kept as plain funcs (not an interface) so tests can
// swap in instrumented closures without a mock framework, mirroring the
// teacher's mockLLMClient.completeFunc pattern.
type Hooks struct {
	// Propose runs one API-slot step (Wave 1 or Wave 3). attempt is 1 for
	// Wave 1, 2 for Wave 3 (reanalyze conditioned on Wave-2 results).
	Propose func(ctx context.Context, job *QueryJob, attempt int) ([]string, error)
	// Benchmark runs one DB-slot step (Wave 2 or Wave 4) validating a
	// proposal against the job's OriginalSQL.
	Benchmark func(ctx context.Context, job *QueryJob, candidateSQL string) (types.ValidationResult, error)
}

// Checkpoint is the crash-safe record of completed query ids (spec.md §6
// "checkpoint.json").
type Checkpoint struct {
	Completed   []string  `json:"completed"`
	LastUpdated time.Time `json:"last_updated"`
}

// Progress is the live cohort snapshot (spec.md §4.G, §6 "progress.json").
type Progress struct {
	RunID         string                       `json:"run_id"`
	Wave          int                          `json:"wave"`
	StatusCounts  map[types.LeaderboardStatus]int `json:"status_counts"`
	Winners       []string                     `json:"winners"`
	TotalCost     types.QueryCost              `json:"total_cost"`
	LastUpdated   time.Time                    `json:"last_updated"`
}

// Scheduler runs a cohort of QueryJobs through the four-wave pipeline
// bounded by two slot pools (spec.md §4.G, §5).
type Scheduler struct {
	APISlots *semaphore.Weighted
	DBSlots  *semaphore.Weighted
	RunDir   string
	APIOnly  bool
	Resume   bool

	mu       sync.Mutex
	progress Progress
}

// NewScheduler constructs a Scheduler with apiSlots/dbSlots concurrency
// caps, persisting checkpoint/progress under runDir.
func NewScheduler(apiSlots, dbSlots int, runDir string, apiOnly, resume bool) *Scheduler {
	if apiSlots < 1 {
		apiSlots = 1
	}
	if dbSlots < 1 {
		dbSlots = 1
	}
	return &Scheduler{
		APISlots: semaphore.NewWeighted(int64(apiSlots)),
		DBSlots:  semaphore.NewWeighted(int64(dbSlots)),
		RunDir:   runDir,
		APIOnly:  apiOnly,
		Resume:   resume,
		progress: Progress{
			RunID:        uuid.NewString(),
			StatusCounts: map[types.LeaderboardStatus]int{},
		},
	}
}

// RunCohort drives every job in jobs through Waves 1-4 (spec.md §4.G).
// Resume (if enabled) skips jobs already recorded as completed via
// checkpoint.json or an on-disk result.json. Cancellation of ctx causes
// in-flight waves to finish their current step then stop; the checkpoint
// is flushed before returning.
func (s *Scheduler) RunCohort(ctx context.Context, jobs []*QueryJob, hooks Hooks) ([]*QueryJob, error) {
	log := logging.Sugared(logging.CategoryWave).With("run_id", s.progress.RunID)

	completed := map[string]bool{}
	if s.Resume {
		var err error
		completed, err = s.loadResumeSet(jobs)
		if err != nil {
			log.Warnw("resume set load failed, starting clean", "error", err)
			completed = map[string]bool{}
		}
	}

	pending := make([]*QueryJob, 0, len(jobs))
	for _, j := range jobs {
		if completed[j.QueryID] {
			continue
		}
		pending = append(pending, j)
	}

	// Wave 1 (API): initial proposals.
	s.setWave(1)
	if err := s.runAPIWave(ctx, pending, hooks, 1); err != nil {
		s.flushCheckpoint(completed)
		return jobs, err
	}
	s.flushCheckpoint(completed)

	if !s.APIOnly {
		// Wave 2 (DB): baseline + candidate benchmarks.
		s.setWave(2)
		if err := s.runDBWave(ctx, pending, hooks); err != nil {
			s.flushCheckpoint(completed)
			return jobs, err
		}
		s.flushCheckpoint(completed)
	}

	// Wave 3 (API): reanalyze/snipe conditioned on Wave-2 results.
	s.setWave(3)
	if err := s.runAPIWave(ctx, pending, hooks, 2); err != nil {
		s.flushCheckpoint(completed)
		return jobs, err
	}
	s.flushCheckpoint(completed)

	if !s.APIOnly {
		// Wave 4 (DB): final candidate benchmarks.
		s.setWave(4)
		if err := s.runDBWave(ctx, pending, hooks); err != nil {
			s.flushCheckpoint(completed)
			return jobs, err
		}
	}

	for _, j := range pending {
		completed[j.QueryID] = true
		s.recordStatus(j)
	}
	s.flushCheckpoint(completed)
	return jobs, nil
}

func (s *Scheduler) setWave(n int) {
	s.mu.Lock()
	s.progress.Wave = n
	s.mu.Unlock()
}

func (s *Scheduler) recordStatus(j *QueryJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := types.StatusUnvalidated
	if j.Err != nil {
		status = types.StatusError
	} else if j.BestResult != nil {
		status = types.ClassifyStatus(*j.BestResult)
	}
	s.progress.StatusCounts[status]++
	if status == types.StatusWin || status == types.StatusImproved {
		s.progress.Winners = append(s.progress.Winners, j.QueryID)
	}
}

// runAPIWave fans out Propose across pending jobs, each consuming one API
// slot, stopping the whole wave on the first hard error per spec.md §5
// (errgroup cancels the group's context; per-job graceful-abort is left
// to Propose itself observing ctx.Done()).
func (s *Scheduler) runAPIWave(ctx context.Context, pending []*QueryJob, hooks Hooks, attempt int) error {
	if hooks.Propose == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range pending {
		job := job
		if err := s.APISlots.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer s.APISlots.Release(1)
			proposals, err := hooks.Propose(gctx, job, attempt)
			if err != nil {
				job.Err = err
				return nil // per-query failure does not abort the cohort (spec.md §7)
			}
			job.Proposals = append(job.Proposals, proposals...)
			return nil
		})
	}
	return g.Wait()
}

// runDBWave fans out Benchmark across pending jobs' proposals, each
// consuming one DB slot.
func (s *Scheduler) runDBWave(ctx context.Context, pending []*QueryJob, hooks Hooks) error {
	if hooks.Benchmark == nil {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range pending {
		job := job
		for _, candidate := range job.Proposals {
			candidate := candidate
			if err := s.DBSlots.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer s.DBSlots.Release(1)
				res, err := hooks.Benchmark(gctx, job, candidate)
				if err != nil {
					job.Err = err
					return nil
				}
				job.Benchmarks = append(job.Benchmarks, res)
				if job.BestResult == nil || res.Speedup > job.BestResult.Speedup {
					r := res
					job.BestResult = &r
					job.BestSQL = candidate
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// loadResumeSet unions checkpoint.json ids with ids that already have a
// complete result.json on disk (spec.md §4.G "Resume").
func (s *Scheduler) loadResumeSet(jobs []*QueryJob) (map[string]bool, error) {
	out := map[string]bool{}
	cpPath := filepath.Join(s.RunDir, "checkpoint.json")
	if data, err := os.ReadFile(cpPath); err == nil {
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err == nil {
			for _, id := range cp.Completed {
				out[id] = true
			}
		}
	}
	for _, j := range jobs {
		resultPath := filepath.Join(s.RunDir, j.QueryID, "result.json")
		if _, err := os.Stat(resultPath); err == nil {
			out[j.QueryID] = true
		}
	}
	return out, nil
}

// flushCheckpoint writes checkpoint.json and progress.json atomically
// (write-then-rename, spec.md §5 "Writes to checkpoint.json, progress.json
// ... use write-then-rename for atomicity").
func (s *Scheduler) flushCheckpoint(completed map[string]bool) {
	log := logging.Sugared(logging.CategoryWave)
	if s.RunDir == "" {
		return
	}
	if err := os.MkdirAll(s.RunDir, 0755); err != nil {
		log.Warnw("checkpoint dir create failed", "error", err)
		return
	}

	ids := make([]string, 0, len(completed))
	for id := range completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cp := Checkpoint{Completed: ids, LastUpdated: time.Now()}
	if err := atomicWriteJSON(filepath.Join(s.RunDir, "checkpoint.json"), cp); err != nil {
		log.Warnw("checkpoint flush failed", "error", err)
	}

	s.mu.Lock()
	s.progress.LastUpdated = time.Now()
	snapshot := s.progress
	s.mu.Unlock()
	if err := atomicWriteJSON(filepath.Join(s.RunDir, "progress.json"), snapshot); err != nil {
		log.Warnw("progress flush failed", "error", err)
	}
}

func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("wave: marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("wave: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("wave: rename %s: %w", tmp, err)
	}
	return nil
}
