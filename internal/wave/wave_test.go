package wave

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"qtorque/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunCohortRespectsAPISlotCap(t *testing.T) {
	var inFlight, maxInFlight int32
	jobs := []*QueryJob{
		{QueryID: "q1", OriginalSQL: "SELECT 1"},
		{QueryID: "q2", OriginalSQL: "SELECT 2"},
		{QueryID: "q3", OriginalSQL: "SELECT 3"},
	}

	s := NewScheduler(1, 1, t.TempDir(), true, false) // api_only: no DB wave needed for this check
	hooks := Hooks{
		Propose: func(ctx context.Context, job *QueryJob, attempt int) ([]string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxInFlight)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return []string{"SELECT 1 -- " + job.QueryID}, nil
		},
	}

	_, err := s.RunCohort(context.Background(), jobs, hooks)
	require.NoError(t, err)
	require.LessOrEqual(t, int(maxInFlight), 1, "api_slots=1 must never allow concurrent Propose calls")
	for _, j := range jobs {
		require.Len(t, j.Proposals, 2, "wave 1 and wave 3 each contribute one proposal in api-only mode")
	}
}

func TestRunCohortBenchmarksPickBestBySpeedup(t *testing.T) {
	jobs := []*QueryJob{{QueryID: "q1", OriginalSQL: "SELECT * FROM t"}}
	s := NewScheduler(2, 2, t.TempDir(), false, false)

	proposeCalls := 0
	hooks := Hooks{
		Propose: func(ctx context.Context, job *QueryJob, attempt int) ([]string, error) {
			proposeCalls++
			return []string{fmt.Sprintf("SELECT * FROM t /* attempt %d */", attempt)}, nil
		},
		Benchmark: func(ctx context.Context, job *QueryJob, candidateSQL string) (types.ValidationResult, error) {
			speedup := 1.5
			if candidateSQL == "SELECT * FROM t /* attempt 2 */" {
				speedup = 3.0
			}
			return types.ValidationResult{Status: types.StatusPass, RowsMatch: true, ChecksumMatch: true, Speedup: speedup}, nil
		},
	}

	_, err := s.RunCohort(context.Background(), jobs, hooks)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].BestResult)
	require.InDelta(t, 3.0, jobs[0].BestResult.Speedup, 1e-9)
	require.Equal(t, 2, proposeCalls)
}

func TestRunCohortPerQueryErrorDoesNotAbortCohort(t *testing.T) {
	jobs := []*QueryJob{
		{QueryID: "bad", OriginalSQL: "SELECT 1"},
		{QueryID: "good", OriginalSQL: "SELECT 2"},
	}
	s := NewScheduler(2, 2, t.TempDir(), true, false)
	hooks := Hooks{
		Propose: func(ctx context.Context, job *QueryJob, attempt int) ([]string, error) {
			if job.QueryID == "bad" {
				return nil, fmt.Errorf("completer exploded")
			}
			return []string{"SELECT 2 -- ok"}, nil
		},
	}

	_, err := s.RunCohort(context.Background(), jobs, hooks)
	require.NoError(t, err, "a per-query Propose error must not fail the whole cohort")
	require.Error(t, jobs[0].Err)
	require.NoError(t, jobs[1].Err)
}

func TestRunCohortFlushesProgressBetweenWaves(t *testing.T) {
	dir := t.TempDir()
	jobs := []*QueryJob{{QueryID: "q1", OriginalSQL: "SELECT 1"}}
	s := NewScheduler(1, 1, dir, false, false)

	var waveOnDiskDuringWave2 int
	hooks := Hooks{
		Propose: func(ctx context.Context, job *QueryJob, attempt int) ([]string, error) {
			return []string{"SELECT 1 -- cand"}, nil
		},
		Benchmark: func(ctx context.Context, job *QueryJob, candidateSQL string) (types.ValidationResult, error) {
			// By the time wave 2 (DB) runs, the scheduler has already flushed
			// progress.json once for wave 1 -- read it here to confirm the
			// flush happened between waves, not only at cohort end.
			data, err := os.ReadFile(filepath.Join(dir, "progress.json"))
			require.NoError(t, err, "progress.json must exist after wave 1, not only at cohort end")
			var p Progress
			require.NoError(t, json.Unmarshal(data, &p))
			waveOnDiskDuringWave2 = p.Wave
			return types.ValidationResult{Status: types.StatusPass, RowsMatch: true, ChecksumMatch: true, Speedup: 1.0}, nil
		},
	}

	_, err := s.RunCohort(context.Background(), jobs, hooks)
	require.NoError(t, err)
	require.Equal(t, 1, waveOnDiskDuringWave2, "progress.json on disk during wave 2 must still show wave=1, proving a flush happened right after wave 1 completed")
}

func TestFlushCheckpointWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(1, 1, dir, true, false)
	s.flushCheckpoint(map[string]bool{"q1": true, "q2": true})

	data, err := os.ReadFile(filepath.Join(dir, "checkpoint.json"))
	require.NoError(t, err)
	var cp Checkpoint
	require.NoError(t, json.Unmarshal(data, &cp))
	require.ElementsMatch(t, []string{"q1", "q2"}, cp.Completed)

	_, err = os.Stat(filepath.Join(dir, "checkpoint.json.tmp"))
	require.True(t, os.IsNotExist(err), "temp file must be renamed away, not left behind")
}

func TestResumeSkipsCheckpointedAndOnDiskResults(t *testing.T) {
	dir := t.TempDir()
	cp := Checkpoint{Completed: []string{"q1"}}
	data, _ := json.Marshal(cp)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint.json"), data, 0644))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "q2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "q2", "result.json"), []byte(`{}`), 0644))

	jobs := []*QueryJob{{QueryID: "q1"}, {QueryID: "q2"}, {QueryID: "q3"}}
	s := NewScheduler(1, 1, dir, true, true)

	proposed := map[string]bool{}
	hooks := Hooks{
		Propose: func(ctx context.Context, job *QueryJob, attempt int) ([]string, error) {
			proposed[job.QueryID] = true
			return []string{"x"}, nil
		},
	}

	_, err := s.RunCohort(context.Background(), jobs, hooks)
	require.NoError(t, err)
	require.False(t, proposed["q1"], "q1 is in checkpoint.json, must be skipped")
	require.False(t, proposed["q2"], "q2 has an on-disk result.json, must be skipped")
	require.True(t, proposed["q3"])
}
