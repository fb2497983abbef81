// Package validate implements the Validator (spec.md §4.E): correctness
// checking via row-count and order-insensitive checksum equivalence,
// followed by interleaved trimmed-mean timing and optional config-boosted
// variant benchmarking.
package validate

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"qtorque/internal/logging"
	"qtorque/internal/types"
)

// BoostVariant is a named set of SET LOCAL-style hints benchmarked as an
// alternative to the plain candidate (spec.md §4.E step 4).
type BoostVariant struct {
	Name   string
	Config map[string]string
}

// Options configures one validate() call.
type Options struct {
	Rounds   int // R in {3,5}; defaults to 3
	Timeout  time.Duration
	Boosts   []BoostVariant
}

// Validator executes original/candidate SQL on a QueryRunner and buckets
// the outcome (spec.md §4.E).
type Validator struct {
	Runner types.QueryRunner
}

// New constructs a Validator against runner.
func New(runner types.QueryRunner) *Validator {
	return &Validator{Runner: runner}
}

// Validate implements validate(original_sql, candidate_sql) ->
// ValidationResult.
func (v *Validator) Validate(ctx context.Context, originalSQL, candidateSQL string, opts Options) types.ValidationResult {
	log := logging.Sugared(logging.CategoryValidate)
	rounds := opts.Rounds
	if rounds != 3 && rounds != 5 {
		rounds = 3
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	origResult, err := v.Runner.Execute(ctx, originalSQL)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.ValidationResult{Status: types.StatusTimeout, Error: err.Error()}
		}
		return types.ValidationResult{Status: types.StatusFailError, Error: "original query failed: " + err.Error()}
	}

	candResult, err := v.Runner.Execute(ctx, candidateSQL)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.ValidationResult{Status: types.StatusTimeout, Error: err.Error()}
		}
		return types.ValidationResult{Status: types.StatusFailError, Error: err.Error()}
	}

	rowsMatch := origResult.RowsOut == candResult.RowsOut
	checksumMatch := false
	if rowsMatch {
		origSum, err1 := v.Runner.Checksum(origResult.Rows)
		candSum, err2 := v.Runner.Checksum(candResult.Rows)
		if err1 != nil || err2 != nil {
			return types.ValidationResult{Status: types.StatusFailError, Error: "checksum failed"}
		}
		checksumMatch = bytes.Equal(origSum, candSum)
	}
	if !rowsMatch || !checksumMatch {
		return types.ValidationResult{
			Status:        types.StatusFailRows,
			RowsMatch:     rowsMatch,
			ChecksumMatch: checksumMatch,
		}
	}

	origMS, candMS, err := v.interleavedBenchmark(ctx, originalSQL, candidateSQL, rounds)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.ValidationResult{Status: types.StatusTimeout, Error: err.Error()}
		}
		return types.ValidationResult{Status: types.StatusFailError, Error: err.Error()}
	}

	bestCandMS := candMS
	var bestBoost map[string]string
	for _, boost := range opts.Boosts {
		if err := v.Runner.SetSession(ctx, boost.Config); err != nil {
			log.Warnw("boost variant session setup failed, skipping", "variant", boost.Name, "error", err)
			continue
		}
		_, boostedMS, err := v.interleavedBenchmark(ctx, originalSQL, candidateSQL, rounds)
		_ = v.Runner.SetSession(ctx, nil)
		if err != nil {
			log.Warnw("boost variant benchmark failed, skipping", "variant", boost.Name, "error", err)
			continue
		}
		if boostedMS < bestCandMS {
			bestCandMS = boostedMS
			bestBoost = boost.Config
		}
	}

	speedup := speedupOf(origMS, bestCandMS)
	result := types.ValidationResult{
		Status:        types.StatusPass,
		RowsMatch:     true,
		ChecksumMatch: true,
		OriginalMS:    origMS,
		OptimizedMS:   bestCandMS,
		Speedup:       speedup,
		BoostConfig:   bestBoost,
	}
	return result
}

func speedupOf(originalMS, candidateMS float64) float64 {
	if candidateMS <= 0 {
		return math.Inf(1)
	}
	return originalMS / candidateMS
}

// interleavedBenchmark runs rounds of (original, candidate) alternating,
// discards the first round per side as warmup, and returns the trimmed
// mean of each side (spec.md §4.E step 2: drop min/max when rounds >= 5,
// else a simple mean of the remaining samples).
func (v *Validator) interleavedBenchmark(ctx context.Context, originalSQL, candidateSQL string, rounds int) (origMS, candMS float64, err error) {
	origSamples := make([]float64, 0, rounds)
	candSamples := make([]float64, 0, rounds)

	for r := 0; r < rounds; r++ {
		oRes, err := v.Runner.Execute(ctx, originalSQL)
		if err != nil {
			return 0, 0, err
		}
		cRes, err := v.Runner.Execute(ctx, candidateSQL)
		if err != nil {
			return 0, 0, err
		}
		if r == 0 {
			continue // warmup round, discarded per side
		}
		origSamples = append(origSamples, oRes.DurationMS)
		candSamples = append(candSamples, cRes.DurationMS)
	}

	return trimmedMean(origSamples, rounds), trimmedMean(candSamples, rounds), nil
}

// trimmedMean drops the min and max sample when the configured round
// count is >= 5, otherwise returns the simple mean.
func trimmedMean(samples []float64, rounds int) float64 {
	if len(samples) == 0 {
		return 0
	}
	if rounds < 5 || len(samples) < 3 {
		return mean(samples)
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	trimmed := sorted[1 : len(sorted)-1]
	return mean(trimmed)
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
