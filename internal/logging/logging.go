// Package logging provides category-scoped structured logging for qtorque,
// built on go.uber.org/zap (adapted from the teacher's category-per-
// subsystem taxonomy, reimplemented on zap's SugaredLogger instead of the
// teacher's file-per-category writer).
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies the subsystem emitting a log line (spec.md §2
// components).
type Category string

const (
	CategoryRegistry     Category = "registry"
	CategoryAST          Category = "ast"
	CategoryPlan         Category = "plan"
	CategoryRewrite      Category = "rewrite"
	CategoryValidate     Category = "validate"
	CategorySearch       Category = "search"
	CategoryWave         Category = "wave"
	CategoryBlackboard   Category = "blackboard"
	CategoryPromote      Category = "promote"
	CategoryOrchestrator Category = "orchestrator"
	CategoryLLM          Category = "llm"
	CategoryDB           Category = "db"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	initErr error
)

// Init builds the process-wide zap logger. jsonFormat selects the
// production JSON encoder; otherwise a human-readable development encoder
// is used. level is one of debug/info/warn/error.
func Init(jsonFormat bool, level string) error {
	mu.Lock()
	defer mu.Unlock()

	var cfg zap.Config
	if jsonFormat {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build()
	if err != nil {
		initErr = err
		return err
	}
	base = l
	return nil
}

// Sugared returns a category-scoped sugared logger. Init is called with
// sane defaults automatically if it has not run yet, matching the
// teacher's pattern of never hard-failing a caller just because logging
// wasn't configured.
func Sugared(cat Category) *zap.SugaredLogger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l == nil {
		_ = Init(false, "info")
		mu.RLock()
		l = base
		mu.RUnlock()
	}
	if l == nil {
		// Init failed; fall back to a no-op logger rather than panic.
		l = zap.NewNop()
	}
	return l.Sugar().With("component", string(cat))
}

// Sync flushes buffered log entries; call during shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// WithFields returns a child logger annotated with run/query/worker
// correlation fields, per spec.md's provenance requirements.
func WithFields(cat Category, runID, queryID, workerID string) *zap.SugaredLogger {
	l := Sugared(cat)
	if runID != "" {
		l = l.With("run_id", runID)
	}
	if queryID != "" {
		l = l.With("query_id", queryID)
	}
	if workerID != "" {
		l = l.With("worker_id", workerID)
	}
	return l
}
