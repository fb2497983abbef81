// Package config holds the single Config struct qtorque is driven by
// (spec.md §6) plus the ambient knobs a complete repo needs (run naming,
// engine dialect, logging). All knobs live in one struct with defaults; no
// hidden globals (spec.md §9 design notes).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineDialect names the target engine. qtorque never translates a query
// across dialects (spec.md §1 Non-goals); the dialect only selects the
// examples/<dialect> directory that gold examples are loaded from and
// promoted into.
type EngineDialect string

const (
	DialectDuckDB   EngineDialect = "duckdb"
	DialectPostgres EngineDialect = "postgres"
	DialectSnowflake EngineDialect = "snowflake"
)

// Config is the single source of truth for every tunable knob spec.md §6
// enumerates, plus the ambient fields SPEC_FULL.md §3 adds.
type Config struct {
	// Concurrency (spec.md §6, §4.G)
	APISlots int `yaml:"api_slots"`
	DBSlots  int `yaml:"db_slots"`

	// Search (spec.md §6, §4.F)
	MaxIterations       int     `yaml:"max_iterations"`
	TargetSpeedup       float64 `yaml:"target_speedup"`
	EarlyStopSpeedup    float64 `yaml:"early_stop_speedup"`
	ConvergencePatience int     `yaml:"convergence_patience"`
	CPuct               float64 `yaml:"c_puct"`
	MaxDepth            int     `yaml:"max_depth"`
	UsePUCT             bool    `yaml:"use_puct"`
	UseOpportunityDetection bool `yaml:"use_opportunity_detection"`
	UseLLMRanking       bool    `yaml:"use_llm_ranking"`
	LLMTimeoutMS        int     `yaml:"llm_timeout_ms"`
	NumParallel         int     `yaml:"num_parallel"`

	// Promotion (spec.md §6, §4.I)
	MinPromoteSpeedup float64 `yaml:"min_promote_speedup"`
	Bootstrap         bool    `yaml:"bootstrap"`

	// Scheduling modes (spec.md §6, §4.G)
	APIOnly bool `yaml:"api_only"`
	Resume  bool `yaml:"resume"`

	// Output contract (spec.md §6)
	OutputContract bool `yaml:"output_contract"`

	// Ambient (SPEC_FULL.md §3)
	RunName       string        `yaml:"run_name"`
	Dataset       string        `yaml:"dataset"`
	EngineDialect EngineDialect `yaml:"engine_dialect"`
	LogLevel      string        `yaml:"log_level"`
	LogJSON       bool          `yaml:"log_json"`
}

// Default returns the documented defaults (spec.md §6): early_stop_speedup
// 3.0, convergence_patience 10, c_puct 1.414, max_depth 5,
// min_promote_speedup 2.0, db_slots 8.
func Default() Config {
	return Config{
		APISlots:                4,
		DBSlots:                 8,
		MaxIterations:           50,
		TargetSpeedup:           2.0,
		EarlyStopSpeedup:        3.0,
		ConvergencePatience:     10,
		CPuct:                   1.414,
		MaxDepth:                5,
		UsePUCT:                 true,
		UseOpportunityDetection: true,
		UseLLMRanking:           true,
		LLMTimeoutMS:            5000,
		NumParallel:             1,
		MinPromoteSpeedup:       2.0,
		Bootstrap:               false,
		APIOnly:                 false,
		Resume:                  false,
		OutputContract:          false,
		EngineDialect:           DialectDuckDB,
		LogLevel:                "info",
		LogJSON:                 false,
	}
}

// Load reads a YAML config file and overlays it onto Default(), mirroring
// the teacher's regression.LoadBattery shape (os.ReadFile + yaml.Unmarshal
// + wrapped error). Config *loading* is ambient glue; the CLI surface that
// invokes it is out of scope per spec.md §1.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
