// Command qtorque is the thin CLI entrypoint wiring Config -> Registry ->
// Orchestrator (spec.md §1 "OUT OF SCOPE: the CLI surface"; SPEC_FULL.md
// names this glue explicitly). Grounded on blackcoderx-falcon's
// cmd/falcon cobra root command plus subcommands (a pack repo, not the
// teacher), adapted from falcon's single
// request-execution mode to qtorque's run/promote/reindex/leaderboard
// verbs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"qtorque/internal/config"
	"qtorque/internal/dbrunner"
	"qtorque/internal/llm"
	"qtorque/internal/logging"
	"qtorque/internal/orchestrator"
	"qtorque/internal/promote"
	"qtorque/internal/registry"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

var (
	cfgFile     string
	benchDir    string
	queriesSrc  string
	dbPath      string
	apiKey      string
	geminiModel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qtorque",
		Short: "qtorque turns an LLM oracle + query corpus into a benchmark-verified SQL rewrite optimizer",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (defaults applied if omitted)")
	rootCmd.PersistentFlags().StringVar(&benchDir, "bench-dir", "benchmarks/default", "benchmark output directory (leaderboard, runs, knowledge)")

	rootCmd.AddCommand(runCmd(), promoteCmd(), reindexCmd(), leaderboardCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(cfgFile)
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a query corpus through the search engine and emit the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_ = logging.Init(cfg.LogJSON, cfg.LogLevel)

			queries, err := loadQueries(queriesSrc)
			if err != nil {
				return fmt.Errorf("load queries: %w", err)
			}

			runner, err := dbrunner.NewSQLiteRunner(dbPathOrDefault())
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}

			if apiKey == "" {
				return fmt.Errorf("no Gemini API key: pass --gemini-api-key or set GEMINI_API_KEY")
			}
			completer, err := llm.NewGenAICompleter(context.Background(), apiKey, geminiModel)
			if err != nil {
				return fmt.Errorf("init completer: %w", err)
			}

			reg := registry.NewSeeded()
			goldExamples, err := loadGoldExamples(filepath.Join(benchDir, "..", "..", "examples", string(cfg.EngineDialect)))
			if err != nil {
				return fmt.Errorf("load gold examples: %w", err)
			}

			o := &orchestrator.Orchestrator{
				Config:       cfg,
				Transforms:   reg.Enabled(),
				Parser:       sqlast.NewScopeScanner(),
				Completer:    completer,
				Runner:       runner,
				GoldExamples: goldExamples,
				BenchDir:     benchDir,
			}

			board, err := o.RunCohort(cmd.Context(), queries)
			if err != nil {
				return err
			}
			fmt.Printf("run complete: %d queries, status counts %v\n", len(queries), board.StatusCounts)
			return nil
		},
	}
	cmd.Flags().StringVar(&queriesSrc, "queries", "", "path to a JSON file of [{\"id\":...,\"sql\":...}] corpus entries")
	cmd.Flags().StringVar(&dbPath, "db", ":memory:", "SQLite database path for the reference QueryRunner")
	cmd.Flags().StringVar(&apiKey, "gemini-api-key", os.Getenv("GEMINI_API_KEY"), "Gemini API key (falls back to $GEMINI_API_KEY)")
	cmd.Flags().StringVar(&geminiModel, "gemini-model", "", "Gemini model name (defaults to the completer's built-in default)")
	_ = cmd.MarkFlagRequired("queries")
	return cmd
}

func promoteCmd() *cobra.Command {
	var transformID string
	var speedup float64
	var rowsMatch bool
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Manually promote a verified rewrite to a gold example",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := filepath.Join(benchDir, "..", "..", "examples", string(cfg.EngineDialect))
			candidate := types.GoldExample{ID: transformID, Name: transformID}
			promoted, err := promote.Promote(dir, transformID, candidate, speedup, rowsMatch)
			if err != nil {
				return err
			}
			fmt.Printf("promoted=%v\n", promoted)
			return nil
		},
	}
	cmd.Flags().StringVar(&transformID, "transform", "", "transform id to promote")
	cmd.Flags().Float64Var(&speedup, "speedup", 0, "verified speedup of the candidate")
	cmd.Flags().BoolVar(&rowsMatch, "rows-match", true, "whether the candidate passed the equivalence gate")
	_ = cmd.MarkFlagRequired("transform")
	return cmd
}

func reindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the similarity tag index over every gold example",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			parser := sqlast.NewScopeScanner()
			examplesDir := filepath.Join(benchDir, "..", "..", "examples", string(cfg.EngineDialect))
			examples, err := loadGoldExamples(examplesDir)
			if err != nil {
				return fmt.Errorf("load gold examples: %w", err)
			}
			idx := promote.Reindex(parser, examples)
			tagIndexPath := filepath.Join(benchDir, "..", "..", "models", "similarity_tags.json")
			if err := idx.Save(tagIndexPath); err != nil {
				return err
			}
			fmt.Printf("reindexed %d examples -> %s\n", len(examples), tagIndexPath)
			return nil
		},
	}
	return cmd
}

func leaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the current cohort leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filepath.Join(benchDir, "leaderboard.json"))
			if err != nil {
				return fmt.Errorf("read leaderboard: %w", err)
			}
			fmt.Println(string(data))
			return nil
		},
	}
	return cmd
}

func dbPathOrDefault() string {
	if dbPath == "" {
		return ":memory:"
	}
	return dbPath
}

func loadQueries(path string) ([]orchestrator.Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID  string `json:"id"`
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]orchestrator.Query, len(raw))
	for i, r := range raw {
		out[i] = orchestrator.Query{ID: r.ID, SQL: r.SQL}
	}
	return out, nil
}

func loadGoldExamples(dir string) ([]types.GoldExample, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []types.GoldExample
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var ex types.GoldExample
		if err := json.Unmarshal(data, &ex); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		out = append(out, ex)
	}
	return out, nil
}
