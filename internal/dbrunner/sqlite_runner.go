// Package dbrunner implements the reference QueryRunner (SPEC_FULL.md
// §4.L): a modernc.org/sqlite-backed engine so the Validator and Wave
// Scheduler can be exercised end to end without a live
// DuckDB/Postgres/Snowflake connection. Grounded on the teacher's
// internal/store.LocalStore sql.Open + PRAGMA setup pattern, adapted from
// a KV/vector store to an ad hoc SQL query runner.
package dbrunner

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"qtorque/internal/logging"
	"qtorque/internal/types"
)

// SQLiteRunner implements types.QueryRunner over an in-process SQLite
// database (pure Go driver, no cgo).
type SQLiteRunner struct {
	db *sql.DB
}

// NewSQLiteRunner opens path (use ":memory:" for ephemeral test databases)
// with the same busy-timeout/WAL pragmas the teacher's local store uses
// for single-writer durability.
func NewSQLiteRunner(path string) (*SQLiteRunner, error) {
	log := logging.Sugared(logging.CategoryDB)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbrunner: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debugw("set busy_timeout failed", "error", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debugw("set journal_mode=WAL failed", "error", err)
	}
	return &SQLiteRunner{db: db}, nil
}

// Close releases the underlying connection.
func (r *SQLiteRunner) Close() error {
	return r.db.Close()
}

// Execute runs sql and returns its rows plus wall-clock duration (spec.md
// §6 "execute(sql, deadline) -> (rows, stats)").
func (r *SQLiteRunner) Execute(ctx context.Context, query string) (*types.ExecResult, error) {
	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dbrunner: execute: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dbrunner: columns: %w", err)
	}

	var values [][]string
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("dbrunner: scan: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = fmt.Sprintf("%v", v)
		}
		values = append(values, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dbrunner: row iteration: %w", err)
	}

	elapsed := time.Since(start)
	return &types.ExecResult{
		Rows:       &types.Rows{Columns: cols, Values: values},
		DurationMS: float64(elapsed.Microseconds()) / 1000.0,
		RowsOut:    len(values),
	}, nil
}

// ExplainAnalyze parses SQLite's flat `EXPLAIN QUERY PLAN` output (id,
// parent, notused, detail columns) into the PlanNode tree spec.md §4.C
// expects. SQLite does not report row estimates or per-operator timing,
// so EstRows/Rows/TimeMS are left at their zero value on non-root nodes;
// the Plan Analyzer's cost_pct math degrades gracefully to 0 on such
// nodes rather than failing.
func (r *SQLiteRunner) ExplainAnalyze(ctx context.Context, query string) (*types.PlanNode, error) {
	start := time.Now()
	execResult, err := r.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	totalMS := float64(time.Since(start).Microseconds()) / 1000.0

	rows, err := r.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query)
	if err != nil {
		return nil, fmt.Errorf("dbrunner: explain query plan: %w", err)
	}
	defer rows.Close()

	type rawNode struct {
		id, parent int
		detail     string
	}
	var raw []rawNode
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			return nil, fmt.Errorf("dbrunner: scan plan row: %w", err)
		}
		raw = append(raw, rawNode{id: id, parent: parent, detail: detail})
	}

	root := &types.PlanNode{Operator: "QUERY PLAN", Rows: execResult.RowsOut, TimeMS: totalMS}
	byID := map[int]*types.PlanNode{0: root}
	order := make([]int, 0, len(raw))
	for _, rn := range raw {
		order = append(order, rn.id)
	}
	sort.Ints(order)

	for _, rn := range raw {
		node := &types.PlanNode{Operator: planOperatorName(rn.detail), Table: planTableName(rn.detail), Filter: rn.detail}
		byID[rn.id] = node
		parent, ok := byID[rn.parent]
		if !ok {
			parent = root
		}
		parent.Children = append(parent.Children, node)
	}
	return root, nil
}

func planOperatorName(detail string) string {
	upper := strings.ToUpper(detail)
	switch {
	case strings.HasPrefix(upper, "SEARCH"):
		return "SEARCH"
	case strings.HasPrefix(upper, "SCAN"):
		return "SCAN"
	case strings.Contains(upper, "USING TEMP B-TREE"):
		return "SORT"
	default:
		return "PLAN"
	}
}

func planTableName(detail string) string {
	fields := strings.Fields(detail)
	for i, f := range fields {
		if (f == "SCAN" || f == "SEARCH" || f == "TABLE") && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// Checksum computes an order-insensitive digest over rows: the sum (mod
// 2^64) of a per-row FNV-1a hash, so row permutations produce the same
// checksum (spec.md §6 "checksum must be order-insensitive (multiset
// equality)"). Summation, not XOR, is deliberate: XOR-combining two equal
// row hashes cancels to zero, making a duplicated row indistinguishable
// from that row being absent entirely; addition preserves duplicate
// counts since h+h = 2h rather than 0.
func (r *SQLiteRunner) Checksum(rows *types.Rows) ([]byte, error) {
	var acc uint64
	for _, row := range rows.Values {
		h := fnv1aString(fnv1aInit, strings.Join(row, "\x1f"))
		acc += h
	}
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(acc >> (8 * i))
	}
	return out, nil
}

const (
	fnv1aInit  uint64 = 14695981039346656037
	fnv1aPrime uint64 = 1099511628211
)

func fnv1aString(h uint64, s string) uint64 {
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnv1aPrime
	}
	return h
}

// SetSession applies session-scoped PRAGMA options for config-boosted
// variant benchmarking (spec.md §4.E step 4). A nil/empty options map
// resets cache_size to SQLite's default (-2000); other PRAGMAs set by an
// earlier call are left as they are. Keys are used verbatim as PRAGMA names, values as
// their arguments: SQLite has no SET LOCAL equivalent, so qtorque's
// config-boost variants targeting SQLite use PRAGMA names as their keys
// (e.g. "cache_size", "temp_store").
func (r *SQLiteRunner) SetSession(ctx context.Context, options map[string]string) error {
	if len(options) == 0 {
		_, err := r.db.ExecContext(ctx, "PRAGMA cache_size = -2000")
		return err
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := options[k]
		if _, err := strconv.Atoi(v); err == nil {
			if _, err := r.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", k, v)); err != nil {
				return fmt.Errorf("dbrunner: set session pragma %s: %w", k, err)
			}
			continue
		}
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %q", k, v)); err != nil {
			return fmt.Errorf("dbrunner: set session pragma %s: %w", k, err)
		}
	}
	return nil
}
