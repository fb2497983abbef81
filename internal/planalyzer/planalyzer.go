// Package planalyzer implements the Plan Analyzer (spec.md §4.C): given
// an engine-native EXPLAIN ANALYZE tree, it derives the OptimizationContext
// the Search Engine and Rewriter Applicator reason over.
package planalyzer

import (
	"strings"

	"qtorque/internal/types"
)

const (
	lateJoinSmallThreshold = 1000
	lateJoinBigThreshold   = 100_000
	misestimateMinRows     = 1000
	misestimateMinRatio    = 5.0
)

// Analyze walks a PlanNode tree rooted at root and produces the
// OptimizationContext for queryID (spec.md §4.C). The tree's root TimeMS
// is taken as the query's total execution time.
func Analyze(queryID string, root *types.PlanNode) *types.OptimizationContext {
	ctx := &types.OptimizationContext{QueryID: queryID}
	if root == nil {
		return ctx
	}
	ctx.TotalTimeMS = root.TimeMS

	var walk func(n *types.PlanNode)
	walk = func(n *types.PlanNode) {
		if n == nil {
			return
		}
		ctx.Operators = append(ctx.Operators, types.Operator{
			Name:    n.Operator,
			TimeMS:  n.TimeMS,
			Rows:    n.Rows,
			CostPct: costPct(n.TimeMS, ctx.TotalTimeMS),
		})

		if isScanOperator(n.Operator) && n.Table != "" {
			rowsScanned := n.EstRows
			if rowsScanned == 0 {
				rowsScanned = n.Rows
			}
			selectivity := 1.0
			if rowsScanned > 0 {
				selectivity = float64(n.Rows) / float64(rowsScanned)
			}
			ctx.Scans = append(ctx.Scans, types.ScanInfo{
				Table:       n.Table,
				RowsScanned: rowsScanned,
				RowsOut:     n.Rows,
				Filter:      n.Filter,
				Selectivity: selectivity,
				HasFilter:   n.Filter != "",
			})
		}

		if isJoinOperator(n.Operator) && len(n.Children) == 2 {
			left, right := n.Children[0], n.Children[1]
			ctx.Joins = append(ctx.Joins, types.JoinInfo{
				LeftAlias:  left.Table,
				RightAlias: right.Table,
				LeftRows:   left.Rows,
				RightRows:  right.Rows,
				IsLate:     isLateJoin(left.Rows, right.Rows),
			})
		}

		if m, ok := misestimate(n); ok {
			ctx.Misestimates = append(ctx.Misestimates, m)
		}

		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)

	return ctx
}

func costPct(timeMS, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return timeMS / total * 100
}

func isScanOperator(op string) bool {
	return strings.Contains(strings.ToUpper(op), "SCAN")
}

func isJoinOperator(op string) bool {
	return strings.Contains(strings.ToUpper(op), "JOIN")
}

// isLateJoin reports whether a tiny table (<1000 rows) is joined against a
// huge one (>100k rows) on the other side (spec.md §4.C).
func isLateJoin(leftRows, rightRows int) bool {
	small, big := leftRows, rightRows
	if small > big {
		small, big = big, small
	}
	return small < lateJoinSmallThreshold && big > lateJoinBigThreshold
}

// misestimate reports a cardinality misestimate for n when
// max(est, actual) >= 1000 and the ratio between them is >= 5 (spec.md
// §4.C).
func misestimate(n *types.PlanNode) (types.Misestimate, bool) {
	est, actual := n.EstRows, n.Rows
	if est <= 0 || actual <= 0 {
		return types.Misestimate{}, false
	}
	hi, lo := float64(est), float64(actual)
	if lo > hi {
		hi, lo = lo, hi
	}
	if hi < misestimateMinRows || lo == 0 {
		return types.Misestimate{}, false
	}
	ratio := hi / lo
	if ratio < misestimateMinRatio {
		return types.Misestimate{}, false
	}
	return types.Misestimate{Operator: n.Operator, Est: est, Actual: actual, Ratio: ratio}, true
}
