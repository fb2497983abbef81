package search

import (
	"context"
	"math"
	"sync"

	"qtorque/internal/config"
	"qtorque/internal/logging"
	"qtorque/internal/rewrite"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
	"qtorque/internal/validate"
)

// maxReward caps the reward a single validated rewrite can contribute
// (spec.md §4.F "speedup >= 2.0 -> min(speedup, MAX_REWARD=5)").
const maxReward = 5.0

// firstPlayUrgency is the Q value assigned to an unvisited child during
// PUCT selection (spec.md §4.F: "Q is the child's avg reward (or FPU when
// unvisited)"). The spec does not pin an exact value; 0 is the
// conservative choice recorded in DESIGN.md's open-question ledger.
const firstPlayUrgency = 0.0

// Engine drives one query's MCTS search over the transform registry
// (spec.md §4.F).
type Engine struct {
	Tree         *Tree
	Config       *config.Config
	Transforms   []types.Transform
	Applicator   *rewrite.Applicator
	Validator    *validate.Validator
	Parser       sqlast.Parser
	Completer    types.Completer // optional; nil disables LLM ranking
	GoldExamples []types.GoldExample
	Plan         *types.OptimizationContext
	ValidateOpts validate.Options
}

// NewEngine constructs a search engine rooted at rootSQL.
func NewEngine(rootSQL string, cfg *config.Config, transforms []types.Transform, applicator *rewrite.Applicator, validator *validate.Validator, parser sqlast.Parser, completer types.Completer) *Engine {
	return &Engine{
		Tree:       NewTree(rootSQL),
		Config:     cfg,
		Transforms: transforms,
		Applicator: applicator,
		Validator:  validator,
		Parser:     parser,
		Completer:  completer,
	}
}

// Run executes the search loop until termination (spec.md §4.F
// "Termination") and returns the node maximizing visit count among valid
// descendants, tiebroken by highest avg_reward then shortest path.
func (e *Engine) Run(ctx context.Context) *Node {
	log := logging.Sugared(logging.CategorySearch)
	bestSpeedup := 0.0
	noImprove := 0

	maxIter := e.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}

	for iter := 0; iter < maxIter; iter++ {
		select {
		case <-ctx.Done():
			log.Infow("search canceled", "iteration", iter)
			return e.BestDescendant()
		default:
		}

		node, ok := e.selectForExpansion()
		if !ok {
			log.Infow("search converged: tree fully exhausted", "iteration", iter)
			break
		}

		untried := e.untriedTransforms(node)
		if len(untried) == 0 {
			break
		}

		priors := e.computePriors(ctx, node, untried)
		batchSize := e.Config.NumParallel
		if batchSize < 1 {
			batchSize = 1
		}
		batch := topNByPrior(untried, priors, batchSize)

		children := e.expandBatch(ctx, node, batch, priors)

		improved := false
		for _, child := range children {
			reward := RewardFor(child)
			e.backprop(child, reward)
			if child.Valid && child.LastResult != nil && child.LastResult.Speedup > bestSpeedup {
				bestSpeedup = child.LastResult.Speedup
				improved = true
			}
		}

		if improved {
			noImprove = 0
		} else {
			noImprove++
		}

		earlyStop := e.Config.EarlyStopSpeedup
		if earlyStop <= 0 {
			earlyStop = 3.0
		}
		if bestSpeedup >= earlyStop {
			log.Infow("search early-stopped", "speedup", bestSpeedup, "iteration", iter)
			break
		}

		patience := e.Config.ConvergencePatience
		if patience <= 0 {
			patience = 10
		}
		if noImprove >= patience {
			log.Infow("search converged: patience exhausted", "iteration", iter)
			break
		}
	}

	return e.BestDescendant()
}

// untriedTransforms returns the enabled transforms not yet applied as a
// child of node.
func (e *Engine) untriedTransforms(n *Node) []types.Transform {
	var out []types.Transform
	for _, t := range e.Transforms {
		if !t.Enabled {
			continue
		}
		if _, ok := n.Children[t.ID]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

// isExhausted reports whether no further expansion is possible at or
// beneath n: max depth reached, or every candidate has a child and every
// child is itself exhausted (spec.md §4.F "Safety: max depth bound").
func (e *Engine) isExhausted(n *Node) bool {
	maxDepth := e.Config.MaxDepth
	if maxDepth < 0 {
		maxDepth = 5
	}
	if n.Depth >= maxDepth {
		return true
	}
	if len(e.untriedTransforms(n)) > 0 {
		return false
	}
	if len(n.Children) == 0 {
		return true
	}
	for _, idx := range n.Children {
		if !e.isExhausted(e.Tree.Nodes[idx]) {
			return false
		}
	}
	n.Expanded = true
	return true
}

// selectForExpansion descends from the root via PUCT through fully
// expanded, non-exhausted nodes until it reaches a node with an untried
// transform, per spec.md §4.F "Selection".
func (e *Engine) selectForExpansion() (*Node, bool) {
	node := e.Tree.Nodes[0]
	for {
		if e.isExhausted(node) {
			return nil, false
		}
		if len(e.untriedTransforms(node)) > 0 {
			return node, true
		}
		child := e.selectChildByPUCT(node)
		if child == nil {
			return nil, false
		}
		node = child
	}
}

// selectChildByPUCT picks the child maximizing PUCT(s,a) = Q(s,a) +
// c*P(s,a)*sqrt(N(s))/(1+N(s,a)) among non-exhausted children (spec.md
// §4.F "Selection").
func (e *Engine) selectChildByPUCT(node *Node) *Node {
	cPuct := e.Config.CPuct
	if cPuct <= 0 {
		cPuct = 1.414
	}
	var best *Node
	bestScore := math.Inf(-1)
	for _, idx := range node.Children {
		child := e.Tree.Nodes[idx]
		if e.isExhausted(child) {
			continue
		}
		q := child.AvgReward(firstPlayUrgency)
		score := q + cPuct*child.Prior*math.Sqrt(float64(node.VisitCount))/(1+float64(child.VisitCount))
		if score > bestScore {
			bestScore = score
			best = child
		}
	}
	return best
}

// expandBatch applies each transform in batch concurrently via the
// Applicator (spec.md §4.F "Parallel expansion"), creates a child per
// result, then validates the children sequentially to avoid DB
// contention polluting timings.
func (e *Engine) expandBatch(ctx context.Context, node *Node, batch []types.Transform, priors map[string]float64) []*Node {
	type outcome struct {
		transform types.Transform
		newSQL    string
		err       error
	}
	results := make([]outcome, len(batch))

	var wg sync.WaitGroup
	for i, t := range batch {
		wg.Add(1)
		go func(i int, t types.Transform) {
			defer wg.Done()
			newSQL, err := e.Applicator.Apply(ctx, node.QuerySQL, t, e.Completer, e.GoldExamples, e.Plan)
			results[i] = outcome{transform: t, newSQL: newSQL, err: err}
		}(i, t)
	}
	wg.Wait()

	children := make([]*Node, 0, len(results))
	for _, r := range results {
		failed := r.err != nil
		sql := r.newSQL
		switch {
		case failed:
			sql = node.QuerySQL // no-op/error: child carries the parent's SQL forward, zero remaining transforms
		case e.Tree.VisitedHashes[StateHash(sql)]:
			// Cycle: this rewrite reaches a state already reached elsewhere in
			// the tree (spec.md §4.F "Safety: cycle avoidance by state_hash").
			// Treat like a failed expansion rather than re-validating a
			// duplicate state under a new node.
			failed = true
			sql = node.QuerySQL
		}
		child := e.Tree.AddChild(node, r.transform.ID, sql, priors[r.transform.ID], failed)
		children = append(children, child)
	}

	rootSQL := e.Tree.Nodes[0].QuerySQL
	for _, child := range children {
		if child.Failed {
			continue
		}
		res := e.Validator.Validate(ctx, rootSQL, child.QuerySQL, e.ValidateOpts)
		child.LastResult = &res
		child.Valid = res.Status == types.StatusPass
	}
	return children
}

// backprop adds reward to every ancestor's value_sum and increments
// visit_count, including the child itself (spec.md §4.F
// "Backpropagation"). Failed expansions still backprop 0.
func (e *Engine) backprop(child *Node, reward float64) {
	idx := child.Idx
	for idx != -1 {
		n := e.Tree.Nodes[idx]
		n.VisitCount++
		n.ValueSum += reward
		idx = n.Parent
	}
}

// RewardFor implements the reward function (spec.md §4.F "Simulation"):
// status != pass -> 0; speedup >= 2.0 -> min(speedup, 5); speedup >= 1.1
// -> speedup; speedup >= 1.0 -> 0.5; else -> 0.2.
func RewardFor(n *Node) float64 {
	if n.Failed || n.LastResult == nil || n.LastResult.Status != types.StatusPass {
		return 0
	}
	s := n.LastResult.Speedup
	switch {
	case s >= 2.0:
		if s > maxReward {
			return maxReward
		}
		return s
	case s >= 1.1:
		return s
	case s >= 1.0:
		return 0.5
	default:
		return 0.2
	}
}

// BestDescendant returns the valid node maximizing visit count, tiebroken
// by highest avg_reward then shortest path (spec.md §4.F "Termination").
// Falls back to the root when no descendant ever validated.
func (e *Engine) BestDescendant() *Node {
	var best *Node
	for _, n := range e.Tree.Nodes {
		if n.Depth == 0 || !n.Valid {
			continue
		}
		if best == nil || betterCandidate(n, best) {
			best = n
		}
	}
	if best == nil {
		return e.Tree.Nodes[0]
	}
	return best
}

func betterCandidate(a, b *Node) bool {
	if a.VisitCount != b.VisitCount {
		return a.VisitCount > b.VisitCount
	}
	ra, rb := a.AvgReward(0), b.AvgReward(0)
	if ra != rb {
		return ra > rb
	}
	return a.Depth < b.Depth
}
