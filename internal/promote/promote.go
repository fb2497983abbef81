// Package promote implements the Auto-Promoter & Tag Index (spec.md
// §4.I): deterministic tag extraction over gold/regression examples,
// Jaccard-scored retrieval with a fuzzy tie-break, and the promotion gate
// that writes/updates gold example files when a candidate's speedup beats
// the file's recorded verified_speedup.
package promote

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"qtorque/internal/logging"
	"qtorque/internal/sqlast"
	"qtorque/internal/types"
)

// structuralKeywords are the fixed structural tags checked against a
// query's SQL text (spec.md's "tag index" over keyword/table tags,
// SPEC_FULL.md §4.I expansion).
var structuralKeywords = []string{"cte", "subquery", "union", "or", "correlated", "window"}

var reWord = regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)

// TagSet is the deterministic tag vocabulary extracted from one query's
// SQL: lower-cased table identifiers, lower-cased selected/filter column
// identifiers, and any present structural keywords.
type TagSet map[string]bool

// ExtractTags derives a TagSet from sql using the scope scanner's table
// and column extraction plus a structural-keyword scan (SPEC_FULL.md
// §4.I "Tag extraction").
func ExtractTags(parser sqlast.Parser, sql string) TagSet {
	tags := TagSet{}
	dag, err := parser.Parse(sql)
	if err == nil && dag != nil {
		for _, n := range dag.Nodes {
			for _, t := range n.Tables {
				tags[strings.ToLower(t)] = true
			}
			for _, c := range n.SelectedCols {
				for _, w := range reWord.FindAllString(c, -1) {
					tags[strings.ToLower(w)] = true
				}
			}
			for _, f := range n.Filters {
				for _, w := range reWord.FindAllString(f, -1) {
					tags[strings.ToLower(w)] = true
				}
			}
		}
	}
	upper := strings.ToUpper(sql)
	for _, kw := range structuralKeywords {
		switch kw {
		case "or":
			if strings.Contains(upper, " OR ") {
				tags["or"] = true
			}
		case "union":
			if strings.Contains(upper, "UNION") {
				tags["union"] = true
			}
		case "cte":
			if strings.Contains(upper, "WITH ") {
				tags["cte"] = true
			}
		case "subquery":
			if strings.Count(sql, "(") > strings.Count(upper, "WITH ") {
				tags["subquery"] = true
			}
		case "correlated":
			// set below from the dag's EdgeCorrelated edges: structural
			// correlation needs the parsed scopes, not a text scan.
		case "window":
			if strings.Contains(upper, "OVER (") || strings.Contains(upper, "OVER(") {
				tags["window"] = true
			}
		}
	}
	if dag, err := parser.Parse(sql); err == nil && dag != nil {
		for _, e := range dag.Edges {
			if e.Kind == types.EdgeCorrelated {
				tags["correlated"] = true
			}
		}
	}
	return tags
}

// jaccard computes |a ∩ b| / |a ∪ b|, 0 when both sets are empty.
func jaccard(a, b TagSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// TagIndex is the durable similarity_tags.json structure (spec.md §6):
// example id -> tag set.
type TagIndex struct {
	Tags map[string]TagSet `json:"tags"`
}

// LoadTagIndex reads a TagIndex file, returning an empty index if it does
// not yet exist.
func LoadTagIndex(path string) (*TagIndex, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &TagIndex{Tags: map[string]TagSet{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promote: read %s: %w", path, err)
	}
	var idx TagIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("promote: parse %s: %w", path, err)
	}
	if idx.Tags == nil {
		idx.Tags = map[string]TagSet{}
	}
	return &idx, nil
}

// Save writes the index via write-then-rename.
func (idx *TagIndex) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("promote: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("promote: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("promote: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// Reindex rebuilds the tag index over every gold/regression example
// (spec.md §4.H Phase 5).
func Reindex(parser sqlast.Parser, examples []types.GoldExample) *TagIndex {
	idx := &TagIndex{Tags: map[string]TagSet{}}
	for _, ex := range examples {
		idx.Tags[ex.ID] = ExtractTags(parser, ex.Example.InputSlice)
	}
	return idx
}

// ScoredExample is one ranked retrieval result.
type ScoredExample struct {
	Example types.GoldExample
	Score   float64
}

// Retrieve scores examples against queryTags by Jaccard overlap, breaking
// ties by highest verified_speedup, then by a fuzzy match of the query's
// tags (joined) against the example's description as a final
// deterministic tiebreak (spec.md §4.I, SPEC_FULL.md §4.I "Tag
// extraction"). matched (score > 0) examples sort before zero-score
// examples, satisfying the "matched examples first, then the remaining
// examples by score desc" ordering contract.
func Retrieve(idx *TagIndex, queryTags TagSet, examples []types.GoldExample) []ScoredExample {
	queryBlob := strings.Join(sortedKeys(queryTags), " ")

	scored := make([]ScoredExample, len(examples))
	for i, ex := range examples {
		exTags := idx.Tags[ex.ID]
		scored[i] = ScoredExample{Example: ex, Score: jaccard(queryTags, exTags)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Example.VerifiedSpeedup != scored[j].Example.VerifiedSpeedup {
			return scored[i].Example.VerifiedSpeedup > scored[j].Example.VerifiedSpeedup
		}
		return fuzzyRank(queryBlob, scored[i].Example.Description) > fuzzyRank(queryBlob, scored[j].Example.Description)
	})
	return scored
}

func fuzzyRank(query, target string) int {
	matches := fuzzy.Find(query, []string{target})
	if len(matches) == 0 {
		return 0
	}
	return matches[0].Score
}

func sortedKeys(tags TagSet) []string {
	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Cursor advances example selection across retries without re-showing a
// previously failing example until the pool is exhausted (spec.md §4.I
// "retries ... advance a cursor by examples_per_prompt").
type Cursor struct {
	pos int
}

// Next returns the next examplesPerPrompt examples from ranked, advancing
// the cursor; wraps around (re-showing from the start) once the whole
// pool has been exhausted.
func (c *Cursor) Next(ranked []ScoredExample, examplesPerPrompt int) []types.GoldExample {
	if len(ranked) == 0 || examplesPerPrompt <= 0 {
		return nil
	}
	out := make([]types.GoldExample, 0, examplesPerPrompt)
	for i := 0; i < examplesPerPrompt; i++ {
		idx := (c.pos + i) % len(ranked)
		out = append(out, ranked[idx].Example)
	}
	c.pos = (c.pos + examplesPerPrompt) % len(ranked)
	return out
}

// Promote implements Phase 4 (spec.md §4.H Phase 4 / §4.I): writes or
// updates the gold example file for transformID iff candidateSpeedup
// exceeds the file's recorded verified_speedup (or the file doesn't
// exist yet), and the candidate passed equivalence. Promote does not read
// the bootstrap setting; bootstrap only lifts the min_promote_speedup
// check in the orchestrator's promotion loop, so this equivalence gate
// always applies.
func Promote(dir, transformID string, candidate types.GoldExample, candidateSpeedup float64, rowsMatch bool) (bool, error) {
	log := logging.Sugared(logging.CategoryPromote)
	if !rowsMatch {
		return false, nil
	}
	path := filepath.Join(dir, transformID+".json")

	existing, err := loadGoldExample(path)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.VerifiedSpeedup >= candidateSpeedup {
		log.Debugw("promotion skipped: existing example already at or above candidate speedup", "transform", transformID, "existing", existing.VerifiedSpeedup, "candidate", candidateSpeedup)
		return false, nil
	}

	candidate.VerifiedSpeedup = candidateSpeedup
	if err := saveGoldExample(path, candidate); err != nil {
		return false, err
	}
	log.Infow("promoted gold example", "transform", transformID, "speedup", candidateSpeedup)
	return true, nil
}

func loadGoldExample(path string) (*types.GoldExample, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("promote: read %s: %w", path, err)
	}
	var ex types.GoldExample
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("promote: parse %s: %w", path, err)
	}
	return &ex, nil
}

func saveGoldExample(path string, ex types.GoldExample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("promote: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return fmt.Errorf("promote: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("promote: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
