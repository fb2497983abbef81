package sqlast

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

func itoa(i int) string { return strconv.Itoa(i) }

func sortStrings(s []string) { sort.Strings(s) }

func trimSQL(sql string) string {
	s := strings.TrimSpace(sql)
	s = strings.TrimSuffix(s, ";")
	return strings.TrimSpace(s)
}

// scanDepths returns, for every byte offset in s, the paren depth at that
// position and whether the position falls inside a quoted string literal.
// depths[len(s)] and inQuote[len(s)] report the final state, used to
// detect unbalanced input.
func scanDepths(s string) (depths []int, inQuote []bool) {
	depths = make([]int, len(s)+1)
	inQuote = make([]bool, len(s)+1)
	depth := 0
	var quoteChar byte
	for i := 0; i < len(s); i++ {
		depths[i] = depth
		inQuote[i] = quoteChar != 0
		c := s[i]
		if quoteChar != 0 {
			if c == quoteChar {
				if i+1 < len(s) && s[i+1] == quoteChar {
					i++
					continue
				}
				quoteChar = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quoteChar = c
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	depths[len(s)] = depth
	inQuote[len(s)] = quoteChar != 0
	return
}

func balancedParens(s string) bool {
	depths, inQuote := scanDepths(s)
	return depths[len(s)] == 0 && !inQuote[len(s)]
}

var (
	reWith     = regexp.MustCompile(`(?i)\bWITH\b`)
	reUnionAll = regexp.MustCompile(`(?i)\bUNION\s+ALL\b`)
	reUnion    = regexp.MustCompile(`(?i)\bUNION\b`)
	reSelect   = regexp.MustCompile(`(?i)\bSELECT\b`)
	reFrom     = regexp.MustCompile(`(?i)\bFROM\b`)
	reJoin     = regexp.MustCompile(`(?i)\bJOIN\b`)
	reWhere    = regexp.MustCompile(`(?i)\bWHERE\b`)
	reAnd      = regexp.MustCompile(`(?i)\bAND\b`)
	reClauseEnd = regexp.MustCompile(`(?i)\b(GROUP\s+BY|ORDER\s+BY|HAVING|LIMIT)\b`)
	reIdent    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*`)
	reAsKw     = regexp.MustCompile(`(?i)^AS\b`)
	reDistinct = regexp.MustCompile(`(?i)^(DISTINCT|ALL)\b`)
)

// topLevelMatches returns the start indices of re's matches that sit at
// paren depth 0 and outside any quoted literal.
func topLevelMatches(s string, re *regexp.Regexp) []int {
	depths, inQuote := scanDepths(s)
	var out []int
	for _, loc := range re.FindAllStringIndex(s, -1) {
		start := loc[0]
		if depths[start] == 0 && !inQuote[start] {
			out = append(out, start)
		}
	}
	return out
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

// findMatchingParen returns the index of the ')' matching the '(' at
// openIdx, or (-1, false) if unbalanced from that point on.
func findMatchingParen(s string, openIdx int) (int, bool) {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return -1, false
}

type cteDef struct {
	alias string
	body  string
}

// splitWithClause separates a leading WITH clause (if present) into its
// CTE definitions and the remaining main-query body.
func splitWithClause(sql string) ([]cteDef, string, bool) {
	withIdx := topLevelMatches(sql, reWith)
	if len(withIdx) == 0 || withIdx[0] != 0 {
		return nil, sql, true
	}

	i := skipSpace(sql, len("WITH"))
	var ctes []cteDef
	for {
		i = skipSpace(sql, i)
		m := reIdent.FindString(sql[i:])
		if m == "" {
			return nil, "", false
		}
		alias := m
		i = skipSpace(sql, i+len(m))
		if loc := reAsKw.FindStringIndex(sql[i:]); loc != nil {
			i = skipSpace(sql, i+loc[1])
		}
		if i >= len(sql) || sql[i] != '(' {
			return nil, "", false
		}
		closeIdx, ok := findMatchingParen(sql, i)
		if !ok {
			return nil, "", false
		}
		body := strings.TrimSpace(sql[i+1 : closeIdx])
		ctes = append(ctes, cteDef{alias: alias, body: body})
		i = skipSpace(sql, closeIdx+1)
		if i < len(sql) && sql[i] == ',' {
			i = skipSpace(sql, i+1)
			continue
		}
		break
	}
	return ctes, strings.TrimSpace(sql[i:]), true
}

// splitTopLevelUnion splits body on top-level UNION / UNION ALL into its
// branches. A body with no top-level UNION returns a single-element
// slice equal to body.
func splitTopLevelUnion(body string) []string {
	idxAll := topLevelMatches(body, reUnionAll)
	idxPlain := topLevelMatches(body, reUnion)
	cut := map[int]int{} // start index -> length consumed
	for _, i := range idxAll {
		loc := reUnionAll.FindStringIndex(body[i:])
		cut[i] = loc[1]
	}
	for _, i := range idxPlain {
		if _, already := cut[i]; already {
			continue
		}
		loc := reUnion.FindStringIndex(body[i:])
		cut[i] = loc[1]
	}
	if len(cut) == 0 {
		return []string{body}
	}
	starts := make([]int, 0, len(cut))
	for s := range cut {
		starts = append(starts, s)
	}
	sort.Ints(starts)

	var branches []string
	prev := 0
	for _, s := range starts {
		branches = append(branches, strings.TrimSpace(body[prev:s]))
		prev = s + cut[s]
	}
	branches = append(branches, strings.TrimSpace(body[prev:]))
	return branches
}

type subqueryMatch struct {
	text   string
	inFrom bool
}

// findTopLevelSubqueries finds parenthesized SELECT statements that are
// direct children of body (not nested inside an already-found subquery;
// those surface when the caller recurses into the returned text).
func findTopLevelSubqueries(body string) []subqueryMatch {
	depths, inQuote := scanDepths(body)
	var out []subqueryMatch
	i := 0
	for i < len(body) {
		if body[i] == '(' && depths[i] == 0 && !inQuote[i] {
			closeIdx, ok := findMatchingParen(body, i)
			if !ok {
				break
			}
			inner := strings.TrimSpace(body[i+1 : closeIdx])
			if reSelect.MatchString(inner) && topLevelMatches(inner, reSelect) != nil {
				out = append(out, subqueryMatch{text: inner, inFrom: precedingContextIsFrom(body, i)})
			}
			i = closeIdx + 1
			continue
		}
		i++
	}
	return out
}

// precedingContextIsFrom reports whether the nearest top-level keyword
// before parenIdx is FROM or JOIN rather than WHERE/SELECT/AND/OR,
// distinguishing a derived table from a scalar/IN/EXISTS subquery.
func precedingContextIsFrom(body string, parenIdx int) bool {
	prefix := body[:parenIdx]
	lastFrom := lastIndexOf(topLevelMatches(prefix, reFrom))
	lastJoin := lastIndexOf(topLevelMatches(prefix, reJoin))
	lastWhere := lastIndexOf(topLevelMatches(prefix, reWhere))
	lastAnd := lastIndexOf(topLevelMatches(prefix, reAnd))
	lastSelect := lastIndexOf(topLevelMatches(prefix, reSelect))

	best := -1
	fromLike := false
	for _, pair := range []struct {
		idx      int
		fromLike bool
	}{
		{lastFrom, true}, {lastJoin, true},
		{lastWhere, false}, {lastAnd, false}, {lastSelect, false},
	} {
		if pair.idx > best {
			best = pair.idx
			fromLike = pair.fromLike
		}
	}
	return fromLike
}

func lastIndexOf(idx []int) int {
	if len(idx) == 0 {
		return -1
	}
	return idx[len(idx)-1]
}

// extractTables collects the base table/CTE names referenced by
// top-level FROM and JOIN clauses (not their aliases: ref-edge detection
// needs the referenced identity, not the local alias). Duplicates are
// kept deliberately: a table appearing twice (a self-join) is a detection
// signal in its own right (detectWindowForSelfJoin). Parenthesized
// derived tables are skipped here; they are captured as their own
// subquery scope.
func extractTables(body string) []string {
	var tables []string
	for _, kwRe := range []*regexp.Regexp{reFrom, reJoin} {
		for _, idx := range topLevelMatches(body, kwRe) {
			loc := kwRe.FindStringIndex(body[idx:])
			i := skipSpace(body, idx+loc[1])
			if i >= len(body) || body[i] == '(' {
				continue
			}
			name := reIdent.FindString(body[i:])
			if name == "" {
				continue
			}
			i = skipSpace(body, i+len(name))
			// dotted schema.table
			if i < len(body) && body[i] == '.' {
				rest := reIdent.FindString(body[i+1:])
				if rest != "" {
					name = rest
					i = skipSpace(body, i+1+len(rest))
				}
			}
			tables = append(tables, name)
		}
	}
	return tables
}

// extractAliases collects the local aliases bound by top-level FROM/JOIN
// clauses (defaulting to the table's own name when unaliased), used to
// detect correlated-subquery references (alias.column) to this scope.
func extractAliases(body string) []string {
	var aliases []string
	seen := map[string]bool{}
	for _, kwRe := range []*regexp.Regexp{reFrom, reJoin} {
		for _, idx := range topLevelMatches(body, kwRe) {
			loc := kwRe.FindStringIndex(body[idx:])
			i := skipSpace(body, idx+loc[1])
			if i >= len(body) || body[i] == '(' {
				continue
			}
			name := reIdent.FindString(body[i:])
			if name == "" {
				continue
			}
			i = skipSpace(body, i+len(name))
			if i < len(body) && body[i] == '.' {
				rest := reIdent.FindString(body[i+1:])
				if rest != "" {
					name = rest
					i = skipSpace(body, i+1+len(rest))
				}
			}
			alias := name
			if loc := reAsKw.FindStringIndex(body[i:]); loc != nil {
				i = skipSpace(body, i+loc[1])
				if a := reIdent.FindString(body[i:]); a != "" {
					alias = a
				}
			} else if a := reIdent.FindString(body[i:]); a != "" && !isReservedKeyword(a) {
				alias = a
			}
			if !seen[alias] {
				seen[alias] = true
				aliases = append(aliases, alias)
			}
		}
	}
	return aliases
}

var reservedKeywords = map[string]bool{
	"WHERE": true, "GROUP": true, "ORDER": true, "HAVING": true, "LIMIT": true,
	"JOIN": true, "ON": true, "INNER": true, "LEFT": true, "RIGHT": true,
	"OUTER": true, "UNION": true, "AND": true, "OR": true,
}

func isReservedKeyword(s string) bool {
	return reservedKeywords[strings.ToUpper(s)]
}

// extractSelectedColumns splits the projection list between the scope's
// own top-level SELECT and FROM into its top-level comma-separated items.
func extractSelectedColumns(body string) []string {
	selIdx := topLevelMatches(body, reSelect)
	fromIdx := topLevelMatches(body, reFrom)
	if len(selIdx) == 0 || len(fromIdx) == 0 {
		return nil
	}
	start := selIdx[0] + len("SELECT")
	end := fromIdx[0]
	if start >= end {
		return nil
	}
	projection := strings.TrimSpace(body[start:end])
	if loc := reDistinct.FindStringIndex(projection); loc != nil {
		projection = strings.TrimSpace(projection[loc[1]:])
	}
	return splitTopLevelComma(projection)
}

// extractFilters splits the scope's own top-level WHERE clause into its
// top-level AND-ed conjuncts.
func extractFilters(body string) []string {
	whereIdx := topLevelMatches(body, reWhere)
	if len(whereIdx) == 0 {
		return nil
	}
	start := whereIdx[0] + len("WHERE")
	end := len(body)
	if loc := topLevelMatches(body[start:], reClauseEnd); len(loc) > 0 {
		end = start + loc[0]
	}
	if unionIdx := topLevelMatches(body[start:], reUnion); len(unionIdx) > 0 && start+unionIdx[0] < end {
		end = start + unionIdx[0]
	}
	clause := strings.TrimSpace(body[start:end])
	if clause == "" {
		return nil
	}
	var conjuncts []string
	idx := topLevelMatches(clause, reAnd)
	prev := 0
	for _, i := range idx {
		conjuncts = append(conjuncts, strings.TrimSpace(clause[prev:i]))
		loc := reAnd.FindStringIndex(clause[i:])
		prev = i + loc[1]
	}
	conjuncts = append(conjuncts, strings.TrimSpace(clause[prev:]))
	return conjuncts
}

func splitTopLevelComma(s string) []string {
	depths, inQuote := scanDepths(s)
	var parts []string
	prev := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' && depths[i] == 0 && !inQuote[i] {
			parts = append(parts, strings.TrimSpace(s[prev:i]))
			prev = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(s[prev:]))
	return parts
}

var wordBoundaryCache = map[string]*regexp.Regexp{}

func wordBoundary(word string) *regexp.Regexp {
	if re, ok := wordBoundaryCache[word]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	wordBoundaryCache[word] = re
	return re
}

func referencesSelf(body, alias string) bool {
	return wordBoundary(alias).MatchString(body)
}

// referencesOuterAlias reports whether subText qualifies a column with
// one of the outer scope's table aliases (alias.col), the hallmark of a
// correlated subquery (spec.md §3 EdgeKind "correlated").
func referencesOuterAlias(subText string, outerAliases []string) bool {
	for _, alias := range outerAliases {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(alias) + `\s*\.`)
		if re.MatchString(subText) {
			return true
		}
	}
	return false
}
