package engine

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// SanitizeSQL neutralizes a value for embedding in the engine's SQL-like
// filter language: statement separators and quoting metacharacters become
// spaces, comment introducers cut the string, remaining single quotes are
// doubled. maxLen <= 0 disables truncation. Idempotent.
func SanitizeSQL(v string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch r {
		case ';', '"', '`', '\\', 0:
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	for _, marker := range []string{"--", "/*", "*/"} {
		if i := strings.Index(s, marker); i >= 0 {
			s = s[:i]
		}
	}
	// Collapse doubled quotes before truncating so re-sanitizing an already
	// sanitized value reproduces it exactly (truncation would otherwise cut
	// through the re-doubled quotes).
	s = strings.ReplaceAll(s, "''", "'")
	s = strings.TrimSpace(s)
	if maxLen > 0 {
		runes := []rune(s)
		if len(runes) > maxLen {
			s = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return strings.ReplaceAll(s, "'", "''")
}

// SanitizeField strips every rune that is not alphanumeric, underscore or
// hyphen. Idempotent. An empty result means the field is unusable.
func SanitizeField(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range k {
		if r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildSQL assembles the engine query for a sanitized similarity term and
// pre-filter groups. Fields are bracket-wrapped; GROUP BY deduplicates rows
// sharing the projected columns.
func BuildSQL(query string, pre []PreFilter, limit int) string {
	cols := "id, text, score"

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(cols)
	b.WriteString(" FROM txtai WHERE similar('")
	b.WriteString(query)
	b.WriteString("')")

	groups := make([]PreFilter, len(pre))
	copy(groups, pre)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Field < groups[j].Field })

	for _, g := range groups {
		terms := make([]string, 0, len(g.Equals)+len(g.NotEquals))
		for _, v := range g.Equals {
			terms = append(terms, fmt.Sprintf("[%s] = '%s'", g.Field, v))
		}
		for _, v := range g.NotEquals {
			terms = append(terms, fmt.Sprintf("[%s] <> '%s'", g.Field, v))
		}
		if len(terms) == 0 {
			continue
		}
		b.WriteString(" AND (")
		b.WriteString(strings.Join(terms, " OR "))
		b.WriteString(")")
	}

	b.WriteString(" AND id <> ''")
	b.WriteString(" GROUP BY ")
	b.WriteString(cols)
	fmt.Fprintf(&b, " LIMIT %d", limit)
	return b.String()
}

// BuildSearchRequest sanitizes the query, splits the client filter and
// assembles both representations of the engine-side search. The returned
// post-filter half is evaluated by the caller after retrieval.
func BuildSearchRequest(query string, k int, filters map[string]any, maxQueryChars int) (SearchRequest, map[string][]string) {
	kk := k
	if kk < 1 {
		kk = 1
	}
	fetchK := 5 * kk
	if fetchK < 50 {
		fetchK = 50
	}

	pre, post := SplitFilters(filters)
	q := SanitizeSQL(query, maxQueryChars)
	return SearchRequest{
		Query: q,
		Limit: fetchK,
		Pre:   pre,
		SQL:   BuildSQL(q, pre, fetchK),
	}, post
}
