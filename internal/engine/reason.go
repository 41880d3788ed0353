package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// MatchReason renders the human-readable explanation attached to a match:
// the similarity percentage when a query was given, followed by the filter
// keys that bound against stored metadata. Falls back to "matched" when both
// parts are empty.
func MatchReason(query string, score float64, filters map[string]any, meta map[string]any) string {
	var parts []string

	if strings.TrimSpace(query) != "" {
		parts = append(parts, fmt.Sprintf("semantic similarity %d%%", int(math.Floor(score*100))))
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		if meta[k] != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s=%s", k, stringify(meta[k]))
		}
		parts = append(parts, "filters: "+strings.Join(pairs, ", "))
	}

	if len(parts) == 0 {
		return "matched"
	}
	return strings.Join(parts, "; ")
}
