package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxFilterDepth bounds recursion into list-valued stored fields, guarding
// against cycles and pathologically nested metadata.
const maxFilterDepth = 10

// comparatorPrefixes in match order; two-rune prefixes first so ">=" is not
// read as ">" + "=".
var comparatorPrefixes = []string{">=", "<=", "!=", ">", "<"}

// SplitFilters divides a client filter into the engine-evaluated pre-filter
// and the post-retrieval half. Values are OR'd within a field and AND'd
// across fields. Exact equalities and "!value" negations push down; wildcards
// and comparators stay behind. Keys that sanitize to empty are dropped.
func SplitFilters(filters map[string]any) ([]PreFilter, map[string][]string) {
	var pre []PreFilter
	post := map[string][]string{}

	for rawKey, rawVal := range filters {
		key := SanitizeField(rawKey)
		if key == "" {
			continue
		}
		group := PreFilter{Field: key}
		for _, v := range flattenValues(rawVal) {
			cond := fmt.Sprint(v)
			switch {
			case isWildcard(cond) || isComparator(cond):
				post[key] = append(post[key], cond)
			case strings.HasPrefix(cond, "!"):
				group.NotEquals = append(group.NotEquals, SanitizeSQL(cond[1:], 0))
			default:
				group.Equals = append(group.Equals, SanitizeSQL(cond, 0))
			}
		}
		if len(group.Equals) > 0 || len(group.NotEquals) > 0 {
			pre = append(pre, group)
		}
	}
	return pre, post
}

func flattenValues(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}

func isWildcard(cond string) bool {
	return strings.Contains(cond, "*")
}

func isComparator(cond string) bool {
	for _, p := range comparatorPrefixes {
		if strings.HasPrefix(cond, p) {
			return true
		}
	}
	return false
}

// MatchesFilters evaluates the post-filter half against stored metadata.
// Within a field any condition may match; across fields all must.
func MatchesFilters(meta map[string]any, post map[string][]string) bool {
	for field, conds := range post {
		stored, ok := meta[field]
		if !ok {
			return false
		}
		fieldOK := false
		for _, cond := range conds {
			if matchesCondition(stored, cond, 0) {
				fieldOK = true
				break
			}
		}
		if !fieldOK {
			return false
		}
	}
	return true
}

// matchesCondition evaluates one condition against one stored value. A
// list-valued stored field matches when any element matches, bounded by
// maxFilterDepth.
func matchesCondition(stored any, cond string, depth int) bool {
	if depth > maxFilterDepth {
		return false
	}

	if items, ok := stored.([]any); ok {
		for _, item := range items {
			if matchesCondition(item, cond, depth+1) {
				return true
			}
		}
		return false
	}

	have := stringify(stored)

	switch {
	case cond == "*":
		return true
	case len(cond) >= 2 && strings.HasPrefix(cond, "*") && strings.HasSuffix(cond, "*"):
		return strings.Contains(have, cond[1:len(cond)-1])
	case strings.HasPrefix(cond, "*"):
		return strings.HasSuffix(have, cond[1:])
	case strings.HasSuffix(cond, "*"):
		return strings.HasPrefix(have, cond[:len(cond)-1])
	case strings.HasPrefix(cond, "!") && !strings.HasPrefix(cond, "!="):
		return have != cond[1:]
	}

	for _, op := range comparatorPrefixes {
		if strings.HasPrefix(cond, op) {
			return compare(stored, op, strings.TrimSpace(cond[len(op):]))
		}
	}

	return have == cond
}

// compare applies a comparator over numeric values first, then ISO-8601
// datetimes. Anything else is false.
func compare(stored any, op, want string) bool {
	if sf, ok := toFloat(stored); ok {
		if wf, err := strconv.ParseFloat(want, 64); err == nil {
			return applyOrdering(op, cmpFloat(sf, wf))
		}
	}
	if st, ok := toTime(stringify(stored)); ok {
		if wt, ok := toTime(want); ok {
			return applyOrdering(op, st.Compare(wt))
		}
	}
	return false
}

func applyOrdering(op string, c int) bool {
	switch op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case "!=":
		return c != 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func toTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// stringify renders a stored value the way filter conditions see it. Floats
// that carry integral values print without a fraction, matching JSON-decoded
// metadata.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
