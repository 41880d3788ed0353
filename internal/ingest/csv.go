package ingest

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// CSVOptions control how a CSV upload maps to chunks.
type CSVOptions struct {
	// HasHeader is "auto" (default), "yes", or "no".
	HasHeader string

	// MetaCols are columns stored only as chunk metadata. Comma-separated
	// tokens; a numeric token is a 1-based index, anything else a header name.
	MetaCols string

	// IncludeCols are columns concatenated into the indexed text. Empty
	// means every column not named in MetaCols.
	IncludeCols string
}

// headerSniffBytes bounds how much of the file the header heuristic reads.
const headerSniffBytes = 4096

// chunkCSV emits one chunk per data row: text is newline-separated
// "<col>: <value>" lines over the include set, metadata carries the meta
// columns plus the 1-based row number.
func chunkCSV(data []byte, opts CSVOptions) ([]Chunk, error) {
	text := decodeText(data)

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return nil, nil
	}

	hasHeader, err := resolveHeader(opts.HasHeader, text)
	if err != nil {
		return nil, err
	}

	names := columnNames(rows[0], hasHeader)

	metaIdx, err := parseColSpec(opts.MetaCols, names, hasHeader)
	if err != nil {
		return nil, err
	}
	includeIdx, err := parseColSpec(opts.IncludeCols, names, hasHeader)
	if err != nil {
		return nil, err
	}
	if len(includeIdx) == 0 {
		for i := range names {
			if !containsInt(metaIdx, i) {
				includeIdx = append(includeIdx, i)
			}
		}
	}

	dataRows := rows
	if hasHeader {
		dataRows = rows[1:]
	}

	var chunks []Chunk
	for n, row := range dataRows {
		var lines []string
		for _, i := range includeIdx {
			if i < len(row) {
				lines = append(lines, names[i]+": "+row[i])
			}
		}
		extra := map[string]any{
			"row":        n + 1,
			"has_header": hasHeader,
		}
		for _, i := range metaIdx {
			if i < len(row) {
				extra[names[i]] = row[i]
			}
		}
		chunks = append(chunks, Chunk{
			LocalID: chunkLocalID("row", n),
			Text:    strings.Join(lines, "\n"),
			Extra:   extra,
		})
	}
	return chunks, nil
}

// sniffDelimiter picks the candidate separator most frequent in the first
// line, defaulting to comma.
func sniffDelimiter(text string) rune {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	best, bestCount := ',', strings.Count(line, ",")
	for _, c := range []rune{';', '\t', '|'} {
		if n := strings.Count(line, string(c)); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

func resolveHeader(mode, text string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		return sniffHeader(text), nil
	case "yes", "true":
		return true, nil
	case "no", "false":
		return false, nil
	default:
		return false, fmt.Errorf("%w: has_header must be auto, yes, or no", ErrInvalidCSVOptions)
	}
}

// sniffHeader guesses from the first rows: a header row is all non-numeric,
// while data rows usually carry at least one numeric cell.
func sniffHeader(text string) bool {
	if len(text) > headerSniffBytes {
		text = text[:headerSniffBytes]
	}
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	first, err := r.Read()
	if err != nil || len(first) == 0 {
		return false
	}
	for _, cell := range first {
		if _, err := strconv.ParseFloat(strings.TrimSpace(cell), 64); err == nil {
			return false
		}
	}
	return true
}

// columnNames returns header names (blank cells synthesized) or col_<i>
// placeholders when there is no header.
func columnNames(firstRow []string, hasHeader bool) []string {
	names := make([]string, len(firstRow))
	for i := range firstRow {
		if hasHeader && strings.TrimSpace(firstRow[i]) != "" {
			names[i] = strings.TrimSpace(firstRow[i])
		} else {
			names[i] = fmt.Sprintf("col_%d", i)
		}
	}
	return names
}

// parseColSpec resolves a comma-separated column spec to 0-based indexes.
// Numeric tokens are 1-based; names require a header.
func parseColSpec(spec string, names []string, hasHeader bool) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out []int
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if n, err := strconv.Atoi(tok); err == nil {
			if n < 1 || n > len(names) {
				return nil, fmt.Errorf("%w: column index %d out of range", ErrInvalidCSVOptions, n)
			}
			out = append(out, n-1)
			continue
		}
		if !hasHeader {
			return nil, fmt.Errorf("%w: column name %q requires a header row", ErrInvalidCSVOptions, tok)
		}
		idx := -1
		for i, name := range names {
			if name == tok {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidCSVOptions, tok)
		}
		out = append(out, idx)
	}
	return out, nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
