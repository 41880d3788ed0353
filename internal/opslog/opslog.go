// Package opslog writes one JSON line per service operation to a
// configurable sink. It is a separate stream from diagnostic logging:
// the ops log is a machine-readable audit of what the service did, with
// stable field names, and it survives log-level changes.
package opslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// timeFormat is ISO-8601 UTC with millisecond precision and a literal Z.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Entry is one operation record. Zero-valued fields are omitted from the
// output line.
type Entry struct {
	Op         string
	Tenant     string
	Collection string
	LatencyMS  float64
	Status     string
	ErrorCode  string

	// Extras carries op-specific fields: k, hits, docid, chunks, request_id.
	Extras map[string]any
}

// Logger is a thread-safe JSONL sink.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// New builds a sink from a destination: "" or "null" disables it, "stdout"
// writes to standard output, anything else appends to that file path.
func New(dest string) (*Logger, error) {
	switch dest {
	case "", "null":
		return &Logger{}, nil
	case "stdout":
		return &Logger{w: os.Stdout}, nil
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open ops log: %w", err)
		}
		return &Logger{w: f, closer: f}, nil
	}
}

// Enabled reports whether entries go anywhere.
func (l *Logger) Enabled() bool { return l.w != nil }

// Log writes one entry. A disabled sink drops it; marshal and write errors
// are swallowed so operational logging never fails an operation.
func (l *Logger) Log(e Entry) {
	if l.w == nil {
		return
	}

	rec := map[string]any{
		"ts": time.Now().UTC().Format(timeFormat),
		"op": e.Op,
	}
	if e.Tenant != "" {
		rec["tenant"] = e.Tenant
	}
	if e.Collection != "" {
		rec["collection"] = e.Collection
	}
	if e.LatencyMS > 0 {
		rec["latency_ms"] = e.LatencyMS
	}
	if e.Status != "" {
		rec["status"] = e.Status
	}
	if e.ErrorCode != "" {
		rec["error_code"] = e.ErrorCode
	}
	for k, v := range e.Extras {
		if v == nil {
			continue
		}
		rec[k] = v
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(line)
}

// Close flushes and closes a file-backed sink. Stdout and disabled sinks
// are left alone.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.w, l.closer = nil, nil
	return err
}
