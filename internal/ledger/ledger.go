// Package ledger keeps the ordered record of every command attempted during
// a server run, and optionally mirrors it into SQLite.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimestampFormat is ISO 8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Entry is one attempted command. Entries are never modified once appended.
type Entry struct {
	Index     int           `json:"index"`
	Timestamp time.Time     `json:"timestamp"`
	Command   string        `json:"command"`
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"-"`
}

// DurationMs is the duration in milliseconds, rounded up.
func (e Entry) DurationMs() int64 { return CeilMs(e.Duration) }

// CeilMs rounds d up to whole milliseconds, so any non-zero duration reports at least 1.
func CeilMs(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

func (e Entry) Icon() string {
	if e.Success {
		return "✅"
	}
	return "❌"
}

// Sink receives a copy of every appended entry.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Ledger is an append-only, in-memory list of entries, safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry

	sink   Sink
	logger *slog.Logger
}

func New(logger *slog.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// WithSink mirrors every later append into s.
func (l *Ledger) WithSink(s Sink) *Ledger {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
	return l
}

// Append stores e and returns its 1-based position, which is also the
// ledger's new count. A zero timestamp is set to now.
func (l *Ledger) Append(e Entry) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()

	l.mu.Lock()
	e.Index = len(l.entries) + 1
	l.entries = append(l.entries, e)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		// Persistence is best-effort; the in-memory ledger is authoritative.
		if err := sink.Record(context.Background(), e); err != nil {
			l.logger.Warn("ledger sink failed", "index", e.Index, "err", err)
		}
	}
	return e.Index
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Failures counts entries with Success false.
func (l *Ledger) Failures() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.entries {
		if !e.Success {
			n++
		}
	}
	return n
}

// All returns a snapshot in append order. The caller owns the slice.
func (l *Ledger) All() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Markdown renders the current snapshot.
func (l *Ledger) Markdown() string {
	return RenderMarkdown(l.All())
}
