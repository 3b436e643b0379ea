package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event levels. These mirror the values written into the "level" field of the
// JSONL event stream, not zerolog's internal levels.
const (
	LevelDebug    = "DEBUG"
	LevelInfo     = "INFO"
	LevelWarn     = "WARN"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Event is one structured record on the machine-readable event stream.
type Event struct {
	Event       string                 // event name, e.g. "stream_transition"
	Level       string                 // DEBUG/INFO/WARN/ERROR/CRITICAL
	Stream      string                 // stream id, "" for engine-wide events
	Instrument  string                 // canonical instrument, "" for engine-wide
	TradingDate string                 // YYYY-MM-DD
	Data        map[string]interface{} // event-specific payload
}

// EventWriter appends JSON-lines events to one file per instrument plus an
// engine-wide file. Writers are created lazily and kept open for the process
// lifetime. Emit never returns an error: the event stream is best-effort and
// a failed append must not take down the trading path.
type EventWriter struct {
	mu      sync.Mutex
	dir     string
	runID   string
	engine  zerolog.Logger
	byInst  map[string]zerolog.Logger
	limiter *RateLimiter
}

// NewEventWriter creates the event stream rooted at dir. runID is stamped on
// every record so restarts are distinguishable in a day's files.
func NewEventWriter(dir, runID string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	w := &EventWriter{
		dir:     dir,
		runID:   runID,
		byInst:  make(map[string]zerolog.Logger),
		limiter: NewRateLimiter(30 * time.Second),
	}
	eng, err := w.open("engine")
	if err != nil {
		return nil, err
	}
	w.engine = eng
	return w, nil
}

func (w *EventWriter) open(name string) (zerolog.Logger, error) {
	path := filepath.Join(w.dir, "events_"+strings.ToLower(name)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("open event log %s: %w", path, err)
	}
	return zerolog.New(f), nil
}

// Emit writes ev to the engine-wide file and, when the event names an
// instrument, to that instrument's file as well.
func (w *EventWriter) Emit(ev Event) {
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.write(w.engine, ev)
	if ev.Instrument != "" {
		l, ok := w.byInst[ev.Instrument]
		if !ok {
			var err error
			l, err = w.open(ev.Instrument)
			if err != nil {
				Warnf("event log for %s unavailable: %v", ev.Instrument, err)
				return
			}
			w.byInst[ev.Instrument] = l
		}
		w.write(l, ev)
	}

	if ev.Level == LevelCritical || ev.Level == LevelError {
		Errorf("[%s] %s stream=%s data=%v", ev.Level, ev.Event, ev.Stream, ev.Data)
	}
}

// EmitLimited is Emit behind a per-category rate limit, for diagnostic
// categories that can fire every tick (data stalls, foreign-instrument
// callbacks). category keys the limit, not the event name.
func (w *EventWriter) EmitLimited(category string, ev Event) {
	if !w.limiter.Allow(category) {
		return
	}
	w.Emit(ev)
}

func (w *EventWriter) write(l zerolog.Logger, ev Event) {
	rec := l.Log().
		Str("ts_utc", time.Now().UTC().Format(time.RFC3339Nano)).
		Str("event", ev.Event).
		Str("level", ev.Level).
		Str("run_id", w.runID)
	if ev.Stream != "" {
		rec = rec.Str("stream", ev.Stream)
	}
	if ev.Instrument != "" {
		rec = rec.Str("instrument", ev.Instrument)
	}
	if ev.TradingDate != "" {
		rec = rec.Str("trading_date", ev.TradingDate)
	}
	if ev.Data != nil {
		rec = rec.Interface("data", ev.Data)
	}
	rec.Send()
}

// RateLimiter allows one event per key per interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether an event for key may fire now, and records it if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if t, ok := r.last[key]; ok && now.Sub(t) < r.interval {
		return false
	}
	r.last[key] = now
	return true
}
