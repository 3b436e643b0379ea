package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HydrationEvent is one line of the per-day hydration log: range-related
// state needed to rebuild a locked stream after a restart.
type HydrationEvent struct {
	TSUTC       time.Time `json:"ts_utc"`
	Event       string    `json:"event"` // "range_locked", "breakout_levels_computed", ...
	StreamID    string    `json:"stream"`
	TradingDate string    `json:"trading_date"`

	RangeHigh   *float64 `json:"range_high,omitempty"`
	RangeLow    *float64 `json:"range_low,omitempty"`
	FreezeClose *float64 `json:"freeze_close,omitempty"`
	BrkLong     *float64 `json:"brk_long,omitempty"`
	BrkShort    *float64 `json:"brk_short,omitempty"`
}

// RestoredRange is the result of scanning a day's hydration log for a stream.
type RestoredRange struct {
	RangeHigh   float64
	RangeLow    float64
	FreezeClose float64
	BrkLong     float64
	BrkShort    float64
	HasBreakout bool // false on older logs that lack brk levels; caller repairs
}

// HydrationLog is the per-day JSONL of range events, plus the redundant
// compact ranges log. Appends are flushed per line; the log is only read on
// startup so no further coordination is needed.
type HydrationLog struct {
	mu       sync.Mutex
	hydrDir  string
	rangeDir string
}

// NewHydrationLog roots hydration and ranges logs at stateDir.
func NewHydrationLog(stateDir string) *HydrationLog {
	return &HydrationLog{
		hydrDir:  filepath.Join(stateDir, "hydration"),
		rangeDir: filepath.Join(stateDir, "ranges"),
	}
}

func (h *HydrationLog) hydrPath(tradingDate string) string {
	return filepath.Join(h.hydrDir, tradingDate+".jsonl")
}

func (h *HydrationLog) rangePath(tradingDate string) string {
	return filepath.Join(h.rangeDir, tradingDate+".jsonl")
}

// Append writes one hydration event.
func (h *HydrationLog) Append(ev HydrationEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return appendLine(h.hydrPath(ev.TradingDate), ev)
}

// AppendRange writes the compact redundant form to the ranges log.
func (h *HydrationLog) AppendRange(ev HydrationEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return appendLine(h.rangePath(ev.TradingDate), ev)
}

func appendLine(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return f.Sync()
}

// LatestRange scans the day's hydration log for the latest record carrying
// the full range for streamID. Falls back to the ranges log when the
// hydration log is absent or holds no full range for streamID. found=false
// means no restorable range exists.
func (h *HydrationLog) LatestRange(tradingDate, streamID string) (RestoredRange, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, path := range []string{h.hydrPath(tradingDate), h.rangePath(tradingDate)} {
		rr, found, err := scanForRange(path, streamID)
		if err != nil {
			return RestoredRange{}, false, err
		}
		if found {
			return rr, true, nil
		}
	}
	return RestoredRange{}, false, nil
}

func scanForRange(path, streamID string) (RestoredRange, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RestoredRange{}, false, nil
		}
		return RestoredRange{}, false, fmt.Errorf("open hydration log %s: %w", path, err)
	}
	defer f.Close()

	var (
		out   RestoredRange
		found bool
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev HydrationEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn final line from a crash is expected; skip it.
			continue
		}
		if ev.StreamID != streamID {
			continue
		}
		if ev.RangeHigh == nil || ev.RangeLow == nil || ev.FreezeClose == nil {
			continue
		}
		out = RestoredRange{
			RangeHigh:   *ev.RangeHigh,
			RangeLow:    *ev.RangeLow,
			FreezeClose: *ev.FreezeClose,
		}
		if ev.BrkLong != nil && ev.BrkShort != nil {
			out.BrkLong = *ev.BrkLong
			out.BrkShort = *ev.BrkShort
			out.HasBreakout = true
		} else {
			out.HasBreakout = false
		}
		found = true
	}
	if err := sc.Err(); err != nil {
		return RestoredRange{}, false, fmt.Errorf("scan hydration log %s: %w", path, err)
	}
	return out, found, nil
}

// F is a helper for building optional float fields.
func F(v float64) *float64 { return &v }
