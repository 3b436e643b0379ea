package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TimetableStream is one stream row of the timetable document. Disabled
// streams are present too; the whole enabled universe must appear.
type TimetableStream struct {
	Stream       string  `json:"stream"`
	Instrument   string  `json:"instrument"` // canonical, e.g. "ES"
	Session      string  `json:"session"`    // "S1" | "S2"
	SlotTime     string  `json:"slot_time"`  // "HH:MM" market wall time
	Enabled      bool    `json:"enabled"`
	BlockReason  *string `json:"block_reason"`
	DecisionTime string  `json:"decision_time"`
}

// Timetable is the daily strategy timetable, re-read on a poll.
type Timetable struct {
	TradingDate string            `json:"trading_date"` // YYYY-MM-DD
	Timezone    string            `json:"timezone"`
	Streams     []TimetableStream `json:"streams"`
}

// LoadTimetable reads a timetable document without date validation; callers
// validate against the current market date before applying it.
func LoadTimetable(path string) (*Timetable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timetable %s: %w", path, err)
	}
	tt := &Timetable{}
	if err := json.Unmarshal(raw, tt); err != nil {
		return nil, fmt.Errorf("parse timetable %s: %w", path, err)
	}
	return tt, nil
}

// Validate rejects documents that cannot be applied: wrong trading date,
// missing identities, malformed sessions.
func (t *Timetable) Validate(currentDate string) error {
	if t.TradingDate != currentDate {
		return fmt.Errorf("timetable trading_date %s does not match current market date %s",
			t.TradingDate, currentDate)
	}
	seen := make(map[string]bool, len(t.Streams))
	for _, s := range t.Streams {
		if s.Stream == "" || s.Instrument == "" {
			return fmt.Errorf("timetable: stream row missing stream or instrument")
		}
		if s.Session != "S1" && s.Session != "S2" {
			return fmt.Errorf("timetable stream %s: unknown session %q", s.Stream, s.Session)
		}
		if s.SlotTime == "" {
			return fmt.Errorf("timetable stream %s: slot_time missing", s.Stream)
		}
		if seen[s.Stream] {
			return fmt.Errorf("timetable: duplicate stream id %s", s.Stream)
		}
		seen[s.Stream] = true
	}
	return nil
}

// EnabledStreams returns only the enabled stream rows.
func (t *Timetable) EnabledStreams() []TimetableStream {
	out := make([]TimetableStream, 0, len(t.Streams))
	for _, s := range t.Streams {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// WriteFile persists a timetable document (used by tests and tooling).
func (t *Timetable) WriteFile(path string) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
