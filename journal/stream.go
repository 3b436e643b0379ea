package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StreamRecord is the per-(trading_date, stream) journal: last observed state
// and the flags the restore and carry-forward paths key off.
type StreamRecord struct {
	TradingDate string `json:"trading_date"`
	StreamID    string `json:"stream_id"`

	LastState                   string `json:"last_state"`
	Committed                   bool   `json:"committed"`
	StopBracketsSubmittedAtLock bool   `json:"stop_brackets_submitted_at_lock"`
	ImmediateEntrySubmitted     bool   `json:"immediate_entry_submitted"`
	EntryDetected               bool   `json:"entry_detected"`
	ExecutionInterruptedByClose bool   `json:"execution_interrupted_by_close"`
	SlotInstanceKey             string `json:"slot_instance_key,omitempty"`
	PriorJournalKey             string `json:"prior_journal_key,omitempty"`
	ReentrySubmitted            bool   `json:"reentry_submitted"`

	UpdatedAt time.Time `json:"updated_at_utc"`
}

// StreamJournal persists StreamRecords, one JSON file per (date, stream),
// atomically.
type StreamJournal struct {
	mu  sync.Mutex
	dir string
}

// NewStreamJournal roots stream records at stateDir.
func NewStreamJournal(stateDir string) *StreamJournal {
	return &StreamJournal{dir: filepath.Join(stateDir, "streams")}
}

func (j *StreamJournal) path(tradingDate, streamID string) string {
	return filepath.Join(j.dir, tradingDate, streamID+".json")
}

// Load returns the record for (date, stream), or found=false.
func (j *StreamJournal) Load(tradingDate, streamID string) (*StreamRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	raw, err := os.ReadFile(j.path(tradingDate, streamID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read stream journal %s/%s: %w", tradingDate, streamID, err)
	}
	rec := &StreamRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, false, fmt.Errorf("%w: stream %s/%s: %v", ErrCorrupt, tradingDate, streamID, err)
	}
	return rec, true, nil
}

// Save persists a record atomically.
func (j *StreamJournal) Save(rec *StreamRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	dir := filepath.Join(j.dir, rec.TradingDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stream journal dir: %w", err)
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	final := j.path(rec.TradingDate, rec.StreamID)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write stream journal %s: %w", rec.StreamID, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename stream journal %s: %w", rec.StreamID, err)
	}
	return nil
}
