package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrOverfill is raised when cumulative exit quantity would exceed entry
	// quantity. This is a fatal invariant violation; callers flatten and stand
	// the stream down.
	ErrOverfill = errors.New("exit quantity exceeds entry quantity")

	// ErrCorrupt marks an unreadable journal file. The stream using the intent
	// stands down fail-closed; the file is left in place for manual inspection.
	ErrCorrupt = errors.New("journal entry corrupt")

	// ErrUnknownIntent is returned for fills against an id never submitted.
	ErrUnknownIntent = errors.New("unknown intent")
)

// Entry is the persistent record of one intent's submission and fill
// progress. The journal is the sole source of truth for "was this submitted"
// and "how much is filled"; in-memory stream state is a cached read model.
type Entry struct {
	IntentID string `json:"intent_id"`
	Intent   Intent `json:"intent"`

	Submitted      bool      `json:"submitted"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at_utc,omitempty"`
	SubmittedPrice float64   `json:"submitted_price,omitempty"`

	EntryFilledQty   int       `json:"entry_filled_qty"`
	EntryNotional    float64   `json:"entry_fill_notional"` // cumulative sum(price x delta_qty)
	EntryAvgPrice    float64   `json:"entry_avg_fill_price"`
	FirstEntryFillAt time.Time `json:"first_entry_fill_at,omitempty"`
	LastEntryFillAt  time.Time `json:"last_entry_fill_at,omitempty"`

	ExitFilledQty  int       `json:"exit_filled_qty"`
	ExitNotional   float64   `json:"exit_fill_notional"`
	ExitAvgPrice   float64   `json:"exit_avg_fill_price"`
	ExitKind       ExitKind  `json:"exit_kind,omitempty"`
	LastExitFillAt time.Time `json:"last_exit_fill_at,omitempty"`

	TradeCompleted   bool     `json:"trade_completed"`
	CompletionReason ExitKind `json:"completion_reason,omitempty"`
	RealizedPoints   float64  `json:"realized_points"`
	GrossPnL         float64  `json:"gross_pnl"`
	NetPnL           float64  `json:"net_pnl"`

	BreakEvenApplied bool `json:"break_even_applied"`

	UpdatedAt time.Time `json:"updated_at_utc"`
}

// EntryComplete reports whether the stored intent carries the protective
// context a fill handler needs.
func (e *Entry) EntryComplete() bool {
	return e.Intent.Complete()
}

// ExecutionJournal persists one JSON file per intent under
// {dir}/executions/{trading_date}/. Writes are atomic
// (write-temp-then-rename) and fsynced before the mutating call returns.
type ExecutionJournal struct {
	mu    sync.Mutex
	dir   string
	cache map[string]*Entry // intent_id -> entry
	index map[string]string // intent_id -> trading_date, for path resolution
}

// NewExecutionJournal roots the journal at stateDir.
func NewExecutionJournal(stateDir string) *ExecutionJournal {
	return &ExecutionJournal{
		dir:   filepath.Join(stateDir, "executions"),
		cache: make(map[string]*Entry),
		index: make(map[string]string),
	}
}

func (j *ExecutionJournal) path(tradingDate, intentID string) string {
	return filepath.Join(j.dir, tradingDate, intentID+".json")
}

// locked; loads an entry into cache from disk if present.
func (j *ExecutionJournal) load(tradingDate, intentID string) (*Entry, error) {
	if e, ok := j.cache[intentID]; ok {
		return e, nil
	}
	raw, err := os.ReadFile(j.path(tradingDate, intentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal entry %s: %w", intentID, err)
	}
	e := &Entry{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, intentID, err)
	}
	j.cache[intentID] = e
	j.index[intentID] = tradingDate
	return e, nil
}

// locked; persists an entry atomically.
func (j *ExecutionJournal) persist(e *Entry) error {
	dir := filepath.Join(j.dir, e.Intent.TradingDate)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal entry %s: %w", e.IntentID, err)
	}
	final := j.path(e.Intent.TradingDate, e.IntentID)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write journal entry %s: %w", e.IntentID, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write journal entry %s: %w", e.IntentID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync journal entry %s: %w", e.IntentID, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename journal entry %s: %w", e.IntentID, err)
	}
	j.cache[e.IntentID] = e
	j.index[e.IntentID] = e.Intent.TradingDate
	return nil
}

// IsIntentSubmitted reports whether a submission is already journaled for the
// intent id. This is the duplicate-submission guard restart paths rely on.
func (j *ExecutionJournal) IsIntentSubmitted(intentID, tradingDate, streamID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, err := j.load(tradingDate, intentID)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	return e.Submitted && e.Intent.StreamID == streamID, nil
}

// RecordSubmission journals an intent submission. Upserts: re-recording an
// already-submitted intent refreshes the broker order id but never resets
// fill progress.
func (j *ExecutionJournal) RecordSubmission(intent Intent, brokerOrderID string, submittedAt time.Time, price float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := intent.ID()
	e, err := j.load(intent.TradingDate, id)
	if err != nil {
		return err
	}
	if e == nil {
		e = &Entry{IntentID: id, Intent: intent}
	}
	e.Submitted = true
	e.BrokerOrderID = brokerOrderID
	e.SubmittedAt = submittedAt.UTC()
	e.SubmittedPrice = price
	e.UpdatedAt = submittedAt.UTC()
	return j.persist(e)
}

// RecordSubmissionWithID journals a submission under an explicit id (the
// re-entry path, whose id is derived from the slot instance key rather than
// the intent contents).
func (j *ExecutionJournal) RecordSubmissionWithID(intentID string, intent Intent, brokerOrderID string, submittedAt time.Time, price float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := j.load(intent.TradingDate, intentID)
	if err != nil {
		return err
	}
	if e == nil {
		e = &Entry{IntentID: intentID, Intent: intent}
	}
	e.Submitted = true
	e.BrokerOrderID = brokerOrderID
	e.SubmittedAt = submittedAt.UTC()
	e.SubmittedPrice = price
	e.UpdatedAt = submittedAt.UTC()
	return j.persist(e)
}

// locked; resolves an entry by id alone, scanning day directories when the
// cache is cold (fills arriving right after a restart).
func (j *ExecutionJournal) findByID(intentID string) (*Entry, error) {
	if e, ok := j.cache[intentID]; ok {
		return e, nil
	}
	if date, ok := j.index[intentID]; ok {
		return j.load(date, intentID)
	}
	days, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal root: %w", err)
	}
	for _, d := range days {
		if !d.IsDir() {
			continue
		}
		if _, err := os.Stat(j.path(d.Name(), intentID)); err == nil {
			return j.load(d.Name(), intentID)
		}
	}
	return nil, nil
}

// RecordEntryFill appends one entry-fill delta. deltaQty is the quantity
// filled in THIS callback, never a running total; the journal accumulates.
func (j *ExecutionJournal) RecordEntryFill(intentID string, fillPrice float64, deltaQty int, now time.Time, contractMultiplier float64, direction Direction, instrument, canonical string) error {
	if deltaQty <= 0 {
		return fmt.Errorf("entry fill for %s: delta quantity %d must be positive", intentID, deltaQty)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := j.findByID(intentID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	if e.EntryFilledQty == 0 {
		e.FirstEntryFillAt = now.UTC()
	}
	e.EntryFilledQty += deltaQty
	e.EntryNotional += fillPrice * float64(deltaQty)
	e.EntryAvgPrice = e.EntryNotional / float64(e.EntryFilledQty)
	e.LastEntryFillAt = now.UTC()
	if e.Intent.ContractMultiplier == 0 {
		e.Intent.ContractMultiplier = contractMultiplier
	}
	if e.Intent.Direction == "" {
		e.Intent.Direction = direction
	}
	if e.Intent.ExecutionInstrument == "" {
		e.Intent.ExecutionInstrument = instrument
	}
	if e.Intent.CanonicalInstrument == "" {
		e.Intent.CanonicalInstrument = canonical
	}
	e.UpdatedAt = now.UTC()
	return j.persist(e)
}

// RecordExitFill appends one exit-fill delta and finalizes P&L when the
// position is fully closed. Overfill returns ErrOverfill without mutating
// the persisted record.
func (j *ExecutionJournal) RecordExitFill(intentID string, exitPrice float64, deltaQty int, kind ExitKind, now time.Time) error {
	if deltaQty <= 0 {
		return fmt.Errorf("exit fill for %s: delta quantity %d must be positive", intentID, deltaQty)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := j.findByID(intentID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	if e.ExitFilledQty+deltaQty > e.EntryFilledQty {
		return fmt.Errorf("%w: intent %s entry=%d exit=%d delta=%d",
			ErrOverfill, intentID, e.EntryFilledQty, e.ExitFilledQty, deltaQty)
	}
	e.ExitFilledQty += deltaQty
	e.ExitNotional += exitPrice * float64(deltaQty)
	e.ExitAvgPrice = e.ExitNotional / float64(e.ExitFilledQty)
	e.ExitKind = kind
	e.LastExitFillAt = now.UTC()
	e.UpdatedAt = now.UTC()

	if e.ExitFilledQty == e.EntryFilledQty {
		j.finalize(e, kind)
	}
	return j.persist(e)
}

// locked; computes realized P&L once, at completion.
func (j *ExecutionJournal) finalize(e *Entry, kind ExitKind) {
	points := e.ExitAvgPrice - e.EntryAvgPrice
	if e.Intent.Direction == Short {
		points = e.EntryAvgPrice - e.ExitAvgPrice
	}
	qty := float64(e.EntryFilledQty)
	gross := points * qty * e.Intent.ContractMultiplier
	costs := (e.Intent.Costs.Slippage + e.Intent.Costs.Commission + e.Intent.Costs.Fees) * qty

	e.RealizedPoints = points
	e.GrossPnL = gross
	e.NetPnL = gross - costs
	e.TradeCompleted = true
	e.CompletionReason = kind
}

// Get loads an entry by id. The second return is false when no record exists.
func (j *ExecutionJournal) Get(intentID, tradingDate string) (*Entry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, err := j.load(tradingDate, intentID)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// GetByID resolves an entry when the caller only has the id, as adapter
// callbacks do.
func (j *ExecutionJournal) GetByID(intentID string) (*Entry, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, err := j.findByID(intentID)
	if err != nil {
		return nil, false, err
	}
	if e == nil {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// MarkBreakEvenApplied latches the once-per-intent break-even modification.
// Returns true when this call performed the latch (false: already applied).
func (j *ExecutionJournal) MarkBreakEvenApplied(intentID, tradingDate string, now time.Time) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, err := j.load(tradingDate, intentID)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	if e.BreakEvenApplied {
		return false, nil
	}
	e.BreakEvenApplied = true
	e.UpdatedAt = now.UTC()
	return true, j.persist(e)
}

// HasEntryFillForStream reports whether any intent on (date, stream) has a
// recorded entry fill. Restore uses it to set entry_detected without
// re-issuing intents.
func (j *ExecutionJournal) HasEntryFillForStream(tradingDate, streamID string) (bool, error) {
	entries, err := j.EntriesForStream(tradingDate, streamID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.EntryFilledQty > 0 {
			return true, nil
		}
	}
	return false, nil
}

// EntriesForStream loads every journaled entry for (date, stream).
func (j *ExecutionJournal) EntriesForStream(tradingDate, streamID string) ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	dayDir := filepath.Join(j.dir, tradingDate)
	files, err := os.ReadDir(dayDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal day dir: %w", err)
	}
	var out []*Entry
	for _, f := range files {
		name := f.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		e, err := j.load(tradingDate, name[:len(name)-len(".json")])
		if err != nil {
			return nil, err
		}
		if e != nil && e.Intent.StreamID == streamID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
