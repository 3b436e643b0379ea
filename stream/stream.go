package stream

import (
	"errors"
	"fmt"
	"time"

	"QTSW2/config"
	"QTSW2/execution"
	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/market"
	"QTSW2/notify"
	"QTSW2/timeservice"
)

// State of a stream's daily lifecycle.
type State string

const (
	StatePreHydration State = "PRE_HYDRATION"
	StateArmed        State = "ARMED"
	StateRangeBuild   State = "RANGE_BUILDING"
	StateRangeLocked  State = "RANGE_LOCKED"
	StateDone         State = "DONE"
	StateSuspended    State = "SUSPENDED_DATA_INSUFFICIENT"
)

const (
	submitAttempts = 3
	submitWait     = 100 * time.Millisecond
)

// Gate is the pre-submission risk check. Implemented by the engine's risk
// gate; flatten calls bypass it by design of the adapter contract.
type Gate interface {
	Check(it journal.Intent, now time.Time) error
}

type nopGate struct{}

func (nopGate) Check(journal.Intent, time.Time) error { return nil }

// NopGate returns a gate that admits everything (tests, dry tools).
func NopGate() Gate { return nopGate{} }

// Config identifies one stream on one trading date and carries its resolved
// policy.
type Config struct {
	StreamID            string
	CanonicalInstrument string
	ExecutionInstrument string
	SessionTag          string
	SlotTimeLocal       string // "07:30"
	TradingDate         string // YYYY-MM-DD

	RangeStartLocal    string // "02:00"
	MarketOpenLocal    string // "08:30", re-entry trigger after carry-forward
	MarketCloseLocal   string // "15:00"
	ForcedFlattenLocal string // "15:55"

	Policy              config.InstrumentPolicy
	MinBarsForRecompute int
}

// Deps are the collaborators a stream drives. All calls into a stream happen
// on the engine goroutine; deps may be shared across streams.
type Deps struct {
	Time        *timeservice.TimeService
	Adapter     execution.Adapter
	Exec        *journal.ExecutionJournal
	StreamJ     *journal.StreamJournal
	Hydration   *journal.HydrationLog
	Events      *logger.EventWriter
	Notifier    *notify.Notifier
	Gate        Gate
	HistPending func(canonical string) bool
	OnComplete  func(e *journal.Entry) // optional, trade-history store hook
	Sleep       func(time.Duration)
}

// Stream is the per-(instrument, session, slot, date) state machine: builds
// the pre-slot range, locks it, arms the breakout bracket and shepherds the
// resulting position to completion. The journal is authoritative for
// submission and fill state; everything on this struct is a cached read
// model.
type Stream struct {
	cfg  Config
	deps Deps

	// Resolved once at construction, never recomputed.
	rangeStartUTC    time.Time
	slotUTC          time.Time
	marketOpenUTC    time.Time
	marketCloseUTC   time.Time
	forcedFlattenUTC time.Time

	state  State
	buffer *market.BarBuffer
	record *journal.StreamRecord

	// Range, immutable for the trading date once rangeLocked.
	rangeLocked bool
	rangeHigh   float64
	rangeLow    float64
	freezeClose float64
	brkLong     float64
	brkShort    float64

	longIntent  journal.Intent
	shortIntent journal.Intent

	entryDetected     bool
	activeIntentID    string
	lastPrice         float64
	failed            bool
	forcedFlattenDone bool
}

// New constructs a stream for its trading date, resolving every time anchor
// exactly once.
func New(cfg Config, deps Deps) (*Stream, error) {
	if deps.Gate == nil {
		deps.Gate = NopGate()
	}
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}
	if deps.HistPending == nil {
		deps.HistPending = func(string) bool { return false }
	}

	rangeStart, err := deps.Time.ResolveLocal(cfg.TradingDate, cfg.RangeStartLocal)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.StreamID, err)
	}
	slot, err := deps.Time.ResolveLocal(cfg.TradingDate, cfg.SlotTimeLocal)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.StreamID, err)
	}
	if !slot.After(rangeStart) {
		return nil, fmt.Errorf("stream %s: slot %s not after range start %s",
			cfg.StreamID, cfg.SlotTimeLocal, cfg.RangeStartLocal)
	}
	open, err := deps.Time.ResolveLocal(cfg.TradingDate, cfg.MarketOpenLocal)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.StreamID, err)
	}
	mktClose, err := deps.Time.ResolveLocal(cfg.TradingDate, cfg.MarketCloseLocal)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.StreamID, err)
	}
	flatten, err := deps.Time.ResolveLocal(cfg.TradingDate, cfg.ForcedFlattenLocal)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.StreamID, err)
	}

	s := &Stream{
		cfg:              cfg,
		deps:             deps,
		rangeStartUTC:    rangeStart,
		slotUTC:          slot,
		marketOpenUTC:    open,
		marketCloseUTC:   mktClose,
		forcedFlattenUTC: flatten,
		state:            StatePreHydration,
		buffer:           market.NewBarBuffer(cfg.CanonicalInstrument, rangeStart, slot),
		record: &journal.StreamRecord{
			TradingDate:     cfg.TradingDate,
			StreamID:        cfg.StreamID,
			LastState:       string(StatePreHydration),
			SlotInstanceKey: SlotInstanceKey(cfg.StreamID, cfg.SlotTimeLocal, cfg.TradingDate),
		},
	}
	return s, nil
}

// SlotInstanceKey is the stable identity carried across trading-day rollover
// for slot-persistent re-entry.
func SlotInstanceKey(streamID, slotLocal, tradingDate string) string {
	return fmt.Sprintf("%s_%s_%s", streamID, slotLocal, tradingDate)
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.cfg.StreamID }

// Canonical returns the canonical instrument.
func (s *Stream) Canonical() string { return s.cfg.CanonicalInstrument }

// State returns the current lifecycle state.
func (s *Stream) State() State { return s.state }

// Record returns the stream's journal record (read model).
func (s *Stream) Record() journal.StreamRecord { return *s.record }

// Range returns the locked range values; valid only after lock.
func (s *Stream) Range() (high, low, freeze, brkLong, brkShort float64, locked bool) {
	return s.rangeHigh, s.rangeLow, s.freezeClose, s.brkLong, s.brkShort, s.rangeLocked
}

// Buffer exposes the stream's bar buffer to the engine's routing.
func (s *Stream) Buffer() *market.BarBuffer { return s.buffer }

// SessionWindow returns the UTC interval in which this stream may submit:
// range start through forced flatten.
func (s *Stream) SessionWindow() (time.Time, time.Time) {
	return s.rangeStartUTC, s.forcedFlattenUTC
}

// Failed reports whether the stream has been stood down.
func (s *Stream) Failed() bool { return s.failed }

func (s *Stream) event(name, level string, data map[string]interface{}) {
	s.deps.Events.Emit(logger.Event{
		Event:       name,
		Level:       level,
		Stream:      s.cfg.StreamID,
		Instrument:  s.cfg.CanonicalInstrument,
		TradingDate: s.cfg.TradingDate,
		Data:        data,
	})
}

func (s *Stream) transition(to State, reason string, now time.Time) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.record.LastState = string(to)
	s.record.UpdatedAt = now.UTC()
	if err := s.deps.StreamJ.Save(s.record); err != nil {
		logger.Errorf("stream %s: persist state %s failed: %v", s.cfg.StreamID, to, err)
	}
	s.event("stream_transition", logger.LevelInfo, map[string]interface{}{
		"utc_now": now.UTC().Format(time.RFC3339),
		"from":    string(from),
		"to":      string(to),
		"reason":  reason,
	})
}

func (s *Stream) saveRecord(now time.Time) {
	s.record.UpdatedAt = now.UTC()
	if err := s.deps.StreamJ.Save(s.record); err != nil {
		logger.Errorf("stream %s: persist record failed: %v", s.cfg.StreamID, err)
	}
}

// Tick advances the state machine against the wall clock. Called at 1 Hz by
// the engine and after every bar admission.
func (s *Stream) Tick(now time.Time) {
	if s.failed || s.state == StateDone || s.state == StateSuspended {
		return
	}

	// Forced flatten fires regardless of where the lifecycle sits.
	if !now.Before(s.forcedFlattenUTC) {
		s.maybeForcedFlatten(now)
	}

	// A slot carried forward after a forced flatten is still the original
	// instance: it re-enters at market open and manages that position, it
	// does not build a second range.
	if s.record.ExecutionInterruptedByClose && s.record.PriorJournalKey != "" {
		s.maybeReenter(now)
		if s.entryDetected {
			s.checkBreakEven(now)
		}
		return
	}

	switch s.state {
	case StatePreHydration:
		if !s.deps.HistPending(s.cfg.CanonicalInstrument) {
			s.transition(StateArmed, "historical fetch complete", now)
		} else if !now.Before(s.rangeStartUTC) {
			s.transition(StateArmed, "time threshold reached with fetch pending", now)
		}
		// Fall through on the next tick.
	case StateArmed:
		if !now.Before(s.rangeStartUTC) {
			s.transition(StateRangeBuild, "range window open", now)
		}
	case StateRangeBuild:
		if !now.Before(s.slotUTC) && !s.deps.HistPending(s.cfg.CanonicalInstrument) {
			s.lockRange(now)
		}
	case StateRangeLocked:
		// Restart path: brackets not yet confirmed submitted, no entry seen,
		// and the lock did not take the immediate-entry branch.
		if !s.record.StopBracketsSubmittedAtLock && !s.record.ImmediateEntrySubmitted && !s.entryDetected {
			s.submitStopBrackets(now)
		}
		if s.entryDetected {
			s.checkBreakEven(now)
		}
		if !s.entryDetected && !now.Before(s.marketCloseUTC) {
			s.commit("market close with no entry", now)
		}
	}
}

// OnBar feeds one routed bar: attempted admission into the range window plus
// price observation for break-even and monitoring. Returns the admission
// outcome for the engine's counters.
func (s *Stream) OnBar(bar market.Bar, now time.Time) market.AdmitResult {
	res := s.buffer.Admit(bar, now)
	if res.Accepted() {
		s.event("bar_admitted", logger.LevelDebug, map[string]interface{}{
			"open_time": bar.OpenTime.Format(time.RFC3339),
			"source":    bar.Source.String(),
			"result":    res.String(),
			"close":     bar.Close,
		})
	}

	// Any completed bar is a price observation, in or out of the window.
	s.lastPrice = bar.Close
	s.Tick(now)
	return res
}

// OnPrice feeds a raw price observation (live trades between bars).
func (s *Stream) OnPrice(price float64, now time.Time) {
	s.lastPrice = price
	if s.state == StateRangeLocked && s.entryDetected {
		s.checkBreakEven(now)
	}
}

// lockRange freezes the pre-slot range and arms the breakout bracket. The
// range is immutable for the trading date from here on.
func (s *Stream) lockRange(now time.Time) {
	bars := s.buffer.Bars()
	if len(bars) == 0 {
		s.deps.Events.EmitLimited("no_bars_at_lock_"+s.cfg.StreamID, logger.Event{
			Event: "range_lock_waiting_for_bars", Level: logger.LevelWarn,
			Stream: s.cfg.StreamID, Instrument: s.cfg.CanonicalInstrument,
			TradingDate: s.cfg.TradingDate,
		})
		return
	}

	high := bars[0].High
	low := bars[0].Low
	var freeze float64
	for _, b := range bars {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
		if !b.OpenTime.After(s.slotUTC) {
			freeze = b.Close
		}
	}

	tick := s.cfg.Policy.TickSize
	s.rangeHigh = high
	s.rangeLow = low
	s.freezeClose = freeze
	s.brkLong = journal.RoundToTick(high+tick, tick)
	s.brkShort = journal.RoundToTick(low-tick, tick)
	s.rangeLocked = true

	hydr := journal.HydrationEvent{
		TSUTC: now.UTC(), Event: "range_locked",
		StreamID: s.cfg.StreamID, TradingDate: s.cfg.TradingDate,
		RangeHigh: journal.F(s.rangeHigh), RangeLow: journal.F(s.rangeLow),
		FreezeClose: journal.F(s.freezeClose),
		BrkLong:     journal.F(s.brkLong), BrkShort: journal.F(s.brkShort),
	}
	if err := s.deps.Hydration.Append(hydr); err != nil {
		logger.Errorf("stream %s: hydration append failed: %v", s.cfg.StreamID, err)
	}
	if err := s.deps.Hydration.AppendRange(hydr); err != nil {
		logger.Errorf("stream %s: ranges append failed: %v", s.cfg.StreamID, err)
	}
	s.event("range_locked", logger.LevelInfo, map[string]interface{}{
		"range_high": s.rangeHigh, "range_low": s.rangeLow,
		"freeze_close": s.freezeClose,
		"brk_long":     s.brkLong, "brk_short": s.brkShort,
		"bars": len(bars),
	})

	s.buildIntents()
	s.transition(StateRangeLocked, "range computed at slot", now)

	// Immediate-entry branch: price already through a level at lock.
	switch {
	case s.freezeClose >= s.brkLong:
		s.submitImmediateEntry(s.longIntent, now)
	case s.freezeClose <= s.brkShort:
		s.submitImmediateEntry(s.shortIntent, now)
	default:
		s.submitStopBrackets(now)
	}
}

// buildIntents derives both bracket intents from the locked range. The
// break-even trigger is computed here, at construction, so restart paths
// never need the range again.
func (s *Stream) buildIntents() {
	s.longIntent = s.buildIntent(journal.Long, s.brkLong)
	s.shortIntent = s.buildIntent(journal.Short, s.brkShort)
}

func (s *Stream) buildIntent(dir journal.Direction, entry float64) journal.Intent {
	p := s.cfg.Policy
	tick := p.TickSize
	targetDist := p.BaseTargetPoints * p.TargetRatio
	stopDist := p.BaseTargetPoints * p.StopRatio

	var stop, target float64
	if dir == journal.Long {
		stop = journal.RoundToTick(entry-stopDist, tick)
		target = journal.RoundToTick(entry+targetDist, tick)
	} else {
		stop = journal.RoundToTick(entry+stopDist, tick)
		target = journal.RoundToTick(entry-targetDist, tick)
	}
	beFrac := p.BreakEvenFraction
	if beFrac == 0 {
		beFrac = 0.65
	}
	beTrigger := entry + beFrac*(target-entry)

	return journal.Intent{
		TradingDate:         s.cfg.TradingDate,
		StreamID:            s.cfg.StreamID,
		CanonicalInstrument: s.cfg.CanonicalInstrument,
		SessionTag:          s.cfg.SessionTag,
		SlotTimeLocal:       s.cfg.SlotTimeLocal,
		Direction:           dir,
		EntryPrice:          entry,
		StopPrice:           stop,
		TargetPrice:         target,
		BETriggerPrice:      beTrigger,
		ExecutionInstrument: s.cfg.ExecutionInstrument,
		Quantity:            p.Quantity,
		TickSize:            tick,
		ContractMultiplier:  p.ContractMultiplier,
		EntryKind:           journal.OrderStopEntry,
		SlotInstanceKey:     s.record.SlotInstanceKey,
		Costs: journal.Costs{
			Slippage:   p.SlippagePerContract,
			Commission: p.CommissionPerContract,
			Fees:       p.FeesPerContract,
		},
	}
}

func (s *Stream) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, execution.ErrDuplicateSubmission) {
			// The order we want already exists: success.
			return nil
		}
		logger.Warnf("stream %s: %s attempt %d/%d failed: %v",
			s.cfg.StreamID, op, attempt, submitAttempts, err)
		if attempt < submitAttempts {
			s.deps.Sleep(submitWait)
		}
	}
	return err
}

// submitStopBrackets arms both stop-entry legs as a broker OCO pair. Journal
// idempotency makes this safe to re-run after a crash mid-way.
func (s *Stream) submitStopBrackets(now time.Time) {
	if !s.rangeLocked {
		return
	}
	ocoGroup := "OCO:" + s.record.SlotInstanceKey

	for _, it := range []journal.Intent{s.longIntent, s.shortIntent} {
		it := it
		id := it.ID()
		submitted, err := s.deps.Exec.IsIntentSubmitted(id, it.TradingDate, it.StreamID)
		if err != nil {
			s.standDown(fmt.Sprintf("journal unreadable for %s: %v", id, err), now)
			return
		}
		if submitted {
			continue
		}
		if err := s.deps.Gate.Check(it, now); err != nil {
			s.event("submission_refused", logger.LevelWarn, map[string]interface{}{
				"intent_id": id, "gate": err.Error(),
			})
			return
		}
		var brokerID string
		err = s.withRetry("stop bracket "+string(it.Direction), func() error {
			var serr error
			brokerID, serr = s.deps.Adapter.SubmitStopEntryOrder(
				id, s.cfg.ExecutionInstrument, it.Direction, it.EntryPrice, it.Quantity, ocoGroup, now)
			return serr
		})
		if err != nil {
			s.standDown(fmt.Sprintf("stop bracket submission failed for %s: %v", it.Direction, err), now)
			return
		}
		if err := s.deps.Exec.RecordSubmission(it, brokerID, now, it.EntryPrice); err != nil {
			s.standDown(fmt.Sprintf("journal submission record failed: %v", err), now)
			return
		}
		s.event("stop_bracket_submitted", logger.LevelInfo, map[string]interface{}{
			"intent_id": id, "direction": string(it.Direction),
			"price": it.EntryPrice, "oco_group": ocoGroup,
		})
	}

	s.record.StopBracketsSubmittedAtLock = true
	s.saveRecord(now)
}

// submitImmediateEntry takes the already-breached branch at lock: a market
// entry in the breached direction, same intent identity semantics.
func (s *Stream) submitImmediateEntry(it journal.Intent, now time.Time) {
	it.EntryKind = journal.OrderMarket
	id := it.ID()

	submitted, err := s.deps.Exec.IsIntentSubmitted(id, it.TradingDate, it.StreamID)
	if err != nil {
		s.standDown(fmt.Sprintf("journal unreadable for %s: %v", id, err), now)
		return
	}
	if submitted {
		return
	}
	if err := s.deps.Gate.Check(it, now); err != nil {
		s.event("submission_refused", logger.LevelWarn, map[string]interface{}{
			"intent_id": id, "gate": err.Error(),
		})
		return
	}
	var brokerID string
	err = s.withRetry("immediate entry", func() error {
		var serr error
		brokerID, serr = s.deps.Adapter.SubmitEntryOrder(
			id, s.cfg.ExecutionInstrument, it.Direction, it.EntryPrice, it.Quantity, journal.OrderMarket, now)
		return serr
	})
	if err != nil {
		s.standDown(fmt.Sprintf("immediate entry submission failed: %v", err), now)
		return
	}
	if err := s.deps.Exec.RecordSubmission(it, brokerID, now, it.EntryPrice); err != nil {
		s.standDown(fmt.Sprintf("journal submission record failed: %v", err), now)
		return
	}
	s.record.ImmediateEntrySubmitted = true
	s.saveRecord(now)
	s.event("immediate_entry_submitted", logger.LevelInfo, map[string]interface{}{
		"intent_id": id, "direction": string(it.Direction),
		"freeze_close": s.freezeClose,
	})
	// Keep the active side known before the fill lands.
	if it.Direction == journal.Long {
		s.longIntent.EntryKind = journal.OrderMarket
	} else {
		s.shortIntent.EntryKind = journal.OrderMarket
	}
}

// HandleEntryFill is the authoritative entry detection: every entry fill
// (partial or full) lands here from the callback router.
func (s *Stream) HandleEntryFill(intentID string, price float64, deltaQty int, now time.Time) {
	entry, found, err := s.deps.Exec.GetByID(intentID)
	if err != nil || !found || !entry.EntryComplete() {
		// Intent context is gone or incomplete: no protective prices exist.
		logger.Errorf("stream %s: entry fill without usable intent %s, flattening", s.cfg.StreamID, intentID)
		if ferr := s.deps.Adapter.Flatten(intentID, s.cfg.ExecutionInstrument, now); ferr != nil {
			logger.Errorf("stream %s: flatten failed: %v", s.cfg.StreamID, ferr)
		}
		s.standDown("entry fill with missing intent context", now)
		return
	}

	if err := s.deps.Exec.RecordEntryFill(intentID, price, deltaQty, now,
		entry.Intent.ContractMultiplier, entry.Intent.Direction,
		s.cfg.ExecutionInstrument, s.cfg.CanonicalInstrument); err != nil {
		logger.Errorf("stream %s: record entry fill failed: %v", s.cfg.StreamID, err)
		if ferr := s.deps.Adapter.Flatten(intentID, s.cfg.ExecutionInstrument, now); ferr != nil {
			logger.Errorf("stream %s: flatten failed: %v", s.cfg.StreamID, ferr)
		}
		s.standDown("journal write failed on entry fill", now)
		return
	}

	firstFill := !s.entryDetected
	s.entryDetected = true
	s.activeIntentID = intentID
	s.record.EntryDetected = true
	s.saveRecord(now)

	if firstFill {
		s.cancelOpposingEntry(intentID)
	}

	// Reload for the cumulative quantity after this delta.
	entry, _, err = s.deps.Exec.GetByID(intentID)
	if err != nil || entry == nil {
		s.standDown("journal reload failed after entry fill", now)
		return
	}

	s.event("entry_fill", logger.LevelInfo, map[string]interface{}{
		"intent_id": intentID, "price": price, "delta_qty": deltaQty,
		"cum_qty": entry.EntryFilledQty, "avg_price": entry.EntryAvgPrice,
	})

	s.attachProtectives(entry, now)
}

// cancelOpposingEntry defensively pulls the other leg's pending entry. The
// broker OCO should have done it already; this covers brokers that have not.
// Protective orders of other intents are untouched: the opposing intent has
// no protectives yet by construction.
func (s *Stream) cancelOpposingEntry(filledIntentID string) {
	var opposite journal.Intent
	switch filledIntentID {
	case s.longIntent.ID():
		opposite = s.shortIntent
	case s.shortIntent.ID():
		opposite = s.longIntent
	default:
		// Re-entry intents have no opposing leg.
		return
	}
	if err := s.deps.Adapter.CancelIntentOrders(opposite.ID()); err != nil {
		logger.Warnf("stream %s: cancel opposing entry failed: %v", s.cfg.StreamID, err)
	}
}

// attachProtectives submits (first fill) or resizes (subsequent partials)
// the protective stop/target OCO, sized to the cumulative filled quantity.
func (s *Stream) attachProtectives(entry *journal.Entry, now time.Time) {
	it := entry.Intent
	if !it.Complete() {
		logger.Errorf("stream %s: protective attach without direction/stop/target, flattening", s.cfg.StreamID)
		if err := s.deps.Adapter.Flatten(entry.IntentID, s.cfg.ExecutionInstrument, now); err != nil {
			logger.Errorf("stream %s: flatten failed: %v", s.cfg.StreamID, err)
		}
		s.standDown("incomplete intent at protective attachment", now)
		return
	}

	ocoGroup := "OCO:PROT:" + entry.IntentID
	qty := entry.EntryFilledQty

	err := s.withRetry("protective stop", func() error {
		_, serr := s.deps.Adapter.SubmitProtectiveStop(
			entry.IntentID, s.cfg.ExecutionInstrument, it.Direction, it.StopPrice, qty, ocoGroup)
		return serr
	})
	if err == nil {
		err = s.withRetry("protective target", func() error {
			_, serr := s.deps.Adapter.SubmitTargetOrder(
				entry.IntentID, s.cfg.ExecutionInstrument, it.Direction, it.TargetPrice, qty, ocoGroup)
			return serr
		})
	}
	if err != nil {
		logger.Errorf("stream %s: protective attachment failed after retries: %v", s.cfg.StreamID, err)
		if ferr := s.deps.Adapter.Flatten(entry.IntentID, s.cfg.ExecutionInstrument, now); ferr != nil {
			logger.Errorf("stream %s: flatten failed: %v", s.cfg.StreamID, ferr)
		}
		s.standDown("protective attachment failed", now)
		return
	}

	s.event("protectives_attached", logger.LevelInfo, map[string]interface{}{
		"intent_id": entry.IntentID, "stop": it.StopPrice, "target": it.TargetPrice,
		"qty": qty,
	})
}

// checkBreakEven moves the protective stop one tick past the average entry
// price once price has crossed the trigger. Applies exactly once per intent,
// latched in the journal so restarts and retries stay idempotent.
func (s *Stream) checkBreakEven(now time.Time) {
	if s.activeIntentID == "" || s.lastPrice == 0 {
		return
	}
	entry, found, err := s.deps.Exec.GetByID(s.activeIntentID)
	if err != nil || !found || entry.BreakEvenApplied || entry.EntryFilledQty == 0 {
		return
	}
	it := entry.Intent

	crossed := (it.Direction == journal.Long && s.lastPrice >= it.BETriggerPrice) ||
		(it.Direction == journal.Short && s.lastPrice <= it.BETriggerPrice)
	if !crossed {
		return
	}

	applied, err := s.deps.Exec.MarkBreakEvenApplied(s.activeIntentID, it.TradingDate, now)
	if err != nil || !applied {
		return
	}

	tick := it.TickSize
	newStop := entry.EntryAvgPrice + tick
	if it.Direction == journal.Short {
		newStop = entry.EntryAvgPrice - tick
	}
	newStop = journal.RoundToTick(newStop, tick)

	if err := s.withRetry("break-even modify", func() error {
		return s.deps.Adapter.ModifyStopPrice(s.activeIntentID, newStop)
	}); err != nil {
		logger.Errorf("stream %s: break-even modify failed: %v", s.cfg.StreamID, err)
		return
	}
	s.event("break_even_applied", logger.LevelInfo, map[string]interface{}{
		"intent_id": s.activeIntentID, "trigger": it.BETriggerPrice,
		"new_stop": newStop, "last_price": s.lastPrice,
	})
}

// HandleExitFill records protective stop/target fills and completes the
// trade when the position is flat.
func (s *Stream) HandleExitFill(intentID string, price float64, deltaQty int, kind journal.ExitKind, now time.Time) {
	err := s.deps.Exec.RecordExitFill(intentID, price, deltaQty, kind, now)
	if err != nil {
		if errors.Is(err, journal.ErrOverfill) {
			logger.Errorf("stream %s: OVERFILL on %s: %v", s.cfg.StreamID, intentID, err)
			if ferr := s.deps.Adapter.Flatten(intentID, s.cfg.ExecutionInstrument, now); ferr != nil {
				logger.Errorf("stream %s: flatten failed: %v", s.cfg.StreamID, ferr)
			}
			s.standDown("exit overfill invariant violation", now)
			return
		}
		logger.Errorf("stream %s: record exit fill failed: %v", s.cfg.StreamID, err)
		return
	}

	entry, found, err := s.deps.Exec.GetByID(intentID)
	if err != nil || !found {
		logger.Errorf("stream %s: journal reload after exit fill failed: %v", s.cfg.StreamID, err)
		return
	}
	s.event("exit_fill", logger.LevelInfo, map[string]interface{}{
		"intent_id": intentID, "price": price, "delta_qty": deltaQty,
		"kind": string(kind), "cum_exit": entry.ExitFilledQty,
	})

	if entry.TradeCompleted {
		if s.deps.OnComplete != nil {
			s.deps.OnComplete(entry)
		}
		s.event("trade_completed", logger.LevelInfo, map[string]interface{}{
			"intent_id": intentID, "reason": string(entry.CompletionReason),
			"points": entry.RealizedPoints, "gross": entry.GrossPnL, "net": entry.NetPnL,
		})
		s.commit("trade completed: "+string(entry.CompletionReason), now)
	}
}

// maybeForcedFlatten closes any live position at the forced-flatten time.
// The slot is deliberately NOT committed: the rollover carry-forward path
// picks it up.
func (s *Stream) maybeForcedFlatten(now time.Time) {
	if !s.entryDetected || s.forcedFlattenDone || s.state == StateDone {
		return
	}
	entry, found, err := s.deps.Exec.GetByID(s.activeIntentID)
	if err != nil || !found {
		return
	}
	if entry.TradeCompleted || entry.ExitFilledQty >= entry.EntryFilledQty {
		return
	}

	if err := s.deps.Adapter.Flatten(s.activeIntentID, s.cfg.ExecutionInstrument, now); err != nil {
		logger.Errorf("stream %s: forced flatten failed: %v", s.cfg.StreamID, err)
		s.deps.Notifier.Alert(notify.EventExecutionGateInvariant,
			fmt.Sprintf("forced flatten failed for %s: %v", s.cfg.StreamID, err),
			notify.SeverityEmergency)
		return
	}
	s.forcedFlattenDone = true
	s.record.ExecutionInterruptedByClose = true
	s.saveRecord(now)
	s.event("forced_flatten", logger.LevelWarn, map[string]interface{}{
		"intent_id": s.activeIntentID,
		"open_qty":  entry.EntryFilledQty - entry.ExitFilledQty,
	})
}

// maybeReenter submits the once-only MARKET re-entry for a slot that was
// force-flattened on a prior day. Keyed off the carried slot instance key so
// crashes between submission and the fill cannot double-enter.
func (s *Stream) maybeReenter(now time.Time) {
	if !s.record.ExecutionInterruptedByClose || s.record.ReentrySubmitted || s.record.PriorJournalKey == "" {
		return
	}
	if now.Before(s.marketOpenUTC) {
		return
	}

	reentryID := journal.ReentryIntentID(s.record.SlotInstanceKey)
	submitted, err := s.deps.Exec.IsIntentSubmitted(reentryID, s.cfg.TradingDate, s.cfg.StreamID)
	if err != nil {
		s.standDown(fmt.Sprintf("journal unreadable for re-entry: %v", err), now)
		return
	}
	if submitted {
		s.record.ReentrySubmitted = true
		s.saveRecord(now)
		return
	}

	prior := s.priorFilledIntent()
	if prior == nil {
		logger.Errorf("stream %s: carry-forward set but no prior filled intent found", s.cfg.StreamID)
		s.record.ReentrySubmitted = true
		s.saveRecord(now)
		return
	}

	it := *prior
	it.TradingDate = s.cfg.TradingDate
	it.EntryKind = journal.OrderMarket
	it.SlotInstanceKey = s.record.SlotInstanceKey

	if err := s.deps.Gate.Check(it, now); err != nil {
		s.event("submission_refused", logger.LevelWarn, map[string]interface{}{
			"intent_id": reentryID, "gate": err.Error(),
		})
		return
	}

	var brokerID string
	err = s.withRetry("re-entry", func() error {
		var serr error
		brokerID, serr = s.deps.Adapter.SubmitEntryOrder(
			reentryID, s.cfg.ExecutionInstrument, it.Direction, s.lastPrice, it.Quantity, journal.OrderMarket, now)
		return serr
	})
	if err != nil {
		s.standDown(fmt.Sprintf("re-entry submission failed: %v", err), now)
		return
	}
	if err := s.deps.Exec.RecordSubmissionWithID(reentryID, it, brokerID, now, s.lastPrice); err != nil {
		s.standDown(fmt.Sprintf("journal re-entry record failed: %v", err), now)
		return
	}
	s.record.ReentrySubmitted = true
	s.saveRecord(now)
	s.activeIntentID = reentryID
	s.event("reentry_submitted", logger.LevelInfo, map[string]interface{}{
		"intent_id": reentryID, "direction": string(it.Direction),
		"slot_instance_key": s.record.SlotInstanceKey,
	})
}

// priorFilledIntent loads the force-flattened entry's intent from the prior
// day's journal; its bracket levels drive the re-entry.
func (s *Stream) priorFilledIntent() *journal.Intent {
	entries, err := s.deps.Exec.EntriesForStream(s.record.PriorJournalKey, s.cfg.StreamID)
	if err != nil {
		logger.Errorf("stream %s: prior journal read failed: %v", s.cfg.StreamID, err)
		return nil
	}
	for _, e := range entries {
		if e.EntryFilledQty > 0 && !e.TradeCompleted {
			it := e.Intent
			return &it
		}
	}
	return nil
}

// commit finishes the slot for the day.
func (s *Stream) commit(reason string, now time.Time) {
	s.record.Committed = true
	s.transition(StateDone, reason, now)
}

// standDown marks the stream failed and raises the critical alert. Fail
// closed: no further submissions from this stream for the day.
func (s *Stream) standDown(reason string, now time.Time) {
	if s.failed {
		return
	}
	s.failed = true
	s.event("stream_stand_down", logger.LevelCritical, map[string]interface{}{
		"reason": reason,
	})
	s.deps.Notifier.Alert(notify.EventExecutionGateInvariant,
		fmt.Sprintf("stream %s stood down: %s", s.cfg.StreamID, reason),
		notify.SeverityEmergency)
	s.saveRecord(now)
}
