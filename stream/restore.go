package stream

import (
	"time"

	"QTSW2/journal"
	"QTSW2/logger"
)

// Restore rebuilds a stream's state from its journals on process startup.
// A previously locked range is restored from the hydration log, never
// silently recomputed from whatever bars happen to be around; the explicit
// repair path (sufficient bars, no restore data) is the only recompute, and
// it announces itself. Returns whether this was a restart.
func (s *Stream) Restore(now time.Time) (bool, error) {
	rec, found, err := s.deps.StreamJ.Load(s.cfg.TradingDate, s.cfg.StreamID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	// The persisted record wins over the freshly constructed one, except the
	// slot instance key which must survive even if older records lack it.
	if rec.SlotInstanceKey == "" {
		rec.SlotInstanceKey = s.record.SlotInstanceKey
	}
	s.record = rec

	s.event("stream_restoring", logger.LevelInfo, map[string]interface{}{
		"last_state":     rec.LastState,
		"entry_detected": rec.EntryDetected,
	})

	switch State(rec.LastState) {
	case StateDone:
		s.state = StateDone
		return true, nil
	case StateSuspended:
		s.state = StateSuspended
		return true, nil
	case StateRangeLocked:
		s.restoreLocked(now)
		return true, nil
	default:
		// Pre-lock states resume the normal lifecycle from scratch; the
		// buffer refills from the restart-aware refetch.
		s.state = StatePreHydration
		return true, nil
	}
}

func (s *Stream) restoreLocked(now time.Time) {
	rr, found, err := s.deps.Hydration.LatestRange(s.cfg.TradingDate, s.cfg.StreamID)
	if err != nil {
		logger.Errorf("stream %s: hydration read failed: %v", s.cfg.StreamID, err)
		found = false
	}

	if found {
		s.rangeHigh = rr.RangeHigh
		s.rangeLow = rr.RangeLow
		s.freezeClose = rr.FreezeClose
		s.rangeLocked = true
		if rr.HasBreakout {
			s.brkLong = rr.BrkLong
			s.brkShort = rr.BrkShort
		} else {
			// Repair path for older logs that recorded the range without the
			// derived levels.
			tick := s.cfg.Policy.TickSize
			s.brkLong = journal.RoundToTick(s.rangeHigh+tick, tick)
			s.brkShort = journal.RoundToTick(s.rangeLow-tick, tick)
			s.event("breakout_levels_computed", logger.LevelInfo, map[string]interface{}{
				"brk_long": s.brkLong, "brk_short": s.brkShort,
			})
		}
		s.finishLockedRestore(now)
		return
	}

	// No restore data. Recompute only from a sufficient bar set; otherwise
	// the stream suspends and waits for a human.
	if s.buffer.Len() >= s.cfg.MinBarsForRecompute {
		s.event("range_recomputed_after_restart", logger.LevelWarn, map[string]interface{}{
			"bars": s.buffer.Len(),
		})
		s.state = StateRangeBuild
		s.lockRange(now)
		if s.state != StateRangeLocked {
			s.state = StateSuspended
			s.record.LastState = string(StateSuspended)
			s.saveRecord(now)
		}
		return
	}

	s.state = StateSuspended
	s.record.LastState = string(StateSuspended)
	s.saveRecord(now)
	s.event("stream_suspended", logger.LevelError, map[string]interface{}{
		"reason": "expected locked range, no restore data, bars insufficient",
		"bars":   s.buffer.Len(),
		"needed": s.cfg.MinBarsForRecompute,
	})
}

// finishLockedRestore lands the stream directly in RANGE_LOCKED: intents
// rebuilt from the restored range (identical identities by construction),
// entry detection restored from the execution journal.
func (s *Stream) finishLockedRestore(now time.Time) {
	s.buildIntents()
	s.state = StateRangeLocked

	hasFill, err := s.deps.Exec.HasEntryFillForStream(s.cfg.TradingDate, s.cfg.StreamID)
	if err != nil {
		logger.Errorf("stream %s: entry-fill scan failed: %v", s.cfg.StreamID, err)
	}
	if hasFill || s.record.EntryDetected {
		s.entryDetected = true
		s.record.EntryDetected = true
		s.activeIntentID = s.findActiveIntentID()
	}

	s.event("stream_restored_locked", logger.LevelInfo, map[string]interface{}{
		"range_high": s.rangeHigh, "range_low": s.rangeLow,
		"freeze_close": s.freezeClose,
		"brk_long":     s.brkLong, "brk_short": s.brkShort,
		"entry_detected": s.entryDetected,
		"brackets_submitted": s.record.StopBracketsSubmittedAtLock,
	})
	s.saveRecord(now)
	// The first Tick in RANGE_LOCKED re-attempts bracket submission if the
	// journal says it never completed; idempotency prevents duplicates.
}

// findActiveIntentID locates the filled entry intent on this (date, stream).
func (s *Stream) findActiveIntentID() string {
	entries, err := s.deps.Exec.EntriesForStream(s.cfg.TradingDate, s.cfg.StreamID)
	if err != nil {
		logger.Errorf("stream %s: journal scan failed: %v", s.cfg.StreamID, err)
		return ""
	}
	for _, e := range entries {
		if e.EntryFilledQty > 0 {
			return e.IntentID
		}
	}
	return ""
}

// CarryForward builds the next trading date's stream record for a slot whose
// position was force-flattened: the slot instance key survives, the prior
// date is kept for intent lookup, and the interrupted flag arms the re-entry.
func CarryForward(prev journal.StreamRecord, nextDate string) *journal.StreamRecord {
	return &journal.StreamRecord{
		TradingDate:                 nextDate,
		StreamID:                    prev.StreamID,
		LastState:                   string(StatePreHydration),
		SlotInstanceKey:             prev.SlotInstanceKey,
		PriorJournalKey:             prev.TradingDate,
		ExecutionInterruptedByClose: true,
	}
}

// AdoptCarryForward installs a carried-forward record into a freshly
// constructed next-day stream.
func (s *Stream) AdoptCarryForward(rec *journal.StreamRecord, now time.Time) {
	s.record = rec
	s.saveRecord(now)
	s.event("slot_carried_forward", logger.LevelInfo, map[string]interface{}{
		"slot_instance_key": rec.SlotInstanceKey,
		"prior_date":        rec.PriorJournalKey,
	})
}
