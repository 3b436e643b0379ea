package execution

import (
	"sync"
	"time"

	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/metrics"
	"QTSW2/notify"
)

const (
	lookupRetries   = 3
	lookupRetryWait = 100 * time.Millisecond
)

// FillHandler is the stream-side surface the router dispatches resolved
// fills into.
type FillHandler interface {
	HandleEntryFill(intentID string, price float64, deltaQty int, now time.Time)
	HandleExitFill(intentID string, price float64, deltaQty int, kind journal.ExitKind, now time.Time)
}

// Router consumes broker events off the callback queue, decodes their tags,
// resolves intents from the journal and dispatches to the owning stream.
// It owns the fail-closed policies of the callback path: undecodable tag or
// unresolvable intent means flatten first, ask questions in the log.
//
// HandleEvent is only ever called from the engine goroutine; internal state
// needs no locking beyond the handler registry, which the engine mutates on
// rollover.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]FillHandler // stream_id -> handler

	adapter     Adapter
	exec        *journal.ExecutionJournal
	notifier    *notify.Notifier
	events      *logger.EventWriter
	instruments map[string]bool // execution instruments this instance trades

	orderStatus map[string]OrderStatus // tag -> last status
	sleep       func(time.Duration)
}

// NewRouter wires the router. instruments is the set of execution instrument
// names this instance owns; callbacks for anything else are dropped.
func NewRouter(adapter Adapter, exec *journal.ExecutionJournal, notifier *notify.Notifier, events *logger.EventWriter, instruments []string) *Router {
	set := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		set[in] = true
	}
	return &Router{
		handlers:    make(map[string]FillHandler),
		adapter:     adapter,
		exec:        exec,
		notifier:    notifier,
		events:      events,
		instruments: set,
		orderStatus: make(map[string]OrderStatus),
		sleep:       time.Sleep,
	}
}

// SetSleep overrides the retry wait (tests).
func (r *Router) SetSleep(sleep func(time.Duration)) {
	r.sleep = sleep
}

// Register attaches the handler for a stream id.
func (r *Router) Register(streamID string, h FillHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[streamID] = h
}

// Unregister detaches a stream (rollover).
func (r *Router) Unregister(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, streamID)
}

func (r *Router) handler(streamID string) (FillHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[streamID]
	return h, ok
}

// HandleEvent processes one queued broker event.
func (r *Router) HandleEvent(ev Event, now time.Time) {
	switch e := ev.(type) {
	case OrderEvent:
		r.handleOrder(e)
	case FillEvent:
		r.handleFill(e, now)
	}
}

func (r *Router) handleOrder(ev OrderEvent) {
	if ev.Instrument != "" && !r.instruments[ev.Instrument] {
		r.events.EmitLimited("foreign_instrument_order", logger.Event{
			Event: "foreign_instrument_callback", Level: logger.LevelWarn,
			Instrument: ev.Instrument,
			Data:       map[string]interface{}{"tag": ev.Tag, "status": string(ev.Status)},
		})
		return
	}
	if _, _, err := DecodeTag(ev.Tag); err != nil {
		logger.Debugf("order update with foreign tag %q ignored", ev.Tag)
		return
	}
	r.orderStatus[ev.Tag] = ev.Status
}

func (r *Router) handleFill(ev FillEvent, now time.Time) {
	// Fills for instruments this instance does not trade belong to another
	// strategy instance; drop them before any tag inspection so a foreign
	// tag cannot trigger a flatten on someone else's position.
	if ev.Instrument != "" && !r.instruments[ev.Instrument] {
		r.events.EmitLimited("foreign_instrument_fill", logger.Event{
			Event: "foreign_instrument_callback", Level: logger.LevelWarn,
			Instrument: ev.Instrument,
			Data:       map[string]interface{}{"tag": ev.Tag},
		})
		return
	}

	intentID, leg, err := DecodeTag(ev.Tag)
	if err != nil {
		// Untracked fill: something is in the market under our account that
		// the journal cannot explain. Flatten, alert, and do not record.
		metrics.Flattens.WithLabelValues("untracked_fill").Inc()
		logger.Errorf("untracked fill on %s (tag %q): flattening", ev.Instrument, ev.Tag)
		if ferr := r.adapter.Flatten("", ev.Instrument, now); ferr != nil {
			logger.Errorf("flatten after untracked fill failed: %v", ferr)
		}
		r.events.Emit(logger.Event{
			Event: "untracked_fill_flattened", Level: logger.LevelCritical,
			Instrument: ev.Instrument,
			Data:       map[string]interface{}{"tag": ev.Tag, "price": ev.Price, "qty": ev.DeltaQty},
		})
		r.notifier.Alert(notify.EventExecutionGateInvariant,
			"untracked fill flattened on "+ev.Instrument, notify.SeverityEmergency)
		return
	}

	entry := r.resolveEntry(intentID, ev.Tag)
	if entry == nil || !entry.EntryComplete() {
		logger.Errorf("fill for %s: intent missing or incomplete, flattening", intentID)
		if ferr := r.adapter.Flatten(intentID, ev.Instrument, now); ferr != nil {
			logger.Errorf("flatten after unresolvable fill failed: %v", ferr)
		}
		r.events.Emit(logger.Event{
			Event: "fill_without_intent_flattened", Level: logger.LevelCritical,
			Instrument: ev.Instrument,
			Data:       map[string]interface{}{"intent_id": intentID},
		})
		r.notifier.Alert(notify.EventExecutionGateInvariant,
			"fill without resolvable intent on "+ev.Instrument, notify.SeverityEmergency)
		return
	}

	h, ok := r.handler(entry.Intent.StreamID)
	if !ok {
		logger.Errorf("fill for %s: no stream registered for %s, flattening", intentID, entry.Intent.StreamID)
		if ferr := r.adapter.Flatten(intentID, ev.Instrument, now); ferr != nil {
			logger.Errorf("flatten after orphan fill failed: %v", ferr)
		}
		r.notifier.Alert(notify.EventExecutionGateInvariant,
			"fill for unregistered stream "+entry.Intent.StreamID, notify.SeverityEmergency)
		return
	}

	metrics.Fills.WithLabelValues(leg.String()).Inc()
	switch leg {
	case LegEntry:
		h.HandleEntryFill(intentID, ev.Price, ev.DeltaQty, now)
	case LegStop:
		h.HandleExitFill(intentID, ev.Price, ev.DeltaQty, journal.ExitStop, now)
	case LegTarget:
		h.HandleExitFill(intentID, ev.Price, ev.DeltaQty, journal.ExitTarget, now)
	}
}

// resolveEntry looks the intent up in the journal, retrying the race where
// the fill callback beats the submit-accepted callback: the order is known
// (tag in the status map, still INITIALIZED) but the journal write has not
// landed yet.
func (r *Router) resolveEntry(intentID, tag string) *journal.Entry {
	for attempt := 0; ; attempt++ {
		entry, found, err := r.exec.GetByID(intentID)
		if err != nil {
			logger.Errorf("journal lookup for %s failed: %v", intentID, err)
			return nil
		}
		if found {
			return entry
		}
		status, known := r.orderStatus[tag]
		if !known || status != StatusInitialized || attempt >= lookupRetries {
			return nil
		}
		r.sleep(lookupRetryWait)
	}
}
