package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"QTSW2/config"
	"QTSW2/execution"
	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/market"
	"QTSW2/metrics"
	"QTSW2/notify"
	"QTSW2/stream"
	"QTSW2/timeservice"
)

const (
	tickInterval      = time.Second
	tickStallAfter    = 5 * time.Second
	dataStallAfter    = 3 * time.Minute
	feedOutageSustain = 60 * time.Second
)

// Options wires an Engine.
type Options struct {
	Config   *config.AppConfig
	Policy   *config.ExecutionPolicy
	Time     *timeservice.TimeService
	Adapter  execution.Adapter
	Queue    *execution.Queue
	Exec     *journal.ExecutionJournal
	StreamJ  *journal.StreamJournal
	Hyd      *journal.HydrationLog
	Events   *logger.EventWriter
	Notifier *notify.Notifier
	Registry *InstanceRegistry
	Kill     *KillSwitch

	// Historical is nil when no bar provider is configured (file-only runs).
	Historical *market.HistoricalClient
	// Feed is nil in dry runs driven from CSV.
	Feed *market.LiveFeed

	// OnTradeComplete receives finalized journal entries (trade history DB).
	OnTradeComplete func(e *journal.Entry)

	// Clock override for tests.
	Clock func() time.Time
}

// Engine owns the streams, routes bars, drives the per-second tick and
// coordinates multi-stream policy: the kill switch, the duplicate-instance
// guard and trading-day rollover. Everything that mutates stream or journal
// state runs on the engine goroutine; broker and feed callbacks only enqueue.
type Engine struct {
	opts   Options
	router *execution.Router
	gate   *RiskGate

	mu           sync.Mutex
	streams      map[string]*stream.Stream
	appliedSlots map[string]string
	carries      map[string]*journal.StreamRecord
	tradingDate  string

	histMu      sync.Mutex
	histPending map[string]bool
	lastBarAt   map[string]time.Time

	histBars chan []market.Bar

	lastTickAt  time.Time
	killHandled bool
	recovery    bool
	clock       func() time.Time
}

// New builds the engine and claims the instance registry for every enabled
// execution instrument. A duplicate instance refuses to start.
func New(opts Options) (*Engine, error) {
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	var instruments []string
	for canonical, ip := range opts.Policy.Instruments {
		if !ip.Enabled {
			continue
		}
		if err := opts.Registry.Acquire(opts.Config.Account, ip.ExecutionInstrument); err != nil {
			opts.Events.Emit(logger.Event{
				Event: "duplicate_instance_detected", Level: logger.LevelCritical,
				Instrument: canonical,
				Data: map[string]interface{}{
					"account":    opts.Config.Account,
					"instrument": ip.ExecutionInstrument,
				},
			})
			opts.Notifier.Alert(notify.EventDuplicateInstance,
				fmt.Sprintf("duplicate instance for %s/%s", opts.Config.Account, ip.ExecutionInstrument),
				notify.SeverityEmergency)
			return nil, err
		}
		instruments = append(instruments, ip.ExecutionInstrument)
	}

	e := &Engine{
		opts:         opts,
		streams:      make(map[string]*stream.Stream),
		appliedSlots: make(map[string]string),
		carries:      make(map[string]*journal.StreamRecord),
		histPending:  make(map[string]bool),
		lastBarAt:    make(map[string]time.Time),
		histBars:     make(chan []market.Bar, 8),
		clock:        clock,
	}
	e.router = execution.NewRouter(opts.Adapter, opts.Exec, opts.Notifier, opts.Events, instruments)
	e.gate = &RiskGate{
		Kill:       opts.Kill,
		ActiveDate: e.ActiveDate,
		StreamInfo: e.streamInfo,
		Recovery: func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.recovery
		},
		Events:     opts.Events,
	}
	return e, nil
}

// ActiveDate returns the current trading date ("" before the first timetable).
func (e *Engine) ActiveDate() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradingDate
}

// HistoricalPending is the read side of the per-canonical fetch interlock.
func (e *Engine) HistoricalPending(canonical string) bool {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	return e.histPending[canonical]
}

func (e *Engine) streamInfo(streamID string) (stream.State, time.Time, time.Time, bool) {
	e.mu.Lock()
	s, ok := e.streams[streamID]
	e.mu.Unlock()
	if !ok {
		return "", time.Time{}, time.Time{}, false
	}
	start, end := s.SessionWindow()
	return s.State(), start, end, true
}

// Close releases the instance registry.
func (e *Engine) Close() {
	e.opts.Registry.Release()
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.opts.Feed != nil {
		g.Go(func() error {
			e.opts.Feed.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		e.loop(ctx)
		return nil
	})
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	poll := time.NewTicker(e.opts.Config.TimetablePollInterval())
	defer poll.Stop()

	// Apply the timetable once at startup rather than waiting a poll cycle.
	e.applyTimetable(e.clock())

	// Dry runs without a feed replay the day files instead.
	if e.opts.Config.DryRun && e.opts.Feed == nil {
		if date := e.ActiveDate(); date != "" {
			e.FeedFileBars(date, e.clock())
		}
	}

	var feedCh <-chan market.Bar
	if e.opts.Feed != nil {
		feedCh = e.opts.Feed.Bars()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.onTick(e.clock())
		case <-poll.C:
			e.applyTimetable(e.clock())
		case bars := <-e.histBars:
			now := e.clock()
			for _, b := range bars {
				e.routeBar(b, now)
			}
		case b, ok := <-feedCh:
			if !ok {
				feedCh = nil
				continue
			}
			e.routeBar(b, e.clock())
		case ev := <-e.opts.Queue.C():
			e.router.HandleEvent(ev, e.clock())
		}
	}
}

// onTick is the 1 Hz heart: kill-switch policy, stall detection, per-stream
// ticks, rollover.
func (e *Engine) onTick(now time.Time) {
	if !e.lastTickAt.IsZero() && now.Sub(e.lastTickAt) > tickStallAfter {
		e.opts.Events.Emit(logger.Event{
			Event: "engine_tick_stall", Level: logger.LevelError,
			Data: map[string]interface{}{"gap_seconds": now.Sub(e.lastTickAt).Seconds()},
		})
		e.opts.Notifier.Alert(notify.EventEngineTickStall,
			fmt.Sprintf("engine tick stalled for %v", now.Sub(e.lastTickAt)),
			notify.SeverityWarning)
	}
	e.lastTickAt = now
	metrics.EngineTicks.Inc()
	metrics.CallbackQueueDepth.Set(float64(e.opts.Queue.Len()))

	if e.opts.Kill.Active() {
		e.handleKillSwitch(now)
		return
	}

	e.mu.Lock()
	streams := make([]*stream.Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s)
	}
	e.mu.Unlock()

	for _, s := range streams {
		s.Tick(now)
		metrics.SetStreamState(s.ID(), string(s.State()))
	}

	e.checkDataStalls(now, streams)
	e.maybeRollover(now)
}

// handleKillSwitch flattens everything once and stops driving streams.
func (e *Engine) handleKillSwitch(now time.Time) {
	if e.killHandled {
		return
	}
	e.killHandled = true
	logger.Errorf("kill switch active: flattening all positions and standing down")
	e.opts.Events.Emit(logger.Event{
		Event: "kill_switch_engaged", Level: logger.LevelCritical,
	})
	e.opts.Notifier.Alert(notify.EventDisconnectFailClosed,
		"kill switch engaged, flattening all positions", notify.SeverityEmergency)

	seen := make(map[string]bool)
	for _, ip := range e.opts.Policy.Instruments {
		if seen[ip.ExecutionInstrument] {
			continue
		}
		seen[ip.ExecutionInstrument] = true
		if e.opts.Adapter.GetCurrentPosition(ip.ExecutionInstrument) != 0 {
			if err := e.opts.Adapter.Flatten("", ip.ExecutionInstrument, now); err != nil {
				logger.Errorf("kill-switch flatten of %s failed: %v", ip.ExecutionInstrument, err)
			}
		}
	}
}

func (e *Engine) checkDataStalls(now time.Time, streams []*stream.Stream) {
	active := make(map[string]bool)
	for _, s := range streams {
		if s.State() == stream.StateRangeBuild || s.State() == stream.StateRangeLocked {
			active[s.Canonical()] = true
		}
	}
	e.histMu.Lock()
	defer e.histMu.Unlock()
	for canonical := range active {
		last, ok := e.lastBarAt[canonical]
		if !ok || now.Sub(last) <= dataStallAfter {
			continue
		}
		e.opts.Events.EmitLimited("data_stall_"+canonical, logger.Event{
			Event: "bar_feed_stalled", Level: logger.LevelWarn,
			Instrument: canonical,
			Data:       map[string]interface{}{"last_bar_age_seconds": now.Sub(last).Seconds()},
		})
	}
}

// OnFeedOutage is handed to the live feed; a sustained outage raises the
// whitelisted connection-lost alert and enters recovery mode, which the risk
// gate treats as a refusal for anything but fail-closed flattens.
func (e *Engine) OnFeedOutage(outage time.Duration) {
	if outage < feedOutageSustain {
		return
	}
	e.mu.Lock()
	entered := !e.recovery
	e.recovery = true
	e.mu.Unlock()
	e.opts.Notifier.Alert(notify.EventConnectionLostSustained,
		fmt.Sprintf("live feed down for %v", outage), notify.SeverityEmergency)
	if entered {
		e.opts.Events.Emit(logger.Event{
			Event: "disconnect_fail_closed_entered", Level: logger.LevelCritical,
			Data: map[string]interface{}{"outage_seconds": outage.Seconds()},
		})
		e.opts.Notifier.Alert(notify.EventDisconnectFailClosed,
			"recovery mode entered after sustained feed outage", notify.SeverityEmergency)
	}
}

// routeBar canonicalizes and fans a bar out to the matching streams.
func (e *Engine) routeBar(bar market.Bar, now time.Time) {
	canonical := e.opts.Policy.CanonicalFor(bar.Instrument)
	bar.Instrument = canonical

	// A live print is proof the feed is back; leave recovery mode.
	if bar.Source == market.SourceLive {
		e.mu.Lock()
		if e.recovery {
			e.recovery = false
			logger.Infof("live data resumed, leaving recovery mode")
		}
		e.mu.Unlock()
	}

	e.histMu.Lock()
	e.lastBarAt[canonical] = now
	e.histMu.Unlock()

	e.mu.Lock()
	targets := make([]*stream.Stream, 0, 2)
	for _, s := range e.streams {
		if s.Canonical() == canonical {
			targets = append(targets, s)
		}
	}
	e.mu.Unlock()

	for _, s := range targets {
		res := s.OnBar(bar, now)
		if res.Accepted() {
			metrics.BarsAdmitted.WithLabelValues(canonical, bar.Source.String()).Inc()
		} else {
			metrics.BarsRejected.WithLabelValues(canonical, res.String()).Inc()
		}
	}

	// The simulated broker needs prices to trigger its book.
	if sim, ok := e.opts.Adapter.(*execution.SimAdapter); ok {
		if ip, found := e.opts.Policy.Get(canonical); found {
			sim.OnPrice(ip.ExecutionInstrument, bar.Close, now)
		}
	}
}

// applyTimetable re-reads the timetable document and reconciles the stream
// set. Already-initialized streams never mutate: a changed slot_time is
// rejected with an operator alert and the stream keeps its original slot.
func (e *Engine) applyTimetable(now time.Time) {
	tt, err := config.LoadTimetable(e.opts.Config.TimetablePath)
	if err != nil {
		logger.Debugf("timetable unavailable: %v", err)
		return
	}
	currentDate := e.opts.Time.TradingDate(now)
	if err := tt.Validate(currentDate); err != nil {
		e.opts.Events.EmitLimited("timetable_rejected", logger.Event{
			Event: "timetable_rejected", Level: logger.LevelError,
			Data: map[string]interface{}{"error": err.Error()},
		})
		return
	}

	e.mu.Lock()
	if e.tradingDate == "" {
		e.tradingDate = tt.TradingDate
	}
	e.mu.Unlock()

	for _, row := range tt.Streams {
		if !row.Enabled {
			continue
		}
		e.mu.Lock()
		applied, exists := e.appliedSlots[row.Stream]
		e.mu.Unlock()

		if exists {
			if applied != row.SlotTime {
				e.opts.Events.Emit(logger.Event{
					Event: "timetable_slot_change_rejected", Level: logger.LevelError,
					Stream: row.Stream, Instrument: row.Instrument,
					TradingDate: tt.TradingDate,
					Data: map[string]interface{}{
						"applied_slot":   applied,
						"requested_slot": row.SlotTime,
					},
				})
				// Not in the notification whitelist: operator sees it in the
				// health log; the stream continues on its original slot.
				e.opts.Notifier.Alert("timetable-slot-change-rejected",
					fmt.Sprintf("stream %s slot change %s -> %s rejected", row.Stream, applied, row.SlotTime),
					notify.SeverityWarning)
			}
			continue
		}
		if err := e.createStream(row, tt.TradingDate, now); err != nil {
			logger.Errorf("create stream %s failed: %v", row.Stream, err)
		}
	}
}

func (e *Engine) createStream(row config.TimetableStream, tradingDate string, now time.Time) error {
	ip, ok := e.opts.Policy.Get(row.Instrument)
	if !ok || !ip.Enabled {
		return fmt.Errorf("instrument %s not enabled in execution policy", row.Instrument)
	}

	cfg := stream.Config{
		StreamID:            row.Stream,
		CanonicalInstrument: row.Instrument,
		ExecutionInstrument: ip.ExecutionInstrument,
		SessionTag:          row.Session,
		SlotTimeLocal:       row.SlotTime,
		TradingDate:         tradingDate,
		RangeStartLocal:     e.opts.Config.RangeStart(row.Session),
		MarketOpenLocal:     e.opts.Config.MarketOpenTime,
		MarketCloseLocal:    e.opts.Config.MarketCloseTime,
		ForcedFlattenLocal:  e.opts.Config.ForcedFlatten,
		Policy:              ip,
		MinBarsForRecompute: e.opts.Config.MinBarsForRecompute,
	}
	deps := stream.Deps{
		Time:        e.opts.Time,
		Adapter:     e.opts.Adapter,
		Exec:        e.opts.Exec,
		StreamJ:     e.opts.StreamJ,
		Hydration:   e.opts.Hyd,
		Events:      e.opts.Events,
		Notifier:    e.opts.Notifier,
		Gate:        e.gate,
		HistPending: e.HistoricalPending,
		OnComplete:  e.opts.OnTradeComplete,
	}
	s, err := stream.New(cfg, deps)
	if err != nil {
		return err
	}

	e.mu.Lock()
	carry := e.carries[row.Stream]
	delete(e.carries, row.Stream)
	e.mu.Unlock()

	if carry != nil {
		s.AdoptCarryForward(carry, now)
	} else {
		if _, err := s.Restore(now); err != nil {
			return fmt.Errorf("restore %s: %w", row.Stream, err)
		}
	}

	e.mu.Lock()
	e.streams[row.Stream] = s
	e.appliedSlots[row.Stream] = row.SlotTime
	e.mu.Unlock()
	e.router.Register(row.Stream, s)

	logger.Infof("stream %s created (%s %s slot %s, state %s)",
		row.Stream, row.Instrument, row.Session, row.SlotTime, s.State())

	// Pre-lock streams need their range window backfilled. The restart-aware
	// end time is min(slot, now): a restart after the slot still has to
	// rebuild the whole window.
	if s.State() != stream.StateDone && s.State() != stream.StateSuspended &&
		s.State() != stream.StateRangeLocked {
		start, end := s.Buffer().Window()
		if now.Before(end) {
			end = now
		}
		e.startHistoricalFetch(row.Instrument, start, end)
	}
	return nil
}

// startHistoricalFetch sets the pending flag synchronously before the fetch
// is queued and clears it before the fetched bars are fed, so the first fed
// bar can already observe "not pending" and unblock PRE_HYDRATION.
func (e *Engine) startHistoricalFetch(canonical string, start, end time.Time) {
	if e.opts.Historical == nil {
		return
	}
	e.histMu.Lock()
	if e.histPending[canonical] {
		e.histMu.Unlock()
		return
	}
	e.histPending[canonical] = true
	e.histMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		bars, err := e.opts.Historical.FetchBars(ctx, canonical, start, end)

		e.histMu.Lock()
		e.histPending[canonical] = false
		e.histMu.Unlock()

		if err != nil {
			logger.Errorf("historical fetch %s failed: %v", canonical, err)
			e.opts.Events.Emit(logger.Event{
				Event: "historical_fetch_failed", Level: logger.LevelError,
				Instrument: canonical,
				Data:       map[string]interface{}{"error": err.Error()},
			})
			return
		}
		logger.Infof("historical fetch %s: %d bars [%s, %s)", canonical, len(bars),
			start.Format(time.RFC3339), end.Format(time.RFC3339))
		e.histBars <- bars
	}()
}

// FeedFileBars loads a day CSV and routes it (startup backfill, dry runs).
func (e *Engine) FeedFileBars(tradingDate string, now time.Time) {
	e.mu.Lock()
	canonicals := make(map[string]bool)
	for _, s := range e.streams {
		canonicals[s.Canonical()] = true
	}
	e.mu.Unlock()

	for canonical := range canonicals {
		bars, err := market.LoadDayCSV(e.opts.Config.DataDir, canonical, tradingDate)
		if err != nil {
			logger.Warnf("file bars for %s: %v", canonical, err)
			continue
		}
		for _, b := range bars {
			e.routeBar(b, now)
		}
	}
}

// maybeRollover resets daily state when the market-local calendar date moves
// on. Every stream of the old day is dropped; one interrupted by the forced
// flatten, not committed and not itself carried over gets a carry-forward
// record for the once-only re-entry. A slot carried once is not carried again.
func (e *Engine) maybeRollover(now time.Time) {
	newDate := e.opts.Time.TradingDate(now)
	e.mu.Lock()
	current := e.tradingDate
	e.mu.Unlock()
	if current == "" || newDate == current {
		return
	}

	logger.Infof("trading day rollover %s -> %s", current, newDate)
	e.opts.Events.Emit(logger.Event{
		Event: "trading_day_rollover", Level: logger.LevelInfo,
		Data: map[string]interface{}{"from": current, "to": newDate},
	})

	e.mu.Lock()
	for id, s := range e.streams {
		rec := s.Record()
		if rec.ExecutionInterruptedByClose && !rec.Committed && rec.PriorJournalKey == "" {
			carry := stream.CarryForward(rec, newDate)
			e.carries[id] = carry
			logger.Infof("stream %s carried forward (slot instance %s)", id, rec.SlotInstanceKey)
		}
		e.router.Unregister(id)
		delete(e.streams, id)
		delete(e.appliedSlots, id)
	}
	e.tradingDate = newDate
	e.mu.Unlock()

	// Build the new day's streams right away (adopting the carried records).
	e.applyTimetable(now)
}

// StreamSnapshot is the status-surface view of one stream.
type StreamSnapshot struct {
	StreamID      string  `json:"stream_id"`
	Instrument    string  `json:"instrument"`
	State         string  `json:"state"`
	RangeHigh     float64 `json:"range_high,omitempty"`
	RangeLow      float64 `json:"range_low,omitempty"`
	FreezeClose   float64 `json:"freeze_close,omitempty"`
	BrkLong       float64 `json:"brk_long,omitempty"`
	BrkShort      float64 `json:"brk_short,omitempty"`
	RangeLocked   bool    `json:"range_locked"`
	EntryDetected bool    `json:"entry_detected"`
	Committed     bool    `json:"committed"`
}

// Snapshot returns the current stream set for the status API.
func (e *Engine) Snapshot() []StreamSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StreamSnapshot, 0, len(e.streams))
	for _, s := range e.streams {
		high, low, freeze, brkL, brkS, locked := s.Range()
		rec := s.Record()
		out = append(out, StreamSnapshot{
			StreamID:      s.ID(),
			Instrument:    s.Canonical(),
			State:         string(s.State()),
			RangeHigh:     high,
			RangeLow:      low,
			FreezeClose:   freeze,
			BrkLong:       brkL,
			BrkShort:      brkS,
			RangeLocked:   locked,
			EntryDetected: rec.EntryDetected,
			Committed:     rec.Committed,
		})
	}
	return out
}
