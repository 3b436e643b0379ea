package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QTSW2/config"
	"QTSW2/execution"
	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/market"
	"QTSW2/notify"
	"QTSW2/timeservice"
)

// 2026-07-15 is a CDT date: 07:30 Chicago == 12:30Z.
const testDate = "2026-07-15"

var (
	tRangeStart = time.Date(2026, 7, 15, 7, 0, 0, 0, time.UTC)  // 02:00 CT
	tSlot       = time.Date(2026, 7, 15, 12, 30, 0, 0, time.UTC) // 07:30 CT
	tOpen       = time.Date(2026, 7, 15, 13, 30, 0, 0, time.UTC) // 08:30 CT
	tClose      = time.Date(2026, 7, 15, 20, 0, 0, 0, time.UTC)  // 15:00 CT
	tFlatten    = time.Date(2026, 7, 15, 20, 55, 0, 0, time.UTC) // 15:55 CT
)

type fixture struct {
	s           *Stream
	adapter     *execution.SimAdapter
	queue       *execution.Queue
	router      *execution.Router
	exec        *journal.ExecutionJournal
	streamJ     *journal.StreamJournal
	hyd         *journal.HydrationLog
	notifier    *notify.Notifier
	stateDir    string
	histPending bool
}

type countSink struct{ n int }

func (c *countSink) Send(string, string, notify.Severity) error {
	c.n++
	return nil
}

func testPolicy() config.InstrumentPolicy {
	return config.InstrumentPolicy{
		Enabled:             true,
		ExecutionInstrument: "MES",
		Quantity:            1,
		MaxQuantity:         2,
		TickSize:            0.25,
		ContractMultiplier:  5,
		BaseTargetPoints:    10,
		StopRatio:           0.5,
		TargetRatio:         1.0,
		BreakEvenFraction:   0.65,
	}
}

func testStreamConfig(date string) Config {
	return Config{
		StreamID:            "ES_S1_0730",
		CanonicalInstrument: "ES",
		ExecutionInstrument: "MES",
		SessionTag:          "S1",
		SlotTimeLocal:       "07:30",
		TradingDate:         date,
		RangeStartLocal:     "02:00",
		MarketOpenLocal:     "08:30",
		MarketCloseLocal:    "15:00",
		ForcedFlattenLocal:  "15:55",
		Policy:              testPolicy(),
		MinBarsForRecompute: 5,
	}
}

func newFixture(t *testing.T, stateDir, date string) *fixture {
	t.Helper()
	ts, err := timeservice.New("America/Chicago")
	require.NoError(t, err)

	queue := execution.NewQueue(256)
	adapter := execution.NewSimAdapter(queue)
	exec := journal.NewExecutionJournal(stateDir)
	streamJ := journal.NewStreamJournal(stateDir)
	hyd := journal.NewHydrationLog(stateDir)
	events, err := logger.NewEventWriter(t.TempDir(), "run-test")
	require.NoError(t, err)
	notifier := notify.New("run-test", &countSink{})

	f := &fixture{
		adapter: adapter, queue: queue,
		exec: exec, streamJ: streamJ, hyd: hyd, notifier: notifier,
		stateDir: stateDir,
	}
	deps := Deps{
		Time:        ts,
		Adapter:     adapter,
		Exec:        exec,
		StreamJ:     streamJ,
		Hydration:   hyd,
		Events:      events,
		Notifier:    notifier,
		HistPending: func(string) bool { return f.histPending },
		Sleep:       func(time.Duration) {},
	}
	s, err := New(testStreamConfig(date), deps)
	require.NoError(t, err)
	f.s = s

	router := execution.NewRouter(adapter, exec, notifier, events, []string{"MES"})
	router.SetSleep(func(time.Duration) {})
	router.Register(s.ID(), s)
	f.router = router
	return f
}

// drain pumps queued broker events through the router.
func (f *fixture) drain(now time.Time) {
	for {
		select {
		case ev := <-f.queue.C():
			f.router.HandleEvent(ev, now)
		default:
			return
		}
	}
}

// feedRange walks the stream to RANGE_LOCKED with a 4495..4500 range and a
// 4498.00 freeze close. A pending historical fetch holds the lock open long
// enough for the backfilled bar opening exactly at the slot to land
// (inclusive boundary).
func (f *fixture) feedRange(t *testing.T) {
	t.Helper()
	f.s.Tick(tRangeStart) // PRE_HYDRATION -> ARMED
	f.s.Tick(tRangeStart) // ARMED -> RANGE_BUILDING
	require.Equal(t, StateRangeBuild, f.s.State())

	f.histPending = true

	bars := []struct {
		min   int
		h, l  float64
		close float64
		src   market.Source
	}{
		{0, 4498.00, 4496.00, 4497.00, market.SourceLive},
		{60, 4500.00, 4497.50, 4499.00, market.SourceLive},
		{120, 4499.00, 4495.00, 4496.50, market.SourceLive},
		{329, 4499.50, 4497.00, 4498.25, market.SourceLive},
		{330, 4498.50, 4497.25, 4498.00, market.SourceHistorical}, // opens at slot: inclusive
	}
	for _, b := range bars {
		open := tRangeStart.Add(time.Duration(b.min) * time.Minute)
		f.s.OnBar(market.Bar{
			Instrument: "ES", OpenTime: open,
			Open: b.close, High: b.h, Low: b.l, Close: b.close, Volume: 100,
			Source: b.src,
		}, open.Add(time.Minute+time.Second))
	}
	require.Equal(t, 5, f.s.Buffer().Len())
	require.Equal(t, StateRangeBuild, f.s.State(), "pending fetch defers the lock")

	f.histPending = false
	f.s.Tick(tSlot.Add(time.Minute))
	require.Equal(t, StateRangeLocked, f.s.State())
}

func TestCleanLongBreakout(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	f.feedRange(t)

	high, low, freeze, brkLong, brkShort, locked := f.s.Range()
	require.True(t, locked)
	assert.Equal(t, 4500.00, high)
	assert.Equal(t, 4495.00, low)
	assert.Equal(t, 4498.00, freeze)
	assert.Equal(t, 4500.25, brkLong)
	assert.Equal(t, 4494.75, brkShort)

	longID := f.s.longIntent.ID()
	shortID := f.s.shortIntent.ID()

	// Both stop entries journaled and working at the sim broker.
	for _, id := range []string{longID, shortID} {
		ok, err := f.exec.IsIntentSubmitted(id, testDate, "ES_S1_0730")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, _, ok := f.adapter.ActiveOrder(longID, execution.LegEntry)
	assert.True(t, ok)

	// Derived bracket prices.
	assert.Equal(t, 4495.25, f.s.longIntent.StopPrice)
	assert.Equal(t, 4510.25, f.s.longIntent.TargetPrice)
	assert.InDelta(t, 4500.25+0.65*10.0, f.s.longIntent.BETriggerPrice, 1e-9)

	// Broker reports the long entry filled at 4500.50.
	tEntry := tSlot.Add(5 * time.Minute)
	f.queue.Push(execution.FillEvent{
		Tag: execution.EncodeTag(longID, execution.LegEntry),
		Instrument: "MES", Price: 4500.50, DeltaQty: 1, TimeUTC: tEntry,
	})
	f.drain(tEntry)

	// Protectives attached at intent prices, qty 1; opposing entry cancelled.
	stopPrice, stopQty, ok := f.adapter.ActiveOrder(longID, execution.LegStop)
	require.True(t, ok)
	assert.Equal(t, 4495.25, stopPrice)
	assert.Equal(t, 1, stopQty)
	tgtPrice, tgtQty, ok := f.adapter.ActiveOrder(longID, execution.LegTarget)
	require.True(t, ok)
	assert.Equal(t, 4510.25, tgtPrice)
	assert.Equal(t, 1, tgtQty)
	_, _, ok = f.adapter.ActiveOrder(shortID, execution.LegEntry)
	assert.False(t, ok, "opposing entry must be cancelled")

	// Price crosses the break-even trigger: stop moves to entry avg + 1 tick.
	f.s.OnPrice(4507.0125, tEntry.Add(time.Minute))
	stopPrice, _, ok = f.adapter.ActiveOrder(longID, execution.LegStop)
	require.True(t, ok)
	assert.Equal(t, 4500.75, stopPrice)

	// A second crossing does not re-modify: nudge the working stop to a
	// sentinel and confirm the stream leaves it alone.
	require.NoError(t, f.adapter.ModifyStopPrice(longID, 4501.00))
	f.s.OnPrice(4508.00, tEntry.Add(2*time.Minute))
	stopPrice, _, _ = f.adapter.ActiveOrder(longID, execution.LegStop)
	assert.Equal(t, 4501.00, stopPrice)

	// Target fills; trade completes.
	tExit := tEntry.Add(20 * time.Minute)
	f.queue.Push(execution.FillEvent{
		Tag: execution.EncodeTag(longID, execution.LegTarget),
		Instrument: "MES", Price: 4510.00, DeltaQty: 1, TimeUTC: tExit,
	})
	f.drain(tExit)

	entry, found, err := f.exec.Get(longID, testDate)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.TradeCompleted)
	assert.InDelta(t, 9.50, entry.RealizedPoints, 1e-9)
	assert.Equal(t, journal.ExitTarget, entry.CompletionReason)
	assert.Equal(t, StateDone, f.s.State())
	assert.True(t, f.s.Record().Committed)
}

func TestPartialEntryFills(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	f.feedRange(t)
	longID := f.s.longIntent.ID()
	tEntry := tSlot.Add(5 * time.Minute)

	f.queue.Push(execution.FillEvent{
		Tag: execution.EncodeTag(longID, execution.LegEntry),
		Instrument: "MES", Price: 4500.50, DeltaQty: 1, TimeUTC: tEntry,
	})
	f.drain(tEntry)
	_, qty, ok := f.adapter.ActiveOrder(longID, execution.LegStop)
	require.True(t, ok)
	assert.Equal(t, 1, qty)

	f.queue.Push(execution.FillEvent{
		Tag: execution.EncodeTag(longID, execution.LegEntry),
		Instrument: "MES", Price: 4500.75, DeltaQty: 1, TimeUTC: tEntry.Add(time.Second),
	})
	f.drain(tEntry.Add(time.Second))

	// One protective pair resized to the cumulative quantity, not a second
	// bracket.
	_, qty, ok = f.adapter.ActiveOrder(longID, execution.LegStop)
	require.True(t, ok)
	assert.Equal(t, 2, qty)
	assert.Equal(t, 1, f.adapter.ActiveOrderCount(longID, execution.LegStop))
	assert.Equal(t, 1, f.adapter.ActiveOrderCount(longID, execution.LegTarget))

	entry, _, err := f.exec.Get(longID, testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.EntryFilledQty)
	assert.InDelta(t, 4500.625, entry.EntryAvgPrice, 1e-9)
}

func TestRestartAfterLock(t *testing.T) {
	dir := t.TempDir()
	f1 := newFixture(t, dir, testDate)
	f1.feedRange(t)
	longID := f1.s.longIntent.ID()
	shortID := f1.s.shortIntent.ID()

	// Process killed at 07:45, restarted at 07:50.
	f2 := newFixture(t, dir, testDate)
	isRestart, err := f2.s.Restore(tSlot.Add(20 * time.Minute))
	require.NoError(t, err)
	assert.True(t, isRestart)

	require.Equal(t, StateRangeLocked, f2.s.State())
	high, low, freeze, brkLong, brkShort, locked := f2.s.Range()
	require.True(t, locked)
	assert.Equal(t, 4500.00, high)
	assert.Equal(t, 4495.00, low)
	assert.Equal(t, 4498.00, freeze)
	assert.Equal(t, 4500.25, brkLong)
	assert.Equal(t, 4494.75, brkShort)
	assert.True(t, f2.s.Record().StopBracketsSubmittedAtLock)

	// First tick: journal idempotency keeps the fresh broker session clean.
	f2.s.Tick(tSlot.Add(20 * time.Minute))
	assert.Equal(t, 0, f2.adapter.ActiveOrderCount(longID, execution.LegEntry))
	assert.Equal(t, 0, f2.adapter.ActiveOrderCount(shortID, execution.LegEntry))

	// Intent identities reproduce exactly.
	assert.Equal(t, longID, f2.s.longIntent.ID())
	assert.Equal(t, shortID, f2.s.shortIntent.ID())
}

func TestRestartBracketsNotYetSubmitted(t *testing.T) {
	dir := t.TempDir()
	f1 := newFixture(t, dir, testDate)
	f1.feedRange(t)

	// Forge the crash window between lock persist and bracket submit: clear
	// the flag and wipe the journaled submissions.
	rec := f1.s.Record()
	rec.StopBracketsSubmittedAtLock = false
	require.NoError(t, f1.streamJ.Save(&rec))

	f2 := newFixture(t, dir, testDate)
	// Fresh executions dir so IsIntentSubmitted is false.
	f2.router.Unregister("ES_S1_0730")
	execJ := journal.NewExecutionJournal(t.TempDir())
	f2.s.deps.Exec = execJ

	_, err := f2.s.Restore(tSlot.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, StateRangeLocked, f2.s.State())

	f2.s.Tick(tSlot.Add(time.Minute))
	longID := f2.s.longIntent.ID()
	assert.Equal(t, 1, f2.adapter.ActiveOrderCount(longID, execution.LegEntry),
		"brackets re-attempted when the journal lacks them")
	assert.True(t, f2.s.Record().StopBracketsSubmittedAtLock)
}

func TestRestartNoHydrationSuspends(t *testing.T) {
	dir := t.TempDir()
	f1 := newFixture(t, dir, testDate)
	// Fake a locked record with no hydration log and no bars.
	require.NoError(t, f1.streamJ.Save(&journal.StreamRecord{
		TradingDate: testDate, StreamID: "ES_S1_0730",
		LastState: string(StateRangeLocked),
	}))

	f2 := newFixture(t, dir, testDate)
	// Hydration log in an unrelated dir: nothing restorable.
	f2.s.deps.Hydration = journal.NewHydrationLog(t.TempDir())
	_, err := f2.s.Restore(tSlot.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, f2.s.State())
}

func TestImmediateEntryBranch(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	f.s.Tick(tRangeStart)
	f.s.Tick(tRangeStart)

	// A data-quality quirk the engine tolerates: the final bar closes above
	// its own high, putting freeze_close at the long breakout level.
	open1 := tRangeStart
	f.s.OnBar(market.Bar{Instrument: "ES", OpenTime: open1,
		Open: 4497, High: 4500, Low: 4495, Close: 4499, Volume: 10,
		Source: market.SourceLive}, open1.Add(time.Minute+time.Second))
	open2 := tRangeStart.Add(time.Minute)
	f.s.OnBar(market.Bar{Instrument: "ES", OpenTime: open2,
		Open: 4499, High: 4500, Low: 4498, Close: 4500.50, Volume: 10,
		Source: market.SourceLive}, open2.Add(time.Minute+time.Second))

	f.s.Tick(tSlot)
	require.Equal(t, StateRangeLocked, f.s.State())
	_, _, freeze, brkLong, _, _ := f.s.Range()
	require.GreaterOrEqual(t, freeze, brkLong)

	// Market entry submitted for the long side; no stop bracket pair.
	longIntent := f.s.longIntent
	longIntent.EntryKind = journal.OrderMarket
	longID := longIntent.ID()
	ok, err := f.exec.IsIntentSubmitted(longID, testDate, "ES_S1_0730")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.s.Record().StopBracketsSubmittedAtLock)

	shortID := f.s.shortIntent.ID()
	sub, err := f.exec.IsIntentSubmitted(shortID, testDate, "ES_S1_0730")
	require.NoError(t, err)
	assert.False(t, sub, "no short stop entry in the immediate branch")

	// Later ticks must not arm the bracket pair either.
	f.s.Tick(tSlot.Add(time.Minute))
	sub, err = f.exec.IsIntentSubmitted(shortID, testDate, "ES_S1_0730")
	require.NoError(t, err)
	assert.False(t, sub)
	assert.True(t, f.s.Record().ImmediateEntrySubmitted)
}

func TestForcedFlattenAndCarryForward(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, testDate)
	f.feedRange(t)

	// Long fill at 14:00 CT (19:00Z), never exits. The print runs through the
	// simulated book so the broker-side position exists.
	tEntry := time.Date(2026, 7, 15, 19, 0, 0, 0, time.UTC)
	f.adapter.OnPrice("MES", 4500.50, tEntry)
	f.drain(tEntry)
	require.Equal(t, 1, f.adapter.GetCurrentPosition("MES"))

	// 15:55 CT: forced flatten.
	f.s.Tick(tFlatten)
	assert.Equal(t, 0, f.adapter.GetCurrentPosition("MES"))
	rec := f.s.Record()
	assert.True(t, rec.ExecutionInterruptedByClose)
	assert.False(t, rec.Committed, "interrupted slot is not committed")
	assert.NotEqual(t, StateDone, f.s.State())
	assert.Equal(t, "ES_S1_0730_07:30_2026-07-15", rec.SlotInstanceKey)

	// D+1: carried-forward stream re-enters at market open, exactly once.
	nextDate := "2026-07-16"
	fNext := newFixture(t, dir, nextDate)
	fNext.s.AdoptCarryForward(CarryForward(rec, nextDate), tFlatten)

	reentryID := journal.ReentryIntentID(rec.SlotInstanceKey)
	tNextOpen := time.Date(2026, 7, 16, 13, 30, 0, 0, time.UTC)

	fNext.s.Tick(tNextOpen.Add(-time.Minute))
	sub, err := fNext.exec.IsIntentSubmitted(reentryID, nextDate, "ES_S1_0730")
	require.NoError(t, err)
	assert.False(t, sub, "no re-entry before market open")

	fNext.s.Tick(tNextOpen)
	sub, err = fNext.exec.IsIntentSubmitted(reentryID, nextDate, "ES_S1_0730")
	require.NoError(t, err)
	assert.True(t, sub)

	entry, _, err := fNext.exec.Get(reentryID, nextDate)
	require.NoError(t, err)
	firstBrokerID := entry.BrokerOrderID
	assert.Equal(t, journal.Long, entry.Intent.Direction)

	// Ticking again does not resubmit.
	fNext.s.Tick(tNextOpen.Add(time.Minute))
	entry, _, err = fNext.exec.Get(reentryID, nextDate)
	require.NoError(t, err)
	assert.Equal(t, firstBrokerID, entry.BrokerOrderID)

	// A restart on D+1 does not resubmit either.
	fRestart := newFixture(t, dir, nextDate)
	_, err = fRestart.s.Restore(tNextOpen.Add(2 * time.Minute))
	require.NoError(t, err)
	fRestart.s.Tick(tNextOpen.Add(2 * time.Minute))
	entry, _, err = fRestart.exec.Get(reentryID, nextDate)
	require.NoError(t, err)
	assert.Equal(t, firstBrokerID, entry.BrokerOrderID)
}

func TestMarketCloseNoEntryCommits(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	f.feedRange(t)

	f.s.Tick(tClose)
	assert.Equal(t, StateDone, f.s.State())
	assert.True(t, f.s.Record().Committed)
}

func TestBracketSubmissionFailureStandsDown(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	f.adapter.FailNextSubmits(100)

	f.s.Tick(tRangeStart)
	f.s.Tick(tRangeStart)
	open := tRangeStart
	f.s.OnBar(market.Bar{Instrument: "ES", OpenTime: open,
		Open: 4497, High: 4500, Low: 4495, Close: 4498, Volume: 10,
		Source: market.SourceLive}, open.Add(time.Minute+time.Second))
	f.s.Tick(tSlot)

	assert.True(t, f.s.Failed())
}

func TestTransientFailureRetriesThroughSuccess(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	// Two transient rejections, third attempt lands.
	f.adapter.FailNextSubmits(2)

	f.s.Tick(tRangeStart)
	f.s.Tick(tRangeStart)
	open := tRangeStart
	f.s.OnBar(market.Bar{Instrument: "ES", OpenTime: open,
		Open: 4497, High: 4500, Low: 4495, Close: 4498, Volume: 10,
		Source: market.SourceLive}, open.Add(time.Minute+time.Second))
	f.s.Tick(tSlot)

	assert.False(t, f.s.Failed())
	assert.True(t, f.s.Record().StopBracketsSubmittedAtLock)
}

func TestExitOverfillStandsDown(t *testing.T) {
	f := newFixture(t, t.TempDir(), testDate)
	f.feedRange(t)
	longID := f.s.longIntent.ID()
	tEntry := tSlot.Add(5 * time.Minute)

	f.queue.Push(execution.FillEvent{
		Tag: execution.EncodeTag(longID, execution.LegEntry),
		Instrument: "MES", Price: 4500.50, DeltaQty: 1, TimeUTC: tEntry,
	})
	f.drain(tEntry)

	f.s.HandleExitFill(longID, 4510.00, 2, journal.ExitTarget, tEntry.Add(time.Minute))
	assert.True(t, f.s.Failed())
}

func TestCallbackReplayIsIdempotentOnSubmissions(t *testing.T) {
	// Replaying the same broker callbacks must not change journal totals
	// beyond what delta accumulation implies for fills; submissions must not
	// duplicate. (Fill dedup is the adapter's delta contract; here we check
	// the submission surface.)
	f := newFixture(t, t.TempDir(), testDate)
	f.feedRange(t)
	longID := f.s.longIntent.ID()

	before, _, err := f.exec.Get(longID, testDate)
	require.NoError(t, err)

	// Re-run the lock-time submission path.
	f.s.submitStopBrackets(tSlot.Add(time.Minute))

	after, _, err := f.exec.Get(longID, testDate)
	require.NoError(t, err)
	assert.Equal(t, before.BrokerOrderID, after.BrokerOrderID)
	assert.Equal(t, 1, f.adapter.ActiveOrderCount(longID, execution.LegEntry))
}

func TestSlotMustFollowRangeStart(t *testing.T) {
	ts, err := timeservice.New("America/Chicago")
	require.NoError(t, err)
	cfg := testStreamConfig(testDate)
	cfg.SlotTimeLocal = "01:30" // before the 02:00 range start
	_, err = New(cfg, Deps{Time: ts})
	assert.Error(t, err)
}
