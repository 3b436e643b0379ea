package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/notify"
)

var tFill = time.Date(2026, 7, 15, 12, 35, 0, 0, time.UTC)

type recordingHandler struct {
	entries []string
	exits   []journal.ExitKind
}

func (h *recordingHandler) HandleEntryFill(intentID string, price float64, deltaQty int, now time.Time) {
	h.entries = append(h.entries, intentID)
}

func (h *recordingHandler) HandleExitFill(intentID string, price float64, deltaQty int, kind journal.ExitKind, now time.Time) {
	h.exits = append(h.exits, kind)
}

type nullSink struct{ n int }

func (s *nullSink) Send(eventType, message string, severity notify.Severity) error {
	s.n++
	return nil
}

func routerFixture(t *testing.T) (*Router, *SimAdapter, *journal.ExecutionJournal, *recordingHandler, *nullSink) {
	t.Helper()
	dir := t.TempDir()
	exec := journal.NewExecutionJournal(dir)
	queue := NewQueue(64)
	adapter := NewSimAdapter(queue)
	sink := &nullSink{}
	notifier := notify.New("run-test", sink)
	events, err := logger.NewEventWriter(t.TempDir(), "run-test")
	require.NoError(t, err)
	r := NewRouter(adapter, exec, notifier, events, []string{"MES"})
	r.SetSleep(func(time.Duration) {})
	h := &recordingHandler{}
	r.Register("ES_S1_0730", h)
	return r, adapter, exec, h, sink
}

func submittedIntent(t *testing.T, exec *journal.ExecutionJournal) journal.Intent {
	t.Helper()
	it := journal.Intent{
		TradingDate:         "2026-07-15",
		StreamID:            "ES_S1_0730",
		CanonicalInstrument: "ES",
		SessionTag:          "S1",
		SlotTimeLocal:       "07:30",
		Direction:           journal.Long,
		EntryPrice:          4500.25,
		StopPrice:           4495.25,
		TargetPrice:         4510.25,
		BETriggerPrice:      4506.75,
		ExecutionInstrument: "MES",
		Quantity:            1,
		TickSize:            0.25,
		ContractMultiplier:  5,
	}
	require.NoError(t, exec.RecordSubmission(it, "B-1", tFill, it.EntryPrice))
	return it
}

func TestRouterDispatchesEntryAndExit(t *testing.T) {
	r, _, exec, h, _ := routerFixture(t)
	it := submittedIntent(t, exec)

	r.HandleEvent(FillEvent{Tag: EncodeTag(it.ID(), LegEntry), Instrument: "MES", Price: 4500.50, DeltaQty: 1, TimeUTC: tFill}, tFill)
	require.Equal(t, []string{it.ID()}, h.entries)

	r.HandleEvent(FillEvent{Tag: EncodeTag(it.ID(), LegTarget), Instrument: "MES", Price: 4510.25, DeltaQty: 1, TimeUTC: tFill}, tFill)
	require.Equal(t, []journal.ExitKind{journal.ExitTarget}, h.exits)

	r.HandleEvent(FillEvent{Tag: EncodeTag(it.ID(), LegStop), Instrument: "MES", Price: 4495.25, DeltaQty: 1, TimeUTC: tFill}, tFill)
	require.Equal(t, []journal.ExitKind{journal.ExitTarget, journal.ExitStop}, h.exits)
}

func TestRouterUntrackedFillFlattens(t *testing.T) {
	r, adapter, _, h, sink := routerFixture(t)

	// Seed a position the flatten must clear.
	adapter.mu.Lock()
	adapter.positions["MES"] = 1
	adapter.mu.Unlock()

	r.HandleEvent(FillEvent{Tag: "mystery-tag", Instrument: "MES", Price: 4500, DeltaQty: 1, TimeUTC: tFill}, tFill)

	assert.Empty(t, h.entries)
	assert.Equal(t, 0, adapter.GetCurrentPosition("MES"))
	assert.Equal(t, 1, sink.n, "critical notification fired")
}

func TestRouterMissingIntentFlattens(t *testing.T) {
	r, adapter, _, h, sink := routerFixture(t)
	adapter.mu.Lock()
	adapter.positions["MES"] = 2
	adapter.mu.Unlock()

	tag := EncodeTag("ab12cd34ab12cd34ab12cd34ab12cd34", LegEntry)
	r.HandleEvent(FillEvent{Tag: tag, Instrument: "MES", Price: 4500, DeltaQty: 1, TimeUTC: tFill}, tFill)

	assert.Empty(t, h.entries)
	assert.Equal(t, 0, adapter.GetCurrentPosition("MES"))
	assert.Equal(t, 1, sink.n)
}

func TestRouterForeignInstrumentIgnored(t *testing.T) {
	r, adapter, exec, h, sink := routerFixture(t)
	it := submittedIntent(t, exec)
	adapter.mu.Lock()
	adapter.positions["6E"] = 1
	adapter.mu.Unlock()

	r.HandleEvent(FillEvent{Tag: EncodeTag(it.ID(), LegEntry), Instrument: "6E", Price: 1.1, DeltaQty: 1, TimeUTC: tFill}, tFill)

	assert.Empty(t, h.entries, "foreign-instrument callback must not dispatch")
	assert.Equal(t, 1, adapter.GetCurrentPosition("6E"), "and must not flatten")
	assert.Equal(t, 0, sink.n)

	// A foreign instrument whose tag this instance cannot even decode is
	// another strategy's order, not an untracked fill: still dropped, no
	// flatten, no alert.
	r.HandleEvent(FillEvent{Tag: "other-strategy-tag", Instrument: "6E", Price: 1.1, DeltaQty: 1, TimeUTC: tFill}, tFill)
	assert.Equal(t, 1, adapter.GetCurrentPosition("6E"))
	assert.Equal(t, 0, sink.n)
}

func TestRouterAcceptRaceRetries(t *testing.T) {
	r, _, exec, h, _ := routerFixture(t)
	it := submittedIntent(t, exec)
	tag := EncodeTag(it.ID(), LegEntry)

	// Build a second journal pointing at an empty dir to model the submit
	// write not having landed: mark the order INITIALIZED, let lookups fail,
	// then land the entry during the retry loop.
	fresh := journal.NewExecutionJournal(t.TempDir())
	r.exec = fresh
	r.orderStatus[tag] = StatusInitialized

	attempts := 0
	r.SetSleep(func(time.Duration) {
		attempts++
		if attempts == 2 {
			require.NoError(t, fresh.RecordSubmission(it, "B-9", tFill, it.EntryPrice))
		}
	})

	r.HandleEvent(FillEvent{Tag: tag, Instrument: "MES", Price: 4500.50, DeltaQty: 1, TimeUTC: tFill}, tFill)
	assert.Equal(t, []string{it.ID()}, h.entries, "fill resolves once the journal write lands")
}

func TestQueueOverflowDrops(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Push(OrderEvent{}))
	assert.True(t, q.Push(OrderEvent{}))
	assert.False(t, q.Push(OrderEvent{}))
	assert.Equal(t, 2, q.Len())
}
