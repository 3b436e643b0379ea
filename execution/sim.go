package execution

import (
	"fmt"
	"sync"
	"time"

	"QTSW2/journal"
	"QTSW2/logger"
)

// simOrder is one working order inside the simulated broker.
type simOrder struct {
	brokerID   string
	tag        string
	intentID   string
	leg        Leg
	instrument string
	direction  journal.Direction // trade direction of the owning intent
	kind       journal.OrderKind
	price      float64
	qty        int
	oco        string
	status     OrderStatus
}

func (o *simOrder) active() bool {
	return o.status == StatusInitialized || o.status == StatusAccepted
}

// SimAdapter is an in-process broker used for dry runs and tests. It keeps a
// book of working orders, triggers them against prices pushed via OnPrice,
// and reports fills through the callback queue exactly like a live adapter
// would. Orders fill whole; partial fills are driven by tests directly.
type SimAdapter struct {
	mu        sync.Mutex
	queue     *Queue
	orders    map[string]*simOrder // broker id -> order
	positions map[string]int       // instrument -> signed qty
	lastPrice map[string]float64
	nextID    int

	// failSubmits makes the next N submissions fail, for retry-path tests.
	failSubmits int
}

// NewSimAdapter creates a simulated broker delivering callbacks to queue.
func NewSimAdapter(queue *Queue) *SimAdapter {
	return &SimAdapter{
		queue:     queue,
		orders:    make(map[string]*simOrder),
		positions: make(map[string]int),
		lastPrice: make(map[string]float64),
	}
}

// FailNextSubmits arms the transient-failure hook.
func (s *SimAdapter) FailNextSubmits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmits = n
}

// locked
func (s *SimAdapter) newOrder(intentID string, leg Leg, instrument string, direction journal.Direction, kind journal.OrderKind, price float64, qty int, oco string, now time.Time) (*simOrder, error) {
	if s.failSubmits > 0 {
		s.failSubmits--
		return nil, fmt.Errorf("simulated broker rejection")
	}
	s.nextID++
	o := &simOrder{
		brokerID:   fmt.Sprintf("SIM-%06d", s.nextID),
		tag:        EncodeTag(intentID, leg),
		intentID:   intentID,
		leg:        leg,
		instrument: instrument,
		direction:  direction,
		kind:       kind,
		price:      price,
		qty:        qty,
		oco:        oco,
		status:     StatusAccepted,
	}
	s.orders[o.brokerID] = o
	s.emitOrder(o, now)
	return o, nil
}

// locked
func (s *SimAdapter) findActive(intentID string, leg Leg) *simOrder {
	for _, o := range s.orders {
		if o.intentID == intentID && o.leg == leg && o.active() {
			return o
		}
	}
	return nil
}

// locked
func (s *SimAdapter) hasActiveOrFilled(intentID string, leg Leg) bool {
	for _, o := range s.orders {
		if o.intentID == intentID && o.leg == leg && (o.active() || o.status == StatusFilled) {
			return true
		}
	}
	return false
}

func (s *SimAdapter) emitOrder(o *simOrder, now time.Time) {
	s.queue.Push(OrderEvent{
		Tag: o.tag, Instrument: o.instrument, BrokerOrderID: o.brokerID,
		Status: o.status, TimeUTC: now,
	})
}

// SubmitEntryOrder places a MARKET or LIMIT entry. Market orders fill
// immediately at the given price.
func (s *SimAdapter) SubmitEntryOrder(intentID, instrument string, direction journal.Direction, price float64, qty int, kind journal.OrderKind, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActiveOrFilled(intentID, LegEntry) {
		return "", ErrDuplicateSubmission
	}
	o, err := s.newOrder(intentID, LegEntry, instrument, direction, kind, price, qty, "", now)
	if err != nil {
		return "", err
	}
	if kind == journal.OrderMarket {
		s.fillLocked(o, price, now)
	}
	return o.brokerID, nil
}

// SubmitStopEntryOrder places one breakout stop-entry leg.
func (s *SimAdapter) SubmitStopEntryOrder(intentID, instrument string, direction journal.Direction, stopPrice float64, qty int, ocoGroupID string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActiveOrFilled(intentID, LegEntry) {
		return "", ErrDuplicateSubmission
	}
	o, err := s.newOrder(intentID, LegEntry, instrument, direction, journal.OrderStopEntry, stopPrice, qty, ocoGroupID, now)
	if err != nil {
		return "", err
	}
	return o.brokerID, nil
}

// SubmitProtectiveStop attaches or resizes the protective stop. An existing
// working stop is modified in place, never duplicated.
func (s *SimAdapter) SubmitProtectiveStop(intentID, instrument string, direction journal.Direction, stopPrice float64, cumulativeQty int, ocoGroupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.findActive(intentID, LegStop); o != nil {
		o.price = stopPrice
		o.qty = cumulativeQty
		return o.brokerID, nil
	}
	o, err := s.newOrder(intentID, LegStop, instrument, direction, journal.OrderStopEntry, stopPrice, cumulativeQty, ocoGroupID, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return o.brokerID, nil
}

// SubmitTargetOrder attaches or resizes the profit target.
func (s *SimAdapter) SubmitTargetOrder(intentID, instrument string, direction journal.Direction, targetPrice float64, cumulativeQty int, ocoGroupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.findActive(intentID, LegTarget); o != nil {
		o.price = targetPrice
		o.qty = cumulativeQty
		return o.brokerID, nil
	}
	o, err := s.newOrder(intentID, LegTarget, instrument, direction, journal.OrderLimit, targetPrice, cumulativeQty, ocoGroupID, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return o.brokerID, nil
}

// ModifyStopPrice moves the working protective stop for an intent.
func (s *SimAdapter) ModifyStopPrice(intentID string, newStopPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.findActive(intentID, LegStop)
	if o == nil {
		return fmt.Errorf("no working protective stop for intent %s", intentID)
	}
	o.price = newStopPrice
	return nil
}

// CancelIntentOrders cancels every open order tagged with the intent id.
func (s *SimAdapter) CancelIntentOrders(intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, o := range s.orders {
		if o.intentID == intentID && o.active() {
			o.status = StatusCancelled
			s.emitOrder(o, now)
		}
	}
	return nil
}

// Flatten zeroes the net position for instrument and cancels the intent's
// working orders. Emergency path: no fill callbacks are produced.
func (s *SimAdapter) Flatten(intentID, instrument string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.instrument == instrument && o.active() && (intentID == "" || o.intentID == intentID) {
			o.status = StatusCancelled
			s.emitOrder(o, now)
		}
	}
	if s.positions[instrument] != 0 {
		logger.Infof("sim: flattened %d %s at %.2f", s.positions[instrument], instrument, s.lastPrice[instrument])
		s.positions[instrument] = 0
	}
	return nil
}

// GetCurrentPosition returns the signed net position.
func (s *SimAdapter) GetCurrentPosition(instrument string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[instrument]
}

// ActiveOrder reports the working order for (intent, leg), if any. Test and
// status-surface helper.
func (s *SimAdapter) ActiveOrder(intentID string, leg Leg) (price float64, qty int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.findActive(intentID, leg); o != nil {
		return o.price, o.qty, true
	}
	return 0, 0, false
}

// ActiveOrderCount returns the number of working orders for an intent leg.
func (s *SimAdapter) ActiveOrderCount(intentID string, leg Leg) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.intentID == intentID && o.leg == leg && o.active() {
			n++
		}
	}
	return n
}

// OnPrice drives the simulated book with a new trade price: stop entries,
// protective stops and targets trigger against it.
func (s *SimAdapter) OnPrice(instrument string, price float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice[instrument] = price

	for _, o := range s.orders {
		if !o.active() || o.instrument != instrument {
			continue
		}
		if s.triggered(o, price) {
			s.fillLocked(o, o.price, now)
		}
	}
}

func (s *SimAdapter) triggered(o *simOrder, price float64) bool {
	long := o.direction == journal.Long
	switch o.leg {
	case LegEntry:
		if o.kind == journal.OrderStopEntry {
			// Buy stop above the market, sell stop below.
			if long {
				return price >= o.price
			}
			return price <= o.price
		}
		return false
	case LegStop:
		// Protective stop exits against the position.
		if long {
			return price <= o.price
		}
		return price >= o.price
	case LegTarget:
		if long {
			return price >= o.price
		}
		return price <= o.price
	}
	return false
}

// locked
func (s *SimAdapter) fillLocked(o *simOrder, price float64, now time.Time) {
	o.status = StatusFilled
	s.emitOrder(o, now)

	signed := o.qty
	if (o.leg == LegEntry && o.direction == journal.Short) ||
		(o.leg != LegEntry && o.direction == journal.Long) {
		signed = -signed
	}
	s.positions[o.instrument] += signed

	s.queue.Push(FillEvent{
		Tag: o.tag, Instrument: o.instrument, Price: price,
		DeltaQty: o.qty, TimeUTC: now,
	})

	// OCO: a filled leg cancels its partners.
	if o.oco != "" {
		for _, p := range s.orders {
			if p != o && p.oco == o.oco && p.active() {
				p.status = StatusCancelled
				s.emitOrder(p, now)
			}
		}
	}
}
