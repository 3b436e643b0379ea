package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"QTSW2/logger"
)

// liveMessage is one frame from the live bar feed. The feed multiplexes
// message kinds on "T"; only completed minute bars ("b") are consumed here.
type liveMessage struct {
	Type      string  `json:"T"`
	Symbol    string  `json:"S"`
	Timestamp string  `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

// LiveFeed maintains a websocket subscription for minute bars and delivers
// them on a channel the engine selects on. Reconnects with capped backoff;
// sustained disconnection is reported through onDown so the engine can raise
// its connection-lost alert.
type LiveFeed struct {
	url         string
	instruments []string

	mu       sync.Mutex
	conn     *websocket.Conn
	lastRecv time.Time

	out    chan Bar
	onDown func(outage time.Duration)
}

// NewLiveFeed creates a feed for the given raw instrument symbols. The
// returned channel carries LIVE-sourced bars; instrument canonicalization is
// the engine's job.
func NewLiveFeed(url string, instruments []string, onDown func(time.Duration)) *LiveFeed {
	return &LiveFeed{
		url:         url,
		instruments: instruments,
		out:         make(chan Bar, 256),
		onDown:      onDown,
	}
}

// Bars returns the delivery channel. Closed when Run exits.
func (f *LiveFeed) Bars() <-chan Bar {
	return f.out
}

// LastReceive returns the time of the last decoded frame, for stall detection.
func (f *LiveFeed) LastReceive() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRecv
}

// Run connects and pumps bars until ctx is cancelled. Never returns a
// transport error: the feed is self-healing and the process outlives outages.
func (f *LiveFeed) Run(ctx context.Context) {
	defer close(f.out)

	backoff := time.Second
	downSince := time.Time{}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := f.connect(ctx); err != nil {
			if downSince.IsZero() {
				downSince = time.Now()
			}
			logger.Warnf("live feed connect failed: %v (retry in %v)", err, backoff)
			if f.onDown != nil {
				f.onDown(time.Since(downSince))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		downSince = time.Time{}

		err := f.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("live feed read loop ended: %v, reconnecting", err)
		downSince = time.Now()
	}
}

func (f *LiveFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}

	sub := map[string]interface{}{
		"action": "subscribe",
		"bars":   f.instruments,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.lastRecv = time.Now()
	f.mu.Unlock()
	logger.Infof("live feed connected, subscribed to %v", f.instruments)
	return nil
}

func (f *LiveFeed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.lastRecv = time.Now()
		f.mu.Unlock()

		// Frames arrive as arrays of messages.
		var msgs []liveMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			var single liveMessage
			if err2 := json.Unmarshal(raw, &single); err2 != nil {
				logger.Debugf("live feed: undecodable frame: %v", err)
				continue
			}
			msgs = []liveMessage{single}
		}
		for _, m := range msgs {
			if m.Type != "b" {
				continue
			}
			ts, err := time.Parse(time.RFC3339, m.Timestamp)
			if err != nil {
				logger.Debugf("live feed: bad bar timestamp %q", m.Timestamp)
				continue
			}
			bar := Bar{
				Instrument: m.Symbol,
				OpenTime:   ts.UTC(),
				Open:       m.Open,
				High:       m.High,
				Low:        m.Low,
				Close:      m.Close,
				Volume:     m.Volume,
				Source:     SourceLive,
			}
			select {
			case f.out <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
