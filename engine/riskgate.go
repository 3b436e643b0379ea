package engine

import (
	"fmt"
	"time"

	"QTSW2/journal"
	"QTSW2/logger"
	"QTSW2/stream"
)

// RiskGate runs the pre-submission checks. Every refusal names the failing
// gate in a structured event; submissions never proceed on a failed gate.
// Flatten is not gated: the emergency close path must always work.
type RiskGate struct {
	Kill       *KillSwitch
	ActiveDate func() string
	StreamInfo func(streamID string) (state stream.State, sessionStart, sessionEnd time.Time, ok bool)
	Recovery   func() bool
	Events     *logger.EventWriter
}

// Check returns nil when all gates pass for the intent at now.
func (g *RiskGate) Check(it journal.Intent, now time.Time) error {
	if err := g.check(it, now); err != nil {
		g.Events.Emit(logger.Event{
			Event:       "risk_gate_refused",
			Level:       logger.LevelWarn,
			Stream:      it.StreamID,
			Instrument:  it.CanonicalInstrument,
			TradingDate: it.TradingDate,
			Data: map[string]interface{}{
				"intent_id": it.ID(),
				"gate":      err.Error(),
			},
		})
		return err
	}
	return nil
}

func (g *RiskGate) check(it journal.Intent, now time.Time) error {
	if g.Kill != nil && g.Kill.Active() {
		return fmt.Errorf("kill switch active")
	}
	date := g.ActiveDate()
	if date == "" {
		return fmt.Errorf("no active trading date")
	}
	if it.TradingDate != date {
		return fmt.Errorf("intent date %s does not match active date %s", it.TradingDate, date)
	}
	if g.Recovery != nil && g.Recovery() {
		return fmt.Errorf("recovery mode active")
	}
	if !it.Complete() {
		return fmt.Errorf("intent missing direction or protective prices")
	}
	if g.StreamInfo != nil {
		state, start, end, ok := g.StreamInfo(it.StreamID)
		if !ok {
			return fmt.Errorf("stream %s not registered", it.StreamID)
		}
		if state == stream.StatePreHydration {
			return fmt.Errorf("stream not armed (state %s)", state)
		}
		if state == stream.StateSuspended || state == stream.StateDone {
			return fmt.Errorf("stream inactive (state %s)", state)
		}
		if now.Before(start) || now.After(end) {
			return fmt.Errorf("outside session window")
		}
	}
	return nil
}
