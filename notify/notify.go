package notify

import (
	"sync"
	"time"

	"QTSW2/logger"
)

// Severity classes for outbound alerts.
type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityWarning   Severity = "WARNING"
	SeverityEmergency Severity = "EMERGENCY"
)

// Whitelisted event types. Anything else is log-only regardless of severity.
const (
	EventConnectionLostSustained   = "connection-lost-sustained"
	EventEngineTickStall           = "engine-tick-stall-detected"
	EventExecutionGateInvariant    = "execution-gate-invariant-violation"
	EventDisconnectFailClosed      = "disconnect-fail-closed-entered"
	EventDuplicateInstance         = "duplicate-instance-detected"
	EventExecutionPolicyValidation = "execution-policy-validation-failed"
)

var whitelist = map[string]bool{
	EventConnectionLostSustained:   true,
	EventEngineTickStall:           true,
	EventExecutionGateInvariant:    true,
	EventDisconnectFailClosed:      true,
	EventDuplicateInstance:         true,
	EventExecutionPolicyValidation: true,
}

const emergencyInterval = 5 * time.Minute

// Sink delivers an alert somewhere external (operator chat, pager).
type Sink interface {
	Send(eventType, message string, severity Severity) error
}

// Notifier gates alerts: whitelisted event types only. A non-emergency event
// goes out at most once per (event_type, run_id) per process lifetime; an
// emergency-class event goes out at most once per five minutes per type.
type Notifier struct {
	mu     sync.Mutex
	runID  string
	sinks  []Sink
	seen   map[string]bool
	lastEm map[string]time.Time
	clock  func() time.Time
}

// New creates a notifier for this run.
func New(runID string, sinks ...Sink) *Notifier {
	return &Notifier{
		runID:  runID,
		sinks:  sinks,
		seen:   make(map[string]bool),
		lastEm: make(map[string]time.Time),
		clock:  time.Now,
	}
}

// SetClock overrides the time source (tests).
func (n *Notifier) SetClock(clock func() time.Time) {
	n.clock = clock
}

// Alert sends an event through the sinks if the gates allow it. Returns
// whether any external delivery was attempted.
func (n *Notifier) Alert(eventType, message string, severity Severity) bool {
	if !whitelist[eventType] {
		logger.Warnf("alert (log-only) %s: %s", eventType, message)
		return false
	}

	n.mu.Lock()
	allowed := n.allowLocked(eventType, severity)
	n.mu.Unlock()
	if !allowed {
		logger.Debugf("alert %s suppressed (already delivered this run)", eventType)
		return false
	}

	logger.Errorf("ALERT [%s] %s: %s", severity, eventType, message)
	for _, s := range n.sinks {
		if err := s.Send(eventType, message, severity); err != nil {
			logger.Warnf("alert sink failed for %s: %v", eventType, err)
		}
	}
	return true
}

func (n *Notifier) allowLocked(eventType string, severity Severity) bool {
	now := n.clock()
	if severity == SeverityEmergency {
		if last, ok := n.lastEm[eventType]; ok && now.Sub(last) < emergencyInterval {
			return false
		}
		n.lastEm[eventType] = now
		n.seen[eventType] = true
		return true
	}
	if n.seen[eventType] {
		return false
	}
	n.seen[eventType] = true
	return true
}
