package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for engine metrics.
var Registry = prometheus.NewRegistry()

var (
	// ============================================
	// Engine health
	// ============================================

	// EngineTicks counts engine tick iterations.
	EngineTicks = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "qtsw",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Engine tick iterations",
		},
	)

	// CallbackQueueDepth tracks the broker callback queue depth.
	CallbackQueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "qtsw",
			Subsystem: "engine",
			Name:      "callback_queue_depth",
			Help:      "Pending broker/feed callbacks",
		},
	)

	// ============================================
	// Bar ingestion
	// ============================================

	// BarsAdmitted counts admitted bars per instrument and source.
	BarsAdmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qtsw",
			Subsystem: "bars",
			Name:      "admitted_total",
			Help:      "Bars admitted to stream buffers",
		},
		[]string{"instrument", "source"},
	)

	// BarsRejected counts rejected bars per instrument and reason.
	BarsRejected = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qtsw",
			Subsystem: "bars",
			Name:      "rejected_total",
			Help:      "Bars rejected at admission",
		},
		[]string{"instrument", "reason"},
	)

	// ============================================
	// Execution
	// ============================================

	// OrderSubmissions counts order submissions per kind and outcome.
	OrderSubmissions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qtsw",
			Subsystem: "execution",
			Name:      "submissions_total",
			Help:      "Order submissions",
		},
		[]string{"kind", "outcome"}, // outcome: "ok", "duplicate", "failed"
	)

	// Fills counts fill callbacks per leg.
	Fills = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qtsw",
			Subsystem: "execution",
			Name:      "fills_total",
			Help:      "Fill callbacks processed",
		},
		[]string{"leg"},
	)

	// Flattens counts emergency flatten invocations per reason.
	Flattens = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qtsw",
			Subsystem: "execution",
			Name:      "flattens_total",
			Help:      "Fail-closed flatten invocations",
		},
		[]string{"reason"},
	)

	// ============================================
	// Streams
	// ============================================

	// StreamState exposes each stream's lifecycle state as a labeled gauge
	// (1 for the active state, 0 otherwise).
	StreamState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qtsw",
			Subsystem: "stream",
			Name:      "state",
			Help:      "Stream lifecycle state",
		},
		[]string{"stream", "state"},
	)

	// RealizedPnL tracks realized net P&L per stream for the day.
	RealizedPnL = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qtsw",
			Subsystem: "stream",
			Name:      "realized_pnl",
			Help:      "Realized net P&L",
		},
		[]string{"stream"},
	)
)

// SetStreamState flips the state gauge for a stream.
func SetStreamState(streamID, state string) {
	for _, st := range []string{
		"PRE_HYDRATION", "ARMED", "RANGE_BUILDING", "RANGE_LOCKED", "DONE",
		"SUSPENDED_DATA_INSUFFICIENT",
	} {
		v := 0.0
		if st == state {
			v = 1.0
		}
		StreamState.WithLabelValues(streamID, st).Set(v)
	}
}
