package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Direction of a trade intent.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ExitKind classifies which protective leg closed a position.
type ExitKind string

const (
	ExitStop   ExitKind = "STOP"
	ExitTarget ExitKind = "TARGET"
)

// OrderKind of an entry order.
type OrderKind string

const (
	OrderMarket    OrderKind = "MARKET"
	OrderLimit     OrderKind = "LIMIT"
	OrderStopEntry OrderKind = "STOP"
)

// Costs are the pass-through net-P&L inputs, per contract. May be zero.
type Costs struct {
	Slippage   float64 `json:"slippage"`
	Commission float64 `json:"commission"`
	Fees       float64 `json:"fees"`
}

// Intent is a content-addressed trade specification. It carries everything
// needed to attach protective orders on a fill without re-querying stream
// state, which is what makes the restart paths workable.
type Intent struct {
	TradingDate         string    `json:"trading_date"`
	StreamID            string    `json:"stream_id"`
	CanonicalInstrument string    `json:"canonical_instrument"`
	SessionTag          string    `json:"session_tag"`
	SlotTimeLocal       string    `json:"slot_time_local"`
	Direction           Direction `json:"direction"`
	EntryPrice          float64   `json:"entry_price"`
	StopPrice           float64   `json:"stop_price"`
	TargetPrice         float64   `json:"target_price"`
	BETriggerPrice      float64   `json:"be_trigger_price"`

	// Execution context, not part of the identity hash.
	ExecutionInstrument string    `json:"execution_instrument"`
	Quantity            int       `json:"quantity"`
	TickSize            float64   `json:"tick_size"`
	ContractMultiplier  float64   `json:"contract_multiplier"`
	EntryKind           OrderKind `json:"entry_kind"`
	SlotInstanceKey     string    `json:"slot_instance_key"`
	Costs               Costs     `json:"costs"`
}

func fmtPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ID returns the deterministic intent id: a hash over the identity tuple.
// Two construction attempts with identical identity fields always produce the
// same id; the journal's idempotency checks depend on it.
func (it Intent) ID() string {
	parts := []string{
		it.TradingDate,
		it.StreamID,
		it.CanonicalInstrument,
		it.SessionTag,
		it.SlotTimeLocal,
		string(it.Direction),
		fmtPrice(it.EntryPrice),
		fmtPrice(it.StopPrice),
		fmtPrice(it.TargetPrice),
		fmtPrice(it.BETriggerPrice),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

// ReentryIntentID derives the once-only re-entry id for a carried-forward
// slot. Depends only on the slot instance key so D+1 restarts regenerate the
// identical id.
func ReentryIntentID(slotInstanceKey string) string {
	sum := sha256.Sum256([]byte(slotInstanceKey + "REENTRY"))
	return hex.EncodeToString(sum[:16])
}

// Complete reports whether the intent carries everything a protective
// attachment needs. Submission paths fail closed when this is false.
func (it Intent) Complete() bool {
	return (it.Direction == Long || it.Direction == Short) &&
		it.StopPrice != 0 && it.TargetPrice != 0
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
