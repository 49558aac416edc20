package contracts

import "time"

// SignalKind is the per-bar trading decision.
type SignalKind string

// Signal kinds.
const (
	SignalBuy  SignalKind = "BUY"
	SignalSell SignalKind = "SELL"
	SignalHold SignalKind = "HOLD"
)

// SignalStrength classifies |score| into bands.
type SignalStrength string

// Signal strengths.
const (
	StrengthWeak   SignalStrength = "WEAK"
	StrengthMedium SignalStrength = "MEDIUM"
	StrengthStrong SignalStrength = "STRONG"
)

// TradingSignal is one adapter decision for one instrument at one bar.
// A HOLD signal has no effect on the portfolio.
type TradingSignal struct {
	Instrument InstrumentCode
	Timestamp  time.Time
	Kind       SignalKind
	Strength   SignalStrength
	Score      float64 // source score behind the decision

	// Weight is the target allocation for a BUY, as a fraction of
	// equity. Zero means the engine applies its default sizing.
	Weight float64
}

// Hold is the canonical no-op signal for an (instrument, timestamp).
func Hold(inst InstrumentCode, ts time.Time) TradingSignal {
	return TradingSignal{
		Instrument: inst,
		Timestamp:  ts,
		Kind:       SignalHold,
	}
}

// RebalanceTransition is one held-set change emitted by the rebalance
// scheduler at a rebalance date. The adapter and engine observe these
// records instead of sharing the held set itself.
type RebalanceTransition struct {
	Instrument InstrumentCode
	Kind       SignalKind // BUY for entries, SELL for exits
	Score      float64
	Weight     float64 // target allocation for entries, 0 for exits
}
