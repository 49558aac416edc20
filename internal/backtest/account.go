package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/luwei/quantflow/internal/contracts"
)

// Account tracks cash, open positions, and the trade journal for one
// run. It owns positions by value-keyed map; every P&L query passes the
// current price in. Cash never goes negative: the engine sizes orders
// before calling Open.
type Account struct {
	cash      decimal.Decimal
	positions map[contracts.InstrumentCode]*contracts.Position
	trades    []contracts.Trade
}

// NewAccount creates an account funded with the initial capital.
func NewAccount(initial decimal.Decimal) *Account {
	return &Account{
		cash:      initial,
		positions: make(map[contracts.InstrumentCode]*contracts.Position),
		trades:    make([]contracts.Trade, 0),
	}
}

// Cash returns the free cash balance.
func (a *Account) Cash() decimal.Decimal {
	return a.cash
}

// Position returns the open position for an instrument, if any.
func (a *Account) Position(inst contracts.InstrumentCode) (*contracts.Position, bool) {
	p, ok := a.positions[inst]
	return p, ok
}

// Positions returns the open positions map. Read-only for callers.
func (a *Account) Positions() map[contracts.InstrumentCode]*contracts.Position {
	return a.positions
}

// Mark updates the last marked price of an open position.
func (a *Account) Mark(inst contracts.InstrumentCode, price decimal.Decimal) {
	if p, ok := a.positions[inst]; ok {
		p.CurrentPrice = price
	}
}

// Equity is cash plus the mark-to-market value of all open positions.
func (a *Account) Equity() decimal.Decimal {
	total := a.cash
	for _, p := range a.positions {
		total = total.Add(p.MarketValue())
	}
	return total
}

// Notional is the mark-to-market value of open positions only.
func (a *Account) Notional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.positions {
		total = total.Add(p.MarketValue())
	}
	return total
}

// Open deducts cash for a new position. costBasis is notional plus all
// entry fees; fillPrice is the effective entry price after slippage.
func (a *Account) Open(inst contracts.InstrumentCode, qty int64, fillPrice, costBasis decimal.Decimal, at time.Time) {
	a.cash = a.cash.Sub(costBasis)
	a.positions[inst] = &contracts.Position{
		Instrument:   inst,
		Quantity:     qty,
		CostBasis:    costBasis,
		CurrentPrice: fillPrice,
		EntryPrice:   fillPrice,
		OpenedAt:     at,
	}
}

// Close settles the full position at fillPrice, credits net proceeds,
// and appends the round trip to the journal.
func (a *Account) Close(inst contracts.InstrumentCode, fillPrice, exitFees decimal.Decimal, at time.Time) contracts.Trade {
	p := a.positions[inst]
	qty := decimal.NewFromInt(p.Quantity)

	notional := fillPrice.Mul(qty)
	proceeds := notional.Sub(exitFees)
	entryFees := p.CostBasis.Sub(p.EntryPrice.Mul(qty))

	trade := contracts.Trade{
		Instrument:  inst,
		EntryTime:   p.OpenedAt,
		EntryPrice:  p.EntryPrice,
		ExitTime:    at,
		ExitPrice:   fillPrice,
		Quantity:    p.Quantity,
		RealizedPnL: proceeds.Sub(p.CostBasis),
		FeesTotal:   entryFees.Add(exitFees),
	}

	a.cash = a.cash.Add(proceeds)
	delete(a.positions, inst)
	a.trades = append(a.trades, trade)

	return trade
}

// Trades returns the journal in fill order.
func (a *Account) Trades() []contracts.Trade {
	return a.trades
}
