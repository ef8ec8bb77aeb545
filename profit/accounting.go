package profit

import (
	"context"
	"fmt"
	"sync"

	"putseller/domain"
	"putseller/logs"
	"putseller/metrics"

	"github.com/shopspring/decimal"
)

// TradeStore persists closed trades.
type TradeStore interface {
	SaveClosedTrade(ctx context.Context, t domain.ClosedTrade) error
}

// PnLRecorder receives realized P&L, e.g. the risk governor's daily total.
type PnLRecorder interface {
	RecordPnL(pnl float64)
}

// Stats summarises closed trades since start.
type Stats struct {
	RealizedPnL float64
	Trades      int
	Wins        int
	Losses      int
}

// Accountant is the closed-trade sink. It recomputes realized P&L from the
// fill, feeds it to the risk layer and writes the trade to the journal.
type Accountant struct {
	mu         sync.Mutex
	store      TradeStore  // optional
	risk       PnLRecorder // optional
	multiplier int
	realized   decimal.Decimal
	trades     int
	wins       int
	losses     int
}

var _ domain.TradeSink = (*Accountant)(nil)

// NewAccountant creates the accounting core.
func NewAccountant(store TradeStore, risk PnLRecorder, multiplier int) *Accountant {
	if multiplier <= 0 {
		multiplier = 100
	}
	return &Accountant{store: store, risk: risk, multiplier: multiplier}
}

// RealizedPnL of a buy-to-close against a short entry:
// (entry - exit) * filled * multiplier, rounded to the cent.
func (a *Accountant) RealizedPnL(entry, exit float64, filled int) decimal.Decimal {
	return decimal.NewFromFloat(entry).
		Sub(decimal.NewFromFloat(exit)).
		Mul(decimal.NewFromInt(int64(filled * a.multiplier))).
		Round(2)
}

// RecordClosedTrade books the trade. The risk layer is updated before the
// journal write so a storage failure never hides a loss from the breaker.
func (a *Accountant) RecordClosedTrade(ctx context.Context, t domain.ClosedTrade) error {
	pnl := a.RealizedPnL(t.EntryPremium, t.ExitPremium, t.FilledQuantity)
	t.RealizedPnL = pnl.InexactFloat64()

	a.mu.Lock()
	a.realized = a.realized.Add(pnl)
	a.trades++
	switch pnl.Sign() {
	case 1:
		a.wins++
	case -1:
		a.losses++
	}
	total := a.realized.InexactFloat64()
	a.mu.Unlock()

	metrics.RealizedPnL.Set(total)
	if a.risk != nil {
		a.risk.RecordPnL(t.RealizedPnL)
	}
	logs.Infof("[Accounting] %s closed (%s): %d x %.2f -> %.2f, P&L %.2f, cumulative %.2f",
		t.PositionID, t.ExitReason, t.FilledQuantity, t.EntryPremium, t.ExitPremium, t.RealizedPnL, total)

	if a.store == nil {
		return nil
	}
	if err := a.store.SaveClosedTrade(ctx, t); err != nil {
		return fmt.Errorf("failed to journal closed trade %s: %w", t.PositionID, err)
	}
	return nil
}

// Restore recovers cumulative realized profit from the journal at startup.
func (a *Accountant) Restore(realizedProfit float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realized = decimal.NewFromFloat(realizedProfit)
	metrics.RealizedPnL.Set(realizedProfit)
}

// GetRealizedPNL returns cumulative realized profit.
func (a *Accountant) GetRealizedPNL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realized.InexactFloat64()
}

func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{RealizedPnL: a.realized.InexactFloat64(), Trades: a.trades, Wins: a.wins, Losses: a.losses}
}
