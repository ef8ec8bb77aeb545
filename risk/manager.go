// risk/manager.go
package risk

import (
	"fmt"
	"sync"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/gateway"
	"putseller/logs"
	"putseller/metrics"
	"putseller/state"
)

const dateLayout = "2006-01-02"

// Governor is the account-wide admission control. It owns RiskState; every
// read and write goes through its mutex. It never calls the gateway, so the
// lock is never held across network I/O.
type Governor struct {
	mu         sync.Mutex
	cfg        config.RiskConfig
	multiplier int
	st         state.RiskState
	store      state.StateManagerInterface // optional
	now        func() time.Time

	// Slots held by approvals whose order has not settled yet. Counted
	// against max_positions and max_trades_per_day, never persisted.
	reserved int
}

// NewGovernor builds a governor. When store is non-nil the last persisted
// state is restored, so a halt survives a restart.
func NewGovernor(cfg *config.Config, store state.StateManagerInterface) *Governor {
	g := &Governor{
		cfg:        *cfg.Risk,
		multiplier: cfg.Trading.ContractMultiplier,
		store:      store,
		now:        time.Now,
	}
	if g.multiplier <= 0 {
		g.multiplier = 100
	}
	if store != nil {
		g.st = store.GetRiskState()
		if g.st.Halted {
			logs.Warnf("[Risk] Restored HALTED state from disk (reason: %s). Trading stays halted until resumed.", g.st.HaltReason)
		}
	}
	g.mu.Lock()
	g.resetDailyCounters_noLock()
	g.mu.Unlock()
	metrics.SetHalted(g.st.Halted)
	return g
}

// PreTradeCheck evaluates every risk rule for opp against the account
// snapshot. All six checks are always returned; a halt alone is enough to
// reject. A failing daily-loss check trips the circuit breaker.
//
// An approval reserves one position and one trade slot until the caller
// hands the decision back through RecordTrade or Release.
func (g *Governor) PreTradeCheck(opp domain.TradeOpportunity, acct *gateway.AccountSummary) *Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.resetDailyCounters_noLock()

	equity, fresh := g.accountUsable(acct, now)
	checks := make([]Check, 0, 6)

	// 1. Halt flag
	halt := Check{Name: CheckTradingHalt, Passed: !g.st.Halted, Enforced: true}
	if g.st.Halted {
		halt.Reason = ReasonHalted
		if g.st.HaltReason != "" {
			halt.Reason = fmt.Sprintf("%s: %s", ReasonHalted, g.st.HaltReason)
		}
	}
	checks = append(checks, halt)

	// 2. Daily loss circuit breaker
	daily := Check{Name: CheckDailyLoss, Enforced: true}
	if !fresh {
		daily.Reason = ReasonAccountStale
	} else {
		pnl := g.st.DailyPnL
		if acct.DailyPnL < pnl {
			pnl = acct.DailyPnL
		}
		floor := -g.cfg.MaxDailyLossPct * equity
		if pnl <= floor {
			daily.Reason = fmt.Sprintf("%s: daily P&L %.2f at or below floor %.2f (%.2f%% of equity %.2f)",
				ReasonDailyLoss, pnl, floor, g.cfg.MaxDailyLossPct*100, equity)
			if !g.st.Halted {
				g.halt_noLock(ReasonDailyLoss)
			}
		} else {
			daily.Passed = true
		}
	}
	checks = append(checks, daily)

	// 3. Open positions
	openCount := g.st.OpenPositionCount + g.reserved
	positions := Check{Name: CheckMaxPositions, Enforced: true, Passed: openCount < g.cfg.MaxPositions}
	if !positions.Passed {
		positions.Reason = fmt.Sprintf("%s (%d/%d)", ReasonMaxPositions, openCount, g.cfg.MaxPositions)
		if g.reserved > 0 {
			positions.Reason += fmt.Sprintf(", %d pending", g.reserved)
		}
	}
	checks = append(checks, positions)

	// 4. Trades today
	tradeCount := g.st.TradesPlacedToday + g.reserved
	trades := Check{Name: CheckMaxTradesPerDay, Enforced: true, Passed: tradeCount < g.cfg.MaxTradesPerDay}
	if !trades.Passed {
		trades.Reason = fmt.Sprintf("%s (%d/%d)", ReasonMaxTrades, tradeCount, g.cfg.MaxTradesPerDay)
		if g.reserved > 0 {
			trades.Reason += fmt.Sprintf(", %d pending", g.reserved)
		}
	}
	checks = append(checks, trades)

	// 5. Projected margin utilization
	margin := Check{Name: CheckMarginUtilization, Enforced: true}
	if !fresh {
		margin.Reason = ReasonAccountStale
	} else {
		projected := (acct.MaintMarginReq + g.marginFor(opp)) / equity
		if projected > g.cfg.MaxMarginUtilization {
			margin.Reason = fmt.Sprintf("margin utilization %.1f%% after trade exceeds ceiling %.1f%%",
				projected*100, g.cfg.MaxMarginUtilization*100)
		} else {
			margin.Passed = true
		}
	}
	checks = append(checks, margin)

	// 6. Sector concentration has no data source yet.
	checks = append(checks, Check{Name: CheckSectorConcentration, Passed: true, Enforced: false, Reason: ReasonSectorUnchecked})

	d := &Decision{
		Approved:  true,
		Checks:    checks,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(g.cfg.ApprovalValiditySeconds) * time.Second),
	}
	for _, c := range checks {
		if c.Enforced && !c.Passed {
			d.Approved = false
			metrics.RiskRejections.WithLabelValues(c.Name).Inc()
		}
	}
	metrics.RiskDecisions.WithLabelValues(fmt.Sprintf("%t", d.Approved)).Inc()

	if d.Approved {
		d.slot = true
		g.reserved++
		logs.Infof("[Risk] %s approved: %s", opp.PositionID(), Summarize(checks))
	} else {
		logs.Warnf("[Risk] %s %s", opp.PositionID(), Summarize(checks))
	}
	return d
}

// accountUsable returns the equity to measure against, and false when the
// snapshot is missing, empty or too old to trust.
func (g *Governor) accountUsable(acct *gateway.AccountSummary, now time.Time) (float64, bool) {
	if acct == nil || acct.NetLiquidation <= 0 || acct.Timestamp.IsZero() {
		return 0, false
	}
	maxAge := time.Duration(g.cfg.MaxSnapshotAgeSeconds) * time.Second
	if now.Sub(acct.Timestamp) > maxAge {
		return 0, false
	}
	return acct.NetLiquidation, true
}

// marginFor uses the screened margin requirement, falling back to the full
// cash-secured notional when the screener left it empty.
func (g *Governor) marginFor(opp domain.TradeOpportunity) float64 {
	if opp.MarginRequired > 0 {
		return opp.MarginRequired
	}
	return opp.Strike * float64(opp.Contracts*g.multiplier)
}

// EmergencyHalt blocks every new approval from now on. Orders already past
// approval are left alone.
func (g *Governor) EmergencyHalt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reason == "" {
		reason = "emergency halt"
	}
	g.halt_noLock(reason)
}

func (g *Governor) halt_noLock(reason string) {
	g.st.Halted = true
	g.st.HaltReason = reason
	metrics.SetHalted(true)
	logs.Errorf("[Risk] !!! TRADING HALTED: %s !!!", reason)
	g.persist_noLock()
}

// ResumeTrading is the only way back to ACTIVE.
func (g *Governor) ResumeTrading() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.st.Halted {
		return
	}
	logs.Warnf("[Risk] Trading resumed by operator (was halted: %s)", g.st.HaltReason)
	g.st.Halted = false
	g.st.HaltReason = ""
	metrics.SetHalted(false)
	g.persist_noLock()
}

// RecordTrade counts a confirmed entry fill and frees the slot d reserved.
// The new position also counts against max_positions until the next monitor
// refresh replaces the count. d may be nil.
func (g *Governor) RecordTrade(d *Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.freeSlot_noLock(d)
	g.resetDailyCounters_noLock()
	g.st.TradesPlacedToday++
	g.st.OpenPositionCount++
	g.persist_noLock()
}

// Release frees the slot d reserved without counting a trade. Used when the
// approved order never filled. Releasing twice is a no-op.
func (g *Governor) Release(d *Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.freeSlot_noLock(d)
}

func (g *Governor) freeSlot_noLock(d *Decision) {
	if d == nil || !d.slot {
		return
	}
	d.slot = false
	if g.reserved > 0 {
		g.reserved--
	}
}

// RecordPnL adds realized P&L to today's total.
func (g *Governor) RecordPnL(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetDailyCounters_noLock()
	g.st.DailyPnL += pnl
	logs.Infof("[Risk] Daily P&L updated: %.2f (change: %.2f)", g.st.DailyPnL, pnl)
	g.persist_noLock()
}

// SetOpenPositionCount replaces the open position count with the monitor's
// authoritative view.
func (g *Governor) SetOpenPositionCount(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st.OpenPositionCount == n {
		return
	}
	g.st.OpenPositionCount = n
	g.persist_noLock()
}

// ResetDailyCounters zeroes the daily figures once per calendar date. It
// reports whether a reset happened.
func (g *Governor) ResetDailyCounters() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resetDailyCounters_noLock()
}

func (g *Governor) resetDailyCounters_noLock() bool {
	today := g.now().Format(dateLayout)
	if g.st.LastResetDate == today {
		return false
	}
	if g.st.LastResetDate != "" {
		logs.Infof("[Risk] New trading day %s: resetting daily P&L (%.2f) and trade count (%d)", today, g.st.DailyPnL, g.st.TradesPlacedToday)
	}
	g.st.DailyPnL = 0
	g.st.TradesPlacedToday = 0
	g.st.LastResetDate = today
	g.persist_noLock()
	return true
}

// Snapshot returns a consistent copy of the risk state.
func (g *Governor) Snapshot() state.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}

func (g *Governor) IsHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.Halted
}

func (g *Governor) persist_noLock() {
	if g.store == nil {
		return
	}
	if err := g.store.SaveRiskState(g.st); err != nil {
		logs.Errorf("[Risk] Failed to persist risk state: %v", err)
	}
}
