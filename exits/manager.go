// exits/manager.go
package exits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/gateway"
	"putseller/logs"
	"putseller/metrics"
	"putseller/monitor"
	"putseller/utils"
)

// OrderPlacer submits closing orders.
type OrderPlacer interface {
	PlaceExitOrder(ctx context.Context, sess *gateway.Session, pos domain.PositionStatus, decision domain.ExitDecision, dryRun bool) domain.OrderResult
}

// PositionSource resolves positions by id and lists what is open.
type PositionSource interface {
	UpdatePosition(ctx context.Context, sess *gateway.Session, positionID string) (*domain.PositionStatus, error)
	ListOpen(ctx context.Context, sess *gateway.Session) ([]domain.PositionStatus, error)
}

// Manager decides and executes exits. At most one exit order per position
// is outstanding at any time.
type Manager struct {
	orders           OrderPlacer
	positions        PositionSource
	switches         *config.Switches
	sink             domain.TradeSink // optional
	rules            domain.ExitRules
	useMarket        bool
	emergencyRetries int
	retryBase        time.Duration
	multiplier       int
	now              func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	working  map[string]workingExit
}

// workingExit is a closing order whose cancel was never confirmed. The
// position stays in flight until the gateway reports the order terminal.
type workingExit struct {
	orderID  string
	pos      domain.PositionStatus
	decision domain.ExitDecision
}

func NewManager(cfg *config.Config, orders OrderPlacer, positions PositionSource, switches *config.Switches, sink domain.TradeSink) *Manager {
	return &Manager{
		orders:           orders,
		positions:        positions,
		switches:         switches,
		sink:             sink,
		rules:            RulesFromConfig(cfg),
		useMarket:        cfg.Exit.UseMarketOrders,
		emergencyRetries: cfg.Exit.EmergencyRetries,
		retryBase:        time.Duration(cfg.Trading.RetryBaseMillis) * time.Millisecond,
		multiplier:       cfg.Trading.ContractMultiplier,
		now:              time.Now,
		inFlight:         make(map[string]struct{}),
		working:          make(map[string]workingExit),
	}
}

// RulesFromConfig builds the exit thresholds from the exit config block.
func RulesFromConfig(cfg *config.Config) domain.ExitRules {
	return domain.ExitRules{
		ProfitTargetPct: cfg.Exit.ProfitTargetPct,
		StopLossPct:     cfg.Exit.StopLossPct,
		TimeExitDTE:     cfg.Exit.TimeExitDTE,
	}
}

// Rules returns the configured thresholds.
func (m *Manager) Rules() domain.ExitRules { return m.rules }

// Evaluate applies the exit rules in priority order: profit target, then
// stop loss, then time. A nil decision means hold.
func (m *Manager) Evaluate(st domain.PositionStatus, rules domain.ExitRules) *domain.ExitDecision {
	var reason domain.ExitReason
	switch {
	case st.CurrentPnLPct >= rules.ProfitTargetPct:
		reason = domain.ExitProfitTarget
	case st.CurrentPnLPct <= rules.StopLossPct:
		reason = domain.ExitStopLoss
	case st.DTERemaining <= rules.TimeExitDTE:
		reason = domain.ExitTimeExit
	default:
		return nil
	}

	d := &domain.ExitDecision{PositionID: st.PositionID, Reason: reason, OrderType: domain.Limit, LimitPrice: st.CurrentPremium}
	if m.useMarket {
		d.OrderType = domain.Market
		d.LimitPrice = 0
	}
	return d
}

func (m *Manager) acquire(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[positionID]; busy {
		return false
	}
	m.inFlight[positionID] = struct{}{}
	return true
}

func (m *Manager) release(positionID string) {
	m.mu.Lock()
	delete(m.inFlight, positionID)
	m.mu.Unlock()
}

// finish releases the guard, unless the order may still fill. Then the
// guard is kept and the order is remembered for settleWorking.
func (m *Manager) finish(pos domain.PositionStatus, decision domain.ExitDecision, res domain.ExitResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res.Working {
		m.working[pos.PositionID] = workingExit{orderID: res.OrderID, pos: pos, decision: decision}
		return
	}
	delete(m.inFlight, pos.PositionID)
}

// settleWorking re-polls a remembered working order. done is true when the
// caller must not submit: the order is still live, or it filled and was
// booked here.
func (m *Manager) settleWorking(ctx context.Context, sess *gateway.Session, positionID string, reason domain.ExitReason) (res domain.ExitResult, done bool) {
	m.mu.Lock()
	w, ok := m.working[positionID]
	m.mu.Unlock()
	if !ok {
		return res, false
	}

	res = domain.ExitResult{PositionID: positionID, Reason: reason}
	st, err := sess.OrderStatus(ctx, w.orderID)
	if err != nil || !st.Status.Terminal() {
		if err == nil {
			err = fmt.Errorf("exit order %s for %s is still working (%s, filled %d)", w.orderID, positionID, st.Status, st.Filled)
		}
		res.OrderResult = domain.Failed(domain.ErrKindInFlight, err)
		return res, true
	}

	m.mu.Lock()
	delete(m.working, positionID)
	delete(m.inFlight, positionID)
	m.mu.Unlock()
	logs.Infof("[Exit] Working order %s for %s settled: %s, filled %d", w.orderID, positionID, st.Status, st.Filled)
	if st.Filled == 0 {
		return res, false
	}

	res.Reason = w.decision.Reason
	res.Attempts = 1
	res.OrderResult = domain.OrderResult{
		Success:        true,
		FilledQuantity: st.Filled,
		FillPrice:      utils.RoundToPrecision(st.AvgFillPrice, 4),
		OrderID:        st.OrderID,
	}
	m.afterExit(ctx, w.pos, w.decision, res)
	return res, true
}

// InFlight reports whether an exit for positionID is being worked.
func (m *Manager) InFlight(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.inFlight[positionID]
	return busy
}

// ExecuteExit re-resolves the position and submits its closing order.
// Not-found and busy positions come back as failed results. A previous
// order still working at the gateway is polled first and blocks a new one.
func (m *Manager) ExecuteExit(ctx context.Context, sess *gateway.Session, decision domain.ExitDecision) domain.ExitResult {
	if res, done := m.settleWorking(ctx, sess, decision.PositionID, decision.Reason); done {
		return res
	}
	res := domain.ExitResult{PositionID: decision.PositionID, Reason: decision.Reason}
	if !m.acquire(decision.PositionID) {
		res.OrderResult = domain.Failed(domain.ErrKindInFlight, fmt.Errorf("an exit order for %s is already working", decision.PositionID))
		return res
	}

	st, err := m.positions.UpdatePosition(ctx, sess, decision.PositionID)
	if err != nil {
		m.release(decision.PositionID)
		logs.Warnf("[Exit] Cannot exit %s (%s): %v", decision.PositionID, decision.Reason, err)
		res.OrderResult = domain.Failed(classify(err), err)
		return res
	}

	// Price a limit exit off the fresh mid, not the one seen at decision time.
	if decision.OrderType != domain.Market {
		decision.LimitPrice = st.CurrentPremium
	}
	res.Attempts = 1
	res.OrderResult = m.orders.PlaceExitOrder(ctx, sess, *st, decision, m.switches.DryRun())
	m.finish(*st, decision, res)
	m.afterExit(ctx, *st, decision, res)
	return res
}

// EmergencyExitAll sends a MARKET close for every open position. Each
// position gets up to 1+emergency_retries attempts; one failure never stops
// the others. The error is non-nil only when the position list itself could
// not be fetched.
func (m *Manager) EmergencyExitAll(ctx context.Context, sess *gateway.Session) ([]domain.ExitResult, error) {
	open, err := m.positions.ListOpen(ctx, sess)
	if err != nil {
		logs.Errorf("[Exit] !!! Emergency exit could not list positions: %v !!!", err)
		return nil, err
	}
	logs.Warnf("[Exit] !!! EMERGENCY EXIT of %d open positions !!!", len(open))

	dryRun := m.switches.DryRun()
	results := make([]domain.ExitResult, 0, len(open))
	for _, st := range open {
		results = append(results, m.emergencyClose(ctx, sess, st, dryRun))
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logs.Warnf("[Exit] Emergency exit finished: %d closed, %d failed", len(results)-failed, failed)
	return results, nil
}

// emergencyClose works one position with bounded retries. The position is
// re-resolved before every attempt, so a retry never resends an order that
// already landed and is sized from what is still open.
func (m *Manager) emergencyClose(ctx context.Context, sess *gateway.Session, st domain.PositionStatus, dryRun bool) domain.ExitResult {
	decision := domain.ExitDecision{PositionID: st.PositionID, Reason: domain.ExitEmergency, OrderType: domain.Market}
	res := domain.ExitResult{PositionID: st.PositionID, Reason: domain.ExitEmergency}
	sent := 0

	for attempt := 0; attempt <= m.emergencyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				res.OrderResult = domain.Failed(domain.ErrKindTimeout, ctx.Err())
				m.afterExit(ctx, st, decision, res)
				return res
			case <-time.After(utils.Backoff(attempt-1, m.retryBase, 8*m.retryBase)):
			}
		}
		res.Attempts = attempt + 1

		if settled, done := m.settleWorking(ctx, sess, st.PositionID, domain.ExitEmergency); done {
			res.OrderResult = settled.OrderResult
			if settled.Success {
				// Booked by settleWorking.
				return res
			}
			continue
		}

		fresh, err := m.positions.UpdatePosition(ctx, sess, st.PositionID)
		switch {
		case errors.Is(err, monitor.ErrPositionNotFound) && sent > 0:
			// An earlier attempt closed it but its confirmation was lost.
			price := st.CurrentPremium
			if price <= 0 {
				price = st.EntryPremium
			}
			logs.Warnf("[Exit] %s is gone after a failed close attempt; treating it as closed at an estimated %.2f", st.PositionID, price)
			res.Attempts = sent
			res.OrderResult = domain.OrderResult{
				Success:        true,
				FilledQuantity: st.Contracts,
				FillPrice:      price,
				Error:          "close confirmed by position refresh; fill price estimated",
			}
			m.afterExit(ctx, st, decision, res)
			return res
		case errors.Is(err, monitor.ErrPositionNotFound):
			logs.Warnf("[Exit] %s already closed before the emergency exit reached it", st.PositionID)
			res.OrderResult = domain.Failed(domain.ErrKindNotFound, err)
			return res
		case err != nil && sent > 0:
			// Without a fresh view a retry could double the close.
			res.OrderResult = domain.Failed(classify(err), err)
			logs.Warnf("[Exit] Emergency close of %s: cannot re-check position before retry %d/%d: %v", st.PositionID, attempt+1, m.emergencyRetries+1, err)
			continue
		case err != nil:
			logs.Warnf("[Exit] Emergency close of %s: refresh failed, using the listed position: %v", st.PositionID, err)
		default:
			st = *fresh
		}

		if !m.acquire(st.PositionID) {
			res.OrderResult = domain.Failed(domain.ErrKindInFlight, fmt.Errorf("an exit order for %s is already working", st.PositionID))
			continue
		}
		res.OrderResult = m.orders.PlaceExitOrder(ctx, sess, st, decision, dryRun)
		sent++
		m.finish(st, decision, res)
		if res.Success || res.Working || res.ErrorKind == domain.ErrKindValidation {
			break
		}
		logs.Warnf("[Exit] Emergency close of %s failed (attempt %d/%d): %s", st.PositionID, attempt+1, m.emergencyRetries+1, res.Error)
	}
	m.afterExit(ctx, st, decision, res)
	return res
}

// classify maps a position refresh error onto the result taxonomy.
func classify(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, monitor.ErrPositionNotFound):
		return domain.ErrKindNotFound
	case gateway.IsRejection(err):
		return domain.ErrKindRejection
	default:
		return domain.ErrKindConnectivity
	}
}

// afterExit logs the outcome and hands a fill to the trade sink.
func (m *Manager) afterExit(ctx context.Context, st domain.PositionStatus, decision domain.ExitDecision, res domain.ExitResult) {
	if res.Working {
		// Booked once the order settles.
		logs.Errorf("[Exit] Exit order %s for %s (%s) is still working at the gateway: %s", res.OrderID, st.PositionID, decision.Reason, res.Error)
		return
	}
	if !res.Success {
		logs.Errorf("[Exit] Exit of %s (%s) failed: [%s] %s", st.PositionID, decision.Reason, res.ErrorKind, res.Error)
		return
	}
	metrics.Exits.WithLabelValues(string(decision.Reason)).Inc()
	if res.DryRun {
		logs.Infof("[Exit] [DRY RUN] %s would close %d @ %.2f (%s)", st.PositionID, res.FilledQuantity, res.FillPrice, decision.Reason)
		return
	}

	trade := m.closedTrade(st, decision.Reason, res)
	logs.Infof("[Exit] Closed %s (%s): %d @ %.2f, realized P&L %.2f", st.PositionID, decision.Reason, trade.FilledQuantity, trade.ExitPremium, trade.RealizedPnL)
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordClosedTrade(ctx, trade); err != nil {
		logs.Errorf("[Exit] Failed to record closed trade %s: %v", st.PositionID, err)
	}
}

func (m *Manager) closedTrade(st domain.PositionStatus, reason domain.ExitReason, res domain.ExitResult) domain.ClosedTrade {
	now := m.now()
	pnl, _ := monitor.ShortPnL(st.EntryPremium, res.FillPrice, res.FilledQuantity, m.multiplier)
	t := domain.ClosedTrade{
		PositionID:     st.PositionID,
		Symbol:         st.Symbol,
		Strike:         st.Strike,
		Expiration:     st.Expiration,
		Right:          st.Right,
		Contracts:      st.Contracts,
		FilledQuantity: res.FilledQuantity,
		EntryPremium:   st.EntryPremium,
		ExitPremium:    res.FillPrice,
		RealizedPnL:    pnl,
		ExitReason:     reason,
		DaysHeld:       st.DaysHeld,
		OpenedAt:       st.OpenedAt,
		ClosedAt:       now,
		ExitOrderID:    res.OrderID,
	}
	if t.DaysHeld == 0 && !st.OpenedAt.IsZero() {
		t.DaysHeld = int(now.Sub(st.OpenedAt).Hours() / 24)
	}
	return t
}
