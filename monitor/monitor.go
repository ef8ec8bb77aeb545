// monitor/monitor.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/gateway"
	"putseller/logs"
	"putseller/metrics"
	"putseller/utils"

	"github.com/shopspring/decimal"
)

// ErrPositionNotFound is returned when an id matches no open option position.
var ErrPositionNotFound = errors.New("position not found")

// OptionLike is what a position's contract must offer to be monitored.
// Stocks and anything else without strike, right and expiration are skipped.
type OptionLike interface {
	Symbol() string
	Strike() float64
	Right() string
	Expiration() time.Time
}

// Monitor turns the gateway's position list into PositionStatus records and
// keeps the last snapshot for rate limiting and lookups.
type Monitor struct {
	multiplier int
	minRefresh time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	snapshot    map[string]domain.PositionStatus
	openCount   int
	lastRefresh time.Time
}

func NewMonitor(cfg *config.Config) *Monitor {
	return &Monitor{
		multiplier: cfg.Trading.ContractMultiplier,
		minRefresh: time.Duration(cfg.Monitor.MinRefreshSeconds) * time.Second,
		now:        time.Now,
		snapshot:   make(map[string]domain.PositionStatus),
	}
}

// shortOption is a position that passed the capability filter.
type shortOption struct {
	id       string
	contract gateway.OptionContract
	pos      gateway.Position
}

// GetAllPositions fetches every open short option with a fresh quote and
// replaces the snapshot. Positions without a usable quote are counted as open
// but left out of the result.
func (m *Monitor) GetAllPositions(ctx context.Context, sess *gateway.Session) ([]domain.PositionStatus, error) {
	options, err := m.fetchShortOptions(ctx, sess)
	if err != nil {
		return nil, err
	}

	statuses := make([]domain.PositionStatus, 0, len(options))
	for _, o := range options {
		st, err := m.price(ctx, sess, o)
		if err != nil {
			if gateway.IsConnectivity(err) || ctx.Err() != nil {
				return nil, fmt.Errorf("failed to refresh quote for %s: %w", o.id, err)
			}
			logs.Warnf("[Monitor] Skipping %s this cycle: %v", o.id, err)
			continue
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].PositionID < statuses[j].PositionID })

	m.mu.Lock()
	m.snapshot = make(map[string]domain.PositionStatus, len(statuses))
	for _, st := range statuses {
		m.snapshot[st.PositionID] = st
	}
	m.openCount = len(options)
	m.lastRefresh = m.now()
	m.mu.Unlock()

	metrics.OpenPositions.Set(float64(len(options)))
	logs.Debugf("[Monitor] Refreshed %d open option positions (%d priced)", len(options), len(statuses))
	return statuses, nil
}

// UpdateAll is GetAllPositions rate-limited to one gateway refresh per
// min_refresh_seconds. Calls inside the window get the cached snapshot.
func (m *Monitor) UpdateAll(ctx context.Context, sess *gateway.Session) ([]domain.PositionStatus, error) {
	m.mu.RLock()
	fresh := !m.lastRefresh.IsZero() && m.now().Sub(m.lastRefresh) < m.minRefresh
	m.mu.RUnlock()
	if fresh {
		return m.Snapshot(), nil
	}
	return m.GetAllPositions(ctx, sess)
}

// UpdatePosition refreshes one position by id.
func (m *Monitor) UpdatePosition(ctx context.Context, sess *gateway.Session, positionID string) (*domain.PositionStatus, error) {
	options, err := m.fetchShortOptions(ctx, sess)
	if err != nil {
		return nil, err
	}
	for _, o := range options {
		if o.id != positionID {
			continue
		}
		st, err := m.price(ctx, sess, o)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh quote for %s: %w", positionID, err)
		}
		m.mu.Lock()
		m.snapshot[positionID] = st
		m.mu.Unlock()
		return &st, nil
	}

	m.mu.Lock()
	delete(m.snapshot, positionID)
	m.mu.Unlock()
	return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
}

// ListOpen returns every open short option without quoting it. Premium and
// P&L fields are left at zero.
func (m *Monitor) ListOpen(ctx context.Context, sess *gateway.Session) ([]domain.PositionStatus, error) {
	options, err := m.fetchShortOptions(ctx, sess)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]domain.PositionStatus, 0, len(options))
	for _, o := range options {
		out = append(out, domain.PositionStatus{
			PositionID:   o.id,
			Symbol:       o.contract.Underlying,
			Strike:       o.contract.StrikePrice,
			Expiration:   o.contract.Expiry,
			Right:        o.contract.OptRight,
			Contracts:    int(-o.pos.Quantity),
			EntryPremium: o.pos.AvgPrice,
			DTERemaining: daysBetween(now, o.contract.Expiry),
			OpenedAt:     o.pos.OpenedAt,
			UpdatedAt:    now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out, nil
}

func (m *Monitor) fetchShortOptions(ctx context.Context, sess *gateway.Session) ([]shortOption, error) {
	positions, err := sess.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	var out []shortOption
	for _, p := range positions {
		opt, ok := p.Contract.(OptionLike)
		if !ok {
			continue
		}
		if p.Quantity >= 0 {
			logs.Debugf("[Monitor] Ignoring non-short option %s %.2f%s (qty %.0f)", opt.Symbol(), opt.Strike(), opt.Right(), p.Quantity)
			continue
		}
		right, ok := domain.ParseRight(opt.Right())
		if !ok {
			logs.Warnf("[Monitor] Ignoring %s with unknown right %q", opt.Symbol(), opt.Right())
			continue
		}
		oc := gateway.OptionContract{
			Underlying:  opt.Symbol(),
			StrikePrice: opt.Strike(),
			OptRight:    right,
			Expiry:      opt.Expiration(),
		}
		if full, ok := p.Contract.(gateway.OptionContract); ok {
			oc = full
		}
		out = append(out, shortOption{
			id:       domain.MakePositionID(opt.Symbol(), opt.Strike(), opt.Expiration(), right),
			contract: oc,
			pos:      p,
		})
	}
	return out, nil
}

func (m *Monitor) price(ctx context.Context, sess *gateway.Session, o shortOption) (domain.PositionStatus, error) {
	q, err := sess.Quote(ctx, &o.contract)
	if err != nil {
		return domain.PositionStatus{}, err
	}
	current := utils.Mid(q.Bid, q.Ask, q.Last)
	if current <= 0 {
		return domain.PositionStatus{}, fmt.Errorf("no usable price in quote (bid %.2f, ask %.2f, last %.2f)", q.Bid, q.Ask, q.Last)
	}

	now := m.now()
	contracts := int(-o.pos.Quantity)
	pnl, pct := ShortPnL(o.pos.AvgPrice, current, contracts, m.multiplier)
	st := domain.PositionStatus{
		PositionID:     o.id,
		Symbol:         o.contract.Underlying,
		Strike:         o.contract.StrikePrice,
		Expiration:     o.contract.Expiry,
		Right:          o.contract.OptRight,
		Contracts:      contracts,
		EntryPremium:   o.pos.AvgPrice,
		CurrentPremium: current,
		CurrentPnL:     pnl,
		CurrentPnLPct:  pct,
		DTERemaining:   daysBetween(now, o.contract.Expiry),
		Greeks:         q.Greeks,
		OpenedAt:       o.pos.OpenedAt,
		UpdatedAt:      now,
	}
	if !o.pos.OpenedAt.IsZero() {
		st.DaysHeld = daysBetween(o.pos.OpenedAt, now)
	}
	return st, nil
}

// ShortPnL computes the P&L of a short option: profit accrues as the premium
// falls below the entry. pnl = (entry - current) * contracts * multiplier,
// pct = (entry - current) / entry.
func ShortPnL(entry, current float64, contracts, multiplier int) (float64, float64) {
	e := decimal.NewFromFloat(entry)
	diff := e.Sub(decimal.NewFromFloat(current))
	pnl := diff.Mul(decimal.NewFromInt(int64(contracts * multiplier))).Round(2)
	pct := decimal.Zero
	if e.IsPositive() {
		pct = diff.DivRound(e, 6)
	}
	return pnl.InexactFloat64(), pct.InexactFloat64()
}

// daysBetween counts calendar days from a to b.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// GenerateAlerts evaluates every rule independently. Deciding between
// overlapping alerts is the exit manager's job.
func GenerateAlerts(st domain.PositionStatus, rules domain.ExitRules) []domain.PositionAlert {
	var alerts []domain.PositionAlert
	if st.CurrentPnLPct >= rules.ProfitTargetPct {
		alerts = append(alerts, domain.PositionAlert{
			Kind:       domain.AlertProfitTarget,
			Severity:   domain.SeverityInfo,
			PositionID: st.PositionID,
			Message:    fmt.Sprintf("profit target reached: %.1f%% of premium captured (target %.1f%%)", st.CurrentPnLPct*100, rules.ProfitTargetPct*100),
		})
	}
	if st.CurrentPnLPct <= rules.StopLossPct {
		alerts = append(alerts, domain.PositionAlert{
			Kind:       domain.AlertStopLoss,
			Severity:   domain.SeverityCritical,
			PositionID: st.PositionID,
			Message:    fmt.Sprintf("stop loss hit: P&L %.1f%% (stop %.1f%%), loss %.2f", st.CurrentPnLPct*100, rules.StopLossPct*100, st.CurrentPnL),
		})
	}
	if st.DTERemaining <= rules.TimeExitDTE {
		alerts = append(alerts, domain.PositionAlert{
			Kind:       domain.AlertTimeExit,
			Severity:   domain.SeverityWarning,
			PositionID: st.PositionID,
			Message:    fmt.Sprintf("%d days to expiration (exit at %d)", st.DTERemaining, rules.TimeExitDTE),
		})
	}
	return alerts
}

// Lookup returns the last known status of a position.
func (m *Monitor) Lookup(positionID string) (domain.PositionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.snapshot[positionID]
	return st, ok
}

// Snapshot returns the last computed statuses ordered by id.
func (m *Monitor) Snapshot() []domain.PositionStatus {
	m.mu.RLock()
	out := make([]domain.PositionStatus, 0, len(m.snapshot))
	for _, st := range m.snapshot {
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// OpenCount is the number of open short options seen on the last full
// refresh, including ones that could not be priced.
func (m *Monitor) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openCount
}
