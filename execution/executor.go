// execution/executor.go
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/gateway"
	"putseller/logs"
	"putseller/metrics"
	"putseller/utils"

	"github.com/google/uuid"
)

var (
	// ErrValidation wraps every local validation failure.
	ErrValidation = errors.New("order validation failed")
	// ErrLiveTradingDisabled is returned for a non-paper session while
	// live trading is switched off.
	ErrLiveTradingDisabled = errors.New("live trading is disabled: refusing to submit to a non-paper endpoint")
)

const (
	sideEntry = "entry"
	sideExit  = "exit"
)

// Executor submits entry and exit orders through the caller's own gateway
// session. It keeps no per-order state between calls.
type Executor struct {
	cfg      config.TradingConfig
	switches *config.Switches
	now      func() time.Time
}

func NewExecutor(cfg *config.Config, switches *config.Switches) *Executor {
	return &Executor{
		cfg:      *cfg.Trading,
		switches: switches,
		now:      time.Now,
	}
}

// PlaceEntryOrder sells to open the opportunity's contract.
func (e *Executor) PlaceEntryOrder(ctx context.Context, sess *gateway.Session, opp domain.TradeOpportunity, dryRun bool) domain.OrderResult {
	if err := e.validate(opp.Symbol, opp.Strike, opp.Expiration, opp.Contracts); err != nil {
		logs.Warnf("[Executor] Entry %s rejected locally: %v", opp.PositionID(), err)
		return domain.Failed(domain.ErrKindValidation, err)
	}
	orderType := domain.OrderType(e.cfg.OrderType)
	price := utils.AdjustPriceToTickSize(opp.Premium, e.cfg.TickSize)
	if orderType != domain.Market && price <= 0 {
		return domain.Failed(domain.ErrKindValidation, fmt.Errorf("%w: limit price must be positive, got %.4f", ErrValidation, opp.Premium))
	}

	if dryRun {
		return e.dryRunFill(sideEntry, opp.PositionID(), opp.Contracts, price)
	}

	contract := gateway.OptionContract{
		Underlying:  strings.ToUpper(opp.Symbol),
		StrikePrice: opp.Strike,
		OptRight:    rightOrPut(opp.Right),
		Expiry:      opp.Expiration,
	}
	order := gateway.Order{
		Ref:      uuid.New().String(),
		Action:   gateway.Sell,
		Type:     orderType,
		Quantity: opp.Contracts,
		TIF:      "DAY",
	}
	if orderType != domain.Market {
		order.LimitPrice = price
	}
	return e.submit(ctx, sess, sideEntry, opp.PositionID(), contract, order)
}

// PlaceExitOrder buys to close pos according to decision.
func (e *Executor) PlaceExitOrder(ctx context.Context, sess *gateway.Session, pos domain.PositionStatus, decision domain.ExitDecision, dryRun bool) domain.OrderResult {
	if err := e.validate(pos.Symbol, pos.Strike, pos.Expiration, pos.Contracts); err != nil {
		logs.Warnf("[Executor] Exit %s rejected locally: %v", pos.PositionID, err)
		return domain.Failed(domain.ErrKindValidation, err)
	}

	orderType := decision.OrderType
	if orderType == "" {
		orderType = domain.OrderType(e.cfg.OrderType)
	}
	price := decision.LimitPrice
	if price <= 0 {
		price = pos.CurrentPremium
	}
	price = utils.AdjustPriceToTickSize(price, e.cfg.TickSize)
	if orderType != domain.Market && price <= 0 {
		return domain.Failed(domain.ErrKindValidation, fmt.Errorf("%w: no usable limit price for %s", ErrValidation, pos.PositionID))
	}

	if dryRun {
		return e.dryRunFill(sideExit, pos.PositionID, pos.Contracts, price)
	}

	contract := gateway.OptionContract{
		Underlying:  strings.ToUpper(pos.Symbol),
		StrikePrice: pos.Strike,
		OptRight:    rightOrPut(pos.Right),
		Expiry:      pos.Expiration,
	}
	order := gateway.Order{
		Ref:      uuid.New().String(),
		Action:   gateway.Buy,
		Type:     orderType,
		Quantity: pos.Contracts,
		TIF:      "DAY",
	}
	if orderType != domain.Market {
		order.LimitPrice = price
	}
	return e.submit(ctx, sess, sideExit, pos.PositionID, contract, order)
}

func (e *Executor) validate(symbol string, strike float64, expiration time.Time, contracts int) error {
	var problems []string
	if strings.TrimSpace(symbol) == "" {
		problems = append(problems, "symbol is empty")
	}
	if strike <= 0 {
		problems = append(problems, fmt.Sprintf("strike must be positive, got %.2f", strike))
	}
	if expiration.IsZero() {
		problems = append(problems, "expiration is missing")
	} else if expired(expiration, e.now()) {
		problems = append(problems, fmt.Sprintf("expiration %s is in the past", expiration.Format("2006-01-02")))
	}
	if contracts <= 0 {
		problems = append(problems, fmt.Sprintf("contracts must be positive, got %d", contracts))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// expired compares calendar dates; a contract stays tradeable on its
// expiration day.
func expired(expiration, now time.Time) bool {
	return expiration.Format("20060102") < now.Format("20060102")
}

func (e *Executor) dryRunFill(side, positionID string, contracts int, price float64) domain.OrderResult {
	res := domain.OrderResult{
		Success:        true,
		FilledQuantity: contracts,
		FillPrice:      price,
		OrderID:        "DRY-" + uuid.New().String(),
		DryRun:         true,
	}
	metrics.Orders.WithLabelValues(side, metrics.Mode(true, true), "filled").Inc()
	logs.Infof("[Executor] [DRY RUN] %s %s: simulated fill of %d @ %.2f (order %s)", side, positionID, contracts, price, res.OrderID)
	return res
}

func (e *Executor) submit(ctx context.Context, sess *gateway.Session, side, positionID string, contract gateway.OptionContract, order gateway.Order) domain.OrderResult {
	if sess == nil {
		return domain.Failed(domain.ErrKindConnectivity, gateway.ErrNotConnected)
	}
	// Checked on every call: the switch can be flipped while running.
	paper := sess.IsPaper()
	if !paper && !e.switches.LiveTradingEnabled() {
		logs.Errorf("[Executor] Refusing %s %s: %v", side, positionID, ErrLiveTradingDisabled)
		metrics.Orders.WithLabelValues(side, metrics.Mode(false, paper), "live_disabled").Inc()
		return domain.Failed(domain.ErrKindLiveDisabled, ErrLiveTradingDisabled)
	}
	mode := metrics.Mode(false, paper)

	var qualified *gateway.OptionContract
	err := e.withRetry(ctx, "qualify", func() error {
		var err error
		qualified, err = sess.Qualify(ctx, contract)
		return err
	})
	if err != nil {
		logs.Errorf("[Executor] Failed to qualify %s: %v", positionID, err)
		metrics.Orders.WithLabelValues(side, mode, "error").Inc()
		return domain.Failed(classify(err), err)
	}

	logs.Infof("[Executor] Submitting %s %s %s %d x %s @ %.2f (ref %s)", side, order.Action, order.Type, order.Quantity, positionID, order.LimitPrice, order.Ref)
	var st *gateway.OrderState
	// Retries reuse order.Ref so the gateway can drop a duplicate.
	err = e.withRetry(ctx, "place_order", func() error {
		var err error
		st, err = sess.PlaceOrder(ctx, qualified, &order)
		return err
	})
	if err != nil {
		logs.Errorf("[Executor] %s order for %s failed: %v", side, positionID, err)
		metrics.Orders.WithLabelValues(side, mode, "error").Inc()
		return domain.Failed(classify(err), err)
	}

	st, timedOut := e.awaitFill(ctx, sess, st)
	res := e.toResult(st, timedOut)
	result := "filled"
	if !res.Success {
		result = string(res.ErrorKind)
	}
	metrics.Orders.WithLabelValues(side, mode, result).Inc()
	if res.Success {
		logs.Infof("[Executor] %s %s filled %d/%d @ %.4f (order %s)", side, positionID, res.FilledQuantity, order.Quantity, res.FillPrice, res.OrderID)
	} else {
		logs.Warnf("[Executor] %s %s not filled: %s", side, positionID, res.Error)
	}
	return res
}

// withRetry retries fn on connectivity failures only, with capped
// exponential backoff. Rejections are returned immediately.
func (e *Executor) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := e.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	base := time.Duration(e.cfg.RetryBaseMillis) * time.Millisecond
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !gateway.IsConnectivity(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		wait := utils.Backoff(attempt, base, 8*base)
		metrics.GatewayRetries.WithLabelValues(op).Inc()
		logs.Warnf("[Executor] %s failed (attempt %d/%d): %v. Retrying in %v", op, attempt+1, attempts, err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// awaitFill polls until the order is terminal or the fill timeout passes, in
// which case the remainder is cancelled and the final state re-read.
func (e *Executor) awaitFill(ctx context.Context, sess *gateway.Session, st *gateway.OrderState) (*gateway.OrderState, bool) {
	if st.Status.Terminal() {
		return st, false
	}
	timeout := time.NewTimer(time.Duration(e.cfg.FillTimeoutSeconds) * time.Second)
	defer timeout.Stop()
	ticker := time.NewTicker(time.Duration(e.cfg.FillPollMillis) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.cancelRemainder(context.WithoutCancel(ctx), sess, st), true
		case <-timeout.C:
			logs.Warnf("[Executor] Order %s not filled within %ds (filled %d, remaining %d). Cancelling remainder.", st.OrderID, e.cfg.FillTimeoutSeconds, st.Filled, st.Remaining)
			return e.cancelRemainder(ctx, sess, st), true
		case <-ticker.C:
			cur, err := sess.OrderStatus(ctx, st.OrderID)
			if err != nil {
				logs.Warnf("[Executor] Status poll for order %s failed: %v", st.OrderID, err)
				continue
			}
			st = cur
			if st.Status.Terminal() {
				return st, false
			}
		}
	}
}

func (e *Executor) cancelRemainder(ctx context.Context, sess *gateway.Session, st *gateway.OrderState) *gateway.OrderState {
	if err := e.withRetry(ctx, "cancel_order", func() error { return sess.CancelOrder(ctx, st.OrderID) }); err != nil {
		logs.Errorf("[Executor] Failed to cancel order %s: %v", st.OrderID, err)
		return st
	}
	if final, err := sess.OrderStatus(ctx, st.OrderID); err == nil {
		return final
	}
	return st
}

// toResult reads the fill from the confirmed order state, never from the
// request. A non-terminal state comes back marked Working.
func (e *Executor) toResult(st *gateway.OrderState, timedOut bool) domain.OrderResult {
	res := domain.OrderResult{
		OrderID:        st.OrderID,
		FilledQuantity: st.Filled,
		FillPrice:      utils.RoundToPrecision(st.AvgFillPrice, 4),
	}
	switch {
	case st.Status == gateway.StatusFilled:
		res.Success = true
	case st.Status == gateway.StatusRejected:
		res.ErrorKind = domain.ErrKindRejection
		res.Error = "order rejected by gateway: " + st.Reason
	case !st.Status.Terminal():
		// The cancel was not confirmed.
		res.Working = true
		res.Success = st.Filled > 0
		res.ErrorKind = domain.ErrKindTimeout
		res.Error = fmt.Sprintf("order %s still working after timeout (filled %d, remaining %d): cancel not confirmed", st.OrderID, st.Filled, st.Remaining)
	case timedOut && st.Filled > 0:
		res.Success = true
		res.ErrorKind = domain.ErrKindTimeout
		res.Error = fmt.Sprintf("partially filled %d of %d before timeout; remainder cancelled", st.Filled, st.Filled+st.Remaining)
	case timedOut:
		res.ErrorKind = domain.ErrKindTimeout
		res.Error = "order not filled before timeout; cancelled"
	case st.Filled > 0:
		res.Success = true
		res.ErrorKind = domain.ErrKindRejection
		res.Error = fmt.Sprintf("order cancelled by gateway after partial fill of %d", st.Filled)
	default:
		res.ErrorKind = domain.ErrKindRejection
		res.Error = "order cancelled by gateway"
	}
	return res
}

// classify maps an error onto the result taxonomy.
func classify(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, ErrValidation):
		return domain.ErrKindValidation
	case errors.Is(err, ErrLiveTradingDisabled):
		return domain.ErrKindLiveDisabled
	case gateway.IsRejection(err):
		return domain.ErrKindRejection
	case gateway.IsConnectivity(err):
		return domain.ErrKindConnectivity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.ErrKindTimeout
	default:
		// Connectivity errors, closed or foreign sessions.
		return domain.ErrKindConnectivity
	}
}

func rightOrPut(r domain.Right) domain.Right {
	if r == "" {
		return domain.Put
	}
	return r
}
