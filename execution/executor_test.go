package execution

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	gw       *gateway.PaperGateway
	sess     *gateway.Session
	ctx      context.Context
	exec     *Executor
	switches *config.Switches
	expiry   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Trading.RetryBaseMillis = 1
	cfg.Trading.FillPollMillis = 10
	cfg.Trading.FillTimeoutSeconds = 1
	cfg.Trading.MaxRetries = 3

	gw := gateway.NewPaperGateway(gateway.AccountSummary{NetLiquidation: 100000})
	expiry := time.Now().AddDate(0, 0, 30)
	gw.ListOption("AAPL", 150, expiry, domain.Put, gateway.Quote{Bid: 1.20, Ask: 1.30, Last: 1.25})

	m := gateway.NewSessionManager(gw.Dial, 100, time.Second)
	t.Cleanup(m.CloseAll)
	ctx := gateway.WithWorker(context.Background(), "entry-1")
	sess, err := m.Get(ctx, "entry-1")
	require.NoError(t, err)

	switches := config.NewSwitches(cfg)
	return &harness{gw: gw, sess: sess, ctx: ctx, exec: NewExecutor(cfg, switches), switches: switches, expiry: expiry}
}

// cancelHookClient runs onCancel in place of a plain cancel.
type cancelHookClient struct {
	*gateway.PaperClient
	onCancel func(ctx context.Context, c *gateway.PaperClient, orderID string) error
}

func (c *cancelHookClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.onCancel(ctx, c.PaperClient, orderID)
}

// hookedSession opens a session for worker on the harness book whose cancels
// go through onCancel.
func (h *harness) hookedSession(t *testing.T, ctx context.Context, worker gateway.WorkerID, onCancel func(ctx context.Context, c *gateway.PaperClient, orderID string) error) *gateway.Session {
	t.Helper()
	m := gateway.NewSessionManager(func(id int) gateway.Client {
		return &cancelHookClient{PaperClient: h.gw.Dial(id).(*gateway.PaperClient), onCancel: onCancel}
	}, 200, time.Second)
	t.Cleanup(m.CloseAll)
	sess, err := m.Get(ctx, worker)
	require.NoError(t, err)
	return sess
}

func (h *harness) opportunity() domain.TradeOpportunity {
	return domain.TradeOpportunity{
		Symbol:     "AAPL",
		Strike:     150,
		Expiration: h.expiry,
		Right:      domain.Put,
		Premium:    1.25,
		Contracts:  2,
	}
}

func TestPlaceEntryOrder_DryRunMakesNoGatewayCall(t *testing.T) {
	h := newHarness(t)
	before := h.gw.Calls("")

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), true)

	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.FilledQuantity)
	assert.Equal(t, 1.25, res.FillPrice)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, before, h.gw.Calls(""))
}

func TestPlaceEntryOrder_DryRunWithoutSession(t *testing.T) {
	h := newHarness(t)
	res := h.exec.PlaceEntryOrder(context.Background(), nil, h.opportunity(), true)
	assert.True(t, res.Success)
}

func TestPlaceEntryOrder_ValidationFailsFast(t *testing.T) {
	h := newHarness(t)
	before := h.gw.Calls("")

	cases := map[string]func(o *domain.TradeOpportunity){
		"empty symbol":   func(o *domain.TradeOpportunity) { o.Symbol = " " },
		"zero strike":    func(o *domain.TradeOpportunity) { o.Strike = 0 },
		"expired":        func(o *domain.TradeOpportunity) { o.Expiration = time.Now().AddDate(0, 0, -1) },
		"no expiration":  func(o *domain.TradeOpportunity) { o.Expiration = time.Time{} },
		"zero contracts": func(o *domain.TradeOpportunity) { o.Contracts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opp := h.opportunity()
			mutate(&opp)
			for _, dry := range []bool{true, false} {
				res := h.exec.PlaceEntryOrder(h.ctx, h.sess, opp, dry)
				assert.False(t, res.Success)
				assert.Equal(t, domain.ErrKindValidation, res.ErrorKind)
			}
		})
	}
	assert.Equal(t, before, h.gw.Calls(""))
}

func TestPlaceEntryOrder_PaperFill(t *testing.T) {
	h := newHarness(t)
	opp := h.opportunity()
	opp.Premium = 1.237

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, opp, false)
	require.True(t, res.Success, res.Error)
	assert.False(t, res.DryRun)
	assert.Equal(t, 2, res.FilledQuantity)
	assert.InDelta(t, 1.24, res.FillPrice, 1e-9, "limit price is rounded to the tick")
	assert.Equal(t, 1, h.gw.Calls("place_order"))
}

func TestPlaceEntryOrder_LiveGateCheckedEveryCall(t *testing.T) {
	h := newHarness(t)
	h.gw.SetLive(true)

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindLiveDisabled, res.ErrorKind)
	assert.Zero(t, h.gw.Calls("place_order"))

	h.switches.SetLiveTrading(true)
	res = h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.True(t, res.Success, res.Error)

	h.switches.SetLiveTrading(false)
	res = h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.Equal(t, domain.ErrKindLiveDisabled, res.ErrorKind)
	assert.Equal(t, 1, h.gw.Calls("place_order"))
}

func TestPlaceEntryOrder_RejectionIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.gw.RejectSymbol("AAPL", "insufficient margin")

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindRejection, res.ErrorKind)
	assert.Contains(t, res.Error, "insufficient margin")
	assert.Equal(t, 1, h.gw.Calls("place_order"))
}

func TestPlaceEntryOrder_ConnectivityRetriedThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.gw.FailNext(2)

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 3, h.gw.Calls("qualify"))
	assert.Equal(t, 1, h.gw.Calls("place_order"))
}

func TestPlaceEntryOrder_ConnectivitySurfacedAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.gw.FailNext(100)

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindConnectivity, res.ErrorKind)
	assert.Equal(t, 3, h.gw.Calls("qualify"))
	assert.Zero(t, h.gw.Calls("place_order"))
}

func TestPlaceEntryOrder_TimeoutCancelsRemainder(t *testing.T) {
	h := newHarness(t)
	h.gw.HoldFills(true)

	res := h.exec.PlaceEntryOrder(h.ctx, h.sess, h.opportunity(), false)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindTimeout, res.ErrorKind)
	assert.Zero(t, res.FilledQuantity)
	assert.Equal(t, 1, h.gw.Calls("cancel_order"))
	assert.Greater(t, h.gw.Calls("order_status"), 1)
}

func TestPlaceEntryOrder_UnconfirmedCancelReportsWorking(t *testing.T) {
	h := newHarness(t)
	h.gw.HoldFills(true)
	var cancels atomic.Int32
	sess := h.hookedSession(t, h.ctx, "entry-1", func(ctx context.Context, c *gateway.PaperClient, orderID string) error {
		cancels.Add(1)
		return &gateway.RejectionError{Op: "cancel_order", Code: 161, Message: "cancel not acknowledged"}
	})

	res := h.exec.PlaceEntryOrder(h.ctx, sess, h.opportunity(), false)
	assert.False(t, res.Success)
	assert.True(t, res.Working, "the order is still live at the gateway")
	assert.Equal(t, domain.ErrKindTimeout, res.ErrorKind)
	assert.Contains(t, res.Error, "cancel not confirmed")
	assert.NotEmpty(t, res.OrderID)
	assert.EqualValues(t, 1, cancels.Load())

	st, err := sess.OrderStatus(h.ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSubmitted, st.Status)
}

func TestPlaceEntryOrder_ShutdownKeepsLateFill(t *testing.T) {
	h := newHarness(t)
	h.gw.HoldFills(true)
	ctx, cancel := context.WithCancel(gateway.WithWorker(context.Background(), "entry-2"))
	defer cancel()
	// The fill reaches the book just ahead of the shutdown cancel.
	sess := h.hookedSession(t, ctx, "entry-2", func(ctx context.Context, c *gateway.PaperClient, orderID string) error {
		if err := h.gw.Fill(orderID, 1.25); err != nil {
			return err
		}
		return c.CancelOrder(ctx, orderID)
	})

	time.AfterFunc(100*time.Millisecond, cancel)
	res := h.exec.PlaceEntryOrder(ctx, sess, h.opportunity(), false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.FilledQuantity)
	assert.InDelta(t, 1.25, res.FillPrice, 1e-9)
	assert.False(t, res.Working)
}

func TestPlaceExitOrder_ClosesPosition(t *testing.T) {
	h := newHarness(t)
	id := h.gw.AddShortPut("AAPL", 150, h.expiry, 2, 2.00, time.Now().AddDate(0, 0, -5))
	pos := domain.PositionStatus{
		PositionID:     id,
		Symbol:         "AAPL",
		Strike:         150,
		Expiration:     h.expiry,
		Right:          domain.Put,
		Contracts:      2,
		EntryPremium:   2.00,
		CurrentPremium: 1.25,
	}

	res := h.exec.PlaceExitOrder(h.ctx, h.sess, pos, domain.ExitDecision{PositionID: id, Reason: domain.ExitProfitTarget, OrderType: domain.Limit, LimitPrice: 1.25}, false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.FilledQuantity)

	positions, err := h.sess.Positions(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPlaceExitOrder_MarketFillsAtAsk(t *testing.T) {
	h := newHarness(t)
	id := h.gw.AddShortPut("AAPL", 150, h.expiry, 1, 2.00, time.Now())
	pos := domain.PositionStatus{PositionID: id, Symbol: "AAPL", Strike: 150, Expiration: h.expiry, Right: domain.Put, Contracts: 1}

	res := h.exec.PlaceExitOrder(h.ctx, h.sess, pos, domain.ExitDecision{PositionID: id, Reason: domain.ExitEmergency, OrderType: domain.Market}, false)
	require.True(t, res.Success, res.Error)
	assert.InDelta(t, 1.30, res.FillPrice, 1e-9)
}

func TestPlaceExitOrder_LimitWithoutPriceIsValidationError(t *testing.T) {
	h := newHarness(t)
	pos := domain.PositionStatus{PositionID: "x", Symbol: "AAPL", Strike: 150, Expiration: h.expiry, Contracts: 1}

	res := h.exec.PlaceExitOrder(h.ctx, h.sess, pos, domain.ExitDecision{OrderType: domain.Limit}, false)
	assert.Equal(t, domain.ErrKindValidation, res.ErrorKind)
}
