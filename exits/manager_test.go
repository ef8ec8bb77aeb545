package exits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/execution"
	"putseller/gateway"
	"putseller/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	trades []domain.ClosedTrade
}

func (s *recordingSink) RecordClosedTrade(ctx context.Context, t domain.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

type fixture struct {
	gw       *gateway.PaperGateway
	sess     *gateway.Session
	ctx      context.Context
	mgr      *Manager
	sink     *recordingSink
	switches *config.Switches
	expiry   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Trading.DryRun = false
	cfg.Trading.RetryBaseMillis = 1
	cfg.Trading.FillPollMillis = 10
	cfg.Trading.FillTimeoutSeconds = 1
	cfg.Exit.ProfitTargetPct = 0.50
	cfg.Exit.StopLossPct = -2.00
	cfg.Exit.TimeExitDTE = 7
	cfg.Exit.EmergencyRetries = 2
	cfg.Monitor.MinRefreshSeconds = 0

	gw := gateway.NewPaperGateway(gateway.AccountSummary{NetLiquidation: 100000})
	m := gateway.NewSessionManager(gw.Dial, 1, time.Second)
	t.Cleanup(m.CloseAll)
	ctx := gateway.WithWorker(context.Background(), "monitor")
	sess, err := m.Get(ctx, "monitor")
	require.NoError(t, err)

	switches := config.NewSwitches(cfg)
	sink := &recordingSink{}
	mgr := NewManager(cfg, execution.NewExecutor(cfg, switches), monitor.NewMonitor(cfg), switches, sink)
	return &fixture{gw: gw, sess: sess, ctx: ctx, mgr: mgr, sink: sink, switches: switches, expiry: time.Now().AddDate(0, 0, 30)}
}

// unreliableClient lets orders reach the paper book but can drop the reply
// to the first lostReplies placements and refuse every cancel.
type unreliableClient struct {
	*gateway.PaperClient
	mu          sync.Mutex
	lostReplies int
	failCancels bool
}

func (c *unreliableClient) PlaceOrder(ctx context.Context, oc *gateway.OptionContract, o *gateway.Order) (*gateway.OrderState, error) {
	st, err := c.PaperClient.PlaceOrder(ctx, oc, o)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.lostReplies > 0 {
		c.lostReplies--
		return nil, &gateway.ConnectivityError{Op: "place_order", Err: errors.New("connection reset before reply")}
	}
	return st, err
}

func (c *unreliableClient) CancelOrder(ctx context.Context, orderID string) error {
	c.mu.Lock()
	fail := c.failCancels
	c.mu.Unlock()
	if fail {
		return &gateway.RejectionError{Op: "cancel_order", Code: 161, Message: "cancel not acknowledged"}
	}
	return c.PaperClient.CancelOrder(ctx, orderID)
}

// useClient moves the fixture onto a session backed by c.
func (f *fixture) useClient(t *testing.T, c *unreliableClient) {
	t.Helper()
	m := gateway.NewSessionManager(func(id int) gateway.Client {
		c.PaperClient = f.gw.Dial(id).(*gateway.PaperClient)
		return c
	}, 50, time.Second)
	t.Cleanup(m.CloseAll)
	sess, err := m.Get(f.ctx, "monitor")
	require.NoError(t, err)
	f.sess = sess
}

func TestEvaluate_Priority(t *testing.T) {
	f := newFixture(t)
	rules := f.mgr.Rules()

	cases := []struct {
		name string
		st   domain.PositionStatus
		want domain.ExitReason
	}{
		{"profit beats time", domain.PositionStatus{CurrentPnLPct: 0.55, DTERemaining: 2}, domain.ExitProfitTarget},
		{"profit at threshold", domain.PositionStatus{CurrentPnLPct: 0.50, DTERemaining: 30}, domain.ExitProfitTarget},
		{"stop beats time", domain.PositionStatus{CurrentPnLPct: -2.5, DTERemaining: 1}, domain.ExitStopLoss},
		{"stop at threshold", domain.PositionStatus{CurrentPnLPct: -2.0, DTERemaining: 30}, domain.ExitStopLoss},
		{"time only", domain.PositionStatus{CurrentPnLPct: 0.1, DTERemaining: 7}, domain.ExitTimeExit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := f.mgr.Evaluate(tc.st, rules)
			require.NotNil(t, d)
			assert.Equal(t, tc.want, d.Reason)
			assert.Equal(t, domain.Limit, d.OrderType)
		})
	}

	assert.Nil(t, f.mgr.Evaluate(domain.PositionStatus{CurrentPnLPct: 0.2, DTERemaining: 30}, rules))
}

func TestEvaluate_ScenarioB(t *testing.T) {
	f := newFixture(t)
	id := f.gw.AddShortPut("XYZ", 50, f.expiry, 5, 0.50, time.Now())
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.20, Ask: 0.20})

	st, err := monitor.NewMonitor(config.NewConfig()).UpdatePosition(f.ctx, f.sess, id)
	require.NoError(t, err)
	assert.Equal(t, 150.00, st.CurrentPnL)
	assert.Equal(t, 0.60, st.CurrentPnLPct)

	d := f.mgr.Evaluate(*st, f.mgr.Rules())
	require.NotNil(t, d)
	assert.Equal(t, domain.ExitProfitTarget, d.Reason)
	assert.Equal(t, 0.20, d.LimitPrice)
}

func TestExecuteExit_RecordsClosedTrade(t *testing.T) {
	f := newFixture(t)
	opened := time.Now().AddDate(0, 0, -4)
	id := f.gw.AddShortPut("AAPL", 150, f.expiry, 1, 2.00, opened)
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.79, Ask: 0.81})

	res := f.mgr.ExecuteExit(f.ctx, f.sess, domain.ExitDecision{PositionID: id, Reason: domain.ExitProfitTarget, OrderType: domain.Limit, LimitPrice: 1.50})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Attempts)
	assert.InDelta(t, 0.80, res.FillPrice, 1e-9, "limit is re-priced at the fresh mid")

	require.Len(t, f.sink.trades, 1)
	trade := f.sink.trades[0]
	assert.Equal(t, id, trade.PositionID)
	assert.Equal(t, domain.ExitProfitTarget, trade.ExitReason)
	assert.Equal(t, 2.00, trade.EntryPremium)
	assert.InDelta(t, 0.80, trade.ExitPremium, 1e-9)
	assert.Equal(t, 1, trade.FilledQuantity)
	assert.Equal(t, 120.0, trade.RealizedPnL)
	assert.Equal(t, 4, trade.DaysHeld)
	assert.Equal(t, res.OrderID, trade.ExitOrderID)
	assert.False(t, f.mgr.InFlight(id))
}

func TestExecuteExit_NotFoundIsAResult(t *testing.T) {
	f := newFixture(t)
	id := domain.MakePositionID("GONE", 10, f.expiry, domain.Put)

	res := f.mgr.ExecuteExit(f.ctx, f.sess, domain.ExitDecision{PositionID: id, Reason: domain.ExitStopLoss})
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrKindNotFound, res.ErrorKind)
	assert.Zero(t, f.gw.Calls("place_order"))
	assert.Empty(t, f.sink.trades)
}

func TestExecuteExit_OneOrderPerPosition(t *testing.T) {
	f := newFixture(t)
	id := f.gw.AddShortPut("AAPL", 150, f.expiry, 1, 2.00, time.Now())
	f.gw.SetQuote(id, gateway.Quote{Bid: 1.0, Ask: 1.0})

	require.True(t, f.mgr.acquire(id))
	res := f.mgr.ExecuteExit(f.ctx, f.sess, domain.ExitDecision{PositionID: id, Reason: domain.ExitTimeExit})
	assert.Equal(t, domain.ErrKindInFlight, res.ErrorKind)
	assert.Zero(t, f.gw.Calls("place_order"))

	f.mgr.release(id)
	res = f.mgr.ExecuteExit(f.ctx, f.sess, domain.ExitDecision{PositionID: id, Reason: domain.ExitTimeExit})
	assert.True(t, res.Success, res.Error)
}

func TestExecuteExit_DryRunRecordsNothing(t *testing.T) {
	f := newFixture(t)
	f.switches.SetDryRun(true)
	id := f.gw.AddShortPut("AAPL", 150, f.expiry, 1, 2.00, time.Now())
	f.gw.SetQuote(id, gateway.Quote{Bid: 1.0, Ask: 1.0})

	res := f.mgr.ExecuteExit(f.ctx, f.sess, domain.ExitDecision{PositionID: id, Reason: domain.ExitTimeExit})
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Zero(t, f.gw.Calls("place_order"))
	assert.Empty(t, f.sink.trades)
}

func TestEmergencyExitAll_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.gw.AddShortPut("AAA", 10, f.expiry, 1, 0.50, time.Now())
	bad := f.gw.AddShortPut("BBB", 20, f.expiry, 2, 0.60, time.Now())
	f.gw.AddShortPut("CCC", 30, f.expiry, 3, 0.70, time.Now())
	f.gw.SetQuote(domain.MakePositionID("AAA", 10, f.expiry, domain.Put), gateway.Quote{Bid: 0.40, Ask: 0.45})
	f.gw.SetQuote(bad, gateway.Quote{Bid: 0.40, Ask: 0.45})
	f.gw.SetQuote(domain.MakePositionID("CCC", 30, f.expiry, domain.Put), gateway.Quote{Bid: 0.40, Ask: 0.45})
	f.gw.RejectSymbol("BBB", "trading restricted")

	results, err := f.mgr.EmergencyExitAll(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success, results[0].Error)
	assert.False(t, results[1].Success)
	assert.Equal(t, bad, results[1].PositionID)
	assert.Equal(t, domain.ErrKindRejection, results[1].ErrorKind)
	assert.Equal(t, 3, results[1].Attempts, "bounded retries within the call")
	assert.True(t, results[2].Success, results[2].Error)
	for _, r := range results {
		assert.Equal(t, domain.ExitEmergency, r.Reason)
	}

	require.Len(t, f.sink.trades, 2)
	assert.InDelta(t, 0.45, f.sink.trades[0].ExitPremium, 1e-9, "market buy fills at the ask")

	positions, err := f.sess.Positions(f.ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BBB", positions[0].Contract.Symbol())
}

func TestEmergencyExitAll_PositionListFailure(t *testing.T) {
	f := newFixture(t)
	f.gw.FailNext(1)

	results, err := f.mgr.EmergencyExitAll(f.ctx, f.sess)
	assert.Error(t, err)
	assert.Nil(t, results)
}

func TestExecuteExit_UnconfirmedCancelKeepsPositionInFlight(t *testing.T) {
	f := newFixture(t)
	f.useClient(t, &unreliableClient{failCancels: true})
	id := f.gw.AddShortPut("AAPL", 150, f.expiry, 1, 2.00, time.Now().AddDate(0, 0, -2))
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.79, Ask: 0.81})
	f.gw.HoldFills(true)
	decision := domain.ExitDecision{PositionID: id, Reason: domain.ExitProfitTarget, OrderType: domain.Limit}

	first := f.mgr.ExecuteExit(f.ctx, f.sess, decision)
	assert.False(t, first.Success)
	assert.True(t, first.Working)
	assert.Equal(t, domain.ErrKindTimeout, first.ErrorKind)
	assert.True(t, f.mgr.InFlight(id), "guard held while the order can still fill")

	second := f.mgr.ExecuteExit(f.ctx, f.sess, decision)
	assert.Equal(t, domain.ErrKindInFlight, second.ErrorKind)
	assert.Contains(t, second.Error, first.OrderID)

	results, err := f.mgr.EmergencyExitAll(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.ErrKindInFlight, results[0].ErrorKind)
	assert.Equal(t, 1, f.gw.Calls("place_order"), "no second closing order while the first works")
	assert.Empty(t, f.sink.trades)

	require.NoError(t, f.gw.Fill(first.OrderID, 0.80))
	third := f.mgr.ExecuteExit(f.ctx, f.sess, decision)
	require.True(t, third.Success, third.Error)
	assert.Equal(t, first.OrderID, third.OrderID)
	assert.Equal(t, 1, third.FilledQuantity)
	assert.False(t, f.mgr.InFlight(id))
	assert.Equal(t, 1, f.gw.Calls("place_order"))

	require.Len(t, f.sink.trades, 1)
	assert.InDelta(t, 0.80, f.sink.trades[0].ExitPremium, 1e-9)
	assert.Equal(t, first.OrderID, f.sink.trades[0].ExitOrderID)
	assert.Equal(t, domain.ExitProfitTarget, f.sink.trades[0].ExitReason)
}

func TestExecuteExit_WorkingOrderCancelledFreesPosition(t *testing.T) {
	f := newFixture(t)
	client := &unreliableClient{failCancels: true}
	f.useClient(t, client)
	id := f.gw.AddShortPut("AAPL", 150, f.expiry, 1, 2.00, time.Now())
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.79, Ask: 0.81})
	f.gw.HoldFills(true)
	decision := domain.ExitDecision{PositionID: id, Reason: domain.ExitTimeExit, OrderType: domain.Limit}

	first := f.mgr.ExecuteExit(f.ctx, f.sess, decision)
	require.True(t, first.Working)

	client.mu.Lock()
	client.failCancels = false
	client.mu.Unlock()
	require.NoError(t, f.sess.CancelOrder(f.ctx, first.OrderID))
	f.gw.HoldFills(false)

	next := f.mgr.ExecuteExit(f.ctx, f.sess, decision)
	require.True(t, next.Success, next.Error)
	assert.NotEqual(t, first.OrderID, next.OrderID)
	assert.Equal(t, 2, f.gw.Calls("place_order"))
	assert.False(t, f.mgr.InFlight(id))
	require.Len(t, f.sink.trades, 1)
}

func TestEmergencyExitAll_LostReplyDoesNotReopen(t *testing.T) {
	f := newFixture(t)
	f.useClient(t, &unreliableClient{lostReplies: 3})
	id := f.gw.AddShortPut("AAA", 10, f.expiry, 2, 0.50, time.Now())
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.40, Ask: 0.45})

	results, err := f.mgr.EmergencyExitAll(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Attempts, "one closing order was sent")
	assert.Equal(t, 2, res.FilledQuantity)

	positions, err := f.sess.Positions(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, positions, "the short is closed, not flipped long")
	assert.Equal(t, 3, f.gw.Calls("place_order"), "only same-ref resends of the first order")

	require.Len(t, f.sink.trades, 1)
	trade := f.sink.trades[0]
	assert.Equal(t, 2, trade.FilledQuantity)
	assert.InDelta(t, 0.425, trade.ExitPremium, 1e-9, "booked at the mid seen before the order")
	assert.InDelta(t, 15.0, trade.RealizedPnL, 1e-9)
}

func TestEmergencyExitAll_RetrySizedFromRefreshedPosition(t *testing.T) {
	f := newFixture(t)
	id := f.gw.AddShortPut("AAA", 10, f.expiry, 3, 0.50, time.Now())
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.40, Ask: 0.45})
	listed, err := f.mgr.positions.ListOpen(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// Two of the three are bought back elsewhere after the list was taken.
	f.gw.AddShortPut("AAA", 10, f.expiry, 1, 0.50, time.Now())

	res := f.mgr.emergencyClose(f.ctx, f.sess, listed[0], false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.FilledQuantity)

	positions, err := f.sess.Positions(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}
