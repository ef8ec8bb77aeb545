package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oddContract is an option representation that is not gateway.OptionContract.
type oddContract struct {
	ticker string
	strike float64
	expiry time.Time
}

func (c oddContract) Symbol() string        { return c.ticker }
func (c oddContract) SecType() string       { return "OPT" }
func (c oddContract) Strike() float64       { return c.strike }
func (c oddContract) Right() string         { return "PUT" }
func (c oddContract) Expiration() time.Time { return c.expiry }

// extraPositionsClient appends hand-built positions to the paper book's list.
type extraPositionsClient struct {
	*gateway.PaperClient
	extra []gateway.Position
}

func (c extraPositionsClient) RequestPositions(ctx context.Context) ([]gateway.Position, error) {
	out, err := c.PaperClient.RequestPositions(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, c.extra...), nil
}

type fixture struct {
	gw   *gateway.PaperGateway
	sess *gateway.Session
	ctx  context.Context
	mon  *Monitor
	now  time.Time
}

func newFixture(t *testing.T, extra ...gateway.Position) *fixture {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Monitor.MinRefreshSeconds = 15

	gw := gateway.NewPaperGateway(gateway.AccountSummary{NetLiquidation: 100000})
	m := gateway.NewSessionManager(func(id int) gateway.Client {
		return extraPositionsClient{PaperClient: gw.Dial(id).(*gateway.PaperClient), extra: extra}
	}, 1, time.Second)
	t.Cleanup(m.CloseAll)

	ctx := gateway.WithWorker(context.Background(), "monitor")
	sess, err := m.Get(ctx, "monitor")
	require.NoError(t, err)

	f := &fixture{gw: gw, sess: sess, ctx: ctx, mon: NewMonitor(cfg), now: time.Now()}
	f.mon.now = func() time.Time { return f.now }
	return f
}

func TestGetAllPositions_ShortPutPnL(t *testing.T) {
	f := newFixture(t)
	exp := f.now.AddDate(0, 0, 21)
	id := f.gw.AddShortPut("XYZ", 50, exp, 5, 0.50, f.now.AddDate(0, 0, -3))
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.19, Ask: 0.21, Greeks: &domain.Greeks{Delta: -0.12}})

	statuses, err := f.mon.GetAllPositions(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	st := statuses[0]
	assert.Equal(t, id, st.PositionID)
	assert.Equal(t, 5, st.Contracts)
	assert.Equal(t, 0.20, st.CurrentPremium)
	assert.Equal(t, 150.00, st.CurrentPnL)
	assert.Equal(t, 0.60, st.CurrentPnLPct)
	assert.Equal(t, 3, st.DaysHeld)
	assert.Equal(t, 21, st.DTERemaining)
	require.NotNil(t, st.Greeks)
	assert.Equal(t, -0.12, st.Greeks.Delta)

	got, ok := f.mon.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, st, got)
	assert.Equal(t, 1, f.mon.OpenCount())
}

func TestShortPnL_Loss(t *testing.T) {
	pnl, pct := ShortPnL(1.00, 3.10, 2, 100)
	assert.Equal(t, -420.0, pnl)
	assert.Equal(t, -2.1, pct)

	pnl, pct = ShortPnL(0, 1, 1, 100)
	assert.Equal(t, -100.0, pnl)
	assert.Zero(t, pct)
}

func TestGetAllPositions_StructuralFilter(t *testing.T) {
	exp := time.Now().AddDate(0, 0, 40)
	f := newFixture(t, gateway.Position{
		Contract: oddContract{ticker: "MSFT", strike: 300, expiry: exp},
		Quantity: -1,
		AvgPrice: 4.00,
	})
	f.gw.ListOption("MSFT", 300, exp, domain.Put, gateway.Quote{Bid: 1.90, Ask: 2.10})
	f.gw.AddStock("KO", 100, 60)

	statuses, err := f.mon.GetAllPositions(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, statuses, 1, "stock is filtered out, the non-standard option is kept")
	assert.Equal(t, domain.MakePositionID("MSFT", 300, exp, domain.Put), statuses[0].PositionID)
	assert.Equal(t, 200.0, statuses[0].CurrentPnL)
	assert.Equal(t, 0.5, statuses[0].CurrentPnLPct)
}

func TestGetAllPositions_UnpricedPositionStillCounted(t *testing.T) {
	exp := time.Now().AddDate(0, 0, 40)
	f := newFixture(t, gateway.Position{
		Contract: oddContract{ticker: "NOQUOTE", strike: 10, expiry: exp},
		Quantity: -2,
		AvgPrice: 0.30,
	})

	statuses, err := f.mon.GetAllPositions(f.ctx, f.sess)
	require.NoError(t, err)
	assert.Empty(t, statuses)
	assert.Equal(t, 1, f.mon.OpenCount())
}

func TestGetAllPositions_ConnectivityFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	id := f.gw.AddShortPut("XYZ", 50, f.now.AddDate(0, 0, 21), 1, 0.50, f.now)
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.40, Ask: 0.40})
	_, err := f.mon.GetAllPositions(f.ctx, f.sess)
	require.NoError(t, err)

	f.gw.FailNext(1)
	_, err = f.mon.GetAllPositions(f.ctx, f.sess)
	require.Error(t, err)
	assert.True(t, gateway.IsConnectivity(err))

	_, ok := f.mon.Lookup(id)
	assert.True(t, ok)
}

func TestUpdateAll_RateLimited(t *testing.T) {
	f := newFixture(t)
	id := f.gw.AddShortPut("XYZ", 50, f.now.AddDate(0, 0, 21), 1, 0.50, f.now)
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.40, Ask: 0.40})

	first, err := f.mon.UpdateAll(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, first, 1)
	calls := f.gw.Calls("positions")

	f.gw.SetQuote(id, gateway.Quote{Bid: 0.10, Ask: 0.10})
	f.now = f.now.Add(10 * time.Second)
	cached, err := f.mon.UpdateAll(f.ctx, f.sess)
	require.NoError(t, err)
	assert.Equal(t, calls, f.gw.Calls("positions"), "no gateway call inside the window")
	assert.Equal(t, first, cached)

	f.now = f.now.Add(6 * time.Second)
	fresh, err := f.mon.UpdateAll(f.ctx, f.sess)
	require.NoError(t, err)
	assert.Equal(t, calls+1, f.gw.Calls("positions"))
	assert.Equal(t, 0.10, fresh[0].CurrentPremium)
}

func TestUpdatePosition(t *testing.T) {
	f := newFixture(t)
	exp := f.now.AddDate(0, 0, 21)
	id := f.gw.AddShortPut("XYZ", 50, exp, 1, 0.50, f.now)
	f.gw.SetQuote(id, gateway.Quote{Bid: 0.30, Ask: 0.30})

	st, err := f.mon.UpdatePosition(f.ctx, f.sess, id)
	require.NoError(t, err)
	assert.Equal(t, 20.0, st.CurrentPnL)

	_, err = f.mon.UpdatePosition(f.ctx, f.sess, domain.MakePositionID("XYZ", 55, exp, domain.Put))
	assert.True(t, errors.Is(err, ErrPositionNotFound))
}

func TestGenerateAlerts_Independent(t *testing.T) {
	rules := domain.ExitRules{ProfitTargetPct: 0.50, StopLossPct: -2.00, TimeExitDTE: 7}

	both := GenerateAlerts(domain.PositionStatus{PositionID: "a", CurrentPnLPct: 0.6, DTERemaining: 3}, rules)
	require.Len(t, both, 2)
	assert.Equal(t, domain.AlertProfitTarget, both[0].Kind)
	assert.Equal(t, domain.AlertTimeExit, both[1].Kind)

	stop := GenerateAlerts(domain.PositionStatus{PositionID: "b", CurrentPnLPct: -2.5, DTERemaining: 30}, rules)
	require.Len(t, stop, 1)
	assert.Equal(t, domain.SeverityCritical, stop[0].Severity)

	assert.Empty(t, GenerateAlerts(domain.PositionStatus{PositionID: "c", CurrentPnLPct: 0.1, DTERemaining: 30}, rules))
}

func TestListOpen_IncludesUnpriced(t *testing.T) {
	exp := time.Now().AddDate(0, 0, 40)
	f := newFixture(t, gateway.Position{
		Contract: oddContract{ticker: "NOQUOTE", strike: 10, expiry: exp},
		Quantity: -2,
		AvgPrice: 0.30,
	})
	f.gw.AddShortPut("XYZ", 50, exp, 1, 0.50, f.now)
	quotes := f.gw.Calls("quote")

	open, err := f.mon.ListOpen(f.ctx, f.sess)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "NOQUOTE", open[0].Symbol)
	assert.Equal(t, 2, open[0].Contracts)
	assert.Equal(t, quotes, f.gw.Calls("quote"))
}
