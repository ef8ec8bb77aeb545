package gateway

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"putseller/domain"
	"putseller/logs"

	"github.com/google/uuid"
)

//
// In-memory paper gateway for simulation mode and tests. All connections
// dialed from one PaperGateway share its book.
//

var _ Client = (*PaperClient)(nil)

type paperPosition struct {
	contract Contract
	quantity float64
	avgPrice float64
	openedAt time.Time
}

// PaperGateway is the shared simulated brokerage.
type PaperGateway struct {
	mu        sync.RWMutex
	live      bool
	account   AccountSummary
	contracts map[string]*OptionContract // key: position id
	quotes    map[string]Quote           // key: position id
	positions map[string]*paperPosition  // key: position id or stock symbol
	orders    map[string]*OrderState
	orderKeys map[string]string // order id -> position id
	refs      map[string]string // client ref -> order id
	clients   map[int]bool
	nextConID int64

	rejectSymbols map[string]string
	outage        int
	holdFills     bool
	calls         map[string]int
}

// NewPaperGateway creates an empty paper book with the given account figures.
func NewPaperGateway(account AccountSummary) *PaperGateway {
	return &PaperGateway{
		account:       account,
		contracts:     make(map[string]*OptionContract),
		quotes:        make(map[string]Quote),
		positions:     make(map[string]*paperPosition),
		orders:        make(map[string]*OrderState),
		orderKeys:     make(map[string]string),
		refs:          make(map[string]string),
		clients:       make(map[int]bool),
		nextConID:     1000,
		rejectSymbols: make(map[string]string),
		calls:         make(map[string]int),
	}
}

// Dial satisfies Dialer.
func (g *PaperGateway) Dial(clientID int) Client {
	return &PaperClient{gw: g, clientID: clientID}
}

// SetLive makes the simulated endpoint report itself as a live account.
func (g *PaperGateway) SetLive(live bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = live
}

// SetAccount replaces the account summary.
func (g *PaperGateway) SetAccount(a AccountSummary) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account = a
}

// ListOption makes a contract tradeable and sets its quote.
func (g *PaperGateway) ListOption(symbol string, strike float64, expiry time.Time, right domain.Right, q Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listOption_noLock(symbol, strike, expiry, right)
	g.quotes[domain.MakePositionID(symbol, strike, expiry, right)] = q
}

func (g *PaperGateway) listOption_noLock(symbol string, strike float64, expiry time.Time, right domain.Right) *OptionContract {
	key := domain.MakePositionID(symbol, strike, expiry, right)
	if c, ok := g.contracts[key]; ok {
		return c
	}
	g.nextConID++
	c := &OptionContract{
		Underlying:  strings.ToUpper(symbol),
		StrikePrice: strike,
		OptRight:    right,
		Expiry:      expiry,
		ConID:       g.nextConID,
		Exchange:    "SMART",
		Multiplier:  100,
	}
	g.contracts[key] = c
	return c
}

// SetQuote updates the quote of a listed option.
func (g *PaperGateway) SetQuote(positionID string, q Quote) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[positionID] = q
}

// AddShortPut seeds an open short put position.
func (g *PaperGateway) AddShortPut(symbol string, strike float64, expiry time.Time, contracts int, avgPrice float64, openedAt time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.listOption_noLock(symbol, strike, expiry, domain.Put)
	key := domain.MakePositionID(symbol, strike, expiry, domain.Put)
	g.positions[key] = &paperPosition{contract: *c, quantity: -float64(contracts), avgPrice: avgPrice, openedAt: openedAt}
	return key
}

// AddStock seeds an equity position (not option-like).
func (g *PaperGateway) AddStock(symbol string, qty float64, avgPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions["STK_"+symbol] = &paperPosition{contract: StockContract{Ticker: symbol}, quantity: qty, avgPrice: avgPrice}
}

// RejectSymbol makes every order on symbol fail with a business rejection.
func (g *PaperGateway) RejectSymbol(symbol, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectSymbols[strings.ToUpper(symbol)] = reason
}

// FailNext makes the next n calls fail with a connectivity error.
func (g *PaperGateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outage = n
}

// HoldFills leaves new orders working instead of filling them.
func (g *PaperGateway) HoldFills(hold bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holdFills = hold
}

// Calls returns how many times op was invoked. An empty op counts all calls.
func (g *PaperGateway) Calls(op string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if op == "" {
		total := 0
		for _, n := range g.calls {
			total += n
		}
		return total
	}
	return g.calls[op]
}

// Fill completes a held order at price.
func (g *PaperGateway) Fill(orderID string, price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("paper order %s not found", orderID)
	}
	g.fill_noLock(st, st.Remaining, price)
	return nil
}

// enter records a call and applies any scripted outage. Caller holds the lock.
func (g *PaperGateway) enter_noLock(op string) error {
	g.calls[op]++
	if g.outage > 0 {
		g.outage--
		return &ConnectivityError{Op: op, Err: fmt.Errorf("paper gateway outage")}
	}
	return nil
}

func (g *PaperGateway) fill_noLock(st *OrderState, qty int, price float64) {
	if qty <= 0 {
		return
	}
	key := g.orderKeys[st.OrderID]
	c := g.contracts[key]

	total := st.AvgFillPrice*float64(st.Filled) + price*float64(qty)
	st.Filled += qty
	st.Remaining -= qty
	st.AvgFillPrice = total / float64(st.Filled)
	if st.Remaining == 0 {
		st.Status = StatusFilled
	} else {
		st.Status = StatusPartiallyFilled
	}

	signed := float64(qty)
	if st.action == Sell {
		signed = -signed
	}
	pos, ok := g.positions[key]
	if !ok {
		pos = &paperPosition{contract: *c, openedAt: time.Now()}
		g.positions[key] = pos
	}
	if pos.quantity == 0 || math.Signbit(pos.quantity) == math.Signbit(signed) {
		cost := pos.avgPrice*math.Abs(pos.quantity) + price*math.Abs(signed)
		pos.quantity += signed
		pos.avgPrice = cost / math.Abs(pos.quantity)
	} else {
		pos.quantity += signed
	}
	if math.Abs(pos.quantity) < 1e-9 {
		delete(g.positions, key)
	}
	logs.Debugf("[Paper Gateway] Order %s %s filled %d @ %.2f (%s)", st.OrderID, st.action, qty, price, key)
}

// PaperClient is one connection to a PaperGateway.
type PaperClient struct {
	gw        *PaperGateway
	clientID  int
	connected bool
}

func (c *PaperClient) Connect(ctx context.Context) error {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("connect"); err != nil {
		return err
	}
	if g.clients[c.clientID] {
		return &RejectionError{Op: "connect", Code: 326, Message: fmt.Sprintf("client id %d already in use", c.clientID)}
	}
	g.clients[c.clientID] = true
	c.connected = true
	return nil
}

func (c *PaperClient) Close() error {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.connected {
		delete(g.clients, c.clientID)
		c.connected = false
	}
	return nil
}

func (c *PaperClient) ClientID() int { return c.clientID }

func (c *PaperClient) IsPaper() bool {
	c.gw.mu.RLock()
	defer c.gw.mu.RUnlock()
	return !c.gw.live
}

func (c *PaperClient) QualifyContract(ctx context.Context, oc OptionContract) (*OptionContract, error) {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("qualify"); err != nil {
		return nil, err
	}
	key := domain.MakePositionID(oc.Underlying, oc.StrikePrice, oc.Expiry, oc.OptRight)
	listed, ok := g.contracts[key]
	if !ok {
		return nil, &RejectionError{Op: "qualify", Code: 200, Message: "no security definition found for " + key}
	}
	out := *listed
	return &out, nil
}

func (c *PaperClient) RequestQuote(ctx context.Context, oc *OptionContract) (*Quote, error) {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("quote"); err != nil {
		return nil, err
	}
	q, ok := g.quotes[domain.MakePositionID(oc.Underlying, oc.StrikePrice, oc.Expiry, oc.OptRight)]
	if !ok {
		return nil, &RejectionError{Op: "quote", Code: 354, Message: "no market data for " + oc.Underlying}
	}
	if q.Time.IsZero() {
		q.Time = time.Now()
	}
	return &q, nil
}

func (c *PaperClient) RequestPositions(ctx context.Context) ([]Position, error) {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("positions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, Position{Contract: p.contract, Quantity: p.quantity, AvgPrice: p.avgPrice, OpenedAt: p.openedAt})
	}
	return out, nil
}

func (c *PaperClient) RequestAccount(ctx context.Context) (*AccountSummary, error) {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("account"); err != nil {
		return nil, err
	}
	a := g.account
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	return &a, nil
}

func (c *PaperClient) PlaceOrder(ctx context.Context, oc *OptionContract, o *Order) (*OrderState, error) {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("place_order"); err != nil {
		return nil, err
	}

	// A repeated client ref is the same order.
	if id, ok := g.refs[o.Ref]; ok && o.Ref != "" {
		st := *g.orders[id]
		return &st, nil
	}
	if reason, ok := g.rejectSymbols[strings.ToUpper(oc.Underlying)]; ok {
		return nil, &RejectionError{Op: "place_order", Code: 201, Message: reason}
	}
	key := domain.MakePositionID(oc.Underlying, oc.StrikePrice, oc.Expiry, oc.OptRight)
	if _, ok := g.contracts[key]; !ok {
		return nil, &RejectionError{Op: "place_order", Code: 200, Message: "contract not qualified: " + key}
	}
	if o.Quantity <= 0 {
		return nil, &RejectionError{Op: "place_order", Code: 434, Message: "order quantity must be positive"}
	}

	st := &OrderState{
		OrderID:   uuid.New().String(),
		Ref:       o.Ref,
		Status:    StatusSubmitted,
		Remaining: o.Quantity,
		action:    o.Action,
	}
	g.orders[st.OrderID] = st
	g.orderKeys[st.OrderID] = key
	if o.Ref != "" {
		g.refs[o.Ref] = st.OrderID
	}

	if !g.holdFills {
		price := o.LimitPrice
		if o.Type == domain.Market {
			q := g.quotes[key]
			price = q.Last
			if o.Action == Buy && q.Ask > 0 {
				price = q.Ask
			} else if o.Action == Sell && q.Bid > 0 {
				price = q.Bid
			}
		}
		g.fill_noLock(st, o.Quantity, price)
	}

	out := *st
	return &out, nil
}

func (c *PaperClient) CancelOrder(ctx context.Context, orderID string) error {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("cancel_order"); err != nil {
		return err
	}
	st, ok := g.orders[orderID]
	if !ok {
		return &RejectionError{Op: "cancel_order", Code: 135, Message: "order " + orderID + " not found"}
	}
	if st.Status.Terminal() {
		return nil
	}
	st.Status = StatusCancelled
	return nil
}

func (c *PaperClient) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	g := c.gw
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enter_noLock("order_status"); err != nil {
		return nil, err
	}
	st, ok := g.orders[orderID]
	if !ok {
		return nil, &RejectionError{Op: "order_status", Code: 135, Message: "order " + orderID + " not found"}
	}
	out := *st
	return &out, nil
}
