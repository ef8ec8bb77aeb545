package gateway

import (
	"context"
	"time"

	"putseller/domain"
)

// Contract is anything the gateway can hold a position in.
type Contract interface {
	Symbol() string
	SecType() string
}

// OptionContract identifies a single listed option. ConID is filled in by
// QualifyContract.
type OptionContract struct {
	Underlying  string       `json:"symbol"`
	StrikePrice float64      `json:"strike"`
	OptRight    domain.Right `json:"right"`
	Expiry      time.Time    `json:"expiry"`
	ConID       int64        `json:"con_id,omitempty"`
	Exchange    string       `json:"exchange,omitempty"`
	Multiplier  int          `json:"multiplier,omitempty"`
}

func (c OptionContract) Symbol() string        { return c.Underlying }
func (c OptionContract) SecType() string       { return "OPT" }
func (c OptionContract) Strike() float64       { return c.StrikePrice }
func (c OptionContract) Right() string         { return string(c.OptRight) }
func (c OptionContract) Expiration() time.Time { return c.Expiry }

// StockContract is an equity holding (e.g. shares assigned from a put).
type StockContract struct {
	Ticker string `json:"symbol"`
}

func (c StockContract) Symbol() string  { return c.Ticker }
func (c StockContract) SecType() string { return "STK" }

// Position is one line of the account's live position list.
type Position struct {
	Contract Contract
	Quantity float64 // negative for short
	AvgPrice float64 // per-share premium for options
	OpenedAt time.Time
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Bid    float64        `json:"bid"`
	Ask    float64        `json:"ask"`
	Last   float64        `json:"last"`
	Greeks *domain.Greeks `json:"greeks,omitempty"`
	Time   time.Time      `json:"time"`
}

// AccountSummary carries the figures the risk layer needs.
type AccountSummary struct {
	Account        string    `json:"account"`
	NetLiquidation float64   `json:"net_liquidation"`
	MaintMarginReq float64   `json:"maint_margin_req"`
	BuyingPower    float64   `json:"buying_power"`
	DailyPnL       float64   `json:"daily_pnl"`
	Timestamp      time.Time `json:"timestamp"`
}

// Action is the order side.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Order is a submission request. Ref is the client order reference; the
// gateway treats a repeated Ref as the same order.
type Order struct {
	Ref        string           `json:"ref"`
	Action     Action           `json:"action"`
	Type       domain.OrderType `json:"type"`
	Quantity   int              `json:"quantity"`
	LimitPrice float64          `json:"limit_price,omitempty"`
	TIF        string           `json:"tif"`
	Account    string           `json:"account,omitempty"`
}

// OrderStatus values reported by the gateway.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "Submitted"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
)

// Terminal reports whether no further fills can arrive.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderState is the gateway's view of a submitted order.
type OrderState struct {
	OrderID      string      `json:"order_id"`
	Ref          string      `json:"ref"`
	Status       OrderStatus `json:"status"`
	Filled       int         `json:"filled"`
	Remaining    int         `json:"remaining"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Reason       string      `json:"reason,omitempty"`

	action Action // paper book only
}

// Client is one connection to the brokerage gateway. A Client is owned by a
// single Session and is never shared between workers.
type Client interface {
	// Connect opens the connection and performs the handshake.
	Connect(ctx context.Context) error

	// Close tears the connection down.
	Close() error

	// ClientID is the gateway client slot this connection occupies.
	ClientID() int

	// IsPaper reports whether the endpoint is a paper/sandbox account.
	IsPaper() bool

	// QualifyContract resolves a contract description to a tradeable one.
	QualifyContract(ctx context.Context, c OptionContract) (*OptionContract, error)

	// RequestQuote returns a snapshot quote for a qualified contract.
	RequestQuote(ctx context.Context, c *OptionContract) (*Quote, error)

	// RequestPositions returns the live position list.
	RequestPositions(ctx context.Context) ([]Position, error)

	// RequestAccount returns the account summary.
	RequestAccount(ctx context.Context) (*AccountSummary, error)

	// PlaceOrder submits an order.
	PlaceOrder(ctx context.Context, c *OptionContract, o *Order) (*OrderState, error)

	// CancelOrder cancels a working order.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus returns the current state of an order.
	OrderStatus(ctx context.Context, orderID string) (*OrderState, error)
}

// Dialer builds an unconnected Client for the given client id.
type Dialer func(clientID int) Client
