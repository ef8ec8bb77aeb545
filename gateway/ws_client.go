// gateway/ws_client.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"putseller/domain"
	"putseller/logs"

	"github.com/gorilla/websocket"
)

// Ensure WSClient implements Client.
var _ Client = (*WSClient)(nil)

// envelope is the single frame shape on the gateway socket. Responses echo
// the request ID; frames without a pending ID are pushes.
type envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"` // "rejection" or "unavailable"
}

type helloRequest struct {
	ClientID int    `json:"client_id"`
	Account  string `json:"account"`
	Token    string `json:"token,omitempty"`
}

type helloResponse struct {
	Paper   bool   `json:"paper"`
	Account string `json:"account"`
}

type wireContract struct {
	SecType string       `json:"sec_type"`
	Symbol  string       `json:"symbol"`
	Strike  float64      `json:"strike,omitempty"`
	Right   domain.Right `json:"right,omitempty"`
	Expiry  time.Time    `json:"expiry,omitempty"`
	ConID   int64        `json:"con_id,omitempty"`
}

type wirePosition struct {
	Contract wireContract `json:"contract"`
	Quantity float64      `json:"quantity"`
	AvgPrice float64      `json:"avg_price"`
	OpenedAt time.Time    `json:"opened_at"`
}

type placeOrderRequest struct {
	Contract *OptionContract `json:"contract"`
	Order    *Order          `json:"order"`
}

type orderIDRequest struct {
	OrderID string `json:"order_id"`
}

// WSClient talks to the brokerage gateway over a websocket. Responses are
// routed to their callers by a read loop owned by the connection.
type WSClient struct {
	endpoint string
	account  string
	token    string
	clientID int
	dialer   *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn
	paper   atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan envelope
	nextID    atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
	readErr   atomic.Value // error
}

// NewWSClient creates an unconnected client.
func NewWSClient(endpoint, account, token string, clientID int) *WSClient {
	return &WSClient{
		endpoint: endpoint,
		account:  account,
		token:    token,
		clientID: clientID,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending:  make(map[string]chan envelope),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// WSDialer returns a Dialer producing WSClients for endpoint.
func WSDialer(endpoint, account, token string) Dialer {
	return func(clientID int) Client {
		return NewWSClient(endpoint, account, token, clientID)
	}
}

func (c *WSClient) ClientID() int { return c.clientID }
func (c *WSClient) IsPaper() bool { return c.paper.Load() }

// Connect dials the socket, starts the read loop and performs the hello
// handshake, which also tells us whether the endpoint is paper or live.
func (c *WSClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid gateway endpoint %q: %w", c.endpoint, err)
	}
	q := u.Query()
	q.Set("client_id", strconv.Itoa(c.clientID))
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &RejectionError{Op: "connect", Code: resp.StatusCode, Message: resp.Status}
		}
		return &ConnectivityError{Op: "connect", Err: err}
	}
	c.conn = conn
	go c.readLoop()

	var hello helloResponse
	if err := c.request(ctx, "hello", helloRequest{ClientID: c.clientID, Account: c.account, Token: c.token}, &hello); err != nil {
		c.Close()
		return err
	}
	c.paper.Store(hello.Paper)
	logs.Infof("[Gateway WS] Client %d connected to %s (account: %s, paper: %t)", c.clientID, u.Host, hello.Account, hello.Paper)
	return nil
}

// Close closes the socket; pending requests fail with ErrSessionClosed.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = c.conn.Close()
		}
	})
	return err
}

// readLoop routes every response frame to the channel of its pending request.
func (c *WSClient) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr.Store(err)
			c.failPending()
			logs.Debugf("[Gateway WS] Client %d read loop stopped: %v", c.clientID, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logs.Warnf("[Gateway WS] Client %d dropped malformed frame: %v", c.clientID, err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()

		if !ok {
			logs.Debugf("[Gateway WS] Client %d unsolicited %s frame", c.clientID, env.Type)
			continue
		}
		ch <- env
	}
}

func (c *WSClient) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// request sends one frame and waits for its response.
func (c *WSClient) request(ctx context.Context, typ string, payload interface{}, target interface{}) error {
	if c.conn == nil {
		return &ConnectivityError{Op: typ, Err: ErrNotConnected}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", typ, err)
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	frame, _ := json.Marshal(envelope{ID: id, Type: typ, Payload: body})

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return &ConnectivityError{Op: typ, Err: err}
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return &ConnectivityError{Op: typ, Err: c.lastReadErr()}
		}
		if env.Error != nil {
			if env.Error.Kind == "unavailable" {
				return &ConnectivityError{Op: typ, Err: errors.New(env.Error.Message)}
			}
			return &RejectionError{Op: typ, Code: env.Error.Code, Message: env.Error.Message}
		}
		if target != nil && len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, target); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", typ, err)
			}
		}
		return nil
	case <-c.readDone:
		return &ConnectivityError{Op: typ, Err: c.lastReadErr()}
	case <-c.closed:
		return &ConnectivityError{Op: typ, Err: ErrSessionClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WSClient) lastReadErr() error {
	if err, ok := c.readErr.Load().(error); ok && err != nil {
		return err
	}
	return ErrSessionClosed
}

func (c *WSClient) QualifyContract(ctx context.Context, oc OptionContract) (*OptionContract, error) {
	var out OptionContract
	if err := c.request(ctx, "qualify_contract", oc, &out); err != nil {
		return nil, err
	}
	if out.ConID == 0 {
		return nil, &RejectionError{Op: "qualify_contract", Message: "contract could not be qualified: " + oc.Underlying}
	}
	return &out, nil
}

func (c *WSClient) RequestQuote(ctx context.Context, oc *OptionContract) (*Quote, error) {
	var out Quote
	if err := c.request(ctx, "quote", oc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WSClient) RequestPositions(ctx context.Context) ([]Position, error) {
	var raw []wirePosition
	if err := c.request(ctx, "positions", struct{}{}, &raw); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		var contract Contract
		switch p.Contract.SecType {
		case "OPT":
			contract = OptionContract{
				Underlying:  p.Contract.Symbol,
				StrikePrice: p.Contract.Strike,
				OptRight:    p.Contract.Right,
				Expiry:      p.Contract.Expiry,
				ConID:       p.Contract.ConID,
			}
		default:
			contract = StockContract{Ticker: p.Contract.Symbol}
		}
		out = append(out, Position{Contract: contract, Quantity: p.Quantity, AvgPrice: p.AvgPrice, OpenedAt: p.OpenedAt})
	}
	return out, nil
}

func (c *WSClient) RequestAccount(ctx context.Context) (*AccountSummary, error) {
	var out AccountSummary
	if err := c.request(ctx, "account_summary", struct {
		Account string `json:"account"`
	}{c.account}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WSClient) PlaceOrder(ctx context.Context, oc *OptionContract, o *Order) (*OrderState, error) {
	if o.Account == "" {
		o.Account = c.account
	}
	var out OrderState
	if err := c.request(ctx, "place_order", placeOrderRequest{Contract: oc, Order: o}, &out); err != nil {
		return nil, err
	}
	if out.Status == StatusRejected {
		return nil, &RejectionError{Op: "place_order", Message: out.Reason}
	}
	return &out, nil
}

func (c *WSClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.request(ctx, "cancel_order", orderIDRequest{OrderID: orderID}, nil)
}

func (c *WSClient) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	var out OrderState
	if err := c.request(ctx, "order_status", orderIDRequest{OrderID: orderID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
