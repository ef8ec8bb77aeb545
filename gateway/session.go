package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"putseller/logs"
)

// WorkerID identifies a goroutine-owned unit of work (entry worker, monitor).
type WorkerID string

type workerKey struct{}

// WithWorker tags ctx with the calling worker's identity. Every session call
// must carry the identity of the worker that owns the session.
func WithWorker(ctx context.Context, id WorkerID) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// WorkerFrom extracts the worker identity from ctx.
func WorkerFrom(ctx context.Context) (WorkerID, bool) {
	id, ok := ctx.Value(workerKey{}).(WorkerID)
	return id, ok
}

type request struct {
	ctx   context.Context
	fn    func(ctx context.Context, c Client) error
	reply chan error
}

// Session is one gateway connection plus the dispatch loop that drives it.
// It belongs to exactly one worker for its whole life.
type Session struct {
	workerID WorkerID
	clientID int
	client   Client
	timeout  time.Duration

	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(ctx context.Context, worker WorkerID, client Client, timeout time.Duration) (*Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		client.Close()
		return nil, err
	}

	s := &Session{
		workerID: worker,
		clientID: client.ClientID(),
		client:   client,
		timeout:  timeout,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s, nil
}

// dispatch executes requests one at a time on this session's connection.
func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case req := <-s.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- err
				continue
			}
			req.reply <- req.fn(req.ctx, s.client)
		}
	}
}

// WorkerID returns the owning worker.
func (s *Session) WorkerID() WorkerID { return s.workerID }

// ClientID returns the gateway client slot of this session.
func (s *Session) ClientID() int { return s.clientID }

// IsPaper reports whether the session talks to a paper endpoint.
func (s *Session) IsPaper() bool { return s.client.IsPaper() }

// call hands fn to the dispatch loop and waits for its result, bounded by the
// session timeout.
func (s *Session) call(ctx context.Context, op string, fn func(ctx context.Context, c Client) error) error {
	caller, ok := WorkerFrom(ctx)
	if !ok || caller != s.workerID {
		return fmt.Errorf("%w: session of %q called by %q during %s", ErrForeignSession, s.workerID, caller, op)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := request{ctx: reqCtx, fn: fn, reply: make(chan error, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-reqCtx.Done():
		return s.timeoutErr(ctx, op, reqCtx.Err())
	}

	select {
	case err := <-req.reply:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &ConnectivityError{Op: op, Err: err}
		}
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-reqCtx.Done():
		return s.timeoutErr(ctx, op, reqCtx.Err())
	}
}

// timeoutErr keeps caller cancellation distinct from a gateway that stopped
// answering.
func (s *Session) timeoutErr(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	return &ConnectivityError{Op: op, Err: err}
}

func (s *Session) Qualify(ctx context.Context, c OptionContract) (*OptionContract, error) {
	var out *OptionContract
	err := s.call(ctx, "qualify", func(ctx context.Context, cl Client) error {
		var err error
		out, err = cl.QualifyContract(ctx, c)
		return err
	})
	return out, err
}

func (s *Session) Quote(ctx context.Context, c *OptionContract) (*Quote, error) {
	var out *Quote
	err := s.call(ctx, "quote", func(ctx context.Context, cl Client) error {
		var err error
		out, err = cl.RequestQuote(ctx, c)
		return err
	})
	return out, err
}

func (s *Session) Positions(ctx context.Context) ([]Position, error) {
	var out []Position
	err := s.call(ctx, "positions", func(ctx context.Context, cl Client) error {
		var err error
		out, err = cl.RequestPositions(ctx)
		return err
	})
	return out, err
}

func (s *Session) Account(ctx context.Context) (*AccountSummary, error) {
	var out *AccountSummary
	err := s.call(ctx, "account", func(ctx context.Context, cl Client) error {
		var err error
		out, err = cl.RequestAccount(ctx)
		return err
	})
	return out, err
}

func (s *Session) PlaceOrder(ctx context.Context, c *OptionContract, o *Order) (*OrderState, error) {
	var out *OrderState
	err := s.call(ctx, "place_order", func(ctx context.Context, cl Client) error {
		var err error
		out, err = cl.PlaceOrder(ctx, c, o)
		return err
	})
	return out, err
}

func (s *Session) CancelOrder(ctx context.Context, orderID string) error {
	return s.call(ctx, "cancel_order", func(ctx context.Context, cl Client) error {
		return cl.CancelOrder(ctx, orderID)
	})
}

func (s *Session) OrderStatus(ctx context.Context, orderID string) (*OrderState, error) {
	var out *OrderState
	err := s.call(ctx, "order_status", func(ctx context.Context, cl Client) error {
		var err error
		out, err = cl.OrderStatus(ctx, orderID)
		return err
	})
	return out, err
}

// close stops the dispatch loop and the connection. Only the manager closes
// sessions.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if err := s.client.Close(); err != nil {
			logs.Warnf("[Gateway] Error closing session of worker %s (client %d): %v", s.workerID, s.clientID, err)
		}
	})
}

// SessionManager owns one session per worker.
type SessionManager struct {
	mu           sync.Mutex
	dial         Dialer
	baseClientID int
	nextOffset   int
	timeout      time.Duration
	sessions     map[WorkerID]*Session
	closed       bool
}

// NewSessionManager creates a manager that dials client ids starting at
// baseClientID. Ids are never reused within a process.
func NewSessionManager(dial Dialer, baseClientID int, timeout time.Duration) *SessionManager {
	return &SessionManager{
		dial:         dial,
		baseClientID: baseClientID,
		timeout:      timeout,
		sessions:     make(map[WorkerID]*Session),
	}
}

// Get returns the worker's session, creating it on first use. A session is
// only ever returned to the worker that created it.
func (m *SessionManager) Get(ctx context.Context, worker WorkerID) (*Session, error) {
	if worker == "" {
		return nil, fmt.Errorf("gateway: empty worker id")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[worker]; ok {
		m.mu.Unlock()
		return s, nil
	}
	clientID := m.baseClientID + m.nextOffset
	m.nextOffset++
	m.mu.Unlock()

	// Connect outside the lock so one slow handshake does not stall other workers.
	s, err := newSession(ctx, worker, m.dial(clientID), m.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway session for worker %s (client %d): %w", worker, clientID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		go s.close()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.sessions[worker]; ok {
		go s.close()
		return existing, nil
	}
	m.sessions[worker] = s
	logs.Infof("[Gateway] Opened session for worker %s with client id %d (paper: %t)", worker, clientID, s.IsPaper())
	return s, nil
}

// Invalidate drops and closes a worker's session after persistent
// connectivity failure. The next Get dials a fresh one.
func (m *SessionManager) Invalidate(worker WorkerID) {
	m.mu.Lock()
	s, ok := m.sessions[worker]
	delete(m.sessions, worker)
	m.mu.Unlock()

	if ok {
		logs.Warnf("[Gateway] Invalidating session of worker %s (client %d)", worker, s.clientID)
		s.close()
	}
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears every session down. Called on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[WorkerID]*Session)
	m.mu.Unlock()

	for worker, s := range sessions {
		s.close()
		logs.Infof("[Gateway] Closed session of worker %s", worker)
	}
}
