// engine/worker.go
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/execution"
	"putseller/gateway"
	"putseller/logs"
	"putseller/risk"
)

// Claims tracks position ids with an entry order in progress, across all
// entry workers.
type Claims struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewClaims() *Claims {
	return &Claims{ids: make(map[string]struct{})}
}

func (c *Claims) Acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *Claims) Release(id string) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
}

// Outcome is what happened to one opportunity.
type Outcome struct {
	Opportunity domain.TradeOpportunity
	Decision    *risk.Decision // nil when no check could be run
	Result      domain.OrderResult
}

// Submitted reports whether an order reached the executor.
func (o Outcome) Submitted() bool {
	return o.Decision != nil && o.Decision.Approved && o.Result.ErrorKind != domain.ErrKindExpired
}

// Worker runs check-then-submit for opportunities on its own gateway
// session. A worker must only be driven from one goroutine.
type Worker struct {
	id       gateway.WorkerID
	sessions *gateway.SessionManager
	governor *risk.Governor
	exec     *execution.Executor
	switches *config.Switches
	claims   *Claims
	now      func() time.Time
}

func NewWorker(id gateway.WorkerID, sessions *gateway.SessionManager, governor *risk.Governor, exec *execution.Executor, switches *config.Switches, claims *Claims) *Worker {
	return &Worker{
		id:       id,
		sessions: sessions,
		governor: governor,
		exec:     exec,
		switches: switches,
		claims:   claims,
		now:      time.Now,
	}
}

func (w *Worker) ID() gateway.WorkerID { return w.id }

// ProcessOpportunity takes the account snapshot, asks the governor and, when
// approved, submits straight away. The approval is re-checked against its
// validity window right before submission.
func (w *Worker) ProcessOpportunity(ctx context.Context, opp domain.TradeOpportunity) Outcome {
	out := Outcome{Opportunity: opp}
	ctx = gateway.WithWorker(ctx, w.id)
	positionID := opp.PositionID()

	sess, err := w.sessions.Get(ctx, w.id)
	if err != nil {
		logs.Errorf("[Worker %s] No gateway session for %s: %v", w.id, positionID, err)
		out.Result = domain.Failed(domain.ErrKindConnectivity, err)
		return out
	}

	if !w.claims.Acquire(positionID) {
		out.Result = domain.Failed(domain.ErrKindInFlight, fmt.Errorf("an entry order for %s is already working", positionID))
		return out
	}
	defer func() {
		// An order the gateway may still fill keeps its claim.
		if !out.Result.Working {
			w.claims.Release(positionID)
		}
	}()

	acct, err := sess.Account(ctx)
	if err != nil {
		// The governor fails closed on a missing snapshot.
		logs.Warnf("[Worker %s] Account snapshot unavailable: %v", w.id, err)
		acct = nil
		if gateway.IsConnectivity(err) {
			w.sessions.Invalidate(w.id)
		}
	}

	out.Decision = w.governor.PreTradeCheck(opp, acct)
	if !out.Decision.Approved {
		out.Result = domain.Failed(domain.ErrKindNone, fmt.Errorf("%s", out.Decision.Reason()))
		return out
	}
	if !out.Decision.Valid(w.now()) {
		w.governor.Release(out.Decision)
		logs.Warnf("[Worker %s] Approval for %s expired at %s before submission", w.id, positionID, out.Decision.ExpiresAt.Format(time.RFC3339))
		out.Result = domain.Failed(domain.ErrKindExpired, fmt.Errorf("risk approval expired at %s", out.Decision.ExpiresAt.Format(time.RFC3339)))
		return out
	}

	out.Result = w.exec.PlaceEntryOrder(ctx, sess, opp, w.switches.DryRun())
	switch {
	case out.Result.Working:
		logs.Errorf("[Worker %s] Entry order %s for %s is still working at the gateway; counting it and holding the position", w.id, out.Result.OrderID, positionID)
		w.governor.RecordTrade(out.Decision)
	case out.Result.Success && !out.Result.DryRun && out.Result.FilledQuantity > 0:
		w.governor.RecordTrade(out.Decision)
	default:
		w.governor.Release(out.Decision)
	}
	if out.Result.ErrorKind == domain.ErrKindConnectivity {
		w.sessions.Invalidate(w.id)
	}
	return out
}

// Run processes opportunities until the channel closes or ctx is done.
func (w *Worker) Run(ctx context.Context, opps <-chan domain.TradeOpportunity, outcomes chan<- Outcome) {
	logs.Infof("[Worker %s] Started.", w.id)
	defer logs.Infof("[Worker %s] Stopped.", w.id)
	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-opps:
			if !ok {
				return
			}
			out := w.ProcessOpportunity(ctx, opp)
			if outcomes == nil {
				continue
			}
			select {
			case outcomes <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}
