// engine/monitor_loop.go
package engine

import (
	"context"
	"errors"
	"time"

	"putseller/domain"
	"putseller/exits"
	"putseller/gateway"
	"putseller/logs"
	"putseller/monitor"
	"putseller/risk"
)

// ErrLoopStopped is returned to emergency requests made after Run has exited.
var ErrLoopStopped = errors.New("monitor loop stopped")

type emergencyReply struct {
	results []domain.ExitResult
	err     error
}

// MonitorLoop polls positions, feeds the open count to the governor and closes
// positions that hit an exit rule. All of its gateway traffic, emergency exits
// included, runs on the loop's own goroutine and session.
type MonitorLoop struct {
	id        gateway.WorkerID
	sessions  *gateway.SessionManager
	mon       *monitor.Monitor
	exits     *exits.Manager
	governor  *risk.Governor
	interval  time.Duration
	heartbeat time.Duration

	emergency chan chan emergencyReply
	stopped   chan struct{}
}

func NewMonitorLoop(id gateway.WorkerID, sessions *gateway.SessionManager, mon *monitor.Monitor, ex *exits.Manager, governor *risk.Governor, interval, heartbeat time.Duration) *MonitorLoop {
	if interval <= 0 {
		interval = time.Minute
	}
	if heartbeat <= 0 {
		heartbeat = 10 * time.Minute
	}
	return &MonitorLoop{
		id:        id,
		sessions:  sessions,
		mon:       mon,
		exits:     ex,
		governor:  governor,
		interval:  interval,
		heartbeat: heartbeat,
		emergency: make(chan chan emergencyReply),
		stopped:   make(chan struct{}),
	}
}

func (l *MonitorLoop) session(ctx context.Context) (context.Context, *gateway.Session, error) {
	ctx = gateway.WithWorker(ctx, l.id)
	sess, err := l.sessions.Get(ctx, l.id)
	return ctx, sess, err
}

// Cycle runs one monitoring pass and returns the exits it attempted.
func (l *MonitorLoop) Cycle(ctx context.Context) ([]domain.ExitResult, error) {
	if l.governor.ResetDailyCounters() {
		logs.Infof("[Monitor] New trading day, daily risk counters reset.")
	}

	ctx, sess, err := l.session(ctx)
	if err != nil {
		return nil, err
	}

	statuses, err := l.mon.UpdateAll(ctx, sess)
	if err != nil {
		if gateway.IsConnectivity(err) {
			l.sessions.Invalidate(l.id)
		}
		return nil, err
	}
	l.governor.SetOpenPositionCount(l.mon.OpenCount())

	rules := l.exits.Rules()
	var results []domain.ExitResult
	for _, st := range statuses {
		for _, alert := range monitor.GenerateAlerts(st, rules) {
			switch alert.Severity {
			case domain.SeverityCritical:
				logs.Errorf("[Monitor] %s: %s", alert.PositionID, alert.Message)
			case domain.SeverityWarning:
				logs.Warnf("[Monitor] %s: %s", alert.PositionID, alert.Message)
			default:
				logs.Infof("[Monitor] %s: %s", alert.PositionID, alert.Message)
			}
		}

		decision := l.exits.Evaluate(st, rules)
		if decision == nil {
			continue
		}
		res := l.exits.ExecuteExit(ctx, sess, *decision)
		results = append(results, res)
		if res.ErrorKind == domain.ErrKindConnectivity {
			l.sessions.Invalidate(l.id)
			break
		}
	}
	return results, nil
}

// EmergencyExit asks the running loop to close every open position and waits
// for the outcome.
func (l *MonitorLoop) EmergencyExit(ctx context.Context) ([]domain.ExitResult, error) {
	reply := make(chan emergencyReply, 1)
	select {
	case l.emergency <- reply:
	case <-l.stopped:
		return nil, ErrLoopStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.results, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MonitorLoop) emergencyExitAll(ctx context.Context) ([]domain.ExitResult, error) {
	ctx, sess, err := l.session(ctx)
	if err != nil {
		return nil, err
	}
	results, err := l.exits.EmergencyExitAll(ctx, sess)
	if err != nil && gateway.IsConnectivity(err) {
		l.sessions.Invalidate(l.id)
	}
	return results, err
}

// Run cycles on every tick until ctx is done. The first cycle runs at once.
func (l *MonitorLoop) Run(ctx context.Context) {
	defer close(l.stopped)
	logs.Infof("[Monitor] Starting position monitor, interval %v.", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(l.heartbeat)
	defer heartbeat.Stop()

	l.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("[Monitor] Stopping position monitor.")
			return
		case reply := <-l.emergency:
			results, err := l.emergencyExitAll(ctx)
			reply <- emergencyReply{results: results, err: err}
		case <-ticker.C:
			l.runCycle(ctx)
		case <-heartbeat.C:
			snap := l.governor.Snapshot()
			logs.Infof("[Heartbeat] open positions: %d, trades today: %d, daily P&L: %.2f, halted: %t",
				l.mon.OpenCount(), snap.TradesPlacedToday, snap.DailyPnL, snap.Halted)
		}
	}
}

func (l *MonitorLoop) runCycle(ctx context.Context) {
	results, err := l.Cycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logs.Errorf("[Monitor] Cycle failed: %v", err)
		}
		return
	}
	for _, r := range results {
		if r.Success {
			logs.Infof("[Monitor] Exit %s (%s) done: %d @ %.2f", r.PositionID, r.Reason, r.FilledQuantity, r.FillPrice)
		}
	}
}
