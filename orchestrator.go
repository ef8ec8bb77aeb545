// orchestrator.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"putseller/config"
	"putseller/domain"
	"putseller/engine"
	"putseller/execution"
	"putseller/exits"
	"putseller/gateway"
	"putseller/journal"
	"putseller/logs"
	"putseller/metrics"
	"putseller/monitor"
	"putseller/profit"
	"putseller/risk"
	"putseller/state"
)

const monitorWorker gateway.WorkerID = "monitor"

type Orchestrator struct {
	cfg           *config.Config
	switches      *config.Switches
	sessions      *gateway.SessionManager
	stateManager  state.StateManagerInterface
	governor      *risk.Governor
	journal       *journal.Store
	accountant    *profit.Accountant
	monitor       *monitor.Monitor
	workers       []*engine.Worker
	loop          *engine.MonitorLoop
	opportunities []domain.TradeOpportunity
	admin         *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig, opportunities []domain.TradeOpportunity) (*Orchestrator, error) {
	var dial gateway.Dialer
	if cfg.Gateway.UseSimulation {
		dial = newSimulatedGateway(opportunities).Dial
		logs.Warnf("<<<<<<<<<< WARNING: Running against the simulated paper gateway >>>>>>>>>>")
	} else {
		dial = gateway.WSDialer(cfg.Gateway.Endpoint, cfg.Gateway.Account, envCfg.GatewayToken)
	}
	switches := config.NewSwitches(cfg)
	if !switches.DryRun() && switches.LiveTradingEnabled() && !cfg.Gateway.Paper {
		logs.Warnf("<<<<<<<<<< WARNING: LIVE TRADING ENABLED, real orders will be sent >>>>>>>>>>")
	}

	stateFilePath := filepath.Join(cfg.Normal.StateDirectory, "risk_state.json")
	stateManager, err := state.NewStateManager(stateFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	logs.Infof("State manager initialized successfully, state will be persisted to: %s", stateFilePath)

	journalPath := filepath.Join(cfg.Normal.StateDirectory, "journal.db")
	store, err := journal.NewStore(journalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade journal: %w", err)
	}

	governor := risk.NewGovernor(cfg, stateManager)
	accountant := profit.NewAccountant(store, governor, cfg.Trading.ContractMultiplier)
	executor := execution.NewExecutor(cfg, switches)
	mon := monitor.NewMonitor(cfg)
	exitManager := exits.NewManager(cfg, executor, mon, switches, accountant)
	sessions := gateway.NewSessionManager(dial, cfg.Gateway.BaseClientID, cfg.RequestTimeout())

	claims := engine.NewClaims()
	workers := make([]*engine.Worker, 0, cfg.Trading.Workers)
	for i := 1; i <= cfg.Trading.Workers; i++ {
		id := gateway.WorkerID(fmt.Sprintf("entry-%d", i))
		workers = append(workers, engine.NewWorker(id, sessions, governor, executor, switches, claims))
	}
	loop := engine.NewMonitorLoop(monitorWorker, sessions, mon, exitManager, governor,
		time.Duration(cfg.Monitor.IntervalSeconds)*time.Second,
		time.Duration(cfg.Normal.HeartbeatIntervalMinutes)*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:           cfg,
		switches:      switches,
		sessions:      sessions,
		stateManager:  stateManager,
		governor:      governor,
		journal:       store,
		accountant:    accountant,
		monitor:       mon,
		workers:       workers,
		loop:          loop,
		opportunities: opportunities,
		ctx:           ctx,
		cancel:        cancel,
	}

	if err := o.reconcileStateOnStartup(); err != nil {
		cancel()
		store.Close()
		return nil, fmt.Errorf("failed to reconcile state on startup: %w", err)
	}
	return o, nil
}

// reconcileStateOnStartup restores realized profit from the journal and syncs
// the governor's open position count with the gateway. The gateway's position
// list is the ground truth; persisted counts are only a starting point.
func (o *Orchestrator) reconcileStateOnStartup() error {
	logs.Info("[Orchestrator] Starting state reconciliation on startup...")

	total, err := o.journal.RealizedPnLSince(o.ctx, time.Time{})
	if err != nil {
		return err
	}
	o.accountant.Restore(total)
	logs.Infof("[Orchestrator] Restored cumulative realized P&L from journal: %.2f", total)

	ctx := gateway.WithWorker(o.ctx, monitorWorker)
	sess, err := o.sessions.Get(ctx, monitorWorker)
	if err != nil {
		// Not fatal: the monitor loop keeps reconnecting and the governor
		// refuses entries while the account is unreachable.
		logs.Errorf("[Orchestrator-Warning] Gateway unreachable at startup: %v", err)
		return nil
	}
	open, err := o.monitor.ListOpen(ctx, sess)
	if err != nil {
		logs.Errorf("[Orchestrator-Warning] Failed to list positions at startup: %v. Open position count may be inaccurate until the first monitor cycle.", err)
		if gateway.IsConnectivity(err) {
			o.sessions.Invalidate(monitorWorker)
		}
		return nil
	}
	before := o.governor.Snapshot().OpenPositionCount
	o.governor.SetOpenPositionCount(len(open))
	if before != len(open) {
		logs.Warnf("[Orchestrator-Reconciliation] Persisted open position count %d differs from gateway (%d). Using gateway.", before, len(open))
	}
	logs.Infof("[Orchestrator] State reconciliation complete. %d open positions, halted: %t", len(open), o.governor.IsHalted())
	return nil
}

func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop.Run(o.ctx)
	}()

	opps := make(chan domain.TradeOpportunity)
	outcomes := make(chan engine.Outcome, len(o.workers))
	var workersWG sync.WaitGroup
	for _, w := range o.workers {
		w := w
		workersWG.Add(1)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer workersWG.Done()
			w.Run(o.ctx, opps, outcomes)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(opps)
		for _, opp := range o.opportunities {
			select {
			case opps <- opp:
			case <-o.ctx.Done():
				return
			}
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		workersWG.Wait()
		close(outcomes)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for out := range outcomes {
			logOutcome(out)
		}
	}()

	if o.cfg.Normal.MetricsAddr != "" {
		o.startAdmin()
	}
	logs.Infof("Engine started with %d entry workers and %d opportunities, press Ctrl+C to exit.", len(o.workers), len(o.opportunities))
}

func logOutcome(out engine.Outcome) {
	id := out.Opportunity.PositionID()
	switch {
	case out.Result.Success && out.Result.DryRun:
		logs.Infof("[Entry] [DRY RUN] %s would sell %d @ %.2f", id, out.Result.FilledQuantity, out.Result.FillPrice)
	case out.Result.Success:
		logs.Infof("[Entry] %s sold %d @ %.2f (order %s)", id, out.Result.FilledQuantity, out.Result.FillPrice, out.Result.OrderID)
	case out.Decision != nil && !out.Decision.Approved:
		logs.Warnf("[Entry] %s not traded: %s", id, out.Decision.Reason())
	default:
		logs.Errorf("[Entry] %s failed: [%s] %s", id, out.Result.ErrorKind, out.Result.Error)
	}
}

func (o *Orchestrator) startAdmin() {
	h := &adminHandler{
		governor: o.governor,
		exiter:   o.loop,
		status:   o.status,
		timeout:  2 * time.Minute,
	}
	o.admin = &http.Server{Addr: o.cfg.Normal.MetricsAddr, Handler: h.routes()}
	go func() {
		logs.Infof("[Admin] Serving metrics and operator endpoints on %s", o.cfg.Normal.MetricsAddr)
		if err := o.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("[Admin] Server stopped: %v", err)
		}
	}()
}

func (o *Orchestrator) status() statusResponse {
	return statusResponse{
		Risk:          o.governor.Snapshot(),
		DryRun:        o.switches.DryRun(),
		LiveTrading:   o.switches.LiveTradingEnabled(),
		RealizedPnL:   o.accountant.GetRealizedPNL(),
		OpenPositions: o.monitor.Snapshot(),
	}
}

// Reload re-reads the config file and applies the runtime switches. Other
// settings need a restart.
func (o *Orchestrator) Reload(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logs.Errorf("[Orchestrator] Config reload failed, keeping current settings: %v", err)
		return
	}
	o.switches.Apply(cfg)
	logs.Warnf("[Orchestrator] Config reloaded: dry_run=%t live_trading=%t (mode: %s)",
		o.switches.DryRun(), o.switches.LiveTradingEnabled(), metrics.Mode(o.switches.DryRun(), cfg.Gateway.Paper))
}

func (o *Orchestrator) Stop() {
	logs.Info("Received close signal, starting graceful shutdown...")

	if o.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = o.admin.Shutdown(shutdownCtx)
		cancel()
	}

	// Send cancellation signal to all goroutines
	o.cancel()
	// Wait for all goroutines to complete
	o.wg.Wait()

	o.printFinalSummary()

	snap := o.governor.Snapshot()
	if err := o.stateManager.SaveRiskState(snap); err != nil {
		logs.Errorf("Failed to save final risk state: %v", err)
	}
	o.sessions.CloseAll()
	if err := o.journal.Close(); err != nil {
		logs.Errorf("Failed to close trade journal: %v", err)
	}
	logs.Info("All services stopped successfully.")
}

func (o *Orchestrator) printFinalSummary() {
	stats := o.accountant.Stats()
	snap := o.governor.Snapshot()
	var unrealized float64
	open := o.monitor.Snapshot()
	for _, st := range open {
		unrealized += st.CurrentPnL
	}

	logs.Info("\n--- Final P&L Summary ---")
	logs.Infof("Realized P&L (all time): %.2f", stats.RealizedPnL)
	logs.Infof("Closed this session: %d (wins %d, losses %d)", stats.Trades, stats.Wins, stats.Losses)
	logs.Infof("Daily P&L: %.2f, trades today: %d", snap.DailyPnL, snap.TradesPlacedToday)
	logs.Infof("Open positions: %d (unrealized P&L of priced positions: %.2f)", o.monitor.OpenCount(), unrealized)
	if snap.Halted {
		logs.Warnf("Trading is HALTED: %s", snap.HaltReason)
	}
	logs.Info("--------------------")
}

// newSimulatedGateway lists every opportunity's contract on a paper book so
// the engine can run end to end without a brokerage connection.
func newSimulatedGateway(opportunities []domain.TradeOpportunity) *gateway.PaperGateway {
	gw := gateway.NewPaperGateway(gateway.AccountSummary{
		Account:        "SIM",
		NetLiquidation: 100000,
		BuyingPower:    200000,
	})
	for _, opp := range opportunities {
		spread := 0.05
		bid := opp.Premium - spread
		if bid < 0.01 {
			bid = 0.01
		}
		gw.ListOption(opp.Symbol, opp.Strike, opp.Expiration, opp.Right, gateway.Quote{
			Bid:  bid,
			Ask:  opp.Premium + spread,
			Last: opp.Premium,
		})
	}
	return gw
}
