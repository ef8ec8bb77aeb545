// metrics/metrics.go
// Package metrics holds the Prometheus instruments the engine updates while
// it runs:
//
//	putseller_orders_total{side,mode,result}   orders submitted (side: entry|exit, mode: dry_run|paper|live)
//	putseller_risk_rejections_total{check}     failing risk checks on rejected decisions
//	putseller_risk_decisions_total{approved}   pre-trade decisions
//	putseller_trading_halted                   1 while new entries are blocked
//	putseller_exits_total{reason}              successful exits by reason
//	putseller_open_positions                   option positions seen on the last refresh
//	putseller_gateway_retries_total{op}        connectivity retries
//	putseller_realized_pnl_usd_total           realized P&L (gauge, may go negative)
//
// They are registered in init() and served by promhttp from main.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "putseller_orders_total",
			Help: "Orders submitted, by side, mode and result",
		},
		[]string{"side", "mode", "result"},
	)

	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "putseller_risk_rejections_total",
			Help: "Failing risk checks on rejected pre-trade decisions",
		},
		[]string{"check"},
	)

	RiskDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "putseller_risk_decisions_total",
			Help: "Pre-trade decisions by outcome",
		},
		[]string{"approved"},
	)

	TradingHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "putseller_trading_halted",
			Help: "1 while new entries are blocked by the risk governor",
		},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "putseller_exits_total",
			Help: "Successful exits by reason",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "putseller_open_positions",
			Help: "Option positions seen on the last refresh",
		},
	)

	GatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "putseller_gateway_retries_total",
			Help: "Gateway calls retried after a connectivity failure",
		},
		[]string{"op"},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "putseller_realized_pnl_usd_total",
			Help: "Realized P&L of closed trades since start, in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(Orders, RiskRejections, RiskDecisions, TradingHalted)
	prometheus.MustRegister(Exits, OpenPositions, GatewayRetries, RealizedPnL)
}

// Mode labels an order by where it went.
func Mode(dryRun, paper bool) string {
	switch {
	case dryRun:
		return "dry_run"
	case paper:
		return "paper"
	default:
		return "live"
	}
}

// SetHalted flips the halted gauge.
func SetHalted(halted bool) {
	if halted {
		TradingHalted.Set(1)
		return
	}
	TradingHalted.Set(0)
}
