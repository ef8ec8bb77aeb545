// Package domain holds the records exchanged between the risk, execution,
// monitoring and exit layers.
package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Right is the option right.
type Right string

const (
	Put  Right = "P"
	Call Right = "C"
)

func (r Right) String() string {
	if r == Call {
		return "CALL"
	}
	return "PUT"
}

// ParseRight accepts P/PUT/C/CALL in any case.
func ParseRight(s string) (Right, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P", "PUT":
		return Put, true
	case "C", "CALL":
		return Call, true
	}
	return "", false
}

// OrderType is LIMIT or MARKET.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// TradeOpportunity is a screened candidate. Treated as immutable.
type TradeOpportunity struct {
	Symbol         string
	Strike         float64
	Expiration     time.Time
	Right          Right
	Premium        float64
	Contracts      int
	OTMPct         float64
	DTE            int
	StockPrice     float64
	Trend          string
	Confidence     float64
	MarginRequired float64
}

// PositionID returns the id the resulting position will carry.
func (o TradeOpportunity) PositionID() string {
	return MakePositionID(o.Symbol, o.Strike, o.Expiration, o.Right)
}

// MakePositionID derives the stable id of an option position. Repeated polls
// of the same contract always map to the same id.
func MakePositionID(symbol string, strike float64, expiration time.Time, right Right) string {
	if right == "" {
		right = Put
	}
	return fmt.Sprintf("%s_%s_%s_%s",
		strings.ToUpper(strings.TrimSpace(symbol)),
		strconv.FormatFloat(strike, 'f', 2, 64),
		expiration.Format("20060102"),
		string(right),
	)
}

// Greeks are optional; the gateway may withhold them.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// PositionStatus is one poll's view of an open position. Superseded by every
// refresh; the gateway's position list stays authoritative.
type PositionStatus struct {
	PositionID     string
	Symbol         string
	Strike         float64
	Expiration     time.Time
	Right          Right
	Contracts      int
	EntryPremium   float64
	CurrentPremium float64
	CurrentPnL     float64
	CurrentPnLPct  float64
	DaysHeld       int
	DTERemaining   int
	Greeks         *Greeks
	OpenedAt       time.Time
	UpdatedAt      time.Time
}

// AlertKind matches the three exit reasons.
type AlertKind string

const (
	AlertProfitTarget AlertKind = "profit_target"
	AlertStopLoss     AlertKind = "stop_loss"
	AlertTimeExit     AlertKind = "time_exit"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// PositionAlert is an ephemeral notice produced by the monitor.
type PositionAlert struct {
	Kind       AlertKind
	Severity   Severity
	PositionID string
	Message    string
}

// ExitReason is one of profit_target, stop_loss, time_exit, plus emergency
// for operator-driven unwinds.
type ExitReason string

const (
	ExitProfitTarget ExitReason = "profit_target"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTimeExit     ExitReason = "time_exit"
	ExitEmergency    ExitReason = "emergency"
)

// ExitRules are the thresholds used by alerts and exit evaluation.
type ExitRules struct {
	ProfitTargetPct float64 // e.g. 0.50
	StopLossPct     float64 // negative, e.g. -2.00
	TimeExitDTE     int
}

// ExitDecision maps to exactly one exit attempt.
type ExitDecision struct {
	PositionID string
	Reason     ExitReason
	OrderType  OrderType
	LimitPrice float64
}

// ErrorKind classifies a failed execution attempt.
type ErrorKind string

const (
	ErrKindNone         ErrorKind = ""
	ErrKindValidation   ErrorKind = "validation"
	ErrKindRejection    ErrorKind = "rejection"
	ErrKindConnectivity ErrorKind = "connectivity"
	ErrKindLiveDisabled ErrorKind = "live_disabled"
	ErrKindTimeout      ErrorKind = "timeout"
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindInFlight     ErrorKind = "in_flight"
	ErrKindExpired      ErrorKind = "approval_expired"
)

// OrderResult is the terminal record of an order attempt. Never mutated after
// it is returned.
type OrderResult struct {
	Success        bool
	FilledQuantity int
	FillPrice      float64
	OrderID        string
	ErrorKind      ErrorKind
	Error          string
	DryRun         bool
	// Working is set when the order could not be confirmed cancelled and
	// may still fill at the gateway.
	Working bool
}

// Failed builds a failed result.
func Failed(kind ErrorKind, err error) OrderResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return OrderResult{ErrorKind: kind, Error: msg}
}

// ExitResult is the outcome of one exit attempt.
type ExitResult struct {
	PositionID string
	Reason     ExitReason
	Attempts   int
	OrderResult
}

// ClosedTrade is the record handed to the trade repository and the analytics
// layer downstream. Field names are part of that contract.
type ClosedTrade struct {
	PositionID     string
	Symbol         string
	Strike         float64
	Expiration     time.Time
	Right          Right
	Contracts      int
	FilledQuantity int
	EntryPremium   float64
	ExitPremium    float64
	RealizedPnL    float64
	ExitReason     ExitReason
	DaysHeld       int
	OpenedAt       time.Time
	ClosedAt       time.Time
	ExitOrderID    string
}

// TradeSink receives closed trades.
type TradeSink interface {
	RecordClosedTrade(ctx context.Context, trade ClosedTrade) error
}
