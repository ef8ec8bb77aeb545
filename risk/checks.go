// risk/checks.go
package risk

import (
	"fmt"
	"strings"
	"time"
)

// Check names, in evaluation order.
const (
	CheckTradingHalt         = "trading_halt"
	CheckDailyLoss           = "daily_loss"
	CheckMaxPositions        = "max_positions"
	CheckMaxTradesPerDay     = "max_trades_per_day"
	CheckMarginUtilization   = "margin_utilization"
	CheckSectorConcentration = "sector_concentration"
)

// Reasons the operator sees for the fixed-text rejections.
const (
	ReasonHalted          = "trading halted"
	ReasonDailyLoss       = "daily loss limit breached"
	ReasonMaxPositions    = "max positions reached"
	ReasonMaxTrades       = "max trades per day reached"
	ReasonAccountStale    = "account data unavailable/stale"
	ReasonSectorUnchecked = "not enforced: no sector classification data"
)

// Check is the audit record of one risk rule.
type Check struct {
	Name     string
	Passed   bool
	Enforced bool
	Reason   string
}

func (c Check) String() string {
	switch {
	case !c.Enforced:
		return fmt.Sprintf("%s: %s", c.Name, c.Reason)
	case c.Passed:
		return fmt.Sprintf("%s: ok", c.Name)
	default:
		return fmt.Sprintf("%s: FAILED (%s)", c.Name, c.Reason)
	}
}

// Decision is the result of a pre-trade check. Approved is true only when
// every enforced check passed. An approval must be acted on before ExpiresAt.
type Decision struct {
	Approved  bool
	Checks    []Check
	IssuedAt  time.Time
	ExpiresAt time.Time

	slot bool // holds a reserved position/trade slot; guarded by Governor.mu
}

// Valid reports whether an approved decision may still be acted on at now.
func (d *Decision) Valid(now time.Time) bool {
	return d != nil && d.Approved && !now.After(d.ExpiresAt)
}

// Failed returns the enforced checks that did not pass.
func (d *Decision) Failed() []Check {
	var out []Check
	for _, c := range d.Checks {
		if c.Enforced && !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Reason is the operator summary of the decision.
func (d *Decision) Reason() string {
	return Summarize(d.Checks)
}

// Summarize renders checks for the operator. Every failing check is named
// with its reason, and unenforced checks are always listed so a summary never
// implies a limit is active when it is not.
func Summarize(checks []Check) string {
	if len(checks) == 0 {
		return "rejected: no risk checks were evaluated"
	}

	var failed, unenforced []string
	enforced := 0
	for _, c := range checks {
		if !c.Enforced {
			unenforced = append(unenforced, fmt.Sprintf("%s (%s)", c.Name, c.Reason))
			continue
		}
		enforced++
		if !c.Passed {
			failed = append(failed, fmt.Sprintf("%s (%s)", c.Name, c.Reason))
		}
	}

	var b strings.Builder
	switch {
	case len(failed) > 0:
		fmt.Fprintf(&b, "rejected: %s", strings.Join(failed, "; "))
	case enforced == 0:
		b.WriteString("rejected: no enforced risk checks were evaluated")
	default:
		fmt.Fprintf(&b, "approved: %d/%d enforced checks passed", enforced, enforced)
	}
	if len(unenforced) > 0 {
		fmt.Fprintf(&b, "; not enforced: %s", strings.Join(unenforced, "; "))
	}
	return b.String()
}
