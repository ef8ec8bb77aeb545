package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"putseller/domain"

	"gopkg.in/yaml.v2"
)

// opportunityRecord is the on-disk shape produced by the screener.
type opportunityRecord struct {
	Symbol         string  `yaml:"symbol"`
	Strike         float64 `yaml:"strike"`
	Expiration     string  `yaml:"expiration"` // YYYY-MM-DD
	Right          string  `yaml:"right"`
	Premium        float64 `yaml:"premium"`
	Contracts      int     `yaml:"contracts"`
	OTMPct         float64 `yaml:"otm_pct"`
	DTE            int     `yaml:"dte"`
	StockPrice     float64 `yaml:"stock_price"`
	Trend          string  `yaml:"trend"`
	Confidence     float64 `yaml:"confidence"`
	MarginRequired float64 `yaml:"margin_required"`
}

// LoadOpportunities reads a YAML list of trade opportunities. Records with an
// unparseable expiration are rejected as a whole file error; field-level
// validation is left to the executor.
func LoadOpportunities(path string) ([]domain.TradeOpportunity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read opportunities file: %w", err)
	}

	var records []opportunityRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal opportunities: %w", err)
	}

	opps := make([]domain.TradeOpportunity, 0, len(records))
	for i, r := range records {
		exp, err := time.ParseInLocation("2006-01-02", r.Expiration, time.Local)
		if err != nil {
			return nil, fmt.Errorf("opportunity %d (%s): bad expiration %q: %w", i, r.Symbol, r.Expiration, err)
		}
		right, ok := domain.ParseRight(r.Right)
		if !ok {
			right = domain.Put
		}
		opps = append(opps, domain.TradeOpportunity{
			Symbol:         strings.ToUpper(strings.TrimSpace(r.Symbol)),
			Strike:         r.Strike,
			Expiration:     exp,
			Right:          right,
			Premium:        r.Premium,
			Contracts:      r.Contracts,
			OTMPct:         r.OTMPct,
			DTE:            r.DTE,
			StockPrice:     r.StockPrice,
			Trend:          r.Trend,
			Confidence:     r.Confidence,
			MarginRequired: r.MarginRequired,
		})
	}
	return opps, nil
}
