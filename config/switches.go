package config

import "sync/atomic"

// Switches holds the flags that may change while the process runs (SIGHUP
// reload). Readers must consult them on every call rather than caching.
type Switches struct {
	dryRun      atomic.Bool
	liveTrading atomic.Bool
}

// NewSwitches seeds the switches from a loaded config.
func NewSwitches(cfg *Config) *Switches {
	s := &Switches{}
	s.Apply(cfg)
	return s
}

// Apply copies the runtime flags out of cfg.
func (s *Switches) Apply(cfg *Config) {
	if cfg == nil || cfg.Trading == nil {
		return
	}
	s.dryRun.Store(cfg.Trading.DryRun)
	s.liveTrading.Store(cfg.Trading.LiveTrading)
}

func (s *Switches) DryRun() bool             { return s.dryRun.Load() }
func (s *Switches) LiveTradingEnabled() bool { return s.liveTrading.Load() }

func (s *Switches) SetDryRun(v bool)      { s.dryRun.Store(v) }
func (s *Switches) SetLiveTrading(v bool) { s.liveTrading.Store(v) }
