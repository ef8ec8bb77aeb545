// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StateManagerInterface is what the risk layer needs to persist its state.
// Keeping it an interface lets tests run without touching disk.
type StateManagerInterface interface {
	// GetRiskState returns a copy of the last saved risk state.
	GetRiskState() RiskState
	// SaveRiskState replaces and persists the risk state.
	SaveRiskState(rs RiskState) error
}

// RiskState is the account-wide mutable risk bookkeeping. Only the risk
// governor mutates it.
type RiskState struct {
	DailyPnL          float64 `json:"daily_pnl"`
	OpenPositionCount int     `json:"open_position_count"`
	TradesPlacedToday int     `json:"trades_placed_today"`
	Halted            bool    `json:"halted"`
	HaltReason        string  `json:"halt_reason,omitempty"`
	LastResetDate     string  `json:"last_reset_date"` // YYYY-MM-DD, local calendar
}

// AppState is the top-level structure persisted to state.json.
type AppState struct {
	Risk *RiskState `json:"risk"`
}

// StateManager is the file implementation of StateManagerInterface.
type StateManager struct {
	mu       sync.RWMutex
	filePath string
	state    *AppState
}

// NewStateManager loads existing state, or starts empty if the file does not exist.
func NewStateManager(filePath string) (*StateManager, error) {
	sm := &StateManager{
		filePath: filePath,
		state:    &AppState{Risk: &RiskState{}},
	}

	if err := sm.load(); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
				return nil, fmt.Errorf("failed to create state directory: %w", err)
			}
			if err := sm.save(); err != nil {
				return nil, fmt.Errorf("failed to create initial empty state file: %w", err)
			}
			return sm, nil
		}
		return nil, fmt.Errorf("failed to load initial state: %w", err)
	}
	if sm.state.Risk == nil {
		sm.state.Risk = &RiskState{}
	}
	return sm, nil
}

// save writes atomically (tmp file + rename). Caller holds the lock.
func (sm *StateManager) save() error {
	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for saving: %w", err)
	}

	tmpFilePath := sm.filePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary state file: %w", err)
	}
	return os.Rename(tmpFilePath, sm.filePath)
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil // Empty file is considered valid
	}
	return json.Unmarshal(data, sm.state)
}

func (sm *StateManager) GetRiskState() RiskState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return *sm.state.Risk
}

func (sm *StateManager) SaveRiskState(rs RiskState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state.Risk = &rs
	return sm.save()
}
