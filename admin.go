// admin.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"putseller/domain"
	"putseller/logs"
	"putseller/state"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type haltController interface {
	EmergencyHalt(reason string)
	ResumeTrading()
	Snapshot() state.RiskState
}

type emergencyExiter interface {
	EmergencyExit(ctx context.Context) ([]domain.ExitResult, error)
}

type statusResponse struct {
	Risk          state.RiskState         `json:"risk"`
	DryRun        bool                    `json:"dry_run"`
	LiveTrading   bool                    `json:"live_trading"`
	RealizedPnL   float64                 `json:"realized_pnl"`
	OpenPositions []domain.PositionStatus `json:"open_positions"`
}

type exitResponse struct {
	PositionID     string  `json:"position_id"`
	Success        bool    `json:"success"`
	Attempts       int     `json:"attempts"`
	FilledQuantity int     `json:"filled_quantity"`
	FillPrice      float64 `json:"fill_price"`
	OrderID        string  `json:"order_id,omitempty"`
	ErrorKind      string  `json:"error_kind,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// adminHandler serves the operator endpoints next to /metrics.
type adminHandler struct {
	governor haltController
	exiter   emergencyExiter
	status   func() statusResponse
	timeout  time.Duration
}

func (h *adminHandler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/halt", h.handleHalt)
	mux.HandleFunc("/resume", h.handleResume)
	mux.HandleFunc("/emergency-exit", h.handleEmergencyExit)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logs.Warnf("[Admin] Failed to write response: %v", err)
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return false
	}
	return true
}

func (h *adminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

func (h *adminHandler) handleHalt(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator request"
	}
	h.governor.EmergencyHalt(reason)
	writeJSON(w, http.StatusOK, h.governor.Snapshot())
}

func (h *adminHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.governor.ResumeTrading()
	writeJSON(w, http.StatusOK, h.governor.Snapshot())
}

// handleEmergencyExit halts new entries first, then closes everything.
func (h *adminHandler) handleEmergencyExit(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	h.governor.EmergencyHalt("emergency exit requested")

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	results, err := h.exiter.EmergencyExit(ctx)
	if err != nil {
		logs.Errorf("[Admin] Emergency exit failed: %v", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	out := make([]exitResponse, 0, len(results))
	for _, res := range results {
		out = append(out, exitResponse{
			PositionID:     res.PositionID,
			Success:        res.Success,
			Attempts:       res.Attempts,
			FilledQuantity: res.FilledQuantity,
			FillPrice:      res.FillPrice,
			OrderID:        res.OrderID,
			ErrorKind:      string(res.ErrorKind),
			Error:          res.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
