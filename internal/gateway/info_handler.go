package gateway

import (
	"net/http"

	"github.com/OverClawApp/releases-sub001/internal/billing"
	"github.com/OverClawApp/releases-sub001/internal/requestctx"
)

// handleModels lists the models that currently have credentials, plus the
// routing table.
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	models := s.registry.Models()
	if s.keys != nil {
		models = s.registry.Available(s.keys)
	}
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(models)), Routes: s.registry.Routes()}
	for _, m := range models {
		list.Data = append(list.Data, ModelInfo{
			ID:           m.ID,
			Object:       "model",
			OwnedBy:      m.Provider,
			Capabilities: m.Capabilities,
			MaxContext:   m.MaxContext,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	balance, err := s.ledger.Balance(r.Context(), requestctx.UserID(r.Context()))
	if err != nil {
		s.log.Error().Err(err).Msg("balance lookup failed")
		s.writeError(w, http.StatusServiceUnavailable, "service_unavailable", "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	usage, err := s.ledger.Usage(r.Context(), requestctx.UserID(r.Context()), s.usageLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("usage lookup failed")
		s.writeError(w, http.StatusServiceUnavailable, "service_unavailable", "ledger unavailable")
		return
	}
	if usage == nil {
		usage = []billing.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": usage})
}

func (s *server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(w, r) {
		return
	}
	status := map[string]any{
		"health": true,
	}
	if s.routerStatus != nil {
		for k, v := range s.routerStatus.Snapshot() {
			status[k] = v
		}
	}
	if s.usage != nil {
		status["usage"] = s.usage.Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}
