package server

import (
	"net/http"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// handleGetEscalationConfig returns the tenant's escalation policy,
// falling back to the default policy for tenants that never saved one.
func (s *Server) handleGetEscalationConfig(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	cfg, err := s.db.GetEscalationConfig(r.Context(), identity.TenantID)
	if err != nil {
		s.logger.Error("failed to load escalation config", "tenant_id", identity.TenantID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load escalation config")
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// handlePutEscalationConfig replaces the tenant's escalation policy.
// The scheduler reads configs fresh each tick, so the change takes
// effect on the next pass without restart.
func (s *Server) handlePutEscalationConfig(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var req model.UpdateEscalationConfigRequest
	if err := decodeJSON(w, r, s.cfg.MaxRequestBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	cfg := model.EscalationConfig{
		TenantID:             identity.TenantID,
		Enabled:              req.Enabled,
		CheckIntervalMinutes: req.CheckIntervalMinutes,
		TargetUserID:         req.TargetUserID,
		NotificationsEnabled: req.NotificationsEnabled,
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := s.db.UpsertEscalationConfig(r.Context(), cfg); err != nil {
		s.logger.Error("failed to save escalation config", "tenant_id", identity.TenantID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to save escalation config")
		return
	}

	saved, err := s.db.GetEscalationConfig(r.Context(), identity.TenantID)
	if err != nil {
		writeJSON(w, r, http.StatusOK, cfg)
		return
	}
	writeJSON(w, r, http.StatusOK, saved)
}

// handleTriggerEscalations runs a scheduling pass on demand and wakes
// the worker so results land promptly.
func (s *Server) handleTriggerEscalations(w http.ResponseWriter, r *http.Request) {
	resp, err := s.scheduler.TriggerManually(r.Context())
	if err != nil {
		s.logger.Error("manual escalation trigger failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "escalation trigger failed")
		return
	}
	if resp.Enqueued > 0 {
		s.worker.Wake()
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// handleQueueStatus reports the durable queue's job counts.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.QueueStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to load queue status", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load queue status")
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}
