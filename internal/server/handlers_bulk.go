package server

import (
	"net/http"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// handleBulkAction applies an approve/reject action to a batch of
// queue items. Batch-level validation failures are 400; once execution
// starts, per-item failures are reported in the 200 body.
func (s *Server) handleBulkAction(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var req model.BulkActionRequest
	if err := decodeJSON(w, r, s.cfg.MaxRequestBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	report, err := s.bulk.Apply(r.Context(), identity.TenantID, req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client disconnected mid-batch; nothing useful to write.
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	writeJSON(w, r, http.StatusOK, report)
}
