package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/upstream"
)

// keepaliveInterval is how often an idle SSE stream emits a comment to
// keep intermediaries from closing the connection.
const keepaliveInterval = 15 * time.Second

// handleCreateRun accepts an invocation, records it, and executes it
// synchronously against the upstream service. The run record gets its
// terminal state before the response is written, so a poll immediately
// after always sees consistent state.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.AgentRunRequest
	if err := decodeJSON(w, r, s.cfg.MaxRequestBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	req.AgentID = agentID
	req.TenantID = identity.TenantID
	req.UserID = identity.UserID
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run := model.AgentRun{
		ID:            uuid.New(),
		TenantID:      identity.TenantID,
		AgentID:       agentID,
		UserID:        identity.UserID,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		Status:        model.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.CreateRun(r.Context(), run); err != nil {
		s.logger.Error("failed to create run record", "error", err, "run_id", run.ID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to record run")
		return
	}

	result, err := s.upstream.Invoke(r.Context(), req)
	durationMs := time.Since(run.StartedAt).Milliseconds()

	if err != nil {
		s.finishRunFailed(r, run, err, durationMs)
		status, code, msg := upstreamHTTPError(err)
		writeError(w, r, status, code, msg)
		return
	}

	run.Status = model.RunStatusCompleted
	run.Content = &result.Content
	run.DurationMs = &durationMs
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := s.db.FinishRun(r.Context(), run.TenantID, run.ID, model.RunStatusCompleted, &result.Content, nil, durationMs); err != nil {
		s.logger.Error("failed to finish run record", "error", err, "run_id", run.ID)
	}

	writeJSON(w, r, http.StatusCreated, run)
}

// finishRunFailed records a failed terminal state; best effort, the
// client response carries the real error either way.
func (s *Server) finishRunFailed(r *http.Request, run model.AgentRun, cause error, durationMs int64) {
	msg := cause.Error()
	// The record may outlive the request; don't let a cancelled request
	// context abort the terminal write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := s.db.FinishRun(ctx, run.TenantID, run.ID, model.RunStatusFailed, nil, &msg, durationMs); err != nil {
		s.logger.Error("failed to record run failure", "error", err, "run_id", run.ID)
	}
}

// handleGetRun returns the bridge-side run record.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
		return
	}

	run, err := s.db.GetRun(r.Context(), identity.TenantID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		s.logger.Error("failed to load run", "error", err, "run_id", runID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}

	// Refresh non-terminal runs from upstream so pollers converge on
	// the final state even if the synchronous path lost the race.
	if !run.Status.Terminal() {
		if refreshed, ok := s.refreshRun(r, run); ok {
			run = refreshed
		}
	}

	writeJSON(w, r, http.StatusOK, run)
}

// refreshRun polls upstream for a non-terminal run and persists a
// terminal result when one is available.
func (s *Server) refreshRun(r *http.Request, run model.AgentRun) (model.AgentRun, bool) {
	result, err := s.upstream.Poll(r.Context(), run.AgentID, run.TenantID, run.UserID, run.CorrelationID)
	if err != nil {
		s.logger.Warn("upstream poll failed", "run_id", run.ID, "error", err)
		return run, false
	}

	var status model.RunStatus
	switch result.Status {
	case "completed":
		status = model.RunStatusCompleted
	case "failed":
		status = model.RunStatusFailed
	default:
		return run, false // still in flight
	}

	durationMs := time.Since(run.StartedAt).Milliseconds()
	var content, errMsg *string
	if status == model.RunStatusCompleted {
		content = &result.Content
	} else {
		msg := result.Content
		if msg == "" {
			msg = "upstream run failed"
		}
		errMsg = &msg
	}
	if err := s.db.FinishRun(r.Context(), run.TenantID, run.ID, status, content, errMsg, durationMs); err != nil && !errors.Is(err, storage.ErrNotEligible) {
		s.logger.Error("failed to persist refreshed run", "run_id", run.ID, "error", err)
		return run, false
	}

	run.Status = status
	run.Content = content
	run.Error = errMsg
	run.DurationMs = &durationMs
	now := time.Now().UTC()
	run.CompletedAt = &now
	return run, true
}

// handleStreamRun opens a streaming invocation and relays it to the
// client as SSE. Disconnects tear down the upstream connection via the
// request context.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
		return
	}

	run, err := s.db.GetRun(r.Context(), identity.TenantID, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}

	// Upstream attaches to the run identified by the correlation ID and
	// replays its stream; the message field is unused on this path.
	req := model.AgentRunRequest{
		Message:       "attach",
		CorrelationID: run.CorrelationID,
		SessionID:     run.SessionID,
		AgentID:       agentID,
		TenantID:      identity.TenantID,
		UserID:        identity.UserID,
	}
	body, err := s.upstream.OpenStream(r.Context(), req)
	if err != nil {
		status, code, msg := upstreamHTTPError(err)
		writeError(w, r, status, code, msg)
		return
	}

	events := s.relay.Run(r.Context(), runID, body)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout by design.
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// upstreamHTTPError maps a classified upstream failure to the HTTP
// status and error code the bridge reports to its own clients.
func upstreamHTTPError(err error) (int, string, string) {
	var uerr *upstream.Error
	if !errors.As(err, &uerr) {
		return http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error"
	}
	switch uerr.Kind {
	case upstream.KindUnauthorized:
		// The bridge's own credential was rejected; to the caller that
		// is a bridge fault, not their auth failure.
		return http.StatusBadGateway, model.ErrCodeUpstreamUnavailable, "upstream rejected bridge credentials"
	case upstream.KindRateLimited:
		return http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "upstream is throttling requests"
	case upstream.KindInvalidRequest:
		return http.StatusBadRequest, model.ErrCodeInvalidInput, uerr.Message
	case upstream.KindTimeout:
		return http.StatusGatewayTimeout, model.ErrCodeUpstreamTimeout, "upstream timed out"
	default:
		return http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "upstream unavailable"
	}
}
