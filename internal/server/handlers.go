package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// handleHealth reports liveness plus dependency reachability. Postgres
// being down makes the service unhealthy; a degraded rate limiter does
// not, since the in-process fallback keeps requests flowing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:    "ok",
		Version:   Version,
		Postgres:  "ok",
		Scheduler: "running",
		Uptime:    int64(time.Since(s.startTime).Seconds()),
	}

	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, resp)
}
