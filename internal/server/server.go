// Package server is the HTTP surface of the bridge: agent run
// endpoints, escalation configuration and operations, and bulk
// approval actions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsunagi/internal/bulk"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/escalation"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/relay"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/upstream"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Server wires handlers to their collaborators.
type Server struct {
	cfg       config.Config
	db        *storage.DB
	logger    *slog.Logger
	upstream  *upstream.Client
	relay     *relay.Relay
	limiter   *ratelimit.Limiter
	scheduler *escalation.Scheduler
	worker    *escalation.Worker
	bulk      *bulk.Coordinator
	mcp       *mcpserver.MCPServer // nil = MCP surface disabled
	startTime time.Time

	httpServer *http.Server
}

func New(
	cfg config.Config,
	db *storage.DB,
	logger *slog.Logger,
	upstreamClient *upstream.Client,
	streamRelay *relay.Relay,
	limiter *ratelimit.Limiter,
	scheduler *escalation.Scheduler,
	worker *escalation.Worker,
	bulkCoordinator *bulk.Coordinator,
	mcpServer *mcpserver.MCPServer,
) *Server {
	return &Server{
		cfg:       cfg,
		db:        db,
		logger:    logger,
		upstream:  upstreamClient,
		relay:     streamRelay,
		limiter:   limiter,
		scheduler: scheduler,
		worker:    worker,
		bulk:      bulkCoordinator,
		mcp:       mcpServer,
		startTime: time.Now(),
	}
}

// Handler builds the routing table with the middleware chains applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health is unauthenticated and unlimited.
	mux.Handle("GET /health", chain(
		http.HandlerFunc(s.handleHealth),
		requestIDMiddleware,
		securityHeadersMiddleware,
		recoveryMiddleware(s.logger),
	))

	// Agent run endpoints carry the per-tenant+user rate limit.
	runLimit := ratelimit.Rule{
		Prefix: "runs",
		Limit:  s.cfg.RunRateLimit,
		Window: time.Minute,
	}
	runLimiter := ratelimit.Middleware(s.limiter, runLimit, identityKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})

	authed := func(h http.HandlerFunc, extra ...func(http.Handler) http.Handler) http.Handler {
		mw := []func(http.Handler) http.Handler{
			requestIDMiddleware,
			securityHeadersMiddleware,
			tracingMiddleware,
			loggingMiddleware(s.logger),
			identityMiddleware,
		}
		mw = append(mw, extra...)
		mw = append(mw, recoveryMiddleware(s.logger))
		return chain(h, mw...)
	}

	mux.Handle("POST /v1/agents/{agent_id}/runs", authed(s.handleCreateRun, runLimiter))
	mux.Handle("GET /v1/agents/{agent_id}/runs/{run_id}", authed(s.handleGetRun))
	mux.Handle("GET /v1/agents/{agent_id}/runs/{run_id}/stream", authed(s.handleStreamRun, runLimiter))

	mux.Handle("GET /v1/escalation-config", authed(s.handleGetEscalationConfig))
	mux.Handle("PUT /v1/escalation-config", authed(s.handlePutEscalationConfig))
	mux.Handle("POST /v1/escalations/trigger", authed(s.handleTriggerEscalations))
	mux.Handle("GET /v1/escalations/queue", authed(s.handleQueueStatus))

	mux.Handle("POST /v1/approvals/bulk", authed(s.handleBulkAction))

	// MCP StreamableHTTP transport for operator tooling.
	if s.mcp != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(s.mcp)
		mux.Handle("/mcp", chain(mcpHTTP,
			requestIDMiddleware,
			securityHeadersMiddleware,
			identityMiddleware,
			recoveryMiddleware(s.logger),
		))
	}

	return mux
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// identityKeyFunc scopes the rate limit to tenant+user so one noisy
// user cannot exhaust a tenant's quota for everyone. Requests that
// carry no identity (mounted ahead of the identity middleware, or on
// an unauthenticated route) are limited per client IP instead.
func identityKeyFunc(r *http.Request) string {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		return ratelimit.IPKeyFunc(r)
	}
	return id.TenantID.String() + ":" + id.UserID
}
