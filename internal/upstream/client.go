// Package upstream is the HTTP client for the agent-execution service.
//
// Every call carries the acting tenant, user, and a correlation ID so
// the upstream side can attribute work. Transient failures (network
// errors, 5xx, 429) are retried with exponential backoff; auth and
// validation failures fail fast. Stream connections retry only the
// initial connect, never mid-stream.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// TokenSource supplies the bearer credential for an outbound call.
type TokenSource interface {
	Bearer(tenantID uuid.UUID, userID string) (string, error)
}

// InvokeResult is the upstream's answer to a synchronous invocation.
type InvokeResult struct {
	Content   string  `json:"content"`
	SessionID *string `json:"session_id,omitempty"`
	Status    string  `json:"status"`
}

// Client calls the agent-execution service. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client // longer timeout for streaming connects
	tokens  TokenSource
	retries int
	backoff time.Duration
	logger  *slog.Logger

	attemptCounter metric.Int64Counter
}

// Options configures a Client beyond its required collaborators.
type Options struct {
	Timeout       time.Duration // per-call timeout for invoke/poll
	StreamTimeout time.Duration // response-header timeout for stream connects
	Retries       int           // total attempts including the first
	Backoff       time.Duration // first retry delay; doubles per attempt
}

// NewClient creates an upstream client. Zero option fields get
// production defaults (60s timeout, 3 attempts, 1s base backoff).
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 2 * opts.Timeout
	}
	if opts.Retries < 1 {
		opts.Retries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 1 * time.Second
	}

	attempts, _ := telemetry.Meter("tsunagi/upstream").Int64Counter("tsunagi.upstream.attempts")

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: opts.Timeout},
		// Streams have no overall timeout: the body stays open for the
		// duration of the run. The response-header timeout bounds only
		// the connect phase; the caller's context bounds the rest.
		stream: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: opts.StreamTimeout},
		},
		tokens:  tokens,
		retries: opts.Retries,
		backoff: opts.Backoff,
		logger:  logger,

		attemptCounter: attempts,
	}
}

// Invoke runs an agent synchronously and returns its final output.
func (c *Client) Invoke(ctx context.Context, req model.AgentRunRequest) (InvokeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("upstream: encode invoke request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/agents/%s/invoke", c.baseURL, req.AgentID)
	resp, err := c.doWithRetry(ctx, c.http, http.MethodPost, url, body, req.TenantID, req.UserID, req.CorrelationID, "")
	if err != nil {
		return InvokeResult{}, err
	}
	defer resp.Body.Close()

	var result InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InvokeResult{}, &Error{
			Kind:          KindUnavailable,
			Status:        resp.StatusCode,
			Message:       "malformed invoke response",
			CorrelationID: req.CorrelationID,
			cause:         err,
		}
	}
	return result, nil
}

// Poll fetches the current state of an upstream run. Used to refresh
// runs that outlived the synchronous invoke window. The path mirrors
// the bridge's own run endpoint, keyed by the correlation ID.
func (c *Client) Poll(ctx context.Context, agentID string, tenantID uuid.UUID, userID, correlationID string) (InvokeResult, error) {
	url := fmt.Sprintf("%s/v1/agents/%s/runs/%s", c.baseURL, agentID, correlationID)
	resp, err := c.doWithRetry(ctx, c.http, http.MethodGet, url, nil, tenantID, userID, correlationID, "")
	if err != nil {
		return InvokeResult{}, err
	}
	defer resp.Body.Close()

	var result InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return InvokeResult{}, &Error{
			Kind:          KindUnavailable,
			Status:        resp.StatusCode,
			Message:       "malformed poll response",
			CorrelationID: correlationID,
			cause:         err,
		}
	}
	return result, nil
}

// OpenStream starts a streaming invocation and returns the raw SSE
// body. The caller owns the body and must close it; cancelling ctx
// also tears the connection down. Retries cover the connect only —
// once bytes flow, a failure surfaces as a stream error, not a retry.
func (c *Client) OpenStream(ctx context.Context, req model.AgentRunRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode stream request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/agents/%s/invoke/stream", c.baseURL, req.AgentID)
	resp, err := c.doWithRetry(ctx, c.stream, http.MethodPost, url, body, req.TenantID, req.UserID, req.CorrelationID, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// doWithRetry issues the request up to c.retries times. Only transient
// failures are retried; the delay doubles each attempt from c.backoff.
// On success the caller owns resp.Body.
func (c *Client) doWithRetry(ctx context.Context, httpc *http.Client, method, url string, body []byte, tenantID uuid.UUID, userID, correlationID, accept string) (*http.Response, error) {
	var lastErr *Error

	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			delay := c.backoff << (attempt - 2) // 1s, 2s, 4s, ...
			select {
			case <-ctx.Done():
				return nil, c.ctxError(ctx, correlationID)
			case <-time.After(delay):
			}
		}

		resp, uerr := c.do(ctx, httpc, method, url, body, tenantID, userID, correlationID, accept)
		if c.attemptCounter != nil {
			c.attemptCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("method", method),
				attribute.Bool("retry", attempt > 1),
			))
		}
		if uerr == nil {
			return resp, nil
		}

		lastErr = uerr
		if !uerr.Retryable() {
			return nil, uerr
		}
		if attempt < c.retries {
			c.logger.Warn("upstream call failed, retrying",
				"method", method,
				"kind", uerr.Kind.String(),
				"status", uerr.Status,
				"attempt", attempt,
				"correlation_id", correlationID,
			)
		}
	}
	return nil, lastErr
}

// do issues a single attempt and classifies the outcome.
func (c *Client) do(ctx context.Context, httpc *http.Client, method, url string, body []byte, tenantID uuid.UUID, userID, correlationID, accept string) (*http.Response, *Error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "build request", CorrelationID: correlationID, cause: err}
	}

	token, err := c.tokens.Bearer(tenantID, userID)
	if err != nil {
		return nil, &Error{Kind: KindUnauthorized, Message: "mint service token", CorrelationID: correlationID, cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tenant-ID", tenantID.String())
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-Correlation-ID", correlationID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, &Error{Kind: KindUnavailable, Message: "request cancelled", CorrelationID: correlationID, cause: err}
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &Error{Kind: KindTimeout, Message: "request timed out", CorrelationID: correlationID, cause: err}
		default:
			return nil, &Error{Kind: KindUnavailable, Message: "connect", CorrelationID: correlationID, cause: err}
		}
	}

	if resp.StatusCode >= 400 {
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, &Error{
			Kind:          classifyStatus(resp.StatusCode),
			Status:        resp.StatusCode,
			Message:       msg,
			CorrelationID: correlationID,
		}
	}
	return resp, nil
}

func (c *Client) ctxError(ctx context.Context, correlationID string) *Error {
	kind := KindTimeout
	if errors.Is(ctx.Err(), context.Canceled) {
		kind = KindUnavailable
	}
	return &Error{Kind: kind, Message: ctx.Err().Error(), CorrelationID: correlationID, cause: ctx.Err()}
}

// readErrorBody extracts a short diagnostic from an error response.
// Bodies are capped so a misbehaving upstream can't balloon our logs.
func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(b) == 0 {
		return "no response body"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(b)
}
