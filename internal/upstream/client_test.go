package upstream_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/testutil"
	"github.com/ashita-ai/tsunagi/internal/upstream"
)

// staticTokens satisfies TokenSource with a fixed credential.
type staticTokens struct{ token string }

func (s staticTokens) Bearer(uuid.UUID, string) (string, error) {
	return s.token, nil
}

func newTestClient(t *testing.T, baseURL string, opts upstream.Options) *upstream.Client {
	t.Helper()
	if opts.Backoff == 0 {
		// Keep retry delays out of the test runtime.
		opts.Backoff = 5 * time.Millisecond
	}
	return upstream.NewClient(baseURL, staticTokens{token: "test-token"}, testutil.TestLogger(), opts)
}

func runRequest(tenantID uuid.UUID) model.AgentRunRequest {
	return model.AgentRunRequest{
		Message:       "summarize the quarterly report",
		CorrelationID: "corr-1",
		AgentID:       "reporter",
		TenantID:      tenantID,
		UserID:        "user-7",
	}
}

func TestInvokeSuccess(t *testing.T) {
	tenantID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/agents/reporter/invoke", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, tenantID.String(), r.Header.Get("X-Tenant-ID"))
		assert.Equal(t, "user-7", r.Header.Get("X-User-ID"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-ID"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":"done","status":"completed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{})
	result, err := client.Invoke(context.Background(), runRequest(tenantID))
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content)
	assert.Equal(t, "completed", result.Status)
}

func TestInvokeRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail the first two attempts, succeed on the third.
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"content":"recovered","status":"completed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 3})
	result, err := client.Invoke(context.Background(), runRequest(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Content)
	assert.Equal(t, int32(3), calls.Load(), "should have taken exactly 3 attempts")
}

func TestInvokeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 3})
	_, err := client.Invoke(context.Background(), runRequest(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var uerr *upstream.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, upstream.KindUnavailable, uerr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, uerr.Status)
	assert.Equal(t, "corr-1", uerr.CorrelationID)
}

func TestInvokeDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad credentials"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 3})
	_, err := client.Invoke(context.Background(), runRequest(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")

	var uerr *upstream.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, upstream.KindUnauthorized, uerr.Kind)
	assert.False(t, uerr.Retryable())
	assert.Contains(t, uerr.Message, "bad credentials")
}

func TestInvokeDoesNotRetryInvalidRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 3})
	_, err := client.Invoke(context.Background(), runRequest(uuid.New()))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var uerr *upstream.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, upstream.KindInvalidRequest, uerr.Kind)
}

func TestInvokeRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"content":"ok","status":"completed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 2})
	result, err := client.Invoke(context.Background(), runRequest(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 1, Timeout: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Invoke(ctx, runRequest(uuid.New()))
	require.Error(t, err)

	var uerr *upstream.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, upstream.KindTimeout, uerr.Kind)
}

func TestOpenStreamReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/reporter/invoke/stream", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: chunk\ndata: {\"text\":\"hi\"}\n\n"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{})
	body, err := client.OpenStream(context.Background(), runRequest(uuid.New()))
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "event: chunk")
}

func TestOpenStreamConnectFailureClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 2})
	_, err := client.OpenStream(context.Background(), runRequest(uuid.New()))
	require.Error(t, err)

	var uerr *upstream.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, upstream.KindUnavailable, uerr.Kind)
}

func TestPollMirrorsRunPath(t *testing.T) {
	tenantID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/v1/agents/reporter/runs/corr-1", r.URL.Path)
		assert.Equal(t, tenantID.String(), r.Header.Get("X-Tenant-ID"))
		assert.Equal(t, "corr-1", r.Header.Get("X-Correlation-ID"))
		_, _ = w.Write([]byte(`{"content":"done","status":"completed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{})
	result, err := client.Poll(context.Background(), "reporter", tenantID, "user-7", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
}

func TestInvokeBackoffDoubles(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"content":"recovered","status":"completed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, upstream.Options{Retries: 3, Backoff: 50 * time.Millisecond})
	start := time.Now()
	_, err := client.Invoke(context.Background(), runRequest(uuid.New()))
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())

	// The first retry waits the base delay, the second twice that.
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}
