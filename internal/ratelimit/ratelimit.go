// Package ratelimit provides fixed-window rate limiting for the bridge.
//
// Counters live in a shared Redis store so limits hold across
// instances. When Redis is not configured or unreachable, the limiter
// degrades to an in-process window per key: cross-instance isolation is
// lost but the service stays available and per-instance quotas still
// apply. Fixed windows were chosen over rolling windows for simplicity;
// the reset time is exact and Retry-After falls out of the window edge.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// Rule describes one endpoint class's quota.
type Rule struct {
	Prefix string        // Namespace for the counter key (e.g. "runs").
	Limit  int           // Requests permitted per window.
	Window time.Duration // Fixed window length.
}

// Result is the outcome of one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before retrying.
// Zero when the request was allowed.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	d := time.Until(r.ResetAt)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// FormatHeaders returns the standard X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key should be allowed.
// Safe for concurrent use.
type Limiter struct {
	rdb    *redis.Client // nil = in-process windows only
	local  *localWindows
	logger *slog.Logger

	// degraded tracks an ongoing Redis outage so the fallback is logged
	// once per outage rather than per request.
	degraded atomic.Bool

	rejections metric.Int64Counter
}

// New creates a limiter. rdb may be nil, in which case the limiter runs
// entirely on in-process counters. Call Close to stop the fallback's
// cleanup goroutine; the Redis client is owned by the caller.
func New(rdb *redis.Client, logger *slog.Logger) *Limiter {
	rejections, _ := telemetry.Meter("tsunagi/ratelimit").Int64Counter("tsunagi.ratelimit.rejections")
	return &Limiter{
		rdb:        rdb,
		local:      newLocalWindows(),
		logger:     logger,
		rejections: rejections,
	}
}

// Allow consumes one unit of the key's quota under the given rule.
// A limiter malfunction never blocks traffic: on Redis errors the
// decision falls back to the in-process window.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	if l.rdb != nil {
		res, err := l.allowRedis(ctx, rule, key)
		if err == nil {
			if l.degraded.CompareAndSwap(true, false) {
				l.logger.Info("ratelimit: shared counter store recovered")
			}
			l.observe(ctx, rule, res)
			return res
		}
		if l.degraded.CompareAndSwap(false, true) {
			l.logger.Warn("ratelimit: shared counter store unreachable, using in-process fallback", "error", err)
		}
	}

	res := l.local.allow(rule, key, time.Now())
	l.observe(ctx, rule, res)
	return res
}

func (l *Limiter) observe(ctx context.Context, rule Rule, res Result) {
	if !res.Allowed && l.rejections != nil {
		l.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule.Prefix)))
	}
}

// allowRedis implements the fixed window on Redis: one counter per
// (rule, key, window start), INCR + EXPIRE pipelined so the counter
// can't leak without a TTL.
func (l *Limiter) allowRedis(ctx context.Context, rule Rule, key string) (Result, error) {
	now := time.Now()
	windowStart := now.Truncate(rule.Window)
	resetAt := windowStart.Add(rule.Window)

	counterKey := fmt.Sprintf("ratelimit:%s:%s:%d", rule.Prefix, key, windowStart.Unix())

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	// Expire a little past the window edge so late readers still see it.
	pipe.Expire(ctx, counterKey, rule.Window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	count := int(incr.Val())
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Close stops the in-process fallback's cleanup goroutine.
func (l *Limiter) Close() error {
	l.local.close()
	return nil
}
