// Package escalation contains the scheduler that finds overdue approval
// items and the worker that escalates them through the durable job
// queue.
//
// The split keeps responsibilities narrow: the scheduler only decides
// WHAT is overdue and enqueues jobs; the worker owns the state
// transition and its side effects. Jobs survive restarts in Postgres,
// and the claim on the item itself is a conditional UPDATE, so an item
// escalates at most once no matter how many schedulers or workers run.
package escalation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// Scheduler periodically scans enabled tenants for overdue pending
// items and enqueues escalation jobs for them. A single instance runs
// per process; the enqueue path is idempotent, so overlapping
// deployments are safe too.
type Scheduler struct {
	db        *storage.DB
	logger    *slog.Logger
	interval  time.Duration
	batchSize int

	// ticking guards against overlapping passes: a slow tick or a manual
	// trigger arriving mid-tick is skipped, not queued behind.
	ticking atomic.Bool

	ticks    metric.Int64Counter
	enqueued metric.Int64Counter

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewScheduler creates a scheduler. interval is the global cadence;
// per-tenant thresholds only control item age, never the cadence.
func NewScheduler(db *storage.DB, logger *slog.Logger, interval time.Duration, batchSize int) *Scheduler {
	meter := telemetry.Meter("tsunagi/escalation")
	ticks, _ := meter.Int64Counter("tsunagi.escalation.scheduler_ticks")
	enq, _ := meter.Int64Counter("tsunagi.escalation.jobs_enqueued")

	return &Scheduler{
		db:        db,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		ticks:     ticks,
		enqueued:  enq,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the tick loop. The first tick fires after one full
// interval, not at startup, so a crash-looping process doesn't hammer
// the scan query.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("escalation scheduler started", "interval", s.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				if _, err := s.Tick(ctx); err != nil {
					s.logger.Error("escalation tick failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the tick loop and waits for it to exit. An in-flight
// tick finishes; enqueued jobs are drained by the worker, not here.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.stopped
}

// Tick runs one scheduling pass and returns the number of jobs
// enqueued. If another pass is already running, Tick returns (0, nil)
// immediately: an overlapping pass would only find the same items.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("escalation tick skipped, previous pass still running")
		return 0, nil
	}
	defer s.ticking.Store(false)

	if s.ticks != nil {
		s.ticks.Add(ctx, 1)
	}
	start := time.Now()

	configs, err := s.db.ListEnabledEscalationConfigs(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, cfg := range configs {
		n, err := s.tickTenant(ctx, cfg)
		if err != nil {
			// One tenant's failure must not starve the rest.
			s.logger.Error("escalation scan failed for tenant",
				"tenant_id", cfg.TenantID, "error", err)
			continue
		}
		total += n
	}

	if total > 0 && s.enqueued != nil {
		s.enqueued.Add(ctx, int64(total))
	}
	s.logger.Info("escalation tick complete",
		"tenants", len(configs),
		"enqueued", total,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return total, nil
}

// tickTenant scans one tenant using its freshest config: items still
// pending, never escalated, older than the tenant's age threshold.
func (s *Scheduler) tickTenant(ctx context.Context, cfg model.EscalationConfig) (int, error) {
	cutoff := time.Now().Add(-cfg.Threshold())
	ids, err := s.db.ListDueItemIDs(ctx, cfg.TenantID, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return s.db.EnqueueEscalations(ctx, cfg.TenantID, ids)
}

// TriggerManually runs a pass outside the normal cadence, typically
// from the operations endpoint. Respects the same overlap guard.
func (s *Scheduler) TriggerManually(ctx context.Context) (model.TriggerResponse, error) {
	if s.ticking.Load() {
		return model.TriggerResponse{
			JobID:  uuid.New(),
			Status: "already_running",
		}, nil
	}
	n, err := s.Tick(ctx)
	if err != nil {
		return model.TriggerResponse{}, err
	}
	return model.TriggerResponse{
		JobID:    uuid.New(),
		Status:   "completed",
		Enqueued: n,
	}, nil
}

// QueueStatus reports the durable queue's job counts by state.
func (s *Scheduler) QueueStatus(ctx context.Context) (model.QueueStatus, error) {
	return s.db.CountJobsByStatus(ctx)
}
