package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// jobLease must exceed the time a worker spends on one batch so a
// second worker cannot steal jobs still being processed.
const jobLease = 2 * time.Minute

// Worker drains the durable escalation queue. It claims batches with
// FOR UPDATE SKIP LOCKED, processes jobs with bounded parallelism, and
// records a terminal state per job: completed when the item was
// escalated, skipped when it was no longer eligible, failed after the
// attempt budget is spent.
type Worker struct {
	db           *storage.DB
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	maxAttempts  int

	processed metric.Int64Counter

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
	wakeup   chan struct{}
}

// NewWorker creates a queue worker.
func NewWorker(db *storage.DB, logger *slog.Logger, pollInterval time.Duration, batchSize, concurrency, maxAttempts int) *Worker {
	meter := telemetry.Meter("tsunagi/escalation")
	processed, _ := meter.Int64Counter("tsunagi.escalation.jobs_processed")

	w := &Worker{
		db:           db,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		concurrency:  concurrency,
		maxAttempts:  maxAttempts,
		processed:    processed,
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
	}
	w.registerDepthGauge()
	return w
}

// registerDepthGauge exposes the pending queue depth as an observable
// gauge so backlog growth is visible before items go stale.
func (w *Worker) registerDepthGauge() {
	meter := telemetry.Meter("tsunagi/escalation")
	gauge, err := meter.Int64ObservableGauge("tsunagi.escalation.queue_depth")
	if err != nil {
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		count, err := w.db.PendingJobCount(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	if err != nil {
		w.logger.Warn("failed to register queue depth gauge", "error", err)
	}
}

// Start launches the poll loop.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.stopped)
		w.logger.Info("escalation worker started",
			"poll_interval", w.pollInterval,
			"batch_size", w.batchSize,
			"concurrency", w.concurrency,
		)
		for {
			n, err := w.processBatch(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.Error("escalation batch failed", "error", err)
			}
			if n > 0 {
				// Keep draining while there is work.
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-w.wakeup:
			case <-time.After(w.pollInterval):
			}
		}
	}()
}

// Wake nudges the worker to poll immediately. Used after a manual
// trigger so operators see results without waiting a poll interval.
func (w *Worker) Wake() {
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
}

// Drain stops the poll loop and waits up to timeout for the in-flight
// batch to finish. Jobs not finished keep their lease and are retried
// after it expires, so a hard timeout loses no work.
func (w *Worker) Drain(timeout time.Duration) error {
	w.stopOnce.Do(func() { close(w.done) })
	select {
	case <-w.stopped:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("escalation worker: drain timed out after %s", timeout)
	}
}

// processBatch claims and processes one batch. Returns the number of
// jobs claimed.
func (w *Worker) processBatch(ctx context.Context) (int, error) {
	jobs, err := w.db.DequeueJobs(ctx, w.batchSize, jobLease)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.processJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// processJob escalates one item. The claim re-checks eligibility, so a
// job enqueued for an item that was approved in the meantime resolves
// as skipped rather than flipping the item's state.
func (w *Worker) processJob(ctx context.Context, job model.EscalationJob) {
	// Reclaimed jobs carry their lease expiries as attempts; once the
	// budget is spent the job dead-letters rather than cycling forever.
	if job.Attempts >= w.maxAttempts {
		w.failJob(ctx, job, fmt.Errorf("attempt budget exhausted (%d attempts)", job.Attempts))
		return
	}

	cfg, err := w.db.GetEscalationConfig(ctx, job.TenantID)
	if err != nil {
		w.failJob(ctx, job, fmt.Errorf("load config: %w", err))
		return
	}
	if !cfg.Enabled {
		// Tenant disabled escalation after the job was enqueued.
		w.finishJob(ctx, job, model.JobStatusSkipped)
		return
	}

	item, claimed, err := w.db.ClaimEscalation(ctx, job.ItemID, cfg.TargetUserID)
	if err != nil {
		w.failJob(ctx, job, fmt.Errorf("claim: %w", err))
		return
	}
	if !claimed {
		w.finishJob(ctx, job, model.JobStatusSkipped)
		return
	}

	// Side effects after the claim. Emission failures do not unwind the
	// escalation: the item state is the source of truth and the events
	// are advisory.
	w.emitEvents(ctx, job, item, cfg)
	w.finishJob(ctx, job, model.JobStatusCompleted)

	w.logger.Info("item escalated",
		"item_id", item.ID,
		"tenant_id", item.TenantID,
		"job_id", job.ID,
		"item_age", time.Since(item.CreatedAt).Round(time.Second).String(),
	)
}

// emitEvents publishes the escalation event and, when the tenant wants
// them, a notification intent for external delivery.
func (w *Worker) emitEvents(ctx context.Context, job model.EscalationJob, item model.QueueItem, cfg model.EscalationConfig) {
	escalatedAt := time.Now().UTC()
	if item.EscalatedAt != nil {
		escalatedAt = *item.EscalatedAt
	}

	ev := model.ItemEscalatedEvent{
		ItemID:      item.ID,
		TenantID:    item.TenantID,
		AssignedTo:  item.AssignedTo,
		EscalatedAt: escalatedAt,
		ItemAge:     time.Since(item.CreatedAt).Round(time.Second).String(),
		JobID:       job.ID,
	}
	if payload, err := json.Marshal(ev); err == nil {
		if err := w.db.Notify(ctx, storage.ChannelEscalations, string(payload)); err != nil {
			w.logger.Warn("failed to emit escalation event", "item_id", item.ID, "error", err)
		}
	}

	if !cfg.NotificationsEnabled {
		return
	}
	intent := model.NotificationIntentEvent{
		ItemID:      item.ID,
		TenantID:    item.TenantID,
		TargetUser:  cfg.TargetUserID,
		EscalatedAt: escalatedAt,
	}
	if payload, err := json.Marshal(intent); err == nil {
		if err := w.db.Notify(ctx, storage.ChannelNotifications, string(payload)); err != nil {
			w.logger.Warn("failed to emit notification intent", "item_id", item.ID, "error", err)
		}
	}
}

func (w *Worker) finishJob(ctx context.Context, job model.EscalationJob, status model.JobStatus) {
	if err := w.db.FinishJob(ctx, job.ID, status); err != nil {
		w.logger.Error("failed to finish job", "job_id", job.ID, "error", err)
		return
	}
	w.count(ctx, status)
}

func (w *Worker) failJob(ctx context.Context, job model.EscalationJob, cause error) {
	w.logger.Warn("escalation job attempt failed",
		"job_id", job.ID,
		"item_id", job.ItemID,
		"attempt", job.Attempts+1,
		"error", cause,
	)
	if err := w.db.FailJob(ctx, job.ID, cause.Error(), w.maxAttempts); err != nil {
		w.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		return
	}
	w.count(ctx, model.JobStatusFailed)
}

func (w *Worker) count(ctx context.Context, status model.JobStatus) {
	if w.processed != nil {
		w.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}
