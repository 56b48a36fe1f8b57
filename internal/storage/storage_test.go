package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func createTenant(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := testDB.CreateTenant(context.Background(), "Acme",
		fmt.Sprintf("acme-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	return id
}

func TestEscalationConfigDefaults(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)

	// A tenant that never saved a config gets the default policy.
	cfg, err := testDB.GetEscalationConfig(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, cfg.TenantID)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 60, cfg.CheckIntervalMinutes)
	assert.True(t, cfg.NotificationsEnabled)
}

func TestEscalationConfigUpsert(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	target := "supervisor"

	require.NoError(t, testDB.UpsertEscalationConfig(ctx, model.EscalationConfig{
		TenantID:             tenantID,
		Enabled:              true,
		CheckIntervalMinutes: 30,
		TargetUserID:         &target,
		NotificationsEnabled: false,
	}))

	cfg, err := testDB.GetEscalationConfig(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30, cfg.CheckIntervalMinutes)
	require.NotNil(t, cfg.TargetUserID)
	assert.Equal(t, target, *cfg.TargetUserID)
	assert.False(t, cfg.NotificationsEnabled)

	// Second upsert replaces, not duplicates.
	require.NoError(t, testDB.UpsertEscalationConfig(ctx, model.EscalationConfig{
		TenantID:             tenantID,
		Enabled:              false,
		CheckIntervalMinutes: 45,
		NotificationsEnabled: true,
	}))
	cfg, err = testDB.GetEscalationConfig(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 45, cfg.CheckIntervalMinutes)
	assert.Nil(t, cfg.TargetUserID)
}

func TestEscalationConfigRejectsBadInterval(t *testing.T) {
	err := testDB.UpsertEscalationConfig(context.Background(), model.EscalationConfig{
		TenantID:             createTenant(t),
		CheckIntervalMinutes: 0,
	})
	require.Error(t, err)
}

func TestListDueItemIDs(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)

	old, err := testDB.CreateQueueItem(ctx, tenantID, "old", time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	older, err := testDB.CreateQueueItem(ctx, tenantID, "older", time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	_, err = testDB.CreateQueueItem(ctx, tenantID, "fresh", time.Now())
	require.NoError(t, err)

	ids, err := testDB.ListDueItemIDs(ctx, tenantID, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	// Oldest first.
	require.Len(t, ids, 2)
	assert.Equal(t, older.ID, ids[0])
	assert.Equal(t, old.ID, ids[1])
}

func TestClaimEscalationWinsOnce(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "claim race", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	// Fire concurrent claims; exactly one may win.
	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan model.QueueItem, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, claimed, err := testDB.ClaimEscalation(ctx, item.ID, nil)
			assert.NoError(t, err)
			if claimed {
				wins <- got
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []model.QueueItem
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one claim must win")
	assert.Equal(t, model.ItemStatusEscalated, winners[0].Status)
	assert.NotNil(t, winners[0].EscalatedAt)
}

func TestClaimEscalationIneligibleItem(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "approved first", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, testDB.ApplyAction(ctx, tenantID, item.ID, model.BulkActionApprove, nil))

	_, claimed, err := testDB.ClaimEscalation(ctx, item.ID, nil)
	require.NoError(t, err)
	assert.False(t, claimed, "approved items must not be claimable")
}

func TestApplyActionOnEscalatedItem(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "escalated then rejected", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	_, claimed, err := testDB.ClaimEscalation(ctx, item.ID, nil)
	require.NoError(t, err)
	require.True(t, claimed)

	// Escalated items can still be approved or rejected.
	notes := "duplicate request"
	require.NoError(t, testDB.ApplyAction(ctx, tenantID, item.ID, model.BulkActionReject, &notes))

	got, err := testDB.GetQueueItem(ctx, tenantID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusRejected, got.Status)
	require.NotNil(t, got.Notes)
	assert.Equal(t, notes, *got.Notes)
}

func TestApplyActionErrors(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)

	err := testDB.ApplyAction(ctx, tenantID, uuid.New(), model.BulkActionApprove, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	item, err := testDB.CreateQueueItem(ctx, tenantID, "double approve", time.Now())
	require.NoError(t, err)
	require.NoError(t, testDB.ApplyAction(ctx, tenantID, item.ID, model.BulkActionApprove, nil))

	err = testDB.ApplyAction(ctx, tenantID, item.ID, model.BulkActionApprove, nil)
	assert.ErrorIs(t, err, storage.ErrNotEligible)
}

func TestEnqueueEscalationsIdempotent(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "queued once", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	n, err := testDB.EnqueueEscalations(ctx, tenantID, []uuid.UUID{item.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-enqueue while the job is still live is a no-op.
	n, err = testDB.EnqueueEscalations(ctx, tenantID, []uuid.UUID{item.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDequeueJobsLeases(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "leased", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = testDB.EnqueueEscalations(ctx, tenantID, []uuid.UUID{item.ID})
	require.NoError(t, err)

	jobs, err := testDB.DequeueJobs(ctx, 100, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)

	var job *model.EscalationJob
	for i := range jobs {
		if jobs[i].ItemID == item.ID {
			job = &jobs[i]
		}
	}
	require.NotNil(t, job)
	assert.Equal(t, model.JobStatusRunning, job.Status)

	// A second dequeue within the lease must not hand the job out again.
	again, err := testDB.DequeueJobs(ctx, 100, time.Minute)
	require.NoError(t, err)
	for _, j := range again {
		assert.NotEqual(t, job.ID, j.ID, "leased job must not be re-dequeued")
	}

	require.NoError(t, testDB.FinishJob(ctx, job.ID, model.JobStatusCompleted))
	got, err := testDB.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestFailJobRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "flaky", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = testDB.EnqueueEscalations(ctx, tenantID, []uuid.UUID{item.ID})
	require.NoError(t, err)

	jobs, err := testDB.DequeueJobs(ctx, 100, time.Minute)
	require.NoError(t, err)
	var jobID int64
	for _, j := range jobs {
		if j.ItemID == item.ID {
			jobID = j.ID
		}
	}
	require.NotZero(t, jobID)

	// First failure: back to pending with the attempt recorded.
	require.NoError(t, testDB.FailJob(ctx, jobID, "boom", 2))
	job, err := testDB.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "boom", *job.LastError)

	// Second failure hits the attempt budget: dead-lettered, kept for
	// inspection.
	require.NoError(t, testDB.FailJob(ctx, jobID, "boom again", 2))
	job, err = testDB.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.NotNil(t, job.FinishedAt)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)

	run := model.AgentRun{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AgentID:       "reporter",
		UserID:        "user-1",
		CorrelationID: uuid.New().String(),
		Status:        model.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateRun(ctx, run))

	content := "the answer"
	require.NoError(t, testDB.FinishRun(ctx, tenantID, run.ID, model.RunStatusCompleted, &content, nil, 1234))

	got, err := testDB.GetRun(ctx, tenantID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Content)
	assert.Equal(t, content, *got.Content)
	require.NotNil(t, got.DurationMs)
	assert.Equal(t, int64(1234), *got.DurationMs)

	// Terminal runs are never re-finished.
	err = testDB.FinishRun(ctx, tenantID, run.ID, model.RunStatusFailed, nil, nil, 1)
	assert.ErrorIs(t, err, storage.ErrNotEligible)

	got, err = testDB.GetRun(ctx, tenantID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status, "terminal state must stick")
}

func TestGetRunWrongTenant(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	otherTenant := createTenant(t)

	run := model.AgentRun{
		ID:            uuid.New(),
		TenantID:      tenantID,
		AgentID:       "reporter",
		UserID:        "user-1",
		CorrelationID: uuid.New().String(),
		Status:        model.RunStatusRunning,
		StartedAt:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateRun(ctx, run))

	_, err := testDB.GetRun(ctx, otherTenant, run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "runs must be tenant-scoped")
}

func TestDequeueReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	tenantID := createTenant(t)
	item, err := testDB.CreateQueueItem(ctx, tenantID, "stranded", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = testDB.EnqueueEscalations(ctx, tenantID, []uuid.UUID{item.ID})
	require.NoError(t, err)

	find := func(jobs []model.EscalationJob) *model.EscalationJob {
		for i := range jobs {
			if jobs[i].ItemID == item.ID {
				return &jobs[i]
			}
		}
		return nil
	}

	// Claim with a short lease and never finish, as if the worker
	// crashed mid-flight.
	jobs, err := testDB.DequeueJobs(ctx, 100, 500*time.Millisecond)
	require.NoError(t, err)
	job := find(jobs)
	require.NotNil(t, job)
	assert.Equal(t, 0, job.Attempts)

	// Within the lease the job stays invisible.
	jobs, err = testDB.DequeueJobs(ctx, 100, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, find(jobs))

	time.Sleep(700 * time.Millisecond)

	// Past the lease the stranded job is handed out again, the reclaim
	// counted as an attempt so a crash loop eventually dead-letters.
	jobs, err = testDB.DequeueJobs(ctx, 100, time.Minute)
	require.NoError(t, err)
	reclaimed := find(jobs)
	require.NotNil(t, reclaimed, "expired-lease job must become dequeueable again")
	assert.Equal(t, model.JobStatusRunning, reclaimed.Status)
	assert.Equal(t, 1, reclaimed.Attempts)

	got, err := testDB.GetJob(ctx, reclaimed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "lease expired", *got.LastError)
}
