package bulk_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/bulk"
	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/testutil"
)

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

func setup(t *testing.T) (uuid.UUID, *bulk.Coordinator) {
	t.Helper()
	tenantID, err := testDB.CreateTenant(context.Background(), "Acme",
		fmt.Sprintf("acme-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	return tenantID, bulk.NewCoordinator(testDB, testutil.TestLogger())
}

func pendingItem(t *testing.T, tenantID uuid.UUID, title string) model.QueueItem {
	t.Helper()
	item, err := testDB.CreateQueueItem(context.Background(), tenantID, title, time.Now())
	require.NoError(t, err)
	return item
}

func TestApplyAllSucceed(t *testing.T) {
	ctx := context.Background()
	tenantID, coord := setup(t)

	a := pendingItem(t, tenantID, "item A")
	b := pendingItem(t, tenantID, "item B")

	report, err := coord.Apply(ctx, tenantID, model.BulkActionRequest{
		IDs:    []uuid.UUID{a.ID, b.ID},
		Action: model.BulkActionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, report.Succeeded)
	assert.Empty(t, report.Failed)

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, err := testDB.GetQueueItem(ctx, tenantID, id)
		require.NoError(t, err)
		assert.Equal(t, model.ItemStatusApproved, got.Status)
	}
}

func TestApplyIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	tenantID, coord := setup(t)

	a := pendingItem(t, tenantID, "item A")
	missing := uuid.New()
	c := pendingItem(t, tenantID, "item C")

	report, err := coord.Apply(ctx, tenantID, model.BulkActionRequest{
		IDs:    []uuid.UUID{a.ID, missing, c.ID},
		Action: model.BulkActionApprove,
	})
	require.NoError(t, err)

	// A and C go through even though the middle item failed.
	assert.Equal(t, []uuid.UUID{a.ID, c.ID}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, missing, report.Failed[0].ID)
	assert.Equal(t, "item not found", report.Failed[0].Error)
}

func TestApplyReportsAlreadyResolved(t *testing.T) {
	ctx := context.Background()
	tenantID, coord := setup(t)

	a := pendingItem(t, tenantID, "resolved item")
	require.NoError(t, testDB.ApplyAction(ctx, tenantID, a.ID, model.BulkActionApprove, nil))

	report, err := coord.Apply(ctx, tenantID, model.BulkActionRequest{
		IDs:    []uuid.UUID{a.ID},
		Action: model.BulkActionApprove,
	})
	require.NoError(t, err)
	assert.Empty(t, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "item already resolved", report.Failed[0].Error)
}

func TestApplyRejectRequiresReason(t *testing.T) {
	ctx := context.Background()
	tenantID, coord := setup(t)
	a := pendingItem(t, tenantID, "needs reason")

	// Fail-fast: nothing is touched when the batch itself is invalid.
	_, err := coord.Apply(ctx, tenantID, model.BulkActionRequest{
		IDs:    []uuid.UUID{a.ID},
		Action: model.BulkActionReject,
	})
	require.Error(t, err)

	got, err := testDB.GetQueueItem(ctx, tenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusPending, got.Status)
}

func TestApplyRejectWithReason(t *testing.T) {
	ctx := context.Background()
	tenantID, coord := setup(t)
	a := pendingItem(t, tenantID, "rejected item")
	reason := "out of policy"

	report, err := coord.Apply(ctx, tenantID, model.BulkActionRequest{
		IDs:    []uuid.UUID{a.ID},
		Action: model.BulkActionReject,
		Reason: &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, report.Succeeded)

	got, err := testDB.GetQueueItem(ctx, tenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusRejected, got.Status)
	require.NotNil(t, got.Notes)
	assert.Equal(t, reason, *got.Notes)
}

func TestApplyTenantIsolation(t *testing.T) {
	ctx := context.Background()
	tenantID, coord := setup(t)
	otherTenant, _ := setup(t)

	foreign := pendingItem(t, otherTenant, "foreign item")

	report, err := coord.Apply(ctx, tenantID, model.BulkActionRequest{
		IDs:    []uuid.UUID{foreign.ID},
		Action: model.BulkActionApprove,
	})
	require.NoError(t, err)
	assert.Empty(t, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "item not found", report.Failed[0].Error, "cross-tenant items must look nonexistent")

	got, err := testDB.GetQueueItem(ctx, otherTenant, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusPending, got.Status)
}

func TestApplyRejectsOversizedBatch(t *testing.T) {
	tenantID, coord := setup(t)

	ids := make([]uuid.UUID, model.MaxBulkItems+1)
	for i := range ids {
		ids[i] = uuid.New()
	}
	_, err := coord.Apply(context.Background(), tenantID, model.BulkActionRequest{
		IDs:    ids,
		Action: model.BulkActionApprove,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum batch size")
}
