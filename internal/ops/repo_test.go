package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shopsyncd/internal/store"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	st, err := store.OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewRepository(st)
}

func seedOperation(t *testing.T, repo *Repository, id, tenantID string, typ Type) *Operation {
	t.Helper()
	op := &Operation{
		ID:          id,
		TenantID:    tenantID,
		Type:        typ,
		TotalSteps:  3,
		BlocksReads: typ.BlocksReads(),
		MaxRetries:  3,
	}
	require.NoError(t, repo.Create(context.Background(), op))
	return op
}

func TestRepositoryCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedOperation(t, repo, "op-1", "acme", TypeInitialConnect)

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, TypeInitialConnect, got.Type)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.BlocksReads)
	assert.Equal(t, 0, got.ProgressPercent)
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.StartedAt.IsZero())
}

func TestRepositoryCreateUnknownType(t *testing.T) {
	repo := newTestRepo(t)
	err := repo.Create(context.Background(), &Operation{ID: "op-1", TenantID: "acme", Type: "defrag"})
	require.Error(t, err)
}

func TestRepositoryGetMissing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRepositoryUpdateStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypePeriodicResync)

	require.NoError(t, repo.UpdateStatus(ctx, "op-1", StatusPending, StatusStarting))
	require.NoError(t, repo.UpdateStatus(ctx, "op-1", StatusStarting, StatusInProgress))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)

	// Stored status no longer matches the expected "from", so the
	// compare-and-set must refuse.
	err = repo.UpdateStatus(ctx, "op-1", StatusPending, StatusStarting)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Illegal transitions are rejected before touching the row.
	err = repo.UpdateStatus(ctx, "op-1", StatusInProgress, StatusCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRepositoryProgressMonotonic(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypePeriodicResync)

	require.NoError(t, repo.RecordProgress(ctx, "op-1", 2, 3, 66, "generating embeddings", nil))

	// A stale lower write must not move progress backwards.
	require.NoError(t, repo.RecordProgress(ctx, "op-1", 1, 3, 33, "fetching catalog", nil))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 66, got.ProgressPercent)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "fetching catalog", got.StepDescription)
}

func TestRepositoryProgressETA(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypeManualResync)

	eta := time.Now().UTC().Add(90 * time.Second)
	require.NoError(t, repo.RecordProgress(ctx, "op-1", 1, 3, 33, "fetching catalog", &eta))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedCompletionAt)
	assert.WithinDuration(t, eta, *got.EstimatedCompletionAt, time.Second)
}

func TestRepositoryMarkCompleted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypePeriodicResync)

	require.NoError(t, repo.MarkCompleted(ctx, "op-1"))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	require.NotNil(t, got.CompletedAt)
}

func TestRepositoryTerminalIsImmutable(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypeDisconnect)

	require.NoError(t, repo.MarkFailed(ctx, "op-1", "store unreachable"))

	// Once terminal, neither a second finish nor a progress write lands.
	require.ErrorIs(t, repo.MarkCompleted(ctx, "op-1"), ErrInvalidTransition)
	require.ErrorIs(t, repo.MarkCancelled(ctx, "op-1"), ErrInvalidTransition)
	require.NoError(t, repo.RecordProgress(ctx, "op-1", 3, 3, 99, "late write", nil))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "store unreachable", got.Error)
	assert.Equal(t, 0, got.ProgressPercent)
	assert.Empty(t, got.StepDescription)
}

func TestRepositoryListActiveByTenant(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedOperation(t, repo, "op-1", "acme", TypeInitialConnect)
	seedOperation(t, repo, "op-2", "acme", TypePeriodicResync)
	seedOperation(t, repo, "op-3", "globex", TypeInitialConnect)
	require.NoError(t, repo.MarkCompleted(ctx, "op-1"))

	active, err := repo.ListActiveByTenant(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "op-2", active[0].ID)

	all, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRepositoryListByTenant(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	seedOperation(t, repo, "op-1", "acme", TypeInitialConnect)
	seedOperation(t, repo, "op-2", "acme", TypePeriodicResync)

	history, err := repo.ListByTenant(ctx, "acme", 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	history, err = repo.ListByTenant(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRepositoryIsOperationActive(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypeCleanup)

	active, err := repo.IsOperationActive(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, repo.MarkCompleted(ctx, "op-1"))
	active, err = repo.IsOperationActive(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, active)

	// A missing record is treated as inactive so orphaned locks can be swept.
	active, err = repo.IsOperationActive(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRepositoryRecordRetry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedOperation(t, repo, "op-1", "acme", TypePeriodicResync)

	require.NoError(t, repo.RecordRetry(ctx, "op-1", 2))

	got, err := repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}
