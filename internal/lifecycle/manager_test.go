package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shopsyncd/internal/catalog"
	"github.com/fyrsmithlabs/shopsyncd/internal/lockreg"
	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
	"github.com/fyrsmithlabs/shopsyncd/internal/store"
	"github.com/fyrsmithlabs/shopsyncd/internal/tenant"
	"github.com/fyrsmithlabs/shopsyncd/internal/vectorstore"
)

type fakeSource struct {
	mu   sync.Mutex
	docs []catalog.Document
	err  error
}

func (s *fakeSource) FetchCatalog(_ context.Context, _ string) ([]catalog.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type fakeVectorStore struct {
	mu       sync.Mutex
	upserted map[string][]vectorstore.Point
	deleted  []string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{upserted: make(map[string][]vectorstore.Point)}
}

func (f *fakeVectorStore) Upsert(_ context.Context, namespace string, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted[namespace] = points
	return nil
}

func (f *fakeVectorStore) Query(_ context.Context, _ string, _ []float32, _ int) ([]vectorstore.ScoredDocument, error) {
	return nil, nil
}

func (f *fakeVectorStore) DeleteNamespace(_ context.Context, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.upserted, namespace)
	f.deleted = append(f.deleted, namespace)
	return nil
}

func (f *fakeVectorStore) Count(_ context.Context, namespace string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserted[namespace]), nil
}

func (f *fakeVectorStore) Close() error { return nil }

func (f *fakeVectorStore) deletedNamespaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type managerFixture struct {
	manager   *Manager
	tenants   *tenant.Repository
	opsRepo   *ops.Repository
	locks     *lockreg.Registry
	schedules *ScheduleRepository
	source    *fakeSource
	vectors   *fakeVectorStore
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	st, err := store.OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tenants := tenant.NewRepository(st)
	opsRepo := ops.NewRepository(st)
	locks := lockreg.NewRegistry(st, nil)
	schedules := NewScheduleRepository(st)
	source := &fakeSource{docs: []catalog.Document{
		{ID: "p-1", Kind: catalog.KindProduct, Title: "Widget", Content: "A fine widget."},
		{ID: "p-2", Kind: catalog.KindProduct, Title: "Gadget", Content: "A finer gadget."},
	}}
	vectors := newFakeVectorStore()

	executor := ops.NewExecutor(opsRepo, locks, nil, ops.ExecutorConfig{
		Retry: ops.RetryConfig{
			MaxRetries:        1,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		LockAcquireTimeout: 250 * time.Millisecond,
	}, nil)

	manager, err := NewManager(Config{ResyncInterval: time.Minute}, Deps{
		Tenants:    tenants,
		Operations: opsRepo,
		Locks:      locks,
		Executor:   executor,
		Schedules:  schedules,
		Source:     source,
		Embedder:   fakeEmbedder{},
		Vectors:    vectors,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return &managerFixture{
		manager:   manager,
		tenants:   tenants,
		opsRepo:   opsRepo,
		locks:     locks,
		schedules: schedules,
		source:    source,
		vectors:   vectors,
	}
}

// waitUnlocked polls until the tenant lock is released. The release runs
// after the terminal status lands, so tests that chain operations wait
// for both.
func waitUnlocked(t *testing.T, f *managerFixture, tenantID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		locked, err := f.locks.IsLocked(context.Background(), tenantID)
		return err == nil && !locked
	}, time.Second, 10*time.Millisecond)
}

// waitTerminal polls until the operation reaches a terminal status.
func waitTerminal(t *testing.T, f *managerFixture, operationID string) *ops.Operation {
	t.Helper()
	var got *ops.Operation
	require.Eventually(t, func() bool {
		op, err := f.opsRepo.Get(context.Background(), operationID)
		if err != nil {
			return false
		}
		got = op
		return op.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestManagerDepsValidation(t *testing.T) {
	_, err := NewManager(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestManagerOnConnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	op, err := f.manager.OnConnect(ctx, "acme", "https://acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, ops.TypeInitialConnect, op.Type)
	assert.True(t, op.BlocksReads)

	got := waitTerminal(t, f, op.ID)
	assert.Equal(t, ops.StatusCompleted, got.Status)

	// The namespace now holds the fetched catalog.
	require.Eventually(t, func() bool {
		n, err := f.vectors.Count(ctx, tenant.Namespace("acme"))
		return err == nil && n == 2
	}, time.Second, 10*time.Millisecond)

	// Success registers the periodic resync schedule and stamps the sync time.
	require.Eventually(t, func() bool {
		s, err := f.schedules.Get(ctx, "acme")
		return err == nil && !s.Cancelled && s.Interval == time.Minute
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		tn, err := f.tenants.Get(ctx, "acme")
		return err == nil && tn.LastSyncAt != nil
	}, time.Second, 10*time.Millisecond)

	waitUnlocked(t, f, "acme")
}

func TestManagerOnConnectInvalidID(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.OnConnect(context.Background(), "Not Valid!", "https://x.example.com")
	require.ErrorIs(t, err, tenant.ErrInvalidTenantID)
}

func TestManagerOnConnectRejectsWhileInFlight(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-running", TenantID: "acme", Type: ops.TypePeriodicResync,
	}))

	_, err := f.manager.OnConnect(ctx, "acme", "https://acme.example.com")
	require.ErrorIs(t, err, ErrOperationInFlight)
}

func TestManagerOnConnectReactivates(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Create(ctx, &tenant.Tenant{ID: "acme", Active: false}))

	op, err := f.manager.OnConnect(ctx, "acme", "https://acme.example.com")
	require.NoError(t, err)
	waitTerminal(t, f, op.ID)

	tn, err := f.tenants.Get(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, tn.Active)
}

func TestManagerResyncRuns(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	op, err := f.manager.OnConnect(ctx, "acme", "https://acme.example.com")
	require.NoError(t, err)
	waitTerminal(t, f, op.ID)
	waitUnlocked(t, f, "acme")

	resync, skipped, err := f.manager.OnResyncTrigger(ctx, "acme", true)
	require.NoError(t, err)
	require.False(t, skipped)
	assert.Equal(t, ops.TypeManualResync, resync.Type)
	assert.False(t, resync.BlocksReads)

	got := waitTerminal(t, f, resync.ID)
	assert.Equal(t, ops.StatusCompleted, got.Status)
}

func TestManagerResyncSkippedWhenLocked(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Create(ctx, &tenant.Tenant{ID: "acme", Active: true}))
	acquired, _, err := f.locks.TryAcquire(ctx, "acme", string(ops.TypeInitialConnect), "holder-op")
	require.NoError(t, err)
	require.True(t, acquired)

	// The skip must come back immediately. Queueing for the lock would
	// wait out the executor's full acquire timeout.
	start := time.Now()
	op, skipped, err := f.manager.OnResyncTrigger(ctx, "acme", false)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Nil(t, op)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestManagerResyncSkippedWhenOperationPending(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Create(ctx, &tenant.Tenant{ID: "acme", Active: true}))
	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-pending", TenantID: "acme", Type: ops.TypeManualResync,
	}))

	_, skipped, err := f.manager.OnResyncTrigger(ctx, "acme", false)
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestManagerResyncUnknownTenant(t *testing.T) {
	f := newManagerFixture(t)
	_, _, err := f.manager.OnResyncTrigger(context.Background(), "ghost", false)
	require.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestManagerResyncInactiveTenant(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Create(ctx, &tenant.Tenant{ID: "acme", Active: false}))

	_, _, err := f.manager.OnResyncTrigger(ctx, "acme", true)
	require.ErrorIs(t, err, ErrTenantInactive)
}

func TestManagerOnDisconnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	op, err := f.manager.OnConnect(ctx, "acme", "https://acme.example.com")
	require.NoError(t, err)
	waitTerminal(t, f, op.ID)
	require.Eventually(t, func() bool {
		_, err := f.schedules.Get(ctx, "acme")
		return err == nil
	}, time.Second, 10*time.Millisecond)

	disc, err := f.manager.OnDisconnect(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, ops.TypeDisconnect, disc.Type)

	got := waitTerminal(t, f, disc.ID)
	assert.Equal(t, ops.StatusCompleted, got.Status)

	// Disconnect enqueues cleanup, which removes everything the tenant owned.
	require.Eventually(t, func() bool {
		_, err := f.tenants.Get(ctx, "acme")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, f.vectors.deletedNamespaces(), tenant.Namespace("acme"))

	_, err = f.schedules.Get(ctx, "acme")
	require.ErrorIs(t, err, ErrScheduleNotFound)

	waitUnlocked(t, f, "acme")
}

func TestManagerConcurrentDisconnectAndResync(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	op, err := f.manager.OnConnect(ctx, "acme", "https://acme.example.com")
	require.NoError(t, err)
	waitTerminal(t, f, op.ID)
	waitUnlocked(t, f, "acme")

	// Fire both at the same instant. The namespace lock serializes them:
	// the disconnect always runs to completion, while the resync either
	// skips, is dropped on contention, or finishes before teardown.
	var (
		wg            sync.WaitGroup
		discOp        *ops.Operation
		discErr       error
		resyncOp      *ops.Operation
		resyncSkipped bool
		resyncErr     error
		resyncElapsed time.Duration
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		discOp, discErr = f.manager.OnDisconnect(ctx, "acme")
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		resyncOp, resyncSkipped, resyncErr = f.manager.OnResyncTrigger(ctx, "acme", true)
		resyncElapsed = time.Since(start)
	}()
	wg.Wait()

	require.NoError(t, discErr)
	got := waitTerminal(t, f, discOp.ID)
	assert.Equal(t, ops.StatusCompleted, got.Status)

	// Whatever the interleaving, the trigger never waits for the lock.
	assert.Less(t, resyncElapsed, 500*time.Millisecond)

	switch {
	case resyncErr != nil:
		// Teardown got far enough that the tenant was no longer eligible.
		assert.Nil(t, resyncOp)
	case resyncSkipped:
		assert.Nil(t, resyncOp)
	default:
		r := waitTerminal(t, f, resyncOp.ID)
		assert.Contains(t, []ops.Status{ops.StatusCompleted, ops.StatusCancelled}, r.Status)
	}

	// Teardown wins: the tenant and its namespace end up gone.
	require.Eventually(t, func() bool {
		_, err := f.tenants.Get(ctx, "acme")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.vectors.deletedNamespaces(), tenant.Namespace("acme"))
	waitUnlocked(t, f, "acme")
}

func TestManagerOnDisconnectUnknownTenant(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.OnDisconnect(context.Background(), "ghost")
	require.ErrorIs(t, err, tenant.ErrNotFound)
}

func TestManagerOnDisconnectRejectsDuplicate(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Create(ctx, &tenant.Tenant{ID: "acme", Active: true}))
	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-disc", TenantID: "acme", Type: ops.TypeDisconnect,
	}))

	_, err := f.manager.OnDisconnect(ctx, "acme")
	require.ErrorIs(t, err, ErrOperationInFlight)
}

func TestManagerFreshness(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// No lock: reads are fresh.
	fr, err := f.manager.Freshness(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, fr.CanReadFreshly)

	// Lock held by a read-blocking operation: degraded, reason named.
	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-connect", TenantID: "acme", Type: ops.TypeInitialConnect,
		BlocksReads: true,
	}))
	acquired, _, err := f.locks.TryAcquire(ctx, "acme", string(ops.TypeInitialConnect), "op-connect")
	require.NoError(t, err)
	require.True(t, acquired)

	fr, err = f.manager.Freshness(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, fr.CanReadFreshly)
	assert.Equal(t, string(ops.TypeInitialConnect), fr.Reason)

	canRead, err := f.manager.CanReadFreshly(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, canRead)

	require.NoError(t, f.locks.Release(ctx, "acme", "op-connect"))

	// Lock held by a resync: resyncs overwrite in place, reads stay fresh.
	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-resync", TenantID: "acme", Type: ops.TypePeriodicResync,
	}))
	acquired, _, err = f.locks.TryAcquire(ctx, "acme", string(ops.TypePeriodicResync), "op-resync")
	require.NoError(t, err)
	require.True(t, acquired)

	fr, err = f.manager.Freshness(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, fr.CanReadFreshly)
}

func TestManagerFreshnessOrphanedLock(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	// A lock whose holder record vanished degrades reads until the
	// stale-lock sweep clears it.
	acquired, _, err := f.locks.TryAcquire(ctx, "acme", string(ops.TypeCleanup), "ghost-op")
	require.NoError(t, err)
	require.True(t, acquired)

	fr, err := f.manager.Freshness(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, fr.CanReadFreshly)
	assert.Equal(t, string(ops.TypeCleanup), fr.Reason)
}

func TestManagerGetSystemStatus(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	status, err := f.manager.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", status.OverallStatus)
	assert.Empty(t, status.BlockedTenantIDs)

	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-1", TenantID: "acme", Type: ops.TypeInitialConnect, BlocksReads: true,
	}))
	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-2", TenantID: "globex", Type: ops.TypePeriodicResync,
	}))
	// A disconnect still queueing for another holder's lock blocks nothing.
	require.NoError(t, f.opsRepo.Create(ctx, &ops.Operation{
		ID: "op-3", TenantID: "initech", Type: ops.TypeDisconnect, BlocksReads: true,
	}))

	for _, held := range []struct{ tenant, op string }{
		{"acme", "op-1"},
		{"globex", "op-2"},
	} {
		acquired, _, err := f.locks.TryAcquire(ctx, held.tenant, "sync", held.op)
		require.NoError(t, err)
		require.True(t, acquired)
	}

	status, err = f.manager.GetSystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "degraded", status.OverallStatus)
	assert.Equal(t, []string{"acme"}, status.BlockedTenantIDs)
	assert.Len(t, status.ActiveOperations, 3)
}

func TestManagerCleanupRetrigger(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.tenants.Create(ctx, &tenant.Tenant{ID: "acme", Active: false}))
	_, err := f.schedules.Register(ctx, "acme", time.Minute)
	require.NoError(t, err)

	op, err := f.manager.Cleanup(ctx, "acme")
	require.NoError(t, err)
	got := waitTerminal(t, f, op.ID)
	assert.Equal(t, ops.StatusCompleted, got.Status)

	_, err = f.tenants.Get(ctx, "acme")
	require.ErrorIs(t, err, tenant.ErrNotFound)
}
