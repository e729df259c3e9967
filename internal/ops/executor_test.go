package ops

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shopsyncd/internal/lockreg"
	"github.com/fyrsmithlabs/shopsyncd/internal/store"
)

type executorFixture struct {
	repo     *Repository
	locks    *lockreg.Registry
	executor *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	st, err := store.OpenMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo := NewRepository(st)
	locks := lockreg.NewRegistry(st, nil)
	cfg := ExecutorConfig{
		Retry: RetryConfig{
			MaxRetries:        2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
		LockAcquireTimeout: 250 * time.Millisecond,
	}
	return &executorFixture{
		repo:     repo,
		locks:    locks,
		executor: NewExecutor(repo, locks, nil, cfg, nil),
	}
}

func (f *executorFixture) newOperation(t *testing.T, id, tenantID string, typ Type, totalSteps int) *Operation {
	t.Helper()
	op := &Operation{
		ID:          id,
		TenantID:    tenantID,
		Type:        typ,
		TotalSteps:  totalSteps,
		BlocksReads: typ.BlocksReads(),
		MaxRetries:  2,
	}
	require.NoError(t, f.repo.Create(context.Background(), op))
	return op
}

func noopSteps(descriptions ...string) []Step {
	steps := make([]Step, 0, len(descriptions))
	for _, d := range descriptions {
		steps = append(steps, Step{Description: d, Run: func(ctx context.Context) error { return nil }})
	}
	return steps
}

func requireLockFree(t *testing.T, f *executorFixture, tenantID string) {
	t.Helper()
	locked, err := f.locks.IsLocked(context.Background(), tenantID)
	require.NoError(t, err)
	require.False(t, locked, "tenant lock must be released")
}

func TestExecutorRunCompletes(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	op := f.newOperation(t, "op-1", "acme", TypeInitialConnect, 3)

	var events []ProgressEvent
	err := f.executor.Run(ctx, op, noopSteps("fetching catalog", "generating embeddings", "upserting vectors"),
		func(ev ProgressEvent) { events = append(events, ev) })
	require.NoError(t, err)

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.Equal(t, 3, got.CurrentStep)
	require.NotNil(t, got.CompletedAt)

	require.Len(t, events, 3)
	assert.Equal(t, "fetching catalog", events[0].StepDescription)
	assert.Equal(t, 33, events[0].Percent)
	assert.Equal(t, 100, events[2].Percent)

	requireLockFree(t, f, "acme")
}

func TestExecutorStepFailureMarksFailed(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	op := f.newOperation(t, "op-1", "acme", TypePeriodicResync, 2)

	calls := 0
	steps := []Step{
		{Description: "fetching catalog", Run: func(ctx context.Context) error { return nil }},
		{Description: "generating embeddings", Run: func(ctx context.Context) error {
			calls++
			return errors.New("embedding endpoint unreachable")
		}},
	}

	err := f.executor.Run(ctx, op, steps, nil)
	require.Error(t, err)

	// The step ran once plus the full retry budget.
	assert.Equal(t, 3, calls)

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "step 2/2 (generating embeddings)")
	assert.Contains(t, got.Error, "embedding endpoint unreachable")
	assert.Equal(t, 2, got.RetryCount)
	// Progress from the successful first step survives.
	assert.Equal(t, 50, got.ProgressPercent)

	requireLockFree(t, f, "acme")
}

func TestExecutorRetryCountResetsPerStep(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	op := f.newOperation(t, "op-1", "acme", TypeInitialConnect, 2)

	// Both steps exhaust all but the last attempt before succeeding.
	flaky := func() func(ctx context.Context) error {
		calls := 0
		return func(ctx context.Context) error {
			calls++
			if calls <= 2 {
				return errors.New("transient")
			}
			return nil
		}
	}
	steps := []Step{
		{Description: "fetching catalog", Run: flaky()},
		{Description: "upserting vectors", Run: flaky()},
	}

	require.NoError(t, f.executor.Run(ctx, op, steps, nil))

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	// The persisted count reflects the current step, not the sum across
	// steps, so it stays within the per-step budget.
	assert.Equal(t, 2, got.RetryCount)
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetries)

	requireLockFree(t, f, "acme")
}

func TestExecutorPermanentErrorSkipsRetries(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	op := f.newOperation(t, "op-1", "acme", TypeInitialConnect, 1)

	calls := 0
	steps := []Step{{Description: "fetching catalog", Run: func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("invalid credentials"))
	}}}

	err := f.executor.Run(ctx, op, steps, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	requireLockFree(t, f, "acme")
}

func TestExecutorDropsOnContention(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	acquired, _, err := f.locks.TryAcquire(ctx, "acme", string(TypeInitialConnect), "holder-op")
	require.NoError(t, err)
	require.True(t, acquired)

	op := f.newOperation(t, "op-1", "acme", TypePeriodicResync, 1)
	err = f.executor.Run(ctx, op, noopSteps("fetching catalog"), nil)
	require.ErrorIs(t, err, ErrLockHeld)

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// The holder's lock survives the dropped attempt.
	lock, err := f.locks.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "holder-op", lock.HolderOperationID)
}

func TestExecutorQueuesUntilLockFrees(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	acquired, _, err := f.locks.TryAcquire(ctx, "acme", string(TypePeriodicResync), "holder-op")
	require.NoError(t, err)
	require.True(t, acquired)

	op := f.newOperation(t, "op-1", "acme", TypeDisconnect, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = f.executor.Run(ctx, op, noopSteps("deactivating tenant"), nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.locks.Release(ctx, "acme", "holder-op"))
	wg.Wait()

	require.NoError(t, runErr)
	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	requireLockFree(t, f, "acme")
}

func TestExecutorQueueTimesOut(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	acquired, _, err := f.locks.TryAcquire(ctx, "acme", string(TypePeriodicResync), "holder-op")
	require.NoError(t, err)
	require.True(t, acquired)

	op := f.newOperation(t, "op-1", "acme", TypeCleanup, 1)
	err = f.executor.Run(ctx, op, noopSteps("deleting namespace"), nil)
	require.ErrorIs(t, err, ErrLockHeld)

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "gave up after")
}

func TestExecutorCooperativeCancel(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	op := f.newOperation(t, "op-1", "acme", TypePeriodicResync, 2)

	firstDone := false
	steps := []Step{
		{Description: "fetching catalog", Run: func(ctx context.Context) error {
			f.executor.RequestCancel("op-1")
			firstDone = true
			return nil
		}},
		{Description: "generating embeddings", Run: func(ctx context.Context) error {
			t.Fatal("step must not run after cancellation")
			return nil
		}},
	}

	err := f.executor.Run(ctx, op, steps, nil)
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, firstDone, "in-flight step finishes before the flag is honored")

	got, err := f.repo.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	requireLockFree(t, f, "acme")
}

func TestExecutorContextCancelBetweenSteps(t *testing.T) {
	f := newExecutorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	op := f.newOperation(t, "op-1", "acme", TypeManualResync, 2)

	steps := []Step{
		{Description: "fetching catalog", Run: func(ctx context.Context) error {
			cancel()
			return nil
		}},
		{Description: "generating embeddings", Run: func(ctx context.Context) error {
			t.Fatal("step must not run after shutdown")
			return nil
		}},
	}

	err := f.executor.Run(ctx, op, steps, nil)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestExecutorRequestCancelUnknownID(t *testing.T) {
	f := newExecutorFixture(t)
	// Unknown and repeated requests are no-ops.
	f.executor.RequestCancel("ghost")
	f.executor.RequestCancel("ghost")
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (p *recordingPublisher) PublishProgress(_ context.Context, ev ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func TestExecutorPublishesProgress(t *testing.T) {
	f := newExecutorFixture(t)
	pub := &recordingPublisher{}
	f.executor.publisher = pub

	op := f.newOperation(t, "op-1", "acme", TypePeriodicResync, 2)
	err := f.executor.Run(context.Background(), op, noopSteps("fetching catalog", "upserting vectors"), nil)
	require.NoError(t, err)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, "acme", pub.events[0].TenantID)
	assert.Equal(t, 1, pub.events[0].StepIndex)
	assert.Equal(t, 2, pub.events[1].StepIndex)
	assert.Equal(t, 100, pub.events[1].Percent)
}
