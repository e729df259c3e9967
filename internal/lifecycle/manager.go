// Package lifecycle coordinates a tenant's knowledge-store lifecycle: build
// on connect, refresh on resync, tear down on disconnect. It composes the
// lock registry, the operation store and the executor, and owns the
// read-side freshness contract.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/catalog"
	"github.com/fyrsmithlabs/shopsyncd/internal/lockreg"
	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
	"github.com/fyrsmithlabs/shopsyncd/internal/store"
	"github.com/fyrsmithlabs/shopsyncd/internal/tenant"
	"github.com/fyrsmithlabs/shopsyncd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/shopsyncd/internal/lifecycle"

// Common errors.
var (
	// ErrOperationInFlight indicates the tenant already has an active
	// operation of a conflicting type.
	ErrOperationInFlight = errors.New("operation already in flight for tenant")

	// ErrTenantInactive indicates a trigger against a deactivated tenant.
	ErrTenantInactive = errors.New("tenant is not active")
)

// Config holds lifecycle manager configuration.
type Config struct {
	// ResyncInterval is the periodic-resync cadence registered for each
	// tenant on successful connect. Default: 5 minutes.
	ResyncInterval time.Duration `koanf:"resync_interval"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ResyncInterval == 0 {
		c.ResyncInterval = 5 * time.Minute
	}
}

// Deps are the manager's collaborators. All fields are required.
type Deps struct {
	Tenants    *tenant.Repository
	Operations *ops.Repository
	Locks      *lockreg.Registry
	Executor   *ops.Executor
	Schedules  *ScheduleRepository
	Source     catalog.Source
	Embedder   vectorstore.Embedder
	Vectors    vectorstore.Store
}

func (d Deps) validate() error {
	switch {
	case d.Tenants == nil:
		return errors.New("tenant repository is required")
	case d.Operations == nil:
		return errors.New("operation repository is required")
	case d.Locks == nil:
		return errors.New("lock registry is required")
	case d.Executor == nil:
		return errors.New("executor is required")
	case d.Schedules == nil:
		return errors.New("schedule repository is required")
	case d.Source == nil:
		return errors.New("catalog source is required")
	case d.Embedder == nil:
		return errors.New("embedder is required")
	case d.Vectors == nil:
		return errors.New("vector store is required")
	}
	return nil
}

// Manager drives tenant lifecycle operations.
type Manager struct {
	config    Config
	tenants   *tenant.Repository
	opsRepo   *ops.Repository
	locks     *lockreg.Registry
	executor  *ops.Executor
	schedules *ScheduleRepository
	source    catalog.Source
	embedder  vectorstore.Embedder
	vectors   vectorstore.Store
	logger    *zap.Logger
	tracer    trace.Tracer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("validating dependencies: %w", err)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		config:    cfg,
		tenants:   deps.Tenants,
		opsRepo:   deps.Operations,
		locks:     deps.Locks,
		executor:  deps.Executor,
		schedules: deps.Schedules,
		source:    deps.Source,
		embedder:  deps.Embedder,
		vectors:   deps.Vectors,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		baseCtx:   baseCtx,
		stop:      stop,
	}, nil
}

// Close requests cooperative cancellation of running operations and waits
// for their goroutines to drain. Interrupted operations fail with a
// context error and release their locks on the way out.
func (m *Manager) Close() error {
	m.stop()
	m.wg.Wait()
	return nil
}

// OnConnect handles a new store connection: it registers the tenant and
// starts an initial-connect operation that builds the namespace. On
// success the tenant's periodic resync schedule is registered. Returns
// the created operation for progress polling.
func (m *Manager) OnConnect(ctx context.Context, tenantID, platformURL string) (*ops.Operation, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.OnConnect",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	if err := tenant.ValidateID(tenantID); err != nil {
		return nil, err
	}

	t := &tenant.Tenant{ID: tenantID, Active: true, PlatformURL: platformURL}
	if err := m.tenants.Create(ctx, t); err != nil {
		if !errors.Is(err, tenant.ErrAlreadyExists) {
			return nil, fmt.Errorf("creating tenant: %w", err)
		}
		// Reconnect of a previously disconnected store.
		if err := m.tenants.SetActive(ctx, tenantID, true); err != nil {
			return nil, fmt.Errorf("reactivating tenant: %w", err)
		}
	}

	if err := m.ensureNoActiveOperation(ctx, tenantID); err != nil {
		return nil, err
	}

	op := m.newOperation(tenantID, ops.TypeInitialConnect)
	if err := m.opsRepo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}

	m.launch(op, m.syncSteps(tenantID), func(ctx context.Context) {
		if _, err := m.schedules.Register(ctx, tenantID, m.config.ResyncInterval); err != nil {
			m.logger.Error("failed to register resync schedule",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
		m.touchLastSync(ctx, tenantID)
	})

	m.logger.Info("initial connect started",
		zap.String("tenant_id", tenantID),
		zap.String("operation_id", op.ID))
	return op, nil
}

// OnResyncTrigger refreshes a tenant's namespace. If the tenant is locked
// the trigger is silently skipped: resync never contends with connect,
// disconnect or cleanup, it simply comes back on the next interval (or the
// next manual request). Returns skipped=true when nothing was started.
func (m *Manager) OnResyncTrigger(ctx context.Context, tenantID string, manual bool) (*ops.Operation, bool, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.OnResyncTrigger",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Bool("manual", manual)))
	defer span.End()

	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	if !t.Active {
		return nil, false, fmt.Errorf("%w: %s", ErrTenantInactive, tenantID)
	}

	locked, err := m.locks.IsLocked(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("checking lock: %w", err)
	}
	if locked {
		m.logger.Debug("resync skipped, tenant locked",
			zap.String("tenant_id", tenantID), zap.Bool("manual", manual))
		return nil, true, nil
	}

	active, err := m.opsRepo.ListActiveByTenant(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("listing active operations: %w", err)
	}
	if len(active) > 0 {
		// An operation exists but has not taken the lock yet. Same
		// outcome as contention: skip, do not queue.
		return nil, true, nil
	}

	typ := ops.TypePeriodicResync
	if manual {
		typ = ops.TypeManualResync
	}
	op := m.newOperation(tenantID, typ)
	if err := m.opsRepo.Create(ctx, op); err != nil {
		return nil, false, fmt.Errorf("creating operation: %w", err)
	}

	m.launch(op, m.syncSteps(tenantID), func(ctx context.Context) {
		m.touchLastSync(ctx, tenantID)
	})
	return op, false, nil
}

// OnDisconnect begins tenant teardown. The resync schedule is cancelled
// before anything else so no new resync can race in once disconnect has
// begun. The disconnect operation queues behind any current lock holder,
// and on success enqueues the cleanup operation that deletes the
// namespace.
func (m *Manager) OnDisconnect(ctx context.Context, tenantID string) (*ops.Operation, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.OnDisconnect",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	if _, err := m.tenants.Get(ctx, tenantID); err != nil {
		return nil, err
	}

	if err := m.schedules.Cancel(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("cancelling schedule: %w", err)
	}

	if err := m.ensureNoActiveMutation(ctx, tenantID); err != nil {
		return nil, err
	}

	op := m.newOperation(tenantID, ops.TypeDisconnect)
	if err := m.opsRepo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}

	m.launch(op, m.disconnectSteps(tenantID), func(ctx context.Context) {
		if _, err := m.Cleanup(ctx, tenantID); err != nil {
			m.logger.Error("failed to enqueue cleanup after disconnect",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	})

	m.logger.Info("disconnect started",
		zap.String("tenant_id", tenantID),
		zap.String("operation_id", op.ID))
	return op, nil
}

// Cleanup deletes a disconnected tenant's namespace and removes its
// records. Normally enqueued by OnDisconnect; exposed so a crashed
// cleanup can be re-triggered by an operator.
func (m *Manager) Cleanup(ctx context.Context, tenantID string) (*ops.Operation, error) {
	op := m.newOperation(tenantID, ops.TypeCleanup)
	if err := m.opsRepo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	m.launch(op, m.cleanupSteps(tenantID), nil)
	return op, nil
}

// GetOperation returns an operation for progress polling.
func (m *Manager) GetOperation(ctx context.Context, operationID string) (*ops.Operation, error) {
	return m.opsRepo.Get(ctx, operationID)
}

// ListOperations returns a tenant's recent operation history.
func (m *Manager) ListOperations(ctx context.Context, tenantID string, limit int) ([]*ops.Operation, error) {
	return m.opsRepo.ListByTenant(ctx, tenantID, limit)
}

// RequestCancel flags a running operation for cooperative cancellation.
func (m *Manager) RequestCancel(operationID string) {
	m.executor.RequestCancel(operationID)
}

// Freshness describes whether a tenant's namespace can be read without a
// staleness disclaimer right now.
type Freshness struct {
	// CanReadFreshly is false while a read-blocking operation holds the
	// tenant lock. The caller must still answer from whatever data
	// exists, flagging the response as potentially stale. It must never
	// block waiting for the lock to clear.
	CanReadFreshly bool `json:"can_read_freshly"`

	// Reason names the blocking operation type when CanReadFreshly is
	// false.
	Reason string `json:"reason,omitempty"`

	// EstimatedFreshAt is the blocking operation's estimated completion
	// time, when one is available.
	EstimatedFreshAt *time.Time `json:"estimated_fresh_at,omitempty"`
}

// Freshness reports the read-side contract for a tenant. A lock held by a
// non-blocking resync does not degrade reads: resyncs overwrite in place
// and must cause no user-visible change.
func (m *Manager) Freshness(ctx context.Context, tenantID string) (*Freshness, error) {
	lock, err := m.locks.Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return &Freshness{CanReadFreshly: true}, nil
	}
	if err != nil {
		return nil, err
	}

	op, err := m.opsRepo.Get(ctx, lock.HolderOperationID)
	if errors.Is(err, store.ErrNotFound) {
		// Lock with no holder record: stale, pending sweep. Degrade
		// until the sweep clears it.
		return &Freshness{CanReadFreshly: false, Reason: lock.Reason}, nil
	}
	if err != nil {
		return nil, err
	}

	if !op.BlocksReads {
		return &Freshness{CanReadFreshly: true}, nil
	}
	return &Freshness{
		CanReadFreshly:   false,
		Reason:           string(op.Type),
		EstimatedFreshAt: op.EstimatedCompletionAt,
	}, nil
}

// CanReadFreshly is the boolean form of Freshness.
func (m *Manager) CanReadFreshly(ctx context.Context, tenantID string) (bool, error) {
	f, err := m.Freshness(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return f.CanReadFreshly, nil
}

// SystemStatus aggregates lifecycle state across all tenants.
type SystemStatus struct {
	// OverallStatus is "ok" when no tenant is read-blocked, otherwise
	// "degraded".
	OverallStatus string `json:"overall_status"`

	// BlockedTenantIDs lists tenants whose namespace lock is held by a
	// read-blocking operation.
	BlockedTenantIDs []string `json:"blocked_tenant_ids"`

	// ActiveOperations lists every non-terminal operation.
	ActiveOperations []*ops.Operation `json:"active_operations"`
}

// GetSystemStatus reports whether any tenants are currently blocked and
// which operations are in flight. Blocked tenants are derived from held
// locks resolved through their holder operation, the same view Freshness
// gives: an operation still queueing for a lock degrades nothing yet.
func (m *Manager) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	active, err := m.opsRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active operations: %w", err)
	}

	locks, err := m.locks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}

	blocked := make([]string, 0)
	for _, l := range locks {
		op, err := m.opsRepo.Get(ctx, l.HolderOperationID)
		if errors.Is(err, store.ErrNotFound) {
			// Orphaned lock awaiting the stale sweep degrades reads.
			blocked = append(blocked, l.TenantID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if op.BlocksReads {
			blocked = append(blocked, l.TenantID)
		}
	}

	status := "ok"
	if len(blocked) > 0 {
		status = "degraded"
	}
	return &SystemStatus{
		OverallStatus:    status,
		BlockedTenantIDs: blocked,
		ActiveOperations: active,
	}, nil
}

// ensureNoActiveOperation rejects a trigger when any operation is already
// in flight for the tenant.
func (m *Manager) ensureNoActiveOperation(ctx context.Context, tenantID string) error {
	active, err := m.opsRepo.ListActiveByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing active operations: %w", err)
	}
	if len(active) > 0 {
		return fmt.Errorf("%w: %s (%s)", ErrOperationInFlight, tenantID, active[0].Type)
	}
	return nil
}

// ensureNoActiveMutation rejects a disconnect when a disconnect or cleanup
// is already in flight. A running sync is fine: disconnect queues behind
// its lock.
func (m *Manager) ensureNoActiveMutation(ctx context.Context, tenantID string) error {
	active, err := m.opsRepo.ListActiveByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing active operations: %w", err)
	}
	for _, op := range active {
		if op.Type == ops.TypeDisconnect || op.Type == ops.TypeCleanup {
			return fmt.Errorf("%w: %s (%s)", ErrOperationInFlight, tenantID, op.Type)
		}
	}
	return nil
}

func (m *Manager) newOperation(tenantID string, typ ops.Type) *ops.Operation {
	return &ops.Operation{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Type:        typ,
		Status:      ops.StatusPending,
		BlocksReads: typ.BlocksReads(),
		MaxRetries:  m.executor.MaxRetries(),
		StartedAt:   time.Now().UTC(),
	}
}

// launch runs an operation in the background. Outcome logging happens
// here; onSuccess runs only after the executor reports clean completion.
func (m *Manager) launch(op *ops.Operation, steps []ops.Step, onSuccess func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.executor.Run(m.baseCtx, op, steps, nil)
		switch {
		case err == nil:
			if onSuccess != nil {
				onSuccess(m.baseCtx)
			}
		case errors.Is(err, ops.ErrLockHeld), errors.Is(err, ops.ErrCancelled):
			m.logger.Info("operation did not complete",
				zap.String("operation_id", op.ID),
				zap.String("tenant_id", op.TenantID),
				zap.Error(err))
		default:
			m.logger.Error("operation failed",
				zap.String("operation_id", op.ID),
				zap.String("tenant_id", op.TenantID),
				zap.String("type", string(op.Type)),
				zap.Error(err))
		}
	}()
}

func (m *Manager) touchLastSync(ctx context.Context, tenantID string) {
	if err := m.tenants.TouchLastSync(ctx, tenantID, time.Now().UTC()); err != nil {
		m.logger.Warn("failed to record last sync time",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
