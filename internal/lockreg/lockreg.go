// Package lockreg implements the durable namespace lock registry.
//
// A namespace lock marks a tenant's vector-store namespace as under
// structural mutation (connect, disconnect, cleanup). Acquisition is a
// conditional insert on a uniquely keyed row, not an in-process mutex:
// triggers can originate from different process instances, so the row is
// the single source of truth for who may mutate a namespace.
package lockreg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/shopsyncd/internal/lockreg"

// Common errors.
var (
	// ErrNotHolder is returned when release is attempted by an operation
	// that does not hold the lock. This signals a programming defect; the
	// lock is left untouched for manual inspection.
	ErrNotHolder = errors.New("lock held by different operation")
)

// Lock is the durable mutual-exclusion record for one tenant.
type Lock struct {
	TenantID          string    `json:"tenant_id"`
	HolderOperationID string    `json:"holder_operation_id"`
	Reason            string    `json:"reason"`
	HeldSince         time.Time `json:"held_since"`
}

// ActiveOperationChecker reports whether an operation is still in flight.
// Used by the stale sweep to distinguish crashed holders from live ones.
type ActiveOperationChecker interface {
	IsOperationActive(ctx context.Context, operationID string) (bool, error)
}

// Registry provides atomic acquire/release over namespace locks.
type Registry struct {
	db     *sql.DB
	logger *zap.Logger

	contentionCounter metric.Int64Counter
	staleCounter      metric.Int64Counter
}

// NewRegistry creates a lock registry over the shared store.
func NewRegistry(st *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	contention, _ := meter.Int64Counter("shopsyncd.lock.contention",
		metric.WithDescription("Lock acquisition attempts rejected due to contention"))
	stale, _ := meter.Int64Counter("shopsyncd.lock.stale_released",
		metric.WithDescription("Stale locks force-released by the sweep"))

	return &Registry{
		db:                st.DB(),
		logger:            logger,
		contentionCounter: contention,
		staleCounter:      stale,
	}
}

// TryAcquire atomically acquires the lock for a tenant. If the lock is
// already held it returns (false, currentHolder, nil); contention is not an
// error. Acquisition never blocks.
func (r *Registry) TryAcquire(ctx context.Context, tenantID, reason, operationID string) (bool, *Lock, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "lockreg.TryAcquire")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO namespace_locks (tenant_id, holder_operation_id, reason, held_since)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO NOTHING`,
		tenantID, operationID, reason, time.Now().UTC())
	if err != nil {
		return false, nil, fmt.Errorf("inserting lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("checking insert result: %w", err)
	}
	if n == 1 {
		r.logger.Debug("namespace lock acquired",
			zap.String("tenant_id", tenantID),
			zap.String("operation_id", operationID),
			zap.String("reason", reason))
		return true, nil, nil
	}

	r.contentionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenantID)))

	holder, err := r.Get(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, nil, err
	}
	// Holder may have released between the insert and the read; the caller
	// treats that the same as contention and retries on its own policy.
	return false, holder, nil
}

// Release removes the lock if held by the given operation. Releasing an
// already-released lock is a no-op. Releasing a lock held by a different
// operation returns ErrNotHolder and leaves the lock untouched.
func (r *Registry) Release(ctx context.Context, tenantID, operationID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM namespace_locks WHERE tenant_id = ? AND holder_operation_id = ?`,
		tenantID, operationID)
	if err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 1 {
		r.logger.Debug("namespace lock released",
			zap.String("tenant_id", tenantID),
			zap.String("operation_id", operationID))
		return nil
	}

	// Nothing deleted: either the lock is gone (fine) or someone else
	// holds it (defect).
	holder, err := r.Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: tenant %s held by %s, release attempted by %s",
		ErrNotHolder, tenantID, holder.HolderOperationID, operationID)
}

// IsLocked reports whether a tenant's namespace is locked for structural
// mutation. Single point lookup; the conversational read path calls this on
// every request and must never block.
func (r *Registry) IsLocked(ctx context.Context, tenantID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM namespace_locks WHERE tenant_id = ?`, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking lock: %w", err)
	}
	return true, nil
}

// Get returns the current lock for a tenant, or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, tenantID string) (*Lock, error) {
	var l Lock
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, holder_operation_id, reason, held_since
		FROM namespace_locks WHERE tenant_id = ?`, tenantID).
		Scan(&l.TenantID, &l.HolderOperationID, &l.Reason, &l.HeldSince)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: lock for tenant %s", store.ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock: %w", err)
	}
	return &l, nil
}

// List returns every currently held lock.
func (r *Registry) List(ctx context.Context) ([]Lock, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, holder_operation_id, reason, held_since
		FROM namespace_locks ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing locks: %w", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.TenantID, &l.HolderOperationID, &l.Reason, &l.HeldSince); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// ForceReleaseStale releases locks older than the grace period whose holder
// operation is no longer in flight. This is the crash-recovery path: an
// executor that died mid-operation leaves its lock behind, and the sweep
// reclaims it so normal triggers can proceed again. Returns the tenant IDs
// that were released.
func (r *Registry) ForceReleaseStale(ctx context.Context, olderThan time.Duration, checker ActiveOperationChecker) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, holder_operation_id, reason, held_since
		FROM namespace_locks WHERE held_since < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scanning locks: %w", err)
	}
	var candidates []Lock
	for rows.Next() {
		var l Lock
		if err := rows.Scan(&l.TenantID, &l.HolderOperationID, &l.Reason, &l.HeldSince); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		candidates = append(candidates, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var released []string
	for _, l := range candidates {
		active, err := checker.IsOperationActive(ctx, l.HolderOperationID)
		if err != nil {
			return released, fmt.Errorf("checking holder operation %s: %w", l.HolderOperationID, err)
		}
		if active {
			continue
		}

		// Delete keyed on the holder so a lock re-acquired by a fresh
		// operation between scan and delete is left alone.
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM namespace_locks WHERE tenant_id = ? AND holder_operation_id = ?`,
			l.TenantID, l.HolderOperationID)
		if err != nil {
			return released, fmt.Errorf("releasing stale lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		r.staleCounter.Add(ctx, 1)
		r.logger.Warn("stale namespace lock force-released",
			zap.String("tenant_id", l.TenantID),
			zap.String("holder_operation_id", l.HolderOperationID),
			zap.Time("held_since", l.HeldSince),
			zap.Duration("age", time.Since(l.HeldSince)))
		released = append(released, l.TenantID)
	}
	return released, nil
}
