package ops

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shopsyncd/internal/store"
)

// Repository persists operation records.
type Repository struct {
	db *sql.DB
}

// NewRepository creates an operation repository over the shared store.
func NewRepository(st *store.Store) *Repository {
	return &Repository{db: st.DB()}
}

// Create inserts a new operation record.
func (r *Repository) Create(ctx context.Context, op *Operation) error {
	if !op.Type.Valid() {
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	if op.Status == "" {
		op.Status = StatusPending
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO operations (
			id, tenant_id, type, status, progress_percent, current_step,
			total_steps, step_description, blocks_reads, retry_count,
			max_retries, error, started_at, estimated_completion_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TenantID, op.Type, op.Status, op.ProgressPercent,
		op.CurrentStep, op.TotalSteps, op.StepDescription, op.BlocksReads,
		op.RetryCount, op.MaxRetries, nullString(op.Error), op.StartedAt,
		op.EstimatedCompletionAt, op.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	return nil
}

// Get returns an operation by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Operation, error) {
	row := r.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	return scanOperation(row)
}

// ListActiveByTenant returns non-terminal operations for one tenant.
// Used to prevent duplicate concurrent operations of the same type.
func (r *Repository) ListActiveByTenant(ctx context.Context, tenantID string) ([]*Operation, error) {
	return r.list(ctx, selectCols+`
		WHERE tenant_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY started_at`, tenantID, StatusCompleted, StatusFailed, StatusCancelled)
}

// ListActive returns all non-terminal operations across tenants.
func (r *Repository) ListActive(ctx context.Context) ([]*Operation, error) {
	return r.list(ctx, selectCols+`
		WHERE status NOT IN (?, ?, ?)
		ORDER BY started_at`, StatusCompleted, StatusFailed, StatusCancelled)
}

// ListByTenant returns the full operation history for a tenant, newest first.
func (r *Repository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, selectCols+`
		WHERE tenant_id = ? ORDER BY started_at DESC LIMIT ?`, tenantID, limit)
}

// IsOperationActive implements lockreg.ActiveOperationChecker. An operation
// that no longer exists counts as inactive so orphaned locks can be swept.
func (r *Repository) IsOperationActive(ctx context.Context, operationID string) (bool, error) {
	op, err := r.Get(ctx, operationID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return op.Status.Active(), nil
}

// UpdateStatus transitions an operation's status, enforcing the state
// machine. Terminal rows are never updated.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	if err := CanTransition(from, to); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE operations SET status = ? WHERE id = ? AND status = ?`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s not in status %s", ErrInvalidTransition, id, from)
	}
	return nil
}

// RecordProgress persists step progress. Progress is clamped monotonic:
// a write lower than the stored percent is ignored rather than applied.
func (r *Repository) RecordProgress(ctx context.Context, id string, step, totalSteps, percent int, description string, eta *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE operations
		SET current_step = ?, total_steps = ?, step_description = ?,
		    progress_percent = MAX(progress_percent, ?),
		    estimated_completion_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		step, totalSteps, description, percent, eta,
		id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("recording progress: %w", err)
	}
	return nil
}

// RecordRetry persists the current step's retry count.
func (r *Repository) RecordRetry(ctx context.Context, id string, retryCount int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE operations SET retry_count = ? WHERE id = ?`, retryCount, id)
	if err != nil {
		return fmt.Errorf("recording retry: %w", err)
	}
	return nil
}

// MarkCompleted moves an operation to its terminal completed state.
func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	return r.finish(ctx, id, StatusCompleted, "")
}

// MarkFailed moves an operation to failed, recording the error verbatim.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause string) error {
	return r.finish(ctx, id, StatusFailed, cause)
}

// MarkCancelled moves an operation to cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, id string) error {
	return r.finish(ctx, id, StatusCancelled, "")
}

func (r *Repository) finish(ctx context.Context, id string, status Status, cause string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE operations
		SET status = ?, error = ?, completed_at = ?, progress_percent =
		    CASE WHEN ? = 'completed' THEN 100 ELSE progress_percent END
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, nullString(cause), time.Now().UTC(), status,
		id, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s already terminal", ErrInvalidTransition, id)
	}
	return nil
}

const selectCols = `
	SELECT id, tenant_id, type, status, progress_percent, current_step,
	       total_steps, step_description, blocks_reads, retry_count,
	       max_retries, error, started_at, estimated_completion_at, completed_at
	FROM operations`

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*Operation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var errStr sql.NullString
	var eta, completed sql.NullTime
	err := row.Scan(&op.ID, &op.TenantID, &op.Type, &op.Status,
		&op.ProgressPercent, &op.CurrentStep, &op.TotalSteps,
		&op.StepDescription, &op.BlocksReads, &op.RetryCount,
		&op.MaxRetries, &errStr, &op.StartedAt, &eta, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: operation", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operation: %w", err)
	}
	if errStr.Valid {
		op.Error = errStr.String
	}
	if eta.Valid {
		op.EstimatedCompletionAt = &eta.Time
	}
	if completed.Valid {
		op.CompletedAt = &completed.Time
	}
	return &op, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
