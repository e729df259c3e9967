package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shopsyncd/internal/store"
)

// Repository persists tenants in the relational store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a tenant repository over the shared store.
func NewRepository(st *store.Store) *Repository {
	return &Repository{db: st.DB()}
}

// Create inserts a new tenant. Returns ErrAlreadyExists if the ID is taken.
func (r *Repository) Create(ctx context.Context, t *Tenant) error {
	if err := ValidateID(t.ID); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, active, platform_url, last_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Active, t.PlatformURL, t.LastSyncAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
	}
	return nil
}

// Get returns a tenant by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Tenant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, active, platform_url, last_sync_at, created_at, updated_at
		FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// ListActive returns all active tenants. Used by the scheduler at boot to
// re-derive the timer set.
func (r *Repository) ListActive(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, active, platform_url, last_sync_at, created_at, updated_at
		FROM tenants WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetActive flips the activation flag.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	return requireRow(res, id)
}

// TouchLastSync records a successful sync completion time.
func (r *Repository) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	return requireRow(res, id)
}

// Delete hard-deletes a tenant row. Only called after namespace cleanup
// completes.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	return requireRow(res, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var lastSync sql.NullTime
	err := row.Scan(&t.ID, &t.Active, &t.PlatformURL, &lastSync, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tenant: %w", err)
	}
	if lastSync.Valid {
		t.LastSyncAt = &lastSync.Time
	}
	return &t, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
