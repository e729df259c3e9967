package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/shopsyncd/internal/store"
)

// ErrScheduleNotFound is returned when no schedule exists for a tenant.
var ErrScheduleNotFound = errors.New("sync schedule not found")

// Schedule is a tenant's periodic-resync registration. At most one live
// schedule exists per tenant; cancelled schedules stay until cleanup
// removes the row.
type Schedule struct {
	TenantID   string        `json:"tenant_id"`
	Interval   time.Duration `json:"interval"`
	NextFireAt time.Time     `json:"next_fire_at"`
	Cancelled  bool          `json:"cancelled"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ScheduleRepository persists sync schedules.
type ScheduleRepository struct {
	db *sql.DB
}

// NewScheduleRepository creates a schedule repository.
func NewScheduleRepository(st *store.Store) *ScheduleRepository {
	return &ScheduleRepository{db: st.DB()}
}

// Register creates or revives the schedule for a tenant. Re-registering
// an existing schedule resets the interval and next fire time and clears
// any cancellation.
func (r *ScheduleRepository) Register(ctx context.Context, tenantID string, interval time.Duration) (*Schedule, error) {
	now := time.Now().UTC()
	s := &Schedule{
		TenantID:   tenantID,
		Interval:   interval,
		NextFireAt: now.Add(interval),
		CreatedAt:  now,
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_schedules (tenant_id, interval_seconds, next_fire_at, cancelled, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			interval_seconds = excluded.interval_seconds,
			next_fire_at     = excluded.next_fire_at,
			cancelled        = 0`,
		s.TenantID, int64(interval.Seconds()), s.NextFireAt, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("registering schedule: %w", err)
	}
	return s, nil
}

// Cancel marks a tenant's schedule cancelled. Cancelling a missing
// schedule is a no-op.
func (r *ScheduleRepository) Cancel(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_schedules SET cancelled = 1 WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("cancelling schedule: %w", err)
	}
	return nil
}

// Delete removes a tenant's schedule row. Idempotent.
func (r *ScheduleRepository) Delete(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sync_schedules WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	return nil
}

// Get returns a tenant's schedule, cancelled or not.
func (r *ScheduleRepository) Get(ctx context.Context, tenantID string) (*Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, interval_seconds, next_fire_at, cancelled, created_at
		FROM sync_schedules WHERE tenant_id = ?`, tenantID)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, tenantID)
	}
	return s, err
}

// ListLive returns all non-cancelled schedules. Used on boot to rebuild
// the in-process timer set.
func (r *ScheduleRepository) ListLive(ctx context.Context) ([]*Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, interval_seconds, next_fire_at, cancelled, created_at
		FROM sync_schedules WHERE cancelled = 0 ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Advance moves a schedule's next fire time forward after a timer fires.
func (r *ScheduleRepository) Advance(ctx context.Context, tenantID string, next time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_schedules SET next_fire_at = ? WHERE tenant_id = ?`,
		next.UTC(), tenantID)
	if err != nil {
		return fmt.Errorf("advancing schedule: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		s         Schedule
		seconds   int64
		cancelled int
	)
	if err := row.Scan(&s.TenantID, &seconds, &s.NextFireAt, &cancelled, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Interval = time.Duration(seconds) * time.Second
	s.Cancelled = cancelled != 0
	return &s, nil
}
