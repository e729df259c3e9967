// Package scheduler owns the periodic machinery: one resync timer per
// active tenant and the stale-lock sweep. Timer state lives in the
// sync_schedules table, not in memory, so a restart rebuilds the timer set
// from storage instead of leaking or losing timers. The schedules table is
// the timer source of truth rather than the tenant roster: the lifecycle
// manager registers a schedule when a tenant connects and cancels it when
// one disconnects, and next_fire_at survives restarts only there.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/lifecycle"
	"github.com/fyrsmithlabs/shopsyncd/internal/lockreg"
	"github.com/fyrsmithlabs/shopsyncd/internal/ops"
)

const instrumentationName = "github.com/fyrsmithlabs/shopsyncd/internal/scheduler"

// ResyncTrigger starts a resync for a tenant. Implemented by
// lifecycle.Manager.
type ResyncTrigger interface {
	OnResyncTrigger(ctx context.Context, tenantID string, manual bool) (*ops.Operation, bool, error)
}

// Config holds scheduler configuration.
type Config struct {
	// ReconcileInterval is how often the in-process timer set is
	// reconciled against the schedule table, picking up tenants that
	// connected or disconnected since the last pass. Default: 30s.
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`

	// SweepInterval is how often the stale-lock sweep runs.
	// Default: 5 minutes.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// StaleLockGrace is how old a lock must be before the sweep considers
	// releasing it. Default: 10 minutes.
	StaleLockGrace time.Duration `koanf:"stale_lock_grace"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.StaleLockGrace == 0 {
		c.StaleLockGrace = 10 * time.Minute
	}
}

// Scheduler runs per-tenant resync timers and the stale-lock sweep.
type Scheduler struct {
	config    Config
	trigger   ResyncTrigger
	schedules *lifecycle.ScheduleRepository
	locks     *lockreg.Registry
	checker   lockreg.ActiveOperationChecker
	logger    *zap.Logger

	firedCounter metric.Int64Counter

	mu     sync.Mutex
	timers map[string]*tenantTimer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tenantTimer is one tenant's live timer.
type tenantTimer struct {
	interval time.Duration
	nextFire time.Time
	stop     chan struct{}
}

// New creates a scheduler.
func New(cfg Config, trigger ResyncTrigger, schedules *lifecycle.ScheduleRepository, locks *lockreg.Registry, checker lockreg.ActiveOperationChecker, logger *zap.Logger) (*Scheduler, error) {
	if trigger == nil {
		return nil, fmt.Errorf("resync trigger is required")
	}
	if schedules == nil {
		return nil, fmt.Errorf("schedule repository is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock registry is required")
	}
	if checker == nil {
		return nil, fmt.Errorf("active operation checker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	meter := otel.Meter(instrumentationName)
	fired, _ := meter.Int64Counter("shopsyncd.scheduler.resync_fired",
		metric.WithDescription("Periodic resync timers fired"))

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:       cfg,
		trigger:      trigger,
		schedules:    schedules,
		locks:        locks,
		checker:      checker,
		logger:       logger,
		firedCounter: fired,
		timers:       make(map[string]*tenantTimer),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start rebuilds the timer set from the schedule table and begins the
// reconcile and sweep loops. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("initial schedule reconcile: %w", err)
	}

	s.wg.Add(2)
	go s.reconcileLoop()
	go s.sweepLoop()

	s.logger.Info("scheduler started",
		zap.Duration("reconcile_interval", s.config.ReconcileInterval),
		zap.Duration("sweep_interval", s.config.SweepInterval),
		zap.Duration("stale_lock_grace", s.config.StaleLockGrace))
	return nil
}

// Stop cancels all timers and waits for loops to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for id, t := range s.timers {
		close(t.stop)
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) reconcileLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.reconcile(s.ctx); err != nil {
				s.logger.Error("schedule reconcile failed", zap.Error(err))
			}
		}
	}
}

// reconcile diffs the live schedule set against running timers: timers are
// started for newly registered tenants and stopped for cancelled ones.
func (s *Scheduler) reconcile(ctx context.Context) error {
	live, err := s.schedules.ListLive(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]*lifecycle.Schedule, len(live))
	for _, sched := range live {
		desired[sched.TenantID] = sched
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		if _, ok := desired[id]; !ok {
			close(t.stop)
			delete(s.timers, id)
			s.logger.Info("resync timer cancelled", zap.String("tenant_id", id))
		}
	}

	for id, sched := range desired {
		if _, ok := s.timers[id]; ok {
			continue
		}
		t := &tenantTimer{
			interval: sched.Interval,
			nextFire: sched.NextFireAt,
			stop:     make(chan struct{}),
		}
		s.timers[id] = t
		s.wg.Add(1)
		go s.runTimer(id, t)
		s.logger.Info("resync timer registered",
			zap.String("tenant_id", id),
			zap.Duration("interval", sched.Interval),
			zap.Time("next_fire_at", sched.NextFireAt))
	}
	return nil
}

// runTimer fires a tenant's resync at its schedule and reschedules
// regardless of trigger outcome. Skip-on-lock is not an error.
func (s *Scheduler) runTimer(tenantID string, t *tenantTimer) {
	defer s.wg.Done()
	for {
		wait := time.Until(t.nextFire)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-t.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.firedCounter.Add(s.ctx, 1)
		_, skipped, err := s.trigger.OnResyncTrigger(s.ctx, tenantID, false)
		switch {
		case err != nil:
			s.logger.Warn("periodic resync trigger failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		case skipped:
			s.logger.Debug("periodic resync skipped",
				zap.String("tenant_id", tenantID))
		}

		t.nextFire = time.Now().Add(t.interval)
		if err := s.schedules.Advance(s.ctx, tenantID, t.nextFire); err != nil {
			s.logger.Warn("failed to persist next fire time",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			released, err := s.locks.ForceReleaseStale(s.ctx, s.config.StaleLockGrace, s.checker)
			if err != nil {
				s.logger.Error("stale lock sweep failed", zap.Error(err))
				continue
			}
			if len(released) > 0 {
				s.logger.Warn("released stale namespace locks",
					zap.Strings("tenant_ids", released))
			}
		}
	}
}
