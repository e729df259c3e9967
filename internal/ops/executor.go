package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/lockreg"
)

const instrumentationName = "github.com/fyrsmithlabs/shopsyncd/internal/ops"

// Common errors.
var (
	// ErrLockHeld indicates the tenant lock could not be acquired.
	ErrLockHeld = errors.New("namespace lock held by another operation")

	// ErrCancelled indicates the operation observed a cancellation request
	// between steps.
	ErrCancelled = errors.New("operation cancelled")
)

// Step is one unit of executor work. Steps must be idempotent: a retried
// operation always restarts from step 1, and external side effects are
// upsert-by-ID.
type Step struct {
	// Description is shown to progress observers.
	Description string

	// Run performs the step. Transient failures are retried with backoff;
	// wrap the error with Permanent to fail the operation immediately.
	Run func(ctx context.Context) error
}

// Publisher emits progress events to external observers. Implementations
// must not block; a nil Publisher disables publishing.
type Publisher interface {
	PublishProgress(ctx context.Context, ev ProgressEvent)
}

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	// Retry is the per-step retry policy.
	Retry RetryConfig

	// LockAcquireTimeout bounds how long a queueing operation (disconnect,
	// cleanup) waits for the tenant lock before failing.
	// Default: 5 minutes.
	LockAcquireTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *ExecutorConfig) ApplyDefaults() {
	c.Retry.ApplyDefaults()
	if c.LockAcquireTimeout == 0 {
		c.LockAcquireTimeout = 5 * time.Minute
	}
}

// Executor runs one operation through its state machine: it acquires the
// tenant lock, advances steps with per-step retry, persists progress after
// every step, and releases the lock on every exit path.
type Executor struct {
	repo      *Repository
	locks     *lockreg.Registry
	publisher Publisher
	logger    *zap.Logger
	config    ExecutorConfig

	startedCounter   metric.Int64Counter
	completedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

// NewExecutor creates an executor. publisher may be nil.
func NewExecutor(repo *Repository, locks *lockreg.Registry, publisher Publisher, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	meter := otel.Meter(instrumentationName)
	started, _ := meter.Int64Counter("shopsyncd.operations.started",
		metric.WithDescription("Operations started"))
	completed, _ := meter.Int64Counter("shopsyncd.operations.completed",
		metric.WithDescription("Operations completed successfully"))
	failed, _ := meter.Int64Counter("shopsyncd.operations.failed",
		metric.WithDescription("Operations that reached the failed state"))

	return &Executor{
		repo:             repo,
		locks:            locks,
		publisher:        publisher,
		logger:           logger,
		config:           cfg,
		startedCounter:   started,
		completedCounter: completed,
		failedCounter:    failed,
		cancels:          make(map[string]chan struct{}),
	}
}

// MaxRetries returns the per-step retry budget operations run with.
func (e *Executor) MaxRetries() int {
	return e.config.Retry.MaxRetries
}

// RequestCancel flags a running operation for cooperative cancellation.
// The flag is polled between steps; an in-flight collaborator call is
// allowed to finish. Unknown or already-finished IDs are a no-op.
func (e *Executor) RequestCancel(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.cancels[operationID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Run executes op through the given steps and returns the terminal error,
// if any. The operation record must already exist in status pending.
// Progress is persisted after every step so a crash leaves accurate
// last-known progress behind. On return the tenant lock is released
// regardless of outcome.
func (e *Executor) Run(ctx context.Context, op *Operation, steps []Step, onProgress ProgressCallback) error {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "ops.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", string(op.Type)),
		attribute.String("tenant.id", op.TenantID),
	)

	cancelCh := e.registerCancel(op.ID)
	defer e.unregisterCancel(op.ID)

	typeAttr := metric.WithAttributes(attribute.String("type", string(op.Type)))
	e.startedCounter.Add(ctx, 1, typeAttr)

	if err := e.acquireLock(ctx, op); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer e.releaseLock(op)

	if err := e.repo.UpdateStatus(ctx, op.ID, StatusPending, StatusStarting); err != nil {
		return e.fail(ctx, op, span, fmt.Errorf("entering starting: %w", err))
	}
	if err := e.repo.UpdateStatus(ctx, op.ID, StatusStarting, StatusInProgress); err != nil {
		return e.fail(ctx, op, span, fmt.Errorf("entering in_progress: %w", err))
	}

	total := len(steps)
	recordedRetries := 0
	stepStart := time.Now()
	opStart := stepStart

	for i, step := range steps {
		if err := e.checkCancelled(ctx, op, cancelCh); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		e.logger.Debug("operation step starting",
			zap.String("operation_id", op.ID),
			zap.String("tenant_id", op.TenantID),
			zap.Int("step", i+1),
			zap.Int("total_steps", total),
			zap.String("description", step.Description))

		// The persisted retry count covers the current step only, so it
		// never exceeds the per-step budget in max_retries.
		retries, err := retryStep(ctx, e.config.Retry, step.Run)
		if retries != recordedRetries {
			if rerr := e.repo.RecordRetry(ctx, op.ID, retries); rerr != nil {
				e.logger.Warn("failed to persist retry count", zap.Error(rerr))
			} else {
				recordedRetries = retries
			}
		}
		if err != nil {
			return e.fail(ctx, op, span,
				fmt.Errorf("step %d/%d (%s): %w", i+1, total, step.Description, err))
		}

		percent := ((i + 1) * 100) / total
		eta := estimateCompletion(opStart, i+1, total)
		if err := e.repo.RecordProgress(ctx, op.ID, i+1, total, percent, step.Description, eta); err != nil {
			// Progress bookkeeping must not kill a healthy operation.
			e.logger.Warn("failed to persist progress",
				zap.String("operation_id", op.ID), zap.Error(err))
		}
		e.emitProgress(ctx, op, i+1, total, percent, step.Description, onProgress)

		e.logger.Debug("operation step completed",
			zap.String("operation_id", op.ID),
			zap.Int("step", i+1),
			zap.Duration("elapsed", time.Since(stepStart)))
		stepStart = time.Now()
	}

	if err := e.repo.UpdateStatus(ctx, op.ID, StatusInProgress, StatusCompleting); err != nil {
		return e.fail(ctx, op, span, fmt.Errorf("entering completing: %w", err))
	}
	if err := e.repo.MarkCompleted(ctx, op.ID); err != nil {
		return e.fail(ctx, op, span, fmt.Errorf("marking completed: %w", err))
	}

	e.completedCounter.Add(ctx, 1, typeAttr)
	e.logger.Info("operation completed",
		zap.String("operation_id", op.ID),
		zap.String("tenant_id", op.TenantID),
		zap.String("type", string(op.Type)),
		zap.Duration("elapsed", time.Since(opStart)))
	return nil
}

// acquireLock applies the per-type contention policy: queueing types wait
// with backoff until the timeout, dropping types give up immediately.
func (e *Executor) acquireLock(ctx context.Context, op *Operation) error {
	acquired, holder, err := e.locks.TryAcquire(ctx, op.TenantID, string(op.Type), op.ID)
	if err != nil {
		return e.failLocked(ctx, op, fmt.Errorf("acquiring lock: %w", err))
	}
	if acquired {
		return nil
	}

	if !op.Type.QueuesOnContention() {
		holderID := ""
		if holder != nil {
			holderID = holder.HolderOperationID
		}
		e.logger.Info("operation dropped on lock contention",
			zap.String("operation_id", op.ID),
			zap.String("tenant_id", op.TenantID),
			zap.String("holder_operation_id", holderID))
		if err := e.repo.MarkCancelled(ctx, op.ID); err != nil {
			e.logger.Warn("failed to cancel contended operation", zap.Error(err))
		}
		return ErrLockHeld
	}

	// Disconnect and cleanup must eventually run: wait and re-attempt
	// until the lock frees up or the timeout expires.
	deadline := time.Now().Add(e.config.LockAcquireTimeout)
	backoff := e.config.Retry.InitialBackoff
	for {
		select {
		case <-ctx.Done():
			return e.failLocked(ctx, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * e.config.Retry.BackoffMultiplier)
		if backoff > e.config.Retry.MaxBackoff {
			backoff = e.config.Retry.MaxBackoff
		}

		acquired, _, err := e.locks.TryAcquire(ctx, op.TenantID, string(op.Type), op.ID)
		if err != nil {
			return e.failLocked(ctx, op, fmt.Errorf("acquiring lock: %w", err))
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return e.failLocked(ctx, op,
				fmt.Errorf("%w: gave up after %s", ErrLockHeld, e.config.LockAcquireTimeout))
		}
	}
}

// releaseLock releases the tenant lock. A failed release by a non-holder is
// an invariant violation: logged loudly and left for manual inspection.
func (e *Executor) releaseLock(op *Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.locks.Release(ctx, op.TenantID, op.ID); err != nil {
		if errors.Is(err, lockreg.ErrNotHolder) {
			e.logger.Error("invariant violation: lock release by non-holder",
				zap.String("operation_id", op.ID),
				zap.String("tenant_id", op.TenantID),
				zap.Error(err))
			return
		}
		e.logger.Error("failed to release namespace lock",
			zap.String("operation_id", op.ID),
			zap.String("tenant_id", op.TenantID),
			zap.Error(err))
	}
}

func (e *Executor) checkCancelled(ctx context.Context, op *Operation, cancelCh <-chan struct{}) error {
	cancelled := false
	select {
	case <-cancelCh:
		cancelled = true
	case <-ctx.Done():
		cancelled = true
	default:
	}
	if !cancelled {
		return nil
	}
	if err := e.repo.MarkCancelled(ctx, op.ID); err != nil {
		e.logger.Warn("failed to mark operation cancelled", zap.Error(err))
	}
	e.logger.Info("operation cancelled",
		zap.String("operation_id", op.ID),
		zap.String("tenant_id", op.TenantID))
	return ErrCancelled
}

// fail records the terminal failure with the root cause verbatim. The lock
// is released by the deferred releaseLock in Run.
func (e *Executor) fail(ctx context.Context, op *Operation, span trace.Span, cause error) error {
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	span.SetStatus(codes.Error, cause.Error())
	e.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(op.Type))))
	if err := e.repo.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
		e.logger.Error("failed to persist operation failure",
			zap.String("operation_id", op.ID), zap.Error(err))
	}
	e.logger.Warn("operation failed",
		zap.String("operation_id", op.ID),
		zap.String("tenant_id", op.TenantID),
		zap.String("type", string(op.Type)),
		zap.Error(cause))
	return cause
}

// failLocked is fail for errors raised before the lock was acquired.
func (e *Executor) failLocked(ctx context.Context, op *Operation, cause error) error {
	e.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(op.Type))))
	if err := e.repo.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
		e.logger.Error("failed to persist operation failure",
			zap.String("operation_id", op.ID), zap.Error(err))
	}
	return cause
}

func (e *Executor) emitProgress(ctx context.Context, op *Operation, step, total, percent int, description string, cb ProgressCallback) {
	ev := ProgressEvent{
		OperationID:     op.ID,
		TenantID:        op.TenantID,
		Type:            op.Type,
		Status:          StatusInProgress,
		StepIndex:       step,
		TotalSteps:      total,
		StepDescription: description,
		Percent:         percent,
		At:              time.Now().UTC(),
	}
	if cb != nil {
		cb(ev)
	}
	if e.publisher != nil {
		e.publisher.PublishProgress(ctx, ev)
	}
}

func (e *Executor) registerCancel(operationID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.cancels[operationID] = ch
	return ch
}

func (e *Executor) unregisterCancel(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, operationID)
}

// estimateCompletion projects the finish time from average step duration.
func estimateCompletion(start time.Time, doneSteps, totalSteps int) *time.Time {
	if doneSteps == 0 || doneSteps >= totalSteps {
		return nil
	}
	elapsed := time.Since(start)
	avg := elapsed / time.Duration(doneSteps)
	eta := time.Now().Add(avg * time.Duration(totalSteps-doneSteps)).UTC()
	return &eta
}
