// Package ops provides durable operation records and the executor that
// drives them through their state machine.
//
// An operation is one tracked unit of background work against a tenant's
// namespace. Records are durable and terminal states are immutable, so the
// operations table doubles as an audit trail. Only the executor running an
// operation mutates its row.
package ops

import (
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of background work an operation performs.
type Type string

const (
	// TypeInitialConnect builds a tenant's namespace for the first time.
	TypeInitialConnect Type = "initial_connect"
	// TypePeriodicResync refreshes namespace contents on the schedule.
	TypePeriodicResync Type = "periodic_resync"
	// TypeManualResync refreshes namespace contents on explicit request.
	TypeManualResync Type = "manual_resync"
	// TypeDisconnect tears down the tenant's connection and deactivates it.
	TypeDisconnect Type = "disconnect"
	// TypeCleanup deletes a deactivated tenant's namespace.
	TypeCleanup Type = "cleanup"
)

// BlocksReads reports whether operations of this type make the namespace
// unreadable while running. Structural mutations block; resyncs overwrite
// in place and do not.
func (t Type) BlocksReads() bool {
	switch t {
	case TypeInitialConnect, TypeDisconnect, TypeCleanup:
		return true
	default:
		return false
	}
}

// QueuesOnContention reports the lock-contention policy for this type.
// Disconnect and cleanup must eventually run, so they wait and retry.
// Everything else drops; resyncs simply come back on the next interval.
func (t Type) QueuesOnContention() bool {
	return t == TypeDisconnect || t == TypeCleanup
}

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeInitialConnect, TypePeriodicResync, TypeManualResync, TypeDisconnect, TypeCleanup:
		return true
	}
	return false
}

// Status is the operation state machine position.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal records are
// never mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether an operation in this status is still in flight.
func (s Status) Active() bool {
	return !s.Terminal()
}

// validTransitions is the forward edge set of the state machine. Any
// non-terminal state may additionally move to failed or cancelled.
var validTransitions = map[Status]Status{
	StatusPending:    StatusStarting,
	StatusStarting:   StatusInProgress,
	StatusInProgress: StatusCompleting,
	StatusCompleting: StatusCompleted,
}

// ErrInvalidTransition is returned for state machine violations.
var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition validates a status transition.
func CanTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StatusFailed || to == StatusCancelled {
		return nil
	}
	if validTransitions[from] == to {
		return nil
	}
	// in_progress -> in_progress covers step advancement.
	if from == StatusInProgress && to == StatusInProgress {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Operation is one durable unit of background work.
type Operation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Type     Type   `json:"type"`
	Status   Status `json:"status"`

	// ProgressPercent is monotonically non-decreasing while the operation
	// is active.
	ProgressPercent int    `json:"progress_percent"`
	CurrentStep     int    `json:"current_step"`
	TotalSteps      int    `json:"total_steps"`
	StepDescription string `json:"step_description,omitempty"`

	// BlocksReads is derived from Type at creation and persisted so the
	// read path can answer without knowing type semantics.
	BlocksReads bool `json:"blocks_reads"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	Error string `json:"error,omitempty"`

	StartedAt             time.Time  `json:"started_at"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// ProgressEvent is emitted after every step for observers.
type ProgressEvent struct {
	OperationID     string    `json:"operation_id"`
	TenantID        string    `json:"tenant_id"`
	Type            Type      `json:"type"`
	Status          Status    `json:"status"`
	StepIndex       int       `json:"step_index"`
	TotalSteps      int       `json:"total_steps"`
	StepDescription string    `json:"step_description"`
	Percent         int       `json:"percent"`
	At              time.Time `json:"at"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(ev ProgressEvent)
