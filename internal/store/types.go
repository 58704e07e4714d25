// Package store is the transactional persistence layer:
// workflows, their append-only event history, the derived task queue, and
// the log sink. All operations either fully succeed or have no effect.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loom-run/loom/internal/workflow"
)

// WorkflowStatus is a workflow instance's lifecycle state.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
	StatusCancelled WorkflowStatus = "CANCELLED"
)

// TaskStatus is a queued task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// WorkflowRow is a workflow instance row.
type WorkflowRow struct {
	ID        string
	Name      string
	Version   string
	Module    string
	Status       WorkflowStatus
	Input        json.RawMessage
	InitialState json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is a unit of deferred work, derived from events but persisted for
// efficient polling.
type Task struct {
	ID          string
	WorkflowID  string
	Kind        workflow.TaskKind
	Target      string
	RunAt       time.Time
	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	ClaimedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StatusUpdate is an optional workflow status transition bundled into a
// Commit call so a step's terminal transition (COMPLETED/FAILED/CANCELLED)
// lands atomically with its final events.
type StatusUpdate struct {
	Status WorkflowStatus
}

// LogEntry is one append_log write.
type LogEntry struct {
	WorkflowID string
	Level      string
	Message    string
}

// Store is the contract every backend (only Postgres, here) must satisfy.
type Store interface {
	// CreateWorkflow appends WORKFLOW_STARTED, inserts the workflow row
	// (RUNNING), and enqueues initialTask (the first STEP task), in one
	// transaction.
	CreateWorkflow(ctx context.Context, id, name, version, module string, input, initialState json.RawMessage, initialTask Task) error

	// Commit bundles a step's observable effects — new events, fully
	// formed task enqueues, and an optional terminal status update — into
	// one transaction. Tasks are
	// expected to already carry an ID, Kind, Target, RunAt and
	// MaxAttempts; their Status is ignored and every task is inserted as
	// TaskPending. The engine builds them (it alone knows, via the
	// registry, an activity's configured retry count).
	Commit(ctx context.Context, workflowID string, events []workflow.Event, tasks []Task, status *StatusUpdate) error

	// LoadHistory returns a workflow's full ordered event history.
	LoadHistory(ctx context.Context, workflowID string) ([]workflow.Event, error)

	// GetWorkflow fetches a single workflow row.
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRow, error)

	// ListWorkflows lists workflows, optionally filtered by status.
	ListWorkflows(ctx context.Context, statusFilter string, limit int) ([]WorkflowRow, error)

	// ClaimNextTask atomically selects one PENDING task with
	// run_at <= now, marks it RUNNING, increments its attempt counter,
	// and returns it. It refuses to claim a STEP task whose workflow
	// already has a STEP task RUNNING (T4/O3). Returns nil, nil if the
	// queue has no claimable task.
	ClaimNextTask(ctx context.Context, workerID string, now time.Time) (*Task, error)

	// CompleteTask marks a claimed task COMPLETED.
	CompleteTask(ctx context.Context, taskID string) error

	// FailTask records a task attempt's failure. If shouldRetry, the task
	// is returned to PENDING with run_at = now+backoff; otherwise it is
	// marked FAILED terminally.
	FailTask(ctx context.Context, taskID string, errMsg string, shouldRetry bool, backoff time.Duration) error

	// Heartbeat refreshes a RUNNING task's liveness marker so orphan
	// recovery can distinguish a slow task from an abandoned one.
	Heartbeat(ctx context.Context, taskID string) error

	// RecoverStaleTasks returns RUNNING tasks whose heartbeat is older
	// than staleAfter back to PENDING, and reports how many it recovered.
	RecoverStaleTasks(ctx context.Context, staleAfter time.Duration) (int, error)

	// AppendSignal appends SIGNAL_RECEIVED and enqueues a STEP task if
	// the workflow has none pending.
	AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error

	// Cancel appends WORKFLOW_CANCELLED and marks the workflow CANCELLED.
	Cancel(ctx context.Context, workflowID, reason string) error

	// AppendLog writes one log line to the log sink.
	AppendLog(ctx context.Context, entry LogEntry) error

	// Logs returns a workflow's log lines in order.
	Logs(ctx context.Context, workflowID string, limit int) ([]LogEntry, error)

	// Close releases the underlying connection pool.
	Close() error
}

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: not found" }
