// Package loom is the embedded, in-process Control API: a thin
// facade over the store, registry, engine, and worker pool for
// applications that link Loom directly rather than talking to loomd over
// HTTP.
package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loom-run/loom/internal/engine"
	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/store"
	"github.com/loom-run/loom/internal/worker"
	"github.com/loom-run/loom/internal/workflow"
)

// Registry re-exports the registration surface an embedding application
// uses to define workflows and activities.
type Registry = registry.Registry

// Step and StepFunc re-export the workflow-definition types so callers
// don't need to import internal/registry directly.
type (
	Step               = registry.Step
	StepFunc           = registry.StepFunc
	WorkflowDefinition = registry.WorkflowDefinition
	ActivityDefinition = registry.ActivityDefinition
	ActivityPolicy     = registry.ActivityPolicy
	ActivityFunc       = registry.ActivityFunc
)

// Context re-exports the step execution context.
type Context = workflow.Context

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return registry.New() }

// Client is the embedded Control API: it owns a store connection, a
// registry, the replay engine, and (optionally) a worker pool it can run
// in-process via Run.
type Client struct {
	store store.Store
	reg   *Registry
	eng   *engine.Engine
	pool  *worker.Pool
}

// Config configures a new Client.
type Config struct {
	Store    store.PostgresConfig
	Registry *Registry
	Worker   worker.Config
	Now      func() time.Time
}

// Open connects to the backing store and builds a Client ready to start,
// inspect, and drive workflows. The returned Client's Run method must be
// called (typically in its own goroutine) for any workflow to ever make
// progress — Open alone does not start a worker loop.
func Open(cfg Config) (*Client, error) {
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	eng := engine.New(st, reg, now)
	wcfg := cfg.Worker
	if wcfg == (worker.Config{}) {
		wcfg = worker.DefaultConfig()
	}
	pool := worker.New(st, eng, reg, wcfg, now)
	return &Client{store: st, reg: reg, eng: eng, pool: pool}, nil
}

// Close releases the underlying store connection.
func (c *Client) Close() error { return c.store.Close() }

// Registry returns the Client's registry, for registering workflow and
// activity definitions before Run is called.
func (c *Client) Registry() *Registry { return c.reg }

// Run drives the embedded worker pool until ctx is cancelled. Callers
// that only want to start/inspect workflows from a process whose worker
// pool runs elsewhere (loomd, or another Client) never need to call this.
func (c *Client) Run(ctx context.Context) error { return c.pool.Run(ctx) }

// RunOnce claims and processes a single task, for scripting and test use
// (run_once()). It reports whether a task was available.
func (c *Client) RunOnce(ctx context.Context) (bool, error) { return c.pool.RunOnce(ctx) }

// Start implements `start(workflow_name, version, input, initial_state)`.
func (c *Client) Start(ctx context.Context, name, version string, input, initialState any) (*Handle, error) {
	def, ok := c.reg.GetWorkflow(name, version)
	if !ok {
		return nil, fmt.Errorf("loom: no registered workflow definition for %s@%s", name, version)
	}
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("loom: encode input: %w", err)
	}
	stateRaw, err := json.Marshal(initialState)
	if err != nil {
		return nil, fmt.Errorf("loom: encode initial state: %w", err)
	}

	id, err := randomID()
	if err != nil {
		return nil, err
	}
	taskID, err := store.NewTaskID()
	if err != nil {
		return nil, err
	}
	initialTask := store.Task{
		ID:          taskID,
		WorkflowID:  id,
		Kind:        workflow.TaskStep,
		Target:      def.Steps[0].Name,
		RunAt:       time.Now(),
		MaxAttempts: store.DefaultStepMaxAttempts(),
	}
	if err := c.store.CreateWorkflow(ctx, id, name, version, "", inputRaw, stateRaw, initialTask); err != nil {
		return nil, fmt.Errorf("loom: create workflow: %w", err)
	}
	return &Handle{client: c, id: id}, nil
}

// Handle implements `start(...) -> handle` for a single workflow id (spec
// §6): status/result/signal/cancel.
type Handle struct {
	client *Client
	id     string
}

// ID returns the workflow instance id.
func (h *Handle) ID() string { return h.id }

// Status implements `handle.status()`.
func (h *Handle) Status(ctx context.Context) (store.WorkflowStatus, error) {
	row, err := h.client.store.GetWorkflow(ctx, h.id)
	if err != nil {
		return "", err
	}
	return row.Status, nil
}

// Result implements `handle.result()`: blocks (polling at the given
// interval) until the workflow reaches a terminal status, then returns
// its final state, or an error describing why it did not complete.
func (h *Handle) Result(ctx context.Context, pollInterval time.Duration) (json.RawMessage, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		row, err := h.client.store.GetWorkflow(ctx, h.id)
		if err != nil {
			return nil, err
		}
		switch row.Status {
		case store.StatusCompleted:
			events, err := h.client.store.LoadHistory(ctx, h.id)
			if err != nil {
				return nil, err
			}
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].Type == workflow.EventWorkflowCompleted {
					var p workflow.WorkflowCompletedPayload
					if err := events[i].Decode(&p); err != nil {
						return nil, err
					}
					return p.FinalState, nil
				}
			}
			return nil, nil
		case store.StatusFailed:
			return nil, h.terminalError(ctx, workflow.EventWorkflowFailed)
		case store.StatusCancelled:
			return nil, h.terminalError(ctx, workflow.EventWorkflowCancelled)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handle) terminalError(ctx context.Context, eventType workflow.EventType) error {
	events, err := h.client.store.LoadHistory(ctx, h.id)
	if err != nil {
		return err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != eventType {
			continue
		}
		switch eventType {
		case workflow.EventWorkflowFailed:
			var p workflow.WorkflowFailedPayload
			if err := events[i].Decode(&p); err != nil {
				return err
			}
			return fmt.Errorf("loom: workflow %s failed: %s", h.id, p.Error)
		case workflow.EventWorkflowCancelled:
			var p workflow.WorkflowCancelledPayload
			if err := events[i].Decode(&p); err != nil {
				return err
			}
			return fmt.Errorf("loom: workflow %s cancelled: %s", h.id, p.Reason)
		}
	}
	return fmt.Errorf("loom: workflow %s reached a terminal state with no matching event", h.id)
}

// Signal implements `handle.signal(name, payload)`.
func (h *Handle) Signal(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.client.store.AppendSignal(ctx, h.id, name, raw)
}

// Cancel implements `handle.cancel(reason)`.
func (h *Handle) Cancel(ctx context.Context, reason string) error {
	return h.client.store.Cancel(ctx, h.id, reason)
}

// Inspect implements `inspect(workflow_id) -> (row, events)`.
func (c *Client) Inspect(ctx context.Context, workflowID string) (*store.WorkflowRow, []workflow.Event, error) {
	row, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	events, err := c.store.LoadHistory(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return row, events, nil
}

// List implements `list(status_filter, limit)`.
func (c *Client) List(ctx context.Context, statusFilter string, limit int) ([]store.WorkflowRow, error) {
	return c.store.ListWorkflows(ctx, statusFilter, limit)
}

func randomID() (string, error) {
	return store.NewTaskID()
}
