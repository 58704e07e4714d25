// Package engine implements the ReplayEngine: it drives one
// workflow run, re-deriving state from stored history and either
// advancing the workflow (committing new events/tasks) or pausing it at
// the first unrecorded external decision.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/store"
	"github.com/loom-run/loom/internal/workflow"
)

// Engine is the ReplayEngine. It holds no per-run state of its own — all
// state lives in the store and is re-derived into a fresh Context on
// every invocation, which is what makes replay safe to re-run after a
// crash.
type Engine struct {
	Store    store.Store
	Registry *registry.Registry
	Now      func() time.Time
}

// New builds an Engine. now defaults to time.Now if nil.
func New(st store.Store, reg *registry.Registry, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{Store: st, Registry: reg, Now: now}
}

// RunStep implements run_step(workflow_id): re-derive state, execute the
// first not-yet-completed step (and any steps before it, via fast-skip),
// and commit the effects. It returns an error only for failures the
// worker should treat as a task-level failure (store errors); workflow-
// level terminal outcomes (completion, failure, non-determinism) are
// committed here and reported back as a nil error — the STEP task
// succeeded at its job of making progress, even if that progress was
// "the workflow is now terminally failed".
func (e *Engine) RunStep(ctx context.Context, workflowID string) error {
	row, err := e.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("engine: load workflow %s: %w", workflowID, err)
	}
	if row.Status != store.StatusRunning {
		// Raced with a cancellation/terminal commit; nothing to do (I4).
		return nil
	}

	def, ok := e.Registry.GetWorkflow(row.Name, row.Version)
	if !ok {
		return e.fail(ctx, row, fmt.Errorf("no registered workflow definition for %s@%s", row.Name, row.Version))
	}

	history, err := e.Store.LoadHistory(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("engine: load history %s: %w", workflowID, err)
	}

	state, cursor, stepIdx, err := foldCompletedSteps(workflowID, row.InitialState, def.Steps, history)
	if err != nil {
		return e.fail(ctx, row, err)
	}
	if stepIdx >= len(def.Steps) {
		// All steps already marked complete; the workflow should already
		// be terminal. Defensive: finish it now rather than loop forever.
		return e.complete(ctx, row.ID, state)
	}

	rctx := workflow.NewContext(workflowID, history, state, e.Now)
	rctx.SetCursor(cursor)

	for i := stepIdx; i < len(def.Steps); i++ {
		step := def.Steps[i]
		stepErr := step.Fn(rctx, row.Input)

		if workflow.IsStopReplay(stepErr) {
			return e.flush(ctx, workflowID, rctx, nil)
		}
		if stepErr != nil {
			return e.fail(ctx, row, stepErr)
		}

		completed, err := workflow.NewEvent(workflowID, workflow.EventStepCompleted, workflow.StepCompletedPayload{StepName: step.Name})
		if err != nil {
			return fmt.Errorf("engine: encode STEP_COMPLETED: %w", err)
		}
		events := append(append([]workflow.Event{}, rctx.PendingEvents()...), completed)
		if err := e.commit(ctx, workflowID, rctx, events, nil); err != nil {
			return err
		}
		rctx.ClearPending()
	}

	return e.complete(ctx, workflowID, rctx.State())
}

// complete appends WORKFLOW_COMPLETED and marks the workflow terminal.
func (e *Engine) complete(ctx context.Context, workflowID string, finalState map[string]any) error {
	raw, err := json.Marshal(finalState)
	if err != nil {
		return fmt.Errorf("engine: encode final state: %w", err)
	}
	ev, err := workflow.NewEvent(workflowID, workflow.EventWorkflowCompleted, workflow.WorkflowCompletedPayload{FinalState: raw})
	if err != nil {
		return err
	}
	status := store.StatusUpdate{Status: store.StatusCompleted}
	if err := e.Store.Commit(ctx, workflowID, []workflow.Event{ev}, nil, &status); err != nil {
		return fmt.Errorf("engine: commit completion: %w", err)
	}
	return nil
}

// fail appends WORKFLOW_FAILED and marks the workflow terminal. Per spec
// §7, this covers uncaught user errors, uncaught activity-failure errors,
// and non-determinism alike — all are terminal, none are retried at the
// task level (RunStep itself still returns nil: the STEP task succeeded
// at making the workflow's state durable, even though that state is
// "failed").
func (e *Engine) fail(ctx context.Context, row *store.WorkflowRow, cause error) error {
	ev, err := workflow.NewEvent(row.ID, workflow.EventWorkflowFailed, workflow.WorkflowFailedPayload{Error: cause.Error()})
	if err != nil {
		return err
	}
	status := store.StatusUpdate{Status: store.StatusFailed}
	if err := e.Store.Commit(ctx, row.ID, []workflow.Event{ev}, nil, &status); err != nil {
		return fmt.Errorf("engine: commit failure: %w", err)
	}
	log.Printf("loom: workflow %s failed: %v", row.ID, cause)
	return nil
}

// flush commits a step's pending effects without a status change — the
// path taken when a step hits StopReplay.
func (e *Engine) flush(ctx context.Context, workflowID string, rctx *workflow.Context, status *store.StatusUpdate) error {
	return e.commit(ctx, workflowID, rctx, rctx.PendingEvents(), status)
}

// commit translates a step's pending task intents into fully-formed
// store.Task rows (resolving an activity's registered retry policy into
// the task's max_attempts, per the design note on store.Commit) and
// flushes events+tasks+logs atomically.
func (e *Engine) commit(ctx context.Context, workflowID string, rctx *workflow.Context, events []workflow.Event, status *store.StatusUpdate) error {
	tasks, err := e.buildTasks(workflowID, events, rctx.PendingTasks())
	if err != nil {
		return err
	}
	if err := e.Store.Commit(ctx, workflowID, events, tasks, status); err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}
	for _, l := range rctx.PendingLogs() {
		if err := e.Store.AppendLog(ctx, store.LogEntry{WorkflowID: workflowID, Level: l.Level, Message: l.Message}); err != nil {
			log.Printf("loom: append log for %s: %v", workflowID, err)
		}
	}
	return nil
}

func (e *Engine) buildTasks(workflowID string, events []workflow.Event, intents []workflow.TaskIntent) ([]store.Task, error) {
	activityNameByID := map[string]string{}
	for _, ev := range events {
		if ev.Type != workflow.EventActivityScheduled {
			continue
		}
		var p workflow.ActivityScheduledPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		activityNameByID[p.ActivityID] = p.Name
	}

	out := make([]store.Task, 0, len(intents))
	for _, in := range intents {
		id, err := store.NewTaskID()
		if err != nil {
			return nil, err
		}
		maxAttempts := store.DefaultStepMaxAttempts()
		if in.Kind == workflow.TaskActivity {
			name := activityNameByID[in.Target]
			if def, ok := e.Registry.GetActivity(name); ok {
				retries := def.Policy.RetryCount
				if retries <= 0 {
					retries = 3
				}
				maxAttempts = retries + 1
			} else {
				maxAttempts = 4
			}
		}
		out = append(out, store.Task{
			ID:          id,
			WorkflowID:  workflowID,
			Kind:        in.Kind,
			Target:      in.Target,
			RunAt:       in.RunAt,
			MaxAttempts: maxAttempts,
		})
	}
	return out, nil
}
