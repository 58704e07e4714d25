package engine

import (
	"encoding/json"
	"fmt"

	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/workflow"
)

// foldCompletedSteps walks history from the start, skipping whole steps
// that already carry a STEP_COMPLETED marker: for each such span it folds
// only the STATE_SET/STATE_UPDATE events into state (the span's
// activity/timer/signal events are closed facts about a step that will
// not be re-executed, so they are not replayed through a Context) and
// advances past the STEP_COMPLETED. It stops at the first step with no
// STEP_COMPLETED yet recorded — the engine hands the remaining history
// from there to a Context so that step can resume exactly where it left
// off. The returned cursor and stepIdx mark where that handoff begins.
func foldCompletedSteps(workflowID string, initialState json.RawMessage, steps []registry.Step, history []workflow.Event) (map[string]any, int, int, error) {
	state := map[string]any{}
	if len(initialState) > 0 && string(initialState) != "null" {
		if err := json.Unmarshal(initialState, &state); err != nil {
			return nil, 0, 0, fmt.Errorf("decode initial state: %w", err)
		}
	}

	cursor := 0
	stepIdx := 0

	// WORKFLOW_STARTED always leads the log (store.CreateWorkflow writes it
	// as the workflow's first event) and carries no ctx-call determinism
	// check of its own, so
	// it is never a position a Context should compare a live call against.
	if len(history) > 0 && history[0].Type == workflow.EventWorkflowStarted {
		cursor = 1
	}

	for {
		boundary := -1
		for k := cursor; k < len(history); k++ {
			if history[k].Type == workflow.EventStepCompleted {
				boundary = k
				break
			}
		}
		if boundary == -1 {
			break
		}

		for k := cursor; k < boundary; k++ {
			ev := history[k]
			switch ev.Type {
			case workflow.EventStateSet:
				var p workflow.StateSetPayload
				if err := ev.Decode(&p); err != nil {
					return nil, 0, 0, err
				}
				state[p.Key] = p.Value
			case workflow.EventStateUpdate:
				var p workflow.StateUpdatePayload
				if err := ev.Decode(&p); err != nil {
					return nil, 0, 0, err
				}
				next := map[string]any{}
				if len(p.NewState) > 0 && string(p.NewState) != "null" {
					if err := json.Unmarshal(p.NewState, &next); err != nil {
						return nil, 0, 0, err
					}
				}
				state = next
			}
		}

		var p workflow.StepCompletedPayload
		if err := history[boundary].Decode(&p); err != nil {
			return nil, 0, 0, err
		}
		if stepIdx >= len(steps) || steps[stepIdx].Name != p.StepName {
			return nil, 0, 0, &workflow.NonDeterministicWorkflowError{
				WorkflowID: workflowID,
				Detail:     fmt.Sprintf("history records STEP_COMPLETED(%s) at position %d, but the registered definition expects a different step there", p.StepName, stepIdx),
			}
		}
		stepIdx++
		cursor = boundary + 1
	}

	return state, cursor, stepIdx, nil
}
