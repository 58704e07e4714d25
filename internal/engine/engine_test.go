package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-run/loom/internal/registry"
	"github.com/loom-run/loom/internal/store"
	"github.com/loom-run/loom/internal/workflow"
)

// fakeStore is a minimal in-memory store.Store, letting engine tests run
// the S1/S7 scenarios without a real Postgres instance. It mirrors the
// transactional semantics PostgresStore provides (CreateWorkflow/Commit
// are all-or-nothing) but keeps everything in a mutex-guarded map.
type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]*store.WorkflowRow
	events    map[string][]workflow.Event
	tasks     map[string]*store.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: map[string]*store.WorkflowRow{},
		events:    map[string][]workflow.Event{},
		tasks:     map[string]*store.Task{},
	}
}

func (f *fakeStore) CreateWorkflow(ctx context.Context, id, name, version, module string, input, initialState json.RawMessage, initialTask store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[id] = &store.WorkflowRow{
		ID: id, Name: name, Version: version, Module: module,
		Status: store.StatusRunning, Input: input, InitialState: initialState,
	}
	started, _ := workflow.NewEvent(id, workflow.EventWorkflowStarted, workflow.WorkflowStartedPayload{Input: input})
	f.events[id] = append(f.events[id], started)
	initialTask.WorkflowID = id
	f.tasks[initialTask.ID] = &initialTask
	return nil
}

func (f *fakeStore) Commit(ctx context.Context, workflowID string, events []workflow.Event, tasks []store.Task, status *store.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		ev.WorkflowID = workflowID
		ev.Ordinal = int64(len(f.events[workflowID]) + 1)
		f.events[workflowID] = append(f.events[workflowID], ev)
	}
	for _, tk := range tasks {
		t := tk
		t.WorkflowID = workflowID
		f.tasks[t.ID] = &t
	}
	if status != nil {
		f.workflows[workflowID].Status = status.Status
	}
	return nil
}

func (f *fakeStore) LoadHistory(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.Event{}, f.events[workflowID]...), nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, workflowID string) (*store.WorkflowRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.workflows[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeStore) ListWorkflows(ctx context.Context, statusFilter string, limit int) ([]store.WorkflowRow, error) {
	return nil, nil
}
func (f *fakeStore) ClaimNextTask(ctx context.Context, workerID string, now time.Time) (*store.Task, error) {
	return nil, nil
}
func (f *fakeStore) CompleteTask(ctx context.Context, taskID string) error { return nil }
func (f *fakeStore) FailTask(ctx context.Context, taskID string, errMsg string, shouldRetry bool, backoff time.Duration) error {
	return nil
}
func (f *fakeStore) Heartbeat(ctx context.Context, taskID string) error { return nil }
func (f *fakeStore) RecoverStaleTasks(ctx context.Context, staleAfter time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeStore) AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	return nil
}
func (f *fakeStore) Cancel(ctx context.Context, workflowID, reason string) error { return nil }
func (f *fakeStore) AppendLog(ctx context.Context, entry store.LogEntry) error   { return nil }
func (f *fakeStore) Logs(ctx context.Context, workflowID string, limit int) ([]store.LogEntry, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func greetStep(ctx *workflow.Context, input json.RawMessage) error {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return err
	}
	result, err := ctx.Activity("greet", []string{in.Name})
	if err != nil {
		return err
	}
	var greeting string
	if err := json.Unmarshal(result, &greeting); err != nil {
		return err
	}
	return ctx.StateSet("greeting", greeting)
}

func newFixedClock() func() time.Time {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return fixed }
}

func TestRunStep_S1Hello(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "greet", Version: "v1", Steps: []registry.Step{{Name: "greet", Fn: greetStep}},
	}))
	eng := New(st, reg, newFixedClock())

	input, _ := json.Marshal(map[string]string{"name": "World"})
	initial, _ := json.Marshal(map[string]any{"greeting": nil})
	require.NoError(t, st.CreateWorkflow(context.Background(), "wf-1", "greet", "v1", "", input, initial, store.Task{
		ID: "task-1", Kind: workflow.TaskStep, Target: "greet", MaxAttempts: 5,
	}))

	// First dispatch: schedules the activity and pauses (ErrStopReplay).
	require.NoError(t, eng.RunStep(context.Background(), "wf-1"))
	row, err := st.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, row.Status)

	history, err := st.LoadHistory(context.Background(), "wf-1")
	require.NoError(t, err)
	var sched workflow.ActivityScheduledPayload
	for _, e := range history {
		if e.Type == workflow.EventActivityScheduled {
			require.NoError(t, e.Decode(&sched))
		}
	}
	require.NotEmpty(t, sched.ActivityID)

	// Simulate the worker completing the activity out of band.
	result, _ := json.Marshal("Hello, World")
	completed, err := workflow.NewEvent("wf-1", workflow.EventActivityCompleted, workflow.ActivityCompletedPayload{
		ActivityID: sched.ActivityID, Result: result,
	})
	require.NoError(t, err)
	require.NoError(t, st.Commit(context.Background(), "wf-1", []workflow.Event{completed}, nil, nil))

	// Second dispatch: replays the completion, sets state, completes.
	require.NoError(t, eng.RunStep(context.Background(), "wf-1"))
	row, err = st.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, row.Status)

	history, err = st.LoadHistory(context.Background(), "wf-1")
	require.NoError(t, err)
	var finalEvent *workflow.Event
	for i := range history {
		if history[i].Type == workflow.EventWorkflowCompleted {
			finalEvent = &history[i]
		}
	}
	require.NotNil(t, finalEvent)
	var completedPayload workflow.WorkflowCompletedPayload
	require.NoError(t, finalEvent.Decode(&completedPayload))
	finalState, err := workflow.FoldState(initial, history)
	require.NoError(t, err)
	assert.Equal(t, "Hello, World", finalState["greeting"])
}

func TestRunStep_NonRunningWorkflowIsNoop(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()
	eng := New(st, reg, newFixedClock())

	st.workflows["wf-done"] = &store.WorkflowRow{ID: "wf-done", Status: store.StatusCompleted}
	require.NoError(t, eng.RunStep(context.Background(), "wf-done"))
}

func TestRunStep_S7NonDeterminism(t *testing.T) {
	st := newFakeStore()
	reg := registry.New()
	// The step now calls a different activity name than what history
	// records, simulating a code change between replays.
	changedStep := func(ctx *workflow.Context, input json.RawMessage) error {
		_, err := ctx.Activity("farewell", []string{"World"})
		return err
	}
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "greet", Version: "v1", Steps: []registry.Step{{Name: "greet", Fn: changedStep}},
	}))
	eng := New(st, reg, newFixedClock())

	input, _ := json.Marshal(map[string]string{"name": "World"})
	require.NoError(t, st.CreateWorkflow(context.Background(), "wf-2", "greet", "v1", "", input, nil, store.Task{
		ID: "task-2", Kind: workflow.TaskStep, Target: "greet", MaxAttempts: 5,
	}))
	scheduled, _ := workflow.NewEvent("wf-2", workflow.EventActivityScheduled, workflow.ActivityScheduledPayload{
		ActivityID: "a1", Name: "greet", Args: json.RawMessage(`["World"]`),
	})
	require.NoError(t, st.Commit(context.Background(), "wf-2", []workflow.Event{scheduled}, nil, nil))

	require.NoError(t, eng.RunStep(context.Background(), "wf-2"))
	row, err := st.GetWorkflow(context.Background(), "wf-2")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, row.Status)

	history, err := st.LoadHistory(context.Background(), "wf-2")
	require.NoError(t, err)
	var failedPayload workflow.WorkflowFailedPayload
	found := false
	for _, e := range history {
		if e.Type == workflow.EventWorkflowFailed {
			require.NoError(t, e.Decode(&failedPayload))
			found = true
		}
	}
	assert.True(t, found)
	// Must fail on the farewell/greet activity-name mismatch, not on the
	// leading WORKFLOW_STARTED event.
	assert.Contains(t, failedPayload.Error, "greet")
	assert.Contains(t, failedPayload.Error, "farewell")
}
