package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-run/loom/internal/testutil"
	"github.com/loom-run/loom/internal/workflow"
)

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	pgContainer, _, cleanup := testutil.SetupPostgresContainer(ctx, t)
	t.Cleanup(cleanup)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := Open(PostgresConfig{DSN: connStr})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPostgresStore_CreateWorkflowAndClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	input, _ := json.Marshal(map[string]string{"name": "World"})
	require.NoError(t, st.CreateWorkflow(ctx, "wf-1", "greet", "v1", "", input, nil, Task{
		ID: "task-1", Kind: workflow.TaskStep, Target: "greet", RunAt: now, MaxAttempts: 5,
	}))

	row, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, row.Status)
	assert.Equal(t, "greet", row.Name)

	history, err := st.LoadHistory(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, workflow.EventWorkflowStarted, history[0].Type)

	claimed, err := st.ClaimNextTask(ctx, "worker-1", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "task-1", claimed.ID)
	assert.Equal(t, TaskRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// T4: no second STEP task is claimable while this one is RUNNING.
	require.NoError(t, st.Commit(ctx, "wf-1", nil, []Task{{
		ID: "task-1b", Kind: workflow.TaskStep, Target: "resume", RunAt: now, MaxAttempts: 5,
	}}, nil))
	second, err := st.ClaimNextTask(ctx, "worker-2", now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, st.CompleteTask(ctx, claimed.ID))
}

func TestPostgresStore_CommitAndFailTaskRetrySchedule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// The initial STEP task is due only in an hour, so the ACTIVITY task
	// below is the only claimable one.
	require.NoError(t, st.CreateWorkflow(ctx, "wf-2", "greet", "v1", "", nil, nil, Task{
		ID: "task-1", Kind: workflow.TaskStep, Target: "greet", RunAt: now.Add(time.Hour), MaxAttempts: 5,
	}))

	scheduled, err := workflow.NewEvent("wf-2", workflow.EventActivityScheduled, workflow.ActivityScheduledPayload{
		ActivityID: "a1", Name: "greet", Args: json.RawMessage(`["World"]`),
	})
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, "wf-2", []workflow.Event{scheduled}, []Task{{
		ID: "task-2", WorkflowID: "wf-2", Kind: workflow.TaskActivity, Target: "a1", RunAt: now, MaxAttempts: 3,
	}}, nil))

	claimed, err := st.ClaimNextTask(ctx, "worker-1", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "task-2", claimed.ID)

	require.NoError(t, st.FailTask(ctx, claimed.ID, "boom", true, time.Hour))

	// Retried with a far-future run_at: not claimable yet.
	again, err := st.ClaimNextTask(ctx, "worker-1", now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, again)

	row, err := st.GetWorkflow(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, row.Status)
}

func TestPostgresStore_SignalAndCancel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.CreateWorkflow(ctx, "wf-3", "greet", "v1", "", nil, nil, Task{
		ID: "task-1", Kind: workflow.TaskStep, Target: "greet", RunAt: now, MaxAttempts: 5,
	}))
	// Claim and complete the initial STEP task so that no STEP task is
	// pending when the signal arrives and AppendSignal enqueues a new one.
	claimed, err := st.ClaimNextTask(ctx, "worker-1", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, st.CompleteTask(ctx, claimed.ID))

	require.NoError(t, st.AppendSignal(ctx, "wf-3", "approve", json.RawMessage(`{"by":"u1"}`)))
	history, err := st.LoadHistory(ctx, "wf-3")
	require.NoError(t, err)
	var sawSignal bool
	for _, e := range history {
		if e.Type == workflow.EventSignalReceived {
			sawSignal = true
		}
	}
	assert.True(t, sawSignal)

	require.NoError(t, st.Cancel(ctx, "wf-3", "user requested"))
	row, err := st.GetWorkflow(ctx, "wf-3")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, row.Status)
}

func TestPostgresStore_RecoverStaleTasks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.CreateWorkflow(ctx, "wf-4", "greet", "v1", "", nil, nil, Task{
		ID: "task-1", Kind: workflow.TaskStep, Target: "greet", RunAt: now, MaxAttempts: 5,
	}))
	claimed, err := st.ClaimNextTask(ctx, "worker-1", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := st.RecoverStaleTasks(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	recovered, err := st.ClaimNextTask(ctx, "worker-2", now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, recovered)
	assert.Equal(t, "task-1", recovered.ID)
}

func TestPostgresStore_GetWorkflow_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetWorkflow(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}
