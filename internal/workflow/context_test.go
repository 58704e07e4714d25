package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestContext_Activity_LiveThenReplay(t *testing.T) {
	ctx := NewContext("wf-1", nil, nil, fixedNow())

	result, err := ctx.Activity("greet", []string{"World"})
	require.ErrorIs(t, err, ErrStopReplay)
	assert.Nil(t, result)
	require.Len(t, ctx.PendingEvents(), 1)
	assert.Equal(t, EventActivityScheduled, ctx.PendingEvents()[0].Type)
	require.Len(t, ctx.PendingTasks(), 1)
	assert.Equal(t, TaskActivity, ctx.PendingTasks()[0].Kind)

	var sched ActivityScheduledPayload
	require.NoError(t, ctx.PendingEvents()[0].Decode(&sched))

	scheduled := ctx.PendingEvents()[0]
	completed, err := NewEvent("wf-1", EventActivityCompleted, ActivityCompletedPayload{
		ActivityID: sched.ActivityID,
		Result:     mustMarshal(t, "Hello, World"),
	})
	require.NoError(t, err)

	history := []Event{scheduled, completed}
	replayCtx := NewContext("wf-1", history, nil, fixedNow())

	out, err := replayCtx.Activity("greet", []string{"World"})
	require.NoError(t, err)
	var greeting string
	require.NoError(t, unmarshal(out, &greeting))
	assert.Equal(t, "Hello, World", greeting)
	assert.False(t, replayCtx.Replaying())
}

func TestContext_Activity_NonDeterministic(t *testing.T) {
	scheduled, err := NewEvent("wf-1", EventActivityScheduled, ActivityScheduledPayload{
		ActivityID: "a1", Name: "greet", Args: mustMarshal(t, []string{"World"}),
	})
	require.NoError(t, err)

	replayCtx := NewContext("wf-1", []Event{scheduled}, nil, fixedNow())
	_, err = replayCtx.Activity("farewell", []string{"World"})
	var ndErr *NonDeterministicWorkflowError
	require.ErrorAs(t, err, &ndErr)
}

func TestContext_Sleep_ThenFire(t *testing.T) {
	ctx := NewContext("wf-1", nil, nil, fixedNow())
	err := ctx.Sleep(2 * time.Second)
	require.ErrorIs(t, err, ErrStopReplay)
	require.Len(t, ctx.PendingEvents(), 1)
	require.Len(t, ctx.PendingTasks(), 1)
	assert.Equal(t, TaskTimer, ctx.PendingTasks()[0].Kind)

	scheduledEv := ctx.PendingEvents()[0]
	var sched TimerScheduledPayload
	require.NoError(t, scheduledEv.Decode(&sched))
	fired, err := NewEvent("wf-1", EventTimerFired, TimerFiredPayload{TimerID: sched.TimerID})
	require.NoError(t, err)

	replayCtx := NewContext("wf-1", []Event{scheduledEv, fired}, nil, fixedNow())
	require.NoError(t, replayCtx.Sleep(2*time.Second))
	assert.False(t, replayCtx.Replaying())
}

func TestContext_WaitForSignal(t *testing.T) {
	ctx := NewContext("wf-1", nil, nil, fixedNow())
	_, err := ctx.WaitForSignal("approve")
	require.ErrorIs(t, err, ErrStopReplay)

	received, err := NewEvent("wf-1", EventSignalReceived, SignalReceivedPayload{
		Name: "approve", Payload: mustMarshal(t, map[string]string{"by": "u1"}),
	})
	require.NoError(t, err)

	replayCtx := NewContext("wf-1", []Event{received}, nil, fixedNow())
	payload, err := replayCtx.WaitForSignal("approve")
	require.NoError(t, err)
	var p map[string]string
	require.NoError(t, unmarshal(payload, &p))
	assert.Equal(t, "u1", p["by"])

	// A second wait for the same signal name must not re-observe it.
	_, err = replayCtx.WaitForSignal("approve")
	require.ErrorIs(t, err, ErrStopReplay)
}

func TestContext_StateSetAndBatch(t *testing.T) {
	ctx := NewContext("wf-1", nil, nil, fixedNow())
	require.NoError(t, ctx.StateSet("greeting", "Hello, World"))
	assert.Equal(t, "Hello, World", ctx.StateGet("greeting", nil))

	b := ctx.Batch()
	b.Set("a", 1)
	b.Set("b", 2)
	require.NoError(t, b.Commit())
	assert.EqualValues(t, 1, ctx.State()["a"])
	assert.EqualValues(t, 2, ctx.State()["b"])
	// Batch.Commit uses StateUpdate (full replacement), so the earlier
	// StateSet key survives only if carried into the overlay's base.
	assert.Equal(t, "Hello, World", ctx.State()["greeting"])
}

func TestContext_LoggerSuppressedWhileReplaying(t *testing.T) {
	scheduled, err := NewEvent("wf-1", EventActivityScheduled, ActivityScheduledPayload{
		ActivityID: "a1", Name: "greet", Args: mustMarshal(t, []string{"World"}),
	})
	require.NoError(t, err)
	replayCtx := NewContext("wf-1", []Event{scheduled}, nil, fixedNow())
	replayCtx.Logger("info", "should be suppressed")
	assert.Empty(t, replayCtx.PendingLogs())

	liveCtx := NewContext("wf-1", nil, nil, fixedNow())
	liveCtx.Logger("info", "should be recorded")
	require.Len(t, liveCtx.PendingLogs(), 1)
}

func TestContext_ClearPending(t *testing.T) {
	ctx := NewContext("wf-1", nil, nil, fixedNow())
	require.NoError(t, ctx.StateSet("x", 1))
	require.Len(t, ctx.PendingEvents(), 1)
	ctx.ClearPending()
	assert.Empty(t, ctx.PendingEvents())
	assert.Empty(t, ctx.PendingTasks())
	assert.Empty(t, ctx.PendingLogs())
	// State itself is untouched by ClearPending.
	assert.EqualValues(t, 1, ctx.State()["x"])
}
