package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind mirrors store.Task's kind column without creating an import
// cycle between workflow and store — the engine translates these into
// store.Task rows when it flushes a step's effects.
type TaskKind string

const (
	TaskStep     TaskKind = "STEP"
	TaskActivity TaskKind = "ACTIVITY"
	TaskTimer    TaskKind = "TIMER"
)

// TaskIntent is a task-enqueue request collected while running a step,
// flushed by the engine alongside the step's pending events.
type TaskIntent struct {
	Kind   TaskKind
	Target string
	RunAt  time.Time
}

// LogIntent is a queued ctx.logger call, flushed to the log sink only in
// live mode — replayed logger calls are suppressed.
type LogIntent struct {
	Level   string
	Message string
}

// ChildWorkflowRequest describes a start_child_workflow call resolved by
// the worker through the same activity-scheduling machinery used for
// ordinary activities (see doc comment on Context.StartChildWorkflow).
type ChildWorkflowRequest struct {
	DefinitionName string
	Version        string
	Input          json.RawMessage
}

// Context is the narrow interface exposed to user step code.
// Every operation that introduces non-determinism flows through it; the
// engine constructs one per run_step invocation with the cursor at the
// start of history.
type Context struct {
	workflowID string
	history    []Event
	cursor     int
	historyLen int
	now        func() time.Time

	state map[string]any

	consumedSignals map[int64]bool

	pendingEvents []Event
	pendingTasks  []TaskIntent
	pendingLogs   []LogIntent

	activitySeq int
	timerSeq    int
}

// NewContext builds a Context for a single run_step invocation: history is
// the workflow's full ordered event log, initialFoldedState the state
// already folded from the workflow's initial state and the steps the
// caller has fast-skipped.
func NewContext(workflowID string, history []Event, initialFoldedState map[string]any, now func() time.Time) *Context {
	if now == nil {
		now = time.Now
	}
	st := initialFoldedState
	if st == nil {
		st = map[string]any{}
	}
	return &Context{
		workflowID:      workflowID,
		history:         history,
		historyLen:      len(history),
		now:             now,
		state:           st,
		consumedSignals: map[int64]bool{},
	}
}

// Replaying reports whether the cursor still has stored history ahead of
// it. Side effects (logs, task enqueues, history writes) fire only when
// this is false; determinism checks fire only when it is true.
func (c *Context) Replaying() bool { return c.cursor < c.historyLen }

// Cursor returns the engine's current position in history, for the
// ReplayEngine's step fast-skip bookkeeping.
func (c *Context) Cursor() int { return c.cursor }

// SetCursor repositions the cursor; used by the engine to fast-skip past
// events already covered by a STEP_COMPLETED.
func (c *Context) SetCursor(n int) { c.cursor = n }

// State returns the folded state as of the current point in replay/live
// execution — a live read, not wrapped in an event.
func (c *Context) State() map[string]any { return c.state }

// PendingEvents returns the events this step body has produced so far,
// for the engine to flush atomically at a step boundary or StopReplay.
func (c *Context) PendingEvents() []Event { return c.pendingEvents }

// PendingTasks returns task-enqueue intents collected so far.
func (c *Context) PendingTasks() []TaskIntent { return c.pendingTasks }

// PendingLogs returns queued log-sink writes collected so far.
func (c *Context) PendingLogs() []LogIntent { return c.pendingLogs }

// ClearPending discards collected events/tasks/logs after the engine has
// flushed them, so the same Context can continue into the next step with
// an empty pending batch.
func (c *Context) ClearPending() {
	c.pendingEvents = nil
	c.pendingTasks = nil
	c.pendingLogs = nil
}

func (c *Context) nondeterministic(detail string) error {
	return &NonDeterministicWorkflowError{WorkflowID: c.workflowID, Detail: detail}
}

// peek returns the event at the cursor, or the zero value and false if the
// cursor is at the end of history.
func (c *Context) peek() (Event, bool) {
	if c.cursor >= c.historyLen {
		return Event{}, false
	}
	return c.history[c.cursor], true
}

// Activity schedules or awaits an activity invocation. args is marshaled
// to JSON for both the scheduled-event payload and the determinism
// comparison against history.
func (c *Context) Activity(name string, args any) (json.RawMessage, error) {
	argsRaw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode activity args: %w", err)
	}

	if ev, ok := c.peek(); ok {
		if ev.Type != EventActivityScheduled {
			return nil, c.nondeterministic(fmt.Sprintf("expected ACTIVITY_SCHEDULED(%s), found %s", name, ev.Type))
		}
		var sched ActivityScheduledPayload
		if err := ev.Decode(&sched); err != nil {
			return nil, err
		}
		if sched.Name != name || !bytes.Equal(normalizeJSON(sched.Args), normalizeJSON(argsRaw)) {
			return nil, c.nondeterministic(fmt.Sprintf("activity call mismatch: history has %s(%s), code calls %s(%s)", sched.Name, sched.Args, name, argsRaw))
		}
		c.cursor++

		next, ok := c.peek()
		if !ok {
			return nil, ErrStopReplay
		}
		switch next.Type {
		case EventActivityCompleted:
			var done ActivityCompletedPayload
			if err := next.Decode(&done); err != nil {
				return nil, err
			}
			if done.ActivityID != sched.ActivityID {
				return nil, c.nondeterministic("activity completion id mismatch")
			}
			c.cursor++
			return done.Result, nil
		case EventActivityFailed:
			var failed ActivityFailedPayload
			if err := next.Decode(&failed); err != nil {
				return nil, err
			}
			if failed.ActivityID != sched.ActivityID {
				return nil, c.nondeterministic("activity failure id mismatch")
			}
			c.cursor++
			return nil, &ActivityFailedError{ActivityID: failed.ActivityID, Name: name, Message: failed.Error}
		default:
			return nil, ErrStopReplay
		}
	}

	c.activitySeq++
	activityID := fmt.Sprintf("%s-act-%d-%s", c.workflowID, c.activitySeq, uuid.New().String()[:8])
	ev, err := NewEvent(c.workflowID, EventActivityScheduled, ActivityScheduledPayload{
		ActivityID: activityID,
		Name:       name,
		Args:       argsRaw,
		Attempt:    0,
	})
	if err != nil {
		return nil, err
	}
	c.pendingEvents = append(c.pendingEvents, ev)
	c.pendingTasks = append(c.pendingTasks, TaskIntent{Kind: TaskActivity, Target: activityID, RunAt: c.now()})
	return nil, ErrStopReplay
}

// Sleep awaits a timer. fire_at is computed once, at the first encounter,
// as now()+duration, and thereafter replayed verbatim from history.
func (c *Context) Sleep(duration time.Duration) error {
	if ev, ok := c.peek(); ok {
		if ev.Type != EventTimerScheduled {
			return c.nondeterministic(fmt.Sprintf("expected TIMER_SCHEDULED, found %s", ev.Type))
		}
		var sched TimerScheduledPayload
		if err := ev.Decode(&sched); err != nil {
			return err
		}
		c.cursor++

		next, ok := c.peek()
		if !ok {
			return ErrStopReplay
		}
		if next.Type != EventTimerFired {
			return ErrStopReplay
		}
		var fired TimerFiredPayload
		if err := next.Decode(&fired); err != nil {
			return err
		}
		if fired.TimerID != sched.TimerID {
			return c.nondeterministic("timer fired id mismatch")
		}
		c.cursor++
		return nil
	}

	c.timerSeq++
	timerID := fmt.Sprintf("%s-timer-%d-%s", c.workflowID, c.timerSeq, uuid.New().String()[:8])
	fireAt := c.now().Add(duration)
	ev, err := NewEvent(c.workflowID, EventTimerScheduled, TimerScheduledPayload{TimerID: timerID, FireAt: fireAt})
	if err != nil {
		return err
	}
	c.pendingEvents = append(c.pendingEvents, ev)
	c.pendingTasks = append(c.pendingTasks, TaskIntent{Kind: TaskTimer, Target: timerID, RunAt: fireAt})
	return ErrStopReplay
}

// WaitForSignal scans the full history for the first not-yet-consumed
// SIGNAL_RECEIVED{name}. Signals arrive out-of-band from whatever step is
// currently running, so matching is by name across all history rather
// than by strict cursor position; once matched, that event is marked
// consumed so a second wait_for_signal call (in this step or a later one)
// never observes it again.
func (c *Context) WaitForSignal(name string) (json.RawMessage, error) {
	for _, ev := range c.history {
		if ev.Type != EventSignalReceived {
			continue
		}
		if c.consumedSignals[ev.Ordinal] {
			continue
		}
		var p SignalReceivedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		if p.Name != name {
			continue
		}
		c.consumedSignals[ev.Ordinal] = true
		return p.Payload, nil
	}
	return nil, ErrStopReplay
}

// StateGet is a pure read from folded state; it never appends an event.
func (c *Context) StateGet(key string, def any) any {
	if v, ok := c.state[key]; ok {
		return v
	}
	return def
}

// StateSet appends STATE_SET (live) or confirms+advances past it
// (replaying), and always mutates the in-memory folded state so
// subsequent reads in the same step observe it immediately.
func (c *Context) StateSet(key string, value any) error {
	if ev, ok := c.peek(); ok {
		if ev.Type != EventStateSet {
			return c.nondeterministic(fmt.Sprintf("expected STATE_SET(%s), found %s", key, ev.Type))
		}
		var p StateSetPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if p.Key != key {
			return c.nondeterministic(fmt.Sprintf("state.set key mismatch: history has %q, code sets %q", p.Key, key))
		}
		c.cursor++
		c.state[key] = p.Value
		return nil
	}

	ev, err := NewEvent(c.workflowID, EventStateSet, StateSetPayload{Key: key, Value: value})
	if err != nil {
		return err
	}
	c.pendingEvents = append(c.pendingEvents, ev)
	c.state[key] = value
	return nil
}

// StateUpdate computes a full replacement state via fn (in live mode) or
// loads the recorded replacement verbatim (replaying), and appends a
// single STATE_UPDATE event with the complete new state.
func (c *Context) StateUpdate(fn func(map[string]any) map[string]any) error {
	if ev, ok := c.peek(); ok {
		if ev.Type != EventStateUpdate {
			return c.nondeterministic(fmt.Sprintf("expected STATE_UPDATE, found %s", ev.Type))
		}
		var p StateUpdatePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		next := map[string]any{}
		if len(p.NewState) > 0 && string(p.NewState) != "null" {
			if err := json.Unmarshal(p.NewState, &next); err != nil {
				return err
			}
		}
		c.cursor++
		c.state = next
		return nil
	}

	next := fn(c.state)
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	ev, err := NewEvent(c.workflowID, EventStateUpdate, StateUpdatePayload{NewState: raw})
	if err != nil {
		return err
	}
	c.pendingEvents = append(c.pendingEvents, ev)
	c.state = next
	return nil
}

// Batch collects multiple state mutations into a single STATE_UPDATE
// event emitted when Commit is called (spec: "batch() collects multiple
// sets into one event emitted at scope exit").
type Batch struct {
	ctx     *Context
	overlay map[string]any
}

// Batch opens a batch scope over the current folded state.
func (c *Context) Batch() *Batch {
	return &Batch{ctx: c, overlay: map[string]any{}}
}

// Set buffers a key/value pair; nothing is appended until Commit.
func (b *Batch) Set(key string, value any) {
	b.overlay[key] = value
}

// Commit flushes the buffered keys as one STATE_UPDATE on top of the
// state as it stands when Commit is called.
func (b *Batch) Commit() error {
	return b.ctx.StateUpdate(func(current map[string]any) map[string]any {
		next := make(map[string]any, len(current)+len(b.overlay))
		for k, v := range current {
			next[k] = v
		}
		for k, v := range b.overlay {
			next[k] = v
		}
		return next
	})
}

// Logger appends a log line in live mode; replayed calls are suppressed
// so a workflow's log output isn't duplicated on every
// replay.
func (c *Context) Logger(level, msg string) {
	if c.Replaying() {
		return
	}
	c.pendingLogs = append(c.pendingLogs, LogIntent{Level: level, Message: msg})
}

// StartChildWorkflow spawns a new workflow instance, recording the child's
// id in history for determinism. It is implemented as a reserved-name
// activity call ("system.start_child_workflow") so it gets
// schedule/complete events, a determinism check, and replay-safety for
// free from the same machinery as a user activity — the worker (not the
// registry) resolves this reserved name by calling store.CreateWorkflow
// and returning the new child's id as the activity result.
const StartChildWorkflowActivity = "system.start_child_workflow"

func (c *Context) StartChildWorkflow(definitionName, version string, input any) (string, error) {
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	result, err := c.Activity(StartChildWorkflowActivity, ChildWorkflowRequest{
		DefinitionName: definitionName,
		Version:        version,
		Input:          inputRaw,
	})
	if err != nil {
		return "", err
	}
	var childID string
	if err := json.Unmarshal(result, &childID); err != nil {
		return "", err
	}
	return childID, nil
}

// normalizeJSON re-marshals through a generic interface{} so structurally
// equal JSON (differing only in key order or insignificant whitespace)
// compares equal.
func normalizeJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
