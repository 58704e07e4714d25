package workflow

import "fmt"

// NonDeterministicWorkflowError is raised when replayed history does not
// match what the running step code is trying to do next. It is terminal:
// the engine fails the workflow and never retries.
type NonDeterministicWorkflowError struct {
	WorkflowID string
	Detail     string
}

func (e *NonDeterministicWorkflowError) Error() string {
	return fmt.Sprintf("workflow %s: non-deterministic replay: %s", e.WorkflowID, e.Detail)
}

// ActivityFailedError surfaces a permanently-failed activity to the
// awaiting step. It is the one error kind user workflow code is expected
// to catch; every other error kind terminates the workflow.
type ActivityFailedError struct {
	ActivityID string
	Name       string
	Message    string
}

func (e *ActivityFailedError) Error() string {
	return fmt.Sprintf("activity %s (%s) failed: %s", e.Name, e.ActivityID, e.Message)
}

// stopReplay is the sentinel value user code must let propagate untouched
// when a step blocks on an activity, timer, or signal with no matching
// completion yet in history. It is not an error in the ordinary sense —
// the engine treats it as "commit what's pending and pause", never as a
// workflow failure — but it rides the normal Go error-return channel so
// step bodies can be plain sequential functions.
type stopReplay struct{}

func (stopReplay) Error() string { return "loom: step paused awaiting external progress" }

// ErrStopReplay is the sentinel instance. Step code that calls into
// ExecutionContext must propagate any error it gets back unexamined
// (`if err != nil { return err }`) rather than inspecting or swallowing
// it, so that ErrStopReplay reaches the engine intact.
var ErrStopReplay error = stopReplay{}

// IsStopReplay reports whether err is the StopReplay sentinel.
func IsStopReplay(err error) bool {
	_, ok := err.(stopReplay)
	return ok
}
