package store

import "github.com/google/uuid"

// defaultStepMaxAttempts bounds retries of a STEP task against store
// errors — distinct from an activity's
// registry-configured retry count, which governs ACTIVITY task attempts.
const defaultStepMaxAttempts = 5

// DefaultStepMaxAttempts exposes defaultStepMaxAttempts to callers (the
// engine) that build STEP/TIMER tasks outside this package.
func DefaultStepMaxAttempts() int { return defaultStepMaxAttempts }

func newTaskID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTaskID exposes newTaskID to callers (the engine) that build tasks
// outside this package.
func NewTaskID() (string, error) { return newTaskID() }
