package remote

import "sync"

// Tracker enforces the task lifecycle QUEUED -> RUNNING -> terminal, with
// QUEUED -> terminal also legal. Terminal states are absorbing.
type Tracker struct {
	mu     sync.Mutex
	taskID string
	last   TaskStatus
	seen   bool
}

// NewTracker returns a tracker for taskID with no observations.
func NewTracker(taskID string) *Tracker {
	return &Tracker{taskID: taskID}
}

// Observe records status, rejecting transitions the lifecycle forbids.
// Repeating the current state is always accepted.
func (t *Tracker) Observe(status TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen {
		from := t.last.State
		if from != status.State {
			if from.Terminal() || (from == StateRunning && status.State == StateQueued) {
				return &InconsistentStateError{TaskID: t.taskID, From: from, To: status.State}
			}
		}
	}
	t.last = status
	t.seen = true
	return nil
}

// Last returns the most recent accepted status.
func (t *Tracker) Last() (TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.seen
}
