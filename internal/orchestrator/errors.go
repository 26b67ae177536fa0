package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"framerelay/internal/remote"
)

// TaskFailedError reports a remote task that ended FAILED. Reason is the
// remote's own explanation, unmodified.
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		return fmt.Sprintf("remote task %s failed without a reason", e.TaskID)
	}
	return fmt.Sprintf("remote task %s failed: %s", e.TaskID, reason)
}

// StageError is the single error type a Task returns.
type StageError struct {
	JobID      string
	TaskID     string
	Stage      Stage
	Elapsed    time.Duration
	LastStatus remote.TaskStatus
	Err        error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s: %s failed", e.JobID, e.Stage)
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (remote task %s, last status %s)", e.TaskID, e.LastStatus)
	}
	fmt.Fprintf(&b, " after %s: %v", e.Elapsed.Round(time.Millisecond), e.Err)
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// SafeToRetry reports whether the whole run may be started again from
// scratch. It always holds.
func (e *StageError) SafeToRetry() bool { return true }

// UserMessage renders the error for terminal output.
func (e *StageError) UserMessage() string {
	msg := fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	if e.SafeToRetry() {
		msg += " (safe to retry from scratch)"
	}
	return msg
}
