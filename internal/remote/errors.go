package remote

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusError is a non-2xx HTTP response from the remote service.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "…"
	}
	msg := fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.StatusCode)
	if text := http.StatusText(e.StatusCode); text != "" {
		msg += " " + text
	}
	if body != "" {
		msg += ": " + body
	}
	return msg
}

// AuthError reports a failed credential refresh. Retryable failures are
// transient (5xx, timeouts); the rest need operator intervention.
type AuthError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *AuthError) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "unavailable"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("auth %s (http %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("auth %s: %v", kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) ErrorClass() ErrorClass {
	if !e.Retryable {
		return ClassAuth
	}
	if class := Classify(e.Err); class != ClassUnknown {
		return class
	}
	return ClassServer
}

// UploadError aborts a chunked upload at the offset of the chunk that failed.
type UploadError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError reports a stream failure or a length mismatch. Retryable
// failures restart the download from the beginning.
type DownloadError struct {
	ArtifactID string
	Expected   int64
	Received   int64
	Retryable  bool
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("download %s: received %d of %d bytes", e.ArtifactID, e.Received, e.Expected)
	}
	return fmt.Sprintf("download %s: %v", e.ArtifactID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func (e *DownloadError) ErrorClass() ErrorClass {
	if e.Retryable {
		return ClassIntegrity
	}
	if e.Err == nil {
		return ClassUnknown
	}
	return Classify(e.Err)
}

// SubmissionError reports a workflow the remote refused to run.
type SubmissionError struct {
	WorkflowID string
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("workflow %q rejected: %v", e.WorkflowID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) ErrorClass() ErrorClass { return ClassClient }

// PollTimeoutError means no terminal status arrived in time. The remote task
// may still complete; its outcome is unknown.
type PollTimeoutError struct {
	TaskID string
	Waited time.Duration
	Last   TaskStatus
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("task %s: no terminal status after %s (last status %s, outcome unknown)", e.TaskID, e.Waited.Round(time.Millisecond), e.Last)
}

func (e *PollTimeoutError) ErrorClass() ErrorClass { return ClassTimeout }

// PollError is raised when status queries fail too many times in a row, or
// fail in a way retries cannot fix.
type PollError struct {
	TaskID   string
	Failures int
	Err      error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("task %s: status polling failed after %d consecutive failures: %v", e.TaskID, e.Failures, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// InconsistentStateError is a status regression reported by the remote.
type InconsistentStateError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("task %s: remote reported illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *InconsistentStateError) ErrorClass() ErrorClass { return ClassProtocol }

// InvalidStateError is an operation called before its precondition holds.
type InvalidStateError struct {
	TaskID    string
	Operation string
	State     TaskState
}

func (e *InvalidStateError) Error() string {
	state := string(e.State)
	if state == "" {
		state = "untracked"
	}
	return fmt.Sprintf("%s: task %s is %s, want %s", e.Operation, e.TaskID, state, StateSucceeded)
}

func (e *InvalidStateError) ErrorClass() ErrorClass { return ClassProtocol }

// RetryExhaustedError wraps the last failure of an operation that used every
// attempt of its policy.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
