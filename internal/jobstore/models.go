package jobstore

import "time"

// Status represents the lifecycle of a replication job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPreparing   Status = "preparing"
	StatusExtracting  Status = "extracting"
	StatusUploading   Status = "uploading"
	StatusSubmitting  Status = "submitting"
	StatusPolling     Status = "polling"
	StatusDownloading Status = "downloading"
	StatusComposing   Status = "composing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusPreparing,
	StatusExtracting,
	StatusUploading,
	StatusSubmitting,
	StatusPolling,
	StatusDownloading,
	StatusComposing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns every known job status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a string into a Status.
func ParseStatus(value string) (Status, bool) {
	for _, status := range allStatuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions happen from this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one replication run of a single input video.
type Job struct {
	ID              string
	InputPath       string
	OutputPath      string
	WorkflowID      string
	Status          Status
	ProgressPercent float64
	ProgressMessage string
	RemoteTaskID    string
	RemoteStatus    string
	WorkDir         string
	ErrorMessage    string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      *time.Time
}

// Elapsed is the time since the job was created, or its total duration once
// finished.
func (j *Job) Elapsed(now time.Time) time.Duration {
	if j == nil || j.CreatedAt.IsZero() {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(j.CreatedAt)
	}
	return now.Sub(j.CreatedAt)
}
