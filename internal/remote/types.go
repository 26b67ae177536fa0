package remote

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TaskState is the client-side view of a remote task's lifecycle.
type TaskState string

const (
	StateQueued    TaskState = "QUEUED"
	StateRunning   TaskState = "RUNNING"
	StateSucceeded TaskState = "SUCCEEDED"
	StateFailed    TaskState = "FAILED"
	StateCancelled TaskState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ParseTaskState normalises the status vocabularies used by remote services.
func ParseTaskState(value string) (TaskState, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "queued", "pending", "waiting", "submitted":
		return StateQueued, nil
	case "running", "processing", "in_progress", "started":
		return StateRunning, nil
	case "succeeded", "success", "completed", "complete", "done":
		return StateSucceeded, nil
	case "failed", "failure", "error":
		return StateFailed, nil
	case "cancelled", "canceled", "aborted":
		return StateCancelled, nil
	default:
		return "", fmt.Errorf("unknown task state %q", value)
	}
}

// ArtifactRef references a file held by the remote service.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// FileName returns a safe local base name for the artifact.
func (a ArtifactRef) FileName() string {
	name := filepath.Base(strings.TrimSpace(a.Name))
	if name == "" || name == "." || name == "/" || name == ".." {
		return a.ID
	}
	return name
}

// TaskHandle identifies a submitted remote task.
type TaskHandle struct {
	TaskID      string
	WorkflowID  string
	SubmittedAt time.Time
}

// TaskStatus is one observation of a remote task.
type TaskStatus struct {
	State TaskState
	// Progress is a fraction in [0,1] when the remote reports one.
	Progress   *float64
	Results    []ArtifactRef
	Reason     string
	ObservedAt time.Time
	// Synthetic marks a status produced locally rather than reported by the
	// remote, such as CANCELLED after an unconfirmed cancel request.
	Synthetic bool
}

// String renders the status for logs and error messages.
func (s TaskStatus) String() string {
	if s.State == "" {
		return "unknown"
	}
	var b strings.Builder
	b.WriteString(string(s.State))
	if s.Progress != nil {
		fmt.Fprintf(&b, " %.0f%%", *s.Progress*100)
	}
	if reason := strings.TrimSpace(s.Reason); reason != "" {
		b.WriteString(": ")
		b.WriteString(reason)
	}
	return b.String()
}

// Token is an access token issued by the auth endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenGrant carries what the auth endpoint needs to issue a Token.
type TokenGrant struct {
	APIKey       string
	RefreshToken string
}

// UploadSession tracks one chunked upload. The upload id is assigned by the
// remote after the first chunk is acknowledged.
type UploadSession struct {
	Path       string
	FileName   string
	TotalSize  int64
	ChunkSize  int64
	NextOffset int64
	UploadID   string
}

// ChunkCount is the number of chunks the file splits into. An empty file is
// sent as a single empty chunk.
func (s *UploadSession) ChunkCount() int {
	if s.ChunkSize <= 0 || s.TotalSize <= 0 {
		return 1
	}
	return int((s.TotalSize + s.ChunkSize - 1) / s.ChunkSize)
}

// Done reports whether every byte has been acknowledged.
func (s *UploadSession) Done() bool {
	return s.NextOffset >= s.TotalSize && (s.TotalSize > 0 || s.UploadID != "")
}

// Chunk is one slice of an upload on the wire.
type Chunk struct {
	UploadID string
	FileName string
	Index    int
	Count    int
	Offset   int64
	Total    int64
	Data     []byte
}

// ChunkAck is the remote's acknowledgement of a chunk.
type ChunkAck struct {
	UploadID string
	Received int64
	// Artifact is set when the remote finalised the upload with this chunk.
	Artifact *ArtifactRef
}

// Submission is a workflow execution request.
type Submission struct {
	WorkflowID string
	Inputs     map[string]Param
}

// WorkflowInfo describes a workflow offered by the remote.
type WorkflowInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}
