package testsupport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeFile is a result artifact served by FakeRemote.
type FakeFile struct {
	Name string
	Data []byte
}

// FakeRemote is an in-memory workflow service speaking the JSON protocol
// under /v1. Fields may be set before the first request; counters are read
// through the accessor methods.
type FakeRemote struct {
	Server *httptest.Server
	URL    string

	mu sync.Mutex

	// ChunkFailures maps a chunk index to the number of 503 responses it
	// receives before succeeding.
	ChunkFailures map[int]int
	// ChunkRejects maps a chunk index to a non-retryable status code.
	ChunkRejects map[int]int
	// Workflows lists known workflow ids with an optional input schema.
	Workflows map[string]json.RawMessage
	// Script is the status sequence each new task reports, one entry per
	// status query. The last entry repeats.
	Script []string
	// TaskError is reported as the failure reason of failed tasks.
	TaskError string
	// Results are attached to succeeded tasks.
	Results []FakeFile
	// TruncateDownloads makes the first N downloads send half their body.
	TruncateDownloads int
	// IgnoreCancel acknowledges cancel requests without changing the task.
	IgnoreCancel bool

	nextID        int
	uploads       map[string][]byte
	artifacts     map[string]FakeFile
	tasks         map[string]*fakeTask
	chunkAttempts int
	chunkOrder    []int
	chunkSizes    []int
	submitCalls   int
	statusCalls   int
	cancelCalls   int
	downloadCalls int
	lastSubmit    map[string]any
	idempotency   []string
}

type fakeTask struct {
	workflowID string
	script     []string
	step       int
	results    []string
}

// NewFakeRemote starts a FakeRemote with one known workflow and registers
// cleanup.
func NewFakeRemote(t testing.TB) *FakeRemote {
	t.Helper()
	f := &FakeRemote{
		ChunkFailures: map[int]int{},
		ChunkRejects:  map[int]int{},
		Workflows:     map[string]json.RawMessage{"default_video_replication": nil},
		Script:        []string{"queued", "running", "succeeded"},
		Results:       []FakeFile{{Name: "frame_00001.png", Data: []byte("frame-1")}},
		uploads:       map[string][]byte{},
		artifacts:     map[string]FakeFile{},
		tasks:         map[string]*fakeTask{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", f.handleStatus)
	mux.HandleFunc("POST /v1/uploads/chunks", f.handleChunk)
	mux.HandleFunc("POST /v1/uploads/{id}/complete", f.handleComplete)
	mux.HandleFunc("GET /v1/artifacts/{id}/download", f.handleDownload)
	mux.HandleFunc("GET /v1/workflows", f.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", f.handleWorkflow)
	mux.HandleFunc("POST /v1/workflows/execute", f.handleExecute)
	mux.HandleFunc("GET /v1/tasks/{id}", f.handleTask)
	mux.HandleFunc("GET /v1/tasks/{id}/results", f.handleResults)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", f.handleCancel)
	f.Server = httptest.NewServer(mux)
	f.URL = f.Server.URL + "/v1"
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeRemote) id(prefix string) string {
	f.nextID++
	return prefix + "-" + strconv.Itoa(f.nextID)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *FakeRemote) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (f *FakeRemote) handleChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.chunkAttempts++
	index, _ := strconv.Atoi(r.Header.Get("X-Chunk-Index"))
	if code := f.ChunkRejects[index]; code != 0 {
		writeJSON(w, code, map[string]string{"error": "chunk rejected"})
		return
	}
	if f.ChunkFailures[index] > 0 {
		f.ChunkFailures[index]--
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
		return
	}

	var start, end, total int64
	if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad content-range"})
		return
	}
	uploadID := r.Header.Get("X-Upload-Id")
	if uploadID == "" {
		uploadID = f.id("up")
		f.uploads[uploadID] = nil
	}
	buf, ok := f.uploads[uploadID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown upload"})
		return
	}
	if int64(len(buf)) != start {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "out of order chunk"})
		return
	}
	buf = append(buf, body...)
	f.uploads[uploadID] = buf
	f.chunkOrder = append(f.chunkOrder, index)
	f.chunkSizes = append(f.chunkSizes, len(body))
	writeJSON(w, http.StatusOK, map[string]any{"upload_id": uploadID, "received": len(buf)})
}

func (f *FakeRemote) handleComplete(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		FileName string `json:"file_name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	uploadID := r.PathValue("id")
	data, ok := f.uploads[uploadID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown upload"})
		return
	}
	artifactID := f.id("art")
	f.artifacts[artifactID] = FakeFile{Name: payload.FileName, Data: data}
	writeJSON(w, http.StatusOK, map[string]any{"artifact_id": artifactID, "name": payload.FileName, "size": len(data)})
}

func (f *FakeRemote) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	file, ok := f.artifacts[r.PathValue("id")]
	f.downloadCalls++
	truncate := f.TruncateDownloads > 0
	if truncate {
		f.TruncateDownloads--
	}
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown artifact"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Data)))
	w.WriteHeader(http.StatusOK)
	if truncate {
		_, _ = w.Write(file.Data[:len(file.Data)/2])
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
		return
	}
	_, _ = w.Write(file.Data)
}

func (f *FakeRemote) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]map[string]string, 0, len(f.Workflows))
	for id := range f.Workflows {
		items = append(items, map[string]string{"id": id, "name": strings.ReplaceAll(id, "_", " ")})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": items})
}

func (f *FakeRemote) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("id")
	schema, ok := f.Workflows[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown workflow"})
		return
	}
	payload := map[string]any{"id": id, "name": id}
	if len(schema) > 0 {
		payload["input_schema"] = schema
	}
	writeJSON(w, http.StatusOK, payload)
}

func (f *FakeRemote) handleExecute(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		WorkflowID string         `json:"workflow_id"`
		Inputs     map[string]any `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	f.idempotency = append(f.idempotency, r.Header.Get("Idempotency-Key"))
	if _, ok := f.Workflows[payload.WorkflowID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown workflow " + payload.WorkflowID})
		return
	}
	f.lastSubmit = payload.Inputs
	taskID := f.id("task")
	task := &fakeTask{workflowID: payload.WorkflowID, script: append([]string(nil), f.Script...)}
	for _, file := range f.Results {
		artifactID := f.id("art")
		f.artifacts[artifactID] = file
		task.results = append(task.results, artifactID)
	}
	f.tasks[taskID] = task
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (f *FakeRemote) resultPayload(task *fakeTask) []map[string]any {
	out := make([]map[string]any, 0, len(task.results))
	for _, id := range task.results {
		file := f.artifacts[id]
		out = append(out, map[string]any{"id": id, "name": file.Name, "size": len(file.Data)})
	}
	return out
}

func (f *FakeRemote) handleTask(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	task, ok := f.tasks[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	status := "queued"
	if len(task.script) > 0 {
		idx := min(task.step, len(task.script)-1)
		status = task.script[idx]
		task.step++
	}
	payload := map[string]any{"status": status}
	switch status {
	case "running":
		payload["progress"] = 0.5
	case "succeeded":
		payload["progress"] = 1.0
		payload["results"] = f.resultPayload(task)
	case "failed":
		payload["error"] = f.TaskError
	}
	writeJSON(w, http.StatusOK, payload)
}

func (f *FakeRemote) handleResults(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "succeeded", "results": f.resultPayload(task)})
}

func (f *FakeRemote) handleCancel(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	task, ok := f.tasks[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task"})
		return
	}
	if !f.IgnoreCancel {
		task.script = []string{"cancelled"}
		task.step = 0
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// Upload returns the bytes received for an upload id.
func (f *FakeRemote) Upload(uploadID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.uploads[uploadID]...)
}

// Artifact returns a stored artifact.
func (f *FakeRemote) Artifact(id string) (FakeFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.artifacts[id]
	return file, ok
}

// ChunkAttempts counts every chunk request, including failed ones.
func (f *FakeRemote) ChunkAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkAttempts
}

// ChunkOrder lists the indexes of accepted chunks in arrival order.
func (f *FakeRemote) ChunkOrder() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.chunkOrder...)
}

// ChunkSizes lists the byte length of accepted chunks in arrival order.
func (f *FakeRemote) ChunkSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.chunkSizes...)
}

// SubmitCalls counts workflow execution requests.
func (f *FakeRemote) SubmitCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

// StatusCalls counts task status queries.
func (f *FakeRemote) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// CancelCalls counts task cancel requests.
func (f *FakeRemote) CancelCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls
}

// DownloadCalls counts artifact download requests.
func (f *FakeRemote) DownloadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadCalls
}

// LastInputs returns the inputs of the most recent accepted submission.
func (f *FakeRemote) LastInputs() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSubmit
}

// IdempotencyKeys lists the Idempotency-Key header of every submission.
func (f *FakeRemote) IdempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.idempotency...)
}
