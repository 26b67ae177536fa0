package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol maps operations onto the remote service's wire format. Builders
// return a fresh request per call so retries never reuse a consumed body.
type Protocol interface {
	TokenRequest(ctx context.Context, path string, grant TokenGrant) (*http.Request, error)
	DecodeToken(resp *http.Response, now time.Time) (Token, error)

	ChunkRequest(ctx context.Context, chunk Chunk) (*http.Request, error)
	DecodeChunkAck(resp *http.Response) (ChunkAck, error)
	CompleteUploadRequest(ctx context.Context, uploadID, fileName string) (*http.Request, error)
	DecodeArtifact(resp *http.Response) (ArtifactRef, error)
	DownloadRequest(ctx context.Context, ref ArtifactRef) (*http.Request, error)

	SubmitRequest(ctx context.Context, sub Submission, idempotencyKey string) (*http.Request, error)
	DecodeSubmit(resp *http.Response) (string, error)
	StatusRequest(ctx context.Context, taskID string) (*http.Request, error)
	DecodeStatus(resp *http.Response, now time.Time) (TaskStatus, error)
	ResultsRequest(ctx context.Context, taskID string) (*http.Request, error)
	DecodeResults(resp *http.Response) ([]ArtifactRef, error)
	CancelRequest(ctx context.Context, taskID string) (*http.Request, error)

	ListWorkflowsRequest(ctx context.Context) (*http.Request, error)
	DecodeWorkflows(resp *http.Response) ([]WorkflowInfo, error)
	WorkflowRequest(ctx context.Context, workflowID string) (*http.Request, error)
	DecodeWorkflow(resp *http.Response) (WorkflowInfo, error)
	HealthRequest(ctx context.Context) (*http.Request, error)
}

// JSONProtocol is the default JSON-over-HTTP wire format.
type JSONProtocol struct {
	base *url.URL
}

// NewJSONProtocol returns a protocol rooted at baseURL.
func NewJSONProtocol(baseURL string) (*JSONProtocol, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("remote: base url is empty")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q must be http or https", baseURL)
	}
	return &JSONProtocol{base: parsed}, nil
}

// BaseURL returns the root the protocol resolves paths against.
func (p *JSONProtocol) BaseURL() string { return p.base.String() }

func (p *JSONProtocol) endpoint(segments ...string) string {
	u := *p.base
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	u.Path = strings.TrimRight(p.base.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = strings.TrimRight(p.base.EscapedPath(), "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (p *JSONProtocol) rawEndpoint(path string) string {
	u := *p.base
	u.Path = strings.TrimRight(p.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

func newJSONRequest(ctx context.Context, method, target string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func decodeJSON(resp *http.Response, what string, dest any) error {
	if resp == nil || resp.Body == nil {
		return decodeError(what, errors.New("empty response"))
	}
	defer Drain(resp.Body)
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return decodeError(what, err)
	}
	return nil
}

type tokenPayload struct {
	APIKey       string `json:"api_key,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    float64 `json:"expires_in"`
}

func (p *JSONProtocol) TokenRequest(ctx context.Context, path string, grant TokenGrant) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodPost, p.rawEndpoint(path), tokenPayload(grant))
}

func (p *JSONProtocol) DecodeToken(resp *http.Response, now time.Time) (Token, error) {
	var payload tokenResponse
	if err := decodeJSON(resp, "token", &payload); err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return Token{}, decodeError("token", errors.New("access_token missing"))
	}
	if payload.ExpiresIn <= 0 {
		return Token{}, decodeError("token", errors.New("expires_in must be positive"))
	}
	return Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(payload.ExpiresIn * float64(time.Second))),
	}, nil
}

type chunkResponse struct {
	UploadID   string `json:"upload_id"`
	Received   int64  `json:"received"`
	ArtifactID string `json:"artifact_id"`
}

func (p *JSONProtocol) ChunkRequest(ctx context.Context, chunk Chunk) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("uploads", "chunks"), bytes.NewReader(chunk.Data))
	if err != nil {
		return nil, err
	}
	end := chunk.Offset + int64(len(chunk.Data)) - 1
	if end < chunk.Offset {
		end = chunk.Offset
	}
	req.ContentLength = int64(len(chunk.Data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", chunk.Offset, end, chunk.Total))
	req.Header.Set("X-File-Name", chunk.FileName)
	req.Header.Set("X-Chunk-Index", strconv.Itoa(chunk.Index))
	req.Header.Set("X-Chunk-Count", strconv.Itoa(chunk.Count))
	if chunk.UploadID != "" {
		req.Header.Set("X-Upload-Id", chunk.UploadID)
	}
	return req, nil
}

func (p *JSONProtocol) DecodeChunkAck(resp *http.Response) (ChunkAck, error) {
	var payload chunkResponse
	if err := decodeJSON(resp, "chunk", &payload); err != nil {
		return ChunkAck{}, err
	}
	ack := ChunkAck{UploadID: payload.UploadID, Received: payload.Received}
	if payload.ArtifactID != "" {
		ack.Artifact = &ArtifactRef{ID: payload.ArtifactID}
	}
	return ack, nil
}

func (p *JSONProtocol) CompleteUploadRequest(ctx context.Context, uploadID, fileName string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodPost, p.endpoint("uploads", uploadID, "complete"), map[string]string{"file_name": fileName})
}

type artifactResponse struct {
	ArtifactID  string `json:"artifact_id"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

func (a artifactResponse) ref() ArtifactRef {
	id := a.ArtifactID
	if id == "" {
		id = a.ID
	}
	return ArtifactRef{ID: id, Name: a.Name, Size: a.Size, ContentType: a.ContentType}
}

func (p *JSONProtocol) DecodeArtifact(resp *http.Response) (ArtifactRef, error) {
	var payload artifactResponse
	if err := decodeJSON(resp, "artifact", &payload); err != nil {
		return ArtifactRef{}, err
	}
	ref := payload.ref()
	if ref.ID == "" {
		return ArtifactRef{}, decodeError("artifact", errors.New("artifact_id missing"))
	}
	return ref, nil
}

func (p *JSONProtocol) DownloadRequest(ctx context.Context, ref ArtifactRef) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("artifacts", ref.ID, "download"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")
	return req, nil
}

type submitPayload struct {
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
}

func (p *JSONProtocol) SubmitRequest(ctx context.Context, sub Submission, idempotencyKey string) (*http.Request, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, p.endpoint("workflows", "execute"), submitPayload{
		WorkflowID: sub.WorkflowID,
		Inputs:     InputDocument(sub.Inputs),
	})
	if err != nil {
		return nil, err
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return req, nil
}

func (p *JSONProtocol) DecodeSubmit(resp *http.Response) (string, error) {
	var payload struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeJSON(resp, "submit", &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.TaskID) == "" {
		return "", decodeError("submit", errors.New("task_id missing"))
	}
	return payload.TaskID, nil
}

type statusResponse struct {
	Status   string             `json:"status"`
	Progress *float64           `json:"progress"`
	Error    string             `json:"error"`
	Results  []artifactResponse `json:"results"`
}

func (p *JSONProtocol) StatusRequest(ctx context.Context, taskID string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, p.endpoint("tasks", taskID), nil)
}

func (p *JSONProtocol) DecodeStatus(resp *http.Response, now time.Time) (TaskStatus, error) {
	var payload statusResponse
	if err := decodeJSON(resp, "status", &payload); err != nil {
		return TaskStatus{}, err
	}
	state, err := ParseTaskState(payload.Status)
	if err != nil {
		return TaskStatus{}, decodeError("status", err)
	}
	status := TaskStatus{
		State:      state,
		Reason:     payload.Error,
		Results:    artifactRefs(payload.Results),
		ObservedAt: now,
	}
	if payload.Progress != nil {
		progress := normalizeProgress(*payload.Progress)
		status.Progress = &progress
	}
	return status, nil
}

// normalizeProgress accepts fractions or percentages and clamps to [0,1].
func normalizeProgress(value float64) float64 {
	if value > 1 {
		value /= 100
	}
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}

func artifactRefs(items []artifactResponse) []ArtifactRef {
	if len(items) == 0 {
		return nil
	}
	refs := make([]ArtifactRef, 0, len(items))
	for _, item := range items {
		ref := item.ref()
		if ref.ID == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func (p *JSONProtocol) ResultsRequest(ctx context.Context, taskID string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, p.endpoint("tasks", taskID, "results"), nil)
}

func (p *JSONProtocol) DecodeResults(resp *http.Response) ([]ArtifactRef, error) {
	var payload struct {
		Results []artifactResponse `json:"results"`
	}
	if err := decodeJSON(resp, "results", &payload); err != nil {
		return nil, err
	}
	return artifactRefs(payload.Results), nil
}

func (p *JSONProtocol) CancelRequest(ctx context.Context, taskID string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodPost, p.endpoint("tasks", taskID, "cancel"), nil)
}

func (p *JSONProtocol) ListWorkflowsRequest(ctx context.Context) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, p.endpoint("workflows"), nil)
}

func (p *JSONProtocol) DecodeWorkflows(resp *http.Response) ([]WorkflowInfo, error) {
	var payload struct {
		Workflows []WorkflowInfo `json:"workflows"`
	}
	if err := decodeJSON(resp, "workflows", &payload); err != nil {
		return nil, err
	}
	return payload.Workflows, nil
}

func (p *JSONProtocol) WorkflowRequest(ctx context.Context, workflowID string) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, p.endpoint("workflows", workflowID), nil)
}

func (p *JSONProtocol) DecodeWorkflow(resp *http.Response) (WorkflowInfo, error) {
	var info WorkflowInfo
	if err := decodeJSON(resp, "workflow", &info); err != nil {
		return WorkflowInfo{}, err
	}
	if strings.TrimSpace(info.ID) == "" {
		return WorkflowInfo{}, decodeError("workflow", errors.New("id missing"))
	}
	return info, nil
}

func (p *JSONProtocol) HealthRequest(ctx context.Context) (*http.Request, error) {
	return newJSONRequest(ctx, http.MethodGet, p.endpoint("status"), nil)
}
