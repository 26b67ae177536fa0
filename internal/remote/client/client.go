// Package client is the workflow-level API over the remote service: upload
// inputs, submit a workflow, track it to completion, and fetch its results.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"framerelay/internal/config"
	"framerelay/internal/logging"
	"framerelay/internal/metrics"
	"framerelay/internal/remote"
	"framerelay/internal/remote/auth"
	"framerelay/internal/remote/poller"
	"framerelay/internal/remote/transfer"
)

// Input is a local file to upload as a workflow input.
type Input struct {
	Path string
}

// Option customises a Client.
type Option func(*options)

type options struct {
	httpClient remote.HTTPDoer
	headers    remote.HeaderSource
	sleeper    remote.Sleeper
	jitter     remote.Jitter
	clock      func() time.Time
	logger     *slog.Logger
	metrics    metrics.Recorder
	progress   func(transfer.Progress)
}

// WithHTTPClient overrides the HTTP client used for every request.
func WithHTTPClient(c remote.HTTPDoer) Option {
	return func(o *options) { o.httpClient = c }
}

// WithHeaderSource replaces the auth provider built from configuration.
func WithHeaderSource(h remote.HeaderSource) Option {
	return func(o *options) { o.headers = h }
}

// WithSleeper overrides every wait: retry backoff and poll intervals.
func WithSleeper(s remote.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// WithJitter overrides the retry jitter source.
func WithJitter(j remote.Jitter) Option {
	return func(o *options) { o.jitter = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// WithTransferProgress observes upload and download progress.
func WithTransferProgress(fn func(transfer.Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// Client talks to one remote workflow service. It is safe for concurrent use;
// every task it tracks keeps its own state.
type Client struct {
	proto     remote.Protocol
	http      remote.HTTPDoer
	headers   remote.HeaderSource
	retrier   *remote.Retrier
	policy    remote.RetryPolicy
	engine    *transfer.Engine
	poller    *poller.Poller
	logger    *slog.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	chunkSize int64
	uploads   int
	downloads int

	mu      sync.Mutex
	tasks   map[string]*taskRecord
	schemas map[string]json.RawMessage
}

type taskRecord struct {
	tracker  *remote.Tracker
	terminal *remote.TaskStatus
}

// New builds a Client from configuration.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop{}
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	proto, err := remote.NewJSONProtocol(cfg.Remote.APIEndpoint)
	if err != nil {
		return nil, err
	}
	retrier := &remote.Retrier{
		Sleep:  o.sleeper,
		Jitter: o.jitter,
		Observer: func(ev remote.RetryEvent) {
			o.metrics.ObserveRetry(ev.Op, string(ev.Class))
			o.logger.Debug("retrying remote call",
				logging.String("op", ev.Op),
				logging.Int("attempt", ev.Attempt),
				logging.Duration("delay", ev.Delay),
				logging.String("class", string(ev.Class)),
				logging.Error(ev.Err),
			)
		},
	}
	if o.headers == nil {
		provider, err := auth.New(cfg, proto,
			auth.WithHTTPClient(o.httpClient),
			auth.WithRetrier(retrier),
			auth.WithClock(o.clock),
			auth.WithLogger(o.logger),
			auth.WithMetrics(o.metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("auth provider: %w", err)
		}
		o.headers = provider
	}

	engineOpts := []transfer.Option{
		transfer.WithRetrier(retrier),
		transfer.WithLogger(o.logger),
		transfer.WithMetrics(o.metrics),
	}
	if o.progress != nil {
		engineOpts = append(engineOpts, transfer.WithProgress(o.progress))
	}
	engine, err := transfer.New(proto, o.httpClient, o.headers, engineOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		proto:     proto,
		http:      o.httpClient,
		headers:   o.headers,
		retrier:   retrier,
		policy:    remote.PolicyFromConfig(cfg),
		engine:    engine,
		logger:    logging.NewComponentLogger(o.logger, "client"),
		metrics:   o.metrics,
		now:       o.clock,
		chunkSize: cfg.Transfer.ChunkSizeBytes,
		uploads:   max(cfg.Transfer.ParallelUploads, 1),
		downloads: max(cfg.Transfer.ParallelDownloads, 1),
		tasks:     make(map[string]*taskRecord),
		schemas:   make(map[string]json.RawMessage),
	}
	pollerOpts := []poller.Option{
		poller.WithRetrier(retrier),
		poller.WithClock(o.clock),
		poller.WithLogger(o.logger),
		poller.WithMetrics(o.metrics),
	}
	if o.sleeper != nil {
		pollerOpts = append(pollerOpts, poller.WithSleeper(o.sleeper))
	}
	c.poller = poller.New(c, pollerOpts...)
	return c, nil
}

// Policy returns the retry policy applied to every call.
func (c *Client) Policy() remote.RetryPolicy { return c.policy }

// SubmitInputs uploads every input and returns artifact references in input
// order. Any failed upload fails the whole call; artifacts already uploaded
// are left on the remote.
func (c *Client) SubmitInputs(ctx context.Context, inputs []Input) ([]remote.ArtifactRef, error) {
	refs := make([]remote.ArtifactRef, len(inputs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.uploads)
	for i, input := range inputs {
		group.Go(func() error {
			ref, err := c.engine.Upload(groupCtx, input.Path, c.chunkSize, c.policy)
			if err != nil {
				return err
			}
			refs[i] = ref
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return refs, nil
}

// SubmitWorkflow starts workflowID with inputs. Inputs are checked against the
// workflow's declared schema when the remote publishes one. The request
// carries an idempotency key and is only retried on transient failures.
func (c *Client) SubmitWorkflow(ctx context.Context, workflowID string, inputs map[string]remote.Param) (remote.TaskHandle, error) {
	if workflowID == "" {
		return remote.TaskHandle{}, &remote.SubmissionError{Err: errors.New("workflow id is empty")}
	}
	schema, err := c.inputSchema(ctx, workflowID)
	if err != nil {
		return remote.TaskHandle{}, err
	}
	if err := ValidateInputs(workflowID, schema, inputs); err != nil {
		return remote.TaskHandle{}, &remote.SubmissionError{WorkflowID: workflowID, Err: err}
	}

	key := uuid.NewString()
	sub := remote.Submission{WorkflowID: workflowID, Inputs: inputs}
	var taskID string
	err = c.retrier.Do(ctx, c.policy, "submit "+workflowID, func(attemptCtx context.Context) error {
		req, err := c.proto.SubmitRequest(attemptCtx, sub, key)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, c.http, c.headers, req)
		if err != nil {
			return err
		}
		taskID, err = c.proto.DecodeSubmit(resp)
		return err
	})
	if err != nil {
		var statusErr *remote.StatusError
		if errors.As(err, &statusErr) && remote.Classify(statusErr) == remote.ClassClient {
			return remote.TaskHandle{}, &remote.SubmissionError{WorkflowID: workflowID, StatusCode: statusErr.StatusCode, Err: err}
		}
		return remote.TaskHandle{}, err
	}

	handle := remote.TaskHandle{TaskID: taskID, WorkflowID: workflowID, SubmittedAt: c.now()}
	c.mu.Lock()
	c.tasks[taskID] = &taskRecord{tracker: remote.NewTracker(taskID)}
	c.mu.Unlock()
	logging.WithContext(ctx, c.logger).Info("workflow submitted",
		logging.String("workflow_id", workflowID),
		logging.TaskID(taskID),
		logging.Int("inputs", len(inputs)),
	)
	return handle, nil
}

func (c *Client) inputSchema(ctx context.Context, workflowID string) (json.RawMessage, error) {
	c.mu.Lock()
	schema, ok := c.schemas[workflowID]
	c.mu.Unlock()
	if ok {
		return schema, nil
	}
	info, err := c.Workflow(ctx, workflowID)
	if err != nil {
		var statusErr *remote.StatusError
		if errors.As(err, &statusErr) && remote.Classify(statusErr) == remote.ClassClient {
			// The execute call decides whether the workflow exists.
			c.logger.Debug("workflow schema unavailable", logging.String("workflow_id", workflowID), logging.Error(err))
			return nil, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.schemas[workflowID] = info.InputSchema
	c.mu.Unlock()
	return info.InputSchema, nil
}

func (c *Client) record(handle remote.TaskHandle) *taskRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.tasks[handle.TaskID]
	if !ok {
		rec = &taskRecord{tracker: remote.NewTracker(handle.TaskID)}
		c.tasks[handle.TaskID] = rec
	}
	return rec
}

// Track polls the task until it is terminal and records the outcome.
func (c *Client) Track(ctx context.Context, handle remote.TaskHandle, opts poller.Options) (remote.TaskStatus, error) {
	rec := c.record(handle)
	opts.Tracker = rec.tracker
	status, err := c.poller.Poll(ctx, handle, opts)
	if err != nil {
		return status, err
	}
	c.mu.Lock()
	rec.terminal = &status
	c.mu.Unlock()
	return status, nil
}

// Terminal returns the recorded terminal status of a tracked task.
func (c *Client) Terminal(handle remote.TaskHandle) (remote.TaskStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.tasks[handle.TaskID]
	if !ok || rec.terminal == nil {
		return remote.TaskStatus{}, false
	}
	return *rec.terminal, true
}

// FetchResults lists the task's result artifacts. The task must have been
// tracked to SUCCEEDED.
func (c *Client) FetchResults(ctx context.Context, handle remote.TaskHandle) ([]remote.ArtifactRef, error) {
	status, ok := c.Terminal(handle)
	if !ok || status.State != remote.StateSucceeded {
		return nil, &remote.InvalidStateError{TaskID: handle.TaskID, Operation: "fetch results", State: status.State}
	}
	if len(status.Results) > 0 {
		return append([]remote.ArtifactRef(nil), status.Results...), nil
	}
	var refs []remote.ArtifactRef
	err := c.retrier.Do(ctx, c.policy, "results "+handle.TaskID, func(attemptCtx context.Context) error {
		req, err := c.proto.ResultsRequest(attemptCtx, handle.TaskID)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, c.http, c.headers, req)
		if err != nil {
			return err
		}
		refs, err = c.proto.DecodeResults(resp)
		return err
	})
	return refs, err
}

// Download saves one artifact to localPath.
func (c *Client) Download(ctx context.Context, ref remote.ArtifactRef, localPath string) (int64, error) {
	return c.engine.Download(ctx, ref, localPath, c.policy)
}

// DownloadAll saves refs into dir using their remote names and returns the
// local paths in ref order.
func (c *Client) DownloadAll(ctx context.Context, refs []remote.ArtifactRef, dir string) ([]string, error) {
	paths := make([]string, len(refs))
	seen := make(map[string]int, len(refs))
	for i, ref := range refs {
		name := ref.FileName()
		if n := seen[name]; n > 0 {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%d%s", name[:len(name)-len(ext)], n, ext)
		}
		seen[ref.FileName()]++
		paths[i] = filepath.Join(dir, name)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.downloads)
	for i, ref := range refs {
		group.Go(func() error {
			_, err := c.Download(groupCtx, ref, paths[i])
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Cancel asks the remote to stop the task. Delivery is best effort.
func (c *Client) Cancel(ctx context.Context, handle remote.TaskHandle) error {
	return c.retrier.Do(ctx, c.policy, "cancel "+handle.TaskID, func(attemptCtx context.Context) error {
		req, err := c.proto.CancelRequest(attemptCtx, handle.TaskID)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, c.http, c.headers, req)
		if err != nil {
			return err
		}
		remote.Drain(resp.Body)
		return nil
	})
}

// Status performs one status query with retries. Observations of a tracked
// task are validated against its lifecycle.
func (c *Client) Status(ctx context.Context, handle remote.TaskHandle) (remote.TaskStatus, error) {
	var status remote.TaskStatus
	err := c.retrier.Do(ctx, c.policy, "status "+handle.TaskID, func(attemptCtx context.Context) error {
		var err error
		status, err = c.QueryStatus(attemptCtx, handle.TaskID)
		return err
	})
	if err != nil {
		return remote.TaskStatus{}, err
	}
	c.mu.Lock()
	rec, ok := c.tasks[handle.TaskID]
	c.mu.Unlock()
	if ok {
		if err := rec.tracker.Observe(status); err != nil {
			return status, err
		}
		if status.State.Terminal() {
			c.mu.Lock()
			rec.terminal = &status
			c.mu.Unlock()
		}
	}
	return status, nil
}

// QueryStatus performs a single status request without retries.
func (c *Client) QueryStatus(ctx context.Context, taskID string) (remote.TaskStatus, error) {
	req, err := c.proto.StatusRequest(ctx, taskID)
	if err != nil {
		return remote.TaskStatus{}, err
	}
	resp, err := remote.Send(ctx, c.http, c.headers, req)
	if err != nil {
		return remote.TaskStatus{}, err
	}
	return c.proto.DecodeStatus(resp, c.now())
}

// ListWorkflows returns the workflows the remote offers.
func (c *Client) ListWorkflows(ctx context.Context) ([]remote.WorkflowInfo, error) {
	var items []remote.WorkflowInfo
	err := c.retrier.Do(ctx, c.policy, "list workflows", func(attemptCtx context.Context) error {
		req, err := c.proto.ListWorkflowsRequest(attemptCtx)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, c.http, c.headers, req)
		if err != nil {
			return err
		}
		items, err = c.proto.DecodeWorkflows(resp)
		return err
	})
	return items, err
}

// Workflow returns one workflow including its declared input schema.
func (c *Client) Workflow(ctx context.Context, workflowID string) (remote.WorkflowInfo, error) {
	var info remote.WorkflowInfo
	err := c.retrier.Do(ctx, c.policy, "workflow "+workflowID, func(attemptCtx context.Context) error {
		req, err := c.proto.WorkflowRequest(attemptCtx, workflowID)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, c.http, c.headers, req)
		if err != nil {
			return err
		}
		info, err = c.proto.DecodeWorkflow(resp)
		return err
	})
	return info, err
}

// Ping checks that the remote is reachable and accepts the credential.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := c.now()
	err := c.retrier.Do(ctx, remote.RetryPolicy{MaxAttempts: 1, AttemptTimeout: c.policy.AttemptTimeout}, "ping", func(attemptCtx context.Context) error {
		req, err := c.proto.HealthRequest(attemptCtx)
		if err != nil {
			return err
		}
		resp, err := remote.Send(attemptCtx, c.http, c.headers, req)
		if err != nil {
			return err
		}
		remote.Drain(resp.Body)
		return nil
	})
	return c.now().Sub(start), err
}
