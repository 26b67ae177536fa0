package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"framerelay/internal/config"
	"framerelay/internal/jobstore"
	"framerelay/internal/logging"
	"framerelay/internal/media/ffmpeg"
	"framerelay/internal/media/ffprobe"
	"framerelay/internal/metrics"
	"framerelay/internal/notifications"
	"framerelay/internal/remote"
	"framerelay/internal/remote/client"
	"framerelay/internal/remote/poller"
)

// RemoteClient is the part of *client.Client a task drives.
type RemoteClient interface {
	SubmitInputs(ctx context.Context, inputs []client.Input) ([]remote.ArtifactRef, error)
	SubmitWorkflow(ctx context.Context, workflowID string, inputs map[string]remote.Param) (remote.TaskHandle, error)
	Track(ctx context.Context, handle remote.TaskHandle, opts poller.Options) (remote.TaskStatus, error)
	FetchResults(ctx context.Context, handle remote.TaskHandle) ([]remote.ArtifactRef, error)
	DownloadAll(ctx context.Context, refs []remote.ArtifactRef, dir string) ([]string, error)
	Cancel(ctx context.Context, handle remote.TaskHandle) error
	QueryStatus(ctx context.Context, taskID string) (remote.TaskStatus, error)
}

// VideoProcessor performs the local frame work.
type VideoProcessor interface {
	ExtractFrames(ctx context.Context, video, dir string, fps float64, maxFrames int, format string) ([]string, error)
	ComposeVideo(ctx context.Context, frameDir, pattern string, fps float64, codec, out string) error
}

// Prober reads the shape of an input video.
type Prober func(ctx context.Context, path string) (ffprobe.VideoInfo, error)

// Option customises a Runner.
type Option func(*Runner)

// WithVideoProcessor replaces the ffmpeg-backed processor.
func WithVideoProcessor(v VideoProcessor) Option {
	return func(r *Runner) { r.video = v }
}

// WithProber replaces the ffprobe-backed prober.
func WithProber(p Prober) Option {
	return func(r *Runner) { r.probe = p }
}

// WithStore persists job progress in the journal.
func WithStore(store *jobstore.Store) Option {
	return func(r *Runner) { r.store = store }
}

// WithNotifier overrides the notification service built from config.
func WithNotifier(n notifications.Service) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(r *Runner) { r.metrics = rec }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithCancelWatchInterval sets how often the journal is checked for cancel
// requests from other processes.
func WithCancelWatchInterval(d time.Duration) Option {
	return func(r *Runner) { r.watchEvery = d }
}

// Runner starts replication tasks.
type Runner struct {
	cfg        *config.Config
	client     RemoteClient
	video      VideoProcessor
	probe      Prober
	store      *jobstore.Store
	notifier   notifications.Service
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
	watchEvery time.Duration

	mu     sync.Mutex
	active map[*Task]struct{}
}

// NewRunner builds a Runner. Unset collaborators default to ffmpeg, ffprobe,
// ntfy, and no-op metrics.
func NewRunner(cfg *config.Config, rc RemoteClient, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if rc == nil {
		return nil, errors.New("remote client is nil")
	}
	r := &Runner{
		cfg:        cfg,
		client:     rc,
		watchEvery: 2 * time.Second,
		active:     make(map[*Task]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}
	r.logger = logging.NewComponentLogger(r.logger, "orchestrator")
	if r.metrics == nil {
		r.metrics = metrics.Noop{}
	}
	if r.notifier == nil {
		r.notifier = notifications.NewService(cfg)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.video == nil {
		proc, err := ffmpeg.New(cfg.Video.FFmpegBinary, ffmpeg.WithLogger(r.logger))
		if err != nil {
			return nil, err
		}
		r.video = proc
	}
	if r.probe == nil {
		binary := cfg.Video.FFprobeBinary
		r.probe = func(ctx context.Context, path string) (ffprobe.VideoInfo, error) {
			result, err := ffprobe.Inspect(ctx, binary, path)
			if err != nil {
				return ffprobe.VideoInfo{}, err
			}
			return result.Video()
		}
	}
	return r, nil
}

// NewTask prepares a task for job. Nothing runs until Task.Run.
func (r *Runner) NewTask(job Job) *Task {
	return &Task{r: r, job: job, sampler: logging.NewStageSampler(10)}
}

// Report pairs a job with how its run ended.
type Report struct {
	Job    Job
	Result Result
	Err    error
}

// RunAll runs every job, at most workflow.max_parallel at a time, and returns
// one report per job in input order. A failing job does not stop the others.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []Report {
	reports := make([]Report, len(jobs))
	start := r.now()

	var group errgroup.Group
	group.SetLimit(max(r.cfg.Workflow.MaxParallel, 1))
	for i, job := range jobs {
		task := r.NewTask(job)
		group.Go(func() error {
			result, err := task.Run(ctx)
			reports[i] = Report{Job: job, Result: result, Err: err}
			return nil
		})
	}
	_ = group.Wait()

	if len(jobs) > 1 {
		succeeded, failed := 0, 0
		for _, rep := range reports {
			switch {
			case rep.Err != nil:
				failed++
			case rep.Result.Outcome == OutcomeCompleted:
				succeeded++
			}
		}
		r.publish(ctx, notifications.EventBatchCompleted, notifications.Payload{
			"succeeded": succeeded,
			"failed":    failed,
			"elapsed":   r.now().Sub(start),
		})
	}
	return reports
}

// CancelAll cancels every running task.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.active))
	for t := range r.active {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

func (r *Runner) track(t *Task) {
	r.mu.Lock()
	r.active[t] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(t *Task) {
	r.mu.Lock()
	delete(r.active, t)
	r.mu.Unlock()
}

func (r *Runner) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := r.notifier.Publish(ctx, event, payload); err != nil {
		r.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}
