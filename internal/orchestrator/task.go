package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"

	"framerelay/internal/fileutil"
	"framerelay/internal/jobstore"
	"framerelay/internal/logging"
	"framerelay/internal/media/ffmpeg"
	"framerelay/internal/notifications"
	"framerelay/internal/remote"
	"framerelay/internal/remote/client"
	"framerelay/internal/remote/poller"
	"framerelay/internal/services"
)

// Task is one replication run. Its steps are strictly sequential.
type Task struct {
	r       *Runner
	job     Job
	sampler *logging.StageSampler
	logger  *slog.Logger
	start   time.Time

	mu         sync.Mutex
	jobID      string
	stage      Stage
	handle     *remote.TaskHandle
	last       remote.TaskStatus
	cancelled  bool
	cancelRun  context.CancelFunc
	cancelPoll context.CancelFunc
}

// JobID returns the journal id once Run has created it.
func (t *Task) JobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobID
}

// Stage returns the stage currently executing.
func (t *Task) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Cancel stops the run. While polling it stops polling and asks the remote
// to cancel; before submission the upload stops at the next chunk boundary.
// Calling Cancel more than once, or before Run, is allowed.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	switch {
	case t.cancelPoll != nil:
		t.cancelPoll()
	case t.cancelRun != nil:
		t.cancelRun()
	}
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Run executes every stage and returns how the run ended. A cancelled run
// returns OutcomeCancelled with a nil error; any failure is a *StageError.
func (t *Task) Run(ctx context.Context) (Result, error) {
	t.start = t.r.now()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	t.mu.Lock()
	t.cancelRun = cancelRun
	if t.cancelled {
		cancelRun()
	}
	t.mu.Unlock()
	stopParent := context.AfterFunc(ctx, t.Cancel)
	defer stopParent()

	t.r.track(t)
	defer t.r.untrack(t)

	bg := context.WithoutCancel(ctx)
	if err := t.createJob(bg); err != nil {
		return Result{}, &StageError{Stage: StagePreparing, Elapsed: t.elapsed(), Err: err}
	}
	runCtx = services.WithJobID(runCtx, t.jobID)
	t.logger = logging.WithContext(runCtx, t.r.logger).With(logging.String("input", t.job.InputPath))

	stopWatch := t.watchCancel(runCtx)
	result, err := t.execute(runCtx)
	stopWatch()

	result.JobID = t.jobID
	result.Elapsed = t.elapsed()
	t.finish(bg, result, err)
	return result, err
}

func (t *Task) createJob(ctx context.Context) error {
	workflowID := t.job.Workflow.ID
	if workflowID == "" {
		workflowID = t.r.cfg.Workflow.DefaultID
		t.job.Workflow.ID = workflowID
	}
	if t.r.store == nil {
		t.mu.Lock()
		t.jobID = ulid.Make().String()
		t.mu.Unlock()
		return nil
	}
	job, err := t.r.store.Create(ctx, t.job.InputPath, t.job.OutputPath, workflowID)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	t.mu.Lock()
	t.jobID = job.ID
	t.mu.Unlock()
	return nil
}

// watchCancel relays cancel requests recorded in the journal by another
// process.
func (t *Task) watchCancel(ctx context.Context) func() {
	if t.r.store == nil || t.r.watchEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	logger := t.logger
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.r.watchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := t.r.store.CancelRequested(ctx, t.jobID)
				if err != nil {
					if ctx.Err() == nil {
						logger.Debug("cancel flag check failed", logging.Error(err))
					}
					continue
				}
				if requested {
					logger.Info("cancel requested through job journal")
					t.Cancel()
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (t *Task) execute(ctx context.Context) (Result, error) {
	cfg := t.r.cfg

	// preparing
	ctx = t.enter(ctx, StagePreparing, "preparing work directory")
	if t.isCancelled() {
		return t.cancelledResult(), nil
	}
	lock, err := lockInput(cfg.LockDir(), t.job.InputPath)
	if err != nil {
		return t.fail(ctx, StagePreparing, err)
	}
	defer lock.release()

	info, err := os.Stat(t.job.InputPath)
	if err != nil {
		return t.fail(ctx, StagePreparing, services.Wrap(services.ErrValidation, string(StagePreparing), "stat input", t.job.InputPath, err))
	}
	if info.IsDir() {
		return t.fail(ctx, StagePreparing, services.Wrap(services.ErrValidation, string(StagePreparing), "stat input", t.job.InputPath+" is a directory", nil))
	}

	workDir := filepath.Join(cfg.Paths.TempDir, t.jobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return t.fail(ctx, StagePreparing, services.Wrap(services.ErrConfiguration, string(StagePreparing), "create work dir", workDir, err))
	}
	defer t.cleanup(workDir)
	if t.r.store != nil {
		if err := t.r.store.SetWorkDir(context.WithoutCancel(ctx), t.jobID, workDir); err != nil {
			t.logger.Debug("work dir not recorded", logging.Error(err))
		}
	}

	output := t.job.OutputPath
	delivered := false
	if output == "" {
		output, err = fileutil.ReservePath(DefaultOutputPath(cfg.Paths.OutputDir, t.job.InputPath))
		if err != nil {
			return t.fail(ctx, StagePreparing, services.Wrap(services.ErrConfiguration, string(StagePreparing), "reserve output", cfg.Paths.OutputDir, err))
		}
		reserved := output
		defer func() {
			if !delivered {
				_ = os.Remove(reserved)
			}
		}()
	}

	video, err := t.r.probe(ctx, t.job.InputPath)
	if err != nil {
		return t.fail(ctx, StagePreparing, services.Wrap(services.ErrExternalTool, string(StagePreparing), "probe input", filepath.Base(t.job.InputPath), err))
	}
	fps := firstPositive(t.job.FrameRate, cfg.Video.FrameRate, video.FrameRate)
	if fps <= 0 {
		return t.fail(ctx, StagePreparing, services.Wrap(services.ErrValidation, string(StagePreparing), "frame rate", "source frame rate unknown; set video.frame_rate or --frame-rate", nil))
	}
	maxFrames := t.job.MaxFrames
	if maxFrames <= 0 {
		maxFrames = cfg.Video.MaxFrames
	}
	t.logger.Info("input probed",
		logging.String(logging.FieldEventType, "input_probed"),
		logging.Int("width", video.Width),
		logging.Int("height", video.Height),
		logging.Float64("source_fps", video.FrameRate),
		logging.Float64("fps", fps),
		logging.String("output", output),
	)

	// extracting
	ctx = t.enter(ctx, StageExtracting, "extracting frames")
	frames, err := t.r.video.ExtractFrames(ctx, t.job.InputPath, filepath.Join(workDir, "frames"), fps, maxFrames, cfg.Video.FrameFormat)
	if err != nil {
		return t.fail(ctx, StageExtracting, err)
	}
	t.logger.Info("frames extracted", logging.Int("frames", len(frames)))

	// uploading
	ctx = t.enter(ctx, StageUploading, fmt.Sprintf("uploading %d frames", len(frames)))
	refs, err := t.upload(ctx, frames)
	if err != nil {
		return t.fail(ctx, StageUploading, err)
	}

	// submitting
	ctx = t.enter(ctx, StageSubmitting, "submitting workflow "+t.job.Workflow.ID)
	defParams, err := t.job.Workflow.Parameters()
	if err != nil {
		return t.fail(ctx, StageSubmitting, err)
	}
	params := buildParams(cfg.Workflow.ModelID, cfg.Workflow.QualityLevel, video, fps, refs, defParams, t.job.Params)
	schema, err := t.job.Workflow.Schema()
	if err != nil {
		return t.fail(ctx, StageSubmitting, err)
	}
	if err := client.ValidateInputs(t.job.Workflow.ID, schema, params); err != nil {
		return t.fail(ctx, StageSubmitting, &remote.SubmissionError{WorkflowID: t.job.Workflow.ID, Err: err})
	}
	handle, err := t.r.client.SubmitWorkflow(ctx, t.job.Workflow.ID, params)
	if err != nil {
		return t.fail(ctx, StageSubmitting, err)
	}
	t.mu.Lock()
	t.handle = &handle
	t.mu.Unlock()
	ctx = services.WithTaskID(ctx, handle.TaskID)
	t.logger = t.logger.With(logging.TaskID(handle.TaskID))
	if t.r.store != nil {
		if err := t.r.store.SetRemoteTask(context.WithoutCancel(ctx), t.jobID, handle.TaskID, ""); err != nil {
			t.logger.Debug("remote task not recorded", logging.Error(err))
		}
	}

	// polling
	ctx = t.enter(ctx, StagePolling, "waiting for remote task")
	status, cancelled, err := t.poll(ctx, handle)
	if err != nil {
		return t.fail(ctx, StagePolling, err)
	}
	if cancelled {
		return t.cancelledResult(), nil
	}
	switch status.State {
	case remote.StateFailed:
		return t.fail(ctx, StagePolling, &TaskFailedError{TaskID: handle.TaskID, Reason: status.Reason})
	case remote.StateCancelled:
		t.logger.Warn("remote task cancelled outside this run",
			logging.String(logging.FieldEventType, "remote_cancelled"),
			logging.String(logging.FieldImpact, "no output is produced"),
		)
		return t.cancelledResult(), nil
	}

	// downloading
	ctx = t.enter(ctx, StageDownloading, "downloading results")
	if t.isCancelled() {
		return t.cancelledResult(), nil
	}
	results, err := t.r.client.FetchResults(ctx, handle)
	if err != nil {
		return t.fail(ctx, StageDownloading, err)
	}
	paths, err := t.r.client.DownloadAll(ctx, results, filepath.Join(workDir, "results"))
	if err != nil {
		return t.fail(ctx, StageDownloading, err)
	}

	// composing
	ctx = t.enter(ctx, StageComposing, "composing output video")
	if err := t.compose(ctx, results, paths, workDir, fps, output); err != nil {
		return t.fail(ctx, StageComposing, err)
	}
	delivered = true

	t.mu.Lock()
	final := t.last
	t.mu.Unlock()
	return Result{
		TaskID:     handle.TaskID,
		Outcome:    OutcomeCompleted,
		OutputPath: output,
		Frames:     len(frames),
		Artifacts:  len(results),
		Final:      final,
	}, nil
}

// enter moves the task to stage and returns ctx tagged with it.
func (t *Task) enter(ctx context.Context, stage Stage, message string) context.Context {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
	t.report(stage, stageStart[stage], message)
	return services.WithStage(ctx, string(stage))
}

func (t *Task) report(stage Stage, percent float64, message string) {
	if t.r.store != nil {
		if err := t.r.store.UpdateProgress(context.Background(), t.jobID, jobstore.Status(stage), percent, message); err != nil {
			t.logger.Debug("progress not recorded", logging.Error(err))
		}
	}
	t.mu.Lock()
	state := string(t.last.State)
	t.mu.Unlock()
	if t.sampler.Allow(string(stage), percent, state) {
		t.logger.Info("replication progress",
			logging.Stage(string(stage)),
			logging.Float64("percent", percent),
			logging.String("message", message),
		)
	}
}

// upload sends frames in batches so progress advances between batches.
func (t *Task) upload(ctx context.Context, frames []string) ([]remote.ArtifactRef, error) {
	batch := max(t.r.cfg.Transfer.ParallelUploads, 1) * 4
	refs := make([]remote.ArtifactRef, 0, len(frames))
	for start := 0; start < len(frames); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batch, len(frames))
		inputs := make([]client.Input, 0, end-start)
		for _, frame := range frames[start:end] {
			inputs = append(inputs, client.Input{Path: frame})
		}
		got, err := t.r.client.SubmitInputs(ctx, inputs)
		if err != nil {
			return nil, err
		}
		refs = append(refs, got...)
		percent := stageStart[StageUploading] + stageSpan(StageUploading)*float64(end)/float64(len(frames))
		t.report(StageUploading, percent, fmt.Sprintf("uploaded %d/%d frames", end, len(frames)))
	}
	return refs, nil
}

// poll tracks the remote task. cancelled is true when Cancel interrupted it;
// the returned status is then the confirmed or synthesised final status.
func (t *Task) poll(ctx context.Context, handle remote.TaskHandle) (remote.TaskStatus, bool, error) {
	pollCtx, cancelPoll := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancelPoll = cancelPoll
	if t.cancelled {
		cancelPoll()
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.cancelPoll = nil
		t.mu.Unlock()
		cancelPoll()
	}()

	opts := poller.OptionsFromConfig(t.r.cfg)
	if t.job.PollInterval > 0 {
		opts.Interval = t.job.PollInterval
	}
	opts.OnStatus = t.observe

	status, err := t.r.client.Track(pollCtx, handle, opts)
	if err != nil && errors.Is(err, context.Canceled) && (t.isCancelled() || ctx.Err() != nil) {
		return t.confirmCancel(ctx, handle), true, nil
	}
	return status, false, err
}

func (t *Task) observe(status remote.TaskStatus) {
	t.mu.Lock()
	t.last = status
	taskID := ""
	if t.handle != nil {
		taskID = t.handle.TaskID
	}
	t.mu.Unlock()
	if t.r.store != nil && taskID != "" {
		if err := t.r.store.SetRemoteTask(context.Background(), t.jobID, taskID, string(status.State)); err != nil {
			t.logger.Debug("remote status not recorded", logging.Error(err))
		}
	}
	percent := stageStart[StagePolling]
	if status.Progress != nil {
		percent += stageSpan(StagePolling) * *status.Progress
	}
	t.report(StagePolling, percent, "remote "+status.String())
}

// confirmCancel asks the remote to cancel and makes one status query within
// the grace period. Polling does not resume: when that query is not terminal,
// CANCELLED is synthesised locally.
func (t *Task) confirmCancel(ctx context.Context, handle remote.TaskHandle) remote.TaskStatus {
	grace := time.Duration(t.r.cfg.Poll.CancelGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	if err := t.r.client.Cancel(ctx, handle); err != nil {
		logging.WarnWithContext(t.logger, "remote cancel request failed", "remote_cancel_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the remote task may keep running"),
		)
	}
	if ctx.Err() == nil {
		status, err := t.r.client.QueryStatus(ctx, handle.TaskID)
		switch {
		case err != nil:
			t.logger.Debug("status after cancel failed", logging.Error(err))
		case status.State.Terminal():
			t.observe(status)
			return status
		default:
			t.logger.Debug("remote task not yet terminal after cancel", logging.String("state", string(status.State)))
		}
	}

	status := remote.TaskStatus{
		State:      remote.StateCancelled,
		Reason:     "cancellation not confirmed by remote within grace period",
		ObservedAt: t.r.now(),
		Synthetic:  true,
	}
	t.mu.Lock()
	t.last = status
	t.mu.Unlock()
	return status
}

// compose turns downloaded artifacts into the output video. A single video
// result is used as is; image results are encoded in order.
func (t *Task) compose(ctx context.Context, refs []remote.ArtifactRef, paths []string, workDir string, fps float64, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, string(StageComposing), "create output dir", filepath.Dir(output), err)
	}
	var frames []string
	for i, ref := range refs {
		switch {
		case isVideoArtifact(ref) && len(refs) == 1:
			return fileutil.MoveFile(paths[i], output)
		case isImageArtifact(ref):
			frames = append(frames, paths[i])
		default:
			t.logger.Debug("ignoring non-image result", logging.String("artifact", ref.FileName()))
		}
	}
	if len(frames) == 0 {
		return services.Wrap(services.ErrRemote, string(StageComposing), "compose", "remote returned no frames", nil)
	}
	seqDir := filepath.Join(workDir, "sequence")
	pattern, err := ffmpeg.SequenceFrames(frames, seqDir)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, string(StageComposing), "sequence frames", seqDir, err)
	}
	staged := filepath.Join(workDir, "output"+filepath.Ext(output))
	if err := t.r.video.ComposeVideo(ctx, seqDir, pattern, fps, t.r.cfg.Video.Codec, staged); err != nil {
		return err
	}
	return fileutil.MoveFile(staged, output)
}

func (t *Task) cleanup(workDir string) {
	if t.r.cfg.Workflow.KeepWorkDir {
		t.logger.Info("work directory kept", logging.String("work_dir", workDir))
		return
	}
	size, _ := fileutil.DirSize(workDir)
	if err := os.RemoveAll(workDir); err != nil {
		logging.WarnWithContext(t.logger, "work directory cleanup failed", "cleanup_failed",
			logging.String("work_dir", workDir),
			logging.Error(err),
			logging.String(logging.FieldImpact, "temporary frames remain on disk"),
		)
		return
	}
	t.logger.Debug("work directory removed",
		logging.String("work_dir", workDir),
		logging.String("freed", humanize.Bytes(uint64(size))),
	)
}

func (t *Task) fail(ctx context.Context, stage Stage, err error) (Result, error) {
	if ctx.Err() != nil && (t.isCancelled() || errors.Is(err, context.Canceled)) {
		return t.cancelledResult(), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stageErr := &StageError{
		JobID:      t.jobID,
		Stage:      stage,
		Elapsed:    t.elapsed(),
		LastStatus: t.last,
		Err:        err,
	}
	result := Result{Final: t.last}
	if t.handle != nil {
		stageErr.TaskID = t.handle.TaskID
		result.TaskID = t.handle.TaskID
	}
	return result, stageErr
}

func (t *Task) cancelledResult() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := Result{Outcome: OutcomeCancelled, Final: t.last}
	if t.handle != nil {
		result.TaskID = t.handle.TaskID
	}
	return result
}

func (t *Task) finish(ctx context.Context, result Result, err error) {
	payload := notifications.Payload{
		"input":   filepath.Base(t.job.InputPath),
		"elapsed": result.Elapsed,
	}
	var (
		status  jobstore.Status
		message string
		event   notifications.Event
		outcome string
	)
	switch {
	case err != nil:
		status = services.FailureStatus(err)
		message = err.Error()
		event = notifications.EventTaskFailed
		outcome = "failed"
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			payload["stage"] = string(stageErr.Stage)
			payload["error"] = stageErr.Err
		} else {
			payload["error"] = err
		}
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "replication_failed"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the run is safe to retry from scratch"),
		}
		logging.ErrorWithContext(t.logger, "replication failed", "replication_failed", attrs...)
	case result.Outcome == OutcomeCancelled:
		status = jobstore.StatusCancelled
		event = notifications.EventTaskCancelled
		outcome = "cancelled"
		t.logger.Info("replication cancelled",
			logging.String(logging.FieldEventType, "replication_cancelled"),
			logging.String("final_status", result.Final.String()),
			logging.Bool("synthetic", result.Final.Synthetic),
		)
	default:
		status = jobstore.StatusCompleted
		event = notifications.EventTaskCompleted
		outcome = "completed"
		payload["output"] = result.OutputPath
		t.logger.Info("replication completed",
			logging.String(logging.FieldEventType, "replication_completed"),
			logging.String("output", result.OutputPath),
			logging.Int("frames", result.Frames),
			logging.Duration("elapsed", result.Elapsed),
		)
	}

	if t.r.store != nil && t.jobID != "" {
		if ferr := t.r.store.Finish(ctx, t.jobID, status, message); ferr != nil {
			t.logger.Warn("job outcome not recorded",
				logging.Error(ferr),
				logging.String(logging.FieldImpact, "status command shows a stale state for this job"),
			)
		}
	}
	t.r.metrics.ObserveTask(t.job.Workflow.ID, outcome, result.Elapsed.Seconds())
	t.r.publish(ctx, event, payload)
}

func (t *Task) elapsed() time.Duration {
	return t.r.now().Sub(t.start)
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
