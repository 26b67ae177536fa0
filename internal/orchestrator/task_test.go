package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"framerelay/internal/config"
	"framerelay/internal/jobstore"
	"framerelay/internal/media/ffprobe"
	"framerelay/internal/notifications"
	"framerelay/internal/orchestrator"
	"framerelay/internal/remote"
	"framerelay/internal/remote/client"
	"framerelay/internal/testsupport"
	"framerelay/internal/workflowdef"
)

type stubVideo struct {
	frames int

	mu       sync.Mutex
	composed []string
}

func (s *stubVideo) ExtractFrames(_ context.Context, _ string, dir string, _ float64, maxFrames int, _ string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	n := s.frames
	if maxFrames > 0 && maxFrames < n {
		n = maxFrames
	}
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("frame_%06d.png", i))
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *stubVideo) ComposeVideo(_ context.Context, frameDir, pattern string, _ float64, _ string, out string) error {
	matches, err := filepath.Glob(filepath.Join(frameDir, "*"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no frames for %s", pattern)
	}
	s.mu.Lock()
	s.composed = append(s.composed, out)
	s.mu.Unlock()
	return os.WriteFile(out, []byte("mp4"), 0o644)
}

func stubProbe(context.Context, string) (ffprobe.VideoInfo, error) {
	return ffprobe.VideoInfo{Width: 640, Height: 360, FrameRate: 24}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

type harness struct {
	cfg      *config.Config
	remote   *testsupport.FakeRemote
	video    *stubVideo
	notifier *recordingNotifier
	runner   *orchestrator.Runner
	input    string
}

func newHarness(t *testing.T, opts ...orchestrator.Option) *harness {
	t.Helper()
	fake := testsupport.NewFakeRemote(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEndpoint(fake.URL))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	rc, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	h := &harness{
		cfg:      cfg,
		remote:   fake,
		video:    &stubVideo{frames: 6},
		notifier: &recordingNotifier{},
	}
	base := []orchestrator.Option{
		orchestrator.WithVideoProcessor(h.video),
		orchestrator.WithProber(stubProbe),
		orchestrator.WithNotifier(h.notifier),
	}
	runner, err := orchestrator.NewRunner(cfg, rc, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	h.runner = runner
	h.input = filepath.Join(testsupport.BaseDir(cfg), "videos", "clip.mp4")
	testsupport.WriteFile(t, h.input, 1024)
	return h
}

func (h *harness) job() orchestrator.Job {
	return orchestrator.Job{
		InputPath: h.input,
		Workflow:  workflowdef.Definition{ID: "default_video_replication"},
	}
}

func TestTaskRunProducesOutput(t *testing.T) {
	h := newHarness(t)

	result, err := h.runner.NewTask(h.job()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != orchestrator.OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %q", result.Outcome)
	}
	want := filepath.Join(h.cfg.Paths.OutputDir, "clip_replicated.mp4")
	if result.OutputPath != want {
		t.Fatalf("expected output %s, got %s", want, result.OutputPath)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if result.Frames != 6 || result.Artifacts != 1 {
		t.Fatalf("unexpected counts frames=%d artifacts=%d", result.Frames, result.Artifacts)
	}
	if result.Final.State != remote.StateSucceeded {
		t.Fatalf("expected final SUCCEEDED, got %s", result.Final.State)
	}
	if result.JobID == "" || result.TaskID == "" {
		t.Fatalf("expected job and task ids, got %+v", result)
	}

	inputs := h.remote.LastInputs()
	if got, ok := inputs["frames"].([]any); !ok || len(got) != 6 {
		t.Fatalf("expected 6 frame references, got %#v", inputs["frames"])
	}
	if inputs["width"] != float64(640) || inputs["fps"] != float64(24) {
		t.Fatalf("unexpected probed params: %#v", inputs)
	}

	if _, err := os.Stat(filepath.Join(h.cfg.Paths.TempDir, result.JobID)); !os.IsNotExist(err) {
		t.Fatalf("expected work dir removed, stat err=%v", err)
	}
	if events := h.notifier.Events(); len(events) != 1 || events[0] != notifications.EventTaskCompleted {
		t.Fatalf("unexpected notifications: %v", events)
	}
}

func TestTaskRunDoesNotOverwriteDefaultOutput(t *testing.T) {
	h := newHarness(t)
	existing := filepath.Join(h.cfg.Paths.OutputDir, "clip_replicated.mp4")
	testsupport.WriteFile(t, existing, 4)

	result, err := h.runner.NewTask(h.job()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := filepath.Join(h.cfg.Paths.OutputDir, "clip_replicated-2.mp4"); result.OutputPath != want {
		t.Fatalf("expected %s, got %s", want, result.OutputPath)
	}
}

func TestTaskRunKeepsWorkDirWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.KeepWorkDir = true

	result, err := h.runner.NewTask(h.job()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Paths.TempDir, result.JobID, "frames")); err != nil {
		t.Fatalf("expected frames kept: %v", err)
	}
}

func TestTaskRunUsesSingleVideoResult(t *testing.T) {
	h := newHarness(t)
	h.remote.Results = []testsupport.FakeFile{{Name: "replica.mp4", Data: []byte("video-bytes")}}

	result, err := h.runner.NewTask(h.job()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "video-bytes" {
		t.Fatalf("expected downloaded video as output, got %q", data)
	}
	if len(h.video.composed) != 0 {
		t.Fatalf("expected no composition, got %v", h.video.composed)
	}
}

func TestTaskRunReportsRemoteFailureVerbatim(t *testing.T) {
	h := newHarness(t)
	h.remote.Script = []string{"running", "failed"}
	h.remote.TaskError = "out of GPU memory"

	result, err := h.runner.NewTask(h.job()).Run(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	var stageErr *orchestrator.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if stageErr.Stage != orchestrator.StagePolling || stageErr.TaskID == "" || stageErr.JobID == "" {
		t.Fatalf("unexpected stage error fields: %+v", stageErr)
	}
	if !stageErr.SafeToRetry() {
		t.Fatal("expected failure to be safe to retry")
	}
	var failed *orchestrator.TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TaskFailedError in chain, got %v", err)
	}
	if failed.Reason != "out of GPU memory" {
		t.Fatalf("expected verbatim reason, got %q", failed.Reason)
	}
	if result.Final.State != remote.StateFailed {
		t.Fatalf("expected final FAILED, got %s", result.Final.State)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Paths.OutputDir, "clip_replicated.mp4")); !os.IsNotExist(err) {
		t.Fatalf("expected reserved output released, stat err=%v", err)
	}
	if events := h.notifier.Events(); len(events) != 1 || events[0] != notifications.EventTaskFailed {
		t.Fatalf("unexpected notifications: %v", events)
	}
}

func TestTaskRunRejectsUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	job := h.job()
	job.Workflow = workflowdef.Definition{ID: "does_not_exist"}

	_, err := h.runner.NewTask(job).Run(context.Background())
	var subErr *remote.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	var stageErr *orchestrator.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != orchestrator.StageSubmitting {
		t.Fatalf("expected submitting stage error, got %v", err)
	}
}

func TestTaskRunValidatesLocalSchemaBeforeSubmit(t *testing.T) {
	h := newHarness(t)
	job := h.job()
	job.Workflow.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"style"},
	}

	_, err := h.runner.NewTask(job).Run(context.Background())
	var subErr *remote.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if calls := h.remote.SubmitCalls(); calls != 0 {
		t.Fatalf("expected no submission, got %d", calls)
	}
}

func TestTaskRunMissingInputFails(t *testing.T) {
	h := newHarness(t)
	job := h.job()
	job.InputPath = filepath.Join(testsupport.BaseDir(h.cfg), "missing.mp4")

	_, err := h.runner.NewTask(job).Run(context.Background())
	var stageErr *orchestrator.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != orchestrator.StagePreparing {
		t.Fatalf("expected preparing stage error, got %v", err)
	}
	if h.remote.SubmitCalls() != 0 {
		t.Fatal("expected nothing submitted")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskCancelWhilePolling(t *testing.T) {
	h := newHarness(t)
	h.remote.Script = []string{"queued"}
	task := h.runner.NewTask(h.job())

	atCancel := make(chan int, 1)
	go func() {
		waitFor(t, func() bool { return h.remote.StatusCalls() >= 2 })
		atCancel <- h.remote.StatusCalls()
		task.Cancel()
	}()

	result, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("expected clean cancellation, got %v", err)
	}
	if result.Outcome != orchestrator.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %q", result.Outcome)
	}
	if calls := h.remote.CancelCalls(); calls != 1 {
		t.Fatalf("expected 1 remote cancel, got %d", calls)
	}
	// At most one query in flight when Cancel ran plus the confirmation query.
	if extra := h.remote.StatusCalls() - <-atCancel; extra > 2 {
		t.Fatalf("expected polling to stop after cancel, got %d more status queries", extra)
	}
	if result.Final.State != remote.StateCancelled || result.Final.Synthetic {
		t.Fatalf("expected confirmed CANCELLED, got %+v", result.Final)
	}
	if events := h.notifier.Events(); len(events) != 1 || events[0] != notifications.EventTaskCancelled {
		t.Fatalf("unexpected notifications: %v", events)
	}
}

func TestTaskCancelUnconfirmedIsSynthesised(t *testing.T) {
	h := newHarness(t)
	h.remote.Script = []string{"queued"}
	h.remote.IgnoreCancel = true
	task := h.runner.NewTask(h.job())

	atCancel := make(chan int, 1)
	go func() {
		waitFor(t, func() bool { return h.remote.StatusCalls() >= 2 })
		atCancel <- h.remote.StatusCalls()
		task.Cancel()
	}()

	started := time.Now()
	result, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("expected clean cancellation, got %v", err)
	}
	if extra := h.remote.StatusCalls() - <-atCancel; extra > 2 {
		t.Fatalf("expected polling to stop after cancel, got %d more status queries", extra)
	}
	if !result.Final.Synthetic || result.Final.State != remote.StateCancelled {
		t.Fatalf("expected synthesised CANCELLED, got %+v", result.Final)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
}

func TestTaskCancelViaContext(t *testing.T) {
	h := newHarness(t)
	h.remote.Script = []string{"running"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		waitFor(t, func() bool { return h.remote.StatusCalls() >= 2 })
		cancel()
	}()

	result, err := h.runner.NewTask(h.job()).Run(ctx)
	if err != nil {
		t.Fatalf("expected clean cancellation, got %v", err)
	}
	if result.Outcome != orchestrator.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %q", result.Outcome)
	}
	if h.remote.CancelCalls() != 1 {
		t.Fatalf("expected remote cancel, got %d", h.remote.CancelCalls())
	}
}

func TestTaskCancelBeforeRunSubmitsNothing(t *testing.T) {
	h := newHarness(t)
	task := h.runner.NewTask(h.job())
	task.Cancel()

	result, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != orchestrator.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %q", result.Outcome)
	}
	if h.remote.SubmitCalls() != 0 || h.remote.ChunkAttempts() != 0 {
		t.Fatal("expected no remote traffic")
	}
}

func TestTaskCancelRequestedThroughStore(t *testing.T) {
	var store *jobstore.Store
	fake := testsupport.NewFakeRemote(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEndpoint(fake.URL))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store = testsupport.MustOpenStore(t, cfg)
	rc, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	runner, err := orchestrator.NewRunner(cfg, rc,
		orchestrator.WithVideoProcessor(&stubVideo{frames: 3}),
		orchestrator.WithProber(stubProbe),
		orchestrator.WithNotifier(&recordingNotifier{}),
		orchestrator.WithStore(store),
		orchestrator.WithCancelWatchInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	fake.Script = []string{"queued"}
	input := filepath.Join(testsupport.BaseDir(cfg), "clip.mp4")
	testsupport.WriteFile(t, input, 64)

	task := runner.NewTask(orchestrator.Job{InputPath: input})
	go func() {
		waitFor(t, func() bool { return fake.StatusCalls() >= 1 && task.JobID() != "" })
		if _, err := store.RequestCancel(context.Background(), task.JobID()); err != nil {
			t.Errorf("RequestCancel: %v", err)
		}
	}()

	result, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Outcome != orchestrator.OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %q", result.Outcome)
	}
	job, err := store.Get(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobstore.StatusCancelled {
		t.Fatalf("expected cancelled job, got %s", job.Status)
	}
	if job.RemoteTaskID != result.TaskID || job.WorkflowID != "default_video_replication" {
		t.Fatalf("unexpected job record: %+v", job)
	}
}

func TestTaskRecordsCompletedJob(t *testing.T) {
	fake := testsupport.NewFakeRemote(t)
	cfg := testsupport.NewConfig(t, testsupport.WithEndpoint(fake.URL))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	rc, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	runner, err := orchestrator.NewRunner(cfg, rc,
		orchestrator.WithVideoProcessor(&stubVideo{frames: 2}),
		orchestrator.WithProber(stubProbe),
		orchestrator.WithNotifier(&recordingNotifier{}),
		orchestrator.WithStore(store),
	)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	input := filepath.Join(testsupport.BaseDir(cfg), "clip.mp4")
	testsupport.WriteFile(t, input, 64)

	result, err := runner.NewTask(orchestrator.Job{InputPath: input}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job, err := store.Get(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != jobstore.StatusCompleted || job.ProgressPercent != 100 {
		t.Fatalf("expected completed at 100%%, got %s %.0f", job.Status, job.ProgressPercent)
	}
	if job.RemoteStatus != string(remote.StateSucceeded) {
		t.Fatalf("expected remote status recorded, got %q", job.RemoteStatus)
	}
	if !strings.HasSuffix(job.WorkDir, result.JobID) {
		t.Fatalf("expected work dir recorded, got %q", job.WorkDir)
	}
}

func TestRunAllReportsEachJob(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.MaxParallel = 2
	second := filepath.Join(testsupport.BaseDir(h.cfg), "videos", "other.mp4")
	testsupport.WriteFile(t, second, 512)

	jobs := []orchestrator.Job{
		h.job(),
		{InputPath: second, Workflow: workflowdef.Definition{ID: "default_video_replication"}},
		{InputPath: filepath.Join(testsupport.BaseDir(h.cfg), "absent.mp4")},
	}
	reports := h.runner.RunAll(context.Background(), jobs)
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	if reports[0].Err != nil || reports[1].Err != nil {
		t.Fatalf("expected first two jobs to succeed: %v / %v", reports[0].Err, reports[1].Err)
	}
	if reports[2].Err == nil {
		t.Fatal("expected missing input to fail")
	}
	if reports[0].Result.OutputPath == reports[1].Result.OutputPath {
		t.Fatal("expected distinct outputs")
	}

	events := h.notifier.Events()
	if len(events) != 4 || events[len(events)-1] != notifications.EventBatchCompleted {
		t.Fatalf("expected three task events then a batch event, got %v", events)
	}
}

func TestRunAllKeepsSameNamedOutputsApart(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.MaxParallel = 2
	base := testsupport.BaseDir(h.cfg)
	first := filepath.Join(base, "a", "clip.mp4")
	second := filepath.Join(base, "b", "clip.mp4")
	testsupport.WriteFile(t, first, 512)
	testsupport.WriteFile(t, second, 512)

	reports := h.runner.RunAll(context.Background(), []orchestrator.Job{
		{InputPath: first, Workflow: workflowdef.Definition{ID: "default_video_replication"}},
		{InputPath: second, Workflow: workflowdef.Definition{ID: "default_video_replication"}},
	})
	if len(reports) != 2 || reports[0].Err != nil || reports[1].Err != nil {
		t.Fatalf("expected both jobs to succeed: %+v", reports)
	}
	outputs := []string{reports[0].Result.OutputPath, reports[1].Result.OutputPath}
	if outputs[0] == outputs[1] {
		t.Fatalf("both jobs wrote %s", outputs[0])
	}
	for _, name := range []string{"clip_replicated.mp4", "clip_replicated-2.mp4"} {
		path := filepath.Join(h.cfg.Paths.OutputDir, name)
		if !slices.Contains(outputs, path) {
			t.Fatalf("expected %s among outputs %v", path, outputs)
		}
		if data, err := os.ReadFile(path); err != nil || len(data) == 0 {
			t.Fatalf("expected composed output at %s, err=%v", path, err)
		}
	}
}
