package jobstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"framerelay/internal/jobstore"
	"framerelay/internal/testsupport"
)

func TestCreateAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job, err := store.Create(ctx, "/videos/clip.mp4", "/out/clip_replicated.mp4", "default_video_replication")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(job.ID) != 26 {
		t.Fatalf("expected ULID id, got %q", job.ID)
	}
	if job.Status != jobstore.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched == nil || fetched.InputPath != "/videos/clip.mp4" || fetched.OutputPath != "/out/clip_replicated.mp4" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}

	missing, err := store.Get(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("Get missing failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing job, got %#v", missing)
	}
}

func TestCreateRequiresInput(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	if _, err := store.Create(context.Background(), "", "", "wf"); err == nil {
		t.Fatal("expected error when input missing")
	}
}

func TestProgressRemoteTaskAndFinish(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.NewJob(t, store, "/videos/a.mp4")

	if err := store.UpdateProgress(ctx, job.ID, jobstore.StatusUploading, 40, "3/8 files uploaded"); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if err := store.SetRemoteTask(ctx, job.ID, "task-42", "QUEUED"); err != nil {
		t.Fatalf("SetRemoteTask failed: %v", err)
	}
	if err := store.SetRemoteTask(ctx, job.ID, "", "RUNNING"); err != nil {
		t.Fatalf("SetRemoteTask status only failed: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != jobstore.StatusUploading || got.ProgressPercent != 40 {
		t.Fatalf("unexpected progress: %s %.0f", got.Status, got.ProgressPercent)
	}
	if got.RemoteTaskID != "task-42" || got.RemoteStatus != "RUNNING" {
		t.Fatalf("unexpected remote binding: %q %q", got.RemoteTaskID, got.RemoteStatus)
	}

	byTask, err := store.FindByRemoteTask(ctx, "task-42")
	if err != nil || byTask == nil || byTask.ID != job.ID {
		t.Fatalf("FindByRemoteTask = %#v, %v", byTask, err)
	}

	if err := store.Finish(ctx, job.ID, jobstore.StatusCompleted, ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if err := store.Finish(ctx, job.ID, jobstore.StatusFailed, "late failure"); err != nil {
		t.Fatalf("second Finish failed: %v", err)
	}
	got, _ = store.Get(ctx, job.ID)
	if got.Status != jobstore.StatusCompleted {
		t.Fatalf("expected first terminal status to win, got %s", got.Status)
	}
	if got.FinishedAt == nil || got.ProgressPercent != 100 {
		t.Fatalf("expected finished timestamp and full progress, got %#v", got)
	}

	err = store.UpdateProgress(ctx, job.ID, jobstore.StatusPolling, 10, "")
	if !errors.Is(err, jobstore.ErrFinished) {
		t.Fatalf("expected ErrFinished updating finished job, got %v", err)
	}
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	job := testsupport.NewJob(t, store, "/videos/a.mp4")
	if err := store.Finish(context.Background(), job.ID, jobstore.StatusPolling, ""); err == nil {
		t.Fatal("expected error for non-terminal finish")
	}
}

func TestRequestCancel(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	job := testsupport.NewJob(t, store, "/videos/a.mp4")

	requested, err := store.CancelRequested(ctx, job.ID)
	if err != nil || requested {
		t.Fatalf("expected no cancel request initially, got %v %v", requested, err)
	}
	if _, err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	requested, err = store.CancelRequested(ctx, job.ID)
	if err != nil || !requested {
		t.Fatalf("expected cancel request, got %v %v", requested, err)
	}

	if _, err := store.RequestCancel(ctx, "missing"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Finish(ctx, job.ID, jobstore.StatusCancelled, ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if _, err := store.RequestCancel(ctx, job.ID); !errors.Is(err, jobstore.ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	first := testsupport.NewJob(t, store, "/videos/1.mp4")
	second := testsupport.NewJob(t, store, "/videos/2.mp4")
	if err := store.Finish(ctx, first.ID, jobstore.StatusFailed, "boom"); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	all, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest first, got %d jobs", len(all))
	}

	failed, err := store.List(ctx, 0, jobstore.StatusFailed)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMessage != "boom" {
		t.Fatalf("unexpected failed jobs: %#v", failed)
	}

	limited, err := store.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected one job with limit, got %d %v", len(limited), err)
	}
}

func TestPruneRemovesOldFinishedJobs(t *testing.T) {
	store := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	ctx := context.Background()
	done := testsupport.NewJob(t, store, "/videos/done.mp4")
	running := testsupport.NewJob(t, store, "/videos/running.mp4")
	if err := store.Finish(ctx, done.ID, jobstore.StatusCompleted, ""); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	removed, err := store.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned job, got %d", removed)
	}
	if job, _ := store.Get(ctx, running.ID); job == nil {
		t.Fatal("running job should survive prune")
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	store, err := jobstore.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	job, err := store.Create(context.Background(), "/videos/a.mp4", "", "wf")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	store.Close()

	reopened, err := jobstore.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), job.ID)
	if err != nil || got == nil {
		t.Fatalf("expected job after reopen, got %#v %v", got, err)
	}
}

func TestStatusHelpers(t *testing.T) {
	if !jobstore.StatusCancelled.IsTerminal() || jobstore.StatusPolling.IsTerminal() {
		t.Fatal("unexpected terminal classification")
	}
	if status, ok := jobstore.ParseStatus("downloading"); !ok || status != jobstore.StatusDownloading {
		t.Fatalf("ParseStatus = %v %v", status, ok)
	}
	if _, ok := jobstore.ParseStatus("ripping"); ok {
		t.Fatal("expected unknown status to fail parsing")
	}
}
