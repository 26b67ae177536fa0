package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"framerelay/internal/jobstore"
	"framerelay/internal/orchestrator"
	"framerelay/internal/remote"
	"framerelay/internal/testsupport"
	"framerelay/internal/workflowdef"
)

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "framerelay.toml")

	stdout, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, stdout, "Wrote sample configuration")
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	requireContains(t, string(data), "[remote]")

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected existing-file error, got %v", err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigValidateUsesFlagPath(t *testing.T) {
	env := setupCLITestEnv(t)

	stdout, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, stdout, "Config path: "+env.configPath)
	requireContains(t, stdout, env.remote.URL)
	requireContains(t, stdout, "Configuration valid")
}

func TestStatusListsAndDetailsJobs(t *testing.T) {
	env := setupCLITestEnv(t)
	store := testsupport.MustOpenStore(t, env.cfg)
	ctx := context.Background()

	running := testsupport.NewJob(t, store, "/videos/running.mp4")
	if err := store.UpdateProgress(ctx, running.ID, jobstore.StatusPolling, 62, "remote RUNNING"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.SetRemoteTask(ctx, running.ID, "task-9", "RUNNING"); err != nil {
		t.Fatalf("SetRemoteTask: %v", err)
	}
	done := testsupport.NewJob(t, store, "/videos/done.mp4")
	if err := store.Finish(ctx, done.ID, jobstore.StatusFailed, "upload failed"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	stdout, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, stdout, running.ID)
	requireContains(t, stdout, "Polling")
	requireContains(t, stdout, "62%")
	requireContains(t, stdout, "Failed")

	stdout, _, err = runCLI(t, []string{"status", running.ID}, env.configPath)
	if err != nil {
		t.Fatalf("status detail: %v", err)
	}
	requireContains(t, stdout, "Remote:    task-9 (RUNNING)")

	stdout, _, err = runCLI(t, []string{"status", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var views []jobView
	if err := json.Unmarshal([]byte(stdout), &views); err != nil {
		t.Fatalf("decode status json: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(views))
	}

	if _, _, err := runCLI(t, []string{"status", "missing"}, env.configPath); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusWithoutJobs(t *testing.T) {
	env := setupCLITestEnv(t)

	stdout, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, stdout, "No jobs recorded")
}

func TestCancelCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	store := testsupport.MustOpenStore(t, env.cfg)
	ctx := context.Background()

	running := testsupport.NewJob(t, store, "/videos/running.mp4")
	stdout, _, err := runCLI(t, []string{"cancel", running.ID}, env.configPath)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, stdout, "Cancellation requested")
	requested, err := store.CancelRequested(ctx, running.ID)
	if err != nil || !requested {
		t.Fatalf("expected cancel flag, got %v err=%v", requested, err)
	}

	done := testsupport.NewJob(t, store, "/videos/done.mp4")
	if err := store.Finish(ctx, done.ID, jobstore.StatusCompleted, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	stdout, _, err = runCLI(t, []string{"cancel", done.ID}, env.configPath)
	if err != nil {
		t.Fatalf("cancel finished: %v", err)
	}
	requireContains(t, stdout, "already finished (Completed)")
}

func TestListWorkflowsMergesLocalDefinitions(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.MkdirAll(env.cfg.Paths.WorkflowsDir, 0o755); err != nil {
		t.Fatalf("mkdir workflows: %v", err)
	}
	def := "id: anime_style\nname: Anime style\ndescription: Stylised replica\nparams:\n  style: anime\n"
	if err := os.WriteFile(filepath.Join(env.cfg.Paths.WorkflowsDir, "anime.yaml"), []byte(def), 0o644); err != nil {
		t.Fatalf("write definition: %v", err)
	}

	stdout, _, err := runCLI(t, []string{"list-workflows", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("list-workflows: %v", err)
	}
	var rows []workflowRow
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 workflows, got %+v", rows)
	}
	if rows[0].ID != "anime_style" || rows[0].Source != "local" {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	if rows[1].ID != "default_video_replication" || rows[1].Source != "remote" {
		t.Fatalf("unexpected second row %+v", rows[1])
	}

	stdout, _, err = runCLI(t, []string{"list-workflows"}, env.configPath)
	if err != nil {
		t.Fatalf("list-workflows table: %v", err)
	}
	requireContains(t, stdout, "anime_style")
	requireContains(t, stdout, "Anime style")
}

func TestMergeWorkflowsMarksBoth(t *testing.T) {
	rows := mergeWorkflows(
		[]remote.WorkflowInfo{{ID: "wf", Name: "Remote name"}},
		[]workflowdef.Definition{{ID: "wf", Name: "Local name", Description: "local tweaks"}},
	)
	if len(rows) != 1 {
		t.Fatalf("expected one merged row, got %+v", rows)
	}
	if rows[0].Source != "both" || rows[0].Name != "Remote name" || rows[0].Description != "local tweaks" {
		t.Fatalf("unexpected merged row %+v", rows[0])
	}
}

func TestBuildJobsValidatesFlags(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, err := buildJobs(env.cfg, replicateOptions{}); err == nil {
		t.Fatal("expected missing input error")
	}
	if _, err := buildJobs(env.cfg, replicateOptions{inputs: []string{"a.mp4", "b.mp4"}, output: "out.mp4"}); err == nil {
		t.Fatal("expected --output with multiple inputs to fail")
	}
	if _, err := buildJobs(env.cfg, replicateOptions{inputs: []string{"a.mp4"}, params: []string{"novalue"}}); err == nil {
		t.Fatal("expected malformed --param to fail")
	}

	jobs, err := buildJobs(env.cfg, replicateOptions{
		inputs:       []string{"/videos/a.mp4"},
		qualityLevel: "draft",
		pollInterval: 0.5,
		params:       []string{"strength=0.8", "style=anime"},
	})
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}
	job := jobs[0]
	if job.Workflow.ID != "default_video_replication" {
		t.Fatalf("expected default workflow, got %q", job.Workflow.ID)
	}
	if job.PollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", job.PollInterval)
	}
	if job.Params["quality_level"].JSONValue() != "draft" || job.Params["strength"].JSONValue() != 0.8 {
		t.Fatalf("unexpected params %v", job.Params)
	}
}

func TestSummarizeReportsFailures(t *testing.T) {
	var out bytes.Buffer
	reports := []orchestrator.Report{
		{Job: orchestrator.Job{InputPath: "/videos/a.mp4"}, Result: orchestrator.Result{Outcome: orchestrator.OutcomeCompleted, OutputPath: "/out/a_replicated.mp4", Frames: 12}},
		{Job: orchestrator.Job{InputPath: "/videos/b.mp4"}, Result: orchestrator.Result{Outcome: orchestrator.OutcomeCancelled}},
		{Job: orchestrator.Job{InputPath: "/videos/c.mp4"}, Err: &orchestrator.StageError{Stage: orchestrator.StageUploading, Err: errors.New("connection reset")}},
	}

	err := summarize(&out, reports, false)
	if err == nil || err.Error() != "1 of 3 replications failed" {
		t.Fatalf("unexpected error %v", err)
	}
	requireContains(t, out.String(), "ok a.mp4 -> /out/a_replicated.mp4 (12 frames")
	requireContains(t, out.String(), "- b.mp4: cancelled")
	requireContains(t, out.String(), "FAILED c.mp4: uploading failed: connection reset (safe to retry from scratch)")

	out.Reset()
	if err := summarize(&out, reports[1:2], true); err != nil {
		t.Fatalf("cancelled run should not fail: %v", err)
	}
	requireContains(t, out.String(), "Replication interrupted")
}

func TestPruneRemovesStaleWorkDirectories(t *testing.T) {
	env := setupCLITestEnv(t)
	store := testsupport.MustOpenStore(t, env.cfg)
	running := testsupport.NewJob(t, store, "/videos/running.mp4")

	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{running.ID, "01STALE"} {
		dir := filepath.Join(env.cfg.Paths.TempDir, name)
		testsupport.WriteFile(t, filepath.Join(dir, "frames", "frame_000000.png"), 10)
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	stdout, _, err := runCLI(t, []string{"prune", "--older-than", "24h", "--dry-run"}, env.configPath)
	if err != nil {
		t.Fatalf("prune --dry-run: %v", err)
	}
	requireContains(t, stdout, "01STALE")
	if strings.Contains(stdout, running.ID) {
		t.Fatalf("active job directory listed for removal:\n%s", stdout)
	}

	stdout, _, err = runCLI(t, []string{"prune", "--older-than", "24h"}, env.configPath)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	requireContains(t, stdout, "1 work directories")
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.TempDir, "01STALE")); !os.IsNotExist(err) {
		t.Fatal("stale directory should be removed")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.TempDir, running.ID)); err != nil {
		t.Fatalf("active directory should remain: %v", err)
	}
}

func TestLogsFiltersByJob(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.MkdirAll(env.cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	content := `{"ts":"2026-01-02T03:04:05Z","level":"info","msg":"frames extracted","job_id":"J1"}
{"ts":"2026-01-02T03:04:06Z","level":"info","msg":"other job","job_id":"J2"}
`
	if err := os.WriteFile(filepath.Join(env.cfg.Paths.LogDir, "framerelay.log"), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	stdout, _, err := runCLI(t, []string{"logs", "--job", "J1"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, stdout, "frames extracted job_id=J1")
	if strings.Contains(stdout, "other job") {
		t.Fatalf("unexpected record for another job:\n%s", stdout)
	}
}
