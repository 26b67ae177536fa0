package orchestrator

import (
	"errors"
	"path/filepath"
	"testing"

	"framerelay/internal/media/ffprobe"
	"framerelay/internal/remote"
)

func TestBuildParamsPrecedence(t *testing.T) {
	frames := []remote.ArtifactRef{{ID: "a"}, {ID: "b"}}
	def := map[string]remote.Param{
		"quality_level": remote.StringParam("medium"),
		"style":         remote.StringParam("film"),
		"frames":        remote.StringParam("ignored"),
	}
	overrides := map[string]remote.Param{
		"style": remote.StringParam("anime"),
	}

	params := buildParams("model-x", "high", ffprobe.VideoInfo{Width: 1920, Height: 1080}, 24, frames, def, overrides)

	checks := map[string]any{
		"model_id":      "model-x",
		"quality_level": "medium",
		"style":         "anime",
		"fps":           float64(24),
		"frame_count":   float64(2),
		"width":         float64(1920),
		"height":        float64(1080),
	}
	for key, want := range checks {
		if got := params[key].JSONValue(); got != want {
			t.Fatalf("%s: expected %v, got %v", key, want, got)
		}
	}
	if got := params["frames"].Artifacts(); len(got) != 2 {
		t.Fatalf("expected frame list to win, got %v", params["frames"])
	}
}

func TestBuildParamsSkipsUnknownShape(t *testing.T) {
	params := buildParams("", "", ffprobe.VideoInfo{}, 12, nil, nil, nil)
	for _, key := range []string{"model_id", "quality_level", "width", "height"} {
		if _, ok := params[key]; ok {
			t.Fatalf("expected %s to be omitted", key)
		}
	}
}

func TestDefaultOutputPath(t *testing.T) {
	got := DefaultOutputPath("/out", "/videos/holiday.clip.mov")
	if want := filepath.Join("/out", "holiday.clip_replicated.mp4"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestArtifactKinds(t *testing.T) {
	cases := []struct {
		ref   remote.ArtifactRef
		video bool
		image bool
	}{
		{remote.ArtifactRef{Name: "out.MP4"}, true, false},
		{remote.ArtifactRef{Name: "blob", ContentType: "video/webm"}, true, false},
		{remote.ArtifactRef{Name: "frame_00001.png"}, false, true},
		{remote.ArtifactRef{Name: "blob", ContentType: "image/jpeg"}, false, true},
		{remote.ArtifactRef{Name: "notes.txt"}, false, false},
	}
	for _, tc := range cases {
		if isVideoArtifact(tc.ref) != tc.video || isImageArtifact(tc.ref) != tc.image {
			t.Fatalf("%+v: unexpected classification", tc.ref)
		}
	}
}

func TestStageSpansCoverRange(t *testing.T) {
	total := stageStart[StageUploading] + stageSpan(StageUploading)
	if total != stageStart[StageSubmitting] {
		t.Fatalf("upload span should end at submit start, got %.0f", total)
	}
	if stageSpan(StagePreparing) != 0 {
		t.Fatal("preparing has no span")
	}
}

func TestLockInputIsExclusive(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "clip.mp4")

	first, err := lockInput(filepath.Join(dir, "locks"), input)
	if err != nil {
		t.Fatalf("lockInput: %v", err)
	}
	if _, err := lockInput(filepath.Join(dir, "locks"), input); !errors.Is(err, ErrInputBusy) {
		t.Fatalf("expected ErrInputBusy, got %v", err)
	}
	first.release()

	again, err := lockInput(filepath.Join(dir, "locks"), input)
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	again.release()
}

func TestStageErrorMessages(t *testing.T) {
	err := &StageError{
		JobID:  "01J",
		TaskID: "task-1",
		Stage:  StagePolling,
		Err:    &TaskFailedError{TaskID: "task-1", Reason: "out of GPU memory"},
	}
	if got := err.UserMessage(); got != "polling failed: remote task task-1 failed: out of GPU memory (safe to retry from scratch)" {
		t.Fatalf("unexpected user message %q", got)
	}
	if (&TaskFailedError{TaskID: "t"}).Error() != "remote task t failed without a reason" {
		t.Fatal("unexpected empty-reason message")
	}
}
