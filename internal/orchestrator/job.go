package orchestrator

import (
	"maps"
	"path/filepath"
	"strings"
	"time"

	"framerelay/internal/jobstore"
	"framerelay/internal/media/ffprobe"
	"framerelay/internal/remote"
	"framerelay/internal/workflowdef"
)

// Stage names a step of a replication run. Values match the job journal's
// statuses.
type Stage string

const (
	StagePreparing   = Stage(jobstore.StatusPreparing)
	StageExtracting  = Stage(jobstore.StatusExtracting)
	StageUploading   = Stage(jobstore.StatusUploading)
	StageSubmitting  = Stage(jobstore.StatusSubmitting)
	StagePolling     = Stage(jobstore.StatusPolling)
	StageDownloading = Stage(jobstore.StatusDownloading)
	StageComposing   = Stage(jobstore.StatusComposing)
)

// stageStart is the overall percentage at which each stage begins.
var stageStart = map[Stage]float64{
	StagePreparing:   0,
	StageExtracting:  5,
	StageUploading:   15,
	StageSubmitting:  45,
	StagePolling:     50,
	StageDownloading: 85,
	StageComposing:   95,
}

func stageSpan(stage Stage) float64 {
	switch stage {
	case StageUploading:
		return stageStart[StageSubmitting] - stageStart[StageUploading]
	case StagePolling:
		return stageStart[StageDownloading] - stageStart[StagePolling]
	case StageDownloading:
		return stageStart[StageComposing] - stageStart[StageDownloading]
	default:
		return 0
	}
}

// Outcome is how a run ended without error.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
)

// Job describes one replication request.
type Job struct {
	InputPath string
	// OutputPath overrides the default <name>_replicated.mp4 in the output
	// directory.
	OutputPath string
	Workflow   workflowdef.Definition
	// FrameRate overrides the extraction rate; zero uses the configured rate,
	// then the source rate.
	FrameRate float64
	// MaxFrames caps extraction; zero uses the configured cap.
	MaxFrames int
	// Params are applied last, over configuration and workflow defaults.
	Params map[string]remote.Param
	// PollInterval overrides the configured base poll interval.
	PollInterval time.Duration
}

// Result summarises a finished run.
type Result struct {
	JobID      string
	TaskID     string
	Outcome    Outcome
	OutputPath string
	Frames     int
	Artifacts  int
	Elapsed    time.Duration
	Final      remote.TaskStatus
}

// DefaultOutputPath names the replicated video for input inside dir.
func DefaultOutputPath(dir, input string) string {
	base := filepath.Base(input)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, name+"_replicated.mp4")
}

// buildParams assembles workflow inputs: configuration defaults, then the
// probed video shape, then workflow definition params, then job overrides.
// The frame list is always set last.
func buildParams(modelID, quality string, info ffprobe.VideoInfo, fps float64, frames []remote.ArtifactRef, def map[string]remote.Param, overrides map[string]remote.Param) map[string]remote.Param {
	params := map[string]remote.Param{
		"frame_count": remote.NumberParam(float64(len(frames))),
		"fps":         remote.NumberParam(fps),
	}
	if modelID != "" {
		params["model_id"] = remote.StringParam(modelID)
	}
	if quality != "" {
		params["quality_level"] = remote.StringParam(quality)
	}
	if info.Width > 0 && info.Height > 0 {
		params["width"] = remote.NumberParam(float64(info.Width))
		params["height"] = remote.NumberParam(float64(info.Height))
	}
	maps.Copy(params, def)
	maps.Copy(params, overrides)
	params["frames"] = remote.ArtifactListParam(frames)
	return params
}

func isVideoArtifact(ref remote.ArtifactRef) bool {
	if strings.HasPrefix(strings.ToLower(ref.ContentType), "video/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(ref.FileName())) {
	case ".mp4", ".mov", ".mkv", ".webm":
		return true
	default:
		return false
	}
}

func isImageArtifact(ref remote.ArtifactRef) bool {
	if strings.HasPrefix(strings.ToLower(ref.ContentType), "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(ref.FileName())) {
	case ".png", ".jpg", ".jpeg", ".webp", ".bmp", ".tif", ".tiff":
		return true
	default:
		return false
	}
}
