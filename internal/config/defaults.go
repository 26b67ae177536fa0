package config

const (
	defaultConfigPath          = "~/.config/framerelay/config.toml"
	defaultTempDir             = "~/.cache/framerelay/work"
	defaultOutputDir           = "~/Videos/framerelay"
	defaultLogDir              = "~/.local/share/framerelay/logs"
	defaultStateDir            = "~/.local/share/framerelay"
	defaultWorkflowsDir        = "~/.config/framerelay/workflows"
	defaultAPIEndpoint         = "https://api.comfy.cloud/v1"
	defaultAuthPath            = ""
	defaultTokenLeewaySeconds  = 60
	defaultTimeoutSeconds      = 300
	defaultUserAgent           = "framerelay/dev"
	defaultChunkSizeBytes      = 5 * 1024 * 1024
	defaultRetryCount          = 5
	defaultRetryDelaySeconds   = 5
	defaultBackoffMultiplier   = 2
	defaultJitterMillis        = 500
	defaultMaxDelaySeconds     = 120
	defaultParallelUploads     = 4
	defaultParallelDownloads   = 2
	defaultPollInterval        = 5
	defaultPollTimeoutSeconds  = 3600
	defaultQueuedBackoffAfter  = 2
	defaultPollMultiplier      = 2
	defaultPollMaxInterval     = 60
	defaultPollFailureCeiling  = 5
	defaultCancelGraceSeconds  = 15
	defaultFFmpegBinary        = "ffmpeg"
	defaultFFprobeBinary       = "ffprobe"
	defaultCodec               = "libx264"
	defaultFrameFormat         = "png"
	defaultWorkflowID          = "default_video_replication"
	defaultModelID             = "realistic_video_v1"
	defaultQualityLevel        = "high"
	defaultWorkflowMaxParallel = 2
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultNotifyTimeout       = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			TempDir:      defaultTempDir,
			OutputDir:    defaultOutputDir,
			LogDir:       defaultLogDir,
			StateDir:     defaultStateDir,
			WorkflowsDir: defaultWorkflowsDir,
		},
		Remote: Remote{
			APIEndpoint:        defaultAPIEndpoint,
			AuthPath:           defaultAuthPath,
			TokenLeewaySeconds: defaultTokenLeewaySeconds,
			TimeoutSeconds:     defaultTimeoutSeconds,
			UserAgent:          defaultUserAgent,
		},
		Transfer: Transfer{
			ChunkSizeBytes:    defaultChunkSizeBytes,
			RetryCount:        defaultRetryCount,
			RetryDelaySeconds: defaultRetryDelaySeconds,
			BackoffMultiplier: defaultBackoffMultiplier,
			JitterMillis:      defaultJitterMillis,
			MaxDelaySeconds:   defaultMaxDelaySeconds,
			ParallelUploads:   defaultParallelUploads,
			ParallelDownloads: defaultParallelDownloads,
		},
		Poll: Poll{
			IntervalSeconds:    defaultPollInterval,
			TimeoutSeconds:     defaultPollTimeoutSeconds,
			QueuedBackoffAfter: defaultQueuedBackoffAfter,
			BackoffMultiplier:  defaultPollMultiplier,
			MaxIntervalSeconds: defaultPollMaxInterval,
			FailureCeiling:     defaultPollFailureCeiling,
			CancelGraceSeconds: defaultCancelGraceSeconds,
		},
		Video: Video{
			FFmpegBinary:  defaultFFmpegBinary,
			FFprobeBinary: defaultFFprobeBinary,
			Codec:         defaultCodec,
			FrameFormat:   defaultFrameFormat,
		},
		Workflow: Workflow{
			DefaultID:    defaultWorkflowID,
			ModelID:      defaultModelID,
			QualityLevel: defaultQualityLevel,
			MaxParallel:  defaultWorkflowMaxParallel,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			TaskCompleted:  true,
			TaskFailed:     true,
		},
	}
}
