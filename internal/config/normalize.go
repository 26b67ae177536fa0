package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeRemote()
	c.normalizeTransfer()
	c.normalizeVideo()
	c.normalizeWorkflow()
	c.normalizeLogging()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		key      string
		value    *string
		fallback string
	}{
		{"paths.temp_dir", &c.Paths.TempDir, defaultTempDir},
		{"paths.output_dir", &c.Paths.OutputDir, defaultOutputDir},
		{"paths.log_dir", &c.Paths.LogDir, defaultLogDir},
		{"paths.state_dir", &c.Paths.StateDir, defaultStateDir},
		{"paths.workflows_dir", &c.Paths.WorkflowsDir, defaultWorkflowsDir},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.fallback
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeRemote() {
	c.Remote.APIKey = strings.TrimSpace(c.Remote.APIKey)
	if c.Remote.APIKey == "" {
		if value, ok := os.LookupEnv("FRAMERELAY_API_KEY"); ok {
			c.Remote.APIKey = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("COMFY_CLOUD_API_KEY"); ok {
			c.Remote.APIKey = strings.TrimSpace(value)
		}
	}
	if value, ok := os.LookupEnv("FRAMERELAY_API_ENDPOINT"); ok && strings.TrimSpace(value) != "" {
		c.Remote.APIEndpoint = value
	}
	c.Remote.APIEndpoint = strings.TrimRight(strings.TrimSpace(c.Remote.APIEndpoint), "/")
	c.Remote.RefreshToken = strings.TrimSpace(c.Remote.RefreshToken)
	c.Remote.AuthPath = strings.TrimSpace(c.Remote.AuthPath)
	c.Remote.UserAgent = strings.TrimSpace(c.Remote.UserAgent)
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = defaultUserAgent
	}
	if c.Remote.TokenLeewaySeconds < 0 {
		c.Remote.TokenLeewaySeconds = 0
	}
}

func (c *Config) normalizeTransfer() {
	if c.Transfer.ParallelUploads <= 0 {
		c.Transfer.ParallelUploads = 1
	}
	if c.Transfer.ParallelDownloads <= 0 {
		c.Transfer.ParallelDownloads = 1
	}
	if c.Transfer.JitterMillis < 0 {
		c.Transfer.JitterMillis = 0
	}
}

func (c *Config) normalizeVideo() {
	c.Video.FFmpegBinary = strings.TrimSpace(c.Video.FFmpegBinary)
	if c.Video.FFmpegBinary == "" {
		c.Video.FFmpegBinary = defaultFFmpegBinary
	}
	c.Video.FFprobeBinary = strings.TrimSpace(c.Video.FFprobeBinary)
	if c.Video.FFprobeBinary == "" {
		c.Video.FFprobeBinary = defaultFFprobeBinary
	}
	c.Video.Codec = strings.TrimSpace(c.Video.Codec)
	if c.Video.Codec == "" {
		c.Video.Codec = defaultCodec
	}
	c.Video.FrameFormat = strings.ToLower(strings.TrimSpace(c.Video.FrameFormat))
	if c.Video.FrameFormat == "" {
		c.Video.FrameFormat = defaultFrameFormat
	}
}

func (c *Config) normalizeWorkflow() {
	c.Workflow.DefaultID = strings.TrimSpace(c.Workflow.DefaultID)
	if c.Workflow.DefaultID == "" {
		c.Workflow.DefaultID = defaultWorkflowID
	}
	c.Workflow.ModelID = strings.TrimSpace(c.Workflow.ModelID)
	c.Workflow.QualityLevel = strings.ToLower(strings.TrimSpace(c.Workflow.QualityLevel))
	if c.Workflow.QualityLevel == "" {
		c.Workflow.QualityLevel = defaultQualityLevel
	}
	if c.Workflow.MaxParallel <= 0 {
		c.Workflow.MaxParallel = 1
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
