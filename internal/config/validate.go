package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var qualityLevels = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"ultra":  {},
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateTransfer(); err != nil {
		return err
	}
	if err := c.validatePoll(); err != nil {
		return err
	}
	if err := c.validateVideo(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeout <= 0 {
		return errors.New("notifications.request_timeout must be positive")
	}
	return nil
}

func (c *Config) validateRemote() error {
	if c.Remote.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("remote.api_key is required. Set FRAMERELAY_API_KEY env var or edit %s (create with 'framerelay config init')", defaultPath)
	}
	parsed, err := url.Parse(c.Remote.APIEndpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("remote.api_endpoint must be an absolute URL, got %q", c.Remote.APIEndpoint)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("remote.api_endpoint must use http or https, got %q", parsed.Scheme)
	}
	if c.Remote.AuthPath != "" && !strings.HasPrefix(c.Remote.AuthPath, "/") {
		return errors.New("remote.auth_path must start with '/'")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return errors.New("remote.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateTransfer() error {
	if c.Transfer.ChunkSizeBytes <= 0 {
		return errors.New("transfer.chunk_size_bytes must be positive")
	}
	if c.Transfer.RetryCount < 1 {
		return errors.New("transfer.retry_count must be >= 1")
	}
	if c.Transfer.RetryDelaySeconds < 0 {
		return errors.New("transfer.retry_delay_seconds must be >= 0")
	}
	if c.Transfer.BackoffMultiplier < 1 {
		return errors.New("transfer.backoff_multiplier must be >= 1")
	}
	if c.Transfer.MaxDelaySeconds < 0 {
		return errors.New("transfer.max_delay_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validatePoll() error {
	if c.Poll.IntervalSeconds <= 0 {
		return errors.New("poll.interval_seconds must be positive")
	}
	if c.Poll.TimeoutSeconds <= 0 {
		return errors.New("poll.timeout_seconds must be positive")
	}
	if c.Poll.QueuedBackoffAfter < 0 {
		return errors.New("poll.queued_backoff_after must be >= 0")
	}
	if c.Poll.BackoffMultiplier < 1 {
		return errors.New("poll.backoff_multiplier must be >= 1")
	}
	if c.Poll.MaxIntervalSeconds < c.Poll.IntervalSeconds {
		return errors.New("poll.max_interval_seconds must be >= poll.interval_seconds")
	}
	if c.Poll.FailureCeiling < 1 {
		return errors.New("poll.failure_ceiling must be >= 1")
	}
	if c.Poll.CancelGraceSeconds < 0 {
		return errors.New("poll.cancel_grace_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateVideo() error {
	if c.Video.FrameRate < 0 {
		return errors.New("video.frame_rate must be >= 0 (0 keeps the source rate)")
	}
	if c.Video.MaxFrames < 0 {
		return errors.New("video.max_frames must be >= 0")
	}
	switch c.Video.FrameFormat {
	case "png", "jpg", "jpeg":
	default:
		return fmt.Errorf("video.frame_format must be png or jpg, got %q", c.Video.FrameFormat)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if _, ok := qualityLevels[c.Workflow.QualityLevel]; !ok {
		return fmt.Errorf("workflow.quality_level must be one of low, medium, high, ultra; got %q", c.Workflow.QualityLevel)
	}
	return nil
}
