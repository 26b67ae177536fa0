package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains local directory configuration.
type Paths struct {
	TempDir      string `toml:"temp_dir"`
	OutputDir    string `toml:"output_dir"`
	LogDir       string `toml:"log_dir"`
	StateDir     string `toml:"state_dir"`
	WorkflowsDir string `toml:"workflows_dir"`
}

// Remote contains connection settings for the remote workflow service.
type Remote struct {
	APIEndpoint        string `toml:"api_endpoint"`
	APIKey             string `toml:"api_key"`
	RefreshToken       string `toml:"refresh_token"`
	AuthPath           string `toml:"auth_path"`
	TokenLeewaySeconds int    `toml:"token_leeway_seconds"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	UserAgent          string `toml:"user_agent"`
}

// Transfer contains chunked upload, download, and retry settings.
type Transfer struct {
	ChunkSizeBytes    int64   `toml:"chunk_size_bytes"`
	RetryCount        int     `toml:"retry_count"`
	RetryDelaySeconds float64 `toml:"retry_delay_seconds"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	JitterMillis      int     `toml:"jitter_millis"`
	MaxDelaySeconds   int     `toml:"max_delay_seconds"`
	ParallelUploads   int     `toml:"parallel_uploads"`
	ParallelDownloads int     `toml:"parallel_downloads"`
}

// Poll contains task status polling settings.
type Poll struct {
	IntervalSeconds    float64 `toml:"interval_seconds"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	QueuedBackoffAfter int     `toml:"queued_backoff_after"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	MaxIntervalSeconds float64 `toml:"max_interval_seconds"`
	FailureCeiling     int     `toml:"failure_ceiling"`
	CancelGraceSeconds int     `toml:"cancel_grace_seconds"`
}

// Video contains frame extraction and composition settings.
type Video struct {
	FFmpegBinary  string  `toml:"ffmpeg_binary"`
	FFprobeBinary string  `toml:"ffprobe_binary"`
	FrameRate     float64 `toml:"frame_rate"`
	MaxFrames     int     `toml:"max_frames"`
	Codec         string  `toml:"codec"`
	FrameFormat   string  `toml:"frame_format"`
}

// Workflow contains the default remote workflow and its parameters.
type Workflow struct {
	DefaultID    string `toml:"default_id"`
	ModelID      string `toml:"model_id"`
	QualityLevel string `toml:"quality_level"`
	KeepWorkDir  bool   `toml:"keep_work_dir"`
	MaxParallel  int    `toml:"max_parallel"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics contains configuration for the Prometheus endpoint.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	TaskCompleted  bool   `toml:"task_completed"`
	TaskFailed     bool   `toml:"task_failed"`
}

// Config encapsulates all configuration values for framerelay.
//
// Configuration sections by subsystem:
//   - Paths: working, output, log, and state directories
//   - Remote: workflow service endpoint and credentials
//   - Transfer: chunk size, retry policy, transfer parallelism
//   - Poll: status polling cadence, timeout, and backoff
//   - Video: ffmpeg/ffprobe binaries and frame settings
//   - Workflow: default workflow id and parameters
//   - Logging: log format and level
//   - Metrics: optional Prometheus bind address
//   - Notifications: ntfy push notification settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Remote        Remote        `toml:"remote"`
	Transfer      Transfer      `toml:"transfer"`
	Poll          Poll          `toml:"poll"`
	Video         Video         `toml:"video"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("framerelay.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a replication run writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.TempDir, c.Paths.OutputDir, c.Paths.LogDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// JobStorePath returns the location of the local job journal.
func (c *Config) JobStorePath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// LockDir returns the directory holding per-input run locks.
func (c *Config) LockDir() string {
	return filepath.Join(c.Paths.StateDir, "locks")
}

// RequestTimeout is the per-attempt deadline applied to every remote call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// RetryDelay is the base delay of the shared retry policy.
func (c *Config) RetryDelay() time.Duration {
	return secondsDuration(c.Transfer.RetryDelaySeconds)
}

// PollInterval is the base interval between task status queries.
func (c *Config) PollInterval() time.Duration {
	return secondsDuration(c.Poll.IntervalSeconds)
}

// PollTimeout bounds the total time spent waiting for a remote task.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutSeconds) * time.Second
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
