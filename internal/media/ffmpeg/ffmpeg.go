package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"framerelay/internal/logging"
	"framerelay/internal/services"
)

// FramePrefix names extracted and sequenced frames: frame_000000.png, ...
const FramePrefix = "frame_"

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onOutput func(string)) error
}

// Option configures the processor.
type Option func(*Processor)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(p *Processor) {
		if exec != nil {
			p.exec = exec
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Processor runs ffmpeg.
type Processor struct {
	binary string
	exec   Executor
	logger *slog.Logger
}

// New constructs a processor for the given ffmpeg binary.
func New(binary string, opts ...Option) (*Processor, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("ffmpeg binary required")
	}
	p := &Processor{
		binary: binary,
		exec:   commandExecutor{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ExtractFrames writes numbered stills of video into dir and returns their
// paths in playback order. fps <= 0 keeps the source rate; maxFrames <= 0
// extracts every frame.
func (p *Processor) ExtractFrames(ctx context.Context, video, dir string, fps float64, maxFrames int, format string) ([]string, error) {
	if strings.TrimSpace(video) == "" {
		return nil, services.Wrap(services.ErrValidation, "extracting", "extract frames", "input video required", nil)
	}
	format = normalizeFormat(format)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "extracting", "create frame dir", dir, err)
	}

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-y", "-i", video}
	if fps > 0 {
		args = append(args, "-vf", "fps="+formatRate(fps))
	}
	if maxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(maxFrames))
	}
	args = append(args, "-start_number", "0", filepath.Join(dir, FramePrefix+"%06d."+format))

	p.logger.Debug("extracting frames",
		logging.String("input", video),
		logging.String("frame_dir", dir),
		logging.Float64("fps", fps),
		logging.Int("max_frames", maxFrames),
	)
	if err := p.run(ctx, args); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "extracting", "ffmpeg", filepath.Base(video), err)
	}

	frames, err := ListFrames(dir, format)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "extracting", "list frames", dir, err)
	}
	if len(frames) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "extracting", "ffmpeg", "no frames produced", nil)
	}
	if maxFrames > 0 && len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	return frames, nil
}

// ComposeVideo encodes the image sequence matching pattern inside frameDir
// into out at the given frame rate.
func (p *Processor) ComposeVideo(ctx context.Context, frameDir, pattern string, fps float64, codec, out string) error {
	if fps <= 0 {
		return services.Wrap(services.ErrValidation, "composing", "compose video", "frame rate must be positive", nil)
	}
	if strings.TrimSpace(pattern) == "" {
		return services.Wrap(services.ErrValidation, "composing", "compose video", "frame pattern required", nil)
	}
	codec = strings.TrimSpace(codec)
	if codec == "" {
		codec = "libx264"
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "composing", "create output dir", filepath.Dir(out), err)
	}

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-framerate", formatRate(fps),
		"-start_number", "0",
		"-i", filepath.Join(frameDir, pattern),
		"-c:v", codec,
		"-pix_fmt", "yuv420p",
		out,
	}
	p.logger.Debug("composing video",
		logging.String("frame_dir", frameDir),
		logging.String("output", out),
		logging.String("codec", codec),
	)
	if err := p.run(ctx, args); err != nil {
		return services.Wrap(services.ErrExternalTool, "composing", "ffmpeg", filepath.Base(out), err)
	}
	if _, err := os.Stat(out); err != nil {
		return services.Wrap(services.ErrExternalTool, "composing", "ffmpeg", "output missing", err)
	}
	return nil
}

// SequenceFrames links (or copies) frames into dir under consecutive
// FramePrefix names so ComposeVideo can read them as one image sequence. The
// returned pattern is relative to dir.
func SequenceFrames(frames []string, dir string) (string, error) {
	if len(frames) == 0 {
		return "", errors.New("no frames to sequence")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := normalizeFormat(strings.TrimPrefix(filepath.Ext(frames[0]), "."))
	for i, src := range frames {
		if got := normalizeFormat(strings.TrimPrefix(filepath.Ext(src), ".")); got != ext {
			return "", fmt.Errorf("mixed frame formats: %s and %s", ext, got)
		}
		dst := filepath.Join(dir, fmt.Sprintf("%s%06d.%s", FramePrefix, i, ext))
		if err := os.Link(src, dst); err != nil {
			if err := copyFile(src, dst); err != nil {
				return "", fmt.Errorf("sequence %s: %w", filepath.Base(src), err)
			}
		}
	}
	return FramePrefix + "%06d." + ext, nil
}

// ListFrames returns the FramePrefix files with the given extension in dir,
// sorted by name.
func ListFrames(dir, format string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, FramePrefix+"*."+normalizeFormat(format)))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *Processor) run(ctx context.Context, args []string) error {
	var tail []string
	err := p.exec.Run(ctx, p.binary, args, func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if len(tail) == 5 {
			tail = tail[1:]
		}
		tail = append(tail, line)
	})
	if err != nil && len(tail) > 0 {
		return fmt.Errorf("%w: %s", err, strings.Join(tail, "; "))
	}
	return err
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", "png":
		return "png"
	case "jpeg":
		return "jpg"
	default:
		return format
	}
}

func formatRate(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onOutput func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		scanErr error
		once    sync.Once
	)
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if onOutput != nil {
				mu.Lock()
				onOutput(scanner.Text())
				mu.Unlock()
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
