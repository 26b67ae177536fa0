package ffprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Result represents the parsed output from an ffprobe inspection.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes a single stream in the media container.
type Stream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NBFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
	PixFmt       string `json:"pix_fmt"`
}

// Format captures container-level metadata extracted by ffprobe.
type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// VideoInfo summarises the first video stream.
type VideoInfo struct {
	Width           int
	Height          int
	FrameRate       float64
	DurationSeconds float64
	FrameCount      int
	Codec           string
}

// Inspect executes ffprobe against the provided path and decodes the JSON response.
func Inspect(ctx context.Context, binary string, path string) (Result, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return Result{}, errors.New("ffprobe inspect: empty path")
	}

	cmd := exec.CommandContext(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe inspect: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return Parse(output)
}

// Parse decodes ffprobe JSON output.
func Parse(output []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(output, &result); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return result, nil
}

// Video returns details of the first video stream.
func (r Result) Video() (VideoInfo, error) {
	for _, stream := range r.Streams {
		if !strings.EqualFold(stream.CodecType, "video") {
			continue
		}
		info := VideoInfo{
			Width:  stream.Width,
			Height: stream.Height,
			Codec:  stream.CodecName,
		}
		info.FrameRate = parseRate(stream.AvgFrameRate)
		if info.FrameRate <= 0 {
			info.FrameRate = parseRate(stream.RFrameRate)
		}
		info.DurationSeconds = parseFloat(stream.Duration)
		if info.DurationSeconds <= 0 || math.IsNaN(info.DurationSeconds) {
			info.DurationSeconds = r.DurationSeconds()
		}
		if n, err := strconv.Atoi(strings.TrimSpace(stream.NBFrames)); err == nil && n > 0 {
			info.FrameCount = n
		} else if info.FrameRate > 0 && info.DurationSeconds > 0 {
			info.FrameCount = int(math.Round(info.FrameRate * info.DurationSeconds))
		}
		return info, nil
	}
	return VideoInfo{}, errors.New("no video stream found")
}

// DurationSeconds returns the container duration in seconds, or 0 when unavailable.
func (r Result) DurationSeconds() float64 {
	return parseFloat(r.Format.Duration)
}

// SizeBytes returns the reported container size in bytes, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if math.IsNaN(size) || size < 0 {
		return 0
	}
	return int64(size)
}

// parseRate reads ffprobe's "num/den" rates. "0/0" and malformed values are 0.
func parseRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	num, den, found := strings.Cut(value, "/")
	if !found {
		f := parseFloat(num)
		if math.IsNaN(f) || f < 0 {
			return 0
		}
		return f
	}
	n := parseFloat(num)
	d := parseFloat(den)
	if math.IsNaN(n) || math.IsNaN(d) || d == 0 || n < 0 {
		return 0
	}
	return n / d
}

func parseFloat(value string) float64 {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return 0
	}
	if parsed, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return parsed
	}
	return math.NaN()
}
