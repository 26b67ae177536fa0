// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Inspect runs ffprobe and Result.Video summarises the first video stream:
// dimensions, frame rate, duration, and frame count. Frame extraction uses
// these values to size its output when no frame rate is configured.
package ffprobe
