package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"framerelay/internal/fileutil"
	"framerelay/internal/logging"
)

// SweepResult lists what a sweep removed and what it could not.
type SweepResult struct {
	Removed []DirInfo
	Errors  []CleanupError
}

// Freed is the total size of the removed directories.
func (r SweepResult) Freed() int64 {
	var total int64
	for _, dir := range r.Removed {
		total += dir.Size
	}
	return total
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// DirInfo describes one work directory.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// Sweep removes work directories under workRoot that were last modified
// before maxAge ago. Directories named after an id in active are kept
// regardless of age.
func Sweep(ctx context.Context, workRoot string, maxAge time.Duration, active map[string]struct{}, logger *slog.Logger) SweepResult {
	var result SweepResult
	if logger == nil {
		logger = logging.NewNop()
	}

	dirs, err := ListDirectories(workRoot)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: workRoot, Error: err})
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, dir := range dirs {
		if ctx.Err() != nil {
			break
		}
		if _, ok := active[dir.Name]; ok {
			continue
		}
		if !dir.ModTime.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir.Path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
			logger.Warn("failed to remove stale work directory",
				logging.String("path", dir.Path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "workdir_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check temp_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dir)
		logger.Info("removed stale work directory",
			logging.String("path", dir.Path),
			logging.Duration("age", time.Since(dir.ModTime)),
			logging.String("size", humanize.Bytes(uint64(dir.Size))),
			logging.String(logging.FieldEventType, "workdir_cleanup"),
		)
	}
	return result
}

// ListDirectories returns the directories directly under workRoot. A missing
// root yields none.
func ListDirectories(workRoot string) ([]DirInfo, error) {
	workRoot = strings.TrimSpace(workRoot)
	if workRoot == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(workRoot, entry.Name())
		size, _ := fileutil.DirSize(path)
		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    path,
			ModTime: info.ModTime(),
			Size:    size,
		})
	}
	return dirs, nil
}
