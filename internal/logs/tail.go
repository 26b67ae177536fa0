package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"framerelay/internal/logging"
)

// TailOptions selects which records Tail emits.
type TailOptions struct {
	// Lines is how many matching records to show before following. Zero
	// shows none.
	Lines int
	// JobID keeps only records carrying this job_id.
	JobID string
	// Follow keeps reading appended records until ctx ends.
	Follow bool
	// PollEvery is the follow interval; zero means 250ms.
	PollEvery time.Duration
}

// Tail emits the last opts.Lines matching records of the log file at path,
// then follows it when requested. A missing file is treated as empty.
func Tail(ctx context.Context, path string, opts TailOptions, emit func(string)) error {
	offset, err := emitLast(path, opts, emit)
	if err != nil || !opts.Follow {
		return err
	}

	every := opts.PollEvery
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		offset, err = readForward(path, offset, func(line string) {
			if matches(line, opts.JobID) {
				emit(line)
			}
		})
		if err != nil {
			return err
		}
	}
}

func emitLast(path string, opts TailOptions, emit func(string)) (int64, error) {
	limit := opts.Lines
	var (
		ring  []string
		count int
		idx   int
	)
	if limit > 0 {
		ring = make([]string, limit)
	}
	offset, err := readForward(path, 0, func(line string) {
		if limit <= 0 || !matches(line, opts.JobID) {
			return
		}
		ring[idx] = line
		idx = (idx + 1) % limit
		count = min(count+1, limit)
	})
	if err != nil {
		return 0, err
	}
	start := 0
	if count == limit {
		start = idx
	}
	for i := 0; i < count; i++ {
		emit(ring[(start+i)%max(limit, 1)])
	}
	return offset, nil
}

// readForward calls fn for each complete line after offset and returns the
// offset following the last complete line. A truncated file restarts at 0.
func readForward(path string, offset int64, fn func(string)) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return offset, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return offset, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return offset, fmt.Errorf("log path %q is a directory", path)
	}
	if offset > info.Size() {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return offset, fmt.Errorf("seek log file: %w", err)
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// partial line; picked up on the next read
			return offset, nil
		}
		if err != nil {
			return offset, fmt.Errorf("read log file: %w", err)
		}
		offset += int64(len(line))
		fn(line[:len(line)-1])
	}
}

func matches(line, jobID string) bool {
	if jobID == "" {
		return true
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return false
	}
	value, _ := record[logging.FieldJobID].(string)
	return value == jobID
}

// Format renders a JSON record as "ts level msg key=value...". Lines that are
// not JSON are returned unchanged.
func Format(line string) string {
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return line
	}
	ts, _ := record[logging.KeyTime].(string)
	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ts = logging.ConsoleTime(parsed)
	}
	level, _ := record[logging.KeyLevel].(string)
	msg, _ := record[logging.KeyMessage].(string)
	out := fmt.Sprintf("%s %-5s %s", ts, level, msg)
	for _, key := range []string{logging.FieldJobID, logging.FieldTaskID, logging.FieldStage, logging.FieldEventType} {
		if value, ok := record[key]; ok {
			out += fmt.Sprintf(" %s=%v", key, value)
		}
	}
	if value, ok := record["error"]; ok {
		out += fmt.Sprintf(" error=%q", fmt.Sprint(value))
	}
	return out
}
