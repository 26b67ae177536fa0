package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestJobLogHandlerAppliesLevelsPerSide(t *testing.T) {
	var consoleBuf, fileBuf bytes.Buffer
	console := slog.NewTextHandler(&consoleBuf, &slog.HandlerOptions{Level: slog.LevelWarn})
	file := slog.NewJSONHandler(&fileBuf, &slog.HandlerOptions{Level: slog.LevelDebug})

	logger := slog.New(newJobLogHandler(console, file))
	logger.Debug("chunk acknowledged")
	logger.Warn("status query failed")

	if strings.Contains(consoleBuf.String(), "chunk acknowledged") {
		t.Fatalf("console should drop debug records: %q", consoleBuf.String())
	}
	if !strings.Contains(consoleBuf.String(), "status query failed") {
		t.Fatalf("console missing warning: %q", consoleBuf.String())
	}
	if !strings.Contains(fileBuf.String(), "chunk acknowledged") || !strings.Contains(fileBuf.String(), "status query failed") {
		t.Fatalf("job log missing records: %q", fileBuf.String())
	}
}

func TestJobLogHandlerKeepsJobFieldsInFile(t *testing.T) {
	var consoleBuf, fileBuf bytes.Buffer
	logger := slog.New(newJobLogHandler(slog.NewTextHandler(&consoleBuf, nil), slog.NewJSONHandler(&fileBuf, nil))).
		With(JobID("01J0000000000000000000000"), TaskID("task-9"))
	logger.WithGroup("upload").Info("chunk sent", Bytes("chunk", 5<<20))

	var record map[string]any
	if err := json.Unmarshal(fileBuf.Bytes(), &record); err != nil {
		t.Fatalf("decode job log line: %v", err)
	}
	if record[FieldJobID] != "01J0000000000000000000000" || record[FieldTaskID] != "task-9" {
		t.Fatalf("job log line lost identifiers: %v", record)
	}
	if group, ok := record["upload"].(map[string]any); !ok || group["chunk_bytes"] != float64(5<<20) {
		t.Fatalf("expected grouped chunk size, got %v", record)
	}
	if !strings.Contains(consoleBuf.String(), "task_id=task-9") {
		t.Fatalf("console lost identifiers: %q", consoleBuf.String())
	}
}

func TestNewJobLogHandlerWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	console := slog.NewTextHandler(&buf, nil)
	if got := newJobLogHandler(console, nil); got != console {
		t.Fatalf("expected console handler unchanged, got %T", got)
	}
	if _, ok := newJobLogHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected noop handler when both sides are absent")
	}
	if !newJobLogHandler(nil, console).Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected file-only handler to accept info")
	}
}
