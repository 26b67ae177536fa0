package logging

import (
	"context"
	"log/slog"
	"time"
)

type Attr = slog.Attr

func Any(key string, value any) Attr { return slog.Any(key, value) }

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) Attr { return slog.Duration(key, value) }

func Float64(key string, value float64) Attr { return slog.Float64(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func Int64(key string, value int64) Attr { return slog.Int64(key, value) }

func String(key string, value string) Attr { return slog.String(key, value) }

// JobID tags a record with the local job identifier.
func JobID(id string) Attr { return slog.String(FieldJobID, id) }

// TaskID tags a record with the remote task identifier.
func TaskID(id string) Attr { return slog.String(FieldTaskID, id) }

// Stage tags a record with the orchestration stage.
func Stage(name string) Attr { return slog.String(FieldStage, name) }

// Bytes records a byte count under "<name>_bytes". Console output renders
// such keys in human units; the JSON log keeps the raw number.
func Bytes(name string, n int64) Attr { return slog.Int64(name+"_bytes", n) }

func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

func toArgs(attrs []Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger tags logger with a component name such as "transfer" or
// "poller". A nil logger yields a no-op logger.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// withDefaults appends event_type and error_hint, and impact when impact is
// non-empty, unless attrs already carry them.
func withDefaults(attrs []Attr, eventType, impact string) []Attr {
	has := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		has[a.Key] = true
	}
	if !has[FieldEventType] {
		attrs = append(attrs, String(FieldEventType, eventType))
	}
	if !has[FieldErrorHint] {
		attrs = append(attrs, String(FieldErrorHint, "run `framerelay logs --job <id>` for the full job log"))
	}
	if impact != "" && !has[FieldImpact] {
		attrs = append(attrs, String(FieldImpact, impact))
	}
	return attrs
}

// WarnWithContext logs a warning that always carries event_type, error_hint
// and impact, filling in defaults for any the caller left out.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	logger.Warn(msg, toArgs(withDefaults(attrs, eventType, "the job continues"))...)
}

// ErrorWithContext logs an error that always carries event_type and error_hint.
func ErrorWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	logger.Error(msg, toArgs(withDefaults(attrs, eventType, ""))...)
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }

func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler { return NoopHandler{} }

func (NoopHandler) WithGroup(string) slog.Handler { return NoopHandler{} }
