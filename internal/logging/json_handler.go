package logging

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Keys of the built-in fields in the JSON job log. The logs package parses
// records by these names.
const (
	KeyTime    = "ts"
	KeyLevel   = "level"
	KeyMessage = "msg"
	KeySource  = "source"
)

func newJSONHandler(w io.Writer, lvl slog.Leveler, addSource bool) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   addSource,
		ReplaceAttr: jobLogAttr,
	})
}

// jobLogAttr renames the built-in fields. Times are written in UTC.
func jobLogAttr(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return attr
	}
	switch attr.Key {
	case slog.TimeKey:
		if attr.Value.Kind() != slog.KindTime {
			return slog.Attr{Key: KeyTime, Value: attr.Value}
		}
		return slog.String(KeyTime, attr.Value.Time().UTC().Format(time.RFC3339Nano))
	case slog.LevelKey:
		return slog.String(KeyLevel, strings.ToLower(attr.Value.String()))
	case slog.MessageKey:
		return slog.Attr{Key: KeyMessage, Value: attr.Value}
	case slog.SourceKey:
		if src, ok := attr.Value.Any().(*slog.Source); ok && src != nil {
			return slog.String(KeySource, fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
		}
	}
	return attr
}
