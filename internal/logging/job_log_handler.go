package logging

import (
	"context"
	"errors"
	"log/slog"
)

// jobLogHandler sends each record to the console and to the JSON job log that
// `framerelay logs` reads. Each side applies its own level.
type jobLogHandler struct {
	console slog.Handler
	file    slog.Handler
}

func newJobLogHandler(console, file slog.Handler) slog.Handler {
	switch {
	case console == nil && file == nil:
		return NoopHandler{}
	case file == nil:
		return console
	case console == nil:
		return file
	}
	return jobLogHandler{console: console, file: file}
}

func (h jobLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h jobLogHandler) Handle(ctx context.Context, record slog.Record) error {
	var consoleErr, fileErr error
	if h.console.Enabled(ctx, record.Level) {
		// The console handler must not share the record's attr storage with
		// the file handler.
		consoleErr = h.console.Handle(ctx, record.Clone())
	}
	if h.file.Enabled(ctx, record.Level) {
		fileErr = h.file.Handle(ctx, record)
	}
	return errors.Join(consoleErr, fileErr)
}

func (h jobLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return jobLogHandler{console: h.console.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h jobLogHandler) WithGroup(name string) slog.Handler {
	return jobLogHandler{console: h.console.WithGroup(name), file: h.file.WithGroup(name)}
}
