package utils

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// LogInterceptor implements io.Writer and prefixes every line written through
// it with a sequence number and timestamp. Used for the daemon's log file so
// interleaved output stays ordered.
type LogInterceptor struct {
	target   io.Writer
	sequence atomic.Uint64
	buf      bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeFormattedLine(line []byte) (int, error) {
	lineNum := i.sequence.Add(1)
	totalWritten := 0

	prefix := slog.Uint64("line", lineNum).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	n, err := io.WriteString(i.target, prefix)
	totalWritten += n
	if err != nil {
		return totalWritten, err
	}

	n, err = i.target.Write(append(line, '\n'))
	totalWritten += n
	return totalWritten, err
}

func (i *LogInterceptor) Write(p []byte) (n int, err error) {
	if _, err := i.buf.Write(p); err != nil {
		return 0, err
	}

	totalWritten := 0
	scanner := bufio.NewScanner(&i.buf)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		n, err = i.writeFormattedLine(scanner.Bytes())
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}
	}

	return totalWritten, nil
}

// Close flushes any trailing partial line.
func (i *LogInterceptor) Close() error {
	remaining := i.buf.Bytes()
	if len(remaining) > 0 {
		_, err := i.writeFormattedLine(remaining)
		return err
	}
	return nil
}

// MultiLogHandler forwards slog records to multiple handlers, e.g. a colored
// terminal handler and a plain file handler.
type MultiLogHandler struct {
	handlers []slog.Handler
}

func NewMultiLogHandler(handlers ...slog.Handler) *MultiLogHandler {
	return &MultiLogHandler{handlers: handlers}
}

func (h *MultiLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *MultiLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithAttrs(attrs)
	}
	return NewMultiLogHandler(next...)
}

func (h *MultiLogHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = handler.WithGroup(name)
	}
	return NewMultiLogHandler(next...)
}
