package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"
)

// maxLineBytes bounds how much unterminated output is buffered before it is
// logged as a line of its own.
const maxLineBytes = 64 * 1024

// logWriter turns a subprocess output stream into one slog record per line.
// Output is only logged, never inspected.
type logWriter struct {
	logger *slog.Logger
	stream string
	pid    atomic.Int64

	mu  sync.Mutex
	buf []byte
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs any trailing output that was not newline-terminated.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info("backend output",
		"stream", w.stream,
		"pid", w.pid.Load(),
		"line", string(line),
	)
}
