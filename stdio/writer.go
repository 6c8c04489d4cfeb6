package stdio

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

// ErrWriterClosed is returned after Close.
var ErrWriterClosed = errors.New("stdio writer closed")

// LineWriter frames messages as newline-terminated lines. Each message goes
// out in a single Write under a mutex.
type LineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// WriteMessage writes msg followed by a newline.
func (lw *LineWriter) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	if len(buf) == 0 || buf[len(buf)-1] != '\n' {
		buf = append(buf, '\n')
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return ErrWriterClosed
	}
	_, err := lw.w.Write(buf)
	return err
}

// Close marks the writer closed and closes the underlying writer if it is an
// io.Closer.
func (lw *LineWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return nil
	}
	lw.closed = true
	if c, ok := lw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
