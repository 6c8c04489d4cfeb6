package stdio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

const (
	// DefaultMaxLineSize caps a single line of child output. Tool results
	// with large task lists can run to several megabytes.
	DefaultMaxLineSize = 16 * 1024 * 1024

	readBufferSize = 64 * 1024
	logLineLimit   = 512
)

// MessageHandler receives every successfully parsed line, in stream order.
type MessageHandler func(env *jsonrpc.Envelope)

// Reader splits a byte stream into lines and parses each one as JSON.
type Reader struct {
	r       io.Reader
	log     *slog.Logger
	maxLine int
}

// NewReader constructs a Reader over r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	rd := &Reader{r: r, log: slog.Default(), maxLine: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Run reads until EOF, a read error, or ctx cancellation, handing each parsed
// line to fn. Parse failures never stop the loop. EOF yields a nil error.
func (rd *Reader) Run(ctx context.Context, fn MessageHandler) error {
	br := bufio.NewReaderSize(rd.r, readBufferSize)

	var (
		line    []byte
		tooLong bool
		dropped int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !tooLong {
			if len(line)+len(chunk) > rd.maxLine {
				tooLong = true
				dropped = len(line)
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if tooLong {
			dropped += len(chunk)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case tooLong:
			rd.log.WarnContext(ctx, "stdio.line.too_long", slog.Int("bytes", dropped), slog.Int("limit", rd.maxLine))
		case len(line) > 0:
			rd.handle(ctx, line, fn)
		}
		line = line[:0]
		tooLong = false
		dropped = 0

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (rd *Reader) handle(ctx context.Context, line []byte, fn MessageHandler) {
	env, err := jsonrpc.Parse(line)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrEmptyLine) {
			return
		}
		rd.log.WarnContext(ctx, "stdio.line.invalid", slog.String("err", err.Error()), slog.String("line", truncate(line, logLineLimit)))
		return
	}
	rd.log.DebugContext(ctx, "stdio.message.recv", slog.String("type", env.Type()), slog.String("id", env.ID.String()), slog.String("method", env.Method))
	fn(env)
}

// CopyStderr logs each line of r at warn level until EOF.
func CopyStderr(r io.Reader, log *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, readBufferSize), 1024*1024)
	for sc.Scan() {
		if text := sc.Text(); text != "" {
			log.Warn("mcp.stderr", slog.String("line", text))
		}
	}
	if err := sc.Err(); err != nil {
		log.Debug("mcp.stderr.read.fail", slog.String("err", err.Error()))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
