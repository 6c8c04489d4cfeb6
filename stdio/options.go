package stdio

import (
	"log/slog"
)

// Option customizes a Reader.
type Option func(*Reader)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxLine = n
		}
	}
}
