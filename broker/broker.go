// Package broker fans messages read from the child process out to every
// connected SSE client.
package broker

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

// ErrClosed is returned by Publish and Subscribe once the broker is closed.
var ErrClosed = errors.New("broker closed")

// Broker delivers each published message to every subscriber registered at
// the time of publication. Subscribers never see messages published before
// they subscribed, and all subscribers observe messages in the same order.
type Broker interface {
	// Publish hands message to all current subscribers.
	Publish(ctx context.Context, message jsonrpc.Message) error

	// Subscribe registers a new subscriber. The subscription is removed when
	// ctx is done or the returned stream is closed, whichever happens first.
	Subscribe(ctx context.Context) (MessageStream, error)

	// Close removes all subscribers and releases backend resources.
	Close() error
}

// MessageStream is a single subscriber's view of the broadcast. Streams are
// safe for concurrent use by a single consumer.
type MessageStream interface {
	// ID identifies the subscriber in logs.
	ID() string

	// Next blocks until the next message is available or ctx is cancelled.
	// Returns io.EOF once the stream is closed.
	Next(ctx context.Context) (jsonrpc.Message, error)

	// Close removes the subscriber. No message is delivered after Close
	// returns. Close is idempotent.
	Close() error
}
