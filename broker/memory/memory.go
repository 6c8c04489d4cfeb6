// Package memory provides an in-process implementation of broker.Broker.
// Each subscriber owns an unbounded FIFO so a slow SSE client never blocks
// the publisher or its peers.
package memory

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/oklog/ulid/v2"
)

// Broker implements broker.Broker for a single process. Subscribers are kept
// in subscription order and Publish holds the broker lock while enqueuing, so
// concurrent publishers are observed in one global order.
type Broker struct {
	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

type subscription struct {
	id     string
	broker *Broker
	stop   func() bool

	mu     sync.Mutex
	queue  []jsonrpc.Message
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a new memory broker.
func New() *Broker {
	return &Broker{}
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, message jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	for _, sub := range b.subs {
		sub.enqueue(message)
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscription{
		id:     ulid.Make().String(),
		broker: b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

// Subscribers returns the number of registered subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close implements broker.Broker.Close.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) enqueue(msg jsonrpc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next implements broker.MessageStream.Next.
func (s *subscription) Next(ctx context.Context) (jsonrpc.Message, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements broker.MessageStream.Close.
func (s *subscription) Close() error {
	if s.shutdown() {
		s.broker.remove(s)
	}
	return nil
}

// shutdown marks the subscription closed and drops anything still queued. It
// reports whether this call performed the transition.
func (s *subscription) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return true
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
