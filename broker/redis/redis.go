// Package redis provides a broker.Broker backed by Redis pub/sub so several
// bridge instances can share one broadcast stream.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/broker/memory"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is used when Config.Channel is empty.
const DefaultChannel = "mcp:sse:broadcast"

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379
	// is created and owned by the broker.
	Client redis.UniversalClient
	// Channel is the pub/sub channel carrying child output.
	Channel string
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Broker publishes to a Redis channel and relays everything received on that
// channel to local subscribers. One SUBSCRIBE connection is shared by all
// local subscribers, which keeps their view of the stream in a single order.
type Broker struct {
	client     redis.UniversalClient
	ownsClient bool
	channel    string
	log        *slog.Logger

	pubsub *redis.PubSub
	local  *memory.Broker

	closeOnce sync.Once
	relayDone chan struct{}
}

// New subscribes to the configured channel and waits for Redis to confirm the
// subscription before returning.
func New(ctx context.Context, config Config) (*Broker, error) {
	client := config.Client
	owns := false
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		owns = true
	}
	channel := config.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b := &Broker{
		client:     client,
		ownsClient: owns,
		channel:    channel,
		log:        log,
		pubsub:     ps,
		local:      memory.New(),
		relayDone:  make(chan struct{}),
	}
	go b.relay(ps.Channel())
	return b, nil
}

func (b *Broker) relay(ch <-chan *redis.Message) {
	defer close(b.relayDone)
	for m := range ch {
		if err := b.local.Publish(context.Background(), jsonrpc.Message(m.Payload)); err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return
			}
			b.log.Warn("broker.redis.relay.fail", slog.String("err", err.Error()))
		}
	}
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, message jsonrpc.Message) error {
	if err := b.client.Publish(ctx, b.channel, []byte(message)).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe implements broker.Broker.Subscribe.
func (b *Broker) Subscribe(ctx context.Context) (broker.MessageStream, error) {
	return b.local.Subscribe(ctx)
}

// Close unsubscribes from Redis and closes all local subscribers.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		<-b.relayDone
		_ = b.local.Close()
		if b.ownsClient {
			err = errors.Join(err, b.client.Close())
		}
	})
	return err
}

var _ broker.Broker = (*Broker)(nil)
