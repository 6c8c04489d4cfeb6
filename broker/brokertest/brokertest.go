// Package brokertest holds a conformance suite shared by broker backends.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
	"github.com/stretchr/testify/require"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("OrderIsSharedAcrossSubscribers", func(t *testing.T) {
		testOrderIsSharedAcrossSubscribers(t, factory)
	})
	t.Run("LateSubscriberSeesNoHistory", func(t *testing.T) {
		testLateSubscriberSeesNoHistory(t, factory)
	})
	t.Run("CloseRemovesSubscriber", func(t *testing.T) {
		testCloseRemovesSubscriber(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextHonoursContext(t, factory)
	})
	t.Run("SubscriberIDsAreUnique", func(t *testing.T) {
		testSubscriberIDsAreUnique(t, factory)
	})
	t.Run("BrokerClose", func(t *testing.T) {
		testBrokerClose(t, factory)
	})
}

func message(n int) jsonrpc.Message {
	return jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/message","params":{"seq":%d}}`, n))
}

func next(t *testing.T, s broker.MessageStream) jsonrpc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, message(1)))
	require.JSONEq(t, string(message(1)), string(next(t, sub)))
}

func testOrderIsSharedAcrossSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	ctx := context.Background()
	const subscribers, messages = 3, 50

	streams := make([]broker.MessageStream, subscribers)
	for i := range streams {
		s, err := b.Subscribe(ctx)
		require.NoError(t, err)
		defer s.Close()
		streams[i] = s
	}

	for i := range messages {
		require.NoError(t, b.Publish(ctx, message(i)))
	}

	for _, s := range streams {
		for i := range messages {
			require.JSONEq(t, string(message(i)), string(next(t, s)))
		}
	}
}

func testLateSubscriberSeesNoHistory(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	ctx := context.Background()
	early, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer early.Close()

	require.NoError(t, b.Publish(ctx, message(1)))
	// Wait until the first message has been fanned out before the late
	// subscriber registers.
	require.JSONEq(t, string(message(1)), string(next(t, early)))

	late, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer late.Close()

	require.NoError(t, b.Publish(ctx, message(2)))
	require.JSONEq(t, string(message(2)), string(next(t, late)))
	require.JSONEq(t, string(message(2)), string(next(t, early)))
}

func testCloseRemovesSubscriber(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	ctx := context.Background()
	keep, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer keep.Close()

	gone, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, message(1)))
	require.JSONEq(t, string(message(1)), string(next(t, keep)))

	require.NoError(t, gone.Close())
	require.NoError(t, gone.Close())

	require.NoError(t, b.Publish(ctx, message(2)))
	require.JSONEq(t, string(message(2)), string(next(t, keep)))

	_, err = gone.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(subCtx)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		_, err := sub.Next(context.Background())
		return errors.Is(err, io.EOF)
	}, 2*time.Second, 10*time.Millisecond)
}

func testNextHonoursContext(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func testSubscriberIDsAreUnique(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer b.Close()

	seen := make(map[string]struct{})
	for range 10 {
		s, err := b.Subscribe(context.Background())
		require.NoError(t, err)
		defer s.Close()
		require.NotEmpty(t, s.ID())
		require.NotContains(t, seen, s.ID())
		seen[s.ID()] = struct{}{}
	}
}

func testBrokerClose(t *testing.T, factory BrokerFactory) {
	b := factory(t)

	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var nextErr error
	go func() {
		defer wg.Done()
		_, nextErr = sub.Next(context.Background())
	}()

	require.NoError(t, b.Close())
	wg.Wait()
	require.ErrorIs(t, nextErr, io.EOF)

	_, err = b.Subscribe(context.Background())
	require.Error(t, err)
}
