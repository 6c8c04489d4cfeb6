package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-bridge/broker"
	"github.com/ggoodman/mcp-sse-bridge/broker/brokertest"
	"github.com/ggoodman/mcp-sse-bridge/internal/jsonrpc"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestBroker_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	slow, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer slow.Close()

	// Far more than any fixed channel buffer; Publish must never block.
	const n = 10000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range n {
			if err := b.Publish(ctx, jsonrpc.Message(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
				t.Errorf("Failed to publish: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on an idle subscriber")
	}

	for i := range n {
		msg, err := slow.Next(ctx)
		if err != nil {
			t.Fatalf("Failed to read message %d: %v", i, err)
		}
		if want := fmt.Sprintf(`{"seq":%d}`, i); string(msg) != want {
			t.Fatalf("Expected %s, got %s", want, msg)
		}
	}
}

func TestBroker_SubscriberCountTracksLifecycle(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s1, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	s2, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	if got := b.Subscribers(); got != 2 {
		t.Fatalf("Expected 2 subscribers, got %d", got)
	}

	_ = s2.Close()
	if got := b.Subscribers(); got != 1 {
		t.Fatalf("Expected 1 subscriber after Close, got %d", got)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after context cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = s1.Close()
}

func TestBroker_ConcurrentPublishAndClose(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s, err := b.Subscribe(ctx)
				if err != nil {
					t.Errorf("Failed to subscribe: %v", err)
					return
				}
				_ = b.Publish(ctx, jsonrpc.Message(`{}`))
				_ = s.Close()
			}
		}()
	}
	wg.Wait()

	if got := b.Subscribers(); got != 0 {
		t.Fatalf("Expected no subscribers, got %d", got)
	}
}
