package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mulehunter/backend/shared/logging"
	"github.com/redis/go-redis/v9"
)

const testStream = "test:events"

func newStreamClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// runSubscriber starts s and returns a func that stops it and waits for Start
// to return.
func runSubscriber(t *testing.T, s *Subscriber) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("subscriber did not stop")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pendingCount(t *testing.T, client *redis.Client, group string) int64 {
	t.Helper()
	p, err := client.XPending(context.Background(), testStream, group).Result()
	if err != nil {
		t.Fatalf("XPENDING: %v", err)
	}
	return p.Count
}

func TestSubscriberRetriesFailedMessages(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls int
		seen  []string
	)
	s := NewSubscriber(client, SubscriberConfig{
		Group:         "retry-group",
		Consumer:      "worker-1",
		Stream:        testStream,
		BlockDuration: 20 * time.Millisecond,
		ReclaimIdle:   50 * time.Millisecond,
		Logger:        logging.Discard(),
		Handler: func(_ context.Context, e Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			seen = append(seen, e.Type)
			if calls == 1 {
				return errors.New("feature store down")
			}
			return nil
		},
	})
	stop := runSubscriber(t, s)
	defer stop()

	if err := NewPublisher(client, 0).Publish(ctx, testStream, TransactionCreated, map[string]string{"id": "txn-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "redelivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	})
	waitFor(t, "ack", func() bool { return pendingCount(t, client, "retry-group") == 0 })

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range seen {
		if typ != TransactionCreated {
			t.Errorf("handler saw %q", typ)
		}
	}
}

func TestSubscriberDropsMalformedMessages(t *testing.T) {
	client := newStreamClient(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		handled int
	)
	s := NewSubscriber(client, SubscriberConfig{
		Group:         "drop-group",
		Consumer:      "worker-1",
		Stream:        testStream,
		BlockDuration: 20 * time.Millisecond,
		ReclaimIdle:   50 * time.Millisecond,
		Logger:        logging.Discard(),
		Handler: func(context.Context, Event) error {
			mu.Lock()
			defer mu.Unlock()
			handled++
			return nil
		},
	})
	stop := runSubscriber(t, s)
	defer stop()

	bad := []map[string]any{
		{"event": "{not json"},
		{"payload": "missing event field"},
	}
	for _, values := range bad {
		if err := client.XAdd(ctx, &redis.XAddArgs{Stream: testStream, Values: values}).Err(); err != nil {
			t.Fatalf("XADD: %v", err)
		}
	}
	if err := NewPublisher(client, 0).Publish(ctx, testStream, TransactionCreated, map[string]string{"id": "txn-2"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, "valid message", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	})
	waitFor(t, "malformed messages acked", func() bool { return pendingCount(t, client, "drop-group") == 0 })

	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Errorf("handler called %d times, want 1", handled)
	}
}
