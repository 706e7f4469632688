package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	queue := NewRedisQueueWithClient(client, "test:tasks", 50*time.Millisecond)
	t.Cleanup(func() { _ = queue.Close() })
	return queue, server
}

func TestRedisQueueDeliversAndRequeuesOnHandlerError(t *testing.T) {
	queue, server := newMiniRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"a", "b"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	failedOnce := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(ctx, 1, func(_ context.Context, taskID string) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, taskID)
			if taskID == "a" && !failedOnce {
				failedOnce = true
				return context.DeadlineExceeded
			}
			if len(seen) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "a" || seen[1] != "b" || seen[2] != "a" {
		t.Fatalf("unexpected delivery order: %v", seen)
	}
	if server.Exists("test:tasks:processing") {
		items, _ := server.List("test:tasks:processing")
		t.Fatalf("processing list should be drained, got %v", items)
	}
}

func TestRedisQueueRecoverMovesInFlightTasksBack(t *testing.T) {
	queue, server := newMiniRedisQueue(t)
	ctx := context.Background()

	server.Lpush("test:tasks:processing", "stuck-1")
	server.Lpush("test:tasks:processing", "stuck-2")

	moved, err := queue.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if moved != 2 {
		t.Fatalf("expected two recovered tasks, got %d", moved)
	}
	items, err := server.List("test:tasks")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected recovered tasks back in the queue, got %v", items)
	}
}
