package queue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pawtag/internal/queue"
)

func newQueueClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEnqueueAndProcess(t *testing.T) {
	client := newQueueClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "pawtag"}

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{
		Kind:    "notify",
		Payload: []byte(`{"paymentId":"p1"}`),
	}))

	var processed atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := queue.Worker{
		R:      client,
		Prefix: "pawtag",
		Kind:   "notify",
		Handler: func(_ context.Context, task queue.Task) error {
			require.JSONEq(t, `{"paymentId":"p1"}`, string(task.Payload))
			processed.Add(1)
			cancel()
			return nil
		},
	}
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, <-done)
}

func TestEnqueueDedupsByIdempotencyKey(t *testing.T) {
	client := newQueueClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "pawtag", DedupTTL: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, enq.Enqueue(ctx, queue.Task{
			Kind:           "notify",
			Payload:        []byte(`{}`),
			IdempotencyKey: "payment-1:email",
		}))
	}

	depth, err := client.ZCard(ctx, "pawtag:queue:notify").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)
}

func TestFailedTaskLandsInDLQAfterMaxAttempts(t *testing.T) {
	client := newQueueClient(t)
	enq := queue.Enqueuer{R: client, Prefix: "pawtag"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{
		Kind:        "notify",
		Payload:     []byte(`{}`),
		MaxAttempts: 2,
	}))

	var attempts atomic.Int32
	worker := queue.Worker{
		R:         client,
		Prefix:    "pawtag",
		Kind:      "notify",
		RetryBase: time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			attempts.Add(1)
			return context.DeadlineExceeded
		},
	}
	go func() { _ = worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), "pawtag:notify:dlq").Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 2, attempts.Load())
	cancel()
}
