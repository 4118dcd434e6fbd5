package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iago/docpipe/internal/domain"
)

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newTestStreamsQueue(t *testing.T, addr string, visibility time.Duration, maxDeliveries int) *StreamsQueue {
	t.Helper()
	q, err := NewStreamsQueue(context.Background(), StreamsConfig{
		Addr:              addr,
		Stream:            "docs",
		DLQStream:         "docs_dlq",
		Group:             "workers",
		Consumer:          "test-1",
		MaxDeliveries:     maxDeliveries,
		VisibilityTimeout: visibility,
		Block:             20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new streams queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func dequeueWithin(t *testing.T, leaser Leaser, timeout time.Duration) *Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		delivery, err := leaser.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if delivery != nil {
			return delivery
		}
	}
	t.Fatalf("no delivery within %s", timeout)
	return nil
}

func TestStreamsQueueAck(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), time.Minute, 3)
	ctx := context.Background()

	requestedAt := time.Now().UTC().Truncate(time.Millisecond)
	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-1", RequestedAt: requestedAt}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	delivery := dequeueWithin(t, q, time.Second)
	if delivery.Message.JobID != "doc-1" || delivery.Message.Attempt != 0 {
		t.Fatalf("unexpected delivery %+v", delivery.Message)
	}
	if !delivery.Message.RequestedAt.Equal(requestedAt) {
		t.Fatalf("requested_at lost: %v", delivery.Message.RequestedAt)
	}
	if err := q.Ack(ctx, delivery); err != nil {
		t.Fatalf("ack: %v", err)
	}

	empty, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected no delivery after ack, got %+v", empty.Message)
	}
}

func TestStreamsQueueReclaimsExpiredLease(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), 50*time.Millisecond, 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-crash"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first := dequeueWithin(t, q, time.Second)

	time.Sleep(80 * time.Millisecond)

	second := dequeueWithin(t, q, time.Second)
	if second.Message.JobID != "doc-crash" || second.Message.Attempt != 1 {
		t.Fatalf("unexpected redelivery %+v", second.Message)
	}
	if second.ID == first.ID {
		t.Fatalf("redelivery reused the stale entry id")
	}
	if err := q.Ack(ctx, first); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("stale receipt should not ack, got %v", err)
	}
	if err := q.Ack(ctx, second); err != nil {
		t.Fatalf("ack redelivery: %v", err)
	}
}

func TestStreamsQueueNackDeadLetters(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), time.Minute, 2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-bad"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first := dequeueWithin(t, q, time.Second)
	if err := q.Nack(ctx, first, errors.New("boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	second := dequeueWithin(t, q, time.Second)
	if second.Message.Attempt != 1 || !second.Message.LastDelivery {
		t.Fatalf("expected final delivery, got %+v", second.Message)
	}
	if err := q.Nack(ctx, second, errors.New("boom again")); err != nil {
		t.Fatalf("nack final: %v", err)
	}

	count, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("dead letter count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one dead letter, got %d", count)
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	entries, err := client.XRange(ctx, "docs_dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange dlq: %v", err)
	}
	if entries[0].Values["job_id"] != "doc-bad" || entries[0].Values["error"] != "boom again" {
		t.Fatalf("unexpected dlq entry %v", entries[0].Values)
	}
}

func TestStreamsQueueDiscardsMalformedEntries(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), time.Minute, 3)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "docs", Values: map[string]any{"attempt": "x"}}).Err(); err != nil {
		t.Fatalf("xadd malformed: %v", err)
	}
	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-good"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	delivery := dequeueWithin(t, q, time.Second)
	if delivery.Message.JobID != "doc-good" {
		t.Fatalf("expected the well-formed entry, got %+v", delivery.Message)
	}
	count, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("dead letter count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected malformed entry in dlq, got %d", count)
	}
}

func TestStreamsQueueExtend(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), 60*time.Millisecond, 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-slow"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	delivery := dequeueWithin(t, q, time.Second)

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		if err := q.Extend(ctx, delivery); err != nil {
			t.Fatalf("extend %d: %v", i, err)
		}
	}

	// The renewed entry must not be reclaimed.
	if err := q.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := q.Ack(ctx, delivery); err != nil {
		t.Fatalf("ack after extend: %v", err)
	}
}

func TestStreamsQueueSkipsJobAlreadyLive(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-dup"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if length := q.client.XLen(ctx, "docs").Val(); length != 1 {
		t.Fatalf("expected one stream entry, got %d", length)
	}

	delivery := dequeueWithin(t, q, time.Second)
	if err := q.Ack(ctx, delivery); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if s.Exists("docs:live:doc-dup") {
		t.Fatalf("live marker left behind after ack")
	}

	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-dup"}); err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
	if length := q.client.XLen(ctx, "docs").Val(); length != 1 {
		t.Fatalf("expected the job to be accepted again, stream length %d", length)
	}
}

func TestStreamsQueueReleaseKeepsAttempt(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestStreamsQueue(t, s.Addr(), time.Minute, 2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.JobMessage{JobID: "doc-release"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		delivery := dequeueWithin(t, q, time.Second)
		if delivery.Message.Attempt != 0 {
			t.Fatalf("release counted as an attempt: %+v", delivery.Message)
		}
		if err := q.Release(ctx, delivery); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	count, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("dlq count: %v", err)
	}
	if count != 0 {
		t.Fatalf("released message dead-lettered, dlq=%d", count)
	}
	if !s.Exists("docs:live:doc-release") {
		t.Fatalf("released job lost its live marker")
	}
}
