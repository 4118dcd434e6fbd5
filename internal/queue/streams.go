package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/iago/docpipe/internal/domain"
	"github.com/redis/go-redis/v9"
)

// liveMarkerTTL bounds how long a leaked marker can block re-enqueueing a job.
const liveMarkerTTL = 24 * time.Hour

type StreamsConfig struct {
	Addr              string
	Password          string
	DB                int
	Stream            string
	DLQStream         string
	Group             string
	Consumer          string
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	Block             time.Duration
}

// StreamsQueue implements Producer, Consumer and Leaser backed by Redis Streams.
// Un-acked entries idle longer than the visibility timeout are reclaimed with
// XAUTOCLAIM and re-added with a bumped attempt counter.
type StreamsQueue struct {
	client        *redis.Client
	stream        string
	dlqStream     string
	group         string
	consumer      string
	maxDeliveries int
	visibility    time.Duration
	block         time.Duration
	logger        *log.Logger
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, logger *log.Logger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "docpipe_jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "docpipe_jobs_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "docpipe_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:        client,
		stream:        cfg.Stream,
		dlqStream:     cfg.DLQStream,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		maxDeliveries: cfg.MaxDeliveries,
		visibility:    cfg.VisibilityTimeout,
		block:         cfg.Block,
		logger:        logger,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

// Enqueue adds the message unless the job already has a live entry. The
// marker key is removed when the entry is acked or dead-lettered.
func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.JobMessage) error {
	return q.EnqueueBatch(ctx, []domain.JobMessage{message})
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.JobMessage) error {
	if len(messages) == 0 {
		return nil
	}

	claims := make([]*redis.BoolCmd, len(messages))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, message := range messages {
			claims[i] = pipe.SetNX(ctx, q.liveKey(message.JobID), 1, liveMarkerTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark live jobs: %w", err)
	}

	fresh := make([]domain.JobMessage, 0, len(messages))
	for i, message := range messages {
		if !claims[i].Val() {
			logf(q.logger, "stream skipped duplicate job_id=%s", message.JobID)
			continue
		}
		fresh = append(fresh, message)
	}
	if len(fresh) == 0 {
		return nil
	}

	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, message := range fresh {
			pipe.XAdd(ctx, q.addArgs(message))
		}
		return nil
	})
	if err != nil {
		for _, message := range fresh {
			q.clearLive(ctx, message.JobID)
		}
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

// add re-adds an entry for a job that already holds the live marker.
func (q *StreamsQueue) add(ctx context.Context, message domain.JobMessage) error {
	if err := q.client.XAdd(ctx, q.addArgs(message)).Err(); err != nil {
		return fmt.Errorf("re-add to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) liveKey(jobID string) string {
	return q.stream + ":live:" + jobID
}

func (q *StreamsQueue) clearLive(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, q.liveKey(jobID)).Err(); err != nil {
		logf(q.logger, "stream live marker cleanup failed job_id=%s err=%v", jobID, err)
	}
}

func (q *StreamsQueue) addArgs(message domain.JobMessage) *redis.XAddArgs {
	requestedAt := message.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	return &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"job_id":       message.JobID,
			"attempt":      message.Attempt,
			"requested_at": requestedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return consumeLeased(ctx, q, q.visibility, q.logger, handler)
}

// Dequeue reclaims expired leases first, then blocks on new entries for up to
// the configured block window.
func (q *StreamsQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	now := time.Now()
	for _, stream := range streams {
		for _, item := range stream.Messages {
			message, parseErr := parseStreamMessage(item)
			if parseErr != nil {
				q.discard(ctx, domain.JobMessage{}, item, parseErr.Error())
				continue
			}
			message.LastDelivery = isLastDelivery(message.Attempt, q.maxDeliveries)
			return &Delivery{
				ID:        item.ID,
				Message:   message,
				LeasedAt:  now,
				ExpiresAt: now.Add(q.visibility),
			}, nil
		}
	}
	return nil, nil
}

func (q *StreamsQueue) Ack(ctx context.Context, delivery *Delivery) error {
	if err := q.ackAndDelete(ctx, delivery.ID); err != nil {
		return err
	}
	q.clearLive(ctx, delivery.Message.JobID)
	return nil
}

// Release re-adds the message at the same attempt and drops the leased entry.
func (q *StreamsQueue) Release(ctx context.Context, delivery *Delivery) error {
	message := delivery.Message
	message.LastDelivery = false
	if err := q.add(ctx, message); err != nil {
		return err
	}
	return q.ackAndDelete(ctx, delivery.ID)
}

// Nack re-adds the message with the next attempt number, or moves it to the
// dead-letter stream once deliveries are exhausted.
func (q *StreamsQueue) Nack(ctx context.Context, delivery *Delivery, cause error) error {
	message := delivery.Message
	message.Attempt++
	if message.Attempt >= q.maxDeliveries {
		if err := q.sendToDLQ(ctx, message, delivery.ID, errorText(cause)); err != nil {
			return err
		}
		q.clearLive(ctx, message.JobID)
		return q.ackAndDelete(ctx, delivery.ID)
	}

	if err := q.add(ctx, message); err != nil {
		if dlqErr := q.sendToDLQ(ctx, message, delivery.ID, fmt.Sprintf("requeue failed: %v", err)); dlqErr != nil {
			return err
		}
		q.clearLive(ctx, message.JobID)
	}
	return q.ackAndDelete(ctx, delivery.ID)
}

// Extend resets the idle time of the pending entry so XAUTOCLAIM skips it.
func (q *StreamsQueue) Extend(ctx context.Context, delivery *Delivery) error {
	ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{delivery.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	if len(ids) == 0 {
		return ErrLeaseExpired
	}
	delivery.ExpiresAt = time.Now().Add(q.visibility)
	return nil
}

func (q *StreamsQueue) reclaimExpired(ctx context.Context) error {
	items, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("xautoclaim: %w", err)
	}

	for _, item := range items {
		message, parseErr := parseStreamMessage(item)
		if parseErr != nil {
			q.discard(ctx, domain.JobMessage{}, item, parseErr.Error())
			continue
		}
		logf(q.logger, "stream lease expired job_id=%s stream_id=%s attempt=%d", message.JobID, item.ID, message.Attempt)
		delivery := &Delivery{ID: item.ID, Message: message}
		if err := q.Nack(ctx, delivery, ErrLeaseExpired); err != nil {
			return err
		}
	}
	return nil
}

func (q *StreamsQueue) discard(ctx context.Context, message domain.JobMessage, item redis.XMessage, reason string) {
	if err := q.sendToDLQ(ctx, message, item.ID, reason); err != nil {
		logf(q.logger, "stream dlq write failed stream_id=%s err=%v", item.ID, err)
	}
	if err := q.ackAndDelete(ctx, item.ID); err != nil {
		logf(q.logger, "stream discard failed stream_id=%s err=%v", item.ID, err)
	}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	acked, err := q.client.XAck(ctx, q.stream, q.group, streamID).Result()
	if err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	if acked == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, message domain.JobMessage, streamID, errorMessage string) error {
	values := map[string]any{
		"stream_id": streamID,
		"job_id":    message.JobID,
		"attempt":   message.Attempt,
		"error":     errorMessage,
		"moved_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	logf(q.logger, "stream moved message to DLQ job_id=%s attempt=%d err=%s", message.JobID, message.Attempt, errorMessage)
	return nil
}

// DeadLetterCount reports the length of the dead-letter stream.
func (q *StreamsQueue) DeadLetterCount(ctx context.Context) (int64, error) {
	count, err := q.client.XLen(ctx, q.dlqStream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen dlq: %w", err)
	}
	return count, nil
}

func parseStreamMessage(item redis.XMessage) (domain.JobMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	jobID, err := getString("job_id")
	if err != nil {
		return domain.JobMessage{}, err
	}
	if strings.TrimSpace(jobID) == "" {
		return domain.JobMessage{}, errors.New("empty job_id")
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.JobMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.JobMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.JobMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.JobMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.JobMessage{
		JobID:       jobID,
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
