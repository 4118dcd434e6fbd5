package queue

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/iago/docpipe/internal/domain"
)

type LocalConfig struct {
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	// RetryDelay is multiplied by the attempt number before a nacked message is visible again.
	RetryDelay   time.Duration
	PollInterval time.Duration
}

type localItem struct {
	message     domain.JobMessage
	availableAt time.Time
}

type localLease struct {
	message  domain.JobMessage
	deadline time.Time
}

// LocalQueue is an in-process leasing queue used when Redis is not configured.
// Messages do not survive a restart; the recovery sweep re-enqueues them.
type LocalQueue struct {
	cfg    LocalConfig
	logger *log.Logger

	mu       sync.Mutex
	pending  []localItem
	inflight map[string]*localLease
	live     map[string]struct{}
	dead     []DeadLetter
	seq      uint64
	notify   chan struct{}
}

func NewLocalQueue(cfg LocalConfig, logger *log.Logger) *LocalQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &LocalQueue{
		cfg:      cfg,
		logger:   logger,
		pending:  make([]localItem, 0),
		inflight: make(map[string]*localLease),
		live:     make(map[string]struct{}),
		dead:     make([]DeadLetter, 0),
		notify:   make(chan struct{}, 1),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.JobMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	added := q.addLocked(message, time.Now())
	q.mu.Unlock()
	if added {
		q.signal()
	}
	return nil
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.JobMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	q.mu.Lock()
	for _, message := range messages {
		q.addLocked(message, now)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *LocalQueue) addLocked(message domain.JobMessage, now time.Time) bool {
	if _, ok := q.live[message.JobID]; ok {
		logf(q.logger, "local queue skipped duplicate job_id=%s", message.JobID)
		return false
	}
	q.live[message.JobID] = struct{}{}
	q.pending = append(q.pending, localItem{message: message, availableAt: now})
	return true
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	return consumeLeased(ctx, q, q.cfg.VisibilityTimeout, q.logger, handler)
}

// Dequeue blocks until a message is visible or ctx is done.
func (q *LocalQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if delivery := q.claim(time.Now()); delivery != nil {
			return delivery, nil
		}

		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *LocalQueue) claim(now time.Time) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.requeueExpiredLocked(now)

	for i, item := range q.pending {
		if item.availableAt.After(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)

		q.seq++
		id := strconv.FormatUint(q.seq, 10)
		message := item.message
		message.LastDelivery = isLastDelivery(message.Attempt, q.cfg.MaxDeliveries)
		deadline := now.Add(q.cfg.VisibilityTimeout)
		q.inflight[id] = &localLease{message: message, deadline: deadline}
		return &Delivery{ID: id, Message: message, LeasedAt: now, ExpiresAt: deadline}
	}
	return nil
}

func (q *LocalQueue) Ack(_ context.Context, delivery *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	lease, ok := q.inflight[delivery.ID]
	if !ok {
		return ErrLeaseExpired
	}
	delete(q.inflight, delivery.ID)
	delete(q.live, lease.message.JobID)
	return nil
}

func (q *LocalQueue) Nack(_ context.Context, delivery *Delivery, cause error) error {
	q.mu.Lock()
	lease, ok := q.inflight[delivery.ID]
	if !ok {
		q.mu.Unlock()
		return ErrLeaseExpired
	}
	delete(q.inflight, delivery.ID)
	q.retryLocked(lease.message, errorText(cause), time.Now())
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *LocalQueue) Extend(_ context.Context, delivery *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	lease, ok := q.inflight[delivery.ID]
	if !ok {
		return ErrLeaseExpired
	}
	lease.deadline = time.Now().Add(q.cfg.VisibilityTimeout)
	delivery.ExpiresAt = lease.deadline
	return nil
}

// Release puts the message back at the same attempt, visible immediately.
func (q *LocalQueue) Release(_ context.Context, delivery *Delivery) error {
	q.mu.Lock()
	lease, ok := q.inflight[delivery.ID]
	if !ok {
		q.mu.Unlock()
		return ErrLeaseExpired
	}
	delete(q.inflight, delivery.ID)
	message := lease.message
	message.LastDelivery = false
	q.pending = append(q.pending, localItem{message: message, availableAt: time.Now()})
	q.mu.Unlock()
	q.signal()
	return nil
}

// RequeueExpired returns leases whose deadline passed before now to the pending list.
func (q *LocalQueue) RequeueExpired(now time.Time) int {
	q.mu.Lock()
	count := q.requeueExpiredLocked(now)
	q.mu.Unlock()
	if count > 0 {
		q.signal()
	}
	return count
}

func (q *LocalQueue) requeueExpiredLocked(now time.Time) int {
	count := 0
	for id, lease := range q.inflight {
		if lease.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		q.retryLocked(lease.message, "lease expired", now)
		count++
	}
	return count
}

func (q *LocalQueue) retryLocked(message domain.JobMessage, cause string, now time.Time) {
	message.Attempt++
	message.LastDelivery = false
	if message.Attempt >= q.cfg.MaxDeliveries {
		q.dead = append(q.dead, DeadLetter{Message: message, Cause: cause, MovedAt: now.UTC()})
		delete(q.live, message.JobID)
		logf(q.logger, "local queue moved message to DLQ job_id=%s attempt=%d err=%s", message.JobID, message.Attempt, cause)
		return
	}
	delay := time.Duration(message.Attempt) * q.cfg.RetryDelay
	q.pending = append(q.pending, localItem{message: message, availableAt: now.Add(delay)})
}

func (q *LocalQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports pending plus in-flight messages.
func (q *LocalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func (q *LocalQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
