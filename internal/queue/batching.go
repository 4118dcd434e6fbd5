package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/docpipe/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
	// FlushTimeout bounds each batch write, including the one made on shutdown.
	FlushTimeout time.Duration
	// QueueCapacity is how many accepted enqueues may wait for a batch slot.
	QueueCapacity      int
	MaxInFlightBatches int
}

type batchWriter interface {
	EnqueueBatch(ctx context.Context, messages []domain.JobMessage) error
}

type pendingEnqueue struct {
	ctx     context.Context
	message domain.JobMessage
	result  chan error
}

// BatchingProducer coalesces uploads that arrive within FlushInterval into one
// backend write. Up to MaxInFlightBatches writes run at the same time; once
// they are all busy the collector stops draining and further callers get
// ErrQueueBackpressure after QueueCapacity requests are waiting.
type BatchingProducer struct {
	base   Producer
	writer batchWriter
	cfg    BatchingConfig

	requests chan pendingEnqueue
	slots    chan struct{}
	writes   sync.WaitGroup

	parent   <-chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = 4
	}

	b := &BatchingProducer{
		base:     base,
		cfg:      cfg,
		requests: make(chan pendingEnqueue, cfg.QueueCapacity),
		slots:    make(chan struct{}, cfg.MaxInFlightBatches),
		parent:   parent.Done(),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if writer, ok := base.(batchWriter); ok {
		b.writer = writer
	}

	go b.collect()
	return b
}

// Enqueue waits until the batch holding message has been written.
func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.JobMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	request := pendingEnqueue{ctx: ctx, message: message, result: make(chan error, 1)}
	select {
	case <-b.done:
		return ErrBatchingClosed
	case b.requests <- request:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		// A request that slipped in after the final drain is never written.
		select {
		case err := <-request.result:
			return err
		default:
			return ErrBatchingClosed
		}
	}
}

// Close flushes what was accepted and waits for in-flight writes.
func (b *BatchingProducer) Close() {
	b.quitOnce.Do(func() { close(b.quit) })
	<-b.done
}

func (b *BatchingProducer) collect() {
	defer close(b.done)

	batch := make([]pendingEnqueue, 0, b.cfg.MaxBatchSize)
	flushTimer := time.NewTimer(b.cfg.FlushInterval)
	disarm(flushTimer)
	armed := false
	defer flushTimer.Stop()

	dispatch := func() {
		if armed {
			disarm(flushTimer)
			armed = false
		}
		if len(batch) == 0 {
			return
		}
		b.dispatch(batch)
		batch = make([]pendingEnqueue, 0, b.cfg.MaxBatchSize)
	}

	for {
		var flushDue <-chan time.Time
		if armed {
			flushDue = flushTimer.C
		}

		select {
		case <-b.quit:
			b.drain(batch)
			return
		case <-b.parent:
			b.drain(batch)
			return
		case <-flushDue:
			armed = false
			dispatch()
		case request := <-b.requests:
			if err := request.ctx.Err(); err != nil {
				request.result <- err
				continue
			}
			batch = append(batch, request)
			if len(batch) >= b.cfg.MaxBatchSize {
				dispatch()
				continue
			}
			if !armed {
				flushTimer.Reset(b.cfg.FlushInterval)
				armed = true
			}
		}
	}
}

// drain writes the open batch plus everything still buffered, then waits for
// every write to finish.
func (b *BatchingProducer) drain(batch []pendingEnqueue) {
	for buffered := true; buffered; {
		select {
		case request := <-b.requests:
			batch = append(batch, request)
			if len(batch) >= b.cfg.MaxBatchSize {
				b.dispatch(batch)
				batch = make([]pendingEnqueue, 0, b.cfg.MaxBatchSize)
			}
		default:
			buffered = false
		}
	}
	if len(batch) > 0 {
		b.dispatch(batch)
	}
	b.writes.Wait()
}

// dispatch blocks until a write slot is free and hands the batch to its own
// goroutine.
func (b *BatchingProducer) dispatch(batch []pendingEnqueue) {
	b.slots <- struct{}{}
	b.writes.Add(1)
	go func() {
		defer b.writes.Done()
		defer func() { <-b.slots }()
		b.write(batch)
	}()
}

func (b *BatchingProducer) write(batch []pendingEnqueue) {
	live := batch[:0]
	for _, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.result <- err
			continue
		}
		live = append(live, request)
	}
	if len(live) == 0 {
		return
	}

	sort.SliceStable(live, func(i, j int) bool {
		return live[i].message.RequestedAt.Before(live[j].message.RequestedAt)
	})
	messages := make([]domain.JobMessage, len(live))
	for i, request := range live {
		messages[i] = request.message
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	var err error
	if b.writer != nil {
		err = b.writer.EnqueueBatch(ctx, messages)
	} else {
		for _, message := range messages {
			if err = b.base.Enqueue(ctx, message); err != nil {
				break
			}
		}
	}
	for _, request := range live {
		request.result <- err
	}
}

// disarm stops timer and discards a tick that fired before the stop.
func disarm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
