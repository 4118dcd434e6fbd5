package queue

import (
	"context"
	"errors"
	"log"
	"time"
)

// consumeLeased drives Dequeue/Ack/Nack for a leasing backend and renews the
// lease every third of the visibility timeout while the handler runs.
func consumeLeased(
	ctx context.Context,
	leaser Leaser,
	visibility time.Duration,
	logger *log.Logger,
	handler Handler,
) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		delivery, err := leaser.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if delivery == nil {
			continue
		}

		handleDelivery(ctx, leaser, visibility, logger, delivery, handler)
	}
}

func handleDelivery(
	ctx context.Context,
	leaser Leaser,
	visibility time.Duration,
	logger *log.Logger,
	delivery *Delivery,
	handler Handler,
) {
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		renewLease(ctx, leaser, visibility, logger, delivery, stop)
	}()

	handleErr := handler(ctx, delivery.Message)
	close(stop)
	<-renewed

	// Settle with a fresh context so shutdown does not strand a finished job.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if handleErr == nil {
		if err := leaser.Ack(settleCtx, delivery); err != nil {
			logf(logger, "queue ack failed job_id=%s delivery=%s err=%v", delivery.Message.JobID, delivery.ID, err)
		}
		return
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown, not by the job itself.
		if err := leaser.Release(settleCtx, delivery); err != nil {
			logf(logger, "queue release failed job_id=%s delivery=%s err=%v", delivery.Message.JobID, delivery.ID, err)
		}
		return
	}

	if err := leaser.Nack(settleCtx, delivery, handleErr); err != nil {
		logf(logger, "queue nack failed job_id=%s delivery=%s err=%v", delivery.Message.JobID, delivery.ID, err)
	}
}

func renewLease(
	ctx context.Context,
	leaser Leaser,
	visibility time.Duration,
	logger *log.Logger,
	delivery *Delivery,
	stop <-chan struct{},
) {
	if visibility <= 0 {
		return
	}
	interval := visibility / 3
	if interval <= 0 {
		interval = visibility
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := leaser.Extend(ctx, delivery)
			if err == nil {
				continue
			}
			logf(logger, "queue lease renewal failed job_id=%s delivery=%s err=%v", delivery.Message.JobID, delivery.ID, err)
			if errors.Is(err, ErrLeaseExpired) {
				return
			}
		}
	}
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
