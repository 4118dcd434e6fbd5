package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/docpipe/internal/domain"
	"github.com/iago/docpipe/internal/queue"
	"github.com/iago/docpipe/internal/repository"
)

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// StuckAfter is how long a record may sit in an in-progress state before it
	// is failed. It must exceed the worst-case processing time of one job.
	StuckAfter time.Duration
	BatchSize  int
}

// inProgressStatuses are the states a worker holds a job in between queue deliveries.
var inProgressStatuses = []domain.JobStatus{
	domain.JobStatusQueued,
	domain.JobStatusConvertingImages,
	domain.JobStatusImagesReady,
	domain.JobStatusAnalyzing,
}

// Sweeper re-enqueues records left in received, typically because the enqueue
// after submission failed or a local queue lost its contents on restart, and
// fails records whose queue message is gone while they were in progress.
type Sweeper struct {
	repo     repository.JobsRepository
	producer queue.Producer
	cfg      SweeperConfig
	logger   *log.Logger
}

func NewSweeper(repo repository.JobsRepository, producer queue.Producer, cfg SweeperConfig, logger *log.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{repo: repo, producer: producer, cfg: cfg, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logf("sweep failed requeued=%d err=%v", count, err)
			}
			failed, err := s.FailStuck(ctx)
			if err != nil && ctx.Err() == nil {
				s.logf("stuck sweep failed failed=%d err=%v", failed, err)
			}
		}
	}
}

// SweepOnce offers one batch of stale received records to the queue and
// reports how many were offered. Jobs whose message is still live are
// skipped by the queue itself.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stale, err := s.repo.ListStale(ctx, domain.JobStatusReceived, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	requeued := 0
	for _, job := range stale {
		message := domain.JobMessage{JobID: job.ID, RequestedAt: now}
		if err := s.producer.Enqueue(ctx, message); err != nil {
			return requeued, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		requeued++
		s.logf("sweep requeued job_id=%s received_at=%s", job.ID, job.CreatedAt.Format(time.RFC3339))
	}
	return requeued, nil
}

// FailStuck records storage_error on in-progress records untouched for
// StuckAfter, the fate of jobs whose deliveries ran out mid-step.
func (s *Sweeper) FailStuck(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	code := domain.ErrorCodeStorage
	message := "processing stalled: no delivery completed the job"

	failed := 0
	for _, status := range inProgressStatuses {
		stuck, err := s.repo.ListStale(ctx, status, now.Add(-s.cfg.StuckAfter), s.cfg.BatchSize)
		if err != nil {
			return failed, fmt.Errorf("list stuck %s jobs: %w", status, err)
		}
		for _, job := range stuck {
			err := s.repo.UpdateJob(ctx, job.ID, domain.JobUpdate{
				Status:       domain.JobStatusFailed,
				ErrorCode:    &code,
				ErrorMessage: &message,
				UpdatedAt:    now,
			})
			if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			if err != nil {
				return failed, fmt.Errorf("fail stuck job %s: %w", job.ID, err)
			}
			failed++
			s.logf("sweep failed stuck job job_id=%s status=%s updated_at=%s", job.ID, status, job.UpdatedAt.Format(time.RFC3339))
		}
	}
	return failed, nil
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
