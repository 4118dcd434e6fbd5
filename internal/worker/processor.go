package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iago/docpipe/internal/analysis"
	"github.com/iago/docpipe/internal/blob"
	"github.com/iago/docpipe/internal/domain"
	"github.com/iago/docpipe/internal/queue"
	"github.com/iago/docpipe/internal/raster"
	"github.com/iago/docpipe/internal/repository"
)

// errSettled stops processing when another delivery already finished the job.
var errSettled = errors.New("job already settled")

type ProcessorConfig struct {
	Concurrency int
	Retry       RetryPolicy
}

// Processor consumes job messages and drives each document through the
// pipeline states, persisting every transition before moving on.
type Processor struct {
	consumer    queue.Consumer
	repo        repository.JobsRepository
	blobs       blob.Store
	rasterizer  raster.Rasterizer
	analyzer    analysis.Analyzer
	retry       RetryPolicy
	concurrency int
	logger      *log.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	repo repository.JobsRepository,
	blobs blob.Store,
	rasterizer raster.Rasterizer,
	analyzer analysis.Analyzer,
	cfg ProcessorConfig,
	logger *log.Logger,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Processor{
		consumer:    consumer,
		repo:        repo,
		blobs:       blobs,
		rasterizer:  rasterizer,
		analyzer:    analyzer,
		retry:       cfg.Retry.normalized(),
		concurrency: cfg.Concurrency,
		logger:      logger,
	}
}

// Start runs the configured number of consume loops and blocks until ctx is done.
func (p *Processor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.consumeLoop(ctx)
		}()
	}
	wg.Wait()
}

func (p *Processor) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.ProcessMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logf("worker consume loop error: %v", err)

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessMessage handles one delivery. A nil return acknowledges it; an error
// asks the queue to redeliver.
func (p *Processor) ProcessMessage(ctx context.Context, message domain.JobMessage) error {
	err := p.process(ctx, message)
	if err == nil || errors.Is(err, errSettled) {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	p.logf("job processing error job_id=%s attempt=%d last=%t err=%v", message.JobID, message.Attempt, message.LastDelivery, err)
	if message.LastDelivery {
		p.markFailed(ctx, message.JobID, domain.ErrorCodeStorage, err)
	}
	return err
}

func (p *Processor) process(ctx context.Context, message domain.JobMessage) error {
	job, err := p.repo.GetJob(ctx, message.JobID)
	if errors.Is(err, repository.ErrNotFound) {
		p.logf("job record missing, dropping message job_id=%s", message.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", message.JobID, err)
	}
	if job.Status.Terminal() {
		p.logf("job already terminal job_id=%s status=%s", job.ID, job.Status)
		return nil
	}

	if err := p.advance(ctx, job, domain.JobStatusQueued, domain.JobUpdate{}); err != nil {
		return err
	}

	pages := p.storedPages(ctx, job)
	if pages == nil {
		pages, err = p.renderPages(ctx, job)
		if err != nil {
			return err
		}
	}

	if err := p.advance(ctx, job, domain.JobStatusAnalyzing, domain.JobUpdate{}); err != nil {
		return err
	}

	text, err := p.analyze(ctx, job, pages)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, job, domain.ErrorCodeAnalysis, err)
	}

	if err := p.advance(ctx, job, domain.JobStatusProcessed, domain.JobUpdate{Result: &text}); err != nil {
		return err
	}
	p.logf("job processed job_id=%s pages=%d", job.ID, len(pages))
	return nil
}

// storedPages returns the page images of a job that already reached
// images_ready, or nil when any of them is missing.
func (p *Processor) storedPages(ctx context.Context, job *domain.Job) [][]byte {
	if job.Status.Rank() < domain.JobStatusImagesReady.Rank() || job.PageCount <= 0 {
		return nil
	}
	pages := make([][]byte, 0, job.PageCount)
	for i := 0; i < job.PageCount; i++ {
		page, err := p.blobs.Get(ctx, blob.PageKey(job.ID, i))
		if err != nil {
			p.logf("stored page unavailable, re-rendering job_id=%s page=%d err=%v", job.ID, i, err)
			return nil
		}
		pages = append(pages, page)
	}
	p.logf("reusing stored pages job_id=%s pages=%d", job.ID, len(pages))
	return pages
}

func (p *Processor) renderPages(ctx context.Context, job *domain.Job) ([][]byte, error) {
	source, err := p.blobs.Get(ctx, blob.SourceKey(job.ID))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.fail(ctx, job, domain.ErrorCodeStorage, fmt.Errorf("%w: read source: %v", domain.ErrStorage, err))
	}

	if err := p.advance(ctx, job, domain.JobStatusConvertingImages, domain.JobUpdate{}); err != nil {
		return nil, err
	}

	pages, err := p.rasterizer.Rasterize(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.fail(ctx, job, domain.ErrorCodeConversion, err)
	}
	if len(pages) == 0 {
		return nil, p.fail(ctx, job, domain.ErrorCodeConversion, fmt.Errorf("%w: no pages rendered", domain.ErrConversion))
	}

	for i, page := range pages {
		if err := p.blobs.Put(ctx, blob.PageKey(job.ID, i), page); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, p.fail(ctx, job, domain.ErrorCodeStorage, fmt.Errorf("%w: write page %d: %v", domain.ErrStorage, i, err))
		}
	}

	count := len(pages)
	if err := p.advance(ctx, job, domain.JobStatusImagesReady, domain.JobUpdate{PageCount: &count}); err != nil {
		return nil, err
	}
	return pages, nil
}

func (p *Processor) analyze(ctx context.Context, job *domain.Job, pages [][]byte) (string, error) {
	var text string
	err := p.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		result, err := p.analyzer.Analyze(ctx, pages)
		if err != nil {
			p.logf("analysis attempt failed job_id=%s attempt=%d transient=%t err=%v", job.ID, attempt, analysis.IsTransient(err), err)
			return err
		}
		text = result
		return nil
	}, analysis.IsTransient)
	return text, err
}

// advance writes the transition to status unless the record is already there
// or beyond. A rejected write reloads the record to find out why.
func (p *Processor) advance(ctx context.Context, job *domain.Job, status domain.JobStatus, update domain.JobUpdate) error {
	if job.Status == status || job.Status.Rank() > status.Rank() {
		return nil
	}

	from := job.Status
	update.Status = status
	update.UpdatedAt = time.Now().UTC()
	err := p.repo.UpdateJob(ctx, job.ID, update)
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
		return p.reload(ctx, job, status)
	}
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}

	update.Apply(job)
	p.logf("job transition job_id=%s from=%s to=%s", job.ID, from, status)
	return nil
}

func (p *Processor) reload(ctx context.Context, job *domain.Job, wanted domain.JobStatus) error {
	current, err := p.repo.GetJob(ctx, job.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return errSettled
	}
	if err != nil {
		return fmt.Errorf("reload job %s: %w", job.ID, err)
	}
	*job = *current
	if job.Status.Terminal() {
		p.logf("job settled by another delivery job_id=%s status=%s", job.ID, job.Status)
		return errSettled
	}
	if job.Status.Rank() >= wanted.Rank() {
		return nil
	}
	return fmt.Errorf("mark %s from %s: %w", wanted, job.Status, repository.ErrStaleTransition)
}

// fail records a terminal failure. The delivery is acknowledged once the
// failure is stored, so the returned error is nil unless the write itself failed.
func (p *Processor) fail(ctx context.Context, job *domain.Job, code string, cause error) error {
	message := cause.Error()
	err := p.repo.UpdateJob(ctx, job.ID, domain.JobUpdate{
		Status:       domain.JobStatusFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
		UpdatedAt:    time.Now().UTC(),
	})
	if errors.Is(err, repository.ErrStaleTransition) || errors.Is(err, repository.ErrNotFound) {
		p.logf("job failure not recorded, record already settled job_id=%s code=%s", job.ID, code)
		return errSettled
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	p.logf("job failed job_id=%s from=%s code=%s err=%v", job.ID, job.Status, code, cause)
	job.Status = domain.JobStatusFailed
	job.ErrorCode = code
	job.ErrorMessage = message
	return errSettled
}

// markFailed is the best-effort terminal write used on the last delivery.
func (p *Processor) markFailed(ctx context.Context, jobID, code string, cause error) {
	message := cause.Error()
	err := p.repo.UpdateJob(ctx, jobID, domain.JobUpdate{
		Status:       domain.JobStatusFailed,
		ErrorCode:    &code,
		ErrorMessage: &message,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		p.logf("best-effort failure write rejected job_id=%s err=%v", jobID, err)
		return
	}
	p.logf("job failed after final delivery job_id=%s code=%s", jobID, code)
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
