package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/docpipe/internal/domain"
)

var (
	ErrNotFound        = domain.ErrNotFound
	ErrStaleTransition = domain.ErrStaleTransition
)

// JobsRepository abstracts the status store. UpdateJob is a conditional,
// targeted write: it only applies when the stored status may legally move to
// update.Status, and it never rewrites fields the update does not carry.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) error
	ListStale(ctx context.Context, status domain.JobStatus, before time.Time, limit int) ([]*domain.Job, error)
}

// MemoryJobsRepository stores jobs in memory for local development.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobsRepository) UpdateJob(_ context.Context, jobID string, update domain.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !domain.CanTransition(job.Status, update.Status) {
		return ErrStaleTransition
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}
	update.Apply(job)
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *MemoryJobsRepository) ListStale(
	_ context.Context,
	status domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.Status != status || !job.UpdatedAt.Before(before) {
			continue
		}
		items = append(items, cloneJob(job))
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func cloneJob(job *domain.Job) *domain.Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Result != nil {
		result := *job.Result
		clone.Result = &result
	}
	return &clone
}

func statusStrings(statuses []domain.JobStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

// resolveRejectedUpdate explains why a conditional update matched no rows.
func resolveRejectedUpdate(ctx context.Context, repo JobsRepository, jobID string) error {
	if _, err := repo.GetJob(ctx, jobID); err != nil {
		return err
	}
	return ErrStaleTransition
}
