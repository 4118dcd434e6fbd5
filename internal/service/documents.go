package service

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/docpipe/internal/blob"
	"github.com/iago/docpipe/internal/domain"
	"github.com/iago/docpipe/internal/queue"
	"github.com/iago/docpipe/internal/repository"
)

// DocumentsService is the submission gateway: it stores the upload, creates the
// status record and hands the job to the queue.
type DocumentsService struct {
	repo     repository.JobsRepository
	blobs    blob.Store
	producer queue.Producer
	logger   *log.Logger
}

func NewDocumentsService(
	repo repository.JobsRepository,
	blobs blob.Store,
	producer queue.Producer,
	logger *log.Logger,
) *DocumentsService {
	return &DocumentsService{repo: repo, blobs: blobs, producer: producer, logger: logger}
}

// Submit returns the new job id. A failed enqueue still returns the id: the
// record stays in received and the recovery sweep picks it up.
func (s *DocumentsService) Submit(ctx context.Context, fileBytes []byte, filename string) (string, error) {
	if len(fileBytes) == 0 {
		return "", fmt.Errorf("%w: file is empty", domain.ErrInvalidInput)
	}

	id := uuid.NewString()
	if err := s.blobs.Put(ctx, blob.SourceKey(id), fileBytes); err != nil {
		return "", fmt.Errorf("%w: store upload: %v", domain.ErrStorage, err)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:        id,
		Name:      sanitizeFilename(filename),
		Status:    domain.JobStatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("%w: create job: %v", domain.ErrStorage, err)
	}

	message := domain.JobMessage{JobID: id, RequestedAt: now}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		s.logf("enqueue failed, left for sweep job_id=%s err=%v", id, err)
		return id, nil
	}

	s.logf("document submitted job_id=%s name=%q bytes=%d", id, job.Name, len(fileBytes))
	return id, nil
}

func (s *DocumentsService) GetDocument(ctx context.Context, id string) (*domain.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidInput)
	}
	return s.repo.GetJob(ctx, id)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "document"
	}
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

func (s *DocumentsService) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
