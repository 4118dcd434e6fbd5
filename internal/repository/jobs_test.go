package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iago/docpipe/internal/domain"
)

func openTestSQLite(t *testing.T) *SQLiteJobsRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	repo, err := NewSQLiteJobsRepository(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open sqlite repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func repositoryFactories() map[string]func(t *testing.T) JobsRepository {
	factories := map[string]func(t *testing.T) JobsRepository{
		"memory": func(*testing.T) JobsRepository { return NewMemoryJobsRepository() },
		"sqlite": func(t *testing.T) JobsRepository { return openTestSQLite(t) },
	}
	if url := os.Getenv("DOCPIPE_POSTGRES_URL_INTEGRATION"); url != "" {
		factories["postgres"] = func(t *testing.T) JobsRepository {
			repo, err := NewPostgresJobsRepository(context.Background(), url)
			if err != nil {
				t.Fatalf("open postgres repository: %v", err)
			}
			t.Cleanup(repo.Close)
			return repo
		}
	}
	return factories
}

func newReceivedJob(id string, at time.Time) *domain.Job {
	return &domain.Job{
		ID:        id,
		Name:      "resume.pdf",
		Status:    domain.JobStatusReceived,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func uniqueID(t *testing.T, suffix string) string {
	return fmt.Sprintf("%s-%d-%s", strings.ReplaceAll(t.Name(), "/", "-"), time.Now().UnixNano(), suffix)
}

func TestJobsRepositoryLifecycle(t *testing.T) {
	for name, factory := range repositoryFactories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			id := uniqueID(t, "a")

			if err := repo.CreateJob(ctx, newReceivedJob(id, time.Now().UTC())); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := repo.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != domain.JobStatusReceived || got.Result != nil || got.ErrorCode != "" {
				t.Fatalf("unexpected fresh record: %+v", got)
			}

			steps := []domain.JobStatus{
				domain.JobStatusQueued,
				domain.JobStatusConvertingImages,
			}
			for _, status := range steps {
				if err := repo.UpdateJob(ctx, id, domain.JobUpdate{Status: status}); err != nil {
					t.Fatalf("update to %s: %v", status, err)
				}
			}

			pages := 3
			if err := repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusImagesReady, PageCount: &pages}); err != nil {
				t.Fatalf("update to images_ready: %v", err)
			}
			if err := repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusAnalyzing}); err != nil {
				t.Fatalf("update to analyzing: %v", err)
			}
			result := "three pages analysed"
			if err := repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusProcessed, Result: &result}); err != nil {
				t.Fatalf("update to processed: %v", err)
			}

			got, err = repo.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get after processing: %v", err)
			}
			if got.Status != domain.JobStatusProcessed {
				t.Fatalf("expected processed, got %s", got.Status)
			}
			if got.Result == nil || *got.Result != result {
				t.Fatalf("unexpected result %v", got.Result)
			}
			if got.PageCount != 3 {
				t.Fatalf("page count was clobbered: %d", got.PageCount)
			}
			if got.Name != "resume.pdf" {
				t.Fatalf("name was clobbered: %q", got.Name)
			}
			if got.UpdatedAt.Before(got.CreatedAt) {
				t.Fatalf("updated_at precedes created_at")
			}
		})
	}
}

func TestJobsRepositoryRejectsBackwardsAndTerminalWrites(t *testing.T) {
	for name, factory := range repositoryFactories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			id := uniqueID(t, "b")

			if err := repo.CreateJob(ctx, newReceivedJob(id, time.Now().UTC())); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusQueued}); err != nil {
				t.Fatalf("update to queued: %v", err)
			}

			err := repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusQueued})
			if !errors.Is(err, ErrStaleTransition) {
				t.Fatalf("expected stale transition for repeated queued, got %v", err)
			}
			err = repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusAnalyzing})
			if !errors.Is(err, ErrStaleTransition) {
				t.Fatalf("expected stale transition for skipped stages, got %v", err)
			}

			code := domain.ErrorCodeConversion
			message := "page 2 could not be rendered"
			if err := repo.UpdateJob(ctx, id, domain.JobUpdate{
				Status:       domain.JobStatusFailed,
				ErrorCode:    &code,
				ErrorMessage: &message,
			}); err != nil {
				t.Fatalf("update to failed: %v", err)
			}

			result := "late result"
			err = repo.UpdateJob(ctx, id, domain.JobUpdate{Status: domain.JobStatusProcessed, Result: &result})
			if !errors.Is(err, ErrStaleTransition) {
				t.Fatalf("expected terminal record to reject writes, got %v", err)
			}

			got, err := repo.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != domain.JobStatusFailed || got.Result != nil {
				t.Fatalf("terminal record mutated: %+v", got)
			}
			if got.ErrorCode != code || got.ErrorMessage != message {
				t.Fatalf("unexpected error descriptor: %q %q", got.ErrorCode, got.ErrorMessage)
			}
		})
	}
}

func TestJobsRepositoryUnknownID(t *testing.T) {
	for name, factory := range repositoryFactories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()

			if _, err := repo.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found on get, got %v", err)
			}
			err := repo.UpdateJob(ctx, "missing", domain.JobUpdate{Status: domain.JobStatusQueued})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found on update, got %v", err)
			}
		})
	}
}

func TestJobsRepositoryListStale(t *testing.T) {
	for name, factory := range repositoryFactories() {
		t.Run(name, func(t *testing.T) {
			repo := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			old := uniqueID(t, "old")
			fresh := uniqueID(t, "fresh")
			moved := uniqueID(t, "moved")
			if err := repo.CreateJob(ctx, newReceivedJob(old, now.Add(-10*time.Minute))); err != nil {
				t.Fatalf("create old: %v", err)
			}
			if err := repo.CreateJob(ctx, newReceivedJob(fresh, now)); err != nil {
				t.Fatalf("create fresh: %v", err)
			}
			if err := repo.CreateJob(ctx, newReceivedJob(moved, now.Add(-10*time.Minute))); err != nil {
				t.Fatalf("create moved: %v", err)
			}
			if err := repo.UpdateJob(ctx, moved, domain.JobUpdate{
				Status:    domain.JobStatusQueued,
				UpdatedAt: now.Add(-9 * time.Minute),
			}); err != nil {
				t.Fatalf("update moved: %v", err)
			}

			stale, err := repo.ListStale(ctx, domain.JobStatusReceived, now.Add(-time.Minute), 10)
			if err != nil {
				t.Fatalf("list stale: %v", err)
			}
			found := false
			for _, job := range stale {
				if job.ID == fresh || job.ID == moved {
					t.Fatalf("unexpected stale job %s", job.ID)
				}
				if job.ID == old {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s among stale jobs, got %d items", old, len(stale))
			}
		})
	}
}

func TestMemoryJobsRepositoryReturnsCopies(t *testing.T) {
	repo := NewMemoryJobsRepository()
	ctx := context.Background()
	if err := repo.CreateJob(ctx, newReceivedJob("job-1", time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Status = domain.JobStatusProcessed

	again, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Status != domain.JobStatusReceived {
		t.Fatalf("repository leaked internal state")
	}
}

func TestSQLiteDSNAddsBusyTimeout(t *testing.T) {
	cases := map[string]string{
		"/var/lib/docpipe/jobs.db":           "/var/lib/docpipe/jobs.db?_pragma=busy_timeout(5000)",
		"file:jobs?mode=memory&cache=shared": "file:jobs?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		"jobs.db?_pragma=busy_timeout(100)":  "jobs.db?_pragma=busy_timeout(100)",
	}
	for input, want := range cases {
		if got := sqliteDSN(input); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSQLiteBusyTimeoutOnEveryConnection(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteJobsRepository(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite repository: %v", err)
	}
	defer repo.Close()

	// Hold both connections at once so the pool has to open a second one.
	first, err := repo.db.Conn(ctx)
	if err != nil {
		t.Fatalf("first conn: %v", err)
	}
	defer first.Close()
	second, err := repo.db.Conn(ctx)
	if err != nil {
		t.Fatalf("second conn: %v", err)
	}
	defer second.Close()

	for i, conn := range []*sql.Conn{first, second} {
		var timeout int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d: read busy_timeout: %v", i, err)
		}
		if timeout != 5000 {
			t.Fatalf("conn %d: busy_timeout = %d, want 5000", i, timeout)
		}
	}
}
