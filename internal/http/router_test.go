package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iago/docpipe/internal/blob"
	"github.com/iago/docpipe/internal/domain"
	"github.com/iago/docpipe/internal/http/handlers"
	"github.com/iago/docpipe/internal/queue"
	"github.com/iago/docpipe/internal/repository"
	"github.com/iago/docpipe/internal/service"
)

type testServer struct {
	handler http.Handler
	repo    *repository.MemoryJobsRepository
	blobs   *blob.MemoryStore
	queue   *queue.LocalQueue
}

func newTestServer(t *testing.T, maxUploadBytes int64) *testServer {
	t.Helper()

	repo := repository.NewMemoryJobsRepository()
	blobs := blob.NewMemoryStore()
	local := queue.NewLocalQueue(queue.LocalConfig{}, nil)
	documents := service.NewDocumentsService(repo, blobs, local, nil)

	return &testServer{
		handler: NewRouter(RouterDependencies{
			API:            handlers.NewAPI(documents, maxUploadBytes, nil),
			CORSOrigins:    []string{"https://app.example.com"},
			RateLimitRPS:   100,
			RateLimitBurst: 100,
		}),
		repo:  repo,
		blobs: blobs,
		queue: local,
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestUploadStoresDocumentAndEnqueues(t *testing.T) {
	server := newTestServer(t, 0)
	body, contentType := multipartBody(t, "file", "resume.pdf", []byte("%PDF-1.7 fake"))

	request := httptest.NewRequest(http.MethodPost, "/upload", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	id, _ := decodeJSON(t, recorder)["file_id"].(string)
	if id == "" {
		t.Fatalf("expected file_id in response")
	}

	job, err := server.repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != domain.JobStatusReceived || job.Name != "resume.pdf" {
		t.Fatalf("unexpected record %+v", job)
	}
	stored, err := server.blobs.Get(context.Background(), blob.SourceKey(id))
	if err != nil || string(stored) != "%PDF-1.7 fake" {
		t.Fatalf("source blob mismatch %q err=%v", stored, err)
	}
	if server.queue.Len() != 1 {
		t.Fatalf("expected one queued message, got %d", server.queue.Len())
	}
}

func TestUploadRejectsMissingFile(t *testing.T) {
	server := newTestServer(t, 0)
	body, contentType := multipartBody(t, "other", "resume.pdf", []byte("x"))

	request := httptest.NewRequest(http.MethodPost, "/upload", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	payload := decodeJSON(t, recorder)
	errorBody, _ := payload["error"].(map[string]any)
	if errorBody["code"] != "invalid_request" {
		t.Fatalf("unexpected error body %v", payload)
	}
	if payload["request_id"] == "" {
		t.Fatalf("expected request id in error envelope")
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	server := newTestServer(t, 0)
	body, contentType := multipartBody(t, "file", "empty.pdf", nil)

	request := httptest.NewRequest(http.MethodPost, "/upload", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if server.blobs.Len() != 0 {
		t.Fatalf("empty upload must not be stored")
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	server := newTestServer(t, 1024)
	body, contentType := multipartBody(t, "file", "big.pdf", bytes.Repeat([]byte("a"), 4096))

	request := httptest.NewRequest(http.MethodPost, "/upload", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", recorder.Code)
	}
}

func TestGetDocumentReturnsStatusRecord(t *testing.T) {
	server := newTestServer(t, 0)
	now := time.Now().UTC()
	result := "Looks solid."
	if err := server.repo.CreateJob(context.Background(), &domain.Job{
		ID:        "doc-1",
		Name:      "resume.pdf",
		Status:    domain.JobStatusProcessed,
		Result:    &result,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/doc-1", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeJSON(t, recorder)
	if payload["status"] != "processed" || payload["result"] != result || payload["name"] != "resume.pdf" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["error"]; ok {
		t.Fatalf("processed document must not carry an error field")
	}
}

func TestGetDocumentFailedIncludesErrorAndNullResult(t *testing.T) {
	server := newTestServer(t, 0)
	now := time.Now().UTC()
	if err := server.repo.CreateJob(context.Background(), &domain.Job{
		ID:           "doc-2",
		Name:         "scan.png",
		Status:       domain.JobStatusFailed,
		ErrorCode:    domain.ErrorCodeAnalysis,
		ErrorMessage: "model unavailable",
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/doc-2", nil))

	payload := decodeJSON(t, recorder)
	if value, ok := payload["result"]; !ok || value != nil {
		t.Fatalf("expected explicit null result, got %v", payload)
	}
	errorBody, _ := payload["error"].(map[string]any)
	if errorBody["code"] != domain.ErrorCodeAnalysis || errorBody["message"] != "model unavailable" {
		t.Fatalf("unexpected error body %v", payload)
	}
}

func TestGetDocumentUnknownIDIs404(t *testing.T) {
	server := newTestServer(t, 0)

	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestLivenessEndpoints(t *testing.T) {
	server := newTestServer(t, 0)

	cases := map[string]string{
		"/":        "Server is up and running",
		"/healthz": "ok",
	}
	for path, want := range cases {
		recorder := httptest.NewRecorder()
		server.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
		if got := decodeJSON(t, recorder)["status"]; got != want {
			t.Fatalf("%s: expected status %q, got %v", path, want, got)
		}
		if recorder.Header().Get("X-Request-Id") == "" {
			t.Fatalf("%s: expected request id header", path)
		}
	}
}
