// Command loadgen drives upload and status traffic against an in-process
// gateway and worker, or against a running api when -target is set, and
// prints latency percentiles as JSON.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/docpipe/internal/blob"
	httpserver "github.com/iago/docpipe/internal/http"
	"github.com/iago/docpipe/internal/http/handlers"
	"github.com/iago/docpipe/internal/queue"
	"github.com/iago/docpipe/internal/raster"
	"github.com/iago/docpipe/internal/repository"
	"github.com/iago/docpipe/internal/service"
	"github.com/iago/docpipe/internal/worker"
)

var samplePNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Target         string           `json:"target"`
	Results        []scenarioResult `json:"results"`
}

// instantAnalyzer stands in for the remote model so runs measure the pipeline itself.
type instantAnalyzer struct {
	delay time.Duration
}

func (a instantAnalyzer) Analyze(ctx context.Context, images [][]byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(a.delay):
	}
	return fmt.Sprintf("load test analysis of %d page(s)", len(images)), nil
}

func main() {
	target := flag.String("target", "", "base URL of a running api; empty starts an in-process stack")
	uploadsTotal := flag.Int("uploads-total", 200, "total upload requests")
	uploadsConcurrency := flag.Int("uploads-concurrency", 16, "concurrency for upload requests")
	pipelineTotal := flag.Int("pipeline-total", 60, "uploads tracked until a terminal status")
	pipelineConcurrency := flag.Int("pipeline-concurrency", 8, "concurrency for tracked uploads")
	analysisDelay := flag.Duration("analysis-delay", 50*time.Millisecond, "simulated analysis latency for the in-process stack")
	outputPath := flag.String("output", "", "optional path to persist results JSON")
	flag.Parse()

	baseURL := *target
	if baseURL == "" {
		server, stop := startLocalStack(*analysisDelay)
		defer stop()
		baseURL = server.URL
	}

	client := &http.Client{Timeout: 30 * time.Second}

	uploads := runScenario("upload", *uploadsTotal, *uploadsConcurrency, func(index int) error {
		_, err := upload(client, baseURL, fmt.Sprintf("page-%d.png", index))
		return err
	})

	pipeline := runScenario("upload_to_processed", *pipelineTotal, *pipelineConcurrency, func(index int) error {
		id, err := upload(client, baseURL, fmt.Sprintf("tracked-%d.png", index))
		if err != nil {
			return err
		}
		return waitProcessed(client, baseURL, id, 2*time.Minute)
	})

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Target:         baseURL,
		Results:        []scenarioResult{uploads, pipeline},
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal load report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startLocalStack(analysisDelay time.Duration) (*httptest.Server, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	repo := repository.NewMemoryJobsRepository()
	blobs := blob.NewMemoryStore()
	localQueue := queue.NewLocalQueue(queue.LocalConfig{PollInterval: 5 * time.Millisecond}, logger)
	documents := service.NewDocumentsService(repo, blobs, localQueue, logger)

	router := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            handlers.NewAPI(documents, 0, logger),
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	processor := worker.NewProcessor(
		localQueue,
		repo,
		blobs,
		raster.NewPDFRasterizer(raster.Config{}, nil, logger),
		instantAnalyzer{delay: analysisDelay},
		worker.ProcessorConfig{Concurrency: 8},
		logger,
	)
	go processor.Start(ctx)

	server := httptest.NewServer(router)
	return server, func() {
		cancel()
		server.Close()
	}
}

func upload(client *http.Client, baseURL, filename string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(samplePNG); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	response, err := client.Post(baseURL+"/upload", writer.FormDataContentType(), body)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return "", fmt.Errorf("upload status %d: %s", response.StatusCode, raw)
	}
	var decoded struct {
		FileID string `json:"file_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return decoded.FileID, nil
}

func waitProcessed(client *http.Client, baseURL, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		response, err := client.Get(baseURL + "/" + id)
		if err != nil {
			return err
		}
		var body struct {
			Status string `json:"status"`
			Error  *struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		decodeErr := json.NewDecoder(response.Body).Decode(&body)
		response.Body.Close()
		if decodeErr != nil {
			return fmt.Errorf("decode status response: %w", decodeErr)
		}

		switch body.Status {
		case "processed":
			return nil
		case "failed":
			code := "unknown"
			if body.Error != nil {
				code = body.Error.Code
			}
			return fmt.Errorf("document %s failed code=%s", id, code)
		}
		time.Sleep(25 * time.Millisecond)
	}
	return errors.New("timed out waiting for " + id)
}

func runScenario(name string, total, concurrency int, requestFn func(index int) error) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	type sample struct {
		durationMS float64
		err        string
	}

	startedAt := time.Now()
	indexes := make(chan int, total)
	samples := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				start := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(start).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				samples <- s
			}
		}()
	}
	wg.Wait()
	close(samples)

	result := scenarioResult{Name: name, Total: total}
	durations := make([]float64, 0, total)
	for item := range samples {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			result.Success++
			continue
		}
		result.Errors++
		if len(result.ErrorSamples) < 5 {
			result.ErrorSamples = append(result.ErrorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
		result.ThroughputRPS = round2(float64(total) / elapsed)
	}
	result.P50MS = percentile(durations, 0.50)
	result.P95MS = percentile(durations, 0.95)
	result.P99MS = percentile(durations, 0.99)
	result.MaxMS = percentile(durations, 1.00)
	return result
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	rank = max(0, min(rank, len(values)-1))
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
