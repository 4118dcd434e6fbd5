package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	QueueBackendLocal = "local"
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port           string
	MaxUploadBytes int64

	DatabaseURL string
	SQLitePath  string
	BlobDir     string

	QueueBackend             string
	QueueVisibilityTimeoutMS int
	QueueBlockMS             int
	QueueMaxDeliveries       int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string
	AsynqQueue    string

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	AnalysisAPIKey           string
	AnalysisBaseURL          string
	AnalysisModel            string
	AnalysisPrompt           string
	AnalysisTimeoutMS        int
	AnalysisRPS              float64
	AnalysisMaxAttempts      int
	AnalysisBackoffInitialMS int
	AnalysisBackoffMaxMS     int
	AnalysisRetryBudgetMS    int

	PdftoppmPath   string
	RasterDPI      int
	RasterMaxPages int

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	WorkerEnabled          bool
	WorkerConcurrency      int
	SweepIntervalSeconds   int
	SweepStaleAfterSeconds int
	SweepStuckAfterSeconds int
}

func Load() Config {
	return Config{
		Port:           getEnv("PORT", "8080"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),
		BlobDir:     getEnv("BLOB_DIR", "/mnt/uploads"),

		QueueBackend:             strings.ToLower(getEnv("QUEUE_BACKEND", QueueBackendLocal)),
		QueueVisibilityTimeoutMS: getEnvInt("QUEUE_VISIBILITY_TIMEOUT_MS", 300000),
		QueueBlockMS:             getEnvInt("QUEUE_BLOCK_MS", 2000),
		QueueMaxDeliveries:       getEnvInt("QUEUE_MAX_DELIVERIES", 3),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "docpipe_jobs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "docpipe_jobs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "docpipe_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", defaultConsumerName()),
		AsynqQueue:    getEnv("ASYNQ_QUEUE", "documents"),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		AnalysisAPIKey:           getEnv("ANALYSIS_API_KEY", ""),
		AnalysisBaseURL:          getEnv("ANALYSIS_BASE_URL", ""),
		AnalysisModel:            getEnv("ANALYSIS_MODEL", ""),
		AnalysisPrompt:           getEnv("ANALYSIS_PROMPT", ""),
		AnalysisTimeoutMS:        getEnvInt("ANALYSIS_TIMEOUT_MS", 60000),
		AnalysisRPS:              getEnvFloat("ANALYSIS_RPS", 0),
		AnalysisMaxAttempts:      getEnvInt("ANALYSIS_MAX_ATTEMPTS", 3),
		AnalysisBackoffInitialMS: getEnvInt("ANALYSIS_BACKOFF_INITIAL_MS", 1000),
		AnalysisBackoffMaxMS:     getEnvInt("ANALYSIS_BACKOFF_MAX_MS", 8000),
		AnalysisRetryBudgetMS:    getEnvInt("ANALYSIS_RETRY_BUDGET_MS", 30000),

		PdftoppmPath:   getEnv("PDFTOPPM_PATH", "pdftoppm"),
		RasterDPI:      getEnvInt("RASTER_DPI", 150),
		RasterMaxPages: getEnvInt("RASTER_MAX_PAGES", 0),

		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		WorkerEnabled:          getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:      getEnvInt("WORKER_CONCURRENCY", 2),
		SweepIntervalSeconds:   getEnvInt("SWEEP_INTERVAL_SECONDS", 60),
		SweepStaleAfterSeconds: getEnvInt("SWEEP_STALE_AFTER_SECONDS", 120),
		SweepStuckAfterSeconds: getEnvInt("SWEEP_STUCK_AFTER_SECONDS", 1800),
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return host
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
