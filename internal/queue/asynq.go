package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/iago/docpipe/internal/domain"
)

const TaskTypeProcessDocument = "document:process"

type AsynqConfig struct {
	Addr          string
	Password      string
	DB            int
	Queue         string
	MaxDeliveries int
	Concurrency   int
	// RetryDelay is multiplied by the retry count; zero keeps asynq's default backoff.
	RetryDelay           time.Duration
	DelayedCheckInterval time.Duration
	ShutdownTimeout      time.Duration
}

// AsynqQueue delegates leasing, retries and archiving to hibiken/asynq.
// The task id is the job id, so a second enqueue of a live job is a no-op.
type AsynqQueue struct {
	redisOpt asynq.RedisClientOpt
	client   *asynq.Client
	cfg      AsynqConfig
	logger   *log.Logger
}

func NewAsynqQueue(cfg AsynqConfig, logger *log.Logger) (*AsynqQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Queue == "" {
		cfg.Queue = "documents"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	return &AsynqQueue{
		redisOpt: redisOpt,
		client:   asynq.NewClient(redisOpt),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

func (q *AsynqQueue) Enqueue(ctx context.Context, message domain.JobMessage) error {
	if message.RequestedAt.IsZero() {
		message.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}

	task := asynq.NewTask(TaskTypeProcessDocument, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.cfg.Queue),
		asynq.TaskID(message.JobID),
		asynq.MaxRetry(q.cfg.MaxDeliveries-1),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logf(q.logger, "asynq task already queued job_id=%s", message.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Consume runs an asynq server until ctx is done. Handlers do not inherit ctx:
// on shutdown asynq waits ShutdownTimeout for them and then requeues whatever
// is still running without spending a retry.
func (q *AsynqQueue) Consume(ctx context.Context, handler Handler) error {
	config := asynq.Config{
		Concurrency:     q.cfg.Concurrency,
		Queues:          map[string]int{q.cfg.Queue: 1},
		ShutdownTimeout: q.cfg.ShutdownTimeout,
		Logger:          asynqLogger{logger: q.logger},
		LogLevel:        asynq.WarnLevel,
	}
	if q.cfg.DelayedCheckInterval > 0 {
		config.DelayedTaskCheckInterval = q.cfg.DelayedCheckInterval
	}
	if q.cfg.RetryDelay > 0 {
		delay := q.cfg.RetryDelay
		config.RetryDelayFunc = func(n int, _ error, _ *asynq.Task) time.Duration {
			return time.Duration(n+1) * delay
		}
	}

	server := asynq.NewServer(q.redisOpt, config)
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeProcessDocument, func(taskCtx context.Context, task *asynq.Task) error {
		var message domain.JobMessage
		if err := json.Unmarshal(task.Payload(), &message); err != nil {
			return fmt.Errorf("decode job message: %v: %w", err, asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(taskCtx)
		maxRetry, _ := asynq.GetMaxRetry(taskCtx)
		message.Attempt = retried
		message.LastDelivery = retried >= maxRetry
		return handler(taskCtx, message)
	})

	if err := server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	server.Shutdown()
	return ctx.Err()
}

// DeadLetterCount reports archived tasks in the configured queue.
func (q *AsynqQueue) DeadLetterCount() (int, error) {
	inspector := asynq.NewInspector(q.redisOpt)
	defer inspector.Close()
	info, err := inspector.GetQueueInfo(q.cfg.Queue)
	if err != nil {
		return 0, fmt.Errorf("queue info: %w", err)
	}
	return info.Archived, nil
}

type asynqLogger struct {
	logger *log.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.print("debug", args) }
func (l asynqLogger) Info(args ...interface{})  { l.print("info", args) }
func (l asynqLogger) Warn(args ...interface{})  { l.print("warn", args) }
func (l asynqLogger) Error(args ...interface{}) { l.print("error", args) }
func (l asynqLogger) Fatal(args ...interface{}) { l.print("fatal", args) }

func (l asynqLogger) print(level string, args []interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("asynq level=%s msg=%q", level, fmt.Sprint(args...))
}
