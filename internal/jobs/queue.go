package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	taskTypeJob = "catalog:job"
	queueName   = "jobs"
)

// Queue は Asynq を使ってジョブの実行を Redis 経由で配送する Dispatcher です。
// ジョブ本体は投入元プロセスの Runner が保持するため、同一プロセス内でワーカーを起動します。
type Queue struct {
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	runner  *Runner
	timeout time.Duration
	logger  *log.Logger
}

// TaskPayload はジョブ配送のペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
	Kind  Kind   `json:"kind"`
}

// NewQueue は Queue を初期化します。
func NewQueue(redisURL string, runner *Runner, concurrency int, logger *log.Logger) (*Queue, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
			Logger: asynqLogger{logger},
		},
	)

	mux := asynq.NewServeMux()
	q := &Queue{
		client:  client,
		server:  server,
		mux:     mux,
		runner:  runner,
		timeout: 24 * time.Hour,
		logger:  logger,
	}
	mux.HandleFunc(taskTypeJob, q.handleTask)
	return q, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (q *Queue) StartWorkers() {
	go func() {
		if err := q.server.Run(q.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			q.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.server.Shutdown()
	return q.client.Close()
}

// Dispatch はジョブをキューに投入します。
func (q *Queue) Dispatch(ctx context.Context, kind Kind, id string) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	body, err := json.Marshal(TaskPayload{JobID: id, Kind: kind})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeJob, body, asynq.Queue(queueName))
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(q.timeout))
	if err != nil {
		return err
	}
	q.logger.Printf("job enqueued kind=%s job=%s task=%s", kind, id, info.ID)
	return nil
}

func (q *Queue) handleTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	if err := q.runner.Execute(ctx, payload.Kind, payload.JobID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

// asynqLogger は asynq のログを標準ロガーへ流します。
type asynqLogger struct {
	l *log.Logger
}

func (a asynqLogger) Debug(args ...any) {}
func (a asynqLogger) Info(args ...any)  { a.l.Print(append([]any{"asynq: "}, args...)...) }
func (a asynqLogger) Warn(args ...any)  { a.l.Print(append([]any{"asynq warn: "}, args...)...) }
func (a asynqLogger) Error(args ...any) { a.l.Print(append([]any{"asynq error: "}, args...)...) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal(append([]any{"asynq fatal: "}, args...)...) }
