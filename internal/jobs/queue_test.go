package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func newTestQueue(t *testing.T, runner *Runner) *Queue {
	t.Helper()
	q := &Queue{runner: runner, logger: log.New(io.Discard, "", 0)}
	return q
}

func jobTask(t *testing.T, payload TaskPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeJob, body)
}

func TestHandleTaskExecutesPendingJob(t *testing.T) {
	reg, runner := newTestRunner(WithDispatcher(dispatchFunc(func(ctx context.Context, kind Kind, id string) error {
		return nil
	})))
	q := newTestQueue(t, runner)
	rec, _ := reg.Create(KindSingleImageDetection, OwnerRef{ModelID: "m-1"})

	done := make(chan Record, 1)
	err := runner.Submit(context.Background(), KindSingleImageDetection, rec.ID, Task{
		Run: func(ctx context.Context, h *Handle) (any, error) {
			return map[string]int{"detections": 2}, nil
		},
		Done: func(r Record) { done <- r },
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	task := jobTask(t, TaskPayload{JobID: rec.ID, Kind: KindSingleImageDetection})
	if err := q.handleTask(context.Background(), task); err != nil {
		t.Fatalf("handleTask returned error: %v", err)
	}

	final := waitDone(t, done)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	result, ok := final.Result.(map[string]int)
	if !ok || result["detections"] != 2 {
		t.Fatalf("unexpected result: %#v", final.Result)
	}
}

func TestHandleTaskRejectsBadPayload(t *testing.T) {
	_, runner := newTestRunner()
	q := newTestQueue(t, runner)

	tests := []struct {
		name string
		task *asynq.Task
	}{
		{"malformed json", asynq.NewTask(taskTypeJob, []byte("{"))},
		{"missing job id", jobTask(t, TaskPayload{Kind: KindTraining})},
		{"unknown job", jobTask(t, TaskPayload{JobID: "nope", Kind: KindTraining})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.handleTask(context.Background(), tt.task)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, asynq.SkipRetry) {
				t.Fatalf("expected SkipRetry, got %v", err)
			}
		})
	}
}

func TestNewQueueValidation(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	_, runner := newTestRunner()

	if _, err := NewQueue("redis://127.0.0.1:6379/0", nil, 1, logger); err == nil {
		t.Fatal("expected error for nil runner")
	}
	if _, err := NewQueue("://bad", runner, 1, logger); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestDispatchFailures(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	reg, runner := newTestRunner()
	q, err := NewQueue("redis://127.0.0.1:1/0", runner, 1, logger)
	if err != nil {
		t.Fatalf("NewQueue returned error: %v", err)
	}
	t.Cleanup(func() { _ = q.client.Close() })
	runner.SetDispatcher(q)

	if err := q.Dispatch(context.Background(), KindTraining, ""); err == nil {
		t.Fatal("expected error for empty job id")
	}

	rec, _ := reg.Create(KindTraining, OwnerRef{})
	done := make(chan Record, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = runner.Submit(ctx, KindTraining, rec.ID, Task{
		Run:  func(ctx context.Context, h *Handle) (any, error) { return nil, nil },
		Done: func(r Record) { done <- r },
	})
	if err == nil {
		t.Fatal("expected dispatch error for unreachable redis")
	}

	final := waitDone(t, done)
	if final.Status != StatusFailed || final.Error == nil || final.Error.Code != "DISPATCH_FAILED" {
		t.Fatalf("unexpected final record: %#v", final)
	}
}
