// Package jobs は非同期ジョブの登録・実行・状態管理を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

// Work はジョブ本体です。戻り値の結果は Completed 時に Record.Result へ保存されます。
type Work func(ctx context.Context, h *Handle) (any, error)

// Task は実行単位です。Done は終端状態の書き込み後に呼ばれます。
type Task struct {
	Run  Work
	Done func(Record)
}

// Dispatcher はジョブの実行開始を担います。nil の場合 Runner がジョブごとに goroutine を起動します。
type Dispatcher interface {
	Dispatch(ctx context.Context, kind Kind, id string) error
}

type taskKey struct {
	kind Kind
	id   string
}

// Runner はワーカーの寿命を追跡し、panic やエラーをジョブレコードへ反映します。
type Runner struct {
	reg     *Registry
	logger  *log.Logger
	timeout time.Duration

	mu         sync.Mutex
	dispatcher Dispatcher
	pending    map[taskKey]Task
	running    map[taskKey]context.CancelFunc
	wg         sync.WaitGroup
}

// RunnerOption は Runner の設定を変更します。
type RunnerOption func(*Runner)

// WithJobTimeout はジョブ全体の実行時間上限を設定します。0 は無制限です。
func WithJobTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDispatcher は実行開始の方式を差し替えます。
func WithDispatcher(d Dispatcher) RunnerOption {
	return func(r *Runner) {
		r.dispatcher = d
	}
}

// NewRunner は Runner を作成します。
func NewRunner(reg *Registry, logger *log.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	r := &Runner{
		reg:     reg,
		logger:  logger,
		pending: make(map[taskKey]Task),
		running: make(map[taskKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDispatcher は実行開始の方式を設定します。
func (r *Runner) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatcher = d
}

// Registry は管理対象の Registry を返します。
func (r *Runner) Registry() *Registry {
	return r.reg
}

// Submit は登録済みジョブの実行を開始します。完了を待たずに戻ります。
func (r *Runner) Submit(ctx context.Context, kind Kind, id string, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task.Run is required")
	}
	key := taskKey{kind: kind, id: id}

	r.mu.Lock()
	r.pending[key] = task
	dispatcher := r.dispatcher
	r.mu.Unlock()

	if dispatcher == nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.Execute(context.Background(), kind, id); err != nil {
				r.logger.Printf("job execution aborted kind=%s job=%s: %v", kind, id, err)
			}
		}()
		return nil
	}

	if err := dispatcher.Dispatch(ctx, kind, id); err != nil {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		r.finish(kind, id, task, &ErrorInfo{
			Code:    "DISPATCH_FAILED",
			Message: "ジョブの投入に失敗しました。",
		})
		return apperr.Upstream("ジョブの投入に失敗しました。", err)
	}
	return nil
}

// Execute は保留中のタスクを取り出し、呼び出し元の goroutine で実行します。
// ジョブ自体の失敗はレコードへ記録され、戻り値は基盤側の異常のみを表します。
func (r *Runner) Execute(ctx context.Context, kind Kind, id string) error {
	key := taskKey{kind: kind, id: id}

	r.mu.Lock()
	task, ok := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending task kind=%s job=%s", ErrNotFound, kind, id)
	}

	var cancel context.CancelFunc
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r.mu.Lock()
	r.running[key] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.running, key)
		r.mu.Unlock()
	}()

	started, err := r.reg.Update(kind, id, func(rec *Record) error {
		if rec.CancelRequested {
			return ErrCancelled
		}
		rec.Status = StatusProcessing
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			r.finish(kind, id, task, cancelledInfo())
			return nil
		}
		return err
	}
	r.logger.Printf("job started kind=%s job=%s", kind, started.ID)

	h := NewHandle(r.reg, kind, id)
	result, runErr := r.run(ctx, task.Run, h)
	if runErr != nil {
		r.finish(kind, id, task, r.errorInfo(ctx, kind, id, runErr))
		return nil
	}

	rec, err := r.reg.MarkCompleted(kind, id, result)
	if err != nil {
		r.logger.Printf("failed to complete job kind=%s job=%s: %v", kind, id, err)
	} else {
		r.logger.Printf("job completed kind=%s job=%s", kind, id)
	}
	if task.Done != nil {
		task.Done(rec)
	}
	return nil
}

// Cancel はキャンセルを要求します。実行中であればコンテキストも取り消します。
func (r *Runner) Cancel(kind Kind, id string) (Record, error) {
	rec, err := r.reg.RequestCancel(kind, id)
	if err != nil {
		return rec, err
	}
	r.mu.Lock()
	cancel, ok := r.running[taskKey{kind: kind, id: id}]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return rec, nil
}

// Active は実行中のジョブ数を返します。
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Wait はローカル起動したワーカーがすべて終了するまで待ちます。
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown は実行中のジョブを取り消し、ワーカーの終了を待ちます。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *Runner) run(ctx context.Context, work Work, h *Handle) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("job panicked kind=%s job=%s: %v\n%s", h.kind, h.id, p, debug.Stack())
			result = nil
			err = apperr.WorkerFailure("WORKER_PANIC", "ジョブの実行中に予期しないエラーが発生しました。", fmt.Errorf("panic: %v", p))
		}
	}()
	return work(ctx, h)
}

func (r *Runner) finish(kind Kind, id string, task Task, info *ErrorInfo) {
	rec, err := r.reg.MarkFailed(kind, id, info)
	if err != nil {
		r.logger.Printf("failed to mark job failed kind=%s job=%s: %v", kind, id, err)
		if current, getErr := r.reg.Get(kind, id); getErr == nil {
			rec = current
		}
	} else {
		r.logger.Printf("job failed kind=%s job=%s code=%s", kind, id, info.Code)
	}
	if task.Done != nil {
		task.Done(rec)
	}
}

func (r *Runner) errorInfo(ctx context.Context, kind Kind, id string, err error) *ErrorInfo {
	if errors.Is(err, ErrCancelled) {
		return cancelledInfo()
	}
	if errors.Is(err, context.Canceled) {
		if rec, getErr := r.reg.Get(kind, id); getErr == nil && rec.CancelRequested {
			return cancelledInfo()
		}
		r.logger.Printf("job aborted kind=%s job=%s: %v", kind, id, err)
		return &ErrorInfo{Code: "JOB_ABORTED", Message: "ジョブの実行が中断されました。"}
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
		return &ErrorInfo{Code: "JOB_TIMEOUT", Message: "ジョブの実行時間が上限を超えました。"}
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		r.logger.Printf("job error kind=%s job=%s: %v", kind, id, err)
		code := appErr.Code
		if appErr.Kind != apperr.KindWorkerFailure {
			code = "WORKER_FAILURE"
		}
		return &ErrorInfo{Code: code, Message: appErr.Message}
	}
	r.logger.Printf("job error kind=%s job=%s: %v", kind, id, err)
	return &ErrorInfo{Code: "WORKER_FAILURE", Message: err.Error()}
}

func cancelledInfo() *ErrorInfo {
	return &ErrorInfo{Code: "JOB_CANCELLED", Message: "ジョブはキャンセルされました。"}
}
