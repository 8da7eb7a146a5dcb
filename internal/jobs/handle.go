package jobs

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled はキャンセル要求を検知したワーカーが返すエラーです。
var ErrCancelled = errors.New("job cancelled")

// Handle はワーカーが自身のジョブレコードへ進捗とログを書き込むための窓口です。
// ワーカーは与えられた Handle 以外のレコードに触れません。
type Handle struct {
	reg  *Registry
	kind Kind
	id   string
}

// NewHandle は Handle を作成します。
func NewHandle(reg *Registry, kind Kind, id string) *Handle {
	return &Handle{reg: reg, kind: kind, id: id}
}

// ID はジョブIDを返します。
func (h *Handle) ID() string { return h.id }

// Kind はジョブ種別を返します。
func (h *Handle) Kind() Kind { return h.kind }

// Logf はログを1行追加します。
func (h *Handle) Logf(format string, args ...any) {
	if _, err := h.reg.AppendLog(h.kind, h.id, fmt.Sprintf(format, args...)); err != nil {
		h.reg.logger.Printf("failed to append log kind=%s job=%s: %v", h.kind, h.id, err)
	}
}

// Progress は進捗ステップを更新します。
func (h *Handle) Progress(current, total int) {
	if _, err := h.reg.UpdateProgress(h.kind, h.id, current, total); err != nil {
		h.reg.logger.Printf("failed to update progress kind=%s job=%s: %v", h.kind, h.id, err)
	}
}

// Checkpoint は協調的キャンセルの確認点です。
// キャンセル要求またはコンテキスト終了を検知した場合にエラーを返します。
func (h *Handle) Checkpoint(ctx context.Context) error {
	rec, err := h.reg.Get(h.kind, h.id)
	if err != nil {
		return err
	}
	if rec.CancelRequested {
		return ErrCancelled
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Record は現在のレコードのコピーを返します。
func (h *Handle) Record() (Record, error) {
	return h.reg.Get(h.kind, h.id)
}
