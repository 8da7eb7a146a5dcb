// Package apperr はサービス全体で共通のエラー分類を提供します。
package apperr

import (
	"errors"
	"fmt"
)

// Kind はエラーの分類です。
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindUpstream      Kind = "upstream"
	KindWorkerFailure Kind = "worker_failure"
)

// Error は利用者に返すメッセージと内部原因を分けて保持します。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation は入力不備のエラーを作成します。ジョブは作成されません。
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: "INVALID_INPUT", Message: message}
}

// NotFound は対象が存在しない場合のエラーを作成します。
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Upstream は外部コラボレーター呼び出しの失敗を表します。
func Upstream(message string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: "UPSTREAM_ERROR", Message: message, Err: err}
}

// WorkerFailure はジョブ実行中の失敗を表します。
func WorkerFailure(code, message string, err error) *Error {
	if code == "" {
		code = "WORKER_FAILURE"
	}
	return &Error{Kind: KindWorkerFailure, Code: code, Message: message, Err: err}
}

// KindOf は err に含まれる Error の分類を返します。該当しない場合は空文字です。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// Is は err が指定した分類の Error を含むかを返します。
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
