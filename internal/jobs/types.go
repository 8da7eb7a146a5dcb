package jobs

import (
	"errors"
	"time"
)

// Kind はジョブの種別です。種別ごとに ID の名前空間が分かれます。
type Kind string

const (
	KindTraining             Kind = "training"
	KindSingleImageDetection Kind = "image_detection"
	KindCatalogDetection     Kind = "catalog_detection"
)

// Kinds は登録されている全種別を検索順で返します。
func Kinds() []Kind {
	return []Kind{KindTraining, KindSingleImageDetection, KindCatalogDetection}
}

// ParseKind は文字列から Kind を取得します。
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition は s から to への遷移が前進方向かどうかを返します。
// 同一状態への更新（進捗のみの書き込み）は非終端状態でのみ許可します。
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusPending || to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrTerminal          = errors.New("job already in terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrDuplicateID       = errors.New("job id already exists")
)

// OwnerRef はジョブが紐づく上位リソースです。
type OwnerRef struct {
	CatalogID string `json:"catalogId,omitempty"`
	ModelID   string `json:"modelId,omitempty"`
}

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Percentage  float64  `json:"percentage"`
	CurrentStep int      `json:"currentStep"`
	TotalSteps  int      `json:"totalSteps"`
	ETASeconds  *float64 `json:"etaSeconds,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
// Result と Error は終端状態でのみ、どちらか一方だけが設定されます。
type Record struct {
	ID              string       `json:"jobId"`
	Kind            Kind         `json:"kind"`
	Status          Status       `json:"status"`
	Owner           OwnerRef     `json:"owner"`
	Progress        ProgressInfo `json:"progress"`
	Log             []string     `json:"log"`
	Error           *ErrorInfo   `json:"error,omitempty"`
	Result          any          `json:"result,omitempty"`
	CancelRequested bool         `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// AppendLog はログを末尾に追加します。上限超過分は Registry が古い順に捨てます。
func (r *Record) AppendLog(line string) {
	r.Log = append(r.Log, line)
}

// clone は呼び出し元へ渡すためのコピーを作ります。
// Result は完了後に変更されない前提で共有します。
func (r *Record) clone() Record {
	out := *r
	out.Log = append([]string{}, r.Log...)
	if r.Error != nil {
		errCopy := *r.Error
		out.Error = &errCopy
	}
	if r.Progress.ETASeconds != nil {
		eta := *r.Progress.ETASeconds
		out.Progress.ETASeconds = &eta
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
