// Package models は学習済みモデルのメタデータを管理し、スナップショットとして永続化します。
package models

import (
	"errors"
	"time"

	"github.com/yourusername/catalog-vision/internal/detection"
)

// Status はモデルの状態です。
type Status string

const (
	StatusPending  Status = "pending"
	StatusTraining Status = "training"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

var (
	ErrNotFound         = errors.New("model not found")
	ErrDatasetSizesSet  = errors.New("model dataset sizes already recorded")
	ErrSnapshotNotFound = errors.New("model snapshot not found")
	ErrInvalidStatus    = errors.New("invalid model status transition")
)

// Record はモデルのメタデータです。
type Record struct {
	ModelID     string                   `json:"model_id"`
	Name        string                   `json:"name"`
	Status      Status                   `json:"status"`
	CreatedAt   time.Time                `json:"created_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	TrainSize   int                      `json:"train_size"`
	ValSize     int                      `json:"val_size"`
	Classes     []string                 `json:"classes"`
	Metrics     map[string]float64       `json:"metrics,omitempty"`
	Config      detection.TrainingConfig `json:"config"`
	BaseModel   string                   `json:"base_model,omitempty"`
	Iterations  int                      `json:"iterations,omitempty"`
	JobID       string                   `json:"job_id,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

func (r *Record) clone() Record {
	out := *r
	out.Classes = append([]string{}, r.Classes...)
	if r.Metrics != nil {
		out.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			out.Metrics[k] = v
		}
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func seedModels() []Record {
	return []Record{
		{
			ModelID:    "6fa459ea-ee8a-3ca4-894e-db77e160355e",
			Name:       "Modelo Produto Padrão",
			Status:     StatusReady,
			CreatedAt:  time.Date(2023, 10, 15, 14, 30, 0, 0, time.UTC),
			BaseModel:  "faster_rcnn_R_50_FPN_3x",
			Iterations: 1000,
			Classes:    []string{"produto"},
			Metrics: map[string]float64{
				"accuracy":  0.92,
				"precision": 0.89,
				"recall":    0.94,
			},
			Config: detection.TrainingConfig{BaseModel: "faster_rcnn_R_50_FPN_3x", MaxIter: 1000},
		},
		{
			ModelID:    "7fa459ea-ee8a-3ca4-894e-db77e160355e",
			Name:       "Modelo Multiclasse",
			Status:     StatusReady,
			CreatedAt:  time.Date(2023, 11, 20, 10, 15, 0, 0, time.UTC),
			BaseModel:  "mask_rcnn_R_101_FPN_3x",
			Iterations: 2500,
			Classes:    []string{"produto", "etiqueta", "preço"},
			Metrics: map[string]float64{
				"accuracy":  0.88,
				"precision": 0.85,
				"recall":    0.90,
			},
			Config: detection.TrainingConfig{BaseModel: "mask_rcnn_R_101_FPN_3x", MaxIter: 2500},
		},
	}
}
