package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/catalog-vision/internal/detection"
)

const saveTimeout = 5 * time.Second

// Registry はモデルのメタデータをメモリ上に保持し、変更のたびにスナップショットを保存します。
// スナップショットの保存失敗はログにのみ残し、呼び出し元の操作は失敗させません。
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Record

	saveMu       sync.Mutex
	store        SnapshotStore
	artifactsDir string
	now          func() time.Time
	logger       *log.Logger
}

// NewRegistry は Registry を作成します。artifactsDir 配下の <modelId> ディレクトリがモデルの成果物です。
func NewRegistry(store SnapshotStore, artifactsDir string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		models:       make(map[string]*Record),
		store:        store,
		artifactsDir: artifactsDir,
		now:          time.Now,
		logger:       logger,
	}
}

// Load はスナップショットから復元します。スナップショットがない場合はサンプルモデルを登録します。
func (r *Registry) Load(ctx context.Context) error {
	var records []Record
	data, err := r.store.Load(ctx)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		r.logger.Printf("model snapshot not found, seeding default models")
		records = seedModels()
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("failed to parse model snapshot: %w", err)
		}
	}

	r.mu.Lock()
	r.models = make(map[string]*Record, len(records))
	for i := range records {
		rec := records[i]
		if rec.ModelID == "" {
			continue
		}
		if rec.Classes == nil {
			rec.Classes = []string{}
		}
		r.models[rec.ModelID] = &rec
	}
	count := len(r.models)
	r.mu.Unlock()

	r.logger.Printf("loaded %d models", count)
	if errors.Is(err, ErrSnapshotNotFound) {
		r.persist()
	}
	return nil
}

// Create は Pending 状態のモデルを登録します。
func (r *Registry) Create(name string, cfg detection.TrainingConfig, jobID string) Record {
	rec := &Record{
		ModelID:    uuid.NewString(),
		Name:       strings.TrimSpace(name),
		Status:     StatusPending,
		CreatedAt:  r.now().UTC(),
		Classes:    []string{},
		Config:     cfg,
		BaseModel:  cfg.BaseModel,
		Iterations: cfg.MaxIter,
		JobID:      jobID,
	}
	r.mu.Lock()
	r.models[rec.ModelID] = rec
	out := rec.clone()
	r.mu.Unlock()

	r.persist()
	return out
}

// MarkTraining はモデルを Training に遷移させます。
func (r *Registry) MarkTraining(id string) (Record, error) {
	return r.update(id, func(rec *Record) error {
		if rec.Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, rec.Status, StatusTraining)
		}
		rec.Status = StatusTraining
		return nil
	})
}

// SetDatasetSizes は学習・検証サンプル数とクラス一覧を記録します。記録は1度だけです。
func (r *Registry) SetDatasetSizes(id string, trainSize, valSize int, classes []string) (Record, error) {
	return r.update(id, func(rec *Record) error {
		if rec.TrainSize != 0 || rec.ValSize != 0 {
			return ErrDatasetSizesSet
		}
		rec.TrainSize = trainSize
		rec.ValSize = valSize
		rec.Classes = append([]string{}, classes...)
		return nil
	})
}

// MarkReady はモデルを Ready に遷移させ、評価指標を保存します。
func (r *Registry) MarkReady(id string, metrics map[string]float64) (Record, error) {
	return r.update(id, func(rec *Record) error {
		if rec.Status != StatusTraining {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, rec.Status, StatusReady)
		}
		rec.Status = StatusReady
		rec.Metrics = metrics
		rec.Error = ""
		completed := r.now().UTC()
		rec.CompletedAt = &completed
		return nil
	})
}

// MarkFailed はモデルを Failed に遷移させます。
func (r *Registry) MarkFailed(id, message string) (Record, error) {
	return r.update(id, func(rec *Record) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, rec.Status, StatusFailed)
		}
		rec.Status = StatusFailed
		rec.Error = message
		completed := r.now().UTC()
		rec.CompletedAt = &completed
		return nil
	})
}

// Get はモデルのコピーを返します。
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.models[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

// List はモデルを作成日時の新しい順で返します。
func (r *Registry) List() []Record {
	out := r.snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete はモデルを削除し、成果物ディレクトリも削除します。
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	if _, ok := r.models[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.models, id)
	r.mu.Unlock()

	if dir := r.artifactDir(id); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Printf("failed to remove model artifacts model=%s: %v", id, err)
		}
	}
	r.persist()
	return nil
}

// ArtifactDir はモデルの成果物ディレクトリを返します。
func (r *Registry) ArtifactDir(id string) string {
	return r.artifactDir(id)
}

func (r *Registry) artifactDir(id string) string {
	if r.artifactsDir == "" || id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return ""
	}
	return filepath.Join(r.artifactsDir, id)
}

func (r *Registry) update(id string, mutate func(*Record) error) (Record, error) {
	r.mu.Lock()
	rec, ok := r.models[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, ErrNotFound
	}
	next := rec.clone()
	if err := mutate(&next); err != nil {
		r.mu.Unlock()
		return rec.clone(), err
	}
	*rec = next
	out := rec.clone()
	r.mu.Unlock()

	r.persist()
	return out, nil
}

func (r *Registry) snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.models))
	for _, rec := range r.models {
		out = append(out, rec.clone())
	}
	return out
}

// persist は現在の状態全体を保存します。
// 保存処理を直列化し、ロック取得後に状態を複製するため古い状態で上書きしません。
func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	records := r.snapshot()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		r.logger.Printf("failed to encode model snapshot: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, data); err != nil {
		r.logger.Printf("failed to save model snapshot: %v", err)
	}
}
