package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/apperr"
	"github.com/yourusername/catalog-vision/internal/dataset"
	"github.com/yourusername/catalog-vision/internal/detection"
	"github.com/yourusername/catalog-vision/internal/jobs"
	"github.com/yourusername/catalog-vision/internal/models"
)

// TrainingRequest は学習ジョブの投入パラメータです。
type TrainingRequest struct {
	Name       string                   `json:"name"`
	CatalogIDs []string                 `json:"catalog_ids"`
	Preset     string                   `json:"preset,omitempty"`
	Config     detection.TrainingConfig `json:"config"`
}

// TrainingStarted は学習ジョブ投入の応答です。
type TrainingStarted struct {
	JobID   string      `json:"jobId"`
	ModelID string      `json:"modelId"`
	Status  jobs.Status `json:"status"`
}

// TrainingResult は学習ジョブの結果です。
type TrainingResult struct {
	ModelID   string             `json:"model_id"`
	TrainSize int                `json:"train_size"`
	ValSize   int                `json:"val_size"`
	Classes   []string           `json:"classes"`
	Metrics   map[string]float64 `json:"metrics"`
}

// TrainingStatus は学習ジョブの状態とモデルの概要です。
type TrainingStatus struct {
	Job   jobs.Record    `json:"job"`
	Model *models.Record `json:"model,omitempty"`
}

const artifactFilename = "model_final.json"

// defaultModelName は名前が省略されたモデルの表示名です。
func defaultModelName(now time.Time) string {
	return fmt.Sprintf("Modelo %s", now.Format("2006-01-02 15:04"))
}

// StartTraining はモデルを登録し、学習ジョブを開始します。完了は待ちません。
func (s *Service) StartTraining(ctx context.Context, req TrainingRequest) (*TrainingStarted, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultModelName(time.Now())
	}
	catalogIDs := make([]string, 0, len(req.CatalogIDs))
	for _, id := range req.CatalogIDs {
		if id = strings.TrimSpace(id); id != "" {
			catalogIDs = append(catalogIDs, id)
		}
	}
	if len(catalogIDs) == 0 {
		return nil, apperr.Validation("学習に使うカタログを1つ以上指定してください。")
	}
	cfg, err := s.presets.Resolve(req.Preset, req.Config)
	if err != nil {
		return nil, apperr.Validation("指定されたプリセットは存在しません。")
	}

	jobID := uuid.NewString()
	model := s.models.Create(name, cfg, jobID)
	rec, err := s.jobs.CreateWithID(jobs.KindTraining, jobID, jobs.OwnerRef{ModelID: model.ModelID})
	if err != nil {
		if _, markErr := s.models.MarkFailed(model.ModelID, "学習ジョブを作成できませんでした。"); markErr != nil {
			s.logger.Printf("failed to mark model failed model=%s: %v", model.ModelID, markErr)
		}
		return nil, err
	}

	task := jobs.Task{
		Run: func(ctx context.Context, h *jobs.Handle) (any, error) {
			return s.runTraining(ctx, h, model.ModelID, catalogIDs, cfg)
		},
		Done: func(final jobs.Record) {
			s.finishTraining(model.ModelID, final)
		},
	}
	if err := s.runner.Submit(ctx, jobs.KindTraining, rec.ID, task); err != nil {
		return nil, err
	}
	s.logger.Printf("training job created job=%s model=%s catalogs=%d", rec.ID, model.ModelID, len(catalogIDs))
	return &TrainingStarted{JobID: rec.ID, ModelID: model.ModelID, Status: rec.Status}, nil
}

// TrainingStatus は学習ジョブとモデルの状態を返します。
func (s *Service) TrainingStatus(id string) (*TrainingStatus, error) {
	rec, err := s.Job(jobs.KindTraining, id)
	if err != nil {
		return nil, err
	}
	out := &TrainingStatus{Job: rec}
	if rec.Owner.ModelID != "" {
		if model, err := s.models.Get(rec.Owner.ModelID); err == nil {
			out.Model = &model
		}
	}
	return out, nil
}

func (s *Service) runTraining(ctx context.Context, h *jobs.Handle, modelID string, catalogIDs []string, cfg detection.TrainingConfig) (any, error) {
	if _, err := s.models.MarkTraining(modelID); err != nil {
		return nil, apperr.WorkerFailure("MODEL_STATE_ERROR", "モデルの状態を更新できませんでした。", err)
	}
	h.Logf("学習を開始しました（%s, %d イテレーション）", cfg.BaseModel, cfg.MaxIter)

	samples, err := s.collectSamples(ctx, h, catalogIDs)
	if err != nil {
		return nil, err
	}

	splitter := dataset.NewSplitter(s.opts.SplitRatio, s.opts.SplitSeed, s.pages, s.logger)
	split, err := splitter.Split(ctx, samples)
	if err != nil {
		return nil, err
	}
	if split.Excluded > 0 {
		h.Logf("画像が見つからないため %d 件のサンプルを除外しました", split.Excluded)
	}
	if len(split.Train) == 0 {
		return nil, apperr.WorkerFailure("NO_TRAINING_DATA", "学習に使えるアノテーションが見つかりませんでした。", nil)
	}
	if _, err := s.models.SetDatasetSizes(modelID, len(split.Train), len(split.Val), split.Classes); err != nil && !errors.Is(err, models.ErrDatasetSizesSet) {
		s.logger.Printf("failed to record dataset sizes model=%s: %v", modelID, err)
	}
	h.Logf("学習データ %d 件、検証データ %d 件、クラス %s", len(split.Train), len(split.Val), strings.Join(split.Classes, ", "))

	logEvery := s.opts.TrainingLogEvery
	metrics, err := s.trainer.Train(ctx, cfg, split, func(iteration, total int, loss float64) error {
		h.Progress(iteration, total)
		if iteration%logEvery == 0 || iteration == total {
			h.Logf("iteration %d/%d - loss %.4f", iteration, total, loss)
		}
		return h.Checkpoint(ctx)
	})
	if err != nil {
		if errors.Is(err, jobs.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.WorkerFailure("TRAINING_FAILED", "モデルの学習に失敗しました。", err)
	}

	if _, err := s.models.MarkReady(modelID, metrics); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, apperr.WorkerFailure("MODEL_DELETED", "学習中にモデルが削除されました。", err)
		}
		return nil, apperr.WorkerFailure("MODEL_STATE_ERROR", "モデルの状態を更新できませんでした。", err)
	}
	if err := s.writeArtifact(modelID, cfg, split, metrics); err != nil {
		s.logger.Printf("failed to write model artifact model=%s: %v", modelID, err)
	}
	h.Logf("学習が完了しました")

	return &TrainingResult{
		ModelID:   modelID,
		TrainSize: len(split.Train),
		ValSize:   len(split.Val),
		Classes:   split.Classes,
		Metrics:   metrics,
	}, nil
}

// collectSamples はカタログごとにアノテーション済みページを集めます。
// 取得に失敗したカタログやページはログに残して読み飛ばします。
func (s *Service) collectSamples(ctx context.Context, h *jobs.Handle, catalogIDs []string) ([]dataset.Sample, error) {
	var samples []dataset.Sample
	for _, catalogID := range catalogIDs {
		if err := h.Checkpoint(ctx); err != nil {
			return nil, err
		}
		pageCount, err := s.pageCount(ctx, catalogID)
		if err != nil {
			h.Logf("カタログ %s の情報を取得できませんでした", catalogID)
			s.logger.Printf("failed to load catalog job=%s catalog=%s: %v", h.ID(), catalogID, err)
			continue
		}

		count := 0
		for page := 1; page <= pageCount; page++ {
			if err := h.Checkpoint(ctx); err != nil {
				return nil, err
			}
			anns, err := s.catalogs.PageAnnotations(ctx, catalogID, page)
			if err != nil {
				s.logger.Printf("failed to load annotations job=%s catalog=%s page=%d: %v", h.ID(), catalogID, page, err)
				continue
			}
			if len(anns) == 0 {
				continue
			}
			samples = append(samples, toSample(catalogID, page, anns))
			count += len(anns)
		}
		h.Logf("カタログ %s から %d 件のアノテーションを取得しました", catalogID, count)
	}
	return samples, nil
}

func toSample(catalogID string, page int, anns []annotations.Annotation) dataset.Sample {
	regions := make([]dataset.Region, 0, len(anns))
	for _, ann := range anns {
		regions = append(regions, dataset.Region{
			Label: ann.Type,
			Box: dataset.Box{
				X1: ann.BBox.X1,
				Y1: ann.BBox.Y1,
				X2: ann.BBox.X2,
				Y2: ann.BBox.Y2,
			},
		})
	}
	return dataset.Sample{
		CatalogID:  catalogID,
		PageNumber: page,
		ImageRef:   annotations.PageImagePath(catalogID, page),
		Regions:    regions,
	}
}

// writeArtifact は Ready になったモデルの成果物を書き出します。
// 書き込み中にモデルが削除された場合はディレクトリごと取り除きます。
func (s *Service) writeArtifact(modelID string, cfg detection.TrainingConfig, split dataset.Result, metrics map[string]float64) error {
	dir := s.models.ArtifactDir(modelID)
	if dir == "" {
		return nil
	}
	if err := writeArtifactFile(dir, map[string]any{
		"model_id":   modelID,
		"config":     cfg,
		"classes":    split.Classes,
		"train_size": len(split.Train),
		"val_size":   len(split.Val),
		"metrics":    metrics,
	}); err != nil {
		return err
	}
	if _, err := s.models.Get(modelID); errors.Is(err, models.ErrNotFound) {
		return os.RemoveAll(dir)
	}
	return nil
}

func writeArtifactFile(dir string, body map[string]any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(filepath.Join(dir, artifactFilename), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}

// finishTraining はジョブの終端状態をモデルへ反映します。
func (s *Service) finishTraining(modelID string, final jobs.Record) {
	if final.Status == jobs.StatusFailed {
		message := "モデルの学習に失敗しました。"
		if final.Error != nil && final.Error.Message != "" {
			message = final.Error.Message
		}
		if _, err := s.models.MarkFailed(modelID, message); err != nil && !errors.Is(err, models.ErrInvalidStatus) && !errors.Is(err, models.ErrNotFound) {
			s.logger.Printf("failed to mark model failed model=%s: %v", modelID, err)
		}
	}
	s.publish(final)
}
