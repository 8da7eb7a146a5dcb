// Package service は学習・検出ジョブの受付と、状態・結果の参照をまとめます。
package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/apperr"
	"github.com/yourusername/catalog-vision/internal/dataset"
	"github.com/yourusername/catalog-vision/internal/detection"
	"github.com/yourusername/catalog-vision/internal/events"
	"github.com/yourusername/catalog-vision/internal/jobs"
	"github.com/yourusername/catalog-vision/internal/models"
	"github.com/yourusername/catalog-vision/internal/resolver"
	"github.com/yourusername/catalog-vision/internal/storage"
)

// ErrNotReady は結果がまだ生成されていないことを表します。
var ErrNotReady = errors.New("job result not ready")

const publishTimeout = 5 * time.Second

// CatalogSource はカタログ情報と手動アノテーションの参照先です。
type CatalogSource interface {
	Catalog(ctx context.Context, catalogID string) (*annotations.Catalog, error)
	PageAnnotations(ctx context.Context, catalogID string, page int) ([]annotations.Annotation, error)
}

// PageCounter はアノテーションストアにないカタログのページ数を補います。
type PageCounter interface {
	PageCount(ctx context.Context, catalogID string) (int, error)
}

// ImageFetcher は URL 指定の画像を取得します。
type ImageFetcher interface {
	FetchURL(ctx context.Context, rawURL string) (*storage.Image, error)
}

// Options はサービスの動作設定です。
type Options struct {
	DefaultMinConfidence float64
	TrainingLogEvery     int
	SplitRatio           float64
	SplitSeed            int64
}

// Deps はサービスが利用するコンポーネントです。PageCounter と Events は省略できます。
type Deps struct {
	Jobs        *jobs.Registry
	Runner      *jobs.Runner
	Models      *models.Registry
	Presets     models.Presets
	Catalogs    CatalogSource
	Pages       storage.Store
	PageCounter PageCounter
	Fetcher     ImageFetcher
	Detector    detection.Detector
	Trainer     detection.Trainer
	Events      events.Publisher
	Logger      *log.Logger
}

// Service はジョブの受付と参照を提供します。
type Service struct {
	jobs        *jobs.Registry
	runner      *jobs.Runner
	models      *models.Registry
	presets     models.Presets
	catalogs    CatalogSource
	pages       storage.Store
	pageCounter PageCounter
	fetcher     ImageFetcher
	detector    detection.Detector
	trainer     detection.Trainer
	resolver    *resolver.Resolver
	events      events.Publisher
	opts        Options
	logger      *log.Logger
}

// New は Service を作成します。
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("jobs registry is nil")
	case deps.Runner == nil:
		return nil, errors.New("runner is nil")
	case deps.Models == nil:
		return nil, errors.New("models registry is nil")
	case deps.Catalogs == nil:
		return nil, errors.New("catalog source is nil")
	case deps.Pages == nil:
		return nil, errors.New("page store is nil")
	case deps.Fetcher == nil:
		return nil, errors.New("image fetcher is nil")
	case deps.Detector == nil:
		return nil, errors.New("detector is nil")
	case deps.Trainer == nil:
		return nil, errors.New("trainer is nil")
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Presets == nil {
		deps.Presets = models.Presets{}
	}
	if opts.DefaultMinConfidence <= 0 {
		opts.DefaultMinConfidence = detection.DefaultMinConfidence
	}
	if opts.TrainingLogEvery <= 0 {
		opts.TrainingLogEvery = 200
	}
	if opts.SplitRatio <= 0 || opts.SplitRatio > 1 {
		opts.SplitRatio = dataset.DefaultRatio
	}

	return &Service{
		jobs:        deps.Jobs,
		runner:      deps.Runner,
		models:      deps.Models,
		presets:     deps.Presets,
		catalogs:    deps.Catalogs,
		pages:       deps.Pages,
		pageCounter: deps.PageCounter,
		fetcher:     deps.Fetcher,
		detector:    deps.Detector,
		trainer:     deps.Trainer,
		resolver:    resolver.New(deps.Jobs, deps.Catalogs, deps.Logger),
		events:      deps.Events,
		opts:        opts,
		logger:      deps.Logger,
	}, nil
}

// Job は指定種別のジョブ情報を返します。
func (s *Service) Job(kind jobs.Kind, id string) (jobs.Record, error) {
	rec, err := s.jobs.Get(kind, id)
	if err != nil {
		return jobs.Record{}, jobError(err)
	}
	return rec, nil
}

// DetectionJob は検出ジョブをカタログ検出、単体画像検出の順に探します。
func (s *Service) DetectionJob(id string) (jobs.Record, error) {
	rec, err := s.jobs.Lookup(id, jobs.KindCatalogDetection, jobs.KindSingleImageDetection)
	if err != nil {
		return jobs.Record{}, jobError(err)
	}
	return rec, nil
}

// DetectionResult は検出ジョブの結果を返します。
// 実行中は ErrNotReady、失敗時は WorkerFailure を返します。
func (s *Service) DetectionResult(id string) (jobs.Record, error) {
	rec, err := s.DetectionJob(id)
	if err != nil {
		return jobs.Record{}, err
	}
	switch rec.Status {
	case jobs.StatusCompleted:
		return rec, nil
	case jobs.StatusFailed:
		code, message := "JOB_FAILED", "ジョブの実行に失敗しました。"
		if rec.Error != nil {
			code, message = rec.Error.Code, rec.Error.Message
		}
		return rec, apperr.WorkerFailure(code, message, nil)
	default:
		return rec, ErrNotReady
	}
}

// ResolveCatalog はカタログIDから検出結果を解決します。
func (s *Service) ResolveCatalog(ctx context.Context, catalogID string) (*resolver.Resolution, error) {
	return s.resolver.Resolve(ctx, catalogID)
}

// Cancel はジョブのキャンセルを要求します。
func (s *Service) Cancel(kind jobs.Kind, id string) (jobs.Record, error) {
	rec, err := s.runner.Cancel(kind, id)
	if err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			return rec, apperr.Validation("ジョブは既に終了しています。")
		}
		return rec, jobError(err)
	}
	s.logger.Printf("job cancel requested kind=%s job=%s", kind, id)
	return rec, nil
}

// ListModels はモデル一覧を返します。
func (s *Service) ListModels() []models.Record {
	return s.models.List()
}

// Model はモデル情報を返します。
func (s *Service) Model(id string) (models.Record, error) {
	rec, err := s.models.Get(id)
	if err != nil {
		return models.Record{}, modelError(err)
	}
	return rec, nil
}

// DeleteModel はモデルと成果物を削除します。
func (s *Service) DeleteModel(id string) error {
	if err := s.models.Delete(id); err != nil {
		return modelError(err)
	}
	s.logger.Printf("model deleted model=%s", id)
	return nil
}

// ActiveJobs はこのプロセスで実行中のジョブ数を返します。
func (s *Service) ActiveJobs() int {
	return s.runner.Active()
}

// Shutdown は実行中のジョブを止め、イベント送信先を閉じます。
func (s *Service) Shutdown(ctx context.Context) error {
	if n := s.runner.Active(); n > 0 {
		s.logger.Printf("stopping %d running jobs", n)
	}
	err := s.runner.Shutdown(ctx)
	if closeErr := s.events.Close(); closeErr != nil {
		s.logger.Printf("failed to close event publisher: %v", closeErr)
	}
	return err
}

// publish は終端イベントを送信します。送信失敗はログにのみ残します。
func (s *Service) publish(rec jobs.Record) {
	ev, ok := events.FromRecord(rec)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Printf("failed to publish event type=%s job=%s: %v", ev.Type, ev.JobID, err)
	}
}

func jobError(err error) error {
	if errors.Is(err, jobs.ErrNotFound) {
		return apperr.NotFound("JOB_NOT_FOUND", "指定されたジョブは存在しません。")
	}
	return err
}

func modelError(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return apperr.NotFound("MODEL_NOT_FOUND", "指定されたモデルは存在しません。")
	}
	return err
}

func (s *Service) minConfidence(v *float64) (float64, error) {
	if v == nil {
		return s.opts.DefaultMinConfidence, nil
	}
	if *v < 0 || *v > 1 {
		return 0, apperr.Validation("min_confidence は 0 から 1 の範囲で指定してください。")
	}
	return *v, nil
}

// detectionModel は検出に使うモデルを検証し、クラス一覧を返します。モデルの指定は必須です。
func (s *Service) detectionModel(modelID string) ([]string, error) {
	if modelID == "" {
		return nil, apperr.Validation("model_id を指定してください。")
	}
	rec, err := s.models.Get(modelID)
	if err != nil {
		return nil, modelError(err)
	}
	if rec.Status != models.StatusReady {
		return nil, apperr.Validation("指定されたモデルはまだ利用できません。")
	}
	return rec.Classes, nil
}
