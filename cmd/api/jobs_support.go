package main

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/config"
	"github.com/yourusername/catalog-vision/internal/detection"
	"github.com/yourusername/catalog-vision/internal/events"
	"github.com/yourusername/catalog-vision/internal/jobs"
	"github.com/yourusername/catalog-vision/internal/models"
	"github.com/yourusername/catalog-vision/internal/service"
	"github.com/yourusername/catalog-vision/internal/storage"
)

const snapshotLoadTimeout = 10 * time.Second

// app はサーバーが保持するコンポーネントをまとめます。
type app struct {
	service *service.Service
	queue   *jobs.Queue
	redis   redis.UniversalClient
	logger  *log.Logger
}

func setupApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	a := &app{logger: logger}

	registry := jobs.NewRegistry(
		jobs.WithLogCapacity(cfg.JobLogCapacity),
		jobs.WithRegistryLogger(logger),
	)
	runner := jobs.NewRunner(registry, logger, jobs.WithJobTimeout(cfg.JobTimeout))
	if cfg.JobDispatcher == "asynq" {
		queue, err := jobs.NewQueue(cfg.QueueRedisURL, runner, cfg.QueueConcurrency, logger)
		if err != nil {
			return nil, err
		}
		runner.SetDispatcher(queue)
		a.queue = queue
	}

	snapshots, err := a.snapshotStore(cfg)
	if err != nil {
		return nil, err
	}
	modelRegistry := models.NewRegistry(snapshots, cfg.ModelsDir, logger)
	loadCtx, cancel := context.WithTimeout(context.Background(), snapshotLoadTimeout)
	defer cancel()
	if err := modelRegistry.Load(loadCtx); err != nil {
		return nil, err
	}

	presets, err := models.LoadPresets(cfg.TrainingPresetsFile)
	if err != nil {
		return nil, err
	}

	client := annotations.NewClient(cfg.BackendURL, cfg.ExternalCallTimeout)
	local := storage.NewLocal(cfg.DataDir)
	pages, err := pageStore(cfg, client, local)
	if err != nil {
		return nil, err
	}

	publisher, err := eventPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(service.Deps{
		Jobs:        registry,
		Runner:      runner,
		Models:      modelRegistry,
		Presets:     presets,
		Catalogs:    client,
		Pages:       pages,
		PageCounter: local,
		Fetcher:     storage.NewFetcher(cfg.ExternalCallTimeout),
		Detector:    detection.SimulatedDetector{},
		Trainer:     detection.NewSimulatedTrainer(cfg.TrainingStepDelay),
		Events:      publisher,
		Logger:      logger,
	}, service.Options{
		DefaultMinConfidence: cfg.DefaultMinConfidence,
		TrainingLogEvery:     cfg.TrainingLogEvery,
		SplitRatio:           cfg.SplitRatio,
		SplitSeed:            cfg.SplitSeed,
	})
	if err != nil {
		return nil, err
	}
	a.service = svc
	return a, nil
}

// snapshotStore はモデル一覧の保存先を選びます。
func (a *app) snapshotStore(cfg *config.Config) (models.SnapshotStore, error) {
	if cfg.SnapshotBackend != "redis" {
		return models.NewFileSnapshot(cfg.SnapshotPath()), nil
	}
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	a.redis = redis.NewClient(opt)
	return models.NewRedisSnapshot(a.redis, cfg.SnapshotRedisKey), nil
}

// pageStore は IMAGE_SOURCE に応じたページ画像の取得元を返します。
func pageStore(cfg *config.Config, client *annotations.Client, local *storage.Local) (storage.Store, error) {
	switch cfg.ImageSource {
	case "http":
		return storage.NewRemoteFromClient(client), nil
	case "s3":
		s3, err := storage.NewS3(storage.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return local, nil
	}
}

func eventPublisher(cfg *config.Config, logger *log.Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.Nop{}, nil
	}
	publisher, err := events.NewRabbitPublisher(cfg.AMQPURL, cfg.EventsExchange)
	if err != nil {
		return nil, err
	}
	logger.Printf("job events enabled exchange=%s", cfg.EventsExchange)
	return publisher, nil
}

func (a *app) start() {
	if a.queue != nil {
		a.queue.StartWorkers()
	}
}

// shutdown はキュー、実行中のジョブ、外部接続の順に停止します。
func (a *app) shutdown(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Shutdown(ctx); err != nil {
			a.logger.Printf("failed to shut down job queue: %v", err)
		}
	}
	if err := a.service.Shutdown(ctx); err != nil {
		a.logger.Printf("failed to stop running jobs: %v", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Printf("failed to close redis client: %v", err)
		}
	}
}
