package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/apperr"
	"github.com/yourusername/catalog-vision/internal/detection"
	"github.com/yourusername/catalog-vision/internal/events"
	"github.com/yourusername/catalog-vision/internal/jobs"
	"github.com/yourusername/catalog-vision/internal/models"
	"github.com/yourusername/catalog-vision/internal/storage"
)

var quiet = log.New(io.Discard, "", 0)

const seededModel = "6fa459ea-ee8a-3ca4-894e-db77e160355e"

type stubCatalogs struct {
	counts map[string]int
	pages  map[string]map[int][]annotations.Annotation
}

func (s *stubCatalogs) Catalog(ctx context.Context, catalogID string) (*annotations.Catalog, error) {
	n, ok := s.counts[catalogID]
	if !ok {
		return nil, apperr.NotFound("CATALOG_NOT_FOUND", "missing")
	}
	return &annotations.Catalog{CatalogID: catalogID, PageCount: n}, nil
}

func (s *stubCatalogs) PageAnnotations(ctx context.Context, catalogID string, page int) ([]annotations.Annotation, error) {
	return s.pages[catalogID][page], nil
}

type stubPages struct {
	failing map[int]bool
	missing map[int]bool
}

func (s *stubPages) FetchPage(ctx context.Context, catalogID string, page int) (*storage.Image, error) {
	if s.failing[page] {
		return nil, apperr.Upstream("ページ画像の取得に失敗しました。", errors.New("timeout"))
	}
	return &storage.Image{Data: []byte(fmt.Sprintf("%s-%d", catalogID, page)), MIME: "image/jpeg"}, nil
}

func (s *stubPages) PageExists(ctx context.Context, catalogID string, page int) (bool, error) {
	return !s.missing[page], nil
}

type stubFetcher struct{}

func (stubFetcher) FetchURL(ctx context.Context, rawURL string) (*storage.Image, error) {
	if strings.HasSuffix(rawURL, "/missing.jpg") {
		return nil, apperr.NotFound("IMAGE_NOT_FOUND", "画像が見つかりませんでした。")
	}
	return &storage.Image{Data: []byte(rawURL), MIME: "image/jpeg"}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc       *Service
	jobs      *jobs.Registry
	runner    *jobs.Runner
	models    *models.Registry
	catalogs  *stubCatalogs
	pages     *stubPages
	publisher *recordingPublisher
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg := jobs.NewRegistry(jobs.WithRegistryLogger(quiet))
	runner := jobs.NewRunner(reg, quiet)
	modelReg := models.NewRegistry(models.NewFileSnapshot(filepath.Join(dir, models.DefaultSnapshotFile)), dir, quiet)
	if err := modelReg.Load(context.Background()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	f := &fixture{
		jobs:      reg,
		runner:    runner,
		models:    modelReg,
		catalogs:  &stubCatalogs{counts: map[string]int{}, pages: map[string]map[int][]annotations.Annotation{}},
		pages:     &stubPages{failing: map[int]bool{}, missing: map[int]bool{}},
		publisher: &recordingPublisher{},
		dir:       dir,
	}
	svc, err := New(Deps{
		Jobs:     reg,
		Runner:   runner,
		Models:   modelReg,
		Catalogs: f.catalogs,
		Pages:    f.pages,
		Fetcher:  stubFetcher{},
		Detector: detection.SimulatedDetector{},
		Trainer:  detection.NewSimulatedTrainer(0),
		Events:   f.publisher,
		Logger:   quiet,
	}, Options{SplitSeed: 1, TrainingLogEvery: 5})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	f.svc = svc
	return f
}

func annotated(labels ...string) []annotations.Annotation {
	out := make([]annotations.Annotation, 0, len(labels))
	for i, label := range labels {
		out = append(out, annotations.Annotation{ID: fmt.Sprintf("a%d", i), Type: label, Confidence: 1})
	}
	return out
}

func TestCatalogDetectionSkipsFailedPage(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-1"] = 5
	f.pages.failing[2] = true
	zero := 0.0

	started, err := f.svc.StartCatalogDetection(context.Background(), "cat-1", CatalogDetectionRequest{ModelID: seededModel, MinConfidence: &zero})
	if err != nil {
		t.Fatalf("StartCatalogDetection returned error: %v", err)
	}
	if started.Status != jobs.StatusPending {
		t.Fatalf("status = %s, want pending", started.Status)
	}
	f.runner.Wait()

	rec, err := f.svc.DetectionResult(started.JobID)
	if err != nil {
		t.Fatalf("DetectionResult returned error: %v", err)
	}
	if rec.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	result, ok := rec.Result.(*detection.CatalogResult)
	if !ok {
		t.Fatalf("unexpected result type %T", rec.Result)
	}
	if len(result.Pages) != 4 || result.ProcessedPages != 4 || result.TotalPages != 5 {
		t.Fatalf("unexpected result: %#v", result)
	}
	for _, page := range result.Pages {
		if page.PageNumber == 2 {
			t.Fatal("failed page should not be in results")
		}
	}
	found := false
	for _, line := range rec.Log {
		if strings.Contains(line, "ページ 2") {
			found = true
		}
	}
	if !found {
		t.Fatalf("log does not mention page 2: %#v", rec.Log)
	}
	if types := f.publisher.types(); len(types) != 1 || types[0] != events.TypeJobCompleted {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestCatalogDetectionAllPagesFailStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-2"] = 2
	f.pages.failing[1] = true
	f.pages.failing[2] = true

	started, err := f.svc.StartCatalogDetection(context.Background(), "cat-2", CatalogDetectionRequest{ModelID: seededModel})
	if err != nil {
		t.Fatalf("StartCatalogDetection returned error: %v", err)
	}
	f.runner.Wait()

	rec, _ := f.svc.DetectionJob(started.JobID)
	if rec.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, want completed", rec.Status)
	}
	if result := rec.Result.(*detection.CatalogResult); len(result.Pages) != 0 {
		t.Fatalf("expected no pages, got %d", len(result.Pages))
	}
}

func TestCatalogDetectionUnknownCatalogFails(t *testing.T) {
	f := newFixture(t)
	started, err := f.svc.StartCatalogDetection(context.Background(), "nope", CatalogDetectionRequest{ModelID: seededModel})
	if err != nil {
		t.Fatalf("StartCatalogDetection returned error: %v", err)
	}
	f.runner.Wait()

	_, err = f.svc.DetectionResult(started.JobID)
	if !apperr.Is(err, apperr.KindWorkerFailure) {
		t.Fatalf("expected worker failure, got %v", err)
	}
}

func TestCatalogDetectionWithCallerJobID(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-3"] = 1

	started, err := f.svc.StartCatalogDetection(context.Background(), "cat-3", CatalogDetectionRequest{ModelID: seededModel, JobID: "detection_job_cat-3"})
	if err != nil {
		t.Fatalf("StartCatalogDetection returned error: %v", err)
	}
	if started.JobID != "detection_job_cat-3" {
		t.Fatalf("job id = %s", started.JobID)
	}
	_, err = f.svc.StartCatalogDetection(context.Background(), "cat-3", CatalogDetectionRequest{ModelID: seededModel, JobID: "detection_job_cat-3"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for duplicate id, got %v", err)
	}
	f.runner.Wait()

	res, err := f.svc.ResolveCatalog(context.Background(), "cat-3")
	if err != nil {
		t.Fatalf("ResolveCatalog returned error: %v", err)
	}
	if res.JobID != "detection_job_cat-3" {
		t.Fatalf("resolved job = %s", res.JobID)
	}
}

func TestStartDetectionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := 1.5

	if _, err := f.svc.StartCatalogDetection(ctx, " ", CatalogDetectionRequest{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.StartCatalogDetection(ctx, "c", CatalogDetectionRequest{MinConfidence: &bad}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.StartCatalogDetection(ctx, "c", CatalogDetectionRequest{ModelID: "unknown"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.StartImageDetection(ctx, ImageDetectionRequest{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.StartImageDetection(ctx, ImageDetectionRequest{ImageURL: "file:///etc/passwd"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.StartCatalogDetection(ctx, "c", CatalogDetectionRequest{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error without model_id, got %v", err)
	}
	if _, err := f.svc.StartImageDetection(ctx, ImageDetectionRequest{ImageURL: "http://images.local/a.jpg", ModelID: "  "}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error without model_id, got %v", err)
	}
	if len(f.jobs.List(jobs.KindCatalogDetection)) != 0 || len(f.jobs.List(jobs.KindSingleImageDetection)) != 0 {
		t.Fatal("invalid requests must not create jobs")
	}
}

func TestImageDetection(t *testing.T) {
	f := newFixture(t)
	started, err := f.svc.StartImageDetection(context.Background(), ImageDetectionRequest{
		ImageURL: "http://images.local/a.jpg",
		ModelID:  "7fa459ea-ee8a-3ca4-894e-db77e160355e",
	})
	if err != nil {
		t.Fatalf("StartImageDetection returned error: %v", err)
	}
	f.runner.Wait()

	rec, err := f.svc.DetectionResult(started.JobID)
	if err != nil {
		t.Fatalf("DetectionResult returned error: %v", err)
	}
	result, ok := rec.Result.(*detection.ImageResult)
	if !ok {
		t.Fatalf("unexpected result type %T", rec.Result)
	}
	for _, obj := range result.Objects {
		if obj.Confidence < detection.DefaultMinConfidence {
			t.Fatalf("object below default threshold: %v", obj.Confidence)
		}
	}
}

func TestImageDetectionFetchFailure(t *testing.T) {
	f := newFixture(t)
	started, _ := f.svc.StartImageDetection(context.Background(), ImageDetectionRequest{ImageURL: "http://images.local/missing.jpg", ModelID: seededModel})
	f.runner.Wait()

	rec, err := f.svc.DetectionResult(started.JobID)
	if !apperr.Is(err, apperr.KindWorkerFailure) {
		t.Fatalf("expected worker failure, got %v", err)
	}
	if rec.Error == nil || rec.Error.Message != "画像が見つかりませんでした。" {
		t.Fatalf("unexpected error info: %#v", rec.Error)
	}
}

func TestTrainingFourSamples(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-a"] = 5
	f.catalogs.pages["cat-a"] = map[int][]annotations.Annotation{
		1: annotated("produto"),
		2: annotated("produto", "preço"),
		3: annotated("etiqueta"),
		5: annotated("produto"),
	}

	started, err := f.svc.StartTraining(context.Background(), TrainingRequest{
		Name:       "Meu modelo",
		CatalogIDs: []string{"cat-a", "cat-missing"},
		Config:     detection.TrainingConfig{MaxIter: 12},
	})
	if err != nil {
		t.Fatalf("StartTraining returned error: %v", err)
	}
	f.runner.Wait()

	status, err := f.svc.TrainingStatus(started.JobID)
	if err != nil {
		t.Fatalf("TrainingStatus returned error: %v", err)
	}
	if status.Job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, error = %#v, log = %#v", status.Job.Status, status.Job.Error, status.Job.Log)
	}
	if status.Model == nil || status.Model.TrainSize != 3 || status.Model.ValSize != 1 {
		t.Fatalf("unexpected model: %#v", status.Model)
	}
	if status.Model.Status != models.StatusReady || len(status.Model.Metrics) != 3 {
		t.Fatalf("model not ready: %#v", status.Model)
	}
	if status.Job.Progress.CurrentStep != 12 || status.Job.Progress.Percentage != 100 {
		t.Fatalf("unexpected progress: %#v", status.Job.Progress)
	}
	if status.Model.Config.BaseModel != models.DefaultBaseModel {
		t.Fatalf("base model = %s", status.Model.Config.BaseModel)
	}
	if _, err := os.Stat(filepath.Join(f.dir, status.Model.ModelID, artifactFilename)); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	iterationLines := 0
	for _, line := range status.Job.Log {
		if strings.HasPrefix(line, "iteration ") {
			iterationLines++
		}
	}
	if iterationLines != 3 {
		t.Fatalf("iteration log lines = %d, want 3 (%#v)", iterationLines, status.Job.Log)
	}
}

func TestTrainingSingleSample(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-b"] = 1
	f.catalogs.pages["cat-b"] = map[int][]annotations.Annotation{1: annotated("produto")}

	started, err := f.svc.StartTraining(context.Background(), TrainingRequest{
		Name:       "one",
		CatalogIDs: []string{"cat-b"},
		Config:     detection.TrainingConfig{MaxIter: 1},
	})
	if err != nil {
		t.Fatalf("StartTraining returned error: %v", err)
	}
	f.runner.Wait()

	model, err := f.svc.Model(started.ModelID)
	if err != nil {
		t.Fatalf("Model returned error: %v", err)
	}
	if model.TrainSize != 1 || model.ValSize != 0 {
		t.Fatalf("train=%d val=%d, want 1/0", model.TrainSize, model.ValSize)
	}
}

func TestTrainingWithoutSamplesFails(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["empty"] = 3

	started, err := f.svc.StartTraining(context.Background(), TrainingRequest{Name: "x", CatalogIDs: []string{"empty"}})
	if err != nil {
		t.Fatalf("StartTraining returned error: %v", err)
	}
	f.runner.Wait()

	rec, _ := f.svc.Job(jobs.KindTraining, started.JobID)
	if rec.Status != jobs.StatusFailed || rec.Error == nil || rec.Error.Code != "NO_TRAINING_DATA" {
		t.Fatalf("unexpected job: %#v", rec)
	}
	model, _ := f.svc.Model(started.ModelID)
	if model.Status != models.StatusFailed || model.Error == "" {
		t.Fatalf("unexpected model: %#v", model)
	}
	if types := f.publisher.types(); len(types) != 1 || types[0] != events.TypeJobFailed {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestTrainingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.StartTraining(ctx, TrainingRequest{Name: "m", CatalogIDs: []string{" "}}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.StartTraining(ctx, TrainingRequest{Name: "m", CatalogIDs: []string{"c"}, Preset: "nope"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := len(f.svc.ListModels()); got != 2 {
		t.Fatalf("invalid requests must not create models, have %d", got)
	}
}

func TestTrainingDefaultsModelName(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-n"] = 1
	f.catalogs.pages["cat-n"] = map[int][]annotations.Annotation{1: annotated("produto")}

	started, err := f.svc.StartTraining(context.Background(), TrainingRequest{CatalogIDs: []string{"cat-n"}})
	if err != nil {
		t.Fatalf("StartTraining returned error: %v", err)
	}
	f.runner.Wait()

	model, err := f.svc.Model(started.ModelID)
	if err != nil {
		t.Fatalf("Model returned error: %v", err)
	}
	if !strings.HasPrefix(model.Name, "Modelo ") {
		t.Fatalf("name = %q, want default name", model.Name)
	}
	if got := defaultModelName(time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)); got != "Modelo 2024-03-09 14:05" {
		t.Fatalf("defaultModelName = %q", got)
	}
}

func TestCancelTraining(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-c"] = 1
	f.catalogs.pages["cat-c"] = map[int][]annotations.Annotation{1: annotated("produto")}
	svc := f.svc
	svc.trainer = detection.NewSimulatedTrainer(10 * time.Millisecond)

	started, err := svc.StartTraining(context.Background(), TrainingRequest{
		Name:       "long",
		CatalogIDs: []string{"cat-c"},
		Config:     detection.TrainingConfig{MaxIter: 10000},
	})
	if err != nil {
		t.Fatalf("StartTraining returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, _ := svc.Job(jobs.KindTraining, started.JobID)
		if rec.Progress.CurrentStep > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("training did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := svc.Cancel(jobs.KindTraining, started.JobID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	f.runner.Wait()

	rec, _ := svc.Job(jobs.KindTraining, started.JobID)
	if rec.Status != jobs.StatusFailed || rec.Error.Code != "JOB_CANCELLED" {
		t.Fatalf("unexpected job: %#v", rec)
	}
	model, _ := svc.Model(started.ModelID)
	if model.Status != models.StatusFailed {
		t.Fatalf("model status = %s, want failed", model.Status)
	}
	if _, err := svc.Cancel(jobs.KindTraining, started.JobID); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for finished job, got %v", err)
	}
}

func TestDeleteModelDuringTrainingLeavesNoArtifacts(t *testing.T) {
	f := newFixture(t)
	f.catalogs.counts["cat-d"] = 1
	f.catalogs.pages["cat-d"] = map[int][]annotations.Annotation{1: annotated("produto")}
	f.svc.trainer = detection.NewSimulatedTrainer(10 * time.Millisecond)

	started, err := f.svc.StartTraining(context.Background(), TrainingRequest{
		Name:       "short-lived",
		CatalogIDs: []string{"cat-d"},
		Config:     detection.TrainingConfig{MaxIter: 200},
	})
	if err != nil {
		t.Fatalf("StartTraining returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, _ := f.svc.Job(jobs.KindTraining, started.JobID)
		if rec.Progress.CurrentStep > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("training did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.svc.DeleteModel(started.ModelID); err != nil {
		t.Fatalf("DeleteModel returned error: %v", err)
	}
	f.runner.Wait()

	rec, _ := f.svc.Job(jobs.KindTraining, started.JobID)
	if rec.Status != jobs.StatusFailed || rec.Error == nil || rec.Error.Code != "MODEL_DELETED" {
		t.Fatalf("unexpected job: %#v", rec)
	}
	if _, err := os.Stat(filepath.Join(f.dir, started.ModelID)); !os.IsNotExist(err) {
		t.Fatalf("artifact dir should not exist, stat err = %v", err)
	}
	if _, err := f.svc.Model(started.ModelID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected deleted model to stay deleted, got %v", err)
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.DetectionJob("missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Job(jobs.KindTraining, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Cancel(jobs.KindTraining, "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteModel(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.DeleteModel(seededModel); err != nil {
		t.Fatalf("DeleteModel returned error: %v", err)
	}
	if err := f.svc.DeleteModel(seededModel); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(f.svc.ListModels()) != 1 {
		t.Fatalf("models = %d, want 1", len(f.svc.ListModels()))
	}
}
