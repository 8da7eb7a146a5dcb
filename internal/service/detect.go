package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/apperr"
	"github.com/yourusername/catalog-vision/internal/detection"
	"github.com/yourusername/catalog-vision/internal/jobs"
)

// ImageDetectionRequest は単体画像の検出パラメータです。
type ImageDetectionRequest struct {
	ImageURL      string   `json:"image_url"`
	ModelID       string   `json:"model_id"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
}

// CatalogDetectionRequest はカタログ全体の検出パラメータです。
// JobID は旧来の採番規則でIDを決めるプロデューサー向けで、通常は空です。
type CatalogDetectionRequest struct {
	ModelID       string   `json:"model_id"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	JobID         string   `json:"job_id,omitempty"`
}

// JobStarted はジョブ投入の応答です。
type JobStarted struct {
	JobID  string      `json:"jobId"`
	Status jobs.Status `json:"status"`
}

// StartImageDetection は単体画像の検出ジョブを開始します。
func (s *Service) StartImageDetection(ctx context.Context, req ImageDetectionRequest) (*JobStarted, error) {
	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL == "" {
		return nil, apperr.Validation("image_url を指定してください。")
	}
	if u, err := url.Parse(imageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("image_url が不正です。")
	}
	minConfidence, err := s.minConfidence(req.MinConfidence)
	if err != nil {
		return nil, err
	}
	modelID := strings.TrimSpace(req.ModelID)
	classes, err := s.detectionModel(modelID)
	if err != nil {
		return nil, err
	}

	rec, err := s.jobs.Create(jobs.KindSingleImageDetection, jobs.OwnerRef{ModelID: modelID})
	if err != nil {
		return nil, err
	}
	opts := detection.Options{ModelID: modelID, Classes: classes, MinConfidence: minConfidence}
	task := jobs.Task{
		Run: func(ctx context.Context, h *jobs.Handle) (any, error) {
			return s.runImageDetection(ctx, h, imageURL, opts)
		},
		Done: s.publish,
	}
	if err := s.runner.Submit(ctx, jobs.KindSingleImageDetection, rec.ID, task); err != nil {
		return nil, err
	}
	s.logger.Printf("image detection job created job=%s", rec.ID)
	return &JobStarted{JobID: rec.ID, Status: rec.Status}, nil
}

// StartCatalogDetection はカタログ全ページの検出ジョブを開始します。
func (s *Service) StartCatalogDetection(ctx context.Context, catalogID string, req CatalogDetectionRequest) (*JobStarted, error) {
	catalogID = strings.TrimSpace(catalogID)
	if catalogID == "" {
		return nil, apperr.Validation("catalogId を指定してください。")
	}
	minConfidence, err := s.minConfidence(req.MinConfidence)
	if err != nil {
		return nil, err
	}
	modelID := strings.TrimSpace(req.ModelID)
	classes, err := s.detectionModel(modelID)
	if err != nil {
		return nil, err
	}

	owner := jobs.OwnerRef{CatalogID: catalogID, ModelID: modelID}
	var rec jobs.Record
	if jobID := strings.TrimSpace(req.JobID); jobID != "" {
		rec, err = s.jobs.CreateWithID(jobs.KindCatalogDetection, jobID, owner)
		if errors.Is(err, jobs.ErrDuplicateID) {
			return nil, apperr.Validation("指定されたジョブIDは既に使用されています。")
		}
	} else {
		rec, err = s.jobs.Create(jobs.KindCatalogDetection, owner)
	}
	if err != nil {
		return nil, err
	}

	opts := detection.Options{ModelID: modelID, Classes: classes, MinConfidence: minConfidence}
	task := jobs.Task{
		Run: func(ctx context.Context, h *jobs.Handle) (any, error) {
			return s.runCatalogDetection(ctx, h, catalogID, opts)
		},
		Done: s.publish,
	}
	if err := s.runner.Submit(ctx, jobs.KindCatalogDetection, rec.ID, task); err != nil {
		return nil, err
	}
	s.logger.Printf("catalog detection job created job=%s catalog=%s", rec.ID, catalogID)
	return &JobStarted{JobID: rec.ID, Status: rec.Status}, nil
}

func (s *Service) runImageDetection(ctx context.Context, h *jobs.Handle, imageURL string, opts detection.Options) (any, error) {
	started := time.Now()
	h.Progress(0, 2)

	img, err := s.fetcher.FetchURL(ctx, imageURL)
	if err != nil {
		return nil, err
	}
	h.Progress(1, 2)
	if err := h.Checkpoint(ctx); err != nil {
		return nil, err
	}

	objects, err := s.detector.Detect(ctx, img, opts)
	if err != nil {
		return nil, apperr.WorkerFailure("DETECTION_FAILED", "画像の検出に失敗しました。", err)
	}
	h.Progress(2, 2)
	h.Logf("%d 件の領域を検出しました", len(objects))

	return &detection.ImageResult{
		Objects:        objects,
		ProcessingTime: time.Since(started).Seconds(),
	}, nil
}

// runCatalogDetection はページを順に処理します。
// 個々のページの失敗はログに残して読み飛ばし、ジョブ全体は部分的な結果で完了させます。
func (s *Service) runCatalogDetection(ctx context.Context, h *jobs.Handle, catalogID string, opts detection.Options) (any, error) {
	pageCount, err := s.pageCount(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	h.Logf("カタログ %s の検出を開始しました（%d ページ）", catalogID, pageCount)
	h.Progress(0, pageCount)

	result := &detection.CatalogResult{
		CatalogID:  catalogID,
		JobID:      h.ID(),
		TotalPages: pageCount,
		Pages:      []detection.PageResult{},
	}
	for page := 1; page <= pageCount; page++ {
		if err := h.Checkpoint(ctx); err != nil {
			return nil, err
		}
		pageResult, err := s.detectPage(ctx, catalogID, page, opts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			h.Logf("ページ %d の処理に失敗しました: %s", page, userMessage(err))
			s.logger.Printf("page detection failed job=%s catalog=%s page=%d: %v", h.ID(), catalogID, page, err)
			h.Progress(page, pageCount)
			continue
		}
		result.Pages = append(result.Pages, *pageResult)
		result.ProcessedPages++
		result.TotalDetections += len(pageResult.Annotations)
		h.Progress(page, pageCount)
	}

	if result.ProcessedPages == 0 {
		h.Logf("検出結果を得られたページはありませんでした")
	} else {
		h.Logf("%d/%d ページを処理し、%d 件の領域を検出しました", result.ProcessedPages, pageCount, result.TotalDetections)
	}
	return result, nil
}

func (s *Service) detectPage(ctx context.Context, catalogID string, page int, opts detection.Options) (*detection.PageResult, error) {
	img, err := s.pages.FetchPage(ctx, catalogID, page)
	if err != nil {
		return nil, err
	}
	anns, err := s.detector.Detect(ctx, img, opts)
	if err != nil {
		return nil, err
	}
	filtered := make([]annotations.Annotation, 0, len(anns))
	for _, ann := range anns {
		if ann.Confidence >= opts.MinConfidence {
			filtered = append(filtered, ann)
		}
	}
	return &detection.PageResult{
		PageNumber:  page,
		ImagePath:   annotations.PageImagePath(catalogID, page),
		Annotations: filtered,
	}, nil
}

// pageCount はアノテーションストアからページ数を取得し、
// カタログが登録されていない場合はローカルの PDF から数えます。
func (s *Service) pageCount(ctx context.Context, catalogID string) (int, error) {
	catalog, err := s.catalogs.Catalog(ctx, catalogID)
	if err == nil {
		if catalog.PageCount < 0 {
			return 0, apperr.Upstream("カタログのページ数が不正です。", fmt.Errorf("page_count=%d", catalog.PageCount))
		}
		return catalog.PageCount, nil
	}
	if s.pageCounter != nil && apperr.Is(err, apperr.KindNotFound) {
		return s.pageCounter.PageCount(ctx, catalogID)
	}
	return 0, err
}

func userMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
