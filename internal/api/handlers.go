// Package api は学習・検出ジョブの HTTP エンドポイントを提供します。
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/catalog-vision/internal/apperr"
	"github.com/yourusername/catalog-vision/internal/jobs"
	"github.com/yourusername/catalog-vision/internal/models"
	"github.com/yourusername/catalog-vision/internal/resolver"
	"github.com/yourusername/catalog-vision/internal/service"
)

// JobService はハンドラーが利用するサービス操作です。
type JobService interface {
	StartTraining(ctx context.Context, req service.TrainingRequest) (*service.TrainingStarted, error)
	TrainingStatus(id string) (*service.TrainingStatus, error)
	StartImageDetection(ctx context.Context, req service.ImageDetectionRequest) (*service.JobStarted, error)
	StartCatalogDetection(ctx context.Context, catalogID string, req service.CatalogDetectionRequest) (*service.JobStarted, error)
	Job(kind jobs.Kind, id string) (jobs.Record, error)
	DetectionJob(id string) (jobs.Record, error)
	DetectionResult(id string) (jobs.Record, error)
	Cancel(kind jobs.Kind, id string) (jobs.Record, error)
	ResolveCatalog(ctx context.Context, catalogID string) (*resolver.Resolution, error)
	ListModels() []models.Record
	Model(id string) (models.Record, error)
	DeleteModel(id string) error
}

// Handler は JobService を HTTP に公開します。
type Handler struct {
	svc JobService
}

// NewHandler は Handler を作成します。
func NewHandler(svc JobService) *Handler {
	return &Handler{svc: svc}
}

// StartTraining は POST /train のハンドラーです。
func (h *Handler) StartTraining(c *gin.Context) {
	var req service.TrainingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	started, err := h.svc.StartTraining(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, started)
}

// TrainingStatus は GET /train/status/:id のハンドラーです。
func (h *Handler) TrainingStatus(c *gin.Context) {
	id, ok := requireParam(c, "id", "jobId を指定してください。")
	if !ok {
		return
	}
	status, err := h.svc.TrainingStatus(id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	payload := statusPayload(status.Job)
	if status.Model != nil {
		payload["model"] = gin.H{
			"modelId":   status.Model.ModelID,
			"name":      status.Model.Name,
			"status":    status.Model.Status,
			"trainSize": status.Model.TrainSize,
			"valSize":   status.Model.ValSize,
			"classes":   status.Model.Classes,
			"metrics":   status.Model.Metrics,
		}
	}
	c.JSON(http.StatusOK, payload)
}

// StartImageDetection は POST /detect のハンドラーです。
func (h *Handler) StartImageDetection(c *gin.Context) {
	var req service.ImageDetectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	started, err := h.svc.StartImageDetection(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, started)
}

// StartCatalogDetection は POST /detect/:catalogId のハンドラーです。
// 本文が空の場合は model_id の不足としてサービス側で検証されます。
func (h *Handler) StartCatalogDetection(c *gin.Context) {
	catalogID, ok := requireParam(c, "catalogId", "catalogId を指定してください。")
	if !ok {
		return
	}
	var req service.CatalogDetectionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidBody(c)
			return
		}
	}
	started, err := h.svc.StartCatalogDetection(c.Request.Context(), catalogID, req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, started)
}

// DetectionStatus は GET /detect/status/:id のハンドラーです。
func (h *Handler) DetectionStatus(c *gin.Context) {
	id, ok := requireParam(c, "id", "jobId を指定してください。")
	if !ok {
		return
	}
	rec, err := h.svc.DetectionJob(id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusPayload(rec))
}

// JobStatus は GET /jobs/:kind/:id のハンドラーです。
func (h *Handler) JobStatus(c *gin.Context) {
	kind, id, ok := kindAndID(c)
	if !ok {
		return
	}
	rec, err := h.svc.Job(kind, id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusPayload(rec))
}

// DetectionResult は GET /detect/result/:id のハンドラーです。
// 完了前は 202、失敗時はエラー内容を返します。
func (h *Handler) DetectionResult(c *gin.Context) {
	id, ok := requireParam(c, "id", "jobId を指定してください。")
	if !ok {
		return
	}
	rec, err := h.svc.DetectionResult(id)
	if errors.Is(err, service.ErrNotReady) {
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":   rec.ID,
			"status":  rec.Status,
			"message": "ジョブはまだ完了していません。",
		})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":  rec.ID,
		"kind":   rec.Kind,
		"status": rec.Status,
		"result": rec.Result,
	})
}

// CancelJob は POST /jobs/:kind/:id/cancel のハンドラーです。
func (h *Handler) CancelJob(c *gin.Context) {
	kind, id, ok := kindAndID(c)
	if !ok {
		return
	}
	rec, err := h.svc.Cancel(kind, id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"jobId":           rec.ID,
		"status":          rec.Status,
		"cancelRequested": rec.CancelRequested,
	})
}

// CatalogDetection は GET /catalogs/:catalogId/detection のハンドラーです。
func (h *Handler) CatalogDetection(c *gin.Context) {
	catalogID, ok := requireParam(c, "catalogId", "catalogId を指定してください。")
	if !ok {
		return
	}
	res, err := h.svc.ResolveCatalog(c.Request.Context(), catalogID)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListModels は GET /models のハンドラーです。
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.svc.ListModels()})
}

// GetModel は GET /models/:id のハンドラーです。
func (h *Handler) GetModel(c *gin.Context) {
	id, ok := requireParam(c, "id", "modelId を指定してください。")
	if !ok {
		return
	}
	rec, err := h.svc.Model(id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteModel は DELETE /models/:id のハンドラーです。
func (h *Handler) DeleteModel(c *gin.Context) {
	id, ok := requireParam(c, "id", "modelId を指定してください。")
	if !ok {
		return
	}
	if err := h.svc.DeleteModel(id); err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modelId": id, "deleted": true})
}

// statusPayload はジョブ状態から result を除いた応答を組み立てます。
func statusPayload(rec jobs.Record) gin.H {
	payload := gin.H{
		"jobId":     rec.ID,
		"kind":      rec.Kind,
		"status":    rec.Status,
		"owner":     rec.Owner,
		"progress":  rec.Progress,
		"log":       rec.Log,
		"createdAt": rec.CreatedAt,
		"updatedAt": rec.UpdatedAt,
	}
	if rec.StartedAt != nil {
		payload["startedAt"] = rec.StartedAt
	}
	if rec.CompletedAt != nil {
		payload["completedAt"] = rec.CompletedAt
	}
	if rec.Error != nil {
		payload["error"] = rec.Error
	}
	if rec.CancelRequested {
		payload["cancelRequested"] = true
	}
	return payload
}

func kindAndID(c *gin.Context) (jobs.Kind, string, bool) {
	kind, ok := jobs.ParseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "ジョブ種別が不正です。",
		})
		return "", "", false
	}
	id, ok := requireParam(c, "id", "jobId を指定してください。")
	if !ok {
		return "", "", false
	}
	return kind, id, true
}

func requireParam(c *gin.Context, name, message string) (string, bool) {
	value := strings.TrimSpace(c.Param(name))
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": message,
		})
		return "", false
	}
	return value, true
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "INVALID_INPUT",
		"message": "リクエスト本文は JSON で送信してください。",
	})
}

func respondWithError(c *gin.Context, err error) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		c.JSON(statusFor(appErr.Kind), gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindWorkerFailure:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
