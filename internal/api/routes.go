package api

import "github.com/gin-gonic/gin"

// RegisterRoutes はジョブ・モデル関連のルートを登録します。
func RegisterRoutes(router gin.IRouter, h *Handler) {
	router.POST("/train", h.StartTraining)
	router.GET("/train/status/:id", h.TrainingStatus)

	detect := router.Group("/detect")
	{
		detect.POST("", h.StartImageDetection)
		detect.POST("/:catalogId", h.StartCatalogDetection)
		detect.GET("/status/:id", h.DetectionStatus)
		detect.GET("/result/:id", h.DetectionResult)
	}
	// 旧クライアント向けの別名
	router.GET("/results/:id", h.DetectionResult)

	router.GET("/jobs/:kind/:id", h.JobStatus)
	router.POST("/jobs/:kind/:id/cancel", h.CancelJob)

	router.GET("/catalogs/:catalogId/detection", h.CatalogDetection)

	router.GET("/models", h.ListModels)
	router.GET("/models/:id", h.GetModel)
	router.DELETE("/models/:id", h.DeleteModel)
}
