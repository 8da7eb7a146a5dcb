package detection

import "github.com/yourusername/catalog-vision/internal/annotations"

// PageResult はカタログ1ページ分の検出結果です。
type PageResult struct {
	PageNumber  int                      `json:"page_number"`
	ImagePath   string                   `json:"image_path"`
	Annotations []annotations.Annotation `json:"annotations"`
}

// CatalogResult はカタログ検出ジョブの結果です。
type CatalogResult struct {
	CatalogID       string       `json:"catalog_id"`
	JobID           string       `json:"job_id"`
	TotalPages      int          `json:"total_pages"`
	ProcessedPages  int          `json:"processed_pages"`
	TotalDetections int          `json:"total_detections"`
	Pages           []PageResult `json:"pages"`
}

// ImageResult は単体画像検出ジョブの結果です。
type ImageResult struct {
	Objects        []annotations.Annotation `json:"objects"`
	ProcessingTime float64                  `json:"processing_time"`
}
