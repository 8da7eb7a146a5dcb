// Package resolver はカタログIDから検出結果を探し出します。
//
// 検出ジョブのIDは時期によって採番規則が異なるため、候補となる戦略を順に試し、
// どのジョブも見つからない場合は保存済みの手動アノテーションから結果を組み立てます。
package resolver

import (
	"context"
	"log"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/apperr"
	"github.com/yourusername/catalog-vision/internal/detection"
	"github.com/yourusername/catalog-vision/internal/jobs"
)

// 結果の出どころ
const (
	SourceJob    = "job"
	SourceManual = "manual"
)

// LegacyJobID はカタログ検出ジョブの旧来のID規則です。
func LegacyJobID(catalogID string) string {
	return "detection_job_" + catalogID
}

// JobSource はジョブレコードの参照先です。
type JobSource interface {
	Get(kind jobs.Kind, id string) (jobs.Record, error)
	List(kind jobs.Kind) []jobs.Record
}

// AnnotationSource は手動アノテーションの参照先です。
type AnnotationSource interface {
	Catalog(ctx context.Context, catalogID string) (*annotations.Catalog, error)
	PageAnnotations(ctx context.Context, catalogID string, page int) ([]annotations.Annotation, error)
}

// Annotation はページ番号と画像参照を付加したアノテーションです。
type Annotation struct {
	annotations.Annotation
	PageNumber int    `json:"page_number"`
	ImageURL   string `json:"image_url"`
}

// Resolution は解決結果です。
type Resolution struct {
	CatalogID   string       `json:"catalog_id"`
	JobID       string       `json:"job_id,omitempty"`
	Source      string       `json:"source"`
	Strategy    string       `json:"strategy,omitempty"`
	Annotations []Annotation `json:"annotations"`
}

// Strategy は候補ジョブを1つ探す手順です。
type Strategy struct {
	Name string
	Find func(catalogID string) (jobs.Record, bool)
}

// Resolver は戦略を順に試します。
type Resolver struct {
	jobs       JobSource
	store      AnnotationSource
	strategies []Strategy
	logger     *log.Logger
}

// New は Resolver を作成します。
func New(jobSource JobSource, store AnnotationSource, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	r := &Resolver{jobs: jobSource, store: store, logger: logger}
	r.strategies = []Strategy{
		{Name: "owner", Find: r.latestOwned},
		{Name: "legacy_id", Find: func(catalogID string) (jobs.Record, bool) {
			return r.completedByID(LegacyJobID(catalogID))
		}},
		{Name: "raw_id", Find: r.completedByID},
	}
	return r
}

// Strategies は試行順の戦略一覧を返します。
func (r *Resolver) Strategies() []Strategy {
	return append([]Strategy(nil), r.strategies...)
}

// Resolve は完了済みジョブの結果、なければ手動アノテーションを返します。
// どちらも得られない場合は NotFound を返します。
func (r *Resolver) Resolve(ctx context.Context, catalogID string) (*Resolution, error) {
	if catalogID == "" {
		return nil, apperr.Validation("catalogId を指定してください。")
	}

	for _, strategy := range r.strategies {
		rec, ok := strategy.Find(catalogID)
		if !ok {
			continue
		}
		return &Resolution{
			CatalogID:   catalogID,
			JobID:       rec.ID,
			Source:      SourceJob,
			Strategy:    strategy.Name,
			Annotations: Flatten(catalogID, rec.Result),
		}, nil
	}

	anns, err := r.manual(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	if len(anns) == 0 {
		return nil, apperr.NotFound("RESULT_NOT_FOUND", "指定されたカタログの検出結果は見つかりませんでした。")
	}
	return &Resolution{
		CatalogID:   catalogID,
		Source:      SourceManual,
		Annotations: anns,
	}, nil
}

// latestOwned はカタログに紐づく完了済みジョブのうち、最も新しく作成されたものを返します。
func (r *Resolver) latestOwned(catalogID string) (jobs.Record, bool) {
	list := r.jobs.List(jobs.KindCatalogDetection)
	for i := len(list) - 1; i >= 0; i-- {
		rec := list[i]
		if rec.Owner.CatalogID == catalogID && rec.Status == jobs.StatusCompleted {
			return rec, true
		}
	}
	return jobs.Record{}, false
}

func (r *Resolver) completedByID(id string) (jobs.Record, bool) {
	for _, kind := range []jobs.Kind{jobs.KindCatalogDetection, jobs.KindSingleImageDetection} {
		rec, err := r.jobs.Get(kind, id)
		if err != nil {
			continue
		}
		if rec.Status == jobs.StatusCompleted {
			return rec, true
		}
	}
	return jobs.Record{}, false
}

func (r *Resolver) manual(ctx context.Context, catalogID string) ([]Annotation, error) {
	if r.store == nil {
		return nil, nil
	}
	catalog, err := r.store.Catalog(ctx, catalogID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := []Annotation{}
	for page := 1; page <= catalog.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		anns, err := r.store.PageAnnotations(ctx, catalogID, page)
		if err != nil {
			r.logger.Printf("failed to read manual annotations catalog=%s page=%d: %v", catalogID, page, err)
			continue
		}
		for _, ann := range anns {
			out = append(out, Annotation{
				Annotation: ann,
				PageNumber: page,
				ImageURL:   annotations.PageImagePath(catalogID, page),
			})
		}
	}
	return out, nil
}

// Flatten はジョブ結果をページ番号付きのアノテーション一覧に変換します。未知の型は空の一覧になります。
func Flatten(catalogID string, result any) []Annotation {
	out := []Annotation{}
	switch res := result.(type) {
	case *detection.CatalogResult:
		if res == nil {
			return out
		}
		return Flatten(catalogID, *res)
	case detection.CatalogResult:
		for _, page := range res.Pages {
			imageURL := page.ImagePath
			if imageURL == "" {
				imageURL = annotations.PageImagePath(catalogID, page.PageNumber)
			}
			for _, ann := range page.Annotations {
				out = append(out, Annotation{Annotation: ann, PageNumber: page.PageNumber, ImageURL: imageURL})
			}
		}
	case *detection.ImageResult:
		if res == nil {
			return out
		}
		return Flatten(catalogID, *res)
	case detection.ImageResult:
		for _, ann := range res.Objects {
			out = append(out, Annotation{Annotation: ann, PageNumber: 1})
		}
	}
	return out
}
