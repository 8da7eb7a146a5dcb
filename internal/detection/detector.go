// Package detection は物体検出と学習の実行部分を提供します。
// モデル内部の数値計算は扱わず、進捗を報告して結果を返す機能として抽象化します。
package detection

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/storage"
)

// DefaultMinConfidence は検出結果を採用する信頼度の既定値です。
const DefaultMinConfidence = 0.7

// Options は検出時のパラメータです。
type Options struct {
	ModelID       string
	Classes       []string
	MinConfidence float64
}

// Detector は画像1枚から領域を検出します。
type Detector interface {
	Detect(ctx context.Context, img *storage.Image, opts Options) ([]annotations.Annotation, error)
}

// SimulatedDetector は画像内容のハッシュから決定的な検出結果を生成します。
type SimulatedDetector struct{}

// Detect は MinConfidence 以上の領域のみを返します。
func (SimulatedDetector) Detect(ctx context.Context, img *storage.Image, opts Options) ([]annotations.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || len(img.Data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	h := fnv.New64a()
	_, _ = h.Write(img.Data)
	_, _ = h.Write([]byte(opts.ModelID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	classes := opts.Classes
	if len(classes) == 0 {
		classes = []string{"produto"}
	}

	count := 1 + rng.Intn(5)
	out := make([]annotations.Annotation, 0, count)
	for i := 0; i < count; i++ {
		x1 := rng.Float64() * 0.7
		y1 := rng.Float64() * 0.7
		confidence := 0.5 + rng.Float64()*0.49
		if confidence < opts.MinConfidence {
			continue
		}
		out = append(out, annotations.Annotation{
			ID:   fmt.Sprintf("det_%016x_%d", h.Sum64(), i),
			Type: classes[rng.Intn(len(classes))],
			BBox: annotations.BoundingBox{
				X1: x1,
				Y1: y1,
				X2: x1 + 0.05 + rng.Float64()*0.25,
				Y2: y1 + 0.05 + rng.Float64()*0.25,
			},
			Confidence: confidence,
			Metadata: map[string]any{
				"source": "detector",
			},
		})
	}
	return out, nil
}
