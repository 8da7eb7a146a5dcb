// Package dataset は学習用サンプルの収集結果を学習用と検証用に分割します。
package dataset

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"
)

// DefaultRatio は学習用に割り当てる割合の既定値です。
const DefaultRatio = 0.8

// Box は矩形領域です。
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Region はラベル付きの矩形です。
type Region struct {
	Label string `json:"label"`
	Box   Box    `json:"bbox"`
}

// Sample は画像1枚分の学習サンプルです。
type Sample struct {
	CatalogID  string   `json:"catalogId"`
	PageNumber int      `json:"pageNumber"`
	ImageRef   string   `json:"imageRef"`
	Regions    []Region `json:"regions"`
}

// Locator はサンプルの元画像が存在するかを確認します。
type Locator interface {
	PageExists(ctx context.Context, catalogID string, page int) (bool, error)
}

// Result は分割結果です。
type Result struct {
	Train    []Sample
	Val      []Sample
	Classes  []string
	Excluded int
}

// Splitter はサンプルの除外・シャッフル・分割を行います。
type Splitter struct {
	Ratio   float64
	Rand    *rand.Rand
	Locator Locator
	Logger  *log.Logger
}

// NewSplitter は Splitter を作成します。seed が 0 の場合は現在時刻を使います。
func NewSplitter(ratio float64, seed int64, locator Locator, logger *log.Logger) *Splitter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Splitter{
		Ratio:   ratio,
		Rand:    rand.New(rand.NewSource(seed)),
		Locator: locator,
		Logger:  logger,
	}
}

// Split は元画像が見つからないサンプルを除外してから分割します。
// 除外はジョブの失敗として扱わず、ログにのみ残します。
func (s *Splitter) Split(ctx context.Context, samples []Sample) (Result, error) {
	kept := make([]Sample, 0, len(samples))
	excluded := 0
	for _, sample := range samples {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if s.Locator != nil {
			ok, err := s.Locator.PageExists(ctx, sample.CatalogID, sample.PageNumber)
			if err != nil {
				s.logf("failed to locate image catalog=%s page=%d: %v", sample.CatalogID, sample.PageNumber, err)
				excluded++
				continue
			}
			if !ok {
				s.logf("image not found, sample excluded catalog=%s page=%d", sample.CatalogID, sample.PageNumber)
				excluded++
				continue
			}
		}
		kept = append(kept, sample)
	}

	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	train, val := Partition(kept, s.Ratio, rng)
	return Result{
		Train:    train,
		Val:      val,
		Classes:  Classes(kept),
		Excluded: excluded,
	}, nil
}

func (s *Splitter) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Partition はサンプルをシャッフルし、floor(n*ratio) の位置で分割します。
// サンプルが1件以上あれば学習用は必ず1件以上になります。
// ratio が (0, 1] の範囲外の場合は DefaultRatio を使います。入力スライスは変更しません。
func Partition(samples []Sample, ratio float64, rng *rand.Rand) (train, val []Sample) {
	n := len(samples)
	if n == 0 {
		return []Sample{}, []Sample{}
	}
	if math.IsNaN(ratio) || ratio <= 0 || ratio > 1 {
		ratio = DefaultRatio
	}

	shuffled := append([]Sample(nil), samples...)
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
	}

	// 0.8*5 のような値が浮動小数点誤差で 3.9999… にならないよう補正する
	split := int(math.Floor(float64(n)*ratio + 1e-9))
	if split < 1 {
		split = 1
	}
	if split > n {
		split = n
	}
	return shuffled[:split:split], shuffled[split:]
}

// Classes はサンプルに含まれるラベルを重複なしの昇順で返します。
func Classes(samples []Sample) []string {
	seen := make(map[string]struct{})
	for _, sample := range samples {
		for _, region := range sample.Regions {
			if region.Label == "" {
				continue
			}
			seen[region.Label] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for label := range seen {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}
