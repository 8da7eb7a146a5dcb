package detection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/yourusername/catalog-vision/internal/dataset"
)

// TrainingConfig は学習のハイパーパラメータです。
type TrainingConfig struct {
	BaseModel    string  `json:"base_model" yaml:"base_model"`
	MaxIter      int     `json:"max_iter" yaml:"max_iter"`
	LearningRate float64 `json:"learning_rate,omitempty" yaml:"learning_rate"`
	BatchSize    int     `json:"batch_size,omitempty" yaml:"batch_size"`
}

// ReportFunc は学習の各イテレーション後に呼ばれます。エラーを返すと学習を中断します。
type ReportFunc func(iteration, total int, loss float64) error

// Trainer は分割済みデータセットでモデルを学習し、評価指標を返します。
type Trainer interface {
	Train(ctx context.Context, cfg TrainingConfig, data dataset.Result, report ReportFunc) (map[string]float64, error)
}

// SimulatedTrainer は一定間隔でイテレーションを進める学習の代替実装です。
type SimulatedTrainer struct {
	StepDelay time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedTrainer は SimulatedTrainer を作成します。
func NewSimulatedTrainer(stepDelay time.Duration) *SimulatedTrainer {
	return &SimulatedTrainer{
		StepDelay: stepDelay,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Train は MaxIter 回のイテレーションを実行します。
func (t *SimulatedTrainer) Train(ctx context.Context, cfg TrainingConfig, data dataset.Result, report ReportFunc) (map[string]float64, error) {
	if cfg.MaxIter <= 0 {
		return nil, fmt.Errorf("max_iter must be positive")
	}
	if len(data.Train) == 0 {
		return nil, fmt.Errorf("training set is empty")
	}

	var ticker *time.Ticker
	if t.StepDelay > 0 {
		ticker = time.NewTicker(t.StepDelay)
		defer ticker.Stop()
	}

	for i := 1; i <= cfg.MaxIter; i++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		progress := float64(i) / float64(cfg.MaxIter)
		loss := 5.0 - 4.0*progress
		if report != nil {
			if err := report(i, cfg.MaxIter, loss); err != nil {
				return nil, err
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rng := t.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		t.rng = rng
	}
	return map[string]float64{
		"accuracy":  0.85 + rng.Float64()*0.1,
		"precision": 0.80 + rng.Float64()*0.15,
		"recall":    0.82 + rng.Float64()*0.12,
	}, nil
}
