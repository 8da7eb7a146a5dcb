package models

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/catalog-vision/internal/detection"
)

// 学習設定の既定値
const (
	DefaultBaseModel = "faster_rcnn_R_50_FPN_3x"
	DefaultMaxIter   = 1000
)

// Presets は名前付きの学習設定です。
type Presets map[string]detection.TrainingConfig

type presetsFile struct {
	Presets Presets `yaml:"presets"`
}

// LoadPresets は YAML ファイルから学習プリセットを読み込みます。path が空の場合は空のプリセットを返します。
//
//	presets:
//	  fast:
//	    base_model: faster_rcnn_R_50_FPN_3x
//	    max_iter: 300
func LoadPresets(path string) (Presets, error) {
	if strings.TrimSpace(path) == "" {
		return Presets{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets: %w", err)
	}
	var file presetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}
	if file.Presets == nil {
		file.Presets = Presets{}
	}
	for name, cfg := range file.Presets {
		if cfg.MaxIter < 0 || cfg.LearningRate < 0 || cfg.BatchSize < 0 {
			return nil, fmt.Errorf("preset %q has negative values", name)
		}
	}
	return file.Presets, nil
}

// Resolve は既定値、プリセット、リクエストの順に値を上書きした設定を返します。
func (p Presets) Resolve(name string, override detection.TrainingConfig) (detection.TrainingConfig, error) {
	cfg := detection.TrainingConfig{
		BaseModel: DefaultBaseModel,
		MaxIter:   DefaultMaxIter,
	}
	if name != "" {
		preset, ok := p[name]
		if !ok {
			return cfg, fmt.Errorf("unknown preset: %s", name)
		}
		merge(&cfg, preset)
	}
	merge(&cfg, override)
	return cfg, nil
}

func merge(dst *detection.TrainingConfig, src detection.TrainingConfig) {
	if src.BaseModel != "" {
		dst.BaseModel = src.BaseModel
	}
	if src.MaxIter > 0 {
		dst.MaxIter = src.MaxIter
	}
	if src.LearningRate > 0 {
		dst.LearningRate = src.LearningRate
	}
	if src.BatchSize > 0 {
		dst.BatchSize = src.BatchSize
	}
}
