// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// データ配置
	DataDir            string // ページ画像・アップロードPDFの保存先
	ModelsDir          string // モデル成果物の保存先
	ModelsSnapshotFile string // モデル一覧スナップショットのファイル名（ModelsDir からの相対パス可）

	// 外部サービス
	BackendURL          string        // アノテーションストアのベースURL
	ExternalCallTimeout time.Duration // 外部呼び出し1回あたりのタイムアウト

	// ページ画像の取得元
	ImageSource string // local, http, s3
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool

	// ジョブ/キュー設定
	JobDispatcher    string        // local, asynq
	QueueRedisURL    string        // Asynq用Redis接続URL
	QueueConcurrency int           // Asynqワーカーの並列数
	JobTimeout       time.Duration // ジョブ全体の実行時間上限（0 は無制限）
	JobLogCapacity   int           // ジョブごとのログ保持行数

	// モデルスナップショット
	SnapshotBackend  string // file, redis
	SnapshotRedisKey string // redis 利用時のキー

	// 学習・検出設定
	SplitRatio           float64       // 学習用データの割合
	SplitSeed            int64         // シャッフルのシード（0 は時刻）
	DefaultMinConfidence float64       // 検出結果を採用する信頼度の既定値
	TrainingStepDelay    time.Duration // 学習1イテレーションの間隔
	TrainingLogEvery     int           // 学習ログを出力するイテレーション間隔
	TrainingPresetsFile  string        // 学習プリセットのYAMLファイル

	// イベント通知
	AMQPURL        string // RabbitMQ接続URL（空の場合は通知しない）
	EventsExchange string // イベントを送信する exchange
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// データ配置
		DataDir:            getEnv("DATA_DIR", "/data"),
		ModelsDir:          getEnv("MODELS_DIR", "/models"),
		ModelsSnapshotFile: getEnv("MODELS_SNAPSHOT_FILE", "models_metadata.json"),

		// 外部サービス
		BackendURL:          getEnv("BACKEND_URL", "http://backend:8000"),
		ExternalCallTimeout: getEnvAsDuration("EXTERNAL_CALL_TIMEOUT", 30*time.Second),

		// ページ画像の取得元
		ImageSource: strings.ToLower(getEnv("IMAGE_SOURCE", "local")),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getEnvAsBool("S3_USE_SSL", false),

		// ジョブ/キュー設定
		JobDispatcher:    strings.ToLower(getEnv("JOB_DISPATCHER", "local")),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueConcurrency: getEnvAsInt("QUEUE_CONCURRENCY", 4),
		JobTimeout:       getEnvAsDuration("JOB_TIMEOUT", 0),
		JobLogCapacity:   getEnvAsInt("JOB_LOG_CAPACITY", 20),

		// モデルスナップショット
		SnapshotBackend:  strings.ToLower(getEnv("SNAPSHOT_BACKEND", "file")),
		SnapshotRedisKey: getEnv("SNAPSHOT_REDIS_KEY", "catalog-vision:models"),

		// 学習・検出設定
		SplitRatio:           getEnvAsFloat("SPLIT_RATIO", 0.8),
		SplitSeed:            getEnvAsInt64("SPLIT_SEED", 0),
		DefaultMinConfidence: getEnvAsFloat("DEFAULT_MIN_CONFIDENCE", 0.7),
		TrainingStepDelay:    getEnvAsDuration("TRAINING_STEP_DELAY", time.Second),
		TrainingLogEvery:     getEnvAsInt("TRAINING_LOG_EVERY", 200),
		TrainingPresetsFile:  getEnv("TRAINING_PRESETS_FILE", ""),

		// イベント通知
		AMQPURL:        getEnv("AMQP_URL", ""),
		EventsExchange: getEnv("EVENTS_EXCHANGE", "catalog.jobs"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// SnapshotPath はモデルスナップショットファイルのパスを返します。
func (c *Config) SnapshotPath() string {
	if filepath.IsAbs(c.ModelsSnapshotFile) {
		return c.ModelsSnapshotFile
	}
	return filepath.Join(c.ModelsDir, c.ModelsSnapshotFile)
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.ImageSource {
	case "local", "http", "s3":
	default:
		return fmt.Errorf("IMAGE_SOURCE must be one of local, http, s3: %q", c.ImageSource)
	}
	switch c.JobDispatcher {
	case "local", "asynq":
	default:
		return fmt.Errorf("JOB_DISPATCHER must be local or asynq: %q", c.JobDispatcher)
	}
	switch c.SnapshotBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("SNAPSHOT_BACKEND must be file or redis: %q", c.SnapshotBackend)
	}
	if c.SplitRatio <= 0 || c.SplitRatio > 1 {
		return fmt.Errorf("SPLIT_RATIO must be in (0, 1]: %v", c.SplitRatio)
	}
	if c.DefaultMinConfidence < 0 || c.DefaultMinConfidence > 1 {
		return fmt.Errorf("DEFAULT_MIN_CONFIDENCE must be in [0, 1]: %v", c.DefaultMinConfidence)
	}
	if c.JobLogCapacity <= 0 {
		return fmt.Errorf("JOB_LOG_CAPACITY must be positive: %d", c.JobLogCapacity)
	}
	if c.ImageSource == "s3" && (c.S3Endpoint == "" || c.S3Bucket == "") {
		return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required when IMAGE_SOURCE=s3")
	}
	if (c.JobDispatcher == "asynq" || c.SnapshotBackend == "redis") && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for asynq dispatch or redis snapshots")
	}

	// 本番環境では外部サービスの設定を必須とする
	if c.GinMode == "release" {
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required in release mode")
		}
		if c.ModelsDir == "" {
			return fmt.Errorf("MODELS_DIR is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します。"30s" 形式のほか秒数の整数も受け付けます。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
