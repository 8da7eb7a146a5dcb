package models

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	redis "github.com/redis/go-redis/v9"
)

// DefaultSnapshotFile はスナップショットファイル名の既定値です。
const DefaultSnapshotFile = "models_metadata.json"

// SnapshotStore はスナップショット1件を保存する先です。保存は常に全体の上書きです。
type SnapshotStore interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// FileSnapshot はローカルファイルにスナップショットを保存します。
type FileSnapshot struct {
	path string
}

// NewFileSnapshot は FileSnapshot を作成します。
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// Path は保存先のパスを返します。
func (f *FileSnapshot) Path() string {
	return f.path
}

// Save は一時ファイルに書き込んでから置き換えます。
func (f *FileSnapshot) Save(ctx context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".models-*.json")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load はスナップショットを読み込みます。存在しない場合は ErrSnapshotNotFound を返します。
func (f *FileSnapshot) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// RedisSnapshot は Redis の1キーにスナップショットを保存します。
type RedisSnapshot struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSnapshot は RedisSnapshot を作成します。
func NewRedisSnapshot(client redis.UniversalClient, key string) *RedisSnapshot {
	if key == "" {
		key = "catalog-vision:models"
	}
	return &RedisSnapshot{client: client, key: key}
}

// Save はキーを上書きします。
func (r *RedisSnapshot) Save(ctx context.Context, data []byte) error {
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot to redis: %w", err)
	}
	return nil
}

// Load はキーを読み込みます。
func (r *RedisSnapshot) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot from redis: %w", err)
	}
	return data, nil
}
