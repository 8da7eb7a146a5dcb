package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

// S3Config は S3 互換ストレージの接続設定です。
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3 は S3 互換ストレージ（MinIO など）からページ画像を読み込みます。
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 は S3 を作成します。
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// FetchPage はページ画像を読み込みます。
func (s *S3) FetchPage(ctx context.Context, catalogID string, page int) (*Image, error) {
	if err := validateID(catalogID); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, pageKey(catalogID, page), minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Upstream("ページ画像の取得に失敗しました。", fmt.Errorf("s3 get object: %w", err))
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, MaxImageSize+1))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, apperr.NotFound("PAGE_NOT_FOUND", fmt.Sprintf("ページ %d の画像が見つかりませんでした。", page))
		}
		return nil, apperr.Upstream("ページ画像の取得に失敗しました。", fmt.Errorf("s3 read object: %w", err))
	}
	if len(data) > MaxImageSize {
		return nil, apperr.Validation("画像サイズが上限を超えています。")
	}
	return NewImage(data)
}

// PageExists はオブジェクトの存在を確認します。
func (s *S3) PageExists(ctx context.Context, catalogID string, page int) (bool, error) {
	if err := validateID(catalogID); err != nil {
		return false, err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, pageKey(catalogID, page), minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 stat object: %w", err)
	}
	return true, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
