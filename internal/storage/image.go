// Package storage はカタログのページ画像と単体画像の取得を提供します。
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

// MaxImageSize は取得する画像1枚あたりの上限サイズです。
const MaxImageSize = 50 * 1024 * 1024

// Image は検証済みの画像データです。
type Image struct {
	Data []byte
	MIME string
}

// Store はカタログのページ画像の保存先です。
type Store interface {
	FetchPage(ctx context.Context, catalogID string, page int) (*Image, error)
	PageExists(ctx context.Context, catalogID string, page int) (bool, error)
}

// NewImage は内容から MIME タイプを判定し、画像でなければエラーを返します。
func NewImage(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, apperr.Validation("画像データが空です。")
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, apperr.Validation(fmt.Sprintf("画像ファイルではありません（%s）。", mtype.String()))
	}
	return &Image{Data: data, MIME: mtype.String()}, nil
}

// Fetcher は URL で指定された画像を取得します。
type Fetcher struct {
	client *http.Client
}

// NewFetcher は Fetcher を作成します。timeout は1回の取得ごとの上限です。
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// FetchURL は画像を取得して検証します。
func (f *Fetcher) FetchURL(ctx context.Context, rawURL string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Validation("画像URLが不正です。")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("画像を取得できませんでした。", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.NotFound("IMAGE_NOT_FOUND", "画像が見つかりませんでした。")
	}
	if resp.StatusCode >= 300 {
		return nil, apperr.Upstream("画像を取得できませんでした。", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, apperr.Upstream("画像の読み込みに失敗しました。", err)
	}
	if len(data) > MaxImageSize {
		return nil, apperr.Validation("画像サイズが上限を超えています。")
	}
	return NewImage(data)
}

func pageKey(catalogID string, page int) string {
	return fmt.Sprintf("images/%s/page_%d.jpg", catalogID, page)
}
