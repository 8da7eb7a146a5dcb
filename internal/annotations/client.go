// Package annotations は外部のアノテーションストア（カタログ・ページ情報）への HTTP クライアントを提供します。
package annotations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

// BoundingBox は矩形座標です。
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Annotation はページ上の1領域です。Type がクラスラベルを表します。
type Annotation struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	BBox       BoundingBox    `json:"bbox"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Catalog はカタログの概要です。
type Catalog struct {
	CatalogID string `json:"catalog_id"`
	PageCount int    `json:"page_count"`
}

type pageAnnotations struct {
	Annotations []Annotation `json:"annotations"`
}

// PageImagePath はページ画像の公開パスを返します。
func PageImagePath(catalogID string, page int) string {
	return fmt.Sprintf("/api/catalogs/%s/pages/%d/image", url.PathEscape(catalogID), page)
}

// maxPageImageSize はページ画像として受け付ける最大バイト数です。
const maxPageImageSize = 50 << 20

// Client はアノテーションストアのクライアントです。
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxImageSize int64
}

// NewClient は Client を作成します。timeout は1回の呼び出しごとの上限です。
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		maxImageSize: maxPageImageSize,
	}
}

// Catalog はカタログ情報を取得します。page_count が欠けている場合は 1 とみなします。
func (c *Client) Catalog(ctx context.Context, catalogID string) (*Catalog, error) {
	var out struct {
		CatalogID string `json:"catalog_id"`
		PageCount *int   `json:"page_count"`
	}
	if err := c.getJSON(ctx, "/catalogs/"+url.PathEscape(catalogID), "CATALOG_NOT_FOUND", &out); err != nil {
		return nil, err
	}
	catalog := &Catalog{CatalogID: out.CatalogID, PageCount: 1}
	if catalog.CatalogID == "" {
		catalog.CatalogID = catalogID
	}
	if out.PageCount != nil {
		catalog.PageCount = *out.PageCount
	}
	return catalog, nil
}

// PageAnnotations はページに保存されている手動アノテーションを取得します。
// ページにアノテーションが存在しない場合は空のスライスを返します。
func (c *Client) PageAnnotations(ctx context.Context, catalogID string, page int) ([]Annotation, error) {
	var out pageAnnotations
	path := fmt.Sprintf("/annotations/%s/%d", url.PathEscape(catalogID), page)
	if err := c.getJSON(ctx, path, "ANNOTATIONS_NOT_FOUND", &out); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return []Annotation{}, nil
		}
		return nil, err
	}
	if out.Annotations == nil {
		out.Annotations = []Annotation{}
	}
	return out.Annotations, nil
}

// PageImage はページ画像をアノテーションストアから取得します。上限を超える画像は Upstream エラーになります。
func (c *Client) PageImage(ctx context.Context, catalogID string, page int) ([]byte, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/catalogs/%s/pages/%d/image", url.PathEscape(catalogID), page))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "PAGE_NOT_FOUND"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxImageSize+1))
	if err != nil {
		return nil, apperr.Upstream("ページ画像の読み込みに失敗しました。", err)
	}
	if int64(len(data)) > c.maxImageSize {
		return nil, apperr.Upstream("ページ画像のサイズが上限を超えています。",
			fmt.Errorf("page image exceeds %d bytes catalog=%s page=%d", c.maxImageSize, catalogID, page))
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path, notFoundCode string, dst any) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, notFoundCode); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return apperr.Upstream("アノテーションストアの応答を解析できませんでした。", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperr.Upstream("アノテーションストアへのリクエスト作成に失敗しました。", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Upstream("アノテーションストアに接続できませんでした。", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, notFoundCode string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.NotFound(notFoundCode, "指定されたリソースが見つかりませんでした。")
	case resp.StatusCode >= 300:
		return apperr.Upstream("アノテーションストアがエラーを返しました。", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
