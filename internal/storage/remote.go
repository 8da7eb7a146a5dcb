package storage

import (
	"context"

	"github.com/yourusername/catalog-vision/internal/annotations"
	"github.com/yourusername/catalog-vision/internal/apperr"
)

// PageImageSource はページ画像を配信する外部サービスです。
type PageImageSource interface {
	PageImage(ctx context.Context, catalogID string, page int) ([]byte, error)
}

// Remote はアノテーションストアが配信するページ画像を利用します。
type Remote struct {
	source PageImageSource
}

// NewRemote は Remote を作成します。
func NewRemote(source PageImageSource) *Remote {
	return &Remote{source: source}
}

// NewRemoteFromClient はアノテーションストアのクライアントから Remote を作成します。
func NewRemoteFromClient(client *annotations.Client) *Remote {
	return NewRemote(client)
}

// FetchPage はページ画像を取得します。
func (r *Remote) FetchPage(ctx context.Context, catalogID string, page int) (*Image, error) {
	data, err := r.source.PageImage(ctx, catalogID, page)
	if err != nil {
		return nil, err
	}
	return NewImage(data)
}

// PageExists は画像を取得できるかで存在を判定します。
func (r *Remote) PageExists(ctx context.Context, catalogID string, page int) (bool, error) {
	_, err := r.source.PageImage(ctx, catalogID, page)
	if err == nil {
		return true, nil
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return false, err
}
