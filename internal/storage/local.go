package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

// Local は DATA_DIR 配下のファイルからページ画像を読み込みます。
//
//	<dir>/images/<catalogID>/page_<n>.jpg
//	<dir>/uploads/<catalogID>.pdf
type Local struct {
	dir string
}

// NewLocal は Local を作成します。
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// FetchPage はページ画像を読み込みます。
func (l *Local) FetchPage(ctx context.Context, catalogID string, page int) (*Image, error) {
	path, err := l.pagePath(catalogID, page)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.NotFound("PAGE_NOT_FOUND", fmt.Sprintf("ページ %d の画像が見つかりませんでした。", page))
		}
		return nil, apperr.Upstream("ページ画像の読み込みに失敗しました。", err)
	}
	return NewImage(data)
}

// PageExists はページ画像が存在するかを返します。
func (l *Local) PageExists(ctx context.Context, catalogID string, page int) (bool, error) {
	path, err := l.pagePath(catalogID, page)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// PageCount はアップロード済み PDF のページ数を返します。
func (l *Local) PageCount(ctx context.Context, catalogID string) (int, error) {
	if err := validateID(catalogID); err != nil {
		return 0, err
	}
	path := filepath.Join(l.dir, "uploads", catalogID+".pdf")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, apperr.NotFound("CATALOG_NOT_FOUND", "カタログのファイルが見つかりませんでした。")
		}
		return 0, err
	}
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, apperr.Upstream("PDFのページ数を取得できませんでした。", err)
	}
	return pages, nil
}

func (l *Local) pagePath(catalogID string, page int) (string, error) {
	if err := validateID(catalogID); err != nil {
		return "", err
	}
	if page < 1 {
		return "", apperr.Validation("ページ番号は1以上を指定してください。")
	}
	return filepath.Join(l.dir, filepath.FromSlash(pageKey(catalogID, page))), nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return apperr.Validation("カタログIDが不正です。")
	}
	return nil
}
