package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func TestNewImage(t *testing.T) {
	img, err := NewImage(pngHeader)
	if err != nil {
		t.Fatalf("NewImage returned error: %v", err)
	}
	if img.MIME != "image/png" {
		t.Fatalf("mime = %s, want image/png", img.MIME)
	}

	if _, err := NewImage([]byte("%PDF-1.4\n% dummy")); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for pdf, got %v", err)
	}
	if _, err := NewImage(nil); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for empty data, got %v", err)
	}
}

func TestLocalFetchPage(t *testing.T) {
	dir := t.TempDir()
	pageDir := filepath.Join(dir, "images", "cat-1")
	if err := os.MkdirAll(pageDir, 0o755); err != nil {
		t.Fatalf("failed to create page dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pageDir, "page_1.jpg"), pngHeader, 0o640); err != nil {
		t.Fatalf("failed to write page: %v", err)
	}

	store := NewLocal(dir)
	ctx := context.Background()

	ok, err := store.PageExists(ctx, "cat-1", 1)
	if err != nil || !ok {
		t.Fatalf("PageExists(1) = %v, %v", ok, err)
	}
	ok, err = store.PageExists(ctx, "cat-1", 2)
	if err != nil || ok {
		t.Fatalf("PageExists(2) = %v, %v", ok, err)
	}

	img, err := store.FetchPage(ctx, "cat-1", 1)
	if err != nil {
		t.Fatalf("FetchPage returned error: %v", err)
	}
	if len(img.Data) != len(pngHeader) {
		t.Fatalf("unexpected data length %d", len(img.Data))
	}
	if _, err := store.FetchPage(ctx, "cat-1", 2); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	store := NewLocal(t.TempDir())
	if _, err := store.FetchPage(context.Background(), "../etc", 1); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.PageCount(context.Background(), ".."); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLocalPageCountMissing(t *testing.T) {
	store := NewLocal(t.TempDir())
	if _, err := store.PageCount(context.Background(), "cat-1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type stubSource struct {
	pages map[int][]byte
}

func (s stubSource) PageImage(ctx context.Context, catalogID string, page int) ([]byte, error) {
	data, ok := s.pages[page]
	if !ok {
		return nil, apperr.NotFound("PAGE_NOT_FOUND", "missing")
	}
	return data, nil
}

func TestRemote(t *testing.T) {
	store := NewRemote(stubSource{pages: map[int][]byte{1: pngHeader}})
	ctx := context.Background()

	if ok, err := store.PageExists(ctx, "c", 1); err != nil || !ok {
		t.Fatalf("PageExists(1) = %v, %v", ok, err)
	}
	if ok, err := store.PageExists(ctx, "c", 2); err != nil || ok {
		t.Fatalf("PageExists(2) = %v, %v", ok, err)
	}
	if _, err := store.FetchPage(ctx, "c", 1); err != nil {
		t.Fatalf("FetchPage returned error: %v", err)
	}
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write(pngHeader)
		case "/text":
			_, _ = w.Write([]byte("hello"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher := NewFetcher(time.Second)
	ctx := context.Background()

	if _, err := fetcher.FetchURL(ctx, srv.URL+"/ok.png"); err != nil {
		t.Fatalf("FetchURL returned error: %v", err)
	}
	if _, err := fetcher.FetchURL(ctx, srv.URL+"/text"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := fetcher.FetchURL(ctx, srv.URL+"/missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
