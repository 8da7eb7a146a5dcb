package annotations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yourusername/catalog-vision/internal/apperr"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/catalogs/cat-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"catalog_id":"cat-1","page_count":3}`))
	})
	mux.HandleFunc("/catalogs/no-count", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"catalog_id":"no-count"}`))
	})
	mux.HandleFunc("/catalogs/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/annotations/cat-1/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"annotations":[{"id":"a1","type":"produto","bbox":{"x1":1,"y1":2,"x2":3,"y2":4},"confidence":1}]}`))
	})
	mux.HandleFunc("/catalogs/cat-1/pages/2/image", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg-bytes"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCatalog(t *testing.T) {
	srv := newTestServer(t)
	client := NewClient(srv.URL+"/", time.Second)

	catalog, err := client.Catalog(context.Background(), "cat-1")
	if err != nil {
		t.Fatalf("Catalog returned error: %v", err)
	}
	if catalog.PageCount != 3 || catalog.CatalogID != "cat-1" {
		t.Fatalf("unexpected catalog: %#v", catalog)
	}

	catalog, err = client.Catalog(context.Background(), "no-count")
	if err != nil {
		t.Fatalf("Catalog returned error: %v", err)
	}
	if catalog.PageCount != 1 {
		t.Fatalf("page count = %d, want default 1", catalog.PageCount)
	}
}

func TestCatalogErrors(t *testing.T) {
	srv := newTestServer(t)
	client := NewClient(srv.URL, time.Second)

	if _, err := client.Catalog(context.Background(), "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.Catalog(context.Background(), "broken"); !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestPageAnnotations(t *testing.T) {
	srv := newTestServer(t)
	client := NewClient(srv.URL, time.Second)

	anns, err := client.PageAnnotations(context.Background(), "cat-1", 1)
	if err != nil {
		t.Fatalf("PageAnnotations returned error: %v", err)
	}
	if len(anns) != 1 || anns[0].Type != "produto" || anns[0].BBox.X2 != 3 {
		t.Fatalf("unexpected annotations: %#v", anns)
	}

	anns, err = client.PageAnnotations(context.Background(), "cat-1", 9)
	if err != nil {
		t.Fatalf("missing page should not fail: %v", err)
	}
	if len(anns) != 0 {
		t.Fatalf("expected no annotations, got %#v", anns)
	}
}

func TestPageImage(t *testing.T) {
	srv := newTestServer(t)
	client := NewClient(srv.URL, time.Second)

	data, err := client.PageImage(context.Background(), "cat-1", 2)
	if err != nil {
		t.Fatalf("PageImage returned error: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected body: %q", data)
	}
}

func TestPageImageTooLarge(t *testing.T) {
	srv := newTestServer(t)
	client := NewClient(srv.URL, time.Second)
	client.maxImageSize = 4

	_, err := client.PageImage(context.Background(), "cat-1", 2)
	if !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	client.maxImageSize = int64(len("jpeg-bytes"))
	if _, err := client.PageImage(context.Background(), "cat-1", 2); err != nil {
		t.Fatalf("image at the limit returned error: %v", err)
	}
}

func TestUnreachableStore(t *testing.T) {
	srv := newTestServer(t)
	srv.Close()
	client := NewClient(srv.URL, 200*time.Millisecond)
	if _, err := client.Catalog(context.Background(), "cat-1"); !apperr.Is(err, apperr.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestPageImagePath(t *testing.T) {
	if got := PageImagePath("cat 1", 4); got != "/api/catalogs/cat%201/pages/4/image" {
		t.Fatalf("PageImagePath = %q", got)
	}
}
