package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscoverSitemapURLSet(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/a</loc></url>
  <url><loc>%s/b</loc></url>
</urlset>`, srv.URL, srv.URL)
	})

	got := discoverSitemap(context.Background(), testClient(), srv.URL+"/", "", slog.Default())
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 seeds", got)
	}
	if got[0] != srv.URL+"/a" || got[1] != srv.URL+"/b" {
		t.Errorf("seeds = %v", got)
	}
}

func TestDiscoverSitemapIndexOneLevel(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/child.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	// The child is itself an index; recursion must stop here.
	mux.HandleFunc("/child.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/grandchild.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/grandchild.xml", func(w http.ResponseWriter, r *http.Request) {
		t.Error("sitemap index followed more than one level")
	})

	got := discoverSitemap(context.Background(), testClient(), srv.URL+"/", "", slog.Default())
	if len(got) != 0 {
		t.Errorf("got %v, want no seeds from a nested index", got)
	}
}

func TestDiscoverSitemapIndexFlattens(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<sitemapindex><sitemap><loc>%s/part1.xml</loc></sitemap><sitemap><loc>%s/part2.xml</loc></sitemap></sitemapindex>`,
			srv.URL, srv.URL)
	})
	mux.HandleFunc("/part1.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/1</loc></url></urlset>`, srv.URL)
	})
	mux.HandleFunc("/part2.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/2</loc></url></urlset>`, srv.URL)
	})

	got := discoverSitemap(context.Background(), testClient(), srv.URL+"/", "", slog.Default())
	if len(got) != 2 {
		t.Fatalf("got %v, want both children's URLs", got)
	}
}

func TestDiscoverSitemapMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	if got := discoverSitemap(context.Background(), testClient(), srv.URL+"/", "", slog.Default()); got != nil {
		t.Errorf("got %v, want nil for a missing sitemap", got)
	}
}

func TestDiscoverSitemapOverride(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/custom-map.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/only</loc></url></urlset>`, srv.URL)
	})

	got := discoverSitemap(context.Background(), testClient(), srv.URL+"/", srv.URL+"/custom-map.xml", slog.Default())
	if len(got) != 1 || got[0] != srv.URL+"/only" {
		t.Errorf("got %v, want the override sitemap's URL", got)
	}
}
