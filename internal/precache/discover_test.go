package precache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := io.WriteString(zw, s)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestSitemapPrecacher_Run(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<?xml version="1.0"?>
<sitemapindex><sitemap><loc>%s/pages.xml.gz</loc></sitemap></sitemapindex>`, srv.URL)
		case "/pages.xml.gz":
			_, _ = w.Write(gzipBytes(t, fmt.Sprintf(`<urlset>
  <url><loc>%[1]s/contracts</loc></url>
  <url><loc> /templates </loc></url>
  <url><loc>%[1]s/auth/login</loc></url>
  <url><loc>https://elsewhere.example/page</loc></url>
  <url><loc>%[1]s/already</loc></url>
  <url><loc>%[1]s/missing</loc></url>
</urlset>`, srv.URL)))
		case "/contracts", "/templates", "/already":
			_, _ = io.WriteString(w, "page "+r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetcher, err := newOriginFetcher(srv.URL, 5*time.Second)
	require.NoError(t, err)
	storage := newMemoryStorage(t)
	cache, err := storage.Open("v1")
	require.NoError(t, err)
	require.NoError(t, cache.Put("GET /already", *okEntry("kept")))

	p := &sitemapPrecacher{
		sitemaps: []string{"/sitemap.xml"},
		origin:   fetcher.origin,
		rules: []Rule{{
			Match:    "PathPrefix(/auth/)",
			Strategy: StrategyNetworkOnly,
			matchers: []matcher{pathPrefixMatcher{Prefix: "/auth/"}},
		}},
		fetcher:    fetcher,
		httpClient: fetcher.httpClient,
		logger:     zap.NewNop(),
	}

	stored, ignored, err := p.run(context.Background(), cache)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
	assert.Equal(t, 4, ignored)

	keys, err := cache.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /already", "GET /contracts", "GET /templates"}, keys)

	got, _, _ := cache.Match("GET /already")
	assert.Equal(t, "kept", string(got.Body))
}

func TestSitemapPrecacher_BadSitemap(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	fetcher, err := newOriginFetcher(srv.URL, time.Second)
	require.NoError(t, err)
	storage := newMemoryStorage(t)
	cache, err := storage.Open("v1")
	require.NoError(t, err)

	p := &sitemapPrecacher{
		sitemaps:   []string{"sitemap.xml"},
		origin:     fetcher.origin,
		fetcher:    fetcher,
		httpClient: fetcher.httpClient,
		logger:     zap.NewNop(),
	}
	_, _, err = p.run(context.Background(), cache)
	assert.ErrorContains(t, err, "unexpected status 404")
}
