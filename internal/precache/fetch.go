package precache

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher performs the network half of a request. A nil entry with a nil
// error is treated like a failed fetch by the controller.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*CacheEntry, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*CacheEntry, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*CacheEntry, error) {
	return f(ctx, req)
}

type originFetcher struct {
	origin     *url.URL
	httpClient *http.Client
}

func newOriginFetcher(origin string, timeout time.Duration) (*originFetcher, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}
	return &originFetcher{
		origin:     u,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// resolve maps origin-relative request URLs onto the origin.
func (f *originFetcher) resolve(u *url.URL) *url.URL {
	if u.IsAbs() {
		return u
	}
	return f.origin.ResolveReference(u)
}

func (f *originFetcher) Fetch(ctx context.Context, req *Request) (*CacheEntry, error) {
	target := f.resolve(req.URL)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	ent := &CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
		Type:     f.responseType(final, resp.Header),
		URL:      final.String(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (f *originFetcher) responseType(final *url.URL, h http.Header) ResponseType {
	if sameOrigin(final, f.origin) {
		return TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Host":                {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
