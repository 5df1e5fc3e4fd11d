package precache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// sitemapPrecacher fills the active generation with same-origin URLs listed in
// sitemaps. It is best effort: failures are logged, never fatal.
type sitemapPrecacher struct {
	sitemaps   []string
	origin     *url.URL
	rules      []Rule
	fetcher    Fetcher
	httpClient *http.Client
	logger     *zap.Logger
}

func (p *sitemapPrecacher) run(ctx context.Context, cache Cache) (stored int, ignored int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(p.sitemaps))
	for _, sm := range p.sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, p.normalizeMaybeRelativeURL(sm))
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return stored, ignored, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := p.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return stored, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			if nested == "" {
				continue
			}
			queue = append(queue, p.normalizeMaybeRelativeURL(nested))
		}

		for _, loc := range doc.URLs {
			ok, err := p.precacheLoc(ctx, cache, loc)
			if err != nil {
				p.logger.Debug("sitemap precache", zap.String("loc", loc), zap.Error(err))
			}
			if ok {
				stored++
			} else {
				ignored++
			}
		}
	}
	return stored, ignored, nil
}

func (p *sitemapPrecacher) precacheLoc(ctx context.Context, cache Cache, loc string) (bool, error) {
	u := p.originRelative(loc)
	if u == nil {
		return false, nil
	}
	if r := pickRule(p.rules, u); r != nil && r.Strategy == StrategyNetworkOnly {
		return false, nil
	}
	req := &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
	// Don't overwrite what users already pulled in.
	if _, ok, _ := cache.Match(req.Key()); ok {
		return false, nil
	}
	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return false, err
	}
	if !storable(resp) {
		return false, nil
	}
	return true, cache.Put(req.Key(), *resp)
}

// originRelative returns loc as an origin-relative URL, or nil when loc points
// at another origin.
func (p *sitemapPrecacher) originRelative(loc string) *url.URL {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil
	}
	if u.IsAbs() && !sameOrigin(u, p.origin) {
		return nil
	}
	out := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	if out.Path == "" {
		out.Path = "/"
	}
	if !strings.HasPrefix(out.Path, "/") {
		out.Path = "/" + out.Path
	}
	return out
}

func (p *sitemapPrecacher) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(p.origin.String(), "/") + u
}

func (p *sitemapPrecacher) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// Some servers serve a .gz URL and also set Content-Encoding gzip, in which
	// case the transport has already decompressed the body.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
