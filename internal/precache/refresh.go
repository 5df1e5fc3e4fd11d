package precache

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

func isStale(ent CacheEntry, maxAge time.Duration) bool {
	stored := time.Unix(ent.StoredAt, 0)
	return time.Since(stored) > maxAge
}

// revalidator refreshes cached entries in the background with bounded
// concurrency. Work beyond the bound is dropped, not queued.
type revalidator struct {
	fetcher Fetcher
	logger  *zap.Logger
	timeout time.Duration

	sem chan struct{}
	wg  sync.WaitGroup
}

func newRevalidator(fetcher Fetcher, logger *zap.Logger, timeout time.Duration) *revalidator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &revalidator{
		fetcher: fetcher,
		logger:  logger,
		timeout: timeout,
		sem:     make(chan struct{}, 32),
	}
}

func (rv *revalidator) async(cache Cache, req *Request) bool {
	select {
	case rv.sem <- struct{}{}:
	default:
		return false
	}
	// The incoming request is gone once the handler returns.
	bg := &Request{
		Method: http.MethodGet,
		URL:    req.URL,
		Header: anonymousHeader(req.Header),
	}

	rv.wg.Add(1)
	go func() {
		defer rv.wg.Done()
		defer func() { <-rv.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), rv.timeout)
		defer cancel()
		rv.once(ctx, cache, bg)
	}()
	return true
}

// once refetches req into cache. A response that is no longer cacheable
// evicts the key; an unchanged body leaves the stored entry alone.
func (rv *revalidator) once(ctx context.Context, cache Cache, req *Request) {
	key := req.Key()
	resp, err := rv.fetcher.Fetch(ctx, req)
	if err != nil || resp == nil {
		rv.logger.Debug("revalidate fetch failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !storable(resp) {
		if _, err := cache.Delete(key); err != nil {
			rv.logger.Debug("revalidate delete", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if cur, ok, _ := cache.Match(key); ok && cur.Hash32 == resp.Hash32 && cur.Status == resp.Status {
		// bump StoredAt so the entry is fresh again
		cur.StoredAt = resp.StoredAt
		_ = cache.Put(key, cur)
		return
	}
	if err := cache.Put(key, resp.Clone()); err != nil {
		rv.logger.Debug("revalidate put", zap.String("key", key), zap.Error(err))
	}
}

func (rv *revalidator) wait() { rv.wg.Wait() }

// anonymousHeader copies h without the caller's credentials. A refetch
// lands in the shared cache and must not carry one caller's session.
func anonymousHeader(h http.Header) http.Header {
	out := cloneHeader(h)
	if out == nil {
		return make(http.Header)
	}
	out.Del("Authorization")
	out.Del("Cookie")
	return out
}

func minRefreshInterval(rules []Rule) time.Duration {
	var out time.Duration
	for _, r := range rules {
		if r.refreshDur <= 0 {
			continue
		}
		if out == 0 || r.refreshDur < out {
			out = r.refreshDur
		}
	}
	return out
}

// refreshDue revalidates every key of cache whose rule asks for periodic
// refresh and whose interval has elapsed since lastRun.
func refreshDue(cache Cache, rules []Rule, rv *revalidator, lastRun map[int]time.Time, now time.Time, stop <-chan struct{}) int {
	due := map[int]bool{}
	for i := range rules {
		if rules[i].refreshDur > 0 && now.Sub(lastRun[i]) >= rules[i].refreshDur {
			due[i] = true
			lastRun[i] = now
		}
	}
	if len(due) == 0 {
		return 0
	}
	keys, err := cache.Keys()
	if err != nil {
		return 0
	}
	n := 0
	for _, key := range keys {
		select {
		case <-stop:
			return n
		default:
		}
		method, rawURL, ok := strings.Cut(key, " ")
		if !ok || method != http.MethodGet {
			continue
		}
		req, err := newRequest(method, rawURL)
		if err != nil {
			continue
		}
		for i := range rules {
			if rules[i].Matches(req.URL) {
				if due[i] && rv.async(cache, req) {
					n++
				}
				break
			}
		}
	}
	return n
}
