package precache

import (
	"context"
	"errors"
	"hash/crc32"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errNetwork = errors.New("network unreachable")

func okEntry(body string) *CacheEntry {
	return &CacheEntry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE([]byte(body)),
		Type:     TypeBasic,
	}
}

// countingFetcher answers from a table keyed by request key and counts calls.
type countingFetcher struct {
	calls atomic.Int64

	mu        sync.Mutex
	responses map[string]*CacheEntry
	err       error
	perKey    map[string]int
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{responses: map[string]*CacheEntry{}, perKey: map[string]int{}}
}

func (f *countingFetcher) set(key string, ent *CacheEntry) {
	f.mu.Lock()
	f.responses[key] = ent
	f.mu.Unlock()
}

func (f *countingFetcher) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *countingFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perKey[key]
}

func (f *countingFetcher) Fetch(_ context.Context, req *Request) (*CacheEntry, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perKey[req.Key()]++
	if f.err != nil {
		return nil, f.err
	}
	ent, ok := f.responses[req.Key()]
	if !ok {
		return &CacheEntry{Status: http.StatusNotFound, Header: http.Header{}, Type: TypeBasic}, nil
	}
	cp := ent.Clone()
	return &cp, nil
}

func newMemoryStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := newStorage(nil, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// activeLifecycle returns a lifecycle already serving name from an empty
// generation.
func activeLifecycle(t *testing.T, storage *Storage, fetcher Fetcher, name string) (*Lifecycle, Cache) {
	t.Helper()
	cache, err := storage.Open(name)
	require.NoError(t, err)
	lc := NewLifecycle(storage, fetcher, LifecycleOptions{})
	ok, err := lc.Resume(Release{Name: name, OfflinePage: "/offline.html"})
	require.NoError(t, err)
	require.True(t, ok)
	return lc, cache
}

func getRequest(t *testing.T, rawURL string) *Request {
	t.Helper()
	req, err := newRequest(http.MethodGet, rawURL)
	require.NoError(t, err)
	return req
}

func navigationRequest(t *testing.T, rawURL string) *Request {
	req := getRequest(t, rawURL)
	req.Destination = "document"
	req.Mode = "navigate"
	return req
}
