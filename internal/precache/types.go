package precache

import (
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ResponseType mirrors the fetch response types a page can observe.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	Type ResponseType
	// URL is the final response URL after redirects.
	URL string
}

func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// ok matches fetch's Response.ok.
func (e CacheEntry) ok() bool { return e.Status >= 200 && e.Status < 300 }

type Request struct {
	Method string
	URL    *url.URL
	Header http.Header

	// Destination and Mode come from Sec-Fetch-Dest and Sec-Fetch-Mode.
	Destination string
	Mode        string

	ClientID string

	// Body is only forwarded for requests that bypass the cache.
	Body io.Reader
}

func newRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, URL: u, Header: make(http.Header)}, nil
}

// requestFromHTTP turns an incoming request into the cache's view of it.
// Absolute-form request targets are cross-origin fetches.
func requestFromHTTP(r *http.Request) *Request {
	u := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	if r.URL.IsAbs() {
		cp := *r.URL
		u = &cp
	}
	return &Request{
		Method:      r.Method,
		URL:         u,
		Header:      r.Header,
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Body:        r.Body,
	}
}

// Key is the cache key: method plus URL.
func (r *Request) Key() string {
	return requestKey(r.Method, r.URL.String())
}

func requestKey(method, u string) string {
	return strings.ToUpper(method) + " " + u
}

// IsNavigation reports a document load.
func (r *Request) IsNavigation() bool {
	return r.Destination == "document" || r.Mode == "navigate"
}

// Release is one deployed version of the application shell.
type Release struct {
	Name        string
	Seeds       []string
	OfflinePage string
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
