package precache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, rules []Rule) (*Controller, *countingFetcher, Cache) {
	t.Helper()
	storage := newMemoryStorage(t)
	fetcher := newCountingFetcher()
	lc, cache := activeLifecycle(t, storage, fetcher, "v-current")
	return NewController(fetcher, lc, ControllerOptions{Rules: rules}), fetcher, cache
}

func apiRule() Rule {
	return Rule{
		Match:    "Contains(/api/)",
		Strategy: StrategyCacheFirstJSONError,
		matchers: []matcher{containsMatcher{Needle: "/api/"}},
	}
}

func TestController_CachedGetSkipsNetwork(t *testing.T) {
	c, fetcher, cache := newTestController(t, nil)
	require.NoError(t, cache.Put("GET /app.js", *okEntry("console.log(1)")))

	ent, outcome := c.Respond(context.Background(), getRequest(t, "/app.js"))

	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "console.log(1)", string(ent.Body))
	assert.Equal(t, int64(0), fetcher.calls.Load(), "a cached request must not reach the network")
}

func TestController_MissStoresOKBasicResponse(t *testing.T) {
	c, fetcher, cache := newTestController(t, nil)
	fetcher.set("GET /contracts", okEntry("<h1>contracts</h1>"))

	ent, outcome := c.Respond(context.Background(), getRequest(t, "/contracts"))
	require.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "<h1>contracts</h1>", string(ent.Body))

	stored, ok, err := cache.Match("GET /contracts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ent.Body, stored.Body)
}

func TestController_DoesNotStoreUncacheable(t *testing.T) {
	tests := []struct {
		name string
		ent  *CacheEntry
	}{
		{name: "not found", ent: &CacheEntry{Status: http.StatusNotFound, Type: TypeBasic, Body: []byte("nope")}},
		{name: "server error", ent: &CacheEntry{Status: http.StatusInternalServerError, Type: TypeBasic}},
		{name: "opaque", ent: &CacheEntry{Status: http.StatusOK, Type: TypeOpaque, Body: []byte("x")}},
		{name: "cors", ent: &CacheEntry{Status: http.StatusOK, Type: TypeCORS, Body: []byte("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fetcher, cache := newTestController(t, nil)
			fetcher.set("GET /thing", tt.ent)

			ent, outcome := c.Respond(context.Background(), getRequest(t, "/thing"))
			assert.Equal(t, OutcomeBypass, outcome)
			assert.Equal(t, tt.ent.Status, ent.Status, "the network response is still returned")

			_, ok, err := cache.Match("GET /thing")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestController_NavigationOfflineFallsBackToOfflinePage(t *testing.T) {
	c, fetcher, cache := newTestController(t, nil)
	require.NoError(t, cache.Put("GET /offline.html", *okEntry("<h1>offline</h1>")))
	fetcher.fail(errNetwork)

	ent, outcome := c.Respond(context.Background(), navigationRequest(t, "/contracts/42"))

	assert.Equal(t, OutcomeOffline, outcome)
	assert.Equal(t, http.StatusOK, ent.Status)
	assert.Equal(t, "<h1>offline</h1>", string(ent.Body))
}

func TestController_NavigationWithoutOfflinePage(t *testing.T) {
	c, fetcher, _ := newTestController(t, nil)
	fetcher.fail(errNetwork)

	ent, outcome := c.Respond(context.Background(), navigationRequest(t, "/contracts/42"))

	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Equal(t, http.StatusNotFound, ent.Status)
	assert.Empty(t, ent.Body)
}

func TestController_SubresourceOfflineGetsEmpty404(t *testing.T) {
	c, fetcher, cache := newTestController(t, nil)
	require.NoError(t, cache.Put("GET /offline.html", *okEntry("<h1>offline</h1>")))
	fetcher.fail(errNetwork)

	ent, outcome := c.Respond(context.Background(), getRequest(t, "/img/logo.png"))

	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Equal(t, http.StatusNotFound, ent.Status)
	assert.Empty(t, ent.Body)
}

func TestController_NilResponseIsAFailure(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := FetcherFunc(func(context.Context, *Request) (*CacheEntry, error) { return nil, nil })
	lc, _ := activeLifecycle(t, storage, fetcher, "v-current")
	c := NewController(fetcher, lc, ControllerOptions{})

	ent, outcome := c.Respond(context.Background(), getRequest(t, "/x.css"))
	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Equal(t, http.StatusNotFound, ent.Status)
}

func TestController_SequentialRequestsStoreOnce(t *testing.T) {
	c, fetcher, cache := newTestController(t, nil)
	fetcher.set("GET /terms", okEntry("terms v1"))

	first, _ := c.Respond(context.Background(), getRequest(t, "/terms"))
	second, _ := c.Respond(context.Background(), getRequest(t, "/terms"))

	assert.Equal(t, http.StatusOK, first.Status)
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Equal(t, first.Body, second.Body)

	keys, err := cache.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /terms"}, keys)
}

func TestController_ConcurrentMissesBothWrite(t *testing.T) {
	storage := newMemoryStorage(t)
	var (
		arrived sync.WaitGroup
		calls   atomic.Int64
	)
	arrived.Add(2)
	fetcher := FetcherFunc(func(context.Context, *Request) (*CacheEntry, error) {
		calls.Add(1)
		arrived.Done()
		arrived.Wait()
		return okEntry("same body"), nil
	})
	lc, cache := activeLifecycle(t, storage, fetcher, "v-current")
	c := NewController(fetcher, lc, ControllerOptions{})

	var (
		wg       sync.WaitGroup
		entries  [2]CacheEntry
		outcomes [2]string
		reqs     = [2]*Request{getRequest(t, "/clauses"), getRequest(t, "/clauses")}
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], outcomes[i] = c.Respond(context.Background(), reqs[i])
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, [2]string{OutcomeMiss, OutcomeMiss}, outcomes)
	assert.Equal(t, entries[0].Body, entries[1].Body)

	keys, err := cache.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /clauses"}, keys)
}

func TestController_JSONErrorStrategy(t *testing.T) {
	c, fetcher, cache := newTestController(t, []Rule{apiRule()})
	require.NoError(t, cache.Put("GET /offline.html", *okEntry("<h1>offline</h1>")))
	fetcher.fail(errNetwork)

	t.Run("api request", func(t *testing.T) {
		ent, outcome := c.Respond(context.Background(), getRequest(t, "/api/contracts?page=2"))
		assert.Equal(t, OutcomeUnavailable, outcome)
		assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
		assert.Equal(t, "application/json", ent.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(ent.Body, &body))
		assert.Equal(t, "offline", body["error"])
		assert.NotEmpty(t, body["message"])
	})

	t.Run("cached api response still served", func(t *testing.T) {
		require.NoError(t, cache.Put("GET /api/me", *okEntry(`{"id":1}`)))
		ent, outcome := c.Respond(context.Background(), getRequest(t, "/api/me"))
		assert.Equal(t, OutcomeHit, outcome)
		assert.JSONEq(t, `{"id":1}`, string(ent.Body))
	})
}

func TestController_JSONErrorStrategyNonAPI(t *testing.T) {
	rule := Rule{
		Match:    "PathPrefix(/app)",
		Strategy: StrategyCacheFirstJSONError,
		matchers: []matcher{pathPrefixMatcher{Prefix: "/app"}},
	}
	c, fetcher, cache := newTestController(t, []Rule{rule})
	require.NoError(t, cache.Put("GET /offline.html", *okEntry("<h1>offline</h1>")))
	fetcher.fail(errNetwork)

	ent, outcome := c.Respond(context.Background(), navigationRequest(t, "/app/dashboard"))
	assert.Equal(t, OutcomeOffline, outcome)
	assert.Equal(t, "<h1>offline</h1>", string(ent.Body))

	ent, outcome = c.Respond(context.Background(), getRequest(t, "/app/chart.js"))
	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Equal(t, http.StatusServiceUnavailable, ent.Status)
	assert.Equal(t, "Service Unavailable", string(ent.Body))
}

func TestController_NetworkOnlyAndNonGetPassThrough(t *testing.T) {
	rule := Rule{
		Match:    "PathPrefix(/auth/)",
		Strategy: StrategyNetworkOnly,
		matchers: []matcher{pathPrefixMatcher{Prefix: "/auth/"}},
	}
	c, fetcher, cache := newTestController(t, []Rule{rule})
	fetcher.set("GET /auth/session", okEntry("session"))
	fetcher.set("POST /api/contracts", okEntry("created"))

	for i := 0; i < 2; i++ {
		ent, outcome := c.Respond(context.Background(), getRequest(t, "/auth/session"))
		assert.Equal(t, OutcomePassthrough, outcome)
		assert.Equal(t, "session", string(ent.Body))
	}
	assert.Equal(t, 2, fetcher.count("GET /auth/session"))

	post, err := newRequest(http.MethodPost, "/api/contracts")
	require.NoError(t, err)
	ent, outcome := c.Respond(context.Background(), post)
	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, "created", string(ent.Body))

	keys, err := cache.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	fetcher.fail(errNetwork)
	ent, outcome = c.Respond(context.Background(), post)
	assert.Equal(t, OutcomeUnavailable, outcome)
	assert.Equal(t, http.StatusBadGateway, ent.Status)
}

func TestController_NoActiveGenerationGoesToNetwork(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := newCountingFetcher()
	fetcher.set("GET /", okEntry("home"))
	lc := NewLifecycle(storage, fetcher, LifecycleOptions{})
	c := NewController(fetcher, lc, ControllerOptions{})

	ent, outcome := c.Respond(context.Background(), getRequest(t, "/"))
	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, "home", string(ent.Body))

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestController_UncontrolledClientBypassesCache(t *testing.T) {
	storage := newMemoryStorage(t)
	fetcher := newCountingFetcher()
	fetcher.set("GET /app.js", okEntry("fresh"))
	clients := NewClients(0)
	clients.Touch("page-1", true, false)

	lc, cache := activeLifecycle(t, storage, fetcher, "v-current")
	require.NoError(t, cache.Put("GET /app.js", *okEntry("cached")))
	c := NewController(fetcher, lc, ControllerOptions{Clients: clients})

	req := getRequest(t, "/app.js")
	req.ClientID = "page-1"
	ent, outcome := c.Respond(context.Background(), req)
	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, "fresh", string(ent.Body))

	nav := navigationRequest(t, "/")
	nav.ClientID = "page-1"
	_, _ = c.Respond(context.Background(), nav)

	ent, outcome = c.Respond(context.Background(), req)
	assert.Equal(t, OutcomeHit, outcome, "a navigation brings the page under control")
	assert.Equal(t, "cached", string(ent.Body))
}

func TestController_ServeHTTP(t *testing.T) {
	c, fetcher, _ := newTestController(t, nil)
	fetcher.set("GET /contracts?sort=date", okEntry("list"))

	req := httptest.NewRequest(http.MethodGet, "/contracts?sort=date", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "list", rec.Body.String())
	assert.Equal(t, OutcomeMiss, rec.Header().Get(outcomeHeader))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), outcomeHeader)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, clientCookie, cookies[0].Name)
	assert.NotEmpty(t, cookies[0].Value)

	req = httptest.NewRequest(http.MethodGet, "/contracts?sort=date", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	assert.Equal(t, OutcomeHit, rec.Header().Get(outcomeHeader))
	assert.Empty(t, rec.Result().Cookies())
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestEnsureExposedHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Access-Control-Expose-Headers", "ETag")
	h.Add("Access-Control-Expose-Headers", "x-precache")

	ensureExposedHeader(h, outcomeHeader)
	assert.Equal(t, []string{"ETag", "x-precache"}, h.Values("Access-Control-Expose-Headers"))

	h = http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	ensureExposedHeader(h, outcomeHeader)
	assert.Equal(t, "ETag, X-Precache", h.Get("Access-Control-Expose-Headers"))
}

func TestController_CredentialedRequestsNeverShareCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("Authorization")
		if user == "" {
			user = "anonymous"
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "for-" + user})
		_, _ = io.WriteString(w, "contracts of "+user)
	}))
	defer origin.Close()

	fetcher, err := newOriginFetcher(origin.URL, 5*time.Second)
	require.NoError(t, err)
	storage := newMemoryStorage(t)
	lc, cache := activeLifecycle(t, storage, newCountingFetcher(), "v-current")
	c := NewController(fetcher, lc, ControllerOptions{})

	alice := getRequest(t, "/contracts")
	alice.Header.Set("Authorization", "alice")
	ent, outcome := c.Respond(context.Background(), alice)
	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, "contracts of alice", string(ent.Body))

	bob := getRequest(t, "/contracts")
	bob.Header.Set("Authorization", "bob")
	ent, outcome = c.Respond(context.Background(), bob)
	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, "contracts of bob", string(ent.Body))
	assert.NotContains(t, ent.Header.Values("Set-Cookie"), "session=for-alice")

	// Anonymous responses set a cookie too, so they are not kept either.
	ent, outcome = c.Respond(context.Background(), getRequest(t, "/contracts"))
	assert.Equal(t, OutcomeBypass, outcome)
	assert.Equal(t, "contracts of anonymous", string(ent.Body))

	_, ok, err := cache.Match("GET /contracts")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestController_BypassCookiesSkipCache(t *testing.T) {
	rule := Rule{
		Match:             "PathPrefix(/)",
		Strategy:          StrategyCacheFirst,
		BypassWhenCookies: []string{"session"},
		matchers:          []matcher{pathPrefixMatcher{Prefix: "/"}},
	}
	c, fetcher, cache := newTestController(t, []Rule{rule})
	require.NoError(t, cache.Put("GET /account", *okEntry("shared copy")))
	fetcher.set("GET /account", okEntry("your account"))

	req := getRequest(t, "/account")
	req.Header.Set("Cookie", "theme=dark; session=abc")
	ent, outcome := c.Respond(context.Background(), req)
	assert.Equal(t, OutcomePassthrough, outcome)
	assert.Equal(t, "your account", string(ent.Body))

	req = getRequest(t, "/account")
	req.Header.Set("Cookie", "theme=dark")
	ent, outcome = c.Respond(context.Background(), req)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "shared copy", string(ent.Body))

	stored, ok, err := cache.Match("GET /account")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shared copy", string(stored.Body))
}

func TestController_PrivateResponsesAreNotStored(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
	}{
		{name: "set-cookie", header: http.Header{"Set-Cookie": {"session=1"}}},
		{name: "private", header: http.Header{"Cache-Control": {"private, max-age=60"}}},
		{name: "no-store", header: http.Header{"Cache-Control": {"no-store"}}},
		{name: "no-cache", header: http.Header{"Cache-Control": {"No-Cache"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fetcher, cache := newTestController(t, nil)
			ent := okEntry("personal")
			ent.Header = tt.header
			fetcher.set("GET /me", ent)

			got, outcome := c.Respond(context.Background(), getRequest(t, "/me"))
			assert.Equal(t, OutcomeBypass, outcome)
			assert.Equal(t, "personal", string(got.Body))

			_, ok, err := cache.Match("GET /me")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	assert.True(t, storable(&CacheEntry{Status: http.StatusOK, Type: TypeBasic, Header: http.Header{"Cache-Control": {"public, max-age=60"}}}))
}

func TestHasAnyCookie(t *testing.T) {
	h := http.Header{"Cookie": {"a=1; sessionid=xyz"}}
	assert.True(t, hasAnyCookie(h, []string{"sessionid"}))
	assert.False(t, hasAnyCookie(h, []string{"session"}))
	assert.False(t, hasAnyCookie(h, nil))
	assert.False(t, hasAnyCookie(http.Header{}, []string{"sessionid"}))
}
