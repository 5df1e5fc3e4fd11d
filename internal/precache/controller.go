package precache

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Outcomes reported in the X-Precache response header.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeBypass      = "bypass"
	OutcomeOffline     = "offline"
	OutcomeUnavailable = "unavailable"
	OutcomePassthrough = "passthrough"
)

const outcomeHeader = "X-Precache"

// Controller answers every intercepted request from the active generation,
// the network, or a local fallback.
type Controller struct {
	rules     []Rule
	apiMarker string

	fetcher   Fetcher
	lifecycle *Lifecycle
	clients   *Clients
	reval     *revalidator

	logger  *zap.Logger
	metrics *metrics
	stats   *statsCollector
}

type ControllerOptions struct {
	Rules     []Rule
	APIMarker string
	Clients   *Clients
	Logger    *zap.Logger

	metrics *metrics
	stats   *statsCollector
	reval   *revalidator
}

func NewController(fetcher Fetcher, lifecycle *Lifecycle, opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clients := opts.Clients
	if clients == nil {
		clients = NewClients(0)
	}
	marker := opts.APIMarker
	if marker == "" {
		marker = "/api/"
	}
	reval := opts.reval
	if reval == nil {
		reval = newRevalidator(fetcher, logger, 0)
	}
	return &Controller{
		rules:     opts.Rules,
		apiMarker: marker,
		fetcher:   fetcher,
		lifecycle: lifecycle,
		clients:   clients,
		reval:     reval,
		logger:    logger,
		metrics:   opts.metrics,
		stats:     opts.stats,
	}
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := requestFromHTTP(r)

	id, assigned := clientID(r, req.IsNavigation())
	if assigned {
		setClientCookie(w, id)
	}
	req.ClientID = id

	ent, outcome := c.Respond(r.Context(), req)
	writeEntry(w, ent, outcome)
	if c.stats != nil {
		c.stats.Observe(outcome, len(ent.Body))
	}
}

// Respond never fails: network errors turn into local fallback responses.
func (c *Controller) Respond(ctx context.Context, req *Request) (CacheEntry, string) {
	cache, rel, active := c.lifecycle.Active()

	controlled := true
	if req.ClientID != "" {
		controlled = c.clients.Touch(req.ClientID, req.IsNavigation(), active)
	}

	strategy := StrategyCacheFirst
	rule := pickRule(c.rules, req.URL)
	if rule != nil {
		strategy = rule.Strategy
	}

	if req.Method != http.MethodGet || !active || !controlled || strategy == StrategyNetworkOnly || personalized(req, rule) {
		ent, outcome := c.passThrough(ctx, req)
		c.metrics.observeRequest(StrategyNetworkOnly, outcome)
		return ent, outcome
	}

	var (
		ent     CacheEntry
		outcome string
	)
	switch strategy {
	case StrategyCacheFirstJSONError:
		ent, outcome = c.cacheFirst(ctx, req, cache, rel, rule, c.jsonErrorFallback)
	default:
		ent, outcome = c.cacheFirst(ctx, req, cache, rel, rule, c.plainFallback)
	}
	c.metrics.observeRequest(strategy, outcome)
	return ent, outcome
}

type fallbackFunc func(req *Request, cache Cache, rel Release) (CacheEntry, string)

// cacheFirst serves a stored response when there is one and only goes to the
// network on a miss. Only storable responses are kept.
func (c *Controller) cacheFirst(ctx context.Context, req *Request, cache Cache, rel Release, rule *Rule, fallback fallbackFunc) (CacheEntry, string) {
	key := req.Key()
	ent, ok, err := cache.Match(key)
	if err != nil {
		c.logger.Warn("cache match", zap.String("key", key), zap.Error(err))
	}
	if ok {
		if rule != nil && rule.maxAgeDur > 0 && isStale(ent, rule.maxAgeDur) {
			c.reval.async(cache, req)
		}
		return ent, OutcomeHit
	}

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil || resp == nil {
		c.logger.Debug("network fetch failed", zap.String("key", key), zap.Error(err))
		return fallback(req, cache, rel)
	}
	if !storable(resp) {
		return *resp, OutcomeBypass
	}
	if err := cache.Put(key, resp.Clone()); err != nil {
		c.logger.Warn("cache put", zap.String("key", key), zap.Error(err))
	}
	return *resp, OutcomeMiss
}

// personalized reports whether the request carries credentials. The cache is
// shared by every caller, so such requests never read or write it.
func personalized(req *Request, rule *Rule) bool {
	if req.Header.Get("Authorization") != "" {
		return true
	}
	return rule != nil && hasAnyCookie(req.Header, rule.BypassWhenCookies)
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 || h.Get("Cookie") == "" {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		need[n] = struct{}{}
	}
	r := http.Request{Header: h}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

// storable accepts 200 same-origin responses that are neither private nor
// setting cookies.
func storable(ent *CacheEntry) bool {
	if ent == nil || ent.Status != http.StatusOK || ent.Type != TypeBasic {
		return false
	}
	if len(ent.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(strings.Join(ent.Header.Values("Cache-Control"), ","))
	for _, d := range []string{"private", "no-store", "no-cache"} {
		if strings.Contains(cc, d) {
			return false
		}
	}
	return true
}

func (c *Controller) plainFallback(req *Request, cache Cache, rel Release) (CacheEntry, string) {
	if req.IsNavigation() {
		if ent, ok := c.offlinePage(cache, rel); ok {
			return ent, OutcomeOffline
		}
	}
	return unavailableResponse(), OutcomeUnavailable
}

func (c *Controller) jsonErrorFallback(req *Request, cache Cache, rel Release) (CacheEntry, string) {
	if c.isAPI(req) {
		return jsonErrorResponse(), OutcomeUnavailable
	}
	if req.IsNavigation() {
		if ent, ok := c.offlinePage(cache, rel); ok {
			return ent, OutcomeOffline
		}
	}
	return serviceUnavailableResponse(), OutcomeUnavailable
}

func (c *Controller) offlinePage(cache Cache, rel Release) (CacheEntry, bool) {
	if rel.OfflinePage == "" {
		return CacheEntry{}, false
	}
	req, err := newRequest(http.MethodGet, rel.OfflinePage)
	if err != nil {
		return CacheEntry{}, false
	}
	ent, ok, err := cache.Match(req.Key())
	if err != nil || !ok {
		return CacheEntry{}, false
	}
	return ent, true
}

func (c *Controller) isAPI(req *Request) bool {
	return strings.Contains(req.URL.String(), c.apiMarker)
}

func (c *Controller) passThrough(ctx context.Context, req *Request) (CacheEntry, string) {
	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil || resp == nil {
		c.logger.Debug("passthrough failed", zap.String("url", req.URL.String()), zap.Error(err))
		return badGatewayResponse(), OutcomeUnavailable
	}
	return *resp, OutcomePassthrough
}

// unavailableResponse stands in for a resource the network could not
// deliver. It is not a 404 from the origin.
func unavailableResponse() CacheEntry {
	return CacheEntry{
		Status: http.StatusNotFound,
		Header: http.Header{},
		Type:   TypeError,
	}
}

type offlineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func jsonErrorResponse() CacheEntry {
	body, _ := json.Marshal(offlineError{
		Error:   "offline",
		Message: "The network is unavailable and no cached response exists for this request.",
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return CacheEntry{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   body,
		Type:   TypeError,
	}
}

func serviceUnavailableResponse() CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return CacheEntry{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte("Service Unavailable"),
		Type:   TypeError,
	}
}

func badGatewayResponse() CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return CacheEntry{
		Status: http.StatusBadGateway,
		Header: h,
		Body:   []byte("bad gateway\n"),
		Type:   TypeError,
	}
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
