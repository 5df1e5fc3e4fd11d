package precache

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	StrategyCacheFirst          = "cache-first"
	StrategyCacheFirstJSONError = "cache-first-json-error"
	StrategyNetworkOnly         = "network-only"
)

var defaultSeeds = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/offline.html",
	"/icons/icon-192x192.png",
	"/favicon.ico",
}

type Config struct {
	Server struct {
		Port          int    `yaml:"port" validate:"gte=0,lte=65535"`
		Origin        string `yaml:"origin" validate:"required,url"`
		AppRoot       string `yaml:"appRoot" validate:"startswith=/"`
		ControlPrefix string `yaml:"controlPrefix" validate:"startswith=/"`
		FetchTimeout  string `yaml:"fetchTimeout"`

		fetchTimeoutDur time.Duration
	} `yaml:"server"`

	Cache struct {
		Prefix    string `yaml:"prefix" validate:"required"`
		Version   string `yaml:"version" validate:"required,semver"`
		APIMarker string `yaml:"apiMarker"`
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend" validate:"oneof=memory leveldb badger"`
		Path    string `yaml:"path"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`

		ramMaxBytes int64
	} `yaml:"storage"`

	Install struct {
		Seeds       []string `yaml:"seeds" validate:"min=1,dive,required"`
		OfflinePage string   `yaml:"offlinePage"`
		Sitemaps    []string `yaml:"sitemaps"`
	} `yaml:"install"`

	Lifecycle struct {
		EagerActivate     bool   `yaml:"eagerActivate"`
		ClientIdleTimeout string `yaml:"clientIdleTimeout"`

		clientIdleDur time.Duration
	} `yaml:"lifecycle"`

	Notifications NotificationConfig `yaml:"notifications"`

	Logging struct {
		Level      string `yaml:"level" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" validate:"oneof=json console"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules" validate:"dive"`
}

type NotificationConfig struct {
	Title        string `yaml:"title"`
	FallbackBody string `yaml:"fallbackBody"`
	Icon         string `yaml:"icon"`
	Badge        string `yaml:"badge"`
	Vibrate      []int  `yaml:"vibrate" validate:"dive,gte=0"`
	ExploreTitle string `yaml:"exploreTitle"`
}

type Rule struct {
	Match    string `yaml:"match" validate:"required"`
	Priority int    `yaml:"priority"`
	Strategy string `yaml:"strategy" validate:"oneof=cache-first cache-first-json-error network-only"`
	MaxAge   string `yaml:"maxAge"`
	Refresh  string `yaml:"refresh"`

	// Requests carrying any of these cookies skip the cache both ways.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers   []matcher
	maxAgeDur  time.Duration
	refreshDur time.Duration
}

type matcher interface {
	Match(u *url.URL) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(u *url.URL) bool { return strings.HasPrefix(u.Path, m.Prefix) }

// containsMatcher looks at the whole URL, query included.
type containsMatcher struct{ Needle string }

func (m containsMatcher) Match(u *url.URL) bool { return strings.Contains(u.String(), m.Needle) }

var configValidate = validator.New()

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()

	if err := configValidate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.AppRoot == "" {
		cfg.Server.AppRoot = "/"
	}
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__precache"
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")
	if cfg.Server.FetchTimeout == "" {
		cfg.Server.FetchTimeout = "30s"
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "precache"
	}
	if cfg.Cache.APIMarker == "" {
		cfg.Cache.APIMarker = "/api/"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/" + cfg.Storage.Backend
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}

	if len(cfg.Install.Seeds) == 0 {
		cfg.Install.Seeds = append([]string(nil), defaultSeeds...)
	}
	if cfg.Install.OfflinePage == "" {
		cfg.Install.OfflinePage = "/offline.html"
	}

	if cfg.Lifecycle.ClientIdleTimeout == "" {
		cfg.Lifecycle.ClientIdleTimeout = "30m"
	}

	n := &cfg.Notifications
	if n.Title == "" {
		n.Title = "Legal Contracts"
	}
	if n.FallbackBody == "" {
		n.FallbackBody = "New notification"
	}
	if n.Icon == "" {
		n.Icon = "/icons/icon-192x192.png"
	}
	if n.Badge == "" {
		n.Badge = "/icons/icon-72x72.png"
	}
	if len(n.Vibrate) == 0 {
		n.Vibrate = []int{100, 50, 100}
	}
	if n.ExploreTitle == "" {
		n.ExploreTitle = "Open app"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for i := range cfg.Rules {
		if cfg.Rules[i].Strategy == "" {
			cfg.Rules[i].Strategy = StrategyCacheFirst
		}
	}
}

func (cfg *Config) compile() error {
	var err error
	if cfg.Server.fetchTimeoutDur, err = time.ParseDuration(cfg.Server.FetchTimeout); err != nil {
		return fmt.Errorf("server.fetchTimeout: %w", err)
	}
	if cfg.Storage.ramMaxBytes, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Lifecycle.clientIdleDur, err = time.ParseDuration(cfg.Lifecycle.ClientIdleTimeout); err != nil {
		return fmt.Errorf("lifecycle.clientIdleTimeout: %w", err)
	}
	if cfg.Logging.StatsEvery != "" {
		if cfg.Logging.statsEveryDur, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}

	hasAPIRule := false
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.MaxAge != "" {
			d, err := time.ParseDuration(r.MaxAge)
			if err != nil {
				return fmt.Errorf("rules[%d].maxAge: %w", i, err)
			}
			r.maxAgeDur = d
		}
		if r.Refresh != "" {
			d, err := time.ParseDuration(r.Refresh)
			if err != nil {
				return fmt.Errorf("rules[%d].refresh: %w", i, err)
			}
			r.refreshDur = d
		}
		for _, m := range ms {
			if c, ok := m.(containsMatcher); ok && c.Needle == cfg.Cache.APIMarker {
				hasAPIRule = true
			}
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	if !hasAPIRule {
		cfg.Rules = append(cfg.Rules, Rule{
			Match:    "Contains(" + cfg.Cache.APIMarker + ")",
			Priority: int(^uint(0) >> 1),
			Strategy: StrategyCacheFirstJSONError,
			matchers: []matcher{containsMatcher{Needle: cfg.Cache.APIMarker}},
		})
	}
	return nil
}

// GenerationName is the cache generation owned by this deployment.
func (cfg *Config) GenerationName() string {
	return cfg.Cache.Prefix + "-v" + cfg.Cache.Version
}

func (cfg *Config) Release() Release {
	return Release{
		Name:        cfg.GenerationName(),
		Seeds:       append([]string(nil), cfg.Install.Seeds...),
		OfflinePage: cfg.Install.OfflinePage,
	}
}

func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "PathPrefix(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case strings.HasPrefix(p, "Contains(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "Contains("), ")"))
			if inside == "" {
				return nil, fmt.Errorf("empty Contains()")
			}
			out = append(out, containsMatcher{Needle: inside})
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and Contains(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(u *url.URL) bool {
	for _, m := range r.matchers {
		if m.Match(u) {
			return true
		}
	}
	return false
}

func pickRule(rules []Rule, u *url.URL) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Matches(u) {
			return r
		}
	}
	return nil
}
