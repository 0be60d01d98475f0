package service

import (
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"warmcache/internal/cache"
)

type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		MaxBody      string `yaml:"maxBody"`
		FetchTimeout string `yaml:"fetchTimeout"`

		maxBodyBytes    int64
		fetchTimeoutDur time.Duration
	} `yaml:"server"`

	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`

	Cache struct {
		Level           cache.Level `yaml:"level"`
		Coalesce        *bool       `yaml:"coalesce"`
		PrefetchWorkers int         `yaml:"prefetchWorkers"`
	} `yaml:"cache"`

	Logging LoggingConfig `yaml:"logging"`

	Sites []Site `yaml:"sites"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	File          string `yaml:"file"`
	MaxSizeMB     int    `yaml:"maxSizeMB"`
	MaxBackups    int    `yaml:"maxBackups"`
	LogStatsEvery string `yaml:"logStatsEvery"`

	logStatsEveryDur time.Duration
}

type Site struct {
	Name     string   `yaml:"name"`
	Origin   string   `yaml:"origin"`
	Rules    []Rule   `yaml:"rules"`
	Discover Discover `yaml:"discover"`
}

type Rule struct {
	Match    string `yaml:"match"`
	Kind     string `yaml:"kind"`
	Priority int    `yaml:"priority"`
	Bypass   bool   `yaml:"bypass"`
	TTL      string `yaml:"ttl"`

	// BypassWhenCookies proxies requests carrying any of these cookies
	// without touching the cache.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathPrefixMatcher
	kind     cache.Kind
	ttl      time.Duration
}

type Discover struct {
	Sitemaps     []string `yaml:"sitemaps"`
	InitialDelay string   `yaml:"initialDelay"`
	Every        string   `yaml:"every"`

	initialDelayDur time.Duration
	everyDur        time.Duration
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// CacheConfig resolves the configured level into its policy bindings.
func (c *Config) CacheConfig() cache.Config { return cache.ForLevel(c.Cache.Level) }

// CoalesceEnabled defaults to true when the key is absent.
func (c *Config) CoalesceEnabled() bool { return c.Cache.Coalesce == nil || *c.Cache.Coalesce }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeNotFound, "read config %s", path)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and compiles rules.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidInput, "decode config")
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxBody == "" {
		cfg.Server.MaxBody = "5m"
	}
	n, err := parseBytes(cfg.Server.MaxBody)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidInput, "server.maxBody")
	}
	cfg.Server.maxBodyBytes = n
	if cfg.Server.FetchTimeout == "" {
		cfg.Server.FetchTimeout = "30s"
	}
	if cfg.Server.fetchTimeoutDur, err = parseDuration(cfg.Server.FetchTimeout, "server.fetchTimeout"); err != nil {
		return Config{}, err
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Cache.PrefetchWorkers <= 0 {
		cfg.Cache.PrefetchWorkers = 8
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.LogStatsEvery != "" {
		if cfg.Logging.logStatsEveryDur, err = parseDuration(cfg.Logging.LogStatsEvery, "logging.logStatsEvery"); err != nil {
			return Config{}, err
		}
	}

	if len(cfg.Sites) == 0 {
		return Config{}, errors.New(errors.CodeInvalidInput, "at least one site is required")
	}
	seen := map[string]struct{}{}
	for i := range cfg.Sites {
		if err := compileSite(&cfg.Sites[i]); err != nil {
			return Config{}, errors.WithContext(err, "site", i)
		}
		name := cfg.Sites[i].Name
		if _, dup := seen[name]; dup {
			return Config{}, errors.Newf(errors.CodeInvalidInput, "duplicate site name %q", name)
		}
		seen[name] = struct{}{}
	}

	return cfg, nil
}

func compileSite(s *Site) error {
	s.Name = strings.TrimSpace(s.Name)
	if err := validateSiteName(s.Name); err != nil {
		return err
	}
	if s.Origin == "" {
		return errors.Newf(errors.CodeInvalidInput, "sites[%s].origin is required", s.Name)
	}
	s.Origin = strings.TrimRight(s.Origin, "/")

	for i := range s.Rules {
		r := &s.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return errors.Wrapf(err, errors.CodeInvalidInput, "sites[%s].rules[%d].match", s.Name, i)
		}
		r.matchers = ms
		switch strings.ToLower(strings.TrimSpace(r.Kind)) {
		case "", "page":
			r.kind = cache.KindPage
		case "search":
			r.kind = cache.KindSearch
		default:
			return errors.Newf(errors.CodeInvalidInput, "sites[%s].rules[%d].kind: unknown kind %q", s.Name, i, r.Kind)
		}
		if r.TTL != "" {
			if r.ttl, err = parseDuration(r.TTL, "rules.ttl"); err != nil {
				return err
			}
		}
	}
	sort.SliceStable(s.Rules, func(i, j int) bool {
		return s.Rules[i].Priority < s.Rules[j].Priority
	})

	var err error
	if s.Discover.InitialDelay != "" {
		if s.Discover.initialDelayDur, err = parseDuration(s.Discover.InitialDelay, "discover.initialDelay"); err != nil {
			return err
		}
	}
	if s.Discover.Every != "" {
		if s.Discover.everyDur, err = parseDuration(s.Discover.Every, "discover.every"); err != nil {
			return err
		}
	}
	return nil
}

// validateSiteName keeps names usable as a single directory component.
func validateSiteName(name string) error {
	if name == "" {
		return errors.New(errors.CodeInvalidInput, "site name is required")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || path.Clean(name) != name {
		return errors.Newf(errors.CodeInvalidInput, "invalid site name %q", name)
	}
	return nil
}

func parseDuration(s, field string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInvalidInput, field)
	}
	if d < 0 {
		return 0, errors.Newf(errors.CodeInvalidInput, "%s: negative duration", field)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New(errors.CodeInvalidInput, "empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, errors.Newf(errors.CodeInvalidInput, "only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// GetOptions returns the lookup options a rule implies.
func (r *Rule) GetOptions() []cache.GetOption {
	opts := []cache.GetOption{cache.WithKind(r.kind)}
	if r.ttl > 0 {
		opts = append(opts, cache.WithTTL(r.ttl))
	}
	return opts
}

// PickRule returns the first rule, by priority, matching path.
func (s *Site) PickRule(path string) *Rule {
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
