package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"warmcache/internal/cache"
)

const (
	headerStatus   = "X-Warmcache"
	headerPrefetch = "X-Warmcache-Prefetch"
)

// Service exposes per-site cache clients over HTTP.
type Service struct {
	cfg Config
	log *zap.Logger

	httpClient *http.Client

	reg     *Registry
	promReg *prometheus.Registry
	sites   map[string]*siteState

	bgCancel context.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup

	stats *statsCollector
}

type siteState struct {
	site       *Site
	client     *cache.Client
	prefetcher *cache.Prefetcher
}

type Option func(*Service)

// WithHTTPClient replaces the upstream client. Its Timeout is overridden by
// server.fetchTimeout only when unset.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

func NewService(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{},
		promReg:    prometheus.NewRegistry(),
		sites:      map[string]*siteState{},
		stopCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.httpClient.Timeout == 0 {
		s.httpClient.Timeout = cfg.Server.fetchTimeoutDur
	}

	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := cache.NewMetrics(s.promReg)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "register metrics")
	}

	bg, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.reg = NewRegistry(bg, cfg.Storage.Dir, cfg.CacheConfig(),
		WithRegistryLogger(log),
		WithRegistryMetrics(metrics),
		WithRegistryCoalescing(cfg.CoalesceEnabled()),
		WithRegistryClassifier(originCacheable),
		WithRegistryPrefetchWorkers(cfg.Cache.PrefetchWorkers),
	)

	for i := range cfg.Sites {
		site := &cfg.Sites[i]
		client, pf, err := s.reg.Acquire(site.Name)
		if err != nil {
			cancel()
			_ = s.reg.Close()
			return nil, err
		}
		s.sites[site.Name] = &siteState{site: site, client: client, prefetcher: pf}
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		s.stats = newStatsCollector()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	for _, st := range s.sites {
		s.startDiscover(st)
	}

	log.Info("warmcache ready",
		zap.Stringer("level", cfg.Cache.Level),
		zap.Int("sites", len(s.sites)),
		zap.String("storage", cfg.Storage.Dir),
	)
	return s, nil
}

// Close stops background work, then releases every site client.
func (s *Service) Close() error {
	close(s.stopCh)
	s.bgCancel()
	s.wg.Wait()

	var errs []error
	for name := range s.sites {
		if err := s.reg.Release(name); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, s.reg.Close())
	return stderrors.Join(errs...)
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /s/{site}/{path...}", s.handleGet)
	mux.HandleFunc("DELETE /s/{site}/{path...}", s.handleInvalidate)
	mux.HandleFunc("/s/{site}/{path...}", s.handlePassthrough)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Service) site(r *http.Request) (*siteState, error) {
	name := r.PathValue("site")
	st, ok := s.sites[name]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "unknown site %q", name)
	}
	return st, nil
}

// cacheKey is the origin-relative URI with warmcache's own query parameters
// removed.
func cacheKey(r *http.Request) string {
	key := "/" + r.PathValue("path")
	q := r.URL.Query()
	q.Del("refresh")
	if enc := q.Encode(); enc != "" {
		key += "?" + enc
	}
	return key
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.site(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key := cacheKey(r)

	rule := st.site.PickRule(key)
	if rule != nil && rule.Bypass {
		s.proxyPass(w, r, st, key)
		return
	}
	// Credentialed answers are per caller and must never be shared.
	if r.Header.Get("Authorization") != "" || (rule != nil && hasAnyCookie(r, rule.BypassWhenCookies)) {
		s.proxyPass(w, r, st, key)
		return
	}

	var opts []cache.GetOption
	if rule != nil {
		opts = rule.GetOptions()
	}
	if r.URL.Query().Get("refresh") == "1" {
		opts = append(opts, cache.ForceRefresh())
	}

	var (
		fetched  bool
		upstream *cache.FetchResult
	)
	fetch := func(ctx context.Context) (*cache.FetchResult, error) {
		fetched = true
		res, err := s.fetchFromOrigin(ctx, st, key, r.Header)
		upstream = res
		return res, err
	}

	ent, err := st.client.CachedGet(r.Context(), key, fetch, opts...)
	if err != nil {
		if stderrors.Is(err, cache.ErrClosed) {
			writeError(w, errors.Wrap(err, errors.CodeConflict, "site is shutting down"))
			return
		}
		// The downstream client went away.
		st.client.Logger().Debug("request cancelled", zap.String("key", key), zap.Error(err))
		return
	}

	switch {
	case ent == nil && upstream != nil:
		// Upstream answered but the answer is not cacheable; relay it as is.
		writeResult(w, upstream, "bypass")
	case ent == nil:
		setStatusHeader(w.Header(), "miss")
		writeError(w, errors.Newf(errors.CodeNetwork, "no response available for %s", key))
	default:
		status := "hit"
		if ent.IsOfflineFallback {
			status = "stale"
		} else if fetched {
			status = "miss"
		}
		s.prefetchHints(st, r)
		s.writeEntry(w, r, ent, status)
	}
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	st, err := s.site(r)
	if err != nil {
		writeError(w, err)
		return
	}
	st.client.Invalidate(cacheKey(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	st, err := s.site(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.proxyPass(w, r, st, cacheKey(r))
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.sites))
	for name := range s.sites {
		names = append(names, name)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"level":  s.cfg.Cache.Level.String(),
		"sites":  len(names),
	})
}

// prefetchHints warms up to MaxDetailPrefetch same-site paths listed by the
// caller in the prefetch header.
func (s *Service) prefetchHints(st *siteState, r *http.Request) {
	limit := st.prefetcher.MaxDetailPrefetch()
	raw := r.Header.Get(headerPrefetch)
	if limit <= 0 || raw == "" {
		return
	}
	n := 0
	for _, p := range strings.Split(raw, ",") {
		if n >= limit {
			return
		}
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
			continue
		}
		rule := st.site.PickRule(p)
		if rule != nil && rule.Bypass {
			continue
		}
		var opts []cache.GetOption
		if rule != nil {
			opts = rule.GetOptions()
		}
		key := p
		st.prefetcher.Prefetch(key, func(ctx context.Context) (*cache.FetchResult, error) {
			return s.fetchFromOrigin(ctx, st, key, nil)
		}, opts...)
		n++
	}
}

// fetchFromOrigin performs the upstream GET. Transport failures are returned
// as errors; any HTTP answer is a result for the classifier to judge.
func (s *Service) fetchFromOrigin(ctx context.Context, st *siteState, key string, hdr http.Header) (*cache.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.site.Origin+key, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidInput, "build upstream request")
	}
	copyHeaders(req.Header, hdr)
	for k := range callerOnlyHeaders {
		req.Header.Del(k)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "upstream request"), "url", req.URL.String())
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, s.cfg.Server.maxBodyBytes)
	if err != nil {
		return nil, err
	}
	return &cache.FetchResult{
		Body:         string(body),
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		CacheControl: resp.Header.Get("Cache-Control"),
	}, nil
}

// originCacheable accepts complete 2xx answers the origin allows shared
// caches to keep.
func originCacheable(res *cache.FetchResult) bool {
	if !cache.StatusOK(res) || res.StatusCode == http.StatusPartialContent {
		return false
	}
	cc := strings.ToLower(res.CacheControl)
	for _, d := range []string{"no-store", "no-cache", "private"} {
		if strings.Contains(cc, d) {
			return false
		}
	}
	return true
}

func hasAnyCookie(r *http.Request, names []string) bool {
	for _, n := range names {
		if n = strings.TrimSpace(n); n == "" {
			continue
		}
		if _, err := r.Cookie(n); err == nil {
			return true
		}
	}
	return false
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetwork, "read upstream body")
	}
	if int64(len(b)) > limit {
		return nil, errors.Newf(errors.CodeInvalidInput, "upstream body exceeds %s", formatBytes(uint64(limit)))
	}
	return b, nil
}

// proxyPass forwards the request upstream without touching the cache.
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request, st *siteState, key string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, st.site.Origin+key, r.Body)
	if err != nil {
		writeError(w, errors.Wrap(err, errors.CodeInvalidInput, "build upstream request"))
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		setStatusHeader(w.Header(), "bypass")
		writeError(w, errors.Wrap(err, errors.CodeNetwork, "upstream request"))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeader(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (s *Service) writeEntry(w http.ResponseWriter, r *http.Request, ent *cache.Entry, status string) {
	h := w.Header()
	if ent.ETag != "" {
		h.Set("ETag", ent.ETag)
	}
	if ent.LastModified != "" {
		h.Set("Last-Modified", ent.LastModified)
	}
	setStatusHeader(h, status)

	if ent.ETag != "" && etagMatches(r.Header.Get("If-None-Match"), ent.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(ent.StatusCode)
	_, _ = io.WriteString(w, ent.Body)
	s.stats.Observe(len(ent.Body))
}

func writeResult(w http.ResponseWriter, res *cache.FetchResult, status string) {
	setStatusHeader(w.Header(), status)
	w.WriteHeader(res.StatusCode)
	_, _ = io.WriteString(w, res.Body)
}

func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" {
		return false
	}
	for _, cand := range strings.Split(ifNoneMatch, ",") {
		cand = strings.TrimSpace(cand)
		if cand == "*" || strings.TrimPrefix(cand, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

func setStatusHeader(h http.Header, status string) {
	if status != "" {
		h.Set(headerStatus, status)
	}
	// Custom headers are unreadable from browser JS unless exposed.
	ensureExposedHeader(h, headerStatus)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// hopHeaders are never forwarded upstream.
var hopHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	headerPrefetch:      true,
}

// callerOnlyHeaders make the origin's answer specific to one caller. They are
// dropped from fetches whose result is shared through the cache.
var callerOnlyHeaders = map[string]bool{
	"Range":             true,
	"If-Range":          true,
	"If-None-Match":     true,
	"If-Modified-Since": true,
	"Cookie":            true,
	"Authorization":     true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps structured error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeInvalidInput:
		status = http.StatusBadRequest
	case errors.CodeNetwork:
		status = http.StatusBadGateway
	case errors.CodeConflict:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: string(errors.GetCode(err)), Message: err.Error()})
}

// originPath maps a sitemap loc onto an origin-relative path.
func originPath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		p := u.EscapedPath()
		if p == "" {
			p = "/"
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

// fetchTimeout is used by background work that has no request deadline.
func (s *Service) fetchTimeout() time.Duration {
	if d := s.cfg.Server.fetchTimeoutDur; d > 0 {
		return d
	}
	return 30 * time.Second
}
