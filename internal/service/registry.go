package service

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"warmcache/internal/cache"
)

// Registry is the process-wide pool of per-site clients. Each name maps to
// one Client and its Prefetcher, created on first Acquire and closed when the
// last holder releases it.
type Registry struct {
	bg      context.Context
	dir     string
	cfg     cache.Config
	log     *zap.Logger
	metrics *cache.Metrics

	coalesce        bool
	classify        cache.Classifier
	prefetchWorkers int
	dropLog         *rateLimitedLogger

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	client     *cache.Client
	prefetcher *cache.Prefetcher
	refs       int
}

type RegistryOption func(*Registry)

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRegistryMetrics(m *cache.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithRegistryCoalescing(on bool) RegistryOption {
	return func(r *Registry) { r.coalesce = on }
}

// WithRegistryClassifier sets the cacheability rule of every client.
func WithRegistryClassifier(fn cache.Classifier) RegistryOption {
	return func(r *Registry) { r.classify = fn }
}

func WithRegistryPrefetchWorkers(n int) RegistryOption {
	return func(r *Registry) { r.prefetchWorkers = n }
}

// NewRegistry creates clients under dir (one subdirectory per name) using the
// policy cfg. bg bounds every background prefetch.
func NewRegistry(bg context.Context, dir string, cfg cache.Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		bg:       bg,
		dir:      dir,
		cfg:      cfg,
		log:      zap.NewNop(),
		coalesce: true,
		entries:  map[string]*registryEntry{},
	}
	for _, o := range opts {
		o(r)
	}
	r.dropLog = newRateLimitedLogger(r.log, time.Minute)
	return r
}

// Acquire returns the client for name, creating it on first use.
func (r *Registry) Acquire(name string) (*cache.Client, *cache.Prefetcher, error) {
	if err := validateSiteName(name); err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.refs++
		return e.client, e.prefetcher, nil
	}

	log := r.log.With(zap.String("site", name))
	var disk *cache.DiskCache
	if r.cfg.DiskEnabled() {
		var err error
		disk, err = cache.NewDiskCache(filepath.Join(r.dir, name), r.cfg.DiskMaxBytes, r.cfg.PageTTL, cache.WithDiskLogger(log))
		if err != nil {
			return nil, nil, errors.WithContext(
				errors.Wrap(err, errors.CodeInternal, "open disk tier"), "site", name)
		}
	}

	mem := cache.NewMemoryCache[*cache.Entry](r.cfg.MemoryMaxEntries, r.cfg.PageTTL)
	client := cache.NewClient(name, r.cfg, mem, disk, r.bg,
		cache.WithLogger(r.log),
		cache.WithMetrics(r.metrics),
		cache.WithCoalescing(r.coalesce),
		cache.WithClassifier(r.classify),
	)
	pf := cache.NewPrefetcher(client, r.cfg,
		cache.WithPrefetchWorkers(r.prefetchWorkers),
		cache.WithDropHandler(func(url string) {
			r.dropLog.Warn("prefetch workers saturated, dropping", zap.String("site", name), zap.String("url", url))
		}),
	)
	r.entries[name] = &registryEntry{client: client, prefetcher: pf, refs: 1}
	log.Info("cache client ready",
		zap.Stringer("level", r.cfg.Level),
		zap.Bool("disk", disk.Enabled()),
	)
	return client, pf, nil
}

// Release drops one reference to name, closing the client at zero.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.CodeNotFound, "site %q is not acquired", name)
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, name)
	r.mu.Unlock()

	return closeEntry(e)
}

// Refs reports the live reference count for name.
func (r *Registry) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every client regardless of outstanding references.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*registryEntry{}
	r.mu.Unlock()

	var errs []error
	for name, e := range entries {
		if err := closeEntry(e); err != nil {
			errs = append(errs, errors.WithContext(err, "site", name))
		}
	}
	return stderrors.Join(errs...)
}

func closeEntry(e *registryEntry) error {
	e.prefetcher.Close()
	if err := e.client.Close(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "close disk tier")
	}
	return nil
}
