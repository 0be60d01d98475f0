package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrFetchPanic wraps a panic raised by a FetchFunc. CachedGet treats it as an
// absent result.
var ErrFetchPanic = errors.New("cache: fetch panicked")

// Client is a cache-aside orchestrator around a caller-supplied fetch. It
// owns its memory tier and, when the policy enables one, its disk tier.
type Client struct {
	name string
	cfg  Config
	mem  *MemoryCache[*Entry]
	disk *DiskCache
	bg   context.Context

	classify Classifier
	coalesce bool
	group    singleflight.Group

	log     *zap.Logger
	metrics *Metrics

	closed atomic.Bool
}

type Option func(*Client)

// WithClassifier replaces the default 2xx cacheability rule.
func WithClassifier(fn Classifier) Option {
	return func(c *Client) {
		if fn != nil {
			c.classify = fn
		}
	}
}

// WithCoalescing toggles single-flight fetches for concurrent misses on the
// same URL and effective TTL. It is on by default.
func WithCoalescing(on bool) Option {
	return func(c *Client) { c.coalesce = on }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client. disk may be nil when the level has no disk tier;
// bg is the context background prefetches run under.
func NewClient(name string, cfg Config, mem *MemoryCache[*Entry], disk *DiskCache, bg context.Context, opts ...Option) *Client {
	if mem == nil {
		mem = NewMemoryCache[*Entry](cfg.MemoryMaxEntries, cfg.PageTTL)
	}
	if bg == nil {
		bg = context.Background()
	}
	c := &Client{
		name:     name,
		cfg:      cfg,
		mem:      mem,
		disk:     disk,
		bg:       bg,
		classify: StatusOK,
		coalesce: true,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With(zap.String("site", name))
	return c
}

func (c *Client) Name() string        { return c.name }
func (c *Client) Config() Config      { return c.cfg }
func (c *Client) Logger() *zap.Logger { return c.log }

// TTLFor returns the policy TTL used for lookups of kind k.
func (c *Client) TTLFor(k Kind) time.Duration { return c.cfg.TTL(k) }

type getOptions struct {
	ttl   time.Duration
	kind  Kind
	force bool
}

type GetOption func(*getOptions)

// WithTTL overrides the policy TTL for the entry written by this call.
func WithTTL(d time.Duration) GetOption {
	return func(o *getOptions) { o.ttl = d }
}

// WithKind selects the policy TTL (page or search) for this call.
func WithKind(k Kind) GetOption {
	return func(o *getOptions) { o.kind = k }
}

// ForceRefresh skips both cached tiers and always reaches fetch.
func ForceRefresh() GetOption {
	return func(o *getOptions) { o.force = true }
}

// CachedGet returns the cached entry for url, fetching and storing it on a
// miss. A nil entry with a nil error means no result was obtainable. The only
// errors returned are context cancellation and ErrClosed.
func (c *Client) CachedGet(ctx context.Context, url string, fetch FetchFunc, opts ...GetOption) (*Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o getOptions
	for _, fn := range opts {
		fn(&o)
	}
	ttl := o.ttl
	if ttl <= 0 {
		ttl = c.cfg.TTL(o.kind)
	}

	if o.force {
		c.metrics.lookup(c.name, ResultBypass)
		e, _, err := c.fetchAndStore(ctx, url, fetch, ttl)
		return e, err
	}

	if e, ok := c.mem.Get(url); ok {
		c.metrics.lookup(c.name, ResultMemoryHit)
		return e, nil
	}
	if e, ok := c.disk.Get(url); ok {
		c.mem.PutTTL(url, e, ttl)
		c.metrics.lookup(c.name, ResultDiskHit)
		return e, nil
	}

	if !c.coalesce {
		return c.fetchAndRecord(ctx, url, fetch, ttl)
	}
	return c.coalescedFetch(ctx, url, fetch, ttl)
}

// coalescedFetch shares one fetch among concurrent misses that would store
// the entry with the same TTL. Callers asking for a different TTL fetch on
// their own.
func (c *Client) coalescedFetch(ctx context.Context, url string, fetch FetchFunc, ttl time.Duration) (*Entry, error) {
	key := url + "\x00" + strconv.FormatInt(int64(ttl), 10)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.fetchAndRecord(ctx, url, fetch, ttl)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The leader was cancelled but this caller is still live.
			if isCancellation(res.Err) && ctx.Err() == nil {
				return c.fetchAndRecord(ctx, url, fetch, ttl)
			}
			return nil, res.Err
		}
		e, _ := res.Val.(*Entry)
		return e, nil
	}
}

// fetchAndRecord is a non-forced fetch: it counts one lookup with its result.
func (c *Client) fetchAndRecord(ctx context.Context, url string, fetch FetchFunc, ttl time.Duration) (*Entry, error) {
	e, result, err := c.fetchAndStore(ctx, url, fetch, ttl)
	if err == nil {
		c.metrics.lookup(c.name, result)
	}
	return e, err
}

// safeFetch runs fetch, turning a panic into an error so it is handled like
// any other failed fetch. A panic escaping a singleflight goroutine cannot be
// recovered by the caller.
func (c *Client) safeFetch(ctx context.Context, url string, fetch FetchFunc) (res *FetchResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("fetch panicked", zap.String("url", url), zap.Any("panic", p), zap.Stack("stack"))
			res, err = nil, fmt.Errorf("%w: %v", ErrFetchPanic, p)
		}
	}()
	return fetch(ctx)
}

// fetchAndStore fetches url and stores a cacheable result. It returns the
// lookup result (miss or stale) for the caller to record.
func (c *Client) fetchAndStore(ctx context.Context, url string, fetch FetchFunc, ttl time.Duration) (*Entry, string, error) {
	res, err := c.safeFetch(ctx, url, fetch)
	if ctxErr := ctx.Err(); ctxErr != nil && (err != nil || res == nil) {
		return nil, "", ctxErr
	}

	if err != nil || res == nil {
		if err != nil {
			c.log.Debug("fetch failed", zap.String("url", url), zap.Error(err))
		}
		c.metrics.fetch(c.name, OutcomeAbsent)
		if e, ok := c.disk.GetStale(url); ok {
			e.IsOfflineFallback = true
			return e, ResultStale, nil
		}
		return nil, ResultMiss, nil
	}

	if !c.classify(res) {
		c.metrics.fetch(c.name, OutcomeUncacheable)
		c.log.Debug("not caching response", zap.String("url", url), zap.Int("status", res.StatusCode))
		return nil, ResultMiss, nil
	}
	c.metrics.fetch(c.name, OutcomeCacheable)

	e := &Entry{
		Body:         res.Body,
		URL:          url,
		StatusCode:   res.StatusCode,
		ETag:         res.ETag,
		LastModified: res.LastModified,
	}
	c.mem.PutTTL(url, e, ttl)
	c.disk.PutEntry(e, ttl)
	c.metrics.sizes(c.name, c.mem.Len(), c.disk.Size())
	return e, ResultMiss, nil
}

// Invalidate removes url from both tiers.
func (c *Client) Invalidate(url string) {
	c.mem.Invalidate(url)
	c.disk.Invalidate(url)
	c.metrics.sizes(c.name, c.mem.Len(), c.disk.Size())
}

// Stats is a point-in-time view of the client's tiers.
type Stats struct {
	MemoryEntries   int
	MemoryEvictions uint64
	DiskEntries     int
	DiskBytes       int64
	DiskEvictions   uint64
}

func (c *Client) Stats() Stats {
	return Stats{
		MemoryEntries:   c.mem.Len(),
		MemoryEvictions: c.mem.Evictions(),
		DiskEntries:     c.disk.Len(),
		DiskBytes:       c.disk.Size(),
		DiskEvictions:   c.disk.Evictions(),
	}
}

// Keys returns the union of keys held by both tiers, memory keys first.
func (c *Client) Keys() []string {
	mem := c.mem.Keys()
	seen := make(map[string]struct{}, len(mem))
	out := make([]string, 0, len(mem))
	for _, k := range mem {
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range c.disk.Keys() {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Close releases the disk tier. Later CachedGet calls return ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.metrics.Forget(c.name)
	return c.disk.Close()
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
