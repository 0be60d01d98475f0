package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPrefetchWorkers = 8
	defaultPrefetchTimeout = 30 * time.Second
)

// Prefetcher warms a Client in the background. It is gated by the cache
// level and bounded by a fixed number of concurrent fetches; requests beyond
// that bound are dropped rather than queued.
type Prefetcher struct {
	client  *Client
	cfg     Config
	timeout time.Duration

	sem    chan struct{}
	mu     sync.RWMutex // guards closed against wg.Add racing Close
	wg     sync.WaitGroup
	closed bool

	onDrop func(url string)
}

type PrefetchOption func(*Prefetcher)

// WithPrefetchWorkers bounds concurrent background fetches.
func WithPrefetchWorkers(n int) PrefetchOption {
	return func(p *Prefetcher) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithPrefetchTimeout bounds each background fetch.
func WithPrefetchTimeout(d time.Duration) PrefetchOption {
	return func(p *Prefetcher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDropHandler is called for every request dropped because all workers
// were busy.
func WithDropHandler(fn func(url string)) PrefetchOption {
	return func(p *Prefetcher) { p.onDrop = fn }
}

func NewPrefetcher(client *Client, cfg Config, opts ...PrefetchOption) *Prefetcher {
	p := &Prefetcher{
		client:  client,
		cfg:     cfg,
		timeout: defaultPrefetchTimeout,
		sem:     make(chan struct{}, defaultPrefetchWorkers),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Prefetcher) Enabled() bool { return p.cfg.PrefetchEnabled() }

func (p *Prefetcher) MaxDetailPrefetch() int { return p.cfg.MaxDetailPrefetch() }

// Prefetch schedules a CachedGet for url on the client's background context
// and reports whether it was scheduled. The caller never waits for it and
// never sees its outcome. When every worker is busy the request is dropped.
func (p *Prefetcher) Prefetch(url string, fetch FetchFunc, opts ...GetOption) bool {
	return p.schedule(false, nil, url, fetch, opts)
}

// PrefetchWait is Prefetch for bulk producers: it waits for a free worker
// instead of dropping, until ctx is done.
func (p *Prefetcher) PrefetchWait(ctx context.Context, url string, fetch FetchFunc, opts ...GetOption) bool {
	return p.schedule(true, ctx.Done(), url, fetch, opts)
}

// schedule acquires a worker slot, blocking on wait only when block is set.
func (p *Prefetcher) schedule(block bool, wait <-chan struct{}, url string, fetch FetchFunc, opts []GetOption) bool {
	m := p.client.metrics
	site := p.client.name
	if !p.Enabled() {
		m.prefetched(site, PrefetchDisabled)
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	bg := p.client.bg
	if p.closed || bg.Err() != nil {
		return false
	}

	if !block {
		select {
		case p.sem <- struct{}{}:
		default:
			p.dropped(url)
			return false
		}
	} else {
		select {
		case p.sem <- struct{}{}:
		case <-wait:
			p.dropped(url)
			return false
		case <-bg.Done():
			return false
		}
	}
	m.prefetched(site, PrefetchScheduled)

	ctx, cancel := context.WithTimeout(bg, p.timeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		defer cancel()

		if _, err := p.client.CachedGet(ctx, url, fetch, opts...); err != nil {
			p.client.log.Debug("prefetch abandoned", zap.String("url", url), zap.Error(err))
		}
	}()
	return true
}

func (p *Prefetcher) dropped(url string) {
	p.client.metrics.prefetched(p.client.name, PrefetchDropped)
	if p.onDrop != nil {
		p.onDrop(url)
	}
}

// Wait blocks until every scheduled prefetch has finished.
func (p *Prefetcher) Wait() { p.wg.Wait() }

// Close stops accepting prefetches and waits for running ones.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
