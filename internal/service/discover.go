package service

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"warmcache/internal/cache"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

type discoverResult struct {
	Scheduled int
	Ignored   int
}

func (s *Service) startDiscover(st *siteState) {
	d := st.site.Discover
	if len(d.Sitemaps) == 0 {
		return
	}
	log := st.client.Logger()
	if !st.prefetcher.Enabled() {
		log.Info("sitemap discovery skipped, prefetch disabled at this level")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if d.initialDelayDur > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(d.initialDelayDur):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			res, err := s.discoverOnce(ctx, st)
			if err != nil {
				log.Warn("sitemap discovery failed", zap.Error(err))
				return
			}
			log.Info("sitemap discovery done",
				zap.Int("scheduled", res.Scheduled),
				zap.Int("ignored", res.Ignored),
			)
		}

		runOnce()
		if d.everyDur <= 0 {
			return
		}
		t := time.NewTicker(d.everyDur)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// discoverOnce walks the site's sitemaps (following sitemap indexes) and
// hands every cacheable path to the prefetcher, waiting for free workers.
func (s *Service) discoverOnce(ctx context.Context, st *siteState) (discoverResult, error) {
	var res discoverResult

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	seen := map[string]struct{}{}
	queue := make([]string, 0, len(st.site.Discover.Sitemaps))
	for _, sm := range st.site.Discover.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, absoluteURL(st.site.Origin, sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return res, errors.WithContext(err, "sitemap", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, absoluteURL(st.site.Origin, nested))
			}
		}

		for _, loc := range doc.URLs {
			key := originPath(loc)
			if key == "" {
				res.Ignored++
				continue
			}
			rule := st.site.PickRule(key)
			if rule == nil || rule.Bypass {
				res.Ignored++
				continue
			}
			fetch := func(ctx context.Context) (*cache.FetchResult, error) {
				return s.fetchFromOrigin(ctx, st, key, nil)
			}
			if !st.prefetcher.PrefetchWait(ctx, key, fetch, rule.GetOptions()...) {
				if err := ctx.Err(); err != nil {
					return res, err
				}
				res.Ignored++
				continue
			}
			res.Scheduled++
		}
	}
	return res, nil
}

func absoluteURL(origin, u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return origin + u
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, errors.Wrap(err, errors.CodeInvalidInput, "build sitemap request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, errors.Wrap(err, errors.CodeNetwork, "fetch sitemap")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, errors.Newf(errors.CodeNetwork, "unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := readLimited(resp.Body, s.cfg.Server.maxBodyBytes)
	if err != nil {
		return sitemapDoc{}, err
	}
	return parseSitemap(sitemapURL, body)
}

func parseSitemap(sitemapURL string, body []byte) (sitemapDoc, error) {
	// A .gz URL may already have been decompressed by the transport, so trust
	// the magic bytes over the extension.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, errors.Wrap(err, errors.CodeInvalidInput, "gunzip sitemap")
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, errors.Wrap(err, errors.CodeInvalidInput, "gunzip sitemap")
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.WithContext(errors.Wrap(err, errors.CodeInvalidInput, "parse sitemap"), "url", sitemapURL)
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
