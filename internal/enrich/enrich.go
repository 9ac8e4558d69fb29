// Package enrich fetches the webpages and repository pages an entry links
// to and extracts their readable text as prompt context.
package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
	"github.com/sells-group/disambench/internal/resilience"
)

// Cache stores fetched link content. store.Store satisfies it.
type Cache interface {
	GetCachedLink(ctx context.Context, url string) (*model.LinkContent, error)
	SetCachedLink(ctx context.Context, link model.LinkContent, ttl time.Duration) error
}

// Options configures an Enricher.
type Options struct {
	UserAgent       string
	Timeout         time.Duration
	MaxRetries      int // retries after the first attempt
	MaxChars        int // per page; 0 keeps everything
	MaxPagesPerCase int
	CacheTTL        time.Duration
	PerHostPerMin   float64
	HTTPClient      *http.Client
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "disambench/1.0"
	}
	if o.Timeout == 0 {
		o.Timeout = 20 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.MaxPagesPerCase == 0 {
		o.MaxPagesPerCase = 4
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = 30 * 24 * time.Hour
	}
	if o.PerHostPerMin == 0 {
		o.PerHostPerMin = 60
	}
	return o
}

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 4 << 20

// Enricher fetches link content with per-host rate limiting, retries and a
// persistent cache.
type Enricher struct {
	client   *http.Client
	opts     Options
	cache    Cache
	limiters *resilience.Limiters
	retry    resilience.RetryConfig
}

// New creates an Enricher. cache may be nil.
func New(cache Cache, opts Options) *Enricher {
	opts = opts.withDefaults()
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxRetries + 1
	return &Enricher{
		client:   client,
		opts:     opts,
		cache:    cache,
		limiters: resilience.NewLimiters(opts.PerHostPerMin, 2),
		retry:    retry,
	}
}

// Fetch returns the content of rawURL, from the cache when fresh. Non-2xx
// responses are cached too so dead links are not retried on every run.
func (e *Enricher) Fetch(ctx context.Context, rawURL string) (model.LinkContent, error) {
	if e.cache != nil {
		cached, err := e.cache.GetCachedLink(ctx, rawURL)
		if err != nil {
			zap.L().Warn("enrich: cache lookup failed", zap.String("url", rawURL), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.LinkContent{}, eris.Errorf("enrich: unsupported url %q", rawURL)
	}

	limiter := e.limiters.Get(u.Host)
	cfg := e.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		zap.L().Debug("enrich: retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	link, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.LinkContent, error) {
		if err := limiter.Wait(ctx); err != nil {
			return model.LinkContent{}, eris.Wrap(err, "enrich: rate limiter wait")
		}
		link, err := e.get(ctx, rawURL)
		if err != nil {
			return link, err
		}
		if link.StatusCode == http.StatusTooManyRequests {
			limiter.OnRateLimit()
		} else {
			limiter.OnSuccess()
		}
		if resilience.IsTransientHTTPStatus(link.StatusCode) {
			return link, resilience.NewTransientError(
				fmt.Errorf("http %d from %s", link.StatusCode, rawURL), link.StatusCode)
		}
		return link, nil
	})
	if err != nil {
		return model.LinkContent{}, eris.Wrapf(err, "enrich: fetch %s", rawURL)
	}

	if e.cache != nil {
		if err := e.cache.SetCachedLink(ctx, link, e.opts.CacheTTL); err != nil {
			zap.L().Warn("enrich: cache write failed", zap.String("url", rawURL), zap.Error(err))
		}
	}
	return link, nil
}

func (e *Enricher) get(ctx context.Context, rawURL string) (model.LinkContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return model.LinkContent{}, eris.Wrap(err, "enrich: create request")
	}
	req.Header.Set("User-Agent", e.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return model.LinkContent{}, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	link := model.LinkContent{URL: rawURL, StatusCode: resp.StatusCode, FetchedAt: time.Now().UTC()}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return link, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return model.LinkContent{}, resilience.NewTransientError(eris.Wrap(err, "enrich: read body"), 0)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		link.Text = truncate(normalizeSpace(string(body)), e.opts.MaxChars)
		return link, nil
	}
	title, text, err := Extract(body)
	if err != nil {
		return model.LinkContent{}, err
	}
	link.Title = title
	link.Text = truncate(text, e.opts.MaxChars)
	return link, nil
}

// Pages fetches the links of both entries of a case and returns the usable
// ones as prompt context, in entry order. Fetch failures are logged and
// skipped; only ctx cancellation is returned.
func (e *Enricher) Pages(ctx context.Context, entries ...model.Entry) ([]prompt.Page, error) {
	var (
		pages []prompt.Page
		seen  = make(map[string]bool)
	)
	for _, entry := range entries {
		for _, u := range entry.URLs() {
			if len(pages) >= e.opts.MaxPagesPerCase {
				return pages, nil
			}
			if seen[u] {
				continue
			}
			seen[u] = true

			link, err := e.Fetch(ctx, u)
			if err != nil {
				if ctx.Err() != nil {
					return pages, ctx.Err()
				}
				zap.L().Warn("enrich: skipping link",
					zap.String("entry_id", entry.ID),
					zap.String("url", u),
					zap.Error(err),
				)
				continue
			}
			if !link.Usable() {
				continue
			}
			pages = append(pages, prompt.Page{URL: link.URL, Text: link.Text})
		}
	}
	return pages, nil
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
