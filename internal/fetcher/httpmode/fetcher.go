// Package httpmode implements the lightweight HTTP fetch strategy using the
// Colly collector. It is fast but fragile against the CRM's anti-automation
// defenses, so the orchestrator treats it as the first tier only.
package httpmode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/telquery/simgate/internal/simquery"
)

// Config controls collector behavior.
type Config struct {
	QueryURL   string
	QueryParam string
	UserAgent  string
	AcceptLang string
	Encoding   string
	Timeout    time.Duration
	// MaxAttempts bounds the rate-limit retry loop; other failures are not
	// retried at this layer.
	MaxAttempts int
	BackoffBase time.Duration
	// LoginMarkers are body substrings meaning the session is gone and the
	// orchestrator must re-authenticate instead of retrying blindly.
	LoginMarkers []string
}

// Fetcher implements simquery.Fetcher over plain authenticated HTTP.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	hasher        simquery.Hasher
	logger        *zap.Logger
}

// errRateLimited marks a 429 from the CRM so the retry loop can tell it
// apart from terminal failures.
var errRateLimited = errors.New("remote rate limited")

// New builds a Fetcher.
func New(cfg Config, hasher simquery.Hasher, logger *zap.Logger) (*Fetcher, error) {
	if cfg.QueryURL == "" {
		return nil, fmt.Errorf("query URL must be set")
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "dat"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	// The same query endpoint is hit for every identifier, and the same
	// identifier may be fetched again after cache expiry.
	c.AllowURLRevisit = true
	c.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	})
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		hasher:        hasher,
		logger:        logger,
	}, nil
}

// Fetch issues a single authenticated request for the identifier, retrying
// only on rate-limit responses. A server-provided Retry-After hint is
// honored; otherwise the wait grows exponentially.
func (f *Fetcher) Fetch(ctx context.Context, iccid string, session simquery.Session) (simquery.RawDocument, error) {
	target := fmt.Sprintf("%s?%s=%s", f.cfg.QueryURL, f.cfg.QueryParam, url.QueryEscape(iccid))

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		doc, retryAfter, err := f.attempt(ctx, target, session)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, errRateLimited) {
			return simquery.RawDocument{}, err
		}
		lastErr = err

		wait := f.backoff(attempt, retryAfter)
		f.logger.Warn("rate limit hit, backing off",
			zap.String("iccid", iccid),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return simquery.RawDocument{}, simquery.NewError(simquery.KindTimeout,
				"retry in a few minutes", fmt.Errorf("backoff wait: %w", ctx.Err()))
		case <-time.After(wait):
		}
	}
	return simquery.RawDocument{}, simquery.NewError(simquery.KindRemoteRejected,
		"the CRM is rate limiting queries, retry later", lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, target string, session simquery.Session) (simquery.RawDocument, time.Duration, error) {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	var (
		doc        simquery.RawDocument
		fetchErr   error
		retryAfter time.Duration
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Cookie", session.CookieHeader())
		r.Headers.Set("Accept", "text/html,*/*;q=0.8")
		if f.cfg.AcceptLang != "" {
			r.Headers.Set("Accept-Language", f.cfg.AcceptLang)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		doc, fetchErr = f.buildDocument(r, time.Since(start))
	})

	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		switch {
		case status == http.StatusTooManyRequests:
			retryAfter = parseRetryAfter(r)
			fetchErr = errRateLimited
		case status > 0:
			fetchErr = simquery.NewError(simquery.KindRemoteRejected,
				"please enter a correct 19-20 digit ICCID number",
				fmt.Errorf("remote rejected query with status %d", status))
		case isTimeout(err):
			fetchErr = simquery.NewError(simquery.KindTimeout,
				"retry in a few minutes",
				fmt.Errorf("http fetch timed out: %w", err))
		default:
			fetchErr = simquery.NewError(simquery.KindUnavailable,
				"wait ten seconds and retry",
				fmt.Errorf("http fetch: %w", err))
		}
	})

	// In synchronous mode a non-2xx response surfaces from Visit itself,
	// after OnError has already classified it. The classified error wins;
	// the Unavailable wrap is only for transport failures OnError never saw.
	visitErr := collector.Visit(target)
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return simquery.RawDocument{}, 0, simquery.NewError(simquery.KindTimeout,
			"retry in a few minutes", err)
	}
	if fetchErr != nil {
		return simquery.RawDocument{}, retryAfter, fetchErr
	}
	if visitErr != nil {
		return simquery.RawDocument{}, 0, simquery.NewError(simquery.KindUnavailable,
			"wait ten seconds and retry", fmt.Errorf("visit query endpoint: %w", visitErr))
	}
	return doc, 0, nil
}

func (f *Fetcher) buildDocument(r *colly.Response, elapsed time.Duration) (simquery.RawDocument, error) {
	html, err := simquery.DecodeBody(r.Body, r.Headers.Get("Content-Type"), f.cfg.Encoding)
	if err != nil {
		return simquery.RawDocument{}, simquery.NewError(simquery.KindUnavailable,
			"wait ten seconds and retry", err)
	}
	for _, marker := range f.cfg.LoginMarkers {
		if marker != "" && strings.Contains(html, marker) {
			return simquery.RawDocument{}, simquery.NewError(simquery.KindSessionInvalid,
				"retry once the session is re-established",
				fmt.Errorf("response carries login marker %q", marker))
		}
	}

	hash := ""
	if f.hasher != nil {
		if h, hashErr := f.hasher.Hash(r.Body); hashErr == nil {
			hash = h
		}
	}
	return simquery.RawDocument{
		HTML:        html,
		StatusCode:  r.StatusCode,
		Mode:        simquery.ModeHTTP,
		ContentHash: hash,
		Duration:    elapsed,
	}, nil
}

func (f *Fetcher) backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	wait := f.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
	}
	return wait
}

func parseRetryAfter(r *colly.Response) time.Duration {
	if r == nil || r.Headers == nil {
		return 0
	}
	raw := r.Headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

