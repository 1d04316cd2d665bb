// Package headless implements the browser-automation fetch strategy. It is
// slow but survives the CRM's anti-automation defenses, so the orchestrator
// uses it as the fallback tier.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/telquery/simgate/internal/simquery"
)

// Config controls the behavior of the automation fetcher.
type Config struct {
	QueryURL   string
	QueryParam string
	UserAgent  string
	Encoding   string

	// CookieDomain and CookiePath scope the injected session cookies to the
	// CRM's application path.
	CookieDomain string
	CookiePath   string

	// ReadySelector is the nested-table cell whose presence signals that
	// the query data has loaded.
	ReadySelector string

	// NavigationTimeout bounds the initial navigation; WaitTimeout bounds
	// the DOM wait for ReadySelector; SettleDelay is a short fixed pause
	// after the wait so asynchronous rendering finishes before the
	// document is read.
	NavigationTimeout time.Duration
	WaitTimeout       time.Duration
	SettleDelay       time.Duration

	// InvalidMarkers and LoginMarkers classify partially rendered pages
	// when the DOM wait expires.
	InvalidMarkers []string
	LoginMarkers   []string
}

// Fetcher implements simquery.Fetcher using chromedp and headless Chrome.
// One browser process is shared across fetches; each fetch runs in its own
// tab. The admission gate upstream guarantees one fetch at a time.
type Fetcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	hasher      simquery.Hasher
	logger      *zap.Logger
}

// NewChromedp creates an automation fetcher backed by chromedp.
func NewChromedp(cfg Config, hasher simquery.Hasher, logger *zap.Logger) (*Fetcher, error) {
	if cfg.QueryURL == "" {
		return nil, fmt.Errorf("query URL must be set")
	}
	if cfg.ReadySelector == "" {
		return nil, fmt.Errorf("ready selector must be set")
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "dat"
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 10 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		hasher:      hasher,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, tearing down the browser.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates a headless browser to the query endpoint with the session
// cookies injected, executes the page's client-side load, blocks until the
// ready selector appears, and returns the rendered document. A wait timeout
// is inspected for known failure markers and translated into a typed
// failure when possible instead of surfacing a bare timeout.
func (f *Fetcher) Fetch(ctx context.Context, iccid string, session simquery.Session) (simquery.RawDocument, error) {
	tabCtx, cancelTab := chromedp.NewContext(f.allocator)
	defer cancelTab()

	// Bound the whole tab's lifetime; individual phases get tighter
	// deadlines below.
	overall := f.cfg.NavigationTimeout + f.cfg.WaitTimeout + f.cfg.SettleDelay + 10*time.Second
	tabCtx, cancelAll := context.WithTimeout(tabCtx, overall)
	defer cancelAll()

	stopForward := forwardCancel(ctx, cancelAll)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	target := fmt.Sprintf("%s?%s=%s", f.cfg.QueryURL, f.cfg.QueryParam, iccid)

	if err := f.navigate(tabCtx, target, session); err != nil {
		return simquery.RawDocument{}, f.classifyRunError(err, "navigate")
	}

	waitErr := f.waitForData(tabCtx)
	if waitErr != nil && !isDeadline(waitErr) {
		return simquery.RawDocument{}, f.classifyRunError(waitErr, "wait")
	}

	html, err := f.readDocument(tabCtx)
	if err != nil {
		return simquery.RawDocument{}, f.classifyRunError(err, "read")
	}

	decoded, err := simquery.DecodeBody([]byte(html), "", f.cfg.Encoding)
	if err != nil {
		// The DOM snapshot is already UTF-8 in practice; a decode failure
		// means the page declared something exotic. Use it as-is.
		decoded = html
	}

	if waitErr != nil {
		// Data never appeared. Translate the partial document into a typed
		// failure when its markers allow, else report the bounded wait.
		return simquery.RawDocument{}, f.classifyPartial(iccid, decoded, waitErr)
	}

	if marker := firstMarker(decoded, f.cfg.LoginMarkers); marker != "" {
		return simquery.RawDocument{}, simquery.NewError(simquery.KindSessionInvalid,
			"retry once the session is re-established",
			fmt.Errorf("rendered page carries login marker %q", marker))
	}

	hash := ""
	if f.hasher != nil {
		if h, hashErr := f.hasher.Hash([]byte(decoded)); hashErr == nil {
			hash = h
		}
	}
	status := meta.status()
	if status == 0 {
		status = http.StatusOK
	}

	f.logger.Debug("automation fetch complete",
		zap.String("iccid", iccid),
		zap.Int("status", status),
		zap.String("content_hash", hash),
		zap.String("head", truncateForLog(decoded, 1024)),
	)

	return simquery.RawDocument{
		HTML:        decoded,
		StatusCode:  status,
		Mode:        simquery.ModeAutomation,
		ContentHash: hash,
		Duration:    time.Since(start),
	}, nil
}

func (f *Fetcher) navigate(tabCtx context.Context, target string, session simquery.Session) error {
	navCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()

	actions := chromedp.Tasks{
		network.Enable(),
		f.injectCookies(session),
	}
	if f.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(f.cfg.UserAgent))
	}
	actions = append(actions, chromedp.Navigate(target))

	if err := chromedp.Run(navCtx, actions...); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	return nil
}

func (f *Fetcher) waitForData(tabCtx context.Context) error {
	waitCtx, cancel := context.WithTimeout(tabCtx, f.cfg.WaitTimeout)
	defer cancel()
	if err := chromedp.Run(waitCtx,
		chromedp.WaitVisible(f.cfg.ReadySelector, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("wait for %q: %w", f.cfg.ReadySelector, err)
	}
	return chromedp.Run(tabCtx, chromedp.Sleep(f.cfg.SettleDelay))
}

func (f *Fetcher) readDocument(tabCtx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(tabCtx,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (f *Fetcher) injectCookies(session simquery.Session) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, t := range session.Tokens {
			err := network.SetCookie(t.Name, t.Value).
				WithDomain(f.cfg.CookieDomain).
				WithPath(f.cfg.CookiePath).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", t.Name, err)
			}
		}
		return nil
	})
}

func (f *Fetcher) classifyPartial(iccid, html string, waitErr error) error {
	if marker := firstMarker(html, f.cfg.LoginMarkers); marker != "" {
		return simquery.NewError(simquery.KindSessionInvalid,
			"retry once the session is re-established",
			fmt.Errorf("partial page carries login marker %q", marker))
	}
	if marker := firstMarker(html, f.cfg.InvalidMarkers); marker != "" {
		return simquery.NewError(simquery.KindNoData,
			"no data exists for this ICCID, please verify the number",
			fmt.Errorf("partial page carries marker %q for iccid %s", marker, iccid))
	}
	return simquery.NewError(simquery.KindTimeout,
		"retry in a few minutes",
		fmt.Errorf("query data never rendered: %w", waitErr))
}

func (f *Fetcher) classifyRunError(err error, phase string) error {
	wrapped := fmt.Errorf("automation %s: %w", phase, err)
	switch {
	case simquery.KillsSession(err):
		return simquery.NewError(simquery.KindUnavailable, "wait ten seconds and retry", wrapped)
	case isDeadline(err):
		return simquery.NewError(simquery.KindTimeout, "retry in a few minutes", wrapped)
	default:
		return simquery.NewError(simquery.KindUnavailable, "wait ten seconds and retry", wrapped)
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func firstMarker(html string, markers []string) string {
	for _, marker := range markers {
		if marker != "" && strings.Contains(html, marker) {
			return marker
		}
	}
	return ""
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type responseMeta struct {
	mu         sync.Mutex
	statusCode int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.statusCode == 0 {
		m.statusCode = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
