// Package auth drives the CRM login flow with a real browser and produces
// sessions for the query fetchers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/telquery/simgate/internal/metrics"
	"github.com/telquery/simgate/internal/simquery"
)

// Config controls the login flow.
type Config struct {
	LoginURL       string
	Username       string
	Password       string
	SessionCookie  string
	UserAgent      string
	FailureMarkers []string
	Timeout        time.Duration

	// Form selectors on the login page. Like every other selector in this
	// service they follow the upstream site, not our code.
	UserField   string
	PassField   string
	SubmitField string
}

// ChromeAuthenticator implements simquery.Authenticator using chromedp.
// Every Login call launches a fresh browser so anti-automation state from a
// failed attempt never leaks into the next one.
type ChromeAuthenticator struct {
	cfg    Config
	clock  simquery.Clock
	logger *zap.Logger
}

// minTokenLen rejects the placeholder cookies the CRM hands to anonymous
// visitors.
const minTokenLen = 10

// NewChrome builds an authenticator.
func NewChrome(cfg Config, clock simquery.Clock, logger *zap.Logger) (*ChromeAuthenticator, error) {
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("login URL must be set")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("credentials must be set")
	}
	if cfg.SessionCookie == "" {
		return nil, fmt.Errorf("session cookie name must be set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.UserField == "" {
		cfg.UserField = `input[name="user_id"]`
	}
	if cfg.PassField == "" {
		cfg.PassField = `input[name="password"]`
	}
	if cfg.SubmitField == "" {
		cfg.SubmitField = `input[type="submit"]`
	}
	return &ChromeAuthenticator{cfg: cfg, clock: clock, logger: logger}, nil
}

// Login renders the login page, fills the credential fields, submits, and
// harvests the session cookie from the resulting navigation. The produced
// session is validated by token shape and by the absence of the configured
// failure markers in the rendered body.
func (a *ChromeAuthenticator) Login(ctx context.Context) (simquery.Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if a.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(a.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	taskCtx, cancel := context.WithTimeout(tabCtx, a.cfg.Timeout)
	defer cancel()

	a.logger.Info("starting login flow", zap.String("url", a.cfg.LoginURL))

	var (
		bodyText string
		cookies  []*network.Cookie
	)
	actions := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(a.cfg.LoginURL),
		chromedp.WaitVisible(a.cfg.UserField, chromedp.ByQuery),
		chromedp.WaitVisible(a.cfg.PassField, chromedp.ByQuery),
		chromedp.SendKeys(a.cfg.UserField, a.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(a.cfg.PassField, a.cfg.Password, chromedp.ByQuery),
		chromedp.Click(a.cfg.SubmitField, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// The post-login page keeps rendering after the navigation settles.
		chromedp.Sleep(time.Second),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			return nil
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		metrics.CountLogin("failed")
		return simquery.Session{}, a.classifyRunError(err)
	}

	tokens := a.harvestTokens(cookies)
	if len(tokens) == 0 {
		metrics.CountLogin("failed")
		return simquery.Session{}, simquery.NewError(
			simquery.KindAuthFailure,
			"wait a few minutes before retrying",
			errors.New("login produced no valid session cookie"),
		)
	}
	for _, marker := range a.cfg.FailureMarkers {
		if strings.Contains(bodyText, marker) {
			metrics.CountLogin("failed")
			return simquery.Session{}, simquery.NewError(
				simquery.KindAuthFailure,
				"check the configured CRM credentials",
				fmt.Errorf("login page shows failure marker %q", marker),
			)
		}
	}

	metrics.CountLogin("ok")
	return simquery.Session{
		Tokens:     tokens,
		AcquiredAt: a.clock.Now(),
	}, nil
}

func (a *ChromeAuthenticator) harvestTokens(cookies []*network.Cookie) []simquery.Token {
	var tokens []simquery.Token
	for _, c := range cookies {
		if c.Name == a.cfg.SessionCookie && len(c.Value) > minTokenLen {
			tokens = append(tokens, simquery.Token{Name: c.Name, Value: c.Value})
		}
	}
	return tokens
}

func (a *ChromeAuthenticator) classifyRunError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return simquery.NewError(simquery.KindAuthFailure, "wait a few minutes before retrying",
			fmt.Errorf("login flow timed out: %w", err))
	case simquery.KillsSession(err):
		return simquery.NewError(simquery.KindUnavailable, "wait a few seconds and retry",
			fmt.Errorf("browser died during login: %w", err))
	default:
		return simquery.NewError(simquery.KindAuthFailure, "wait a few minutes before retrying",
			fmt.Errorf("login flow: %w", err))
	}
}
