package simquery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionStoreConfig controls session lifetime and login behavior.
type SessionStoreConfig struct {
	// TTL is how long an acquired session stays usable.
	TTL time.Duration
	// PollInterval is how long a caller sleeps before re-reading the store
	// when it finds a login already in flight.
	PollInterval time.Duration
	// LoginRetries is the number of additional login attempts after the
	// first one fails.
	LoginRetries int
}

// SessionStore owns the single current Session. Writes happen only through
// Ensure, and a boolean latch keeps two login flows from overlapping: a
// caller that observes a login in flight sleeps a fixed interval and
// re-reads the store instead of joining the in-flight attempt.
type SessionStore struct {
	auth   Authenticator
	clock  Clock
	cfg    SessionStoreConfig
	logger *zap.Logger

	mu           sync.Mutex
	current      Session
	loginLatched bool
	loginCount   int
}

// NewSessionStore builds a store around the given authenticator.
func NewSessionStore(auth Authenticator, clock Clock, cfg SessionStoreConfig, logger *zap.Logger) *SessionStore {
	if cfg.TTL <= 0 {
		cfg.TTL = 25 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &SessionStore{
		auth:   auth,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Current returns the stored session and whether it is still usable.
func (s *SessionStore) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Stale(s.clock.Now(), s.cfg.TTL) {
		return Session{}, false
	}
	return s.current, true
}

// Invalidate drops the stored session so the next Ensure runs a fresh login.
func (s *SessionStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Session{}
}

// LoginCount reports how many login flows have completed successfully, for
// instrumentation and tests.
func (s *SessionStore) LoginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCount
}

// Ensure returns a usable session. If a valid, non-stale session exists and
// forceRefresh is false it is returned without any network activity;
// otherwise the login flow runs with bounded retries, using fresh automation
// state on every attempt.
func (s *SessionStore) Ensure(ctx context.Context, forceRefresh bool) (Session, error) {
	for {
		s.mu.Lock()
		if !forceRefresh && !s.current.Stale(s.clock.Now(), s.cfg.TTL) {
			sess := s.current
			s.mu.Unlock()
			return sess, nil
		}
		if !s.loginLatched {
			s.loginLatched = true
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		// Another login is in flight: wait a fixed interval, then re-read
		// the store. Waiters take whatever session the in-flight attempt
		// produced rather than forcing another one.
		select {
		case <-ctx.Done():
			return Session{}, NewError(KindAuthFailure, "wait a few seconds and retry", fmt.Errorf("waiting for login: %w", ctx.Err()))
		case <-time.After(s.cfg.PollInterval):
		}
		forceRefresh = false
	}

	sess, err := s.runLogin(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginLatched = false
	if err != nil {
		s.current = Session{}
		return Session{}, err
	}
	s.current = sess
	s.loginCount++
	return sess, nil
}

func (s *SessionStore) runLogin(ctx context.Context) (Session, error) {
	var lastErr error
	attempts := 1 + s.cfg.LoginRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		sess, err := s.auth.Login(ctx)
		if err == nil {
			s.logger.Info("login succeeded",
				zap.Int("attempt", attempt),
				zap.Int("tokens", len(sess.Tokens)),
			)
			return sess, nil
		}
		lastErr = err
		s.logger.Warn("login attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return Session{}, NewError(KindAuthFailure, "wait a few minutes before retrying", lastErr)
}
