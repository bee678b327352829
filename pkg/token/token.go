package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sirosfoundation/go-ecf/pkg/transport"
)

const (
	// ExpirySkew is subtracted from the upstream expiry before a token is
	// considered usable.
	ExpirySkew = 30 * time.Second
	// DefaultLifetime applies when the upstream expiry cannot be parsed.
	DefaultLifetime = 10 * time.Minute
)

var (
	accessTokenFields = []string{"access_token", "token"}
	expiryFields      = []string{"expires_at", "expiration", "expira"}
)

// ErrAuth classifies authentication failures
var ErrAuth = errors.New("authentication failed")

// AuthError reports a permanent failure to obtain a token.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

// Signer signs the authentication challenge.
type Signer interface {
	Sign(doc []byte) ([]byte, error)
}

// Doer performs HTTP calls. *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, method, url string, header http.Header, body []byte) (*transport.Response, error)
}

// CachedToken is a bearer token and its upstream expiry.
type CachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token is usable at now.
func (t CachedToken) Valid(now time.Time) bool {
	return t.AccessToken != "" && t.ExpiresAt.Add(-ExpirySkew).After(now)
}

// Config configures a Manager
type Config struct {
	// AuthURL is the base of the semilla and token endpoints.
	AuthURL   string
	Signer    Signer
	Transport Doer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager caches a bearer token and refreshes it through the
// challenge/response exchange. At most one refresh runs at a time.
type Manager struct {
	authURL   string
	signer    Signer
	transport Doer
	logger    *slog.Logger
	now       func() time.Time

	refresh *semaphore.Weighted

	mu     sync.RWMutex
	cached CachedToken
}

// NewManager creates a token manager
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		authURL:   strings.TrimRight(cfg.AuthURL, "/"),
		signer:    cfg.Signer,
		transport: cfg.Transport,
		logger:    logger.With("component", "token"),
		now:       now,
		refresh:   semaphore.NewWeighted(1),
	}
}

// Cached returns the current token, valid or not.
func (m *Manager) Cached() CachedToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached
}

// Token returns a valid bearer token, refreshing it when it is missing,
// about to expire, or forceRefresh is set. Concurrent callers share one
// refresh.
func (m *Manager) Token(ctx context.Context, forceRefresh bool) (string, error) {
	seen := m.Cached()
	if !forceRefresh && seen.Valid(m.now()) {
		return seen.AccessToken, nil
	}

	if err := m.refresh.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer m.refresh.Release(1)

	// another caller may have refreshed while this one waited
	current := m.Cached()
	if current.Valid(m.now()) && (!forceRefresh || current.AccessToken != seen.AccessToken) {
		return current.AccessToken, nil
	}

	tok, err := m.fetch(ctx)
	if err != nil {
		tokenRefreshes.WithLabelValues("error").Inc()
		m.logger.Warn("token refresh failed", "error", err)
		return "", err
	}

	m.mu.Lock()
	m.cached = tok
	m.mu.Unlock()

	tokenRefreshes.WithLabelValues("ok").Inc()
	m.logger.Info("token refreshed", "expires_at", tok.ExpiresAt, "forced", forceRefresh)
	return tok.AccessToken, nil
}

// Invalidate drops the cached token.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = CachedToken{}
	m.mu.Unlock()
}

func (m *Manager) fetch(ctx context.Context) (CachedToken, error) {
	seed, err := m.transport.Do(ctx, http.MethodGet, m.authURL+"/semilla", nil, nil)
	if err != nil {
		return CachedToken{}, classify("fetching challenge", err)
	}

	signed, err := m.signer.Sign(seed.Body)
	if err != nil {
		return CachedToken{}, &AuthError{Reason: "signing challenge", Err: err}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/xml")
	resp, err := m.transport.Do(ctx, http.MethodPost, m.authURL+"/token", header, signed)
	if err != nil {
		return CachedToken{}, classify("exchanging challenge", err)
	}

	return parseTokenResponse(resp.Body, m.now())
}

func classify(reason string, err error) error {
	if errors.Is(err, transport.ErrRejected) {
		return &AuthError{Reason: reason, Err: err}
	}
	return err
}

func parseTokenResponse(body []byte, now time.Time) (CachedToken, error) {
	var payload map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return CachedToken{}, &AuthError{Reason: "invalid token response", Err: err}
	}

	access := firstString(payload, accessTokenFields)
	expires := firstString(payload, expiryFields)
	if access == "" || expires == "" {
		return CachedToken{}, &AuthError{Reason: "token response is missing required fields"}
	}

	return CachedToken{AccessToken: access, ExpiresAt: ParseExpiry(expires, now)}, nil
}

func firstString(payload map[string]interface{}, fields []string) string {
	for _, f := range fields {
		switch v := payload[f].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseExpiry parses an upstream expiry timestamp. A trailing Z, a numeric
// offset, and naive timestamps (read as UTC) are accepted. Anything else
// yields now plus DefaultLifetime.
func ParseExpiry(value string, now time.Time) time.Time {
	value = strings.TrimSpace(value)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return now.Add(DefaultLifetime).UTC()
}
