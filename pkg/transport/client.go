package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// MaxResponseBytes is the default bound on a response body. Larger bodies
// fail with *ResponseTooLargeError.
const MaxResponseBytes = 8 << 20

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Config contains the client's TLS, timeout, retry and breaker settings.
type Config struct {
	MinTLSVersion uint16
	MaxTLSVersion uint16
	CipherSuites  []uint16
	Certificates  []tls.Certificate
	RootCAs       *x509.CertPool

	// Timeout bounds one attempt, including reading the body.
	Timeout         time.Duration
	ConnectTimeout  time.Duration
	IdleConnTimeout time.Duration

	// MaxRetries is the total number of attempts. Values below 1 mean 1.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	BreakerThreshold int
	BreakerWindow    time.Duration

	// AllowedHosts restricts outbound calls when non-empty.
	AllowedHosts []string

	// MaxResponseBytes overrides the package default when positive.
	MaxResponseBytes int64

	Logger *slog.Logger

	// Breaker is shared when set, otherwise one is created.
	Breaker *Breaker
	// Jitter and Sleep replace randomness and waiting in tests.
	Jitter func(n int64) int64
	Sleep  func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		MinTLSVersion:    TLS12,
		MaxTLSVersion:    TLS13,
		CipherSuites:     RecommendedTLS12CipherSuites,
		Timeout:          5 * time.Second,
		ConnectTimeout:   2 * time.Second,
		IdleConnTimeout:  90 * time.Second,
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxDelay:         5 * time.Second,
		BreakerThreshold: 5,
		BreakerWindow:    60 * time.Second,
	}
}

// Response is a fully read upstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response media type without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// DecisionKind tags the outcome of one attempt.
type DecisionKind int

const (
	DecisionSuccess DecisionKind = iota
	DecisionRetry
	DecisionFail
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSuccess:
		return "success"
	case DecisionRetry:
		return "retry"
	case DecisionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is what the retry loop does after an attempt.
type Decision struct {
	Kind  DecisionKind
	Delay time.Duration
	Err   error
}

// Client performs HTTP calls with retries, backoff and a per-host breaker.
type Client struct {
	http    *http.Client
	config  *Config
	breaker *Breaker
	backoff Backoff
	sleep   func(ctx context.Context, d time.Duration) error
	allowed []string
	logger  *slog.Logger
}

// NewClient creates a new client
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: config.ConnectTimeout,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	breaker := config.Breaker
	if breaker == nil {
		breaker = NewBreaker(config.BreakerThreshold, config.BreakerWindow)
	}

	sleep := config.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	allowed := make([]string, 0, len(config.AllowedHosts))
	for _, h := range config.AllowedHosts {
		allowed = append(allowed, strings.ToLower(h))
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config:  config,
		breaker: breaker,
		backoff: Backoff{Base: config.BaseDelay, Max: config.MaxDelay, Jitter: config.Jitter},
		sleep:   sleep,
		allowed: allowed,
		logger:  logger.With("component", "transport"),
	}
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Do sends a request and retries transport failures and 5xx replies.
// 3xx and 4xx replies fail immediately with *ReceiptError. Exhausted
// retries and open circuits return *RetryableError.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := u.Host
	if !c.hostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}

	attempts := max(1, c.config.MaxRetries)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.breaker.Allow(host); err != nil {
			attemptsTotal.WithLabelValues(host, "circuit_open").Inc()
			return nil, &RetryableError{Attempts: attempt - 1, Err: err}
		}

		start := time.Now()
		resp, err := c.attempt(ctx, method, rawURL, header, body)
		attemptDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())

		d := c.decide(ctx, host, attempt, resp, err)
		attemptsTotal.WithLabelValues(host, d.Kind.String()).Inc()

		switch d.Kind {
		case DecisionSuccess:
			return resp, nil
		case DecisionFail:
			return nil, d.Err
		}

		lastErr = d.Err
		if attempt == attempts {
			break
		}

		c.logger.Warn("retrying request",
			"method", method,
			"host", host,
			"attempt", attempt,
			"delay", d.Delay,
			"error", d.Err)
		retriesTotal.WithLabelValues(host).Inc()

		if err := c.sleep(ctx, d.Delay); err != nil {
			return nil, err
		}
	}

	return nil, &RetryableError{Attempts: attempts, Err: lastErr}
}

// decide classifies one attempt and updates the breaker.
func (c *Client) decide(ctx context.Context, host string, attempt int, resp *Response, err error) Decision {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{Kind: DecisionFail, Err: ctxErr}
		}
		if errors.Is(err, ErrResponseTooLarge) {
			return Decision{Kind: DecisionFail, Err: err}
		}
		c.breaker.Failure(host)
		return Decision{Kind: DecisionRetry, Delay: c.backoff.Delay(attempt), Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure(host)
		return Decision{
			Kind:  DecisionRetry,
			Delay: c.backoff.Delay(attempt),
			Err:   &UpstreamError{StatusCode: resp.StatusCode, Body: resp.Body},
		}
	case resp.StatusCode >= 300:
		return Decision{
			Kind: DecisionFail,
			Err:  &ReceiptError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body},
		}
	case resp.StatusCode >= 200:
		c.breaker.Success(host)
		return Decision{Kind: DecisionSuccess}
	default:
		return Decision{
			Kind: DecisionFail,
			Err:  &ReceiptError{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body},
		}
	}
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "go-ecf/1.0")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	limit := c.config.MaxResponseBytes
	if limit <= 0 {
		limit = MaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, &ResponseTooLargeError{StatusCode: resp.StatusCode, Limit: limit}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) hostAllowed(host string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	return slices.Contains(c.allowed, strings.ToLower(host))
}

// IsRetryable reports whether err may succeed if tried again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
