package mesh

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultFetchTimeout bounds one map service request
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of attempts per map service request
	DefaultMaxRetries = 3

	// DefaultUserAgent identifies the planner to the map service
	DefaultUserAgent = "apmesh"

	defaultBaseBackoff = 500 * time.Millisecond

	// maxRetryAfter caps a server supplied Retry-After delay
	maxRetryAfter = 30 * time.Second

	// POI pages are small; 50 MB is far beyond any floor
	maxResponseBytes = 50 << 20
)

// FetchOption configures MapClient requests.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	userAgent   string
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		userAgent:   DefaultUserAgent,
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts per request.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the delay before the second attempt; it doubles after
// every further failure.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithUserAgent sets the User-Agent sent to the map service.
func WithUserAgent(ua string) FetchOption {
	return func(c *fetchConfig) {
		c.userAgent = ua
	}
}

// WithHTTPClient replaces the HTTP client; WithTimeout no longer applies.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// statusError is returned for non-200 responses. 4xx responses other than 429
// are not retried.
type statusError struct {
	url        string
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP GET %s: status %d", e.url, e.code)
}

func (e *statusError) permanent() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}

// backoffFor returns the wait before attempt (1-based retries). A Retry-After
// from the previous response wins when it is longer.
func backoffFor(cfg fetchConfig, attempt int, prev error) time.Duration {
	backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
	if se, ok := prev.(*statusError); ok && se.retryAfter > backoff {
		backoff = se.retryAfter
	}
	return backoff
}

// fetchWithRetry GETs url and returns the body, retrying transient failures
// with exponential backoff.
func fetchWithRetry(ctx context.Context, client *http.Client, cfg fetchConfig, url string) ([]byte, error) {
	attempts := cfg.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffFor(cfg, attempt, lastErr)):
			}
		}

		body, err := doFetch(ctx, client, cfg.userAgent, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if se, ok := err.(*statusError); ok && se.permanent() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// doFetch performs one GET and returns the body
func doFetch(ctx context.Context, client *http.Client, userAgent, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{
			url:        url,
			code:       resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	return body, nil
}

// parseRetryAfter reads the delay-seconds form of Retry-After
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
