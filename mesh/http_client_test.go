package mesh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testFetchConfig(opts ...FetchOption) fetchConfig {
	cfg := defaultFetchConfig()
	cfg.baseBackoff = time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func TestFetchWithRetry_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("expected Accept: application/json, got %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("expected User-Agent %q, got %q", DefaultUserAgent, r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := fetchWithRetry(context.Background(), srv.Client(), testFetchConfig(), srv.URL)
	if err != nil {
		t.Fatalf("fetchWithRetry() error: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %q", body)
	}
}

func TestFetchWithRetry_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := fetchWithRetry(context.Background(), srv.Client(), testFetchConfig(WithMaxRetries(3)), srv.URL)
	if err != nil {
		t.Fatalf("fetchWithRetry() error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestFetchWithRetry_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fetchWithRetry(context.Background(), srv.Client(), testFetchConfig(WithMaxRetries(2)), srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "all 2 attempts failed") {
		t.Errorf("unexpected error: %v", err)
	}
	var se *statusError
	if !errors.As(err, &se) || se.code != http.StatusServiceUnavailable {
		t.Errorf("error does not wrap the status: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestFetchWithRetry_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := fetchWithRetry(context.Background(), srv.Client(), testFetchConfig(WithMaxRetries(5)), srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (404 must not be retried)", got)
	}
}

func TestFetchWithRetry_TooManyRequestsIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := fetchWithRetry(context.Background(), srv.Client(), testFetchConfig(), srv.URL)
	if err != nil {
		t.Fatalf("fetchWithRetry() error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestFetchWithRetry_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetchWithRetry(ctx, srv.Client(), testFetchConfig(WithBaseBackoff(time.Hour)), srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFetchOptions(t *testing.T) {
	client := &http.Client{}
	cfg := defaultFetchConfig()
	for _, opt := range []FetchOption{
		WithTimeout(time.Second),
		WithMaxRetries(7),
		WithBaseBackoff(time.Minute),
		WithUserAgent("site-survey/2"),
		WithHTTPClient(client),
	} {
		opt(&cfg)
	}

	if cfg.timeout != time.Second || cfg.maxRetries != 7 || cfg.baseBackoff != time.Minute ||
		cfg.userAgent != "site-survey/2" || cfg.client != client {
		t.Errorf("options not applied: %+v", cfg)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"0", 0},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
		{"3600", maxRetryAfter},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBackoffFor(t *testing.T) {
	cfg := testFetchConfig(WithBaseBackoff(100 * time.Millisecond))

	if got := backoffFor(cfg, 1, errors.New("x")); got != 100*time.Millisecond {
		t.Errorf("first retry = %v", got)
	}
	if got := backoffFor(cfg, 3, errors.New("x")); got != 400*time.Millisecond {
		t.Errorf("third retry = %v", got)
	}
	throttled := &statusError{code: http.StatusTooManyRequests, retryAfter: 2 * time.Second}
	if got := backoffFor(cfg, 1, throttled); got != 2*time.Second {
		t.Errorf("Retry-After should win, got %v", got)
	}
}
