// Package origin issues upstream requests and decides cacheability per
// the RFC 7234 subset in spec.md §4.5.
package origin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/I90Runner/ledge/internal/headers"
)

// Error wraps an upstream failure (spec §7 OriginError).
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Response is what the origin returned.
type Response struct {
	Status  int
	Headers *headers.Bag
	Body    []byte
}

// Decision records whether and for how long a response may be cached.
type Decision struct {
	Cacheable bool
	TTLSecs   int64 // Expires - now + serve_when_stale, floored at 0
	Expires   int64 // unix seconds
}

// Config points the fetcher at the upstream (spec §6 upstream_host/port).
type Config struct {
	Host    string
	Port    int
	Scheme  string
	Timeout time.Duration
}

func (c Config) baseURL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Fetcher issues requests to a single upstream, matching the teacher's
// outbound-HTTP-client wrapper shape
// (internal/infrastructure/publishing/webhook_publisher_enhanced.go).
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Fetch issues method+relativeURI to the configured upstream, forwarding
// reqHeaders and body, and returns the raw response alongside it.
func (f *Fetcher) Fetch(ctx context.Context, method, relativeURI string, reqHeaders *headers.Bag, body io.Reader) (*Response, error) {
	url := f.cfg.baseURL() + relativeURI

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Message: "failed to build origin request", Cause: err}
	}
	if reqHeaders != nil {
		reqHeaders.Each(func(name, value string) {
			req.Header.Set(name, value)
		})
	}

	f.logger.Debug("fetching from origin", "method", method, "uri", relativeURI)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("origin fetch failed", "method", method, "uri", relativeURI, "error", err)
		return nil, &Error{Message: "origin request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Message: "failed to read origin response body", Cause: err}
	}

	respHeaders := headers.New()
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders.Add(name, v)
		}
	}

	return &Response{Status: resp.StatusCode, Headers: respHeaders, Body: respBody}, nil
}

// noCacheControlTokens lists Cache-Control response tokens that forbid
// caching outright (spec §4.5).
var noCacheControlTokens = []string{"no-cache", "no-store", "must-revalidate", "private"}

// Cacheability applies the spec §4.5 decision table. method is the
// original request method, reqHeaders the request's headers (to detect
// client bypass), resp the origin response, now the evaluation time, and
// serveWhenStale the configured grace window added to the computed TTL.
func Cacheability(method string, reqHeaders *headers.Bag, resp *Response, now time.Time, serveWhenStale time.Duration) Decision {
	if !strings.EqualFold(method, http.MethodGet) {
		return Decision{Cacheable: false}
	}

	if reqHeaders != nil {
		if v, ok := reqHeaders.Get("Pragma"); ok && strings.Contains(strings.ToLower(v), "no-cache") {
			return Decision{Cacheable: false}
		}
		if v, ok := reqHeaders.Get("Cache-Control"); ok && containsToken(v, "no-cache") {
			return Decision{Cacheable: false}
		}
	}

	if resp.Headers != nil {
		if v, ok := resp.Headers.Get("Pragma"); ok && strings.Contains(strings.ToLower(v), "no-cache") {
			return Decision{Cacheable: false}
		}
		if v, ok := resp.Headers.Get("Cache-Control"); ok {
			for _, tok := range noCacheControlTokens {
				if containsToken(v, tok) {
					return Decision{Cacheable: false}
				}
			}
		}
	}

	expires, ok := responseExpiry(resp.Headers, now)
	if !ok {
		return Decision{Cacheable: false}
	}

	ttl := expires - now.Unix() + int64(serveWhenStale/time.Second)
	if ttl < 0 {
		ttl = 0
	}

	return Decision{Cacheable: true, TTLSecs: ttl, Expires: expires}
}

// responseExpiry resolves a future expiry time from Cache-Control:
// max-age (preferred, an implementation extension spec §4.5 allows) or
// the Expires header.
func responseExpiry(h *headers.Bag, now time.Time) (int64, bool) {
	if h == nil {
		return 0, false
	}

	if cc, ok := h.Get("Cache-Control"); ok {
		if secs, ok := maxAge(cc); ok {
			return now.Unix() + secs, true
		}
	}

	if exp, ok := h.Get("Expires"); ok {
		if t, err := http.ParseTime(exp); err == nil && t.After(now) {
			return t.Unix(), true
		}
	}

	return 0, false
}

func maxAge(cacheControl string) (int64, bool) {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(part), "max-age=") {
			continue
		}
		val := part[len("max-age="):]
		secs, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		return secs, true
	}
	return 0, false
}

func containsToken(cacheControl, token string) bool {
	for _, part := range strings.Split(cacheControl, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
