// Package upstream carries the REST plumbing shared by the Jira and
// Confluence clients: request construction, credential application, response
// decoding, and the mapping of transport and HTTP failures into a single
// typed error the relay can classify.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relaykit/mcp-jira-confluence/credentials"
)

const snippetLimit = 240

// Error describes a failed upstream call. StatusCode is zero for transport
// failures (network error, timeout). Retryable marks failures the caller may
// safely retry (timeouts, rate limiting, 5xx); the relay never retries on its
// own.
type Error struct {
	Service    credentials.Service
	Op         string
	StatusCode int
	Hint       string
	Snippet    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s failed", e.Service, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (%s)", e.Hint)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Caller issues authenticated JSON calls against one upstream base URL with
// one fixed credential. It is immutable after construction so pooled clients
// can be shared freely across goroutines.
type Caller struct {
	service credentials.Service
	base    *url.URL
	cred    credentials.Credential
	http    *http.Client
	log     *slog.Logger
}

// ErrNotConfigured indicates the service has no base URL configured.
var ErrNotConfigured = errors.New("base URL not configured")

// NewCaller builds a Caller. The credential must be present: pooled clients
// are only ever constructed for resolved credentials.
func NewCaller(service credentials.Service, baseURL string, cred credentials.Credential, timeout time.Duration, log *slog.Logger) (*Caller, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%s: %w", service, ErrNotConfigured)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse base URL: %w", service, err)
	}
	if cred.IsAbsent() {
		return nil, fmt.Errorf("%s: %w", service, credentials.ErrNoCredential)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		service: service,
		base:    u,
		cred:    cred,
		http: &http.Client{
			Timeout: timeout,
			// Auth headers must not follow redirects to other hosts; a 3xx is
			// surfaced to the caller as a base-URL problem instead.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}, nil
}

// Service returns the upstream service this caller targets.
func (c *Caller) Service() credentials.Service { return c.service }

// BaseURL returns the configured base URL string.
func (c *Caller) BaseURL() string { return c.base.String() }

// Close releases idle connections. In-flight requests are unaffected.
func (c *Caller) Close() {
	c.http.CloseIdleConnections()
}

// DoJSON performs one call. A non-nil body is JSON-encoded; a non-nil out
// receives the decoded 2xx response body. All failures come back as *Error.
func (c *Caller) DoJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u, err := url.JoinPath(c.base.String(), path)
	if err != nil {
		return &Error{Service: c.service, Op: op, Err: err}
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Service: c.service, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &Error{Service: c.service, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.cred.Apply(req); err != nil {
		return &Error{Service: c.service, Op: op, Err: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(op, err)
	}
	defer resp.Body.Close()

	c.log.DebugContext(ctx, "upstream.call",
		slog.String("service", string(c.service)),
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{
			Service: c.service,
			Op:      op,
			Hint:    "upstream returned a non-JSON body; check the base URL",
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

// Ping issues the cheapest authenticated read the service offers. Used by the
// health probe.
func (c *Caller) Ping(ctx context.Context, path string) error {
	return c.DoJSON(ctx, "ping", http.MethodGet, path, nil, nil, nil)
}

func (c *Caller) transportError(op string, err error) *Error {
	hint := "network error reaching upstream"
	var uerr *url.Error
	if (errors.As(err, &uerr) && uerr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		hint = "upstream call timed out"
	}
	return &Error{
		Service:   c.service,
		Op:        op,
		Hint:      hint,
		Retryable: true,
		Err:       err,
	}
}

func (c *Caller) statusError(op string, resp *http.Response) *Error {
	snippet := readSnippet(resp.Body)
	e := &Error{
		Service:    c.service,
		Op:         op,
		StatusCode: resp.StatusCode,
		Snippet:    snippet,
	}

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		e.Hint = "upstream redirected the request; the base URL is probably wrong"
	case resp.StatusCode == http.StatusUnauthorized:
		e.Hint = "authentication failed; check the token or username"
	case resp.StatusCode == http.StatusForbidden:
		e.Hint = "credential lacks permission for this operation"
	case resp.StatusCode == http.StatusNotFound:
		e.Hint = "not found; check the key/id and the base URL"
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Hint = "rate limited by upstream"
		e.Retryable = true
	case resp.StatusCode >= 500:
		e.Hint = "upstream server error"
		e.Retryable = true
	}

	if isHTML(resp.Header.Get("Content-Type"), snippet) {
		e.Hint = "upstream answered with HTML, not JSON; the base URL is probably wrong"
	}
	return e
}

func readSnippet(r io.Reader) string {
	buf, _ := io.ReadAll(io.LimitReader(r, snippetLimit))
	return strings.TrimSpace(string(buf))
}

func isHTML(contentType, snippet string) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	s := strings.TrimSpace(strings.ToLower(snippet))
	return strings.HasPrefix(s, "<!doctype html") || strings.HasPrefix(s, "<html")
}
