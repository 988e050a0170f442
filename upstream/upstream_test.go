package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/mcp-jira-confluence/credentials"
)

func newTestCaller(t *testing.T, srv *httptest.Server, cred credentials.Credential, timeout time.Duration) *Caller {
	t.Helper()
	c, err := NewCaller(credentials.ServiceJira, srv.URL, cred, timeout, nil)
	if err != nil {
		t.Fatalf("NewCaller failed: %v", err)
	}
	return c
}

func TestNewCallerRejectsAbsentCredential(t *testing.T) {
	_, err := NewCaller(credentials.ServiceJira, "https://jira.example.com", credentials.Absent(), time.Second, nil)
	if !errors.Is(err, credentials.ErrNoCredential) {
		t.Fatalf("want ErrNoCredential, got %v", err)
	}

	_, err = NewCaller(credentials.ServiceJira, "", credentials.Bearer("t"), time.Second, nil)
	if err == nil {
		t.Fatalf("want error for empty base URL")
	}
}

func TestDoJSONAppliesCredentialAndDecodes(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/rest/api/2/myself" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"bot"}`))
	}))
	defer srv.Close()

	c := newTestCaller(t, srv, credentials.Bearer("tok-123"), time.Second)
	var out struct {
		Name string `json:"name"`
	}
	if err := c.DoJSON(context.Background(), "whoami", http.MethodGet, "/rest/api/2/myself", nil, nil, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if want := "Bearer tok-123"; gotAuth != want {
		t.Errorf("Authorization: want %q, got %q", want, gotAuth)
	}
	if out.Name != "bot" {
		t.Errorf("decoded body: want bot, got %q", out.Name)
	}
}

func TestDoJSONStatusMapping(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		body          string
		contentType   string
		wantRetryable bool
		wantHintPart  string
	}{
		{"unauthorized", 401, `{"msg":"nope"}`, "application/json", false, "authentication failed"},
		{"forbidden", 403, `{}`, "application/json", false, "permission"},
		{"not found", 404, `{}`, "application/json", false, "not found"},
		{"rate limited", 429, `{}`, "application/json", true, "rate limited"},
		{"server error", 500, `{}`, "application/json", true, "server error"},
		{"html answer", 404, `<!DOCTYPE html><html>login</html>`, "text/html", false, "HTML"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestCaller(t, srv, credentials.Bearer("t"), time.Second)
			err := c.DoJSON(context.Background(), "op", http.MethodGet, "/x", nil, nil, nil)

			var uerr *Error
			if !errors.As(err, &uerr) {
				t.Fatalf("want *Error, got %v", err)
			}
			if uerr.StatusCode != tc.status {
				t.Errorf("status: want %d, got %d", tc.status, uerr.StatusCode)
			}
			if uerr.Retryable != tc.wantRetryable {
				t.Errorf("retryable: want %v, got %v", tc.wantRetryable, uerr.Retryable)
			}
			if !strings.Contains(uerr.Hint, tc.wantHintPart) {
				t.Errorf("hint %q missing %q", uerr.Hint, tc.wantHintPart)
			}
		})
	}
}

func TestDoJSONDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example.com/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	c := newTestCaller(t, srv, credentials.Bearer("t"), time.Second)
	err := c.DoJSON(context.Background(), "op", http.MethodGet, "/x", nil, nil, nil)

	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if uerr.StatusCode != http.StatusMovedPermanently {
		t.Errorf("redirect must be surfaced, got status %d", uerr.StatusCode)
	}
	if !strings.Contains(uerr.Hint, "base URL") {
		t.Errorf("hint should point at the base URL, got %q", uerr.Hint)
	}
}

func TestDoJSONTimeoutIsRetryable(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := newTestCaller(t, srv, credentials.Bearer("t"), 50*time.Millisecond)
	err := c.DoJSON(context.Background(), "op", http.MethodGet, "/x", nil, nil, nil)

	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if !uerr.Retryable {
		t.Errorf("timeouts must be retryable")
	}
	if !strings.Contains(uerr.Hint, "timed out") {
		t.Errorf("hint: got %q", uerr.Hint)
	}
}

func TestSnippetIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		w.Write([]byte(strings.Repeat("x", 10_000)))
	}))
	defer srv.Close()

	c := newTestCaller(t, srv, credentials.Bearer("t"), time.Second)
	err := c.DoJSON(context.Background(), "op", http.MethodGet, "/x", nil, nil, nil)

	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("want *Error, got %v", err)
	}
	if len(uerr.Snippet) > snippetLimit {
		t.Errorf("snippet too long: %d", len(uerr.Snippet))
	}
}
