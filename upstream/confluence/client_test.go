package confluence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/mcp-jira-confluence/credentials"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, credentials.Bearer("tok"), time.Second, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestGetPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/content/12345" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("expand"); got != "body.storage,version,space" {
			t.Errorf("expand: %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization: %q", got)
		}
		w.Write([]byte(`{
			"id": "12345",
			"title": "Runbook",
			"space": {"key": "OPS"},
			"version": {"number": 4},
			"body": {"storage": {"value": "<p>hello</p>"}}
		}`))
	}))

	page, err := c.GetPage(context.Background(), "12345")
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	if page.Title != "Runbook" || page.Space.Key != "OPS" || page.Version.Number != 4 {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.Body.Storage.Value != "<p>hello</p>" {
		t.Errorf("body: %q", page.Body.Storage.Value)
	}
}

func TestSearchBuildsCQL(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/content/search" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		cql := r.URL.Query().Get("cql")
		if !strings.HasPrefix(cql, "type=page AND text ~ ") {
			t.Errorf("cql: %q", cql)
		}
		if !strings.Contains(cql, `\"quoted\"`) {
			t.Errorf("quotes not escaped in cql: %q", cql)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit default: %q", got)
		}
		w.Write([]byte(`{"results":[{"id":"1","title":"A"}],"size":1}`))
	}))

	res, err := c.Search(context.Background(), `some "quoted" text`, 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if res.Size != 1 || len(res.Results) != 1 || res.Results[0].Title != "A" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestCreatePage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/content" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["type"] != "page" || body["title"] != "New Page" {
			t.Errorf("unexpected body: %v", body)
		}
		storage := body["body"].(map[string]any)["storage"].(map[string]any)
		if storage["representation"] != "storage" {
			t.Errorf("representation: %v", storage["representation"])
		}
		w.Write([]byte(`{"id":"99","title":"New Page","version":{"number":1}}`))
	}))

	page, err := c.CreatePage(context.Background(), "OPS", "New Page", "<p>x</p>")
	if err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}
	if page.ID != "99" {
		t.Errorf("id: %q", page.ID)
	}

	if _, err := c.CreatePage(context.Background(), "", "t", "c"); err == nil {
		t.Errorf("missing space key must be rejected before any call")
	}
}

func TestUpdatePageBumpsVersion(t *testing.T) {
	var gotVersion int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`{"id":"7","title":"Old Title","version":{"number":3}}`))
		case http.MethodPut:
			if r.URL.Path != "/rest/api/content/7" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			var body struct {
				Title   string `json:"title"`
				Version struct {
					Number int `json:"number"`
				} `json:"version"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			gotVersion = body.Version.Number
			if body.Title != "Old Title" {
				t.Errorf("empty title should keep the stored one, got %q", body.Title)
			}
			w.Write([]byte(`{"id":"7","title":"Old Title","version":{"number":4}}`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))

	page, err := c.UpdatePage(context.Background(), "7", "", "<p>new</p>")
	if err != nil {
		t.Fatalf("UpdatePage failed: %v", err)
	}
	if gotVersion != 4 {
		t.Errorf("version: want 4, got %d", gotVersion)
	}
	if page.Version.Number != 4 {
		t.Errorf("returned version: %d", page.Version.Number)
	}
}
