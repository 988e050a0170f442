package catalog

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/relaykit/mcp-jira-confluence/credentials"
)

func TestResourcesListIsStatic(t *testing.T) {
	c := Default()
	resources := c.Resources()
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}
	for _, r := range resources {
		if r.Name == "" || r.MimeType != "text/markdown" {
			t.Errorf("descriptor %q incomplete: %+v", r.URI, r)
		}
	}
}

func TestParseResourceURI(t *testing.T) {
	cases := []struct {
		uri     string
		service credentials.Service
		id      string
		wantErr bool
	}{
		{uri: "jira://issue/PROJ-1", service: credentials.ServiceJira, id: "PROJ-1"},
		{uri: "confluence://page/12345", service: credentials.ServiceConfluence, id: "12345"},
		{uri: "jira://issue/", wantErr: true},
		{uri: "confluence://page/", wantErr: true},
		{uri: "jira://project/PROJ", wantErr: true},
		{uri: "file:///etc/passwd", wantErr: true},
		{uri: "", wantErr: true},
	}
	for _, tc := range cases {
		ref, err := ParseResourceURI(tc.uri)
		if tc.wantErr {
			if !errors.Is(err, ErrUnknownResource) {
				t.Errorf("%q: expected ErrUnknownResource, got %v", tc.uri, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.uri, err)
			continue
		}
		if ref.Service != tc.service || ref.ID != tc.id {
			t.Errorf("%q: parsed %+v, want %s/%s", tc.uri, ref, tc.service, tc.id)
		}
	}
}

func TestReadResourceJiraIssue(t *testing.T) {
	up := testJiraClients(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"key": "PROJ-3", "fields": {"summary": "Resource read", "status": {"name": "Open"}}}`))
	})

	res, err := Default().ReadResource(context.Background(), up, "jira://issue/PROJ-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Contents) != 1 {
		t.Fatalf("expected one contents entry, got %d", len(res.Contents))
	}
	got := res.Contents[0]
	if got.URI != "jira://issue/PROJ-3" {
		t.Errorf("contents URI = %q", got.URI)
	}
	if got.MimeType != "text/markdown" {
		t.Errorf("contents MimeType = %q", got.MimeType)
	}
	if !strings.Contains(got.Text, "PROJ-3") || !strings.Contains(got.Text, "Resource read") {
		t.Errorf("contents text incomplete:\n%s", got.Text)
	}
}

func TestReadResourceConfluencePage(t *testing.T) {
	up := testConfluenceClients(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "77", "title": "Design Notes", "space": {"key": "ENG"}, "version": {"number": 2}}`))
	})

	res, err := Default().ReadResource(context.Background(), up, "confluence://page/77")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Contents[0].Text, "Design Notes") {
		t.Errorf("contents text incomplete:\n%s", res.Contents[0].Text)
	}
}

func TestReadResourceUnknownURI(t *testing.T) {
	_, err := Default().ReadResource(context.Background(), Clients{}, "gopher://hole/1")
	if !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}
}
