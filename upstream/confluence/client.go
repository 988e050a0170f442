// Package confluence is a minimal Confluence REST client covering the
// operations the relay's tool catalog exposes.
package confluence

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/upstream"
)

// Client issues authenticated calls against one Confluence instance with one
// fixed credential. Immutable after construction.
type Client struct {
	call *upstream.Caller
}

// New builds a Client for the given base URL and credential.
func New(baseURL string, cred credentials.Credential, timeout time.Duration, log *slog.Logger) (*Client, error) {
	caller, err := upstream.NewCaller(credentials.ServiceConfluence, baseURL, cred, timeout, log)
	if err != nil {
		return nil, err
	}
	return &Client{call: caller}, nil
}

// Close releases idle connections.
func (c *Client) Close() { c.call.Close() }

// Ping verifies the credential with the cheapest authenticated read.
func (c *Client) Ping(ctx context.Context) error {
	return c.call.Ping(ctx, "/rest/api/user/current")
}

// PageURL resolves a page's relative webui link against the instance base.
func (c *Client) PageURL(p *Page) string {
	if p.Links.WebUI == "" {
		return ""
	}
	return strings.TrimSuffix(c.call.BaseURL(), "/") + p.Links.WebUI
}

// Page is the subset of page fields the relay surfaces.
type Page struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Space struct {
		Key string `json:"key"`
	} `json:"space"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// GetPage fetches one page by id, including its storage-format body.
func (c *Client) GetPage(ctx context.Context, id string) (*Page, error) {
	q := url.Values{}
	q.Set("expand", "body.storage,version,space")
	var page Page
	err := c.call.DoJSON(ctx, "get_page", http.MethodGet, "/rest/api/content/"+url.PathEscape(id), q, nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SearchResult is one page of a CQL search.
type SearchResult struct {
	Results []Page `json:"results"`
	Size    int    `json:"size"`
}

// Search runs a text search over pages, returning at most limit results. The
// query is embedded in a CQL text match; quotes are escaped so user text
// cannot break out of the clause.
func (c *Client) Search(ctx context.Context, query string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	cql := fmt.Sprintf(`type=page AND text ~ "%s"`, strings.ReplaceAll(query, `"`, `\"`))
	q := url.Values{}
	q.Set("cql", cql)
	q.Set("limit", strconv.Itoa(limit))
	var res SearchResult
	if err := c.call.DoJSON(ctx, "search", http.MethodGet, "/rest/api/content/search", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type storageBody struct {
	Storage struct {
		Value          string `json:"value"`
		Representation string `json:"representation"`
	} `json:"storage"`
}

func newStorageBody(content string) storageBody {
	var b storageBody
	b.Storage.Value = content
	b.Storage.Representation = "storage"
	return b
}

// CreatePage creates a page in the given space with storage-format content.
func (c *Client) CreatePage(ctx context.Context, spaceKey, title, content string) (*Page, error) {
	if spaceKey == "" || title == "" {
		return nil, fmt.Errorf("confluence: space key and title are required")
	}
	body := map[string]any{
		"type":  "page",
		"title": title,
		"space": map[string]string{"key": spaceKey},
		"body":  newStorageBody(content),
	}
	var page Page
	if err := c.call.DoJSON(ctx, "create_page", http.MethodPost, "/rest/api/content", nil, body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// UpdatePage replaces a page's content (and optionally its title), bumping the
// version number from the currently stored one.
func (c *Client) UpdatePage(ctx context.Context, id, title, content string) (*Page, error) {
	current, err := c.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = current.Title
	}
	body := map[string]any{
		"type":    "page",
		"title":   title,
		"version": map[string]int{"number": current.Version.Number + 1},
		"body":    newStorageBody(content),
	}
	var page Page
	if err := c.call.DoJSON(ctx, "update_page", http.MethodPut, "/rest/api/content/"+url.PathEscape(id), nil, body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
