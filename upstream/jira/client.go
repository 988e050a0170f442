// Package jira is a minimal Jira REST v2 client covering the operations the
// relay's tool catalog exposes. It is deliberately not a full API binding:
// upstream business logic stays upstream.
package jira

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

// Client issues authenticated calls against one Jira instance with one fixed
// credential. Immutable after construction.
type Client struct {
	call *upstream.Caller
}

// New builds a Client for the given base URL and credential.
func New(baseURL string, cred credentials.Credential, timeout time.Duration, log *slog.Logger) (*Client, error) {
	caller, err := upstream.NewCaller(credentials.ServiceJira, baseURL, cred, timeout, log)
	if err != nil {
		return nil, err
	}
	return &Client{call: caller}, nil
}

// Close releases idle connections.
func (c *Client) Close() { c.call.Close() }

// Ping verifies the credential with the cheapest authenticated read.
func (c *Client) Ping(ctx context.Context) error {
	return c.call.Ping(ctx, "/rest/api/2/myself")
}

// BrowseURL returns the human-facing URL for an issue key.
func (c *Client) BrowseURL(key string) string {
	return strings.TrimSuffix(c.call.BaseURL(), "/") + "/browse/" + key
}

// Issue is the subset of issue fields the relay surfaces.
type Issue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Updated     string `json:"updated"`
		Status      struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
	} `json:"fields"`
}

// AssigneeName returns the display name of the assignee, or "unassigned".
func (i *Issue) AssigneeName() string {
	if i.Fields.Assignee == nil || i.Fields.Assignee.DisplayName == "" {
		return "unassigned"
	}
	return i.Fields.Assignee.DisplayName
}

// GetIssue fetches one issue by key.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	q := url.Values{}
	q.Set("fields", "summary,description,status,assignee,updated")
	var issue Issue
	err := c.call.DoJSON(ctx, "get_issue", http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key), q, nil, &issue)
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// SearchResult is one page of a JQL search.
type SearchResult struct {
	Total  int     `json:"total"`
	Issues []Issue `json:"issues"`
}

// Search runs a JQL query, returning at most maxResults issues.
func (c *Client) Search(ctx context.Context, jql string, maxResults int) (*SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("maxResults", strconv.Itoa(maxResults))
	q.Set("fields", "summary,status,assignee,updated")
	var res SearchResult
	if err := c.call.DoJSON(ctx, "search", http.MethodGet, "/rest/api/2/search", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateIssueRequest carries the fields for a new issue.
type CreateIssueRequest struct {
	ProjectKey  string
	Summary     string
	Description string
	IssueType   string
}

// CreatedIssue is the identifying slice of a creation response.
type CreatedIssue struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// CreateIssue creates an issue and returns its new key.
func (c *Client) CreateIssue(ctx context.Context, req CreateIssueRequest) (*CreatedIssue, error) {
	if req.ProjectKey == "" || req.Summary == "" {
		return nil, fmt.Errorf("jira: project key and summary are required")
	}
	issueType := req.IssueType
	if issueType == "" {
		issueType = "Task"
	}

	type named struct {
		Name string `json:"name"`
	}
	type keyed struct {
		Key string `json:"key"`
	}
	body := map[string]any{
		"fields": map[string]any{
			"project":     keyed{Key: req.ProjectKey},
			"summary":     req.Summary,
			"description": req.Description,
			"issuetype":   named{Name: issueType},
		},
	}

	var created CreatedIssue
	if err := c.call.DoJSON(ctx, "create_issue", http.MethodPost, "/rest/api/2/issue", nil, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Comment is the identifying slice of a comment response.
type Comment struct {
	ID      string `json:"id"`
	Created string `json:"created"`
}

// AddComment appends a plain-text comment to an issue.
func (c *Client) AddComment(ctx context.Context, key, body string) (*Comment, error) {
	if body == "" {
		return nil, fmt.Errorf("jira: comment body is required")
	}
	payload := map[string]string{"body": body}
	var comment Comment
	err := c.call.DoJSON(ctx, "add_comment", http.MethodPost, "/rest/api/2/issue/"+url.PathEscape(key)+"/comment", nil, payload, &comment)
	if err != nil {
		return nil, err
	}
	return &comment, nil
}
