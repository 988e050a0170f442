package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/mcp"
)

// ErrUnknownResource is wrapped in errors for URIs outside the advertised
// resource space.
var ErrUnknownResource = errors.New("unknown resource")

const (
	jiraIssuePrefix      = "jira://issue/"
	confluencePagePrefix = "confluence://page/"
)

var resourceDescriptors = []mcp.Resource{
	{
		URI:         "jira://issue/{key}",
		Name:        "Jira Issue",
		Description: "A Jira issue addressed by key, rendered as markdown.",
		MimeType:    "text/markdown",
	},
	{
		URI:         "confluence://page/{id}",
		Name:        "Confluence Page",
		Description: "A Confluence page addressed by id, rendered as markdown.",
		MimeType:    "text/markdown",
	},
}

// Resources returns the advertised resource descriptors. Listing is static
// and never calls an upstream.
func (c *Container) Resources() []mcp.Resource {
	out := make([]mcp.Resource, len(resourceDescriptors))
	copy(out, resourceDescriptors)
	return out
}

// ResourceRef is a parsed resource URI.
type ResourceRef struct {
	Service credentials.Service
	ID      string
}

// ParseResourceURI maps a resource URI onto the service that backs it.
// Callers use the service to resolve credentials before calling ReadResource.
func ParseResourceURI(uri string) (ResourceRef, error) {
	switch {
	case strings.HasPrefix(uri, jiraIssuePrefix):
		if id := uri[len(jiraIssuePrefix):]; id != "" {
			return ResourceRef{Service: credentials.ServiceJira, ID: id}, nil
		}
	case strings.HasPrefix(uri, confluencePagePrefix):
		if id := uri[len(confluencePagePrefix):]; id != "" {
			return ResourceRef{Service: credentials.ServiceConfluence, ID: id}, nil
		}
	}
	return ResourceRef{}, fmt.Errorf("%w: %q", ErrUnknownResource, uri)
}

// ReadResource fetches the addressed entity and renders it as markdown.
func (c *Container) ReadResource(ctx context.Context, up Clients, uri string) (*mcp.ReadResourceResult, error) {
	ref, err := ParseResourceURI(uri)
	if err != nil {
		return nil, err
	}

	var text string
	switch ref.Service {
	case credentials.ServiceJira:
		issue, err := up.Jira.GetIssue(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		text = formatIssue(issue, up.Jira.BrowseURL(issue.Key))
	case credentials.ServiceConfluence:
		page, err := up.Confluence.GetPage(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		text = formatPage(page, up.Confluence.PageURL(page))
	}

	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: uri, MimeType: "text/markdown", Text: text}},
	}, nil
}
