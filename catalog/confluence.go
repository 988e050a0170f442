package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/mcp"
	"github.com/relaykit/mcp-jira-confluence/upstream/confluence"
)

type confluenceGetPageArgs struct {
	PageID string `json:"page_id" jsonschema:"minLength=1,description=Numeric Confluence page id"`
}

type confluenceSearchArgs struct {
	Query string `json:"query" jsonschema:"minLength=1,description=Full-text search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of pages to return (default 10)"`
}

type confluenceCreatePageArgs struct {
	SpaceKey string `json:"space_key" jsonschema:"minLength=1,description=Key of the space to create the page in"`
	Title    string `json:"title" jsonschema:"minLength=1,description=Page title"`
	Content  string `json:"content" jsonschema:"description=Page body in Confluence storage format"`
}

type confluenceUpdatePageArgs struct {
	PageID  string `json:"page_id" jsonschema:"minLength=1,description=Numeric Confluence page id"`
	Title   string `json:"title,omitempty" jsonschema:"description=New title; empty keeps the current title"`
	Content string `json:"content" jsonschema:"description=Replacement body in Confluence storage format"`
}

func confluenceTools() []StaticTool {
	return []StaticTool{
		NewTool("confluence_get_page", credentials.ServiceConfluence, handleConfluenceGetPage,
			WithDescription("Fetch a Confluence page by id, including its body.")),
		NewTool("confluence_search", credentials.ServiceConfluence, handleConfluenceSearch,
			WithDescription("Search Confluence pages by text.")),
		NewTool("confluence_create_page", credentials.ServiceConfluence, handleConfluenceCreatePage,
			WithDescription("Create a new Confluence page in a space.")),
		NewTool("confluence_update_page", credentials.ServiceConfluence, handleConfluenceUpdatePage,
			WithDescription("Replace the body (and optionally the title) of a Confluence page.")),
	}
}

func handleConfluenceGetPage(ctx context.Context, up Clients, args confluenceGetPageArgs) (*mcp.CallToolResult, error) {
	if args.PageID == "" {
		return nil, invalidArgs("confluence_get_page", "page_id is required")
	}
	page, err := up.Confluence.GetPage(ctx, args.PageID)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(formatPage(page, up.Confluence.PageURL(page))), nil
}

func handleConfluenceSearch(ctx context.Context, up Clients, args confluenceSearchArgs) (*mcp.CallToolResult, error) {
	if args.Query == "" {
		return nil, invalidArgs("confluence_search", "query is required")
	}
	res, err := up.Confluence.Search(ctx, args.Query, args.Limit)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d page(s) for %q\n", res.Size, args.Query)
	for _, p := range res.Results {
		fmt.Fprintf(&b, "\n- %s (id %s, space %s)", p.Title, p.ID, p.Space.Key)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func handleConfluenceCreatePage(ctx context.Context, up Clients, args confluenceCreatePageArgs) (*mcp.CallToolResult, error) {
	if args.SpaceKey == "" {
		return nil, invalidArgs("confluence_create_page", "space_key is required")
	}
	if args.Title == "" {
		return nil, invalidArgs("confluence_create_page", "title is required")
	}
	page, err := up.Confluence.CreatePage(ctx, args.SpaceKey, args.Title, args.Content)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Created page %q (id %s) in space %s", page.Title, page.ID, args.SpaceKey)
	if link := up.Confluence.PageURL(page); link != "" {
		text += "\n" + link
	}
	return mcp.NewToolResultText(text), nil
}

func handleConfluenceUpdatePage(ctx context.Context, up Clients, args confluenceUpdatePageArgs) (*mcp.CallToolResult, error) {
	if args.PageID == "" {
		return nil, invalidArgs("confluence_update_page", "page_id is required")
	}
	page, err := up.Confluence.UpdatePage(ctx, args.PageID, args.Title, args.Content)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Updated page %q (id %s) to version %d", page.Title, page.ID, page.Version.Number)
	return mcp.NewToolResultText(text), nil
}

func formatPage(page *confluence.Page, link string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", page.Title)
	fmt.Fprintf(&b, "- Space: %s\n", page.Space.Key)
	fmt.Fprintf(&b, "- Version: %d\n", page.Version.Number)
	if link != "" {
		fmt.Fprintf(&b, "- Link: %s\n", link)
	}
	if body := strings.TrimSpace(page.Body.Storage.Value); body != "" {
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	return b.String()
}
