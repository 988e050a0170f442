package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaykit/mcp-jira-confluence/credentials"
	"github.com/relaykit/mcp-jira-confluence/mcp"
	"github.com/relaykit/mcp-jira-confluence/upstream/jira"
)

type jiraGetIssueArgs struct {
	IssueKey string `json:"issue_key" jsonschema:"minLength=1,description=Issue key (e.g. PROJ-123)"`
}

type jiraSearchArgs struct {
	JQL        string `json:"jql" jsonschema:"minLength=1,description=JQL query string"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of issues to return (default 10)"`
}

type jiraCreateIssueArgs struct {
	ProjectKey  string `json:"project_key" jsonschema:"minLength=1,description=Key of the project to create the issue in"`
	Summary     string `json:"summary" jsonschema:"minLength=1,description=Issue summary"`
	Description string `json:"description,omitempty" jsonschema:"description=Issue description"`
	IssueType   string `json:"issue_type,omitempty" jsonschema:"description=Issue type name (default Task)"`
}

type jiraAddCommentArgs struct {
	IssueKey string `json:"issue_key" jsonschema:"minLength=1,description=Issue key to comment on"`
	Body     string `json:"body" jsonschema:"minLength=1,description=Comment text"`
}

func jiraTools() []StaticTool {
	return []StaticTool{
		NewTool("jira_get_issue", credentials.ServiceJira, handleJiraGetIssue,
			WithDescription("Fetch a Jira issue by key, including summary, status, assignee and description.")),
		NewTool("jira_search", credentials.ServiceJira, handleJiraSearch,
			WithDescription("Search Jira issues with a JQL query.")),
		NewTool("jira_create_issue", credentials.ServiceJira, handleJiraCreateIssue,
			WithDescription("Create a new Jira issue in a project.")),
		NewTool("jira_add_comment", credentials.ServiceJira, handleJiraAddComment,
			WithDescription("Add a comment to a Jira issue.")),
	}
}

func handleJiraGetIssue(ctx context.Context, up Clients, args jiraGetIssueArgs) (*mcp.CallToolResult, error) {
	if args.IssueKey == "" {
		return nil, invalidArgs("jira_get_issue", "issue_key is required")
	}
	issue, err := up.Jira.GetIssue(ctx, args.IssueKey)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(formatIssue(issue, up.Jira.BrowseURL(issue.Key))), nil
}

func handleJiraSearch(ctx context.Context, up Clients, args jiraSearchArgs) (*mcp.CallToolResult, error) {
	if args.JQL == "" {
		return nil, invalidArgs("jira_search", "jql is required")
	}
	res, err := up.Jira.Search(ctx, args.JQL, args.MaxResults)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d issue(s) for %q", res.Total, args.JQL)
	if len(res.Issues) < res.Total {
		fmt.Fprintf(&b, " (showing %d)", len(res.Issues))
	}
	b.WriteString("\n")
	for _, is := range res.Issues {
		fmt.Fprintf(&b, "\n- %s: %s [%s] (%s)", is.Key, is.Fields.Summary, is.Fields.Status.Name, is.AssigneeName())
	}
	return mcp.NewToolResultText(b.String()), nil
}

func handleJiraCreateIssue(ctx context.Context, up Clients, args jiraCreateIssueArgs) (*mcp.CallToolResult, error) {
	if args.ProjectKey == "" {
		return nil, invalidArgs("jira_create_issue", "project_key is required")
	}
	if args.Summary == "" {
		return nil, invalidArgs("jira_create_issue", "summary is required")
	}
	created, err := up.Jira.CreateIssue(ctx, jira.CreateIssueRequest{
		ProjectKey:  args.ProjectKey,
		Summary:     args.Summary,
		Description: args.Description,
		IssueType:   args.IssueType,
	})
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Created issue %s\n%s", created.Key, up.Jira.BrowseURL(created.Key))
	return mcp.NewToolResultText(text), nil
}

func handleJiraAddComment(ctx context.Context, up Clients, args jiraAddCommentArgs) (*mcp.CallToolResult, error) {
	if args.IssueKey == "" {
		return nil, invalidArgs("jira_add_comment", "issue_key is required")
	}
	if args.Body == "" {
		return nil, invalidArgs("jira_add_comment", "body is required")
	}
	comment, err := up.Jira.AddComment(ctx, args.IssueKey, args.Body)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("Added comment %s to %s", comment.ID, args.IssueKey)
	return mcp.NewToolResultText(text), nil
}

func formatIssue(issue *jira.Issue, browseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", issue.Key, issue.Fields.Summary)
	fmt.Fprintf(&b, "- Status: %s\n", issue.Fields.Status.Name)
	fmt.Fprintf(&b, "- Assignee: %s\n", issue.AssigneeName())
	if issue.Fields.Updated != "" {
		fmt.Fprintf(&b, "- Updated: %s\n", issue.Fields.Updated)
	}
	fmt.Fprintf(&b, "- Link: %s\n", browseURL)
	if desc := strings.TrimSpace(issue.Fields.Description); desc != "" {
		fmt.Fprintf(&b, "\n%s\n", desc)
	}
	return b.String()
}
