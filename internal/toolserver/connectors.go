package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/claudesmith/claudesmith/internal/common/logger"
	"github.com/claudesmith/claudesmith/pkg/agent"
)

// TokenSource resolves a connector connection id to a bearer token.
type TokenSource interface {
	Token(ctx context.Context, connectionID string) (string, error)
}

// maxConnectorPageSize caps every list/search call against provider APIs so
// a single tool result stays within the session's size limits.
const maxConnectorPageSize = 50

var connectorHTTPClient = &http.Client{Timeout: 30 * time.Second}

// registerConnectorTools registers provider-specific tools for each
// connector attached to the session. Unknown providers are skipped with a
// warning rather than failing the session.
func registerConnectorTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	if len(cfg.Connectors) == 0 {
		return
	}
	if cfg.TokenSource == nil {
		log.Warn("connectors configured but no token source; skipping connector tools")
		return
	}

	registered := 0
	for _, ref := range cfg.Connectors {
		switch ref.Provider {
		case "gmail":
			registerGmailTools(s, ref, cfg.TokenSource, log)
		case "drive":
			registerDriveTools(s, ref, cfg.TokenSource, log)
		case "slack":
			registerSlackTools(s, ref, cfg.TokenSource, log)
		case "notion":
			registerNotionTools(s, ref, cfg.TokenSource, log)
		case "github":
			registerGitHubTools(s, ref, cfg.TokenSource, log)
		default:
			log.Warn("unknown connector provider", zap.String("provider", ref.Provider))
			continue
		}
		registered++
	}
	log.Info("registered connector tools", zap.Int("connectors", registered))
}

func registerGmailTools(s *server.MCPServer, ref agent.ConnectorRef, tokens TokenSource, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("gmail_search_messages",
			mcp.WithDescription("Search Gmail messages for the connected account."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Gmail search query, e.g. 'from:alice is:unread'"),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of messages to return (capped at 50)"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			endpoint := fmt.Sprintf(
				"https://gmail.googleapis.com/gmail/v1/users/me/messages?q=%s&maxResults=%d",
				url.QueryEscape(query), pageSize(req))
			return connectorGet(ctx, endpoint, ref, tokens, nil, log)
		},
	)

	s.AddTool(
		mcp.NewTool("gmail_get_message",
			mcp.WithDescription("Fetch a single Gmail message by id."),
			mcp.WithString("message_id",
				mcp.Required(),
				mcp.Description("The message id from gmail_search_messages"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := req.RequireString("message_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			endpoint := "https://gmail.googleapis.com/gmail/v1/users/me/messages/" + url.PathEscape(id)
			return connectorGet(ctx, endpoint, ref, tokens, nil, log)
		},
	)
}

func registerDriveTools(s *server.MCPServer, ref agent.ConnectorRef, tokens TokenSource, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("drive_list_files",
			mcp.WithDescription("List or search files in the connected Google Drive."),
			mcp.WithString("query",
				mcp.Description("Drive query, e.g. \"name contains 'report'\""),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of files to return (capped at 50)"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			endpoint := fmt.Sprintf("https://www.googleapis.com/drive/v3/files?pageSize=%d", pageSize(req))
			if q := req.GetString("query", ""); q != "" {
				endpoint += "&q=" + url.QueryEscape(q)
			}
			return connectorGet(ctx, endpoint, ref, tokens, nil, log)
		},
	)
}

func registerSlackTools(s *server.MCPServer, ref agent.ConnectorRef, tokens TokenSource, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("slack_read_channel",
			mcp.WithDescription("Read recent messages from a Slack channel."),
			mcp.WithString("channel_id",
				mcp.Required(),
				mcp.Description("The Slack channel id"),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of messages to return (capped at 50)"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			channel, err := req.RequireString("channel_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			endpoint := fmt.Sprintf("https://slack.com/api/conversations.history?channel=%s&limit=%d",
				url.QueryEscape(channel), pageSize(req))
			return connectorGet(ctx, endpoint, ref, tokens, nil, log)
		},
	)

	s.AddTool(
		mcp.NewTool("slack_post_message",
			mcp.WithDescription("Post a message to a Slack channel."),
			mcp.WithString("channel_id",
				mcp.Required(),
				mcp.Description("The Slack channel id"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			channel, err := req.RequireString("channel_id")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			payload := map[string]any{"channel": channel, "text": text}
			return connectorPost(ctx, "https://slack.com/api/chat.postMessage", ref, tokens, payload, nil, log)
		},
	)
}

func registerNotionTools(s *server.MCPServer, ref agent.ConnectorRef, tokens TokenSource, log *logger.Logger) {
	headers := map[string]string{"Notion-Version": "2022-06-28"}

	s.AddTool(
		mcp.NewTool("notion_search",
			mcp.WithDescription("Search pages and databases in the connected Notion workspace."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Text to search for"),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of results to return (capped at 50)"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			payload := map[string]any{"query": query, "page_size": pageSize(req)}
			return connectorPost(ctx, "https://api.notion.com/v1/search", ref, tokens, payload, headers, log)
		},
	)
}

func registerGitHubTools(s *server.MCPServer, ref agent.ConnectorRef, tokens TokenSource, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("github_search_issues",
			mcp.WithDescription("Search issues and pull requests on GitHub."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("GitHub search query, e.g. 'repo:owner/name is:open label:bug'"),
			),
			mcp.WithNumber("max_results",
				mcp.Description("Maximum number of results to return (capped at 50)"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			endpoint := fmt.Sprintf("https://api.github.com/search/issues?q=%s&per_page=%d",
				url.QueryEscape(query), pageSize(req))
			return connectorGet(ctx, endpoint, ref, tokens, nil, log)
		},
	)

	s.AddTool(
		mcp.NewTool("github_get_file",
			mcp.WithDescription("Fetch a file's contents from a GitHub repository."),
			mcp.WithString("repo",
				mcp.Required(),
				mcp.Description("The repository as owner/name"),
			),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Path of the file within the repository"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			repo, err := req.RequireString("repo")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			path, err := req.RequireString("path")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			endpoint := fmt.Sprintf("https://api.github.com/repos/%s/contents/%s", repo, path)
			return connectorGet(ctx, endpoint, ref, tokens,
				map[string]string{"Accept": "application/vnd.github.raw+json"}, log)
		},
	)
}

// pageSize reads the max_results argument and clamps it to the cap.
func pageSize(req mcp.CallToolRequest) int {
	n := req.GetInt("max_results", maxConnectorPageSize)
	if n <= 0 || n > maxConnectorPageSize {
		n = maxConnectorPageSize
	}
	return n
}

func connectorGet(ctx context.Context, endpoint string, ref agent.ConnectorRef, tokens TokenSource, headers map[string]string, log *logger.Logger) (*mcp.CallToolResult, error) {
	return connectorDo(ctx, http.MethodGet, endpoint, ref, tokens, nil, headers, log)
}

func connectorPost(ctx context.Context, endpoint string, ref agent.ConnectorRef, tokens TokenSource, payload map[string]any, headers map[string]string, log *logger.Logger) (*mcp.CallToolResult, error) {
	return connectorDo(ctx, http.MethodPost, endpoint, ref, tokens, payload, headers, log)
}

func connectorDo(ctx context.Context, method, endpoint string, ref agent.ConnectorRef, tokens TokenSource, payload map[string]any, headers map[string]string, log *logger.Logger) (*mcp.CallToolResult, error) {
	token, err := tokens.Token(ctx, ref.ConnectionID)
	if err != nil {
		log.Error("failed to resolve connector token",
			zap.String("provider", ref.Provider),
			zap.String("connection_id", ref.ConnectionID),
			zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("connector %s is not available: %v", ref.Provider, err)), nil
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode request: %v", err)), nil
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build request: %v", err)), nil
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := connectorHTTPClient.Do(httpReq)
	if err != nil {
		log.Error("connector request failed", zap.String("provider", ref.Provider), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("request to %s failed: %v", ref.Provider, err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("%s API error (%d): %s", ref.Provider, resp.StatusCode, string(data))), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}
