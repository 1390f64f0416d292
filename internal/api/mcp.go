package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/learnd/internal/analytics"
	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/chat"
	"github.com/kalambet/learnd/internal/content"
)

// MCPDeps holds the services the MCP tools call.
type MCPDeps struct {
	Content   *content.Orchestrator
	Chat      *chat.Responder
	Analytics *analytics.Aggregator
}

// NewMCPServer creates an MCP server with the learnd tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"learnd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("learnd generates study material (flashcards, quizzes, documents, slides, scripts, code) and answers questions grounded in course documents or the web."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_content",
			mcp.WithDescription("Start generating study material. Returns a content id to poll with content_status."),
			mcp.WithString("userId", mcp.Description("Requesting user"), mcp.Required()),
			mcp.WithString("contentType", mcp.Description("One of "+strings.Join(content.Types, ", ")), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Topic or instructions"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("internal (course documents) or external (web), default external")),
			mcp.WithString("role", mcp.Description("learner, trainer or admin")),
			mcp.WithString("contentConfig", mcp.Description(`Type settings as JSON, e.g. {"flashcard":{"numCards":10}}`)),
			mcp.WithArray("docIds", mcp.Description("Documents to ground internal mode on")),
			mcp.WithString("subjectName", mcp.Description("Subject name for retrieval")),
			mcp.WithString("topicName", mcp.Description("Topic name for retrieval")),
		),
		mcpGenerateContent(deps),
	)

	s.AddTool(
		mcp.NewTool("content_status",
			mcp.WithDescription("Report the status of a content job."),
			mcp.WithString("contentId", mcp.Description("Id returned by generate_content"), mcp.Required()),
		),
		mcpContentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_content",
			mcp.WithDescription("List a user's content jobs, newest first."),
			mcp.WithString("userId", mcp.Description("Owner of the jobs"), mcp.Required()),
			mcp.WithNumber("page", mcp.Description("Page number (default 1)")),
			mcp.WithNumber("limit", mcp.Description("Page size (default 10, max 100)")),
			mcp.WithString("status", mcp.Description("pending, completed or failed")),
			mcp.WithString("contentType", mcp.Description("Only this content type")),
		),
		mcpListContent(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question in a chat session, grounded in course documents (internal) or the web (external)."),
			mcp.WithString("userId", mcp.Description("Asking user"), mcp.Required()),
			mcp.WithString("sessionId", mcp.Description("Chat session id"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("internal or external, default internal")),
			mcp.WithString("subjectId", mcp.Description("Restrict retrieval to a subject")),
			mcp.WithString("topicId", mcp.Description("Restrict retrieval to a topic")),
			mcp.WithString("docName", mcp.Description("Restrict retrieval to a document")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("analytics",
			mcp.WithDescription("Usage metrics over recorded conversations and content jobs."),
			mcp.WithString("userId", mcp.Description("Only this user")),
			mcp.WithString("subjectId", mcp.Description("Only this subject")),
			mcp.WithString("topicId", mcp.Description("Only this topic")),
			mcp.WithString("startDate", mcp.Description("Inclusive start, YYYY-MM-DD")),
			mcp.WithString("endDate", mcp.Description("Inclusive end, YYYY-MM-DD")),
		),
		mcpAnalytics(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"learnd://stats",
			"Conversation Totals",
			mcp.WithResourceDescription("Total conversations, users and sessions with the first and last activity"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpGenerateContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("userId")
		if err != nil {
			return mcpError("userId is required"), nil
		}
		contentType, err := req.RequireString("contentType")
		if err != nil {
			return mcpError("contentType is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		var cfg content.Config
		if raw := req.GetString("contentConfig", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
				return mcpError(fmt.Sprintf("invalid contentConfig JSON: %v", err)), nil
			}
		}

		res, err := deps.Content.Submit(ctx, content.Request{
			UserID:      userID,
			Role:        req.GetString("role", ""),
			Mode:        req.GetString("mode", ""),
			ContentType: contentType,
			Prompt:      prompt,
			Config:      cfg,
			DocIDs:      req.GetStringSlice("docIds", nil),
			SubjectName: req.GetString("subjectName", ""),
			TopicName:   req.GetString("topicName", ""),
		})
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(res)
	}
}

func mcpContentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("contentId")
		if err != nil {
			return mcpError("contentId is required"), nil
		}
		st, err := deps.Content.Status(ctx, id)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(st)
	}
}

func mcpListContent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("userId")
		if err != nil {
			return mcpError("userId is required"), nil
		}
		page, err := deps.Content.List(ctx, userID, req.GetInt("page", 1), req.GetInt("limit", 10), content.ListFilter{
			Status:      req.GetString("status", ""),
			ContentType: req.GetString("contentType", ""),
		})
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(page)
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("userId")
		if err != nil {
			return mcpError("userId is required"), nil
		}
		sessionID, err := req.RequireString("sessionId")
		if err != nil {
			return mcpError("sessionId is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		ans, err := deps.Chat.Respond(ctx, chat.Query{
			UserID:    userID,
			SessionID: sessionID,
			Mode:      req.GetString("mode", chat.ModeInternal),
			Message:   message,
			SubjectID: req.GetString("subjectId", ""),
			TopicID:   req.GetString("topicId", ""),
			DocName:   req.GetString("docName", ""),
			ClientKey: "mcp:" + userID,
		})
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(ans)
	}
}

func mcpAnalytics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := analytics.Filter{
			UserID:    req.GetString("userId", ""),
			SubjectID: req.GetString("subjectId", ""),
			TopicID:   req.GetString("topicId", ""),
		}
		if s := req.GetString("startDate", ""); s != "" {
			t, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return mcpError("startDate must be YYYY-MM-DD"), nil
			}
			f.From = t
		}
		if s := req.GetString("endDate", ""); s != "" {
			t, err := time.Parse(time.DateOnly, s)
			if err != nil {
				return mcpError("endDate must be YYYY-MM-DD"), nil
			}
			f.To = t.Add(24*time.Hour - time.Nanosecond)
		}
		m, err := deps.Analytics.ComputeMetrics(ctx, f)
		if err != nil {
			return mcpFailure(err), nil
		}
		return mcpJSON(m)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Analytics.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}
		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpFailure reports a service error with its kind, e.g. "not_found: content x not found".
func mcpFailure(err error) *mcp.CallToolResult {
	return mcpError(fmt.Sprintf("%s: %s", apperr.KindOf(err), apperr.MessageOf(err)))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
