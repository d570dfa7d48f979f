package mcpadapter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

const rateLimitedMessage = "Request failed: too many requests. Please retry shortly."

type toolFunc func(ctx context.Context, args map[string]any) (*domain.SearchResult, error)

func (s *Server) handleKeywordSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.direct(ctx, "keyword_search", string(domain.ModeKeyword), request)
}

func (s *Server) handleVectorSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.direct(ctx, "vector_search", string(domain.ModeVector), request)
}

func (s *Server) handleHybridSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.direct(ctx, "hybrid_search", string(domain.ModeHybrid), request)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, "search", request, func(ctx context.Context, args map[string]any) (*domain.SearchResult, error) {
		mode, err := stringArg(args, "mode")
		if err != nil {
			return nil, err
		}
		raw, err := rawQueryFromArgs(args, mode)
		if err != nil {
			return nil, err
		}
		return s.service.Search(ctx, raw)
	})
}

func (s *Server) direct(ctx context.Context, tool, mode string, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, tool, request, func(ctx context.Context, args map[string]any) (*domain.SearchResult, error) {
		raw, err := rawQueryFromArgs(args, mode)
		if err != nil {
			return nil, err
		}
		return s.service.Search(ctx, raw)
	})
}

func (s *Server) handleSearchIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.agent(ctx, "search_index", []string{domain.ToolSearchDocuments}, request)
}

func (s *Server) handleWebSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.agent(ctx, "web_search", []string{domain.ToolWebSearch}, request)
}

func (s *Server) handleAgentSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.agent(ctx, "agent_search", nil, request)
}

func (s *Server) agent(ctx context.Context, tool string, tools []string, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.run(ctx, tool, request, func(ctx context.Context, args map[string]any) (*domain.SearchResult, error) {
		query, err := agentQueryFromArgs(args, tools)
		if err != nil {
			return nil, err
		}
		return s.service.AskAgent(ctx, query)
	})
}

// run wraps every tool call: rate limiting, metrics, logging and the query event.
// Errors never escape as protocol faults.
func (s *Server) run(ctx context.Context, tool string, request mcp.CallToolRequest, fn toolFunc) (*mcp.CallToolResult, error) {
	requestID := uuid.NewString()

	if s.limiter != nil && !s.limiter.Allow() {
		if s.recorder != nil {
			s.recorder.RecordRateLimited(tool)
		}
		s.logger.Warn("tool_call_rate_limited", "request_id", requestID, "tool", tool)
		return mcp.NewToolResultError(rateLimitedMessage), nil
	}

	if s.recorder != nil {
		s.recorder.StartToolCall()
	}
	start := time.Now()
	result, err := fn(ctx, request.GetArguments())
	duration := time.Since(start)
	if s.recorder != nil {
		s.recorder.FinishToolCall(tool, duration, err)
	}

	event := domain.QueryEvent{
		RequestID:  requestID,
		Tool:       tool,
		Status:     "ok",
		DurationMs: float64(duration.Microseconds()) / 1000.0,
	}
	if result != nil {
		event.Mode = string(result.Mode)
		event.Hits = len(result.Hits)
		event.Citations = len(result.Citations)
	}

	logAttrs := []any{
		"request_id", requestID,
		"tool", tool,
		"duration_ms", event.DurationMs,
	}
	if err != nil {
		event.Status = "error"
		event.ErrorKind = errorKind(err)
		logAttrs = append(logAttrs, "error_kind", event.ErrorKind, "error", err)
		if event.ErrorKind == "invalid_query" {
			s.logger.Warn("tool_call", logAttrs...)
		} else {
			s.logger.Error("tool_call", logAttrs...)
		}
	} else {
		logAttrs = append(logAttrs, "mode", event.Mode, "hits", event.Hits, "citations", event.Citations)
		s.logger.Info("tool_call", logAttrs...)
	}
	s.publish(ctx, event)

	if err != nil {
		return mcp.NewToolResultError(s.formatter.FormatError(err)), nil
	}
	return mcp.NewToolResultText(s.formatter.Format(result)), nil
}

func errorKind(err error) string {
	var invalid *domain.InvalidQueryError
	var retrieval *domain.RetrievalFailure
	var agent *domain.AgentRunFailure
	switch {
	case errors.As(err, &invalid):
		return "invalid_query"
	case errors.As(err, &agent):
		return "agent_run_failure"
	case errors.As(err, &retrieval):
		return "retrieval_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
