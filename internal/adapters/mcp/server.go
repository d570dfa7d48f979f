package mcpadapter

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/core/ports"
	"github.com/kirillkom/search-bridge-mcp/internal/core/usecase"
)

const (
	ServerVersion = "1.0.0"

	eventPublishTimeout = 2 * time.Second
)

// ToolRecorder receives per-call measurements.
type ToolRecorder interface {
	StartToolCall()
	FinishToolCall(tool string, duration time.Duration, err error)
	RecordRateLimited(tool string)
}

type Options struct {
	Name           string
	Version        string
	DirectEnabled  bool
	AgentEnabled   bool
	WebEnabled     bool
	RateLimitRPS   float64
	RateLimitBurst int
	Recorder       ToolRecorder
	Events         ports.EventPublisher
	Logger         *slog.Logger
}

// Server exposes the search service as MCP tools.
type Server struct {
	mcp       *server.MCPServer
	service   ports.SearchService
	formatter *usecase.ResultFormatter
	limiter   *rate.Limiter
	recorder  ToolRecorder
	events    ports.EventPublisher
	logger    *slog.Logger
}

func NewServer(service ports.SearchService, formatter *usecase.ResultFormatter, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "search-bridge-mcp"
	}
	if opts.Version == "" {
		opts.Version = ServerVersion
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if formatter == nil {
		formatter = usecase.NewResultFormatter(usecase.FieldNames{})
	}

	s := &Server{
		mcp: server.NewMCPServer(
			opts.Name,
			opts.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		service:   service,
		formatter: formatter,
		recorder:  opts.Recorder,
		events:    opts.Events,
		logger:    opts.Logger,
	}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	if opts.DirectEnabled {
		s.mcp.AddTool(keywordSearchTool(), s.handleKeywordSearch)
		s.mcp.AddTool(vectorSearchTool(), s.handleVectorSearch)
		s.mcp.AddTool(hybridSearchTool(), s.handleHybridSearch)
		s.mcp.AddTool(searchTool(), s.handleSearch)
	}
	if opts.AgentEnabled {
		s.mcp.AddTool(searchIndexTool(), s.handleSearchIndex)
		s.mcp.AddTool(agentSearchTool(), s.handleAgentSearch)
		if opts.WebEnabled {
			s.mcp.AddTool(webSearchTool(), s.handleWebSearch)
		}
	}
	return s
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over the given streams until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func (s *Server) publish(ctx context.Context, event domain.QueryEvent) {
	if s.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := s.events.PublishQueryEvent(pubCtx, event); err != nil {
		s.logger.Warn("query_event_publish_failed",
			"request_id", event.RequestID,
			"tool", event.Tool,
			"error", err,
		)
	}
}
