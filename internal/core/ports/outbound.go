package ports

import (
	"context"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

// SearchIndex issues lexical and nearest-neighbour requests against the index.
type SearchIndex interface {
	SearchKeyword(ctx context.Context, text string, topK int, filter domain.SearchFilter) ([]domain.ScoredHit, error)
	SearchVector(ctx context.Context, text string, vector []float32, topK int, filter domain.SearchFilter) ([]domain.ScoredHit, error)
}

// Embedder builds query vectors. A nil Embedder lets the index vectorize text itself.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// AgentBackend is the remote reasoning service (threads + runs).
type AgentBackend interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID string, tools []string) (domain.RemoteRun, error)
	GetRun(ctx context.Context, threadID, runID string) (domain.RemoteRun, error)
	SubmitToolResults(ctx context.Context, threadID, runID string, results []domain.ToolCallResult) error
	CancelRun(ctx context.Context, threadID, runID string) error
	GetMessage(ctx context.Context, threadID, runID string) (domain.AgentMessage, error)
}

// WebSearcher is the web-grounding capability.
type WebSearcher interface {
	WebSearch(ctx context.Context, query string, topK int) ([]domain.WebHit, error)
}

// EventPublisher emits fire-and-forget query events.
type EventPublisher interface {
	PublishQueryEvent(ctx context.Context, event domain.QueryEvent) error
}
