package ports

import (
	"context"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

// SearchService is the inbound contract used by the tool boundary.
type SearchService interface {
	Search(ctx context.Context, raw domain.RawQuery) (*domain.SearchResult, error)
	AskAgent(ctx context.Context, query domain.AgentQuery) (*domain.SearchResult, error)
}
