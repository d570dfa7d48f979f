package usecase

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/core/ports"
)

// RetrievalExecutor issues one retrieval per query variant. It never retries.
type RetrievalExecutor struct {
	index    ports.SearchIndex
	embedder ports.Embedder
}

func NewRetrievalExecutor(index ports.SearchIndex, embedder ports.Embedder) *RetrievalExecutor {
	return &RetrievalExecutor{
		index:    index,
		embedder: embedder,
	}
}

// Retrieve returns raw hits. Hybrid mode returns keyword hits followed by vector
// hits, each tagged with its source and left unfused.
func (r *RetrievalExecutor) Retrieve(ctx context.Context, query domain.SearchQuery) ([]domain.ScoredHit, error) {
	switch query.Mode {
	case domain.ModeKeyword:
		return r.keyword(ctx, query)
	case domain.ModeVector:
		return r.vector(ctx, query)
	case domain.ModeHybrid:
		keywordHits, vectorHits, err := r.RetrieveHybrid(ctx, query)
		if err != nil {
			return nil, err
		}
		out := make([]domain.ScoredHit, 0, len(keywordHits)+len(vectorHits))
		out = append(out, keywordHits...)
		return append(out, vectorHits...), nil
	default:
		return nil, domain.NewInvalidQuery("mode", fmt.Sprintf("unsupported mode %q", query.Mode))
	}
}

// RetrieveHybrid runs the keyword and vector sub-requests concurrently.
func (r *RetrievalExecutor) RetrieveHybrid(ctx context.Context, query domain.SearchQuery) ([]domain.ScoredHit, []domain.ScoredHit, error) {
	var keywordHits, vectorHits []domain.ScoredHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.keyword(gctx, query)
		keywordHits = hits
		return err
	})
	g.Go(func() error {
		hits, err := r.vector(gctx, query)
		vectorHits = hits
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return keywordHits, vectorHits, nil
}

func (r *RetrievalExecutor) keyword(ctx context.Context, query domain.SearchQuery) ([]domain.ScoredHit, error) {
	hits, err := r.index.SearchKeyword(ctx, query.Text, query.TopK, query.Filters)
	if err != nil {
		return nil, domain.NewRetrievalFailure("keyword search", err)
	}
	return tagSource(hits, domain.SourceKeyword), nil
}

func (r *RetrievalExecutor) vector(ctx context.Context, query domain.SearchQuery) ([]domain.ScoredHit, error) {
	var vector []float32
	if r.embedder != nil {
		v, err := r.embedder.EmbedQuery(ctx, query.Text)
		if err != nil {
			return nil, domain.NewRetrievalFailure("embed query", err)
		}
		vector = v
	}
	hits, err := r.index.SearchVector(ctx, query.Text, vector, query.TopK, query.Filters)
	if err != nil {
		return nil, domain.NewRetrievalFailure("vector search", err)
	}
	return tagSource(hits, domain.SourceVector), nil
}

func tagSource(hits []domain.ScoredHit, source domain.HitSource) []domain.ScoredHit {
	for i := range hits {
		hits[i].Source = source
	}
	return hits
}
