package usecase

import (
	"context"
	"errors"
	"sort"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

// Retrier applies the caller-side retry policy to backend calls.
type Retrier interface {
	Do(ctx context.Context, operation string, fn func(context.Context) error) error
}

type noRetry struct{}

func (noRetry) Do(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// DirectSearcher runs retrieval plus fusion for one normalized query.
type DirectSearcher struct {
	retrieval *RetrievalExecutor
	fusion    *FusionEngine
	retrier   Retrier
}

func NewDirectSearcher(retrieval *RetrievalExecutor, fusion *FusionEngine, retrier Retrier) *DirectSearcher {
	if retrier == nil {
		retrier = noRetry{}
	}
	if fusion == nil {
		fusion = NewFusionEngine(DefaultFusionConfig())
	}
	return &DirectSearcher{
		retrieval: retrieval,
		fusion:    fusion,
		retrier:   retrier,
	}
}

func (s *DirectSearcher) Search(ctx context.Context, query domain.SearchQuery) ([]domain.FusedHit, error) {
	operation := "search." + string(query.Mode)

	if query.Mode == domain.ModeHybrid {
		var keywordHits, vectorHits []domain.ScoredHit
		err := s.retrier.Do(ctx, operation, func(callCtx context.Context) error {
			k, v, err := s.retrieval.RetrieveHybrid(callCtx, query)
			keywordHits, vectorHits = k, v
			return err
		})
		if err != nil {
			return nil, asRetrievalFailure(operation, err)
		}
		return s.fusion.Fuse(keywordHits, vectorHits, query.TopK), nil
	}

	var hits []domain.ScoredHit
	err := s.retrier.Do(ctx, operation, func(callCtx context.Context) error {
		h, err := s.retrieval.Retrieve(callCtx, query)
		hits = h
		return err
	})
	if err != nil {
		return nil, asRetrievalFailure(operation, err)
	}
	return rankRaw(hits, query.TopK), nil
}

// rankRaw orders single-source hits by raw score, document_id ascending on ties.
func rankRaw(hits []domain.ScoredHit, topK int) []domain.FusedHit {
	out := make([]domain.FusedHit, 0, len(hits))
	seen := make(map[string]int, len(hits))
	for _, h := range hits {
		if i, ok := seen[h.DocumentID]; ok {
			if h.Score > out[i].Score {
				out[i] = domain.FusedHit{ScoredHit: h, FusedScore: h.Score}
			}
			continue
		}
		seen[h.DocumentID] = len(out)
		out = append(out, domain.FusedHit{ScoredHit: h, FusedScore: h.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return trimFused(out, topK)
}

func asRetrievalFailure(operation string, err error) error {
	var invalid *domain.InvalidQueryError
	var failure *domain.RetrievalFailure
	switch {
	case errors.As(err, &invalid), errors.As(err, &failure):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return domain.NewRetrievalFailure(operation, err)
	}
}

// SearchObserver records retrieval outcomes.
type SearchObserver interface {
	ObserveRetrieval(mode domain.Mode, hits int, err error)
}

type nopSearchObserver struct{}

func (nopSearchObserver) ObserveRetrieval(domain.Mode, int, error) {}

// SearchService is the orchestration entry point behind the tool boundary.
type SearchService struct {
	limits   domain.QueryLimits
	direct   *DirectSearcher
	agent    *AgentRunController
	observer SearchObserver
}

func NewSearchService(
	limits domain.QueryLimits,
	direct *DirectSearcher,
	agent *AgentRunController,
	observer SearchObserver,
) *SearchService {
	if observer == nil {
		observer = nopSearchObserver{}
	}
	return &SearchService{
		limits:   normalizeLimits(limits),
		direct:   direct,
		agent:    agent,
		observer: observer,
	}
}

func (s *SearchService) Search(ctx context.Context, raw domain.RawQuery) (*domain.SearchResult, error) {
	query, err := NormalizeQuery(raw, s.limits)
	if err != nil {
		return nil, err
	}
	if s.direct == nil {
		return nil, domain.NewInvalidQuery("mode", "direct search is not configured on this server")
	}

	hits, err := s.direct.Search(ctx, query)
	s.observer.ObserveRetrieval(query.Mode, len(hits), err)
	if err != nil {
		return nil, err
	}
	return &domain.SearchResult{
		Kind: domain.ResultHits,
		Mode: query.Mode,
		Hits: hits,
	}, nil
}

func (s *SearchService) AskAgent(ctx context.Context, query domain.AgentQuery) (*domain.SearchResult, error) {
	normalized, err := NormalizeAgentQuery(query, s.limits)
	if err != nil {
		return nil, err
	}
	if s.agent == nil {
		return nil, domain.NewInvalidQuery("tool", "agent mode is not configured on this server")
	}

	answer, err := s.agent.Run(ctx, normalized)
	if err != nil {
		return nil, err
	}
	return &domain.SearchResult{
		Kind:      domain.ResultAnswer,
		Answer:    answer.Text,
		Citations: answer.Citations,
	}, nil
}
