package mcpadapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/core/usecase"
)

type searchServiceFake struct {
	mu     sync.Mutex
	raw    []domain.RawQuery
	agent  []domain.AgentQuery
	result *domain.SearchResult
	err    error
}

func (f *searchServiceFake) Search(_ context.Context, raw domain.RawQuery) (*domain.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, raw)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &domain.SearchResult{Kind: domain.ResultHits, Mode: domain.Mode(raw.Mode)}, nil
}

func (f *searchServiceFake) AskAgent(_ context.Context, query domain.AgentQuery) (*domain.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = append(f.agent, query)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.SearchResult{
		Kind:      domain.ResultAnswer,
		Answer:    "Answer [1]",
		Citations: []domain.Citation{{MarkerID: "1", Title: "Doc", URL: "https://example.com/doc", Order: 1}},
	}, nil
}

type eventPublisherFake struct {
	mu     sync.Mutex
	events []domain.QueryEvent
	err    error
}

func (f *eventPublisherFake) PublishQueryEvent(_ context.Context, event domain.QueryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

type recorderFake struct {
	started     int
	finished    map[string]int
	rateLimited int
}

func (r *recorderFake) StartToolCall() { r.started++ }

func (r *recorderFake) FinishToolCall(tool string, _ time.Duration, _ error) {
	if r.finished == nil {
		r.finished = map[string]int{}
	}
	r.finished[tool]++
}

func (r *recorderFake) RecordRateLimited(string) { r.rateLimited++ }

func newTestServer(service *searchServiceFake, opts Options) *Server {
	opts.DirectEnabled = true
	opts.AgentEnabled = true
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return NewServer(service, usecase.NewResultFormatter(usecase.FieldNames{}), opts)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("expected tool result content, got %+v", res)
	}
	switch content := res.Content[0].(type) {
	case mcp.TextContent:
		return content.Text
	case *mcp.TextContent:
		return content.Text
	default:
		t.Fatalf("unexpected content type %T", res.Content[0])
		return ""
	}
}

func TestDirectToolsPassModeAndArguments(t *testing.T) {
	service := &searchServiceFake{}
	s := newTestServer(service, Options{})

	res, err := s.handleHybridSearch(context.Background(), callRequest("hybrid_search", map[string]any{
		"query":   "quarterly revenue",
		"top":     float64(3),
		"filter":  "year eq 2024",
		"filters": map[string]any{"category": "finance", "draft": false},
	}))
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	if len(service.raw) != 1 {
		t.Fatalf("expected one search call, got %d", len(service.raw))
	}
	got := service.raw[0]
	if got.Mode != "hybrid" || got.TopK != 3 || got.Text != "quarterly revenue" {
		t.Fatalf("unexpected raw query %+v", got)
	}
	if got.Filters.Expression != "year eq 2024" || got.Filters.Equals["category"] != "finance" || got.Filters.Equals["draft"] != "false" {
		t.Fatalf("unexpected filters %+v", got.Filters)
	}
}

func TestGenericSearchRequiresMode(t *testing.T) {
	service := &searchServiceFake{err: domain.NewInvalidQuery("mode", "must be one of keyword, vector, hybrid")}
	s := newTestServer(service, Options{})

	res, err := s.handleSearch(context.Background(), callRequest("search", map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected error result")
	}
	if text := resultText(t, res); !strings.HasPrefix(text, "Invalid query:") {
		t.Fatalf("unexpected error text %q", text)
	}
}

func TestInvalidTopIsRejectedBeforeService(t *testing.T) {
	service := &searchServiceFake{}
	s := newTestServer(service, Options{})

	for _, top := range []any{float64(2.5), float64(0), "abc", true} {
		res, err := s.handleKeywordSearch(context.Background(), callRequest("keyword_search", map[string]any{
			"query": "x",
			"top":   top,
		}))
		if err != nil {
			t.Fatalf("handler returned protocol error: %v", err)
		}
		if !res.IsError {
			t.Fatalf("expected error result for top=%v", top)
		}
	}
	if len(service.raw) != 0 {
		t.Fatalf("service must not be called for invalid arguments")
	}
}

func TestAgentToolsSelectAgentTools(t *testing.T) {
	service := &searchServiceFake{}
	s := newTestServer(service, Options{})
	ctx := context.Background()

	if _, err := s.handleSearchIndex(ctx, callRequest("search_index", map[string]any{"query": "q", "top": "4"})); err != nil {
		t.Fatalf("search_index: %v", err)
	}
	if _, err := s.handleWebSearch(ctx, callRequest("web_search", map[string]any{"query": "q"})); err != nil {
		t.Fatalf("web_search: %v", err)
	}
	res, err := s.handleAgentSearch(ctx, callRequest("agent_search", map[string]any{
		"query": "q",
		"tools": []any{"web_search"},
	}))
	if err != nil {
		t.Fatalf("agent_search: %v", err)
	}

	if len(service.agent) != 3 {
		t.Fatalf("expected 3 agent calls, got %d", len(service.agent))
	}
	if service.agent[0].Tools[0] != domain.ToolSearchDocuments || service.agent[0].TopK != 4 {
		t.Fatalf("unexpected search_index query %+v", service.agent[0])
	}
	if service.agent[1].Tools[0] != domain.ToolWebSearch {
		t.Fatalf("unexpected web_search query %+v", service.agent[1])
	}
	if len(service.agent[2].Tools) != 1 || service.agent[2].Tools[0] != domain.ToolWebSearch {
		t.Fatalf("unexpected agent_search tools %+v", service.agent[2].Tools)
	}

	text := resultText(t, res)
	if !strings.Contains(text, "### Sources") || !strings.Contains(text, "https://example.com/doc") {
		t.Fatalf("expected sources in answer, got %q", text)
	}
}

func TestFailuresBecomeErrorResultsWithoutBackendDetail(t *testing.T) {
	service := &searchServiceFake{
		err: domain.NewRetrievalFailure("keyword search", errors.New("POST https://secret.search.windows.net: 503")),
	}
	events := &eventPublisherFake{}
	recorder := &recorderFake{}
	s := newTestServer(service, Options{Events: events, Recorder: recorder})

	res, err := s.handleKeywordSearch(context.Background(), callRequest("keyword_search", map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected error result")
	}
	text := resultText(t, res)
	if strings.Contains(text, "secret.search.windows.net") {
		t.Fatalf("backend identifier leaked into %q", text)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected one query event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Status != "error" || event.ErrorKind != "retrieval_failure" || event.Tool != "keyword_search" || event.RequestID == "" {
		t.Fatalf("unexpected event %+v", event)
	}
	if recorder.started != 1 || recorder.finished["keyword_search"] != 1 {
		t.Fatalf("unexpected recorder state %+v", recorder)
	}
}

func TestEventPublishFailureDoesNotFailCall(t *testing.T) {
	service := &searchServiceFake{}
	events := &eventPublisherFake{err: errors.New("nats down")}
	s := newTestServer(service, Options{Events: events})

	res, err := s.handleVectorSearch(context.Background(), callRequest("vector_search", map[string]any{"query": "x"}))
	if err != nil {
		t.Fatalf("handler returned protocol error: %v", err)
	}
	if res.IsError {
		t.Fatalf("publish failure must not fail the call: %s", resultText(t, res))
	}
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	service := &searchServiceFake{}
	recorder := &recorderFake{}
	s := newTestServer(service, Options{RateLimitRPS: 0.001, RateLimitBurst: 1, Recorder: recorder})
	ctx := context.Background()

	first, _ := s.handleKeywordSearch(ctx, callRequest("keyword_search", map[string]any{"query": "x"}))
	if first.IsError {
		t.Fatalf("first call should pass the limiter")
	}
	second, _ := s.handleKeywordSearch(ctx, callRequest("keyword_search", map[string]any{"query": "x"}))
	if !second.IsError || resultText(t, second) != rateLimitedMessage {
		t.Fatalf("second call should be rate limited")
	}
	if recorder.rateLimited != 1 || len(service.raw) != 1 {
		t.Fatalf("unexpected state: rate limited %d, calls %d", recorder.rateLimited, len(service.raw))
	}
}

func TestToolRegistrationFollowsOptions(t *testing.T) {
	s := NewServer(&searchServiceFake{}, nil, Options{DirectEnabled: true, AgentEnabled: false})
	tools := s.MCPServer().ListTools()
	for _, name := range []string{"keyword_search", "vector_search", "hybrid_search", "search"} {
		if _, ok := tools[name]; !ok {
			t.Fatalf("expected tool %s to be registered", name)
		}
	}
	if _, ok := tools["agent_search"]; ok {
		t.Fatalf("agent tools must not be registered when agent mode is off")
	}

	s = NewServer(&searchServiceFake{}, nil, Options{AgentEnabled: true, WebEnabled: false})
	tools = s.MCPServer().ListTools()
	if _, ok := tools["search_index"]; !ok {
		t.Fatalf("expected search_index")
	}
	if _, ok := tools["web_search"]; ok {
		t.Fatalf("web_search requires web grounding")
	}
}
