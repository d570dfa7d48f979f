package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/core/ports"
)

type agentBackendFake struct {
	mu         sync.Mutex
	script     []domain.RemoteRun
	polls      int
	submits    [][]domain.ToolCallResult
	cancels    int
	message    domain.AgentMessage
	runTools   []string
	threadsNew int
	posted     []string
}

func (f *agentBackendFake) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadsNew++
	return "thread-1", nil
}

func (f *agentBackendFake) PostMessage(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, text)
	return nil
}

func (f *agentBackendFake) CreateRun(_ context.Context, threadID string, tools []string) (domain.RemoteRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runTools = tools
	return domain.RemoteRun{RunID: "run-1", ThreadID: threadID, Status: domain.RunStatusQueued}, nil
}

func (f *agentBackendFake) GetRun(context.Context, string, string) (domain.RemoteRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.polls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.polls++
	return f.script[idx], nil
}

func (f *agentBackendFake) SubmitToolResults(_ context.Context, _, _ string, results []domain.ToolCallResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, results)
	return nil
}

func (f *agentBackendFake) CancelRun(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *agentBackendFake) GetMessage(context.Context, string, string) (domain.AgentMessage, error) {
	return f.message, nil
}

func (f *agentBackendFake) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type webSearcherFake struct {
	queries []string
	hits    []domain.WebHit
}

func (f *webSearcherFake) WebSearch(_ context.Context, query string, _ int) ([]domain.WebHit, error) {
	f.queries = append(f.queries, query)
	return f.hits, nil
}

type documentSearcherFake struct {
	mu      sync.Mutex
	queries []domain.SearchQuery
	hits    []domain.FusedHit
	err     error
}

func (f *documentSearcherFake) Search(_ context.Context, query domain.SearchQuery) ([]domain.FusedHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func fastLimits() domain.AgentLimits {
	return domain.AgentLimits{
		PollInitialBackoff: time.Millisecond,
		PollMaxBackoff:     2 * time.Millisecond,
		PollMultiplier:     2,
		RunTimeout:         2 * time.Second,
		ToolTimeout:        time.Second,
	}
}

func newTestController(backend *agentBackendFake, docs DocumentSearcher, web *webSearcherFake, limits domain.AgentLimits) *AgentRunController {
	var webSearcher ports.WebSearcher
	if web != nil {
		webSearcher = web
	}
	return NewAgentRunController(backend, docs, webSearcher, nil, FieldNames{}, limits, domain.QueryLimits{}, nil, nil)
}

func TestAgentRunWebSearchRoundAndCitations(t *testing.T) {
	backend := &agentBackendFake{
		script: []domain.RemoteRun{
			{Status: domain.RunStatusQueued},
			{Status: domain.RunStatusRequiresAction, PendingToolCalls: []domain.ToolCallRequest{{
				CallID:    "call_abc",
				ToolName:  domain.ToolWebSearch,
				Arguments: map[string]any{"query": "go release"},
			}}},
			{Status: domain.RunStatusInProgress},
			{Status: domain.RunStatusCompleted},
		},
		message: domain.AgentMessage{
			Text:        "Go 1.25 is out【4:0†source】.",
			Annotations: []domain.Annotation{{Marker: "【4:0†source】", Title: "Go 1.25", URL: "https://go.dev/doc/go1.25"}},
		},
	}
	web := &webSearcherFake{hits: []domain.WebHit{{Title: "Go 1.25", URL: "https://go.dev/doc/go1.25", Snippet: "released"}}}
	controller := newTestController(backend, nil, web, fastLimits())

	answer, err := controller.Run(context.Background(), domain.AgentQuery{Text: "latest go release", Tools: []string{domain.ToolWebSearch}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(backend.submits) != 1 || len(backend.submits[0]) != 1 {
		t.Fatalf("expected one submission with one result, got %+v", backend.submits)
	}
	if backend.submits[0][0].CallID != "call_abc" {
		t.Fatalf("unexpected call id %q", backend.submits[0][0].CallID)
	}
	if !strings.Contains(backend.submits[0][0].Output, "go.dev") {
		t.Fatalf("expected web hits in output, got %q", backend.submits[0][0].Output)
	}
	if len(web.queries) != 1 || web.queries[0] != "go release" {
		t.Fatalf("unexpected web queries %v", web.queries)
	}
	if len(answer.Citations) == 0 {
		t.Fatalf("expected citations")
	}
	if answer.Text != "Go 1.25 is out[1]." {
		t.Fatalf("unexpected text %q", answer.Text)
	}
	if answer.Run.Status != domain.RunStatusCompleted || answer.Run.ToolRounds != 1 {
		t.Fatalf("unexpected run state %+v", answer.Run)
	}
	if backend.threadsNew != 1 || backend.posted[0] != "latest go release" {
		t.Fatalf("expected new thread with posted message")
	}
}

func TestAgentRunSearchDocumentsArguments(t *testing.T) {
	backend := &agentBackendFake{
		script: []domain.RemoteRun{
			{Status: domain.RunStatusRequiresAction, PendingToolCalls: []domain.ToolCallRequest{{
				CallID:    "call_1",
				ToolName:  domain.ToolSearchDocuments,
				Arguments: map[string]any{"query": "refund window", "top": float64(3)},
			}}},
			{Status: domain.RunStatusCompleted},
		},
		message: domain.AgentMessage{Text: "30 days."},
	}
	docs := &documentSearcherFake{hits: []domain.FusedHit{{
		ScoredHit:  domain.ScoredHit{DocumentID: "d1", Fields: map[string]any{"title": "Policy", "chunk": "Refunds within 30 days."}},
		FusedScore: 0.8,
	}}}
	controller := newTestController(backend, docs, nil, fastLimits())

	if _, err := controller.Run(context.Background(), domain.AgentQuery{Text: "refunds?"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(docs.queries) != 1 {
		t.Fatalf("expected one document search, got %d", len(docs.queries))
	}
	q := docs.queries[0]
	if q.Text != "refund window" || q.TopK != 3 || q.Mode != domain.ModeHybrid {
		t.Fatalf("unexpected search query %+v", q)
	}

	var out documentToolOutput
	if err := json.Unmarshal([]byte(backend.submits[0][0].Output), &out); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Title != "Policy" {
		t.Fatalf("unexpected tool output %+v", out)
	}
}

func TestAgentRunTimeoutStopsPollingAndAnswersOnce(t *testing.T) {
	backend := &agentBackendFake{
		script: []domain.RemoteRun{
			{Status: domain.RunStatusRequiresAction, PendingToolCalls: []domain.ToolCallRequest{{
				CallID:   "call_1",
				ToolName: domain.ToolSearchDocuments,
			}}},
		},
	}
	limits := fastLimits()
	limits.RunTimeout = 40 * time.Millisecond
	limits.CancelOnAbandon = true
	controller := newTestController(backend, &documentSearcherFake{}, nil, limits)

	_, err := controller.Run(context.Background(), domain.AgentQuery{Text: "slow"})
	var failure *domain.AgentRunFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected AgentRunFailure, got %v", err)
	}
	if failure.Status != domain.RunStatusFailed || failure.Reason != domain.AgentFailureTimeout {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if len(backend.submits) != 1 {
		t.Fatalf("expected exactly one submission for call_1, got %d", len(backend.submits))
	}
	if backend.cancels != 1 {
		t.Fatalf("expected remote cancel on abandon, got %d", backend.cancels)
	}

	polls := backend.pollCount()
	time.Sleep(20 * time.Millisecond)
	if backend.pollCount() != polls {
		t.Fatalf("expected no polls after timeout")
	}
}

func TestAgentRunCancellation(t *testing.T) {
	backend := &agentBackendFake{script: []domain.RemoteRun{{Status: domain.RunStatusInProgress}}}
	controller := newTestController(backend, nil, nil, fastLimits())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(15*time.Millisecond, cancel)

	_, err := controller.Run(ctx, domain.AgentQuery{Text: "never ends"})
	var failure *domain.AgentRunFailure
	if !errors.As(err, &failure) || failure.Reason != domain.AgentFailureCancelled {
		t.Fatalf("expected cancelled failure, got %v", err)
	}
	if backend.cancels != 0 {
		t.Fatalf("remote run should be left alone without cancel on abandon")
	}
}

func TestAgentRunCallerDeadlineIsCancellation(t *testing.T) {
	backend := &agentBackendFake{script: []domain.RemoteRun{{Status: domain.RunStatusInProgress}}}
	controller := newTestController(backend, nil, nil, fastLimits())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	_, err := controller.Run(ctx, domain.AgentQuery{Text: "never ends"})
	var failure *domain.AgentRunFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected AgentRunFailure, got %v", err)
	}
	if failure.Reason != domain.AgentFailureCancelled {
		t.Fatalf("caller deadline must report cancelled, got %s", failure.Reason)
	}
}

func TestAgentRunRemoteFailure(t *testing.T) {
	backend := &agentBackendFake{script: []domain.RemoteRun{{Status: domain.RunStatusFailed, LastError: "rate_limit_exceeded"}}}
	controller := newTestController(backend, nil, nil, fastLimits())

	_, err := controller.Run(context.Background(), domain.AgentQuery{Text: "x"})
	var failure *domain.AgentRunFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected AgentRunFailure, got %v", err)
	}
	if failure.Status != domain.RunStatusFailed || failure.Reason != domain.AgentFailureStatus || failure.Detail != "rate_limit_exceeded" {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestAgentRunUnknownToolGetsErrorOutput(t *testing.T) {
	backend := &agentBackendFake{
		script: []domain.RemoteRun{
			{Status: domain.RunStatusRequiresAction, PendingToolCalls: []domain.ToolCallRequest{{CallID: "call_x", ToolName: "code_interpreter"}}},
			{Status: domain.RunStatusCompleted},
		},
		message: domain.AgentMessage{Text: "done"},
	}
	controller := newTestController(backend, nil, nil, fastLimits())

	if _, err := controller.Run(context.Background(), domain.AgentQuery{Text: "x"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(backend.submits) != 1 || !strings.Contains(backend.submits[0][0].Output, "unknown tool") {
		t.Fatalf("expected error output for unknown tool, got %+v", backend.submits)
	}
}

func TestAgentRunRoundFailsAtomically(t *testing.T) {
	backend := &agentBackendFake{
		script: []domain.RemoteRun{
			{Status: domain.RunStatusRequiresAction, PendingToolCalls: []domain.ToolCallRequest{
				{CallID: "call_docs", ToolName: domain.ToolSearchDocuments, Arguments: map[string]any{"query": "a"}},
				{CallID: "call_web", ToolName: domain.ToolWebSearch, Arguments: map[string]any{"query": "b"}},
			}},
		},
	}
	docs := &documentSearcherFake{err: domain.NewRetrievalFailure("search.hybrid", errors.New("503"))}
	controller := newTestController(backend, docs, &webSearcherFake{}, fastLimits())

	_, err := controller.Run(context.Background(), domain.AgentQuery{Text: "x"})
	if !domain.IsKind(err, domain.ErrRetrieval) {
		t.Fatalf("expected retrieval failure, got %v", err)
	}
	if len(backend.submits) != 0 {
		t.Fatalf("expected nothing submitted, got %+v", backend.submits)
	}
}

func TestPollNeverRepollsTerminalRun(t *testing.T) {
	backend := &agentBackendFake{script: []domain.RemoteRun{{Status: domain.RunStatusCompleted}}}
	controller := newTestController(backend, nil, nil, fastLimits())

	session, err := controller.Submit(context.Background(), domain.AgentQuery{Text: "x", ThreadID: "existing"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if backend.threadsNew != 0 || session.Run().ThreadID != "existing" {
		t.Fatalf("expected existing thread to be reused")
	}
	if err := controller.Poll(context.Background(), session); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := controller.Poll(context.Background(), session); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if backend.pollCount() != 1 {
		t.Fatalf("expected one remote poll, got %d", backend.pollCount())
	}
	if session.Run().Status != domain.RunStatusCompleted {
		t.Fatalf("unexpected status %s", session.Run().Status)
	}
}

func TestNextBackoffIsBounded(t *testing.T) {
	b := 500 * time.Millisecond
	for i := 0; i < 10; i++ {
		b = nextBackoff(b, 2, 5*time.Second)
	}
	if b != 5*time.Second {
		t.Fatalf("expected backoff capped at 5s, got %s", b)
	}
}

func TestAgentRunResolvesRefsFromToolOutputs(t *testing.T) {
	backend := &agentBackendFake{
		script: []domain.RemoteRun{
			{Status: domain.RunStatusRequiresAction, PendingToolCalls: []domain.ToolCallRequest{{
				CallID:    "call_web",
				ToolName:  domain.ToolWebSearch,
				Arguments: map[string]any{"query": "nats jetstream"},
			}}},
			{Status: domain.RunStatusCompleted},
		},
		message: domain.AgentMessage{Text: "JetStream adds persistence [2] and replay [1]."},
	}
	web := &webSearcherFake{hits: []domain.WebHit{
		{Title: "Docs", URL: "https://docs.nats.io/jetstream"},
		{Title: "Blog", URL: "https://nats.io/blog/jetstream"},
	}}
	controller := newTestController(backend, nil, web, fastLimits())

	answer, err := controller.Run(context.Background(), domain.AgentQuery{Text: "jetstream"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if answer.Text != "JetStream adds persistence [1] and replay [2]." {
		t.Fatalf("unexpected text %q", answer.Text)
	}
	if len(answer.Citations) != 2 || answer.Citations[0].URL != "https://nats.io/blog/jetstream" {
		t.Fatalf("unexpected citations %+v", answer.Citations)
	}

	var out webToolOutput
	if err := json.Unmarshal([]byte(backend.submits[0][0].Output), &out); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
	if out.Results[0].Ref != 1 || out.Results[1].Ref != 2 {
		t.Fatalf("unexpected refs %+v", out.Results)
	}
}
