package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/core/ports"
)

const (
	toolOutputContentLimit = 1000
	abandonCancelTimeout   = 5 * time.Second
)

// AgentObserver receives run lifecycle signals for metrics.
type AgentObserver interface {
	ObservePoll(status domain.RunStatus)
	ObserveToolCall(tool string, err error)
	ObserveRunFinished(run domain.AgentRun)
	ObserveUnresolvedCitations(count int)
}

type nopAgentObserver struct{}

func (nopAgentObserver) ObservePoll(domain.RunStatus)       {}
func (nopAgentObserver) ObserveToolCall(string, error)      {}
func (nopAgentObserver) ObserveRunFinished(domain.AgentRun) {}
func (nopAgentObserver) ObserveUnresolvedCitations(int)     {}

// DocumentSearcher resolves search_documents tool calls.
type DocumentSearcher interface {
	Search(ctx context.Context, query domain.SearchQuery) ([]domain.FusedHit, error)
}

// RunSession is one submitted run plus the call IDs already answered for it.
type RunSession struct {
	run       domain.AgentRun
	query     domain.AgentQuery
	answered  map[string]struct{}
	toolCalls []domain.ToolCallRequest

	mu      sync.Mutex
	sources []domain.Annotation
	refs    map[string]int
}

// addSource numbers a citable tool result. The same url keeps its first ref.
func (s *RunSession) addSource(title, url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.refs[url]; ok {
		return ref
	}
	if s.refs == nil {
		s.refs = make(map[string]int)
	}
	ref := len(s.sources) + 1
	s.refs[url] = ref
	s.sources = append(s.sources, domain.Annotation{
		Marker: "[" + strconv.Itoa(ref) + "]",
		Index:  strconv.Itoa(ref),
		Title:  title,
		URL:    url,
	})
	return ref
}

func (s *RunSession) Run() domain.AgentRun {
	return s.run
}

func (s *RunSession) finish(status domain.RunStatus, reason domain.AgentFailureReason, detail string) bool {
	if s.run.Status.IsTerminal() {
		return false
	}
	s.run.Status = status
	s.run.FailureReason = reason
	s.run.Detail = detail
	s.run.PendingToolCalls = nil
	return true
}

type AgentRunController struct {
	backend   ports.AgentBackend
	documents DocumentSearcher
	web       ports.WebSearcher
	citations *CitationExtractor
	fields    FieldNames
	limits    domain.AgentLimits
	queries   domain.QueryLimits
	observer  AgentObserver
	logger    *slog.Logger
	now       func() time.Time
}

func NewAgentRunController(
	backend ports.AgentBackend,
	documents DocumentSearcher,
	web ports.WebSearcher,
	citations *CitationExtractor,
	fields FieldNames,
	limits domain.AgentLimits,
	queries domain.QueryLimits,
	observer AgentObserver,
	logger *slog.Logger,
) *AgentRunController {
	if limits.PollInitialBackoff <= 0 {
		limits.PollInitialBackoff = 500 * time.Millisecond
	}
	if limits.PollMaxBackoff <= 0 {
		limits.PollMaxBackoff = 5 * time.Second
	}
	if limits.PollMaxBackoff < limits.PollInitialBackoff {
		limits.PollMaxBackoff = limits.PollInitialBackoff
	}
	if limits.PollMultiplier < 1 {
		limits.PollMultiplier = 2
	}
	if limits.RunTimeout <= 0 {
		limits.RunTimeout = 90 * time.Second
	}
	if limits.ToolTimeout <= 0 {
		limits.ToolTimeout = 30 * time.Second
	}
	if limits.SearchTopK <= 0 {
		limits.SearchTopK = defaultTopK
	}
	if limits.WebTopK <= 0 {
		limits.WebTopK = defaultTopK
	}
	if citations == nil {
		citations, _ = NewCitationExtractor(DefaultCitationPattern)
	}
	if fields.Title == "" {
		fields.Title = "title"
	}
	if fields.Content == "" {
		fields.Content = "chunk"
	}
	if observer == nil {
		observer = nopAgentObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &AgentRunController{
		backend:   backend,
		documents: documents,
		web:       web,
		citations: citations,
		fields:    fields,
		limits:    limits,
		queries:   normalizeLimits(queries),
		observer:  observer,
		logger:    logger,
		now:       time.Now,
	}
}

// Run submits the query and awaits the final answer.
func (c *AgentRunController) Run(ctx context.Context, query domain.AgentQuery) (*domain.AgentAnswer, error) {
	session, err := c.Submit(ctx, query)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, session)
}

func (c *AgentRunController) Submit(ctx context.Context, query domain.AgentQuery) (*RunSession, error) {
	session := &RunSession{
		run: domain.AgentRun{
			Status:    domain.RunStatusCreated,
			StartedAt: c.now(),
		},
		query:    query,
		answered: make(map[string]struct{}),
	}

	threadID := strings.TrimSpace(query.ThreadID)
	if threadID == "" {
		created, err := c.backend.CreateThread(ctx)
		if err != nil {
			return nil, domain.WrapError(domain.ErrTemporary, "agent create thread", err)
		}
		threadID = created
	}
	session.run.ThreadID = threadID

	if err := c.backend.PostMessage(ctx, threadID, query.Text); err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "agent post message", err)
	}
	session.run.Status = domain.RunStatusSubmitted

	remote, err := c.backend.CreateRun(ctx, threadID, query.Tools)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "agent create run", err)
	}
	session.run.RunID = remote.RunID
	session.run.Status = domain.RunStatusQueued
	if remote.Status != "" && !remote.Status.IsTerminal() && remote.Status != domain.RunStatusRequiresAction {
		session.run.Status = remote.Status
	}

	c.logger.Info("agent_run_submitted",
		"run_id", session.run.RunID,
		"thread_id", session.run.ThreadID,
		"tools", strings.Join(query.Tools, ","),
	)
	return session, nil
}

// Poll fetches the remote state once and advances the local run. A
// requires_action state is resolved and answered within the same call.
func (c *AgentRunController) Poll(ctx context.Context, session *RunSession) error {
	if session.run.Status.IsTerminal() {
		return nil
	}

	remote, err := c.backend.GetRun(ctx, session.run.ThreadID, session.run.RunID)
	session.run.Polls++
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "agent poll", err)
	}
	c.observer.ObservePoll(remote.Status)
	c.logger.Debug("agent_run_poll", "run_id", session.run.RunID, "status", remote.Status, "poll", session.run.Polls)

	switch remote.Status {
	case domain.RunStatusRequiresAction:
		session.run.Status = domain.RunStatusRequiresAction
		session.run.PendingToolCalls = remote.PendingToolCalls
		return c.resolveRound(ctx, session, remote.PendingToolCalls)
	case domain.RunStatusCompleted:
		session.finish(domain.RunStatusCompleted, "", "")
	case domain.RunStatusFailed, domain.RunStatusCancelled:
		session.finish(remote.Status, domain.AgentFailureStatus, remote.LastError)
	default:
		session.run.Status = remote.Status
		session.run.PendingToolCalls = nil
	}
	return nil
}

// Await owns the poll loop until the run is terminal, the run deadline
// elapses or ctx is cancelled.
func (c *AgentRunController) Await(ctx context.Context, session *RunSession) (*domain.AgentAnswer, error) {
	deadline := session.run.StartedAt.Add(c.limits.RunTimeout)
	loopCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	backoff := c.limits.PollInitialBackoff
	for !session.run.Status.IsTerminal() {
		if loopCtx.Err() != nil {
			return nil, c.abandon(ctx, session)
		}

		rounds := session.run.ToolRounds
		if err := c.Poll(loopCtx, session); err != nil {
			if loopCtx.Err() != nil {
				return nil, c.abandon(ctx, session)
			}
			if session.finish(domain.RunStatusFailed, domain.AgentFailureStatus, err.Error()) {
				c.observer.ObserveRunFinished(session.run)
			}
			c.logger.Error("agent_run_failed", "run_id", session.run.RunID, "error", err)
			return nil, err
		}
		if session.run.Status.IsTerminal() {
			break
		}
		if session.run.ToolRounds > rounds {
			backoff = c.limits.PollInitialBackoff
		}

		timer := time.NewTimer(backoff)
		select {
		case <-loopCtx.Done():
			timer.Stop()
			return nil, c.abandon(ctx, session)
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, c.limits.PollMultiplier, c.limits.PollMaxBackoff)
	}

	c.observer.ObserveRunFinished(session.run)
	if session.run.Status != domain.RunStatusCompleted {
		c.logger.Warn("agent_run_ended",
			"run_id", session.run.RunID,
			"status", string(session.run.Status),
			"detail", session.run.Detail,
		)
		return nil, &domain.AgentRunFailure{
			Status: session.run.Status,
			Reason: domain.AgentFailureStatus,
			Detail: session.run.Detail,
		}
	}

	message, err := c.backend.GetMessage(ctx, session.run.ThreadID, session.run.RunID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrTemporary, "agent get message", err)
	}

	// Backend annotations win over refs handed out in tool outputs.
	annotations := append(append([]domain.Annotation(nil), message.Annotations...), session.sources...)
	extracted := c.citations.Extract(message.Text, annotations)
	if len(extracted.Warnings) > 0 {
		c.observer.ObserveUnresolvedCitations(len(extracted.Warnings))
		markers := make([]string, 0, len(extracted.Warnings))
		for _, w := range extracted.Warnings {
			markers = append(markers, w.Marker)
		}
		c.logger.Warn("citation_unresolved", "run_id", session.run.RunID, "markers", markers)
	}

	c.logger.Info("agent_run_completed",
		"run_id", session.run.RunID,
		"polls", session.run.Polls,
		"tool_rounds", session.run.ToolRounds,
		"citations", len(extracted.Citations),
		"duration_ms", c.now().Sub(session.run.StartedAt).Milliseconds(),
	)

	return &domain.AgentAnswer{
		Text:      extracted.Text,
		Citations: extracted.Citations,
		Warnings:  extracted.Warnings,
		ToolCalls: session.toolCalls,
		Run:       session.run,
	}, nil
}

func (c *AgentRunController) abandon(ctx context.Context, session *RunSession) error {
	// The run deadline lives on the loop context; any error on the caller's
	// context, deadline included, is a cancellation from outside.
	reason := domain.AgentFailureTimeout
	if ctx.Err() != nil {
		reason = domain.AgentFailureCancelled
	}
	if session.finish(domain.RunStatusFailed, reason, "") {
		c.observer.ObserveRunFinished(session.run)
	}

	if c.limits.CancelOnAbandon && session.run.RunID != "" {
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonCancelTimeout)
		defer cancel()
		if err := c.backend.CancelRun(cancelCtx, session.run.ThreadID, session.run.RunID); err != nil {
			c.logger.Warn("agent_run_cancel_failed", "run_id", session.run.RunID, "error", err)
		}
	}

	c.logger.Warn("agent_run_abandoned",
		"run_id", session.run.RunID,
		"reason", string(reason),
		"polls", session.run.Polls,
	)
	return &domain.AgentRunFailure{
		Status: domain.RunStatusFailed,
		Reason: reason,
	}
}

// resolveRound answers every fresh call of one requires_action round with a
// single submission. Nothing is submitted if any call cannot be resolved.
func (c *AgentRunController) resolveRound(ctx context.Context, session *RunSession, calls []domain.ToolCallRequest) error {
	fresh := make([]domain.ToolCallRequest, 0, len(calls))
	for _, call := range calls {
		if _, done := session.answered[call.CallID]; done {
			continue
		}
		fresh = append(fresh, call)
	}
	if len(fresh) == 0 {
		return nil
	}

	results := make([]domain.ToolCallResult, len(fresh))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, call := range fresh {
		group.Go(func() error {
			output, err := c.resolveCall(groupCtx, session, call)
			c.observer.ObserveToolCall(call.ToolName, err)
			if err != nil {
				return fmt.Errorf("tool %s call %s: %w", call.ToolName, call.CallID, err)
			}
			results[i] = domain.ToolCallResult{CallID: call.CallID, Output: output}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if err := c.backend.SubmitToolResults(ctx, session.run.ThreadID, session.run.RunID, results); err != nil {
		return domain.WrapError(domain.ErrTemporary, "agent submit tool results", err)
	}
	for _, call := range fresh {
		session.answered[call.CallID] = struct{}{}
	}
	session.toolCalls = append(session.toolCalls, fresh...)
	session.run.ToolRounds++
	session.run.Status = domain.RunStatusInProgress
	session.run.PendingToolCalls = nil

	c.logger.Info("agent_tool_round_submitted",
		"run_id", session.run.RunID,
		"round", session.run.ToolRounds,
		"calls", len(fresh),
	)
	return nil
}

// resolveCall returns the tool output. Argument problems and unknown tools
// produce an error output for the agent instead of failing the round.
func (c *AgentRunController) resolveCall(ctx context.Context, session *RunSession, call domain.ToolCallRequest) (string, error) {
	toolCtx, cancel := context.WithTimeout(ctx, c.limits.ToolTimeout)
	defer cancel()

	query := session.query
	switch call.ToolName {
	case domain.ToolSearchDocuments:
		if !toolEnabled(query.Tools, domain.ToolSearchDocuments) || c.documents == nil {
			return toolErrorOutput("search_documents is not available for this run"), nil
		}
		return c.searchDocuments(toolCtx, session, call.Arguments)
	case domain.ToolWebSearch:
		if !toolEnabled(query.Tools, domain.ToolWebSearch) || c.web == nil {
			return toolErrorOutput("web_search is not available for this run"), nil
		}
		return c.webSearch(toolCtx, session, call.Arguments)
	default:
		return toolErrorOutput(fmt.Sprintf("unknown tool %q", call.ToolName)), nil
	}
}

type documentToolOutput struct {
	Query   string               `json:"query"`
	Results []documentToolResult `json:"results"`
}

type documentToolResult struct {
	Ref     int     `json:"ref,omitempty"`
	ID      string  `json:"id"`
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url,omitempty"`
	Content string  `json:"content,omitempty"`
	Score   float64 `json:"score"`
}

func (c *AgentRunController) searchDocuments(ctx context.Context, session *RunSession, args map[string]any) (string, error) {
	query := session.query
	topK := query.TopK
	if topK <= 0 {
		topK = c.limits.SearchTopK
	}
	normalized, err := NormalizeQuery(domain.RawQuery{
		Text:    stringInput(args, "query", query.Text),
		Mode:    stringInput(args, "mode", string(domain.ModeHybrid)),
		TopK:    intInput(args, topK, "top", "top_k"),
		Filters: domain.SearchFilter{Expression: stringInput(args, "filter", "")},
	}, c.queries)
	if err != nil {
		return toolErrorOutput(err.Error()), nil
	}

	hits, err := c.documents.Search(ctx, normalized)
	if err != nil {
		return "", err
	}

	out := documentToolOutput{
		Query:   normalized.Text,
		Results: make([]documentToolResult, 0, len(hits)),
	}
	for _, hit := range hits {
		result := documentToolResult{
			ID:      hit.DocumentID,
			Title:   hit.StringField(c.fields.Title),
			Content: truncateRunes(hit.StringField(c.fields.Content), toolOutputContentLimit),
			Score:   hit.FusedScore,
		}
		if c.fields.URL != "" {
			if url := hit.StringField(c.fields.URL); url != "" {
				result.URL = url
				result.Ref = session.addSource(result.Title, url)
			}
		}
		out.Results = append(out.Results, result)
	}
	return marshalToolOutput(out)
}

type webToolOutput struct {
	Query   string          `json:"query"`
	Results []webToolResult `json:"results"`
}

type webToolResult struct {
	Ref int `json:"ref"`
	domain.WebHit
}

func (c *AgentRunController) webSearch(ctx context.Context, session *RunSession, args map[string]any) (string, error) {
	query := session.query
	text := strings.TrimSpace(stringInput(args, "query", query.Text))
	if text == "" {
		return toolErrorOutput("query is required"), nil
	}
	count := intInput(args, c.limits.WebTopK, "count", "top")
	if count <= 0 {
		count = c.limits.WebTopK
	}

	hits, err := c.web.WebSearch(ctx, text, count)
	if err != nil {
		return "", err
	}
	out := webToolOutput{Query: text, Results: make([]webToolResult, 0, len(hits))}
	for _, hit := range hits {
		ref := 0
		if hit.URL != "" {
			ref = session.addSource(hit.Title, hit.URL)
		}
		out.Results = append(out.Results, webToolResult{Ref: ref, WebHit: hit})
	}
	return marshalToolOutput(out)
}

func toolEnabled(tools []string, name string) bool {
	if len(tools) == 0 {
		return true
	}
	for _, tool := range tools {
		if tool == name {
			return true
		}
	}
	return false
}

func toolErrorOutput(message string) string {
	raw, _ := json.Marshal(map[string]string{"error": message})
	return string(raw)
}

func marshalToolOutput(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool output: %w", err)
	}
	return string(raw), nil
}

func nextBackoff(current time.Duration, multiplier float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > limit || next <= 0 {
		return limit
	}
	return next
}
