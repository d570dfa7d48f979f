package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/infrastructure/resilience"
)

const DefaultInstructions = "You answer questions using the search_documents and web_search tools. " +
	"Call a tool before answering whenever facts are needed. " +
	"Each tool result carries a ref number; cite sources inline as [ref]."

type AgentConfig struct {
	// AssistantID reuses an existing assistant. Empty means one is created on
	// first use and deleted by Close.
	AssistantID  string
	Model        string
	Name         string
	Instructions string
	Executor     *resilience.Executor
}

// AgentBackend drives remote runs through the Assistants API.
type AgentBackend struct {
	client   *openai.Client
	cfg      AgentConfig
	executor *resilience.Executor

	mu          sync.Mutex
	assistantID string
	created     bool
}

func NewAgentBackend(client *openai.Client, cfg AgentConfig) *AgentBackend {
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "search-bridge-agent"
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = DefaultInstructions
	}
	return &AgentBackend{
		client:      client,
		cfg:         cfg,
		executor:    cfg.Executor,
		assistantID: strings.TrimSpace(cfg.AssistantID),
	}
}

func (b *AgentBackend) CreateThread(ctx context.Context) (string, error) {
	thread, err := b.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", wrapError("create thread", err)
	}
	return thread.ID, nil
}

func (b *AgentBackend) PostMessage(ctx context.Context, threadID, text string) error {
	_, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    string(openai.ThreadMessageRoleUser),
		Content: text,
	})
	if err != nil {
		return wrapError("create message", err)
	}
	return nil
}

func (b *AgentBackend) CreateRun(ctx context.Context, threadID string, tools []string) (domain.RemoteRun, error) {
	assistantID, err := b.ensureAssistant(ctx)
	if err != nil {
		return domain.RemoteRun{}, err
	}

	run, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID: assistantID,
		Tools:       runTools(tools),
	})
	if err != nil {
		return domain.RemoteRun{}, wrapError("create run", err)
	}
	return toRemoteRun(run), nil
}

func (b *AgentBackend) GetRun(ctx context.Context, threadID, runID string) (domain.RemoteRun, error) {
	var run openai.Run
	err := b.execute(ctx, "agent.get_run", func(callCtx context.Context) error {
		r, err := b.client.RetrieveRun(callCtx, threadID, runID)
		run = r
		return err
	})
	if err != nil {
		return domain.RemoteRun{}, wrapError("retrieve run", err)
	}
	return toRemoteRun(run), nil
}

func (b *AgentBackend) SubmitToolResults(ctx context.Context, threadID, runID string, results []domain.ToolCallResult) error {
	outputs := make([]openai.ToolOutput, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, openai.ToolOutput{ToolCallID: r.CallID, Output: r.Output})
	}
	_, err := b.client.SubmitToolOutputs(ctx, threadID, runID, openai.SubmitToolOutputsRequest{
		ToolOutputs: outputs,
	})
	if err != nil {
		return wrapError("submit tool outputs", err)
	}
	return nil
}

func (b *AgentBackend) CancelRun(ctx context.Context, threadID, runID string) error {
	_, err := b.client.CancelRun(ctx, threadID, runID)
	if err != nil {
		return wrapError("cancel run", err)
	}
	return nil
}

// GetMessage returns the newest assistant message produced by the run.
func (b *AgentBackend) GetMessage(ctx context.Context, threadID, runID string) (domain.AgentMessage, error) {
	limit := 20
	order := "desc"
	var list openai.MessagesList
	err := b.execute(ctx, "agent.list_messages", func(callCtx context.Context) error {
		l, err := b.client.ListMessage(callCtx, threadID, &limit, &order, nil, nil, &runID)
		list = l
		return err
	})
	if err != nil {
		return domain.AgentMessage{}, wrapError("list messages", err)
	}

	for _, msg := range list.Messages {
		if msg.Role != string(openai.ThreadMessageRoleAssistant) {
			continue
		}
		return toAgentMessage(msg), nil
	}
	return domain.AgentMessage{}, fmt.Errorf("run %s produced no assistant message", runID)
}

// Close deletes the assistant if this backend created it.
func (b *AgentBackend) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.created || b.assistantID == "" {
		return nil
	}
	if _, err := b.client.DeleteAssistant(ctx, b.assistantID); err != nil {
		return wrapError("delete assistant", err)
	}
	slog.Info("agent_assistant_deleted", "assistant_id", b.assistantID)
	b.assistantID = ""
	b.created = false
	return nil
}

func (b *AgentBackend) ensureAssistant(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.assistantID != "" {
		return b.assistantID, nil
	}

	name := b.cfg.Name
	instructions := b.cfg.Instructions
	tools := make([]openai.AssistantTool, 0, 2)
	for _, def := range functionDefinitions([]string{domain.ToolSearchDocuments, domain.ToolWebSearch}) {
		tools = append(tools, openai.AssistantTool{Type: openai.AssistantToolTypeFunction, Function: def})
	}
	assistant, err := b.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        b.cfg.Model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        tools,
	})
	if err != nil {
		return "", wrapError("create assistant", err)
	}

	b.assistantID = assistant.ID
	b.created = true
	slog.Info("agent_assistant_created", "assistant_id", assistant.ID, "model", b.cfg.Model)
	return b.assistantID, nil
}

func (b *AgentBackend) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if b.executor == nil {
		return fn(ctx)
	}
	return b.executor.Execute(ctx, operation, fn, ClassifyError)
}

func runTools(names []string) []openai.Tool {
	defs := functionDefinitions(names)
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{Type: openai.ToolTypeFunction, Function: def})
	}
	return tools
}

func functionDefinitions(names []string) []*openai.FunctionDefinition {
	out := make([]*openai.FunctionDefinition, 0, len(names))
	for _, name := range names {
		switch name {
		case domain.ToolSearchDocuments:
			out = append(out, &openai.FunctionDefinition{
				Name:        domain.ToolSearchDocuments,
				Description: "Search the document index. Returns ranked passages with ref numbers.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Search text."},
						"top":   map[string]any{"type": "integer", "description": "Number of passages to return."},
						"mode": map[string]any{
							"type": "string",
							"enum": []string{"keyword", "vector", "hybrid"},
						},
					},
					"required": []string{"query"},
				},
			})
		case domain.ToolWebSearch:
			out = append(out, &openai.FunctionDefinition{
				Name:        domain.ToolWebSearch,
				Description: "Search the public web. Returns pages with ref numbers.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "description": "Search text."},
						"count": map[string]any{"type": "integer", "description": "Number of pages to return."},
					},
					"required": []string{"query"},
				},
			})
		}
	}
	return out
}

func toRemoteRun(run openai.Run) domain.RemoteRun {
	out := domain.RemoteRun{
		RunID:    run.ID,
		ThreadID: run.ThreadID,
		Status:   mapRunStatus(run.Status),
	}
	if run.LastError != nil {
		out.LastError = strings.TrimSpace(string(run.LastError.Code) + ": " + run.LastError.Message)
	}
	if out.Status == domain.RunStatusFailed && out.LastError == "" {
		out.LastError = string(run.Status)
	}

	if run.Status == openai.RunStatusRequiresAction && run.RequiredAction != nil && run.RequiredAction.SubmitToolOutputs != nil {
		calls := run.RequiredAction.SubmitToolOutputs.ToolCalls
		out.PendingToolCalls = make([]domain.ToolCallRequest, 0, len(calls))
		for _, call := range calls {
			out.PendingToolCalls = append(out.PendingToolCalls, domain.ToolCallRequest{
				CallID:    call.ID,
				ToolName:  call.Function.Name,
				Arguments: decodeArguments(call.Function.Arguments),
			})
		}
	}
	return out
}

func mapRunStatus(status openai.RunStatus) domain.RunStatus {
	switch status {
	case openai.RunStatusQueued:
		return domain.RunStatusQueued
	case openai.RunStatusInProgress, openai.RunStatusCancelling:
		return domain.RunStatusInProgress
	case openai.RunStatusRequiresAction:
		return domain.RunStatusRequiresAction
	case openai.RunStatusCompleted:
		return domain.RunStatusCompleted
	case openai.RunStatusCancelled:
		return domain.RunStatusCancelled
	default:
		return domain.RunStatusFailed
	}
}

func decodeArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"query": raw}
	}
	return out
}

type rawAnnotation struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	URLCitation *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
	FileCitation *struct {
		FileID string `json:"file_id"`
	} `json:"file_citation"`
}

func toAgentMessage(msg openai.Message) domain.AgentMessage {
	var text strings.Builder
	var annotations []domain.Annotation
	for _, content := range msg.Content {
		if content.Text == nil {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(content.Text.Value)
		for _, raw := range content.Text.Annotations {
			if ann, ok := decodeAnnotation(raw); ok {
				annotations = append(annotations, ann)
			}
		}
	}
	return domain.AgentMessage{Text: text.String(), Annotations: annotations}
}

// decodeAnnotation accepts the loosely typed annotation values go-openai
// leaves undecoded. File citations carry no url and resolve to nothing.
func decodeAnnotation(raw any) (domain.Annotation, bool) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return domain.Annotation{}, false
	}
	var ann rawAnnotation
	if err := json.Unmarshal(payload, &ann); err != nil || strings.TrimSpace(ann.Text) == "" {
		return domain.Annotation{}, false
	}

	out := domain.Annotation{Marker: ann.Text}
	switch {
	case ann.URLCitation != nil:
		out.Title = ann.URLCitation.Title
		out.URL = ann.URLCitation.URL
	case ann.FileCitation != nil:
		out.Title = ann.FileCitation.FileID
	}
	return out, true
}
