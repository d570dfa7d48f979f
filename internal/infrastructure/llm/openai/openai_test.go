package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

func newTestClientConfig(url string) ClientConfig {
	return ClientConfig{APIType: APITypeOpenAI, Endpoint: url, APIKey: "test-key"}
}

func TestEmbedQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "text-embedding-3-small" || body["dimensions"] != float64(256) {
			t.Errorf("unexpected request %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.25,0.5]}],"model":"text-embedding-3-small","usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(NewClient(newTestClientConfig(server.URL)), "text-embedding-3-small", 256)
	vec, err := embedder.EmbedQuery(context.Background(), "refunds")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.25 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestEmbedQueryRateLimitIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(NewClient(newTestClientConfig(server.URL)), "m", 0)
	_, err := embedder.EmbedQuery(context.Background(), "refunds")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if class := ClassifyError(err); !class.Retryable {
		t.Fatalf("expected 429 to be retryable")
	}
}

func TestAgentBackendRunLifecycle(t *testing.T) {
	var assistantsCreated, assistantsDeleted, submitted int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/assistants":
			atomic.AddInt32(&assistantsCreated, 1)
			_, _ = w.Write([]byte(`{"id":"asst_1","object":"assistant","model":"gpt-4o"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/assistants/asst_1":
			atomic.AddInt32(&assistantsDeleted, 1)
			_, _ = w.Write([]byte(`{"id":"asst_1","object":"assistant.deleted","deleted":true}`))
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_1/runs":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["assistant_id"] != "asst_1" {
				t.Errorf("unexpected assistant id %v", body["assistant_id"])
			}
			if tools, _ := body["tools"].([]any); len(tools) != 1 {
				t.Errorf("expected one tool override, got %v", body["tools"])
			}
			_, _ = w.Write([]byte(`{"id":"run_1","object":"thread.run","thread_id":"thread_1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/threads/thread_1/runs/run_1":
			_, _ = w.Write([]byte(`{"id":"run_1","object":"thread.run","thread_id":"thread_1","status":"requires_action",
				"required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[
					{"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"go 1.25\"}"}}
				]}}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/threads/thread_1/runs/run_1/submit_tool_outputs":
			atomic.AddInt32(&submitted, 1)
			var body struct {
				ToolOutputs []struct {
					ToolCallID string `json:"tool_call_id"`
					Output     string `json:"output"`
				} `json:"tool_outputs"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.ToolOutputs) != 1 || body.ToolOutputs[0].ToolCallID != "call_1" {
				t.Errorf("unexpected tool outputs %+v", body.ToolOutputs)
			}
			_, _ = w.Write([]byte(`{"id":"run_1","object":"thread.run","thread_id":"thread_1","status":"queued"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	backend := NewAgentBackend(NewClient(newTestClientConfig(server.URL)), AgentConfig{Model: "gpt-4o"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		run, err := backend.CreateRun(ctx, "thread_1", []string{domain.ToolWebSearch})
		if err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
		if run.RunID != "run_1" || run.Status != domain.RunStatusQueued {
			t.Fatalf("unexpected run %+v", run)
		}
	}
	if got := atomic.LoadInt32(&assistantsCreated); got != 1 {
		t.Fatalf("expected assistant created once, got %d", got)
	}

	remote, err := backend.GetRun(ctx, "thread_1", "run_1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if remote.Status != domain.RunStatusRequiresAction || len(remote.PendingToolCalls) != 1 {
		t.Fatalf("unexpected remote run %+v", remote)
	}
	call := remote.PendingToolCalls[0]
	if call.CallID != "call_1" || call.ToolName != domain.ToolWebSearch || call.Arguments["query"] != "go 1.25" {
		t.Fatalf("unexpected tool call %+v", call)
	}

	if err := backend.SubmitToolResults(ctx, "thread_1", "run_1", []domain.ToolCallResult{{CallID: "call_1", Output: `{"results":[]}`}}); err != nil {
		t.Fatalf("SubmitToolResults() error = %v", err)
	}
	if atomic.LoadInt32(&submitted) != 1 {
		t.Fatalf("expected one submission")
	}

	if err := backend.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := atomic.LoadInt32(&assistantsDeleted); got != 1 {
		t.Fatalf("expected assistant deleted once, got %d", got)
	}
}

func TestAgentBackendKeepsConfiguredAssistant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/assistants" || r.Method == http.MethodDelete {
			t.Errorf("configured assistant must not be created or deleted: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"run_9","object":"thread.run","thread_id":"t","status":"in_progress"}`))
	}))
	defer server.Close()

	backend := NewAgentBackend(NewClient(newTestClientConfig(server.URL)), AgentConfig{AssistantID: "asst_fixed"})
	if _, err := backend.CreateRun(context.Background(), "t", nil); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if err := backend.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestAgentBackendGetMessageDecodesAnnotations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/thread_1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("run_id") != "run_1" || r.URL.Query().Get("order") != "desc" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","has_more":false,"data":[
			{"id":"msg_2","object":"thread.message","role":"assistant","content":[{"type":"text","text":{
				"value":"Go 1.25 is out【4:0†source】.",
				"annotations":[{"type":"url_citation","text":"【4:0†source】","start_index":14,"end_index":26,
					"url_citation":{"url":"https://go.dev/doc/go1.25","title":"Go 1.25 Release Notes"}}]
			}}]},
			{"id":"msg_1","object":"thread.message","role":"user","content":[{"type":"text","text":{"value":"q","annotations":[]}}]}
		]}`))
	}))
	defer server.Close()

	backend := NewAgentBackend(NewClient(newTestClientConfig(server.URL)), AgentConfig{AssistantID: "asst_1"})
	msg, err := backend.GetMessage(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Text != "Go 1.25 is out【4:0†source】." {
		t.Fatalf("unexpected text %q", msg.Text)
	}
	if len(msg.Annotations) != 1 || msg.Annotations[0].URL != "https://go.dev/doc/go1.25" || msg.Annotations[0].Marker != "【4:0†source】" {
		t.Fatalf("unexpected annotations %+v", msg.Annotations)
	}
}

func TestMapRunStatus(t *testing.T) {
	cases := map[string]domain.RunStatus{
		"queued":          domain.RunStatusQueued,
		"in_progress":     domain.RunStatusInProgress,
		"cancelling":      domain.RunStatusInProgress,
		"requires_action": domain.RunStatusRequiresAction,
		"completed":       domain.RunStatusCompleted,
		"cancelled":       domain.RunStatusCancelled,
		"failed":          domain.RunStatusFailed,
		"expired":         domain.RunStatusFailed,
		"incomplete":      domain.RunStatusFailed,
	}
	for raw, want := range cases {
		run := toRemoteRun(runWithStatus(raw))
		if run.Status != want {
			t.Fatalf("status %s mapped to %s, want %s", raw, run.Status, want)
		}
		if want == domain.RunStatusFailed && run.LastError == "" {
			t.Fatalf("expected detail for %s", raw)
		}
	}
}

func runWithStatus(status string) openai.Run {
	return openai.Run{ID: "run", Status: openai.RunStatus(status)}
}
