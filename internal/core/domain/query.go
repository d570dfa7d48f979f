package domain

import "strings"

// Mode is the closed set of direct retrieval variants.
type Mode string

const (
	ModeKeyword Mode = "keyword"
	ModeVector  Mode = "vector"
	ModeHybrid  Mode = "hybrid"
)

func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeKeyword:
		return ModeKeyword, true
	case ModeVector:
		return ModeVector, true
	case ModeHybrid:
		return ModeHybrid, true
	default:
		return "", false
	}
}

func (m Mode) Title() string {
	switch m {
	case ModeKeyword:
		return "Keyword"
	case ModeVector:
		return "Vector"
	case ModeHybrid:
		return "Hybrid"
	default:
		return string(m)
	}
}

// SearchFilter narrows a query. Expression is passed through to the backend as-is,
// Equals is compiled by the backend adapter into field equality clauses.
type SearchFilter struct {
	Expression string            `json:"expression,omitempty"`
	Equals     map[string]string `json:"equals,omitempty"`
}

func (f SearchFilter) IsEmpty() bool {
	return strings.TrimSpace(f.Expression) == "" && len(f.Equals) == 0
}

// SearchQuery is built by the normalizer only and treated as immutable afterwards.
type SearchQuery struct {
	Text    string       `json:"text"`
	Mode    Mode         `json:"mode"`
	TopK    int          `json:"top_k"`
	Filters SearchFilter `json:"filters"`
}

// RawQuery is the unvalidated input coming from the tool boundary.
type RawQuery struct {
	Text    string
	Mode    string
	TopK    int
	Filters SearchFilter
}

type QueryLimits struct {
	DefaultTopK int
	MaxTopK     int
}

// Agent tool names offered to the remote agent.
const (
	ToolSearchDocuments = "search_documents"
	ToolWebSearch       = "web_search"
)

// AgentQuery is the normalized input of the agent run controller.
type AgentQuery struct {
	Text     string   `json:"text"`
	ThreadID string   `json:"thread_id,omitempty"`
	TopK     int      `json:"top_k"`
	Tools    []string `json:"tools"`
}
