package domain

type ResultKind string

const (
	ResultHits   ResultKind = "hits"
	ResultAnswer ResultKind = "answer"
)

// SearchResult is owned by the caller once returned.
type SearchResult struct {
	Kind      ResultKind `json:"kind"`
	Mode      Mode       `json:"mode,omitempty"`
	Hits      []FusedHit `json:"hits,omitempty"`
	Answer    string     `json:"answer,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
}

func (r SearchResult) IsAgentAnswer() bool {
	return r.Kind == ResultAnswer
}

// QueryEvent is published after each tool call completes.
type QueryEvent struct {
	RequestID  string  `json:"request_id"`
	Tool       string  `json:"tool"`
	Mode       string  `json:"mode,omitempty"`
	Status     string  `json:"status"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	DurationMs float64 `json:"duration_ms"`
	Hits       int     `json:"hits"`
	Citations  int     `json:"citations"`
}
