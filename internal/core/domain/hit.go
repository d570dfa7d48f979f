package domain

type HitSource string

const (
	SourceKeyword HitSource = "keyword"
	SourceVector  HitSource = "vector"
)

// ScoredHit is one raw backend hit. Two hits are the same document iff DocumentID matches.
type ScoredHit struct {
	DocumentID string         `json:"document_id"`
	Score      float64        `json:"score"`
	Fields     map[string]any `json:"fields,omitempty"`
	Source     HitSource      `json:"source"`
}

// FusedHit is produced by fusion only.
type FusedHit struct {
	ScoredHit
	FusedScore float64 `json:"fused_score"`
}

func (h ScoredHit) StringField(name string) string {
	if h.Fields == nil {
		return ""
	}
	v, ok := h.Fields[name]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return ""
}

// WebHit is a web-grounding result.
type WebHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
