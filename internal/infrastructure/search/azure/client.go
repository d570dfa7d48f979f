package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

const (
	DefaultAPIVersion = "2024-07-01"
	scoreField        = "@search.score"
)

type Config struct {
	Endpoint     string
	Index        string
	APIKey       string
	APIVersion   string
	KeyField     string
	TitleField   string
	ContentField string
	VectorField  string
	// VectorK is the neighbour count for vector queries. Zero means top.
	VectorK int
	Timeout time.Duration
}

// Client talks to the Azure AI Search documents API.
type Client struct {
	cfg        Config
	searchURL  string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "chunk_id"
	}
	if cfg.TitleField == "" {
		cfg.TitleField = "title"
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "chunk"
	}
	if cfg.VectorField == "" {
		cfg.VectorField = "text_vector"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	searchURL := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s",
		strings.TrimRight(cfg.Endpoint, "/"),
		url.PathEscape(cfg.Index),
		url.QueryEscape(cfg.APIVersion),
	)
	return &Client{
		cfg:        cfg,
		searchURL:  searchURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type vectorQuery struct {
	Kind   string    `json:"kind"`
	Vector []float32 `json:"vector,omitempty"`
	Text   string    `json:"text,omitempty"`
	K      int       `json:"k"`
	Fields string    `json:"fields"`
}

type searchRequest struct {
	Search        *string       `json:"search,omitempty"`
	Top           int           `json:"top"`
	Select        string        `json:"select,omitempty"`
	Filter        string        `json:"filter,omitempty"`
	VectorQueries []vectorQuery `json:"vectorQueries,omitempty"`
}

func (c *Client) SearchKeyword(ctx context.Context, text string, topK int, filter domain.SearchFilter) ([]domain.ScoredHit, error) {
	return c.search(ctx, "keyword", searchRequest{
		Search: &text,
		Top:    topK,
		Select: c.selectFields(),
		Filter: BuildFilter(filter),
	})
}

// SearchVector runs a pure vector query. An empty vector asks the index to
// vectorize text with its configured vectorizer.
func (c *Client) SearchVector(ctx context.Context, text string, vector []float32, topK int, filter domain.SearchFilter) ([]domain.ScoredHit, error) {
	k := c.cfg.VectorK
	if k <= 0 || k < topK {
		k = topK
	}
	vq := vectorQuery{Kind: "vector", Vector: vector, K: k, Fields: c.cfg.VectorField}
	if len(vector) == 0 {
		vq = vectorQuery{Kind: "text", Text: text, K: k, Fields: c.cfg.VectorField}
	}
	return c.search(ctx, "vector", searchRequest{
		Top:           topK,
		Select:        c.selectFields(),
		Filter:        BuildFilter(filter),
		VectorQueries: []vectorQuery{vq},
	})
}

func (c *Client) search(ctx context.Context, operation string, payload searchRequest) ([]domain.ScoredHit, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s search body: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.searchURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s search request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure search %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, newHTTPStatusError(operation, resp)
	}

	var searchResp struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode %s search response: %w", operation, err)
	}

	out := make([]domain.ScoredHit, 0, len(searchResp.Value))
	for _, doc := range searchResp.Value {
		id := stringValue(doc, c.cfg.KeyField)
		if id == "" {
			continue
		}
		score, _ := doc[scoreField].(float64)
		fields := make(map[string]any, len(doc))
		for k, v := range doc {
			if strings.HasPrefix(k, "@") {
				continue
			}
			fields[k] = v
		}
		out = append(out, domain.ScoredHit{
			DocumentID: id,
			Score:      score,
			Fields:     fields,
		})
	}
	return out, nil
}

func (c *Client) selectFields() string {
	fields := []string{c.cfg.KeyField, c.cfg.TitleField, c.cfg.ContentField}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return strings.Join(out, ",")
}

// BuildFilter renders an OData filter. The raw expression is kept as-is and
// equality pairs become `field eq 'value'` clauses joined with and.
func BuildFilter(filter domain.SearchFilter) string {
	clauses := make([]string, 0, len(filter.Equals)+1)
	if expr := strings.TrimSpace(filter.Expression); expr != "" {
		clauses = append(clauses, expr)
	}

	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := strings.ReplaceAll(filter.Equals[k], "'", "''")
		clauses = append(clauses, fmt.Sprintf("%s eq '%s'", k, value))
	}

	switch len(clauses) {
	case 0:
		return ""
	case 1:
		return clauses[0]
	default:
		for i, clause := range clauses {
			clauses[i] = "(" + clause + ")"
		}
		return strings.Join(clauses, " and ")
	}
}

func newHTTPStatusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}

func stringValue(doc map[string]any, key string) string {
	v, ok := doc[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
