package bing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/infrastructure/resilience"
)

const DefaultEndpoint = "https://api.bing.microsoft.com/v7.0/search"

type Config struct {
	Endpoint string
	APIKey   string
	Market   string
	Timeout  time.Duration
	Executor *resilience.Executor
}

// Client queries the Bing Web Search v7 API.
type Client struct {
	endpoint   string
	apiKey     string
	market     string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(cfg Config) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		market:     cfg.Market,
		httpClient: &http.Client{Timeout: timeout},
		executor:   cfg.Executor,
	}
}

func (c *Client) WebSearch(ctx context.Context, query string, topK int) ([]domain.WebHit, error) {
	var hits []domain.WebHit
	call := func(callCtx context.Context) error {
		h, err := c.search(callCtx, query, topK)
		hits = h
		return err
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "bing.search", call, classifyBingError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, domain.NewRetrievalFailure("web search", err)
	}
	return hits, nil
}

func (c *Client) search(ctx context.Context, query string, topK int) ([]domain.WebHit, error) {
	params := url.Values{}
	params.Set("q", query)
	if topK > 0 {
		params.Set("count", strconv.Itoa(topK))
	}
	params.Set("textDecorations", "false")
	if c.market != "" {
		params.Set("mkt", c.market)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create bing request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bing search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(body))}
	}

	var searchResp struct {
		WebPages struct {
			Value []struct {
				Name    string `json:"name"`
				URL     string `json:"url"`
				Snippet string `json:"snippet"`
			} `json:"value"`
		} `json:"webPages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode bing response: %w", err)
	}

	out := make([]domain.WebHit, 0, len(searchResp.WebPages.Value))
	for _, page := range searchResp.WebPages.Value {
		out = append(out, domain.WebHit{Title: page.Name, URL: page.URL, Snippet: page.Snippet})
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("bing search status: %s", e.Status)
	}
	return fmt.Sprintf("bing search status: %s: %s", e.Status, e.Body)
}

func classifyBingError(err error) resilience.ErrorClassification {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		retryable := statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
		return resilience.ErrorClassification{
			Retryable:     retryable,
			RecordFailure: retryable,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	return resilience.ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
