package usecase

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

func normalizeLimits(limits domain.QueryLimits) domain.QueryLimits {
	if limits.DefaultTopK <= 0 {
		limits.DefaultTopK = defaultTopK
	}
	if limits.MaxTopK <= 0 {
		limits.MaxTopK = maxTopK
	}
	if limits.DefaultTopK > limits.MaxTopK {
		limits.DefaultTopK = limits.MaxTopK
	}
	return limits
}

// NormalizeQuery validates raw tool input and builds a SearchQuery.
func NormalizeQuery(raw domain.RawQuery, limits domain.QueryLimits) (domain.SearchQuery, error) {
	limits = normalizeLimits(limits)

	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return domain.SearchQuery{}, domain.NewInvalidQuery("query", "must not be empty")
	}
	mode, ok := domain.ParseMode(raw.Mode)
	if !ok {
		return domain.SearchQuery{}, domain.NewInvalidQuery("mode", "must be one of keyword, vector, hybrid")
	}
	topK, err := normalizeTopK(raw.TopK, limits)
	if err != nil {
		return domain.SearchQuery{}, err
	}

	filters, err := normalizeFilter(raw.Filters)
	if err != nil {
		return domain.SearchQuery{}, err
	}

	return domain.SearchQuery{
		Text:    text,
		Mode:    mode,
		TopK:    topK,
		Filters: filters,
	}, nil
}

// NormalizeAgentQuery validates agent-mode input. Unknown tool names are rejected.
func NormalizeAgentQuery(query domain.AgentQuery, limits domain.QueryLimits) (domain.AgentQuery, error) {
	limits = normalizeLimits(limits)

	text := strings.TrimSpace(query.Text)
	if text == "" {
		return domain.AgentQuery{}, domain.NewInvalidQuery("query", "must not be empty")
	}
	topK, err := normalizeTopK(query.TopK, limits)
	if err != nil {
		return domain.AgentQuery{}, err
	}

	tools := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, tool := range query.Tools {
		name := strings.ToLower(strings.TrimSpace(tool))
		if name == "" {
			continue
		}
		switch name {
		case domain.ToolSearchDocuments, domain.ToolWebSearch:
		default:
			return domain.AgentQuery{}, domain.NewInvalidQuery("tools", "contains unsupported tool "+name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		tools = append(tools, name)
	}
	if len(tools) == 0 {
		tools = []string{domain.ToolSearchDocuments, domain.ToolWebSearch}
	}

	return domain.AgentQuery{
		Text:     text,
		ThreadID: strings.TrimSpace(query.ThreadID),
		TopK:     topK,
		Tools:    tools,
	}, nil
}

func normalizeTopK(topK int, limits domain.QueryLimits) (int, error) {
	switch {
	case topK < 0:
		return 0, domain.NewInvalidQuery("top", "must be a positive integer")
	case topK == 0:
		return limits.DefaultTopK, nil
	case topK > limits.MaxTopK:
		return limits.MaxTopK, nil
	default:
		return topK, nil
	}
}

// filterFieldPattern matches OData field paths such as category or address/city.
var filterFieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_/]*$`)

func normalizeFilter(filter domain.SearchFilter) (domain.SearchFilter, error) {
	out := domain.SearchFilter{Expression: strings.TrimSpace(filter.Expression)}
	if len(filter.Equals) > 0 {
		out.Equals = make(map[string]string, len(filter.Equals))
		for k, v := range filter.Equals {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			if !filterFieldPattern.MatchString(key) {
				return domain.SearchFilter{}, domain.NewInvalidQuery("filters", "field name "+strconv.Quote(key)+" is not a valid field path")
			}
			out.Equals[key] = v
		}
		if len(out.Equals) == 0 {
			out.Equals = nil
		}
	}
	return out, nil
}
