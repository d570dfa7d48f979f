package usecase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

const maxContentRunes = 1000

// FieldNames tells the formatter which hit fields carry the title and the body.
// URL is optional; hits with a url become citable sources in agent mode.
type FieldNames struct {
	Title   string
	Content string
	URL     string
}

type ResultFormatter struct {
	fields FieldNames
}

func NewResultFormatter(fields FieldNames) *ResultFormatter {
	if fields.Title == "" {
		fields.Title = "title"
	}
	if fields.Content == "" {
		fields.Content = "chunk"
	}
	return &ResultFormatter{fields: fields}
}

func (f *ResultFormatter) Format(result *domain.SearchResult) string {
	if result == nil {
		return ""
	}
	if result.IsAgentAnswer() {
		return f.FormatAnswer(result.Answer, result.Citations)
	}
	return f.FormatHits(result.Mode, result.Hits)
}

// FormatHits renders a ranked Markdown list.
func (f *ResultFormatter) FormatHits(mode domain.Mode, hits []domain.FusedHit) string {
	label := mode.Title() + " Search"
	if len(hits) == 0 {
		return fmt.Sprintf("No results found for your query using %s.", label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s Results\n\n", label)
	for i, hit := range hits {
		title := hit.StringField(f.fields.Title)
		if title == "" {
			title = "Unknown"
		}
		fmt.Fprintf(&b, "### %d. %s\n", i+1, title)
		if mode == domain.ModeHybrid {
			fmt.Fprintf(&b, "Score: %.4f\n\n", hit.FusedScore)
		} else {
			fmt.Fprintf(&b, "Score: %.4f\n\n", hit.Score)
		}
		if content := truncateRunes(hit.StringField(f.fields.Content), maxContentRunes); content != "" {
			b.WriteString(content)
			b.WriteString("\n\n")
		}
		b.WriteString("---\n\n")
	}
	return b.String()
}

// FormatAnswer renders the rewritten answer followed by a numbered source list.
func (f *ResultFormatter) FormatAnswer(answer string, citations []domain.Citation) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(answer))
	if len(citations) == 0 {
		return b.String()
	}
	b.WriteString("\n\n### Sources\n\n")
	for _, c := range citations {
		fmt.Fprintf(&b, "%d. [%s](%s)\n", c.Order, c.Title, c.URL)
	}
	return b.String()
}

// FormatError maps the error taxonomy to plain text without backend identifiers.
func (f *ResultFormatter) FormatError(err error) string {
	var invalid *domain.InvalidQueryError
	var retrieval *domain.RetrievalFailure
	var agent *domain.AgentRunFailure

	switch {
	case err == nil:
		return ""
	case errors.As(err, &invalid):
		return "Invalid query: " + strings.TrimPrefix(invalid.Error(), "invalid query: ")
	case errors.As(err, &agent):
		switch agent.Reason {
		case domain.AgentFailureTimeout:
			return "Agent run failed: the agent did not finish before the deadline."
		case domain.AgentFailureCancelled:
			return "Agent run failed: the request was cancelled."
		default:
			return fmt.Sprintf("Agent run failed: the agent run ended with status %s.", agent.Status)
		}
	case errors.As(err, &retrieval):
		return "Search failed: the search backend could not be reached or rejected the request. Please try again later."
	case domain.IsKind(err, domain.ErrTemporary):
		return "Search failed: the service is temporarily unavailable. Please try again later."
	default:
		return "Request failed: an unexpected error occurred."
	}
}

func truncateRunes(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
