package usecase

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

// DefaultCitationPattern matches the agents service marker 【3:0†source】 and plain [1].
// The first non-empty capture group is the marker key.
const DefaultCitationPattern = `【(\d+(?::\d+)?)†[^】]*】|\[(\d+)\]`

type CitationResult struct {
	Text      string
	Citations []domain.Citation
	Warnings  []domain.CitationResolutionWarning
}

type CitationExtractor struct {
	pattern *regexp.Regexp
}

func NewCitationExtractor(pattern string) (*CitationExtractor, error) {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultCitationPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile citation pattern: %w", err)
	}
	if re.NumSubexp() == 0 {
		return nil, fmt.Errorf("citation pattern must capture the marker key")
	}
	return &CitationExtractor{pattern: re}, nil
}

// Extract resolves markers against annotations, collapses duplicate urls to the
// first marker seen and rewrites the text with sequential [n] markers.
// Markers without an annotation are removed from the text.
func (e *CitationExtractor) Extract(text string, annotations []domain.Annotation) CitationResult {
	byKey := make(map[string]domain.Annotation, len(annotations))
	for _, ann := range annotations {
		key := e.annotationKey(ann)
		if key == "" {
			continue
		}
		if _, exists := byKey[key]; !exists {
			byKey[key] = ann
		}
	}

	result := CitationResult{Citations: make([]domain.Citation, 0, len(byKey))}
	orderByURL := make(map[string]int, len(byKey))

	var b strings.Builder
	last := 0
	for _, loc := range e.pattern.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(text[last:loc[0]])
		last = loc[1]

		marker := text[loc[0]:loc[1]]
		key := firstGroup(text, loc)
		ann, ok := byKey[key]
		url := strings.TrimSpace(ann.URL)
		if !ok || url == "" {
			result.Warnings = append(result.Warnings, domain.CitationResolutionWarning{Marker: marker})
			continue
		}

		order, seen := orderByURL[url]
		if !seen {
			order = len(result.Citations) + 1
			orderByURL[url] = order
			title := strings.TrimSpace(ann.Title)
			if title == "" {
				title = url
			}
			result.Citations = append(result.Citations, domain.Citation{
				MarkerID: key,
				Title:    title,
				URL:      url,
				Order:    order,
			})
		}
		b.WriteString("[" + strconv.Itoa(order) + "]")
	}
	b.WriteString(text[last:])

	result.Text = b.String()
	return result
}

func (e *CitationExtractor) annotationKey(ann domain.Annotation) string {
	if idx := strings.TrimSpace(ann.Index); idx != "" {
		return idx
	}
	marker := strings.TrimSpace(ann.Marker)
	if marker == "" {
		return ""
	}
	loc := e.pattern.FindStringSubmatchIndex(marker)
	if loc == nil {
		return marker
	}
	return firstGroup(marker, loc)
}

func firstGroup(s string, loc []int) string {
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] >= 0 {
			return s[loc[i]:loc[i+1]]
		}
	}
	return s[loc[0]:loc[1]]
}

var defaultExtractor = func() *CitationExtractor {
	e, err := NewCitationExtractor(DefaultCitationPattern)
	if err != nil {
		panic(err)
	}
	return e
}()

// ExtractCitations uses DefaultCitationPattern.
func ExtractCitations(text string, annotations []domain.Annotation) CitationResult {
	return defaultExtractor.Extract(text, annotations)
}
