package mcpadapter

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
)

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key]
	if !ok || value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", domain.NewInvalidQuery(key, "must be a string")
	}
	return s, nil
}

// topArg accepts JSON numbers and numeric strings. Missing means default.
func topArg(args map[string]any) (int, error) {
	value, ok := args["top"]
	if !ok || value == nil {
		return 0, nil
	}
	switch typed := value.(type) {
	case float64:
		if typed != math.Trunc(typed) || typed < 1 {
			return 0, domain.NewInvalidQuery("top", "must be a positive integer")
		}
		if typed > math.MaxInt32 {
			return math.MaxInt32, nil
		}
		return int(typed), nil
	case int:
		if typed < 1 {
			return 0, domain.NewInvalidQuery("top", "must be a positive integer")
		}
		return typed, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(typed))
		if err != nil || n < 1 {
			return 0, domain.NewInvalidQuery("top", "must be a positive integer")
		}
		return n, nil
	default:
		return 0, domain.NewInvalidQuery("top", "must be a positive integer")
	}
}

func filterArgs(args map[string]any) (domain.SearchFilter, error) {
	expression, err := stringArg(args, "filter")
	if err != nil {
		return domain.SearchFilter{}, err
	}
	filter := domain.SearchFilter{Expression: expression}

	raw, ok := args["filters"]
	if !ok || raw == nil {
		return filter, nil
	}
	object, ok := raw.(map[string]any)
	if !ok {
		return domain.SearchFilter{}, domain.NewInvalidQuery("filters", "must be an object of field values")
	}
	if len(object) == 0 {
		return filter, nil
	}
	filter.Equals = make(map[string]string, len(object))
	for field, value := range object {
		switch typed := value.(type) {
		case string:
			filter.Equals[field] = typed
		case float64, bool:
			filter.Equals[field] = fmt.Sprint(typed)
		default:
			return domain.SearchFilter{}, domain.NewInvalidQuery("filters", "value of "+field+" must be a string, number or boolean")
		}
	}
	return filter, nil
}

func toolsArg(args map[string]any) ([]string, error) {
	raw, ok := args["tools"]
	if !ok || raw == nil {
		return nil, nil
	}
	switch typed := raw.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			name, ok := item.(string)
			if !ok {
				return nil, domain.NewInvalidQuery("tools", "must be a list of tool names")
			}
			out = append(out, name)
		}
		return out, nil
	case []string:
		return typed, nil
	case string:
		return strings.Split(typed, ","), nil
	default:
		return nil, domain.NewInvalidQuery("tools", "must be a list of tool names")
	}
}

func rawQueryFromArgs(args map[string]any, mode string) (domain.RawQuery, error) {
	text, err := stringArg(args, "query")
	if err != nil {
		return domain.RawQuery{}, err
	}
	top, err := topArg(args)
	if err != nil {
		return domain.RawQuery{}, err
	}
	filter, err := filterArgs(args)
	if err != nil {
		return domain.RawQuery{}, err
	}
	return domain.RawQuery{
		Text:    text,
		Mode:    mode,
		TopK:    top,
		Filters: filter,
	}, nil
}

func agentQueryFromArgs(args map[string]any, tools []string) (domain.AgentQuery, error) {
	text, err := stringArg(args, "query")
	if err != nil {
		return domain.AgentQuery{}, err
	}
	top, err := topArg(args)
	if err != nil {
		return domain.AgentQuery{}, err
	}
	threadID, err := stringArg(args, "thread_id")
	if err != nil {
		return domain.AgentQuery{}, err
	}
	if tools == nil {
		if tools, err = toolsArg(args); err != nil {
			return domain.AgentQuery{}, err
		}
	}
	return domain.AgentQuery{
		Text:     text,
		ThreadID: threadID,
		TopK:     top,
		Tools:    tools,
	}, nil
}
