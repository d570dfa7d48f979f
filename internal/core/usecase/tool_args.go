package usecase

import (
	"fmt"
	"strconv"
	"strings"
)

func stringInput(input map[string]any, key, fallback string) string {
	if input == nil {
		return fallback
	}
	value, ok := input[key]
	if !ok || value == nil {
		return fallback
	}
	switch typed := value.(type) {
	case string:
		if strings.TrimSpace(typed) == "" {
			return fallback
		}
		return typed
	default:
		return fmt.Sprint(typed)
	}
}

func intInput(input map[string]any, fallback int, keys ...string) int {
	if input == nil {
		return fallback
	}
	for _, key := range keys {
		value, ok := input[key]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case float64:
			return int(typed)
		case int:
			return typed
		case int64:
			return int(typed)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(typed))
			if err != nil {
				return fallback
			}
			return n
		default:
			return fallback
		}
	}
	return fallback
}
