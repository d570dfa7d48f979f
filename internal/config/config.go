package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ServerName string
	LogLevel   string

	SearchEndpoint     string
	SearchIndex        string
	SearchAPIKey       string
	SearchAPIVersion   string
	SearchKeyField     string
	SearchTitleField   string
	SearchContentField string
	SearchVectorField  string
	SearchURLField     string
	SearchVectorK      int
	SearchTimeoutSec   int

	SearchTopKDefault int
	SearchTopKMax     int

	FusionStrategy      string
	FusionKeywordWeight float64
	FusionVectorWeight  float64
	FusionRRFK          int

	EmbeddingAPIType    string
	EmbeddingEndpoint   string
	EmbeddingAPIKey     string
	EmbeddingAPIVersion string
	EmbeddingModel      string
	EmbeddingDimensions int

	AgentModeEnabled        bool
	AgentAPIType            string
	AgentEndpoint           string
	AgentAPIKey             string
	AgentAPIVersion         string
	ModelDeploymentName     string
	AgentAssistantID        string
	AgentInstructions       string
	AgentCancelOnAbandon    bool
	AgentPollInitialMS      int
	AgentPollMaxMS          int
	AgentPollMultiplier     float64
	AgentRunTimeoutSeconds  int
	AgentToolTimeoutSeconds int
	CitationPattern         string

	BingAPIKey   string
	BingEndpoint string
	BingMarket   string

	RetryMaxAttempts      int
	RetryInitialBackoffMS int
	RetryMaxBackoffMS     int
	RetryMultiplier       float64
	RetryJitter           float64

	BreakerEnabled            bool
	BreakerMinRequests        int
	BreakerFailureRatio       float64
	BreakerOpenTimeoutSeconds int
	BreakerHalfOpenMaxCalls   int

	ToolRateLimitRPS   float64
	ToolRateLimitBurst int

	MetricsPort string

	EventsNATSURL     string
	EventsNATSSubject string
}

func Load() Config {
	return Config{
		ServerName: mustEnv("MCP_SERVER_NAME", "search-bridge-mcp"),
		LogLevel:   mustEnv("LOG_LEVEL", "info"),

		SearchEndpoint:     mustEnv("AZURE_SEARCH_SERVICE_ENDPOINT", ""),
		SearchIndex:        mustEnv("AZURE_SEARCH_INDEX_NAME", ""),
		SearchAPIKey:       mustEnv("AZURE_SEARCH_API_KEY", ""),
		SearchAPIVersion:   mustEnv("AZURE_SEARCH_API_VERSION", "2024-07-01"),
		SearchKeyField:     mustEnv("AZURE_SEARCH_KEY_FIELD", "chunk_id"),
		SearchTitleField:   mustEnv("AZURE_SEARCH_TITLE_FIELD", "title"),
		SearchContentField: mustEnv("AZURE_SEARCH_CONTENT_FIELD", "chunk"),
		SearchVectorField:  mustEnv("AZURE_SEARCH_VECTOR_FIELD", "text_vector"),
		SearchURLField:     mustEnv("AZURE_SEARCH_URL_FIELD", ""),
		SearchVectorK:      mustEnvInt("SEARCH_VECTOR_K", 50),
		SearchTimeoutSec:   mustEnvInt("AZURE_SEARCH_TIMEOUT_SECONDS", 30),

		SearchTopKDefault: mustEnvInt("SEARCH_TOP_K_DEFAULT", 5),
		SearchTopKMax:     mustEnvInt("SEARCH_TOP_K_MAX", 50),

		FusionStrategy:      mustEnv("FUSION_STRATEGY", "weighted"),
		FusionKeywordWeight: mustEnvFloat("FUSION_KEYWORD_WEIGHT", 0.5),
		FusionVectorWeight:  mustEnvFloat("FUSION_VECTOR_WEIGHT", 0.5),
		FusionRRFK:          mustEnvInt("FUSION_RRF_K", 60),

		EmbeddingAPIType:    mustEnv("EMBEDDING_API_TYPE", "azure"),
		EmbeddingEndpoint:   mustEnv("EMBEDDING_ENDPOINT", ""),
		EmbeddingAPIKey:     mustEnv("EMBEDDING_API_KEY", ""),
		EmbeddingAPIVersion: mustEnv("EMBEDDING_API_VERSION", "2024-02-01"),
		EmbeddingModel:      mustEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: mustEnvInt("EMBEDDING_DIMENSIONS", 0),

		AgentModeEnabled:        mustEnvBool("AGENT_MODE_ENABLED", true),
		AgentAPIType:            mustEnv("AGENT_API_TYPE", "azure"),
		AgentEndpoint:           mustEnv("AGENT_ENDPOINT", ""),
		AgentAPIKey:             mustEnv("AGENT_API_KEY", ""),
		AgentAPIVersion:         mustEnv("AGENT_API_VERSION", "2024-05-01-preview"),
		ModelDeploymentName:     mustEnv("MODEL_DEPLOYMENT_NAME", ""),
		AgentAssistantID:        mustEnv("AGENT_ASSISTANT_ID", ""),
		AgentInstructions:       mustEnv("AGENT_INSTRUCTIONS", ""),
		AgentCancelOnAbandon:    mustEnvBool("AGENT_CANCEL_ON_ABANDON", true),
		AgentPollInitialMS:      mustEnvInt("AGENT_POLL_INITIAL_MS", 500),
		AgentPollMaxMS:          mustEnvInt("AGENT_POLL_MAX_MS", 5000),
		AgentPollMultiplier:     mustEnvFloat("AGENT_POLL_MULTIPLIER", 2),
		AgentRunTimeoutSeconds:  mustEnvInt("AGENT_RUN_TIMEOUT_SECONDS", 90),
		AgentToolTimeoutSeconds: mustEnvInt("AGENT_TOOL_TIMEOUT_SECONDS", 30),
		CitationPattern:         mustEnv("CITATION_PATTERN", ""),

		BingAPIKey:   mustEnv("BING_API_KEY", ""),
		BingEndpoint: mustEnv("BING_ENDPOINT", "https://api.bing.microsoft.com/v7.0/search"),
		BingMarket:   mustEnv("BING_MARKET", ""),

		RetryMaxAttempts:      mustEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoffMS: mustEnvInt("RETRY_INITIAL_BACKOFF_MS", 200),
		RetryMaxBackoffMS:     mustEnvInt("RETRY_MAX_BACKOFF_MS", 2000),
		RetryMultiplier:       mustEnvFloat("RETRY_MULTIPLIER", 2),
		RetryJitter:           mustEnvFloat("RETRY_JITTER", 0.2),

		BreakerEnabled:            mustEnvBool("BREAKER_ENABLED", true),
		BreakerMinRequests:        mustEnvInt("BREAKER_MIN_REQUESTS", 10),
		BreakerFailureRatio:       mustEnvFloat("BREAKER_FAILURE_RATIO", 0.5),
		BreakerOpenTimeoutSeconds: mustEnvInt("BREAKER_OPEN_TIMEOUT_SECONDS", 30),
		BreakerHalfOpenMaxCalls:   mustEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 2),

		ToolRateLimitRPS:   mustEnvFloat("TOOL_RATE_LIMIT_RPS", 0),
		ToolRateLimitBurst: mustEnvInt("TOOL_RATE_LIMIT_BURST", 10),

		MetricsPort: mustEnv("METRICS_PORT", ""),

		EventsNATSURL:     mustEnv("EVENTS_NATS_URL", ""),
		EventsNATSSubject: mustEnv("EVENTS_NATS_SUBJECT", "search.query.completed"),
	}
}

// EmbeddingEnabled reports whether queries are embedded locally. Without it
// the index vectorizes query text itself.
func (c Config) EmbeddingEnabled() bool {
	return strings.TrimSpace(c.EmbeddingEndpoint) != ""
}

func (c Config) WebSearchEnabled() bool {
	return strings.TrimSpace(c.BingAPIKey) != ""
}

// Validate reports every missing required variable at once.
func (c Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	require("AZURE_SEARCH_SERVICE_ENDPOINT", c.SearchEndpoint)
	require("AZURE_SEARCH_INDEX_NAME", c.SearchIndex)
	require("AZURE_SEARCH_API_KEY", c.SearchAPIKey)
	if c.EmbeddingEnabled() {
		require("EMBEDDING_API_KEY", c.EmbeddingAPIKey)
	}
	if c.AgentModeEnabled {
		require("AGENT_ENDPOINT", c.AgentEndpoint)
		require("AGENT_API_KEY", c.AgentAPIKey)
		require("MODEL_DEPLOYMENT_NAME", c.ModelDeploymentName)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing environment variables: %s", strings.Join(missing, ", "))
	}
	if c.SearchTopKDefault > c.SearchTopKMax && c.SearchTopKMax > 0 {
		return fmt.Errorf("SEARCH_TOP_K_DEFAULT (%d) exceeds SEARCH_TOP_K_MAX (%d)", c.SearchTopKDefault, c.SearchTopKMax)
	}
	return nil
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
