package openai

import (
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	APITypeAzure  = "azure"
	APITypeOpenAI = "openai"

	// Assistants on Azure need a preview api-version.
	DefaultAzureAPIVersion = "2024-05-01-preview"
)

type ClientConfig struct {
	APIType    string
	Endpoint   string
	APIKey     string
	APIVersion string
	// Deployment maps every model name to one Azure deployment when set.
	Deployment string
	Timeout    time.Duration
}

func NewClient(cfg ClientConfig) *openai.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var clientCfg openai.ClientConfig
	switch strings.ToLower(strings.TrimSpace(cfg.APIType)) {
	case APITypeOpenAI:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			clientCfg.BaseURL = strings.TrimRight(endpoint, "/")
		}
	default:
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, strings.TrimRight(cfg.Endpoint, "/"))
		clientCfg.APIVersion = DefaultAzureAPIVersion
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		if deployment := strings.TrimSpace(cfg.Deployment); deployment != "" {
			clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
		}
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return openai.NewClientWithConfig(clientCfg)
}
