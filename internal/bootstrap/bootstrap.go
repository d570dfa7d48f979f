package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcpadapter "github.com/kirillkom/search-bridge-mcp/internal/adapters/mcp"
	"github.com/kirillkom/search-bridge-mcp/internal/config"
	"github.com/kirillkom/search-bridge-mcp/internal/core/domain"
	"github.com/kirillkom/search-bridge-mcp/internal/core/ports"
	"github.com/kirillkom/search-bridge-mcp/internal/core/usecase"
	llmopenai "github.com/kirillkom/search-bridge-mcp/internal/infrastructure/llm/openai"
	"github.com/kirillkom/search-bridge-mcp/internal/infrastructure/queue/nats"
	"github.com/kirillkom/search-bridge-mcp/internal/infrastructure/resilience"
	"github.com/kirillkom/search-bridge-mcp/internal/infrastructure/search/azure"
	"github.com/kirillkom/search-bridge-mcp/internal/infrastructure/web/bing"
	"github.com/kirillkom/search-bridge-mcp/internal/observability/metrics"
)

const closeTimeout = 10 * time.Second

type App struct {
	Config config.Config

	Service ports.SearchService
	Server  *mcpadapter.Server
	Metrics *metrics.SearchMetrics

	closeFn func(ctx context.Context)
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	searchMetrics := metrics.NewSearchMetrics(cfg.ServerName)

	executor := resilience.NewExecutor(resilienceConfig(cfg)).WithRetryObserver(searchMetrics.ObserveRetry)

	index := azure.New(azure.Config{
		Endpoint:     cfg.SearchEndpoint,
		Index:        cfg.SearchIndex,
		APIKey:       cfg.SearchAPIKey,
		APIVersion:   cfg.SearchAPIVersion,
		KeyField:     cfg.SearchKeyField,
		TitleField:   cfg.SearchTitleField,
		ContentField: cfg.SearchContentField,
		VectorField:  cfg.SearchVectorField,
		VectorK:      cfg.SearchVectorK,
		Timeout:      time.Duration(cfg.SearchTimeoutSec) * time.Second,
	})

	var embedder ports.Embedder
	if cfg.EmbeddingEnabled() {
		embedClient := llmopenai.NewClient(llmopenai.ClientConfig{
			APIType:    cfg.EmbeddingAPIType,
			Endpoint:   cfg.EmbeddingEndpoint,
			APIKey:     cfg.EmbeddingAPIKey,
			APIVersion: cfg.EmbeddingAPIVersion,
			Deployment: cfg.EmbeddingModel,
		})
		embedder = llmopenai.NewEmbedder(embedClient, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}

	limits := domain.QueryLimits{
		DefaultTopK: cfg.SearchTopKDefault,
		MaxTopK:     cfg.SearchTopKMax,
	}
	fields := usecase.FieldNames{
		Title:   cfg.SearchTitleField,
		Content: cfg.SearchContentField,
		URL:     cfg.SearchURLField,
	}

	retrieval := usecase.NewRetrievalExecutor(index, embedder)
	fusion := usecase.NewFusionEngine(usecase.FusionConfig{
		Strategy:      cfg.FusionStrategy,
		KeywordWeight: cfg.FusionKeywordWeight,
		VectorWeight:  cfg.FusionVectorWeight,
		RRFK:          cfg.FusionRRFK,
	})
	direct := usecase.NewDirectSearcher(retrieval, fusion, executor.Retrier(classifyRetrievalError))

	var (
		agent        *usecase.AgentRunController
		agentBackend *llmopenai.AgentBackend
		webEnabled   bool
	)
	if cfg.AgentModeEnabled {
		citations, err := usecase.NewCitationExtractor(cfg.CitationPattern)
		if err != nil {
			return nil, fmt.Errorf("init citation extractor: %w", err)
		}

		agentClient := llmopenai.NewClient(llmopenai.ClientConfig{
			APIType:    cfg.AgentAPIType,
			Endpoint:   cfg.AgentEndpoint,
			APIKey:     cfg.AgentAPIKey,
			APIVersion: cfg.AgentAPIVersion,
			Deployment: cfg.ModelDeploymentName,
		})
		agentBackend = llmopenai.NewAgentBackend(agentClient, llmopenai.AgentConfig{
			AssistantID:  cfg.AgentAssistantID,
			Model:        cfg.ModelDeploymentName,
			Name:         cfg.ServerName,
			Instructions: cfg.AgentInstructions,
			Executor:     executor,
		})

		var web ports.WebSearcher
		if cfg.WebSearchEnabled() {
			web = bing.New(bing.Config{
				Endpoint: cfg.BingEndpoint,
				APIKey:   cfg.BingAPIKey,
				Market:   cfg.BingMarket,
				Executor: executor,
			})
			webEnabled = true
		}

		agent = usecase.NewAgentRunController(
			agentBackend,
			direct,
			web,
			citations,
			fields,
			domain.AgentLimits{
				PollInitialBackoff: time.Duration(cfg.AgentPollInitialMS) * time.Millisecond,
				PollMaxBackoff:     time.Duration(cfg.AgentPollMaxMS) * time.Millisecond,
				PollMultiplier:     cfg.AgentPollMultiplier,
				RunTimeout:         time.Duration(cfg.AgentRunTimeoutSeconds) * time.Second,
				ToolTimeout:        time.Duration(cfg.AgentToolTimeoutSeconds) * time.Second,
				CancelOnAbandon:    cfg.AgentCancelOnAbandon,
				SearchTopK:         cfg.SearchTopKDefault,
				WebTopK:            cfg.SearchTopKDefault,
			},
			limits,
			searchMetrics,
			logger,
		)
	}

	var (
		events    ports.EventPublisher = nats.NopPublisher{}
		publisher *nats.EventPublisher
	)
	if cfg.EventsNATSURL != "" {
		p, err := nats.NewEventPublisher(cfg.EventsNATSURL, cfg.EventsNATSSubject, nats.Options{
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		publisher = p
		events = p
	}

	service := usecase.NewSearchService(limits, direct, agent, searchMetrics)
	server := mcpadapter.NewServer(service, usecase.NewResultFormatter(fields), mcpadapter.Options{
		Name:           cfg.ServerName,
		DirectEnabled:  true,
		AgentEnabled:   agent != nil,
		WebEnabled:     webEnabled,
		RateLimitRPS:   cfg.ToolRateLimitRPS,
		RateLimitBurst: cfg.ToolRateLimitBurst,
		Recorder:       searchMetrics,
		Events:         events,
		Logger:         logger,
	})

	logger.Info("app_initialized",
		"index", cfg.SearchIndex,
		"embedding_enabled", embedder != nil,
		"agent_enabled", agent != nil,
		"web_enabled", webEnabled,
		"events_enabled", publisher != nil,
	)

	return &App{
		Config:  cfg,
		Service: service,
		Server:  server,
		Metrics: searchMetrics,

		closeFn: func(ctx context.Context) {
			if agentBackend != nil {
				if err := agentBackend.Close(ctx); err != nil {
					logger.Warn("assistant_cleanup_failed", "error", err)
				}
			}
			if publisher != nil {
				publisher.Close()
			}
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	a.closeFn(ctx)
}

func resilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryInitialBackoff: time.Duration(cfg.RetryInitialBackoffMS) * time.Millisecond,
		RetryMaxBackoff:     time.Duration(cfg.RetryMaxBackoffMS) * time.Millisecond,
		RetryMultiplier:     cfg.RetryMultiplier,
		RetryJitter:         cfg.RetryJitter,

		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      uint32(max(cfg.BreakerMinRequests, 0)),
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      time.Duration(cfg.BreakerOpenTimeoutSeconds) * time.Second,
		BreakerHalfOpenMaxCalls: uint32(max(cfg.BreakerHalfOpenMaxCalls, 0)),
	}
}

// classifyRetrievalError covers both legs of a retrieval: the index and the embedder.
func classifyRetrievalError(err error) resilience.ErrorClassification {
	var statusErr *azure.HTTPStatusError
	if errors.As(err, &statusErr) {
		return azure.ClassifyError(err)
	}
	return llmopenai.ClassifyError(err)
}
