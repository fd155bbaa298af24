package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/clinic-booking-engine/internal/config"
	"github.com/wolfman30/clinic-booking-engine/internal/extraction"
	"github.com/wolfman30/clinic-booking-engine/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking-engine/pkg/logging"
)

// BuildLLMClient builds the configured provider, wrapped with a fallback
// provider when LLM_FALLBACK_PROVIDER is set.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (extraction.LLMClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	primary, err := buildProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	fallbackName := strings.TrimSpace(cfg.LLMFallbackProvider)
	if fallbackName == "" || fallbackName == cfg.LLMProvider {
		logger.Info("slot extraction provider configured", "provider", cfg.LLMProvider)
		return primary, nil
	}

	fallback, err := buildProvider(ctx, fallbackName, cfg, awsCfg)
	if err != nil {
		logger.Warn("fallback llm provider unavailable", "provider", fallbackName, "error", err)
		return primary, nil
	}
	logger.Info("slot extraction provider configured", "provider", cfg.LLMProvider, "fallback", fallbackName)
	return extraction.NewFallbackClient(primary, fallback, logger), nil
}

func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (extraction.LLMClient, error) {
	model := strings.TrimSpace(cfg.LLMModelID)
	switch name {
	case "bedrock":
		if model == "" {
			model = cfg.BedrockModelID
		}
		if model == "" {
			return nil, fmt.Errorf("bootstrap: bedrock requires BEDROCK_MODEL_ID")
		}
		client := extraction.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
		client.SetModel(model)
		return client, nil
	case "gemini":
		if model == "" {
			model = cfg.GeminiModelID
		}
		return extraction.NewGeminiClient(ctx, cfg.GeminiAPIKey, model)
	case "openai", "deepseek", "":
		if model == "" {
			model = cfg.OpenAIModelID
		}
		return extraction.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, model)
	default:
		return nil, fmt.Errorf("bootstrap: unknown llm provider %q", name)
	}
}

// BuildExtractor wires the slot extractor over client.
func BuildExtractor(cfg *appconfig.Config, client extraction.LLMClient, m *metrics.EngineMetrics, logger *logging.Logger) *extraction.Extractor {
	return extraction.NewExtractor(client, logger,
		extraction.WithTimeout(cfg.ExtractionTimeout),
		extraction.WithMetrics(m),
	)
}
