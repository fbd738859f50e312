package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/arch2code/internal/config"
	"github.com/wolfman30/arch2code/internal/conversation"
	"github.com/wolfman30/arch2code/internal/observability/metrics"
	"github.com/wolfman30/arch2code/pkg/logging"
)

// RetryPolicy maps the RETRY_* settings onto the stream retry policy.
func RetryPolicy(cfg *appconfig.Config) conversation.RetryPolicy {
	policy := conversation.DefaultRetryPolicy()
	policy.MaxRetries = cfg.RetryMaxRetries
	if cfg.RetryInitialDelay > 0 {
		policy.InitialDelay = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		policy.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.RetryJitter >= 0 {
		policy.MaxJitter = cfg.RetryJitter
	}
	return policy
}

// BuildInvoker wires Bedrock behind the retry loop and, when GEMINI_API_KEY
// is set, a Gemini fallback. The cleanup func releases the Gemini client.
func BuildInvoker(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, m *metrics.GenerationMetrics, logger *logging.Logger) (conversation.Invoker, func() error, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	noop := func() error { return nil }

	bedrock := conversation.NewBedrockInvoker(bedrockruntime.NewFromConfig(awsCfg))
	var invoker conversation.Invoker = conversation.NewRetryingInvoker(bedrock, RetryPolicy(cfg),
		logger.Component("bedrock"),
		conversation.WithRetryObserver(m.ObserveRetry))

	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return invoker, noop, nil
	}
	gemini, err := conversation.NewGeminiInvoker(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: gemini fallback: %w", err)
	}
	logger.Info("gemini fallback enabled", "model", cfg.GeminiModelID)
	return conversation.NewFallbackInvoker(invoker, gemini, logger.Component("fallback")), gemini.Close, nil
}
