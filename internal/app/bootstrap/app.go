package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/arch2code/internal/archive"
	"github.com/wolfman30/arch2code/internal/chat"
	appconfig "github.com/wolfman30/arch2code/internal/config"
	"github.com/wolfman30/arch2code/internal/conversation"
	"github.com/wolfman30/arch2code/internal/observability/metrics"
	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

// App is the wired conversation stack shared by the API server and the CLI.
type App struct {
	Service  *conversation.Service
	Defaults conversation.RequestConfig
	Metrics  *metrics.GenerationMetrics
	Redis    *redis.Client
	// Archiver is nil when neither ARTIFACT_BUCKET nor ARTIFACT_TABLE is set.
	Archiver *archive.Archiver

	closers []func() error
}

// Close releases clients opened by Build.
func (a *App) Close() error {
	var errs []error
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ready reports whether the session backend is reachable.
func (a *App) Ready(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Ping(ctx).Err()
}

// RequestDefaults is the per-request configuration used when a caller sends
// no settings.
func RequestDefaults(cfg *appconfig.Config) (conversation.RequestConfig, error) {
	kind, err := prompts.ParseTemplateKind(cfg.DefaultTemplate)
	if err != nil {
		return conversation.RequestConfig{}, fmt.Errorf("bootstrap: DEFAULT_TEMPLATE: %w", err)
	}
	return conversation.RequestConfig{
		ModelID:   cfg.BedrockModelID,
		Template:  kind,
		Inference: chat.DefaultInference(),
	}, nil
}

// Build wires config into a ready conversation service. reg may be nil to
// skip metric registration.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, reg prometheus.Registerer, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	defaults, err := RequestDefaults(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Defaults: defaults}
	if reg != nil {
		app.Metrics = metrics.NewGenerationMetrics(reg)
	}

	store, redisClient, err := BuildSessionStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		app.Redis = redisClient
		app.closers = append(app.closers, redisClient.Close)
	}

	invoker, closeInvoker, err := BuildInvoker(ctx, cfg, awsCfg, app.Metrics, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closeInvoker)

	s3Client := NewS3Client(cfg, awsCfg)
	assembler := prompts.NewAssembler(BuildExampleSource(cfg, s3Client, logger))

	opts := []conversation.Option{
		conversation.WithAllowedModels(cfg.AllowedModelIDs),
		conversation.WithMaxTokens(int32(cfg.MaxTokens)),
	}
	if app.Metrics != nil {
		opts = append(opts, conversation.WithRecorder(app.Metrics))
	}
	if archiver := BuildArchiver(cfg, s3Client, NewDynamoClient(awsCfg), logger); archiver != nil {
		app.Archiver = archiver
		opts = append(opts, conversation.WithArchiver(archiver))
	}

	app.Service = conversation.NewService(assembler, invoker, store, logger.Component("conversation"), opts...)
	return app, nil
}
