package conversation

import (
	"context"
	"errors"

	"github.com/wolfman30/arch2code/pkg/logging"
)

// FallbackInvoker wraps a primary invoker with a fallback provider.
// If the primary fails, the same request is streamed through the fallback.
// When both fail the returned error matches either cause.
type FallbackInvoker struct {
	primary  Invoker
	fallback Invoker
	logger   *logging.Logger
}

// NewFallbackInvoker creates a new fallback-enabled invoker.
// If fallback is nil, the invoker only uses the primary provider.
func NewFallbackInvoker(primary, fallback Invoker, logger *logging.Logger) *FallbackInvoker {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackInvoker{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *FallbackInvoker) Stream(ctx context.Context, req InvokeRequest, sink Sink) (Result, error) {
	res, err := c.primary.Stream(ctx, req, sink)
	if err == nil {
		return res, nil
	}

	// Cancelled callers are gone; a second provider would only add cost.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return res, err
	}

	c.logger.Warn("primary model failed, attempting fallback",
		"error", err.Error(),
		"fallback_available", c.fallback != nil,
	)
	if c.fallback == nil {
		return res, err
	}

	fallbackRes, fallbackErr := c.fallback.Stream(ctx, req, sink)
	if fallbackErr != nil {
		c.logger.Error("fallback model also failed",
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return fallbackRes, errors.Join(err, fallbackErr)
	}

	c.logger.Info("fallback model succeeded after primary failure", "provider", fallbackRes.Provider)
	return fallbackRes, nil
}
