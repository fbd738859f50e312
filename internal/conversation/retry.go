package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/wolfman30/arch2code/pkg/logging"
)

// ErrRetriesExhausted is returned once every retry of a transient failure
// has been used up.
var ErrRetriesExhausted = errors.New("conversation: retries exhausted")

// TransientStreamError wraps a failure that happened while reading a model
// response stream and is worth retrying.
type TransientStreamError struct {
	Provider string
	Err      error
}

func (e *TransientStreamError) Error() string {
	return fmt.Sprintf("conversation: transient %s stream error: %v", e.Provider, e.Err)
}

func (e *TransientStreamError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var transient *TransientStreamError
	return errors.As(err, &transient)
}

// RetryPolicy is exponential backoff with additive jitter.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxJitter bounds the uniform random duration added to every delay.
	MaxJitter time.Duration
}

// DefaultRetryPolicy retries up to five times starting at one second,
// doubling up to a minute, with up to one second of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxJitter:    time.Second,
	}
}

// BaseDelay is the delay before retry number retry (0-based), without jitter.
func (p RetryPolicy) BaseDelay(retry int) time.Duration {
	delay := p.InitialDelay
	for i := 0; i < retry; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// RetryObserver is told about every retry before the backoff wait.
type RetryObserver func(provider string, retry int, delay time.Duration, err error)

// RetryingInvoker retries an Invoker on TransientStreamError only.
type RetryingInvoker struct {
	next     Invoker
	policy   RetryPolicy
	logger   *logging.Logger
	observe  RetryObserver
	sleep    func(ctx context.Context, d time.Duration) error
	jitterFn func(max time.Duration) time.Duration
}

// RetryOption customises a RetryingInvoker.
type RetryOption func(*RetryingInvoker)

// WithRetryObserver registers a callback invoked before each backoff wait.
func WithRetryObserver(fn RetryObserver) RetryOption {
	return func(r *RetryingInvoker) { r.observe = fn }
}

// WithRetrySleep replaces the backoff wait, mainly for tests.
func WithRetrySleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *RetryingInvoker) { r.sleep = fn }
}

// WithRetryJitter replaces the jitter source, mainly for tests.
func WithRetryJitter(fn func(max time.Duration) time.Duration) RetryOption {
	return func(r *RetryingInvoker) { r.jitterFn = fn }
}

func NewRetryingInvoker(next Invoker, policy RetryPolicy, logger *logging.Logger, opts ...RetryOption) *RetryingInvoker {
	if next == nil {
		panic("conversation: retrying invoker requires a delegate")
	}
	if logger == nil {
		logger = logging.Default()
	}
	// The first attempt always runs.
	policy.MaxRetries = max(policy.MaxRetries, 0)
	r := &RetryingInvoker{
		next:     next,
		policy:   policy,
		logger:   logger,
		sleep:    sleepContext,
		jitterFn: uniformJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream calls the delegate, backing off between transient failures. Any
// other error is returned immediately.
func (r *RetryingInvoker) Stream(ctx context.Context, req InvokeRequest, sink Sink) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		res, err := r.next.Stream(ctx, req, sink)
		if err == nil {
			res.Attempts = attempt + 1
			return res, nil
		}
		if !IsTransient(err) {
			return res, err
		}
		lastErr = err
		if attempt == r.policy.MaxRetries {
			break
		}

		delay := r.policy.BaseDelay(attempt) + r.jitterFn(r.policy.MaxJitter)
		r.logger.Warn("transient stream error, retrying",
			"model", req.ModelID,
			"retry", attempt+1,
			"max_retries", r.policy.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)
		if r.observe != nil {
			r.observe(providerOf(err), attempt+1, delay, err)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return Result{}, fmt.Errorf("conversation: retry wait: %w", err)
		}
	}

	r.logger.Error("model stream retries exhausted",
		"model", req.ModelID,
		"attempts", r.policy.MaxRetries+1,
		"error", lastErr.Error(),
	)
	return Result{}, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.policy.MaxRetries+1, lastErr)
}

func providerOf(err error) string {
	var transient *TransientStreamError
	if errors.As(err, &transient) {
		return transient.Provider
	}
	return "unknown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
