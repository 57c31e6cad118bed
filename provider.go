package showrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/showrunner-ai/showrunner/retry"
)

// ProviderRequest is a request for an asynchronous external job: a video
// generation, a render, a publish action. The acknowledgement is
// synchronous; the result arrives later through the webhook ingress.
type ProviderRequest struct {
	Provider  string
	Operation string
	Payload   map[string]any

	// SubmissionKey is deterministic per run step so a crash-replayed
	// submission is deduplicated on the provider side.
	SubmissionKey string
}

// ProviderAdapter is implemented by external collaborators for each slow
// provider. Submit returns only the correlation key the provider will echo
// on its webhook.
type ProviderAdapter interface {
	Name() string
	Submit(ctx context.Context, req *ProviderRequest) (correlationKey string, err error)
}

// ProviderError classifies a provider failure by HTTP status. 5xx and
// timeouts are transient and retried; 4xx validation failures are permanent
// and fail the run immediately.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements retry.RecoverableError.
func (e *ProviderError) IsRecoverable() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

// Transient reports whether the failure should be retried.
func (e *ProviderError) Transient() bool {
	return e.IsRecoverable()
}

// ProviderClientOptions configures a provider client.
type ProviderClientOptions struct {
	Adapters []ProviderAdapter
	Config   *Config
	Breaker  *CircuitBreaker
	Logger   *slog.Logger
}

// ProviderClient wraps provider adapters with the circuit breaker and the
// retry policy. Retries happen only while the circuit is closed or
// half-open; an open circuit skips retries entirely.
type ProviderClient struct {
	adapters map[string]ProviderAdapter
	config   *Config
	breaker  *CircuitBreaker
	logger   *slog.Logger
}

// NewProviderClient creates a provider client.
func NewProviderClient(opts ProviderClientOptions) (*ProviderClient, error) {
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("adapters are required")
	}
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(opts.Config.BreakerThreshold, opts.Config.BreakerCooldown)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	adapters := make(map[string]ProviderAdapter, len(opts.Adapters))
	for _, adapter := range opts.Adapters {
		adapters[adapter.Name()] = adapter
	}
	return &ProviderClient{
		adapters: adapters,
		config:   opts.Config,
		breaker:  opts.Breaker,
		logger:   opts.Logger,
	}, nil
}

// Submit sends the request through the provider's adapter under breaker and
// retry protection, returning the correlation key for the eventual webhook.
func (c *ProviderClient) Submit(ctx context.Context, req *ProviderRequest) (string, error) {
	adapter, ok := c.adapters[req.Provider]
	if !ok {
		return "", fmt.Errorf("unknown provider %q", req.Provider)
	}

	var correlationKey string
	err := retry.Do(ctx, func() error {
		return c.breaker.Execute(ctx, req.Provider, func(ctx context.Context) error {
			key, err := adapter.Submit(ctx, req)
			if err != nil {
				return err
			}
			correlationKey = key
			return nil
		})
	},
		retry.WithMaxRetries(c.config.MaxRetries),
		retry.WithBaseWait(c.config.RetryBaseDelay),
		retry.WithMaxWait(c.config.RetryMaxDelay),
	)
	if err != nil {
		c.logger.Warn("provider submission failed",
			"provider", req.Provider,
			"operation", req.Operation,
			"error", err)
		return "", c.classify(req.Provider, err)
	}
	c.logger.Info("provider submission acknowledged",
		"provider", req.Provider,
		"operation", req.Operation,
		"correlation_key", correlationKey)
	return correlationKey, nil
}

// Breaker exposes the underlying circuit breaker for status inspection.
func (c *ProviderClient) Breaker() *CircuitBreaker {
	return c.breaker
}

func (c *ProviderClient) classify(provider string, err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return WrapError(ErrorTypeCircuitOpen, err)
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) && !pErr.Transient() {
		return WrapError(ErrorTypeProviderPermanent, err)
	}
	return WrapError(ErrorTypeProviderTransient, err)
}
