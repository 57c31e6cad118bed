package showrunner

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedAdapter returns the queued errors in order, then succeeds.
type scriptedAdapter struct {
	name    string
	errs    []error
	calls   int
	lastKey string
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Submit(ctx context.Context, req *ProviderRequest) (string, error) {
	a.calls++
	a.lastKey = req.SubmissionKey
	if a.calls <= len(a.errs) {
		return "", a.errs[a.calls-1]
	}
	return "job-" + req.SubmissionKey, nil
}

func newTestProviderClient(t *testing.T, adapter ProviderAdapter, breaker *CircuitBreaker) *ProviderClient {
	t.Helper()
	cfg := testConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	client, err := NewProviderClient(ProviderClientOptions{
		Adapters: []ProviderAdapter{adapter},
		Config:   cfg,
		Breaker:  breaker,
	})
	require.NoError(t, err)
	return client
}

func TestProviderClientPassesSubmissionKey(t *testing.T) {
	adapter := &scriptedAdapter{name: "renderfarm"}
	client := newTestProviderClient(t, adapter, nil)

	key, err := client.Submit(context.Background(), &ProviderRequest{
		Provider:      "renderfarm",
		Operation:     "render",
		SubmissionKey: "run_01:3",
	})
	require.NoError(t, err)
	require.Equal(t, "job-run_01:3", key)
	require.Equal(t, "run_01:3", adapter.lastKey)
}

func TestProviderClientRetriesTransientErrors(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "renderfarm",
		errs: []error{
			&ProviderError{Provider: "renderfarm", StatusCode: http.StatusBadGateway, Err: fmt.Errorf("bad gateway")},
			&ProviderError{Provider: "renderfarm", StatusCode: http.StatusServiceUnavailable, Err: fmt.Errorf("unavailable")},
		},
	}
	client := newTestProviderClient(t, adapter, nil)

	key, err := client.Submit(context.Background(), &ProviderRequest{Provider: "renderfarm", SubmissionKey: "run_01:0"})
	require.NoError(t, err)
	require.NotEmpty(t, key)
	require.Equal(t, 3, adapter.calls)
}

func TestProviderClientDoesNotRetryPermanentErrors(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "renderfarm",
		errs: []error{
			&ProviderError{Provider: "renderfarm", StatusCode: http.StatusUnprocessableEntity, Err: fmt.Errorf("bad payload")},
		},
	}
	client := newTestProviderClient(t, adapter, nil)

	_, err := client.Submit(context.Background(), &ProviderRequest{Provider: "renderfarm", SubmissionKey: "run_01:0"})
	require.Error(t, err)
	require.Equal(t, 1, adapter.calls)

	var oErr *OrchestrationError
	require.ErrorAs(t, err, &oErr)
	require.Equal(t, ErrorTypeProviderPermanent, oErr.Type)
}

func TestProviderClientRetries429(t *testing.T) {
	adapter := &scriptedAdapter{
		name: "renderfarm",
		errs: []error{
			&ProviderError{Provider: "renderfarm", StatusCode: http.StatusTooManyRequests, Err: fmt.Errorf("slow down")},
		},
	}
	client := newTestProviderClient(t, adapter, nil)

	_, err := client.Submit(context.Background(), &ProviderRequest{Provider: "renderfarm", SubmissionKey: "run_01:0"})
	require.NoError(t, err)
	require.Equal(t, 2, adapter.calls)
}

func TestProviderClientOpenCircuitSkipsRetries(t *testing.T) {
	breaker := NewCircuitBreaker(1, time.Hour)
	require.Error(t, breaker.Execute(context.Background(), "renderfarm", func(ctx context.Context) error {
		return fmt.Errorf("provider down")
	}))
	require.Equal(t, CircuitOpen, breaker.State("renderfarm"))

	adapter := &scriptedAdapter{name: "renderfarm"}
	client := newTestProviderClient(t, adapter, breaker)

	_, err := client.Submit(context.Background(), &ProviderRequest{Provider: "renderfarm", SubmissionKey: "run_01:0"})
	require.Error(t, err)

	var oErr *OrchestrationError
	require.ErrorAs(t, err, &oErr)
	require.Equal(t, ErrorTypeCircuitOpen, oErr.Type)

	// The adapter was never invoked and the retry loop bailed immediately.
	require.Zero(t, adapter.calls)
}

func TestProviderClientFailuresFeedTheBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 4
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	breaker := NewCircuitBreaker(3, time.Hour)

	transient := &ProviderError{Provider: "renderfarm", StatusCode: http.StatusBadGateway, Err: fmt.Errorf("bad gateway")}
	adapter := &scriptedAdapter{
		name: "renderfarm",
		errs: []error{transient, transient, transient, transient, transient},
	}
	client, err := NewProviderClient(ProviderClientOptions{
		Adapters: []ProviderAdapter{adapter},
		Config:   cfg,
		Breaker:  breaker,
	})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), &ProviderRequest{Provider: "renderfarm", SubmissionKey: "run_01:0"})
	require.Error(t, err)

	// Each attempt counted toward the breaker; it opened mid-retry and the
	// remaining attempts were refused without reaching the adapter.
	require.Equal(t, CircuitOpen, breaker.State("renderfarm"))
	require.Equal(t, 3, adapter.calls)
}

func TestProviderClientUnknownProvider(t *testing.T) {
	client := newTestProviderClient(t, &scriptedAdapter{name: "renderfarm"}, nil)
	_, err := client.Submit(context.Background(), &ProviderRequest{Provider: "voicegen"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown provider")
}
