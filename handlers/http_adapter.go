package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/showrunner-ai/showrunner"
)

// HeaderIdempotencyKey carries the deterministic submission key so the
// provider can deduplicate crash-replayed submits.
const HeaderIdempotencyKey = "Idempotency-Key"

// HTTPProviderAdapter submits jobs to a provider over HTTP. The provider is
// expected to acknowledge with a JSON body containing the correlation key it
// will echo on its webhook.
type HTTPProviderAdapter struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPProviderAdapter creates an adapter named name that POSTs
// submissions to endpoint.
func NewHTTPProviderAdapter(name, endpoint string) *HTTPProviderAdapter {
	return &HTTPProviderAdapter{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPProviderAdapter) Name() string {
	return a.name
}

type submitAck struct {
	CorrelationKey string `json:"correlation_key"`
}

func (a *HTTPProviderAdapter) Submit(ctx context.Context, req *showrunner.ProviderRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"operation": req.Operation,
		"payload":   req.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderIdempotencyKey, req.SubmissionKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", &showrunner.ProviderError{Provider: a.name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &showrunner.ProviderError{Provider: a.name, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &showrunner.ProviderError{
			Provider:   a.name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	var ack submitAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return "", &showrunner.ProviderError{Provider: a.name, Err: fmt.Errorf("invalid acknowledgement: %w", err)}
	}
	if ack.CorrelationKey == "" {
		return "", &showrunner.ProviderError{Provider: a.name, Err: fmt.Errorf("acknowledgement missing correlation_key")}
	}
	return ack.CorrelationKey, nil
}
