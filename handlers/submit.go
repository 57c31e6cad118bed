package handlers

import (
	"context"
	"fmt"

	"github.com/showrunner-ai/showrunner"
)

// SubmitHandler dispatches an asynchronous job to an external provider and
// suspends the run until the provider's webhook delivers the result. The
// provider name comes from the node's 'provider' parameter; the submission
// key riding on the input deduplicates crash-replayed submits.
type SubmitHandler struct {
	client *showrunner.ProviderClient
}

func NewSubmitHandler(client *showrunner.ProviderClient) *SubmitHandler {
	return &SubmitHandler{client: client}
}

func (h *SubmitHandler) Name() string {
	return "submit"
}

func (h *SubmitHandler) Execute(ctx context.Context, input *showrunner.NodeInput) (*showrunner.NodeResult, error) {
	provider, _ := input.Params["provider"].(string)
	if provider == "" {
		return nil, fmt.Errorf("submit handler requires 'provider' parameter")
	}
	operation, _ := input.Params["operation"].(string)

	payload := map[string]any{}
	if raw, ok := input.Params["payload"].(map[string]any); ok {
		payload = raw
	}

	correlationKey, err := h.client.Submit(ctx, &showrunner.ProviderRequest{
		Provider:      provider,
		Operation:     operation,
		Payload:       payload,
		SubmissionKey: input.SubmissionKey,
	})
	if err != nil {
		return nil, err
	}
	return showrunner.WaitingResult(provider, correlationKey), nil
}
