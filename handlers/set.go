package handlers

import (
	"context"
	"fmt"

	"github.com/showrunner-ai/showrunner"
)

// SetHandler merges its 'values' parameter into the run context. Useful for
// seeding downstream nodes from the graph spec without custom code.
type SetHandler struct{}

func NewSetHandler() *SetHandler {
	return &SetHandler{}
}

func (h *SetHandler) Name() string {
	return "set"
}

func (h *SetHandler) Execute(ctx context.Context, input *showrunner.NodeInput) (*showrunner.NodeResult, error) {
	raw, ok := input.Params["values"]
	if !ok {
		return nil, fmt.Errorf("set handler requires 'values' parameter")
	}
	values, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("set handler 'values' must be a map, got %T", raw)
	}
	return showrunner.CompletedResult(values), nil
}
