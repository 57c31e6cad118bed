package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/showrunner-ai/showrunner"
)

// SleepHandler delays the run in-process. Long waits on external work belong
// to provider webhooks, not this handler.
type SleepHandler struct{}

func NewSleepHandler() *SleepHandler {
	return &SleepHandler{}
}

func (h *SleepHandler) Name() string {
	return "sleep"
}

func (h *SleepHandler) Execute(ctx context.Context, input *showrunner.NodeInput) (*showrunner.NodeResult, error) {
	raw, ok := input.Params["duration"]
	if !ok {
		return nil, fmt.Errorf("sleep handler requires 'duration' parameter")
	}

	var duration time.Duration
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration format: %w", err)
		}
		duration = parsed
	case float64:
		duration = time.Duration(v * float64(time.Second))
	case int:
		duration = time.Duration(v) * time.Second
	default:
		return nil, fmt.Errorf("duration must be a string or number of seconds, got %T", raw)
	}

	if duration <= 0 {
		return showrunner.CompletedResult(map[string]any{"slept": "0s"}), nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(duration):
		return showrunner.CompletedResult(map[string]any{"slept": duration.String()}), nil
	}
}
