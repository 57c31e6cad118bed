// Package handlers provides the built-in node handlers registered by the
// showrunner CLI: logging, context mutation, delays, and asynchronous
// provider submission. Production deployments register their own persona
// handlers alongside these.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/showrunner-ai/showrunner"
)

// LogHandler writes a message from the node params to the run's logger.
type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Name() string {
	return "log"
}

func (h *LogHandler) Execute(ctx context.Context, input *showrunner.NodeInput) (*showrunner.NodeResult, error) {
	message, ok := input.Params["message"]
	if !ok {
		return nil, fmt.Errorf("log handler requires 'message' parameter")
	}
	h.logger.Info(fmt.Sprint(message),
		"run_id", input.RunID,
		"node", input.NodeName)
	return showrunner.CompletedResult(map[string]any{"logged": true}), nil
}
