package handlers

import (
	"log/slog"

	"github.com/showrunner-ai/showrunner"
)

// Builtins returns the standard handler registry. The submit handler is
// included only when a provider client is configured.
func Builtins(logger *slog.Logger, client *showrunner.ProviderClient) showrunner.NodeRegistry {
	registry := showrunner.NodeRegistry{}
	for _, h := range []showrunner.NodeHandler{
		NewLogHandler(logger),
		NewSetHandler(),
		NewSleepHandler(),
	} {
		registry[h.Name()] = h
	}
	if client != nil {
		submit := NewSubmitHandler(client)
		registry[submit.Name()] = submit
	}
	return registry
}
