package showrunner

import (
	"context"
	"time"
)

// NodeInput carries what a persona node needs to do its work: the run it
// belongs to, its parameters from the graph spec, and the context
// accumulated by prior nodes.
type NodeInput struct {
	RunID string

	// NodeName is the graph position being executed.
	NodeName string

	// SubmissionKey is a deterministic key for this run step. Handlers that
	// submit async provider jobs pass it through so a crash-replayed submit
	// is deduplicated provider-side.
	SubmissionKey string

	// Params come from the node's graph spec.
	Params map[string]any

	// Context is a read-only copy of the run context.
	Context map[string]any
}

// NodeResult is what a persona node produces. Exactly one of the two shapes
// is used: Outputs for synchronous completion, or Wait when the node has
// submitted an async provider job and the run must suspend until the
// provider's webhook arrives.
type NodeResult struct {
	Outputs map[string]any
	Wait    *WaitSpec
}

// CompletedResult returns a synchronous NodeResult with the given outputs.
func CompletedResult(outputs map[string]any) *NodeResult {
	return &NodeResult{Outputs: outputs}
}

// WaitingResult returns a NodeResult that suspends the run until provider
// delivers a callback carrying correlationKey.
func WaitingResult(provider, correlationKey string) *NodeResult {
	return &NodeResult{Wait: &WaitSpec{
		Provider:       provider,
		CorrelationKey: correlationKey,
		CreatedAt:      time.Now(),
	}}
}

// NodeHandler represents one persona node kind. Implementations hold the
// content logic (prompting, rendering, publishing) and are registered by
// name; the graph spec refers to them by that name.
type NodeHandler interface {

	// Name returns the handler name used in graph specs.
	Name() string

	// Execute performs the node's work.
	Execute(ctx context.Context, input *NodeInput) (*NodeResult, error)
}

// NodeRegistry is a map of handler names to handlers
type NodeRegistry map[string]NodeHandler

// NodeFunc adapts a function into a NodeHandler
type NodeFunc struct {
	name string
	fn   func(ctx context.Context, input *NodeInput) (*NodeResult, error)
}

// NewNodeFunc creates a new NodeFunc
func NewNodeFunc(name string, fn func(ctx context.Context, input *NodeInput) (*NodeResult, error)) *NodeFunc {
	return &NodeFunc{name: name, fn: fn}
}

func (n *NodeFunc) Name() string {
	return n.name
}

func (n *NodeFunc) Execute(ctx context.Context, input *NodeInput) (*NodeResult, error) {
	return n.fn(ctx, input)
}
