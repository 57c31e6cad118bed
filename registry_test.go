package showrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryCreateUnknownGraph(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name:  "episode",
		Nodes: []*NodeSpec{{Name: "write", Handler: "echo"}},
	})
	require.NoError(t, err)
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})

	_, err = h.registry.Create(context.Background(), "no-such-graph", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestRegistrySummaryOfMissingRun(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name:  "episode",
		Nodes: []*NodeSpec{{Name: "write", Handler: "echo"}},
	})
	require.NoError(t, err)
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})

	_, err = h.registry.GetSummary(context.Background(), "run_missing")
	require.ErrorIs(t, err, ErrRunNotFound)

	require.ErrorIs(t, h.registry.Abort(context.Background(), "run_missing"), ErrRunNotFound)
}

func TestRegistrySummaryOmitsSensitiveMaterial(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "render", Handler: "render"},
		},
	})
	require.NoError(t, err)
	render := NewNodeFunc("render", func(ctx context.Context, input *NodeInput) (*NodeResult, error) {
		return WaitingResult("renderfarm", "job-1"), nil
	})
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{render})

	ctx := context.Background()
	runID, err := h.registry.Create(ctx, "episode", map[string]any{"title": "pilot"})
	require.NoError(t, err)

	summary, err := h.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, runID, summary.RunID)
	require.Equal(t, "episode", summary.GraphName)
	require.Equal(t, RunStatusWaitingExternal, summary.Status)
	require.Equal(t, 1, summary.NodeCount)
	require.Equal(t, "pilot", summary.Context["title"])

	// The summary carries status and context only; wait internals, raw
	// payloads, and signature material stay behind the store boundary.
	require.NotContains(t, summary.Context, "correlation_key")
}
