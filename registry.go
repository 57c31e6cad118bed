package showrunner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// RegistryOptions configures a run registry.
type RegistryOptions struct {
	Executor *Executor
	Store    Store
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Registry creates runs and exposes their status to the outside world. Runs
// are owned here; all mutation goes through executor transitions.
type Registry struct {
	executor *Executor
	store    Store
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRegistry creates a run registry.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		executor: opts.Executor,
		store:    opts.Store,
		logger:   opts.Logger,
		clock:    opts.Clock,
	}, nil
}

// Create persists a fresh run with its first checkpoint, then triggers the
// first advance. The run ID is returned even when the first advance fails;
// the failure is queryable through the run's status.
func (r *Registry) Create(ctx context.Context, graphName string, input map[string]any) (string, error) {
	graph, ok := r.executor.Graph(graphName)
	if !ok {
		return "", fmt.Errorf("graph %q not registered", graphName)
	}

	runID := NewRunID()
	state := newRunState(runID, graph.Name(), input)
	if err := r.store.SaveCheckpoint(ctx, state.ToCheckpoint()); err != nil {
		return "", fmt.Errorf("failed to persist run: %w", err)
	}
	r.logger.Info("run created", "run_id", runID, "graph", graphName)

	if err := r.executor.Advance(ctx, runID); err != nil {
		// The run is failed and checkpointed; surface the ID so callers can
		// inspect it.
		return runID, err
	}
	return runID, nil
}

// GetSummary returns the externally queryable view of a run. Raw payloads
// and signature material are never included.
func (r *Registry) GetSummary(ctx context.Context, runID string) (*RunSummary, error) {
	ck, err := r.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	state := &RunState{}
	state.FromCheckpoint(ck)

	graphLen := 0
	if graph, ok := r.executor.Graph(ck.GraphName); ok {
		graphLen = graph.Len()
	}
	return state.Summary(graphLen), nil
}

// Abort sets the run aborted; any later webhook or approval is rejected.
func (r *Registry) Abort(ctx context.Context, runID string) error {
	return r.executor.Abort(ctx, runID)
}
