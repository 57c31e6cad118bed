package showrunner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ResumeKind distinguishes what woke a suspended run.
type ResumeKind string

const (
	ResumeKindWebhook  ResumeKind = "webhook"
	ResumeKindApproval ResumeKind = "approval"
)

// ResumePayload carries a resume into a suspended run. Webhook resumes must
// match the active WaitSpec; approval resumes must match the active gate.
type ResumePayload struct {
	Kind           ResumeKind     `json:"kind"`
	Provider       string         `json:"provider,omitempty"`
	CorrelationKey string         `json:"correlation_key,omitempty"`
	GateName       string         `json:"gate_name,omitempty"`
	Values         map[string]any `json:"values,omitempty"`
}

// ExecutorOptions configures an executor.
type ExecutorOptions struct {
	Graphs    []*Graph
	Handlers  []NodeHandler
	Store     Store
	Gates     *GateController
	Config    *Config
	Logger    *slog.Logger
	Formatter RunFormatter
	Callbacks RunCallbacks
	NodeLog   NodeLogger
	Clock     func() time.Time
}

// Executor is the run state machine: it sequences persona nodes and gates,
// suspends runs on external waits, and resumes them when callbacks or
// approvals arrive. All mutating operations for a run serialize on a per-run
// lock; runs execute independently and fully in parallel.
type Executor struct {
	graphs    map[string]*Graph
	handlers  NodeRegistry
	store     Store
	gates     *GateController
	config    *Config
	logger    *slog.Logger
	formatter RunFormatter
	callbacks RunCallbacks
	nodeLog   NodeLogger
	clock     func() time.Time

	mutex    sync.Mutex
	runLocks map[string]*runLock
}

// NewExecutor creates an executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if len(opts.Graphs) == 0 {
		return nil, fmt.Errorf("graphs are required")
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("handlers are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Gates == nil {
		return nil, fmt.Errorf("gate controller is required")
	}
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseRunCallbacks{}
	}
	if opts.NodeLog == nil {
		opts.NodeLog = NewNullNodeLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	graphs := make(map[string]*Graph, len(opts.Graphs))
	for _, graph := range opts.Graphs {
		graphs[graph.Name()] = graph
	}
	handlers := make(NodeRegistry, len(opts.Handlers))
	for _, handler := range opts.Handlers {
		handlers[handler.Name()] = handler
	}
	return &Executor{
		graphs:    graphs,
		handlers:  handlers,
		store:     opts.Store,
		gates:     opts.Gates,
		config:    opts.Config,
		logger:    opts.Logger,
		formatter: opts.Formatter,
		callbacks: opts.Callbacks,
		nodeLog:   opts.NodeLog,
		clock:     opts.Clock,
	}, nil
}

// Graph returns a registered graph by name.
func (e *Executor) Graph(name string) (*Graph, bool) {
	graph, ok := e.graphs[name]
	return graph, ok
}

// runLock is a per-run mutex with a holder count so the entry can be evicted
// from the lock table once nobody holds or waits for it.
type runLock struct {
	mu   sync.Mutex
	refs int
}

// lockRun acquires the mutating lock for one run. A race between a late
// duplicate webhook and an operator abort serializes here.
func (e *Executor) lockRun(runID string) func() {
	e.mutex.Lock()
	if e.runLocks == nil {
		e.runLocks = map[string]*runLock{}
	}
	lock, ok := e.runLocks[runID]
	if !ok {
		lock = &runLock{}
		e.runLocks[runID] = lock
	}
	lock.refs++
	e.mutex.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.mutex.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.runLocks, runID)
		}
		e.mutex.Unlock()
	}
}

// Advance loads the run's checkpoint and steps through the graph until the
// run suspends or reaches a terminal status.
func (e *Executor) Advance(ctx context.Context, runID string) error {
	unlock := e.lockRun(runID)
	defer unlock()

	state, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.advance(ctx, state)
}

// Resume is callable only while the run is waiting_external or
// waiting_approval. The payload must match the active wait or gate; a
// mismatch is rejected with ErrStaleResume and mutates nothing.
func (e *Executor) Resume(ctx context.Context, runID string, payload *ResumePayload) error {
	unlock := e.lockRun(runID)
	defer unlock()

	state, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}

	status := state.GetStatus()
	if status == RunStatusAborted {
		return fmt.Errorf("run %s: %w", runID, ErrRunAborted)
	}
	if !status.Waiting() {
		return fmt.Errorf("run %s is %s: %w", runID, status, ErrStaleResume)
	}

	switch payload.Kind {
	case ResumeKindWebhook:
		wait := state.GetWait()
		if wait == nil || wait.Provider != payload.Provider || wait.CorrelationKey != payload.CorrelationKey {
			return fmt.Errorf("run %s: webhook does not match active wait: %w", runID, ErrStaleResume)
		}
	case ResumeKindApproval:
		gate := state.GetGate()
		if gate == nil || gate.GateName != payload.GateName {
			return fmt.Errorf("run %s: approval does not match active gate: %w", runID, ErrStaleResume)
		}
	default:
		return fmt.Errorf("run %s: unknown resume kind %q: %w", runID, payload.Kind, ErrStaleResume)
	}

	e.logger.Info("run resumed",
		"run_id", runID, "kind", payload.Kind, "cursor", state.Cursor())
	e.callbacks.OnRunResumed(ctx, &RunEvent{
		RunID:     runID,
		GraphName: state.GraphName(),
		Status:    RunStatusRunning,
		Cursor:    state.Cursor(),
	})

	// The waiting position is complete: merge the payload, move past it,
	// and checkpoint before continuing.
	state.MergeContext(payload.Values)
	state.ClearWaits()
	state.SetStatus(RunStatusRunning)
	state.AdvanceCursor()
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}
	return e.advance(ctx, state)
}

// Abort sets the run aborted. Any later webhook or approval for the run is
// rejected. Work already in flight is not forcibly killed; its result is
// refused because the status is no longer waiting.
func (e *Executor) Abort(ctx context.Context, runID string) error {
	unlock := e.lockRun(runID)
	defer unlock()

	state, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if state.GetStatus().Terminal() {
		return nil
	}
	state.SetStatus(RunStatusAborted)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Info("run aborted", "run_id", runID)
	e.callbacks.AfterRun(ctx, &RunEvent{
		RunID:     runID,
		GraphName: state.GraphName(),
		Status:    RunStatusAborted,
		Cursor:    state.Cursor(),
	})
	return nil
}

// Recover re-enters every non-terminal run after a process restart. Runs
// caught mid-execution are advanced from their latest checkpoint; suspended
// runs stay suspended until their webhook or approval arrives.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	checkpoints, err := e.store.ListByStatus(ctx, RunStatusCreated, RunStatusRunning)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, ck := range checkpoints {
		if err := e.Advance(ctx, ck.RunID); err != nil {
			e.logger.Error("recovery advance failed", "run_id", ck.RunID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		e.logger.Info("recovered interrupted runs", "count", recovered)
	}
	return recovered, nil
}

// ExpireGates fails runs whose approval gate has waited longer than the
// configured gate TTL. A zero TTL disables expiry; humans may take arbitrary
// time by default.
func (e *Executor) ExpireGates(ctx context.Context) (int, error) {
	if e.config.GateTTL <= 0 {
		return 0, nil
	}
	checkpoints, err := e.store.ListByStatus(ctx, RunStatusWaitingApproval)
	if err != nil {
		return 0, err
	}
	cutoff := e.clock().Add(-e.config.GateTTL)
	expired := 0
	for _, ck := range checkpoints {
		if ck.Gate == nil || ck.Gate.CreatedAt.After(cutoff) {
			continue
		}
		if err := e.failGate(ctx, ck.RunID); err != nil {
			e.logger.Error("gate expiry failed", "run_id", ck.RunID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (e *Executor) failGate(ctx context.Context, runID string) error {
	unlock := e.lockRun(runID)
	defer unlock()

	state, err := e.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	gate := state.GetGate()
	if state.GetStatus() != RunStatusWaitingApproval || gate == nil {
		return nil
	}
	state.SetError(fmt.Errorf("gate %q expired after %s", gate.GateName, e.config.GateTTL))
	state.ClearWaits()
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}
	e.logger.Warn("run failed on gate expiry", "run_id", runID, "gate", gate.GateName)
	return nil
}

// advance steps through graph positions until the run suspends, completes,
// or fails. Callers hold the run lock.
func (e *Executor) advance(ctx context.Context, state *RunState) error {
	graph, ok := e.graphs[state.GraphName()]
	if !ok {
		return fmt.Errorf("graph %q not registered", state.GraphName())
	}
	runID := state.ID()
	logger := e.logger.With("run_id", runID)

	status := state.GetStatus()
	if status.Terminal() || status.Waiting() {
		return nil
	}
	if status == RunStatusCreated {
		e.callbacks.BeforeRun(ctx, &RunEvent{
			RunID:     runID,
			GraphName: state.GraphName(),
			Status:    RunStatusRunning,
			Cursor:    state.Cursor(),
		})
	}
	state.SetStatus(RunStatusRunning)

	for {
		// Cooperative cancellation: the abort flag is checked before every
		// transition.
		if state.GetStatus() == RunStatusAborted {
			return nil
		}

		node, ok := graph.NodeAt(state.Cursor())
		if !ok {
			return e.complete(ctx, state, logger)
		}

		if node.Optional && !state.HasContextKey(node.RequiresKey) {
			logger.Info("optional node skipped",
				"node", node.Name, "requires_key", node.RequiresKey)
			state.AdvanceCursor()
			if err := e.saveCheckpoint(ctx, state); err != nil {
				return err
			}
			continue
		}

		if node.IsGate() {
			return e.enterGate(ctx, state, node, logger)
		}

		suspended, err := e.executeNode(ctx, state, node, logger)
		if err != nil {
			return e.fail(ctx, state, node, err, logger)
		}
		if suspended {
			return nil
		}
	}
}

// executeNode runs one persona node. The checkpoint recording entry into the
// node is written before the handler may produce any externally observable
// effect; after a crash the latest checkpoint therefore always covers the
// last visible action.
func (e *Executor) executeNode(ctx context.Context, state *RunState, node *NodeSpec, logger *slog.Logger) (suspended bool, err error) {
	handler, ok := e.handlers[node.Handler]
	if !ok {
		return false, fmt.Errorf("handler %q not registered", node.Handler)
	}

	state.SetEntered(node.Name)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return false, err
	}

	if e.formatter != nil {
		e.formatter.PrintNodeStart(node.Name, node.Handler)
	}
	startTime := e.clock()
	event := &NodeEvent{
		RunID:     state.ID(),
		GraphName: state.GraphName(),
		NodeName:  node.Name,
		Handler:   node.Handler,
		Params:    copyMap(node.Params),
		StartTime: startTime,
	}
	e.callbacks.BeforeNode(ctx, event)

	result, err := handler.Execute(ctx, &NodeInput{
		RunID:         state.ID(),
		NodeName:      node.Name,
		SubmissionKey: fmt.Sprintf("%s:%d", state.ID(), state.Cursor()),
		Params:        node.Params,
		Context:       state.GetContext(),
	})

	event.EndTime = e.clock()
	event.Duration = event.EndTime.Sub(startTime)
	event.Error = err
	if result != nil {
		event.Outputs = copyMap(result.Outputs)
	}
	e.callbacks.AfterNode(ctx, event)

	logEntry := &NodeLogEntry{
		RunID:     state.ID(),
		GraphName: state.GraphName(),
		NodeName:  node.Name,
		Handler:   node.Handler,
		Cursor:    state.Cursor(),
		Params:    event.Params,
		Outputs:   event.Outputs,
		StartTime: startTime,
		Duration:  event.Duration.Seconds(),
	}
	if err != nil {
		logEntry.Error = err.Error()
	}
	if logErr := e.nodeLog.LogNode(ctx, logEntry); logErr != nil {
		logger.Warn("failed to write node log", "node", node.Name, "error", logErr)
	}

	if err != nil {
		return false, err
	}

	if result != nil && result.Wait != nil {
		wait := *result.Wait
		wait.NodeName = node.Name
		if wait.CreatedAt.IsZero() {
			wait.CreatedAt = e.clock()
		}
		state.SetWait(&wait)
		if err := e.saveCheckpoint(ctx, state); err != nil {
			return false, err
		}
		logger.Info("run waiting on external provider",
			"node", node.Name,
			"provider", wait.Provider,
			"correlation_key", wait.CorrelationKey)
		e.callbacks.OnRunSuspended(ctx, &SuspendEvent{
			RunID:     state.ID(),
			GraphName: state.GraphName(),
			Status:    RunStatusWaitingExternal,
			NodeName:  node.Name,
			Wait:      &wait,
		})
		return true, nil
	}

	if result != nil && len(result.Outputs) > 0 {
		state.MergeContext(result.Outputs)
		if e.formatter != nil {
			e.formatter.PrintNodeOutput(node.Name, result.Outputs)
		}
	}
	state.AdvanceCursor()
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return false, err
	}
	logger.Debug("node completed", "node", node.Name, "cursor", state.Cursor())
	return false, nil
}

// enterGate suspends the run at an approval gate. The suspension is
// checkpointed before the token leaves the process.
func (e *Executor) enterGate(ctx context.Context, state *RunState, node *NodeSpec, logger *slog.Logger) error {
	state.SetGate(&GateWait{GateName: node.Gate, CreatedAt: e.clock()})
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}

	token, err := e.gates.Issue(state.ID(), node.Gate)
	if err != nil {
		return e.fail(ctx, state, node, err, logger)
	}
	logger.Info("run waiting on approval", "gate", node.Gate)
	e.callbacks.OnRunSuspended(ctx, &SuspendEvent{
		RunID:     state.ID(),
		GraphName: state.GraphName(),
		Status:    RunStatusWaitingApproval,
		NodeName:  node.Name,
		Gate:      state.GetGate(),
		Token:     token,
	})
	return nil
}

func (e *Executor) complete(ctx context.Context, state *RunState, logger *slog.Logger) error {
	state.SetStatus(RunStatusCompleted)
	if err := e.saveCheckpoint(ctx, state); err != nil {
		return err
	}
	logger.Info("run completed", "cursor", state.Cursor())
	if e.formatter != nil {
		e.formatter.PrintRunStatus(state.ID(), RunStatusCompleted)
	}
	e.callbacks.AfterRun(ctx, &RunEvent{
		RunID:     state.ID(),
		GraphName: state.GraphName(),
		Status:    RunStatusCompleted,
		Cursor:    state.Cursor(),
		Context:   state.GetContext(),
	})
	return nil
}

// fail terminates the owning run only; other runs are unaffected.
func (e *Executor) fail(ctx context.Context, state *RunState, node *NodeSpec, cause error, logger *slog.Logger) error {
	state.SetError(cause)
	state.ClearWaits()
	if saveErr := e.saveCheckpoint(ctx, state); saveErr != nil {
		logger.Error("failed to checkpoint run failure", "error", saveErr)
	}
	logger.Error("run failed", "node", node.Name, "error", cause)
	if e.formatter != nil {
		e.formatter.PrintNodeError(node.Name, cause)
	}
	e.callbacks.AfterRun(ctx, &RunEvent{
		RunID:     state.ID(),
		GraphName: state.GraphName(),
		Status:    RunStatusFailed,
		Cursor:    state.Cursor(),
		Error:     cause,
	})
	return cause
}

// loadRun rebuilds run state from the latest checkpoint. No in-memory-only
// state gates correctness, so this is the only source of truth.
func (e *Executor) loadRun(ctx context.Context, runID string) (*RunState, error) {
	ck, err := e.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	state := &RunState{}
	state.FromCheckpoint(ck)
	return state, nil
}

func (e *Executor) saveCheckpoint(ctx context.Context, state *RunState) error {
	return e.store.SaveCheckpoint(ctx, state.ToCheckpoint())
}
