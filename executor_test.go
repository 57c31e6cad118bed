package showrunner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a config suitable for tests: real secrets, short
// windows.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ApprovalSecret = "test-approval-secret"
	cfg.ProviderSecrets = map[string]string{
		"renderfarm": "renderfarm-secret",
	}
	return cfg
}

// tokenCapture records approval tokens handed out on gate suspension.
type tokenCapture struct {
	BaseRunCallbacks
	mutex  sync.Mutex
	tokens map[string]string // gate name -> token
}

func newTokenCapture() *tokenCapture {
	return &tokenCapture{tokens: map[string]string{}}
}

func (c *tokenCapture) OnRunSuspended(ctx context.Context, event *SuspendEvent) {
	if event.Token == "" {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.tokens[event.Gate.GateName] = event.Token
}

func (c *tokenCapture) token(gate string) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.tokens[gate]
}

// testHarness wires a full engine around a memory store for executor,
// webhook, and registry tests.
type testHarness struct {
	store    *MemoryStore
	config   *Config
	gates    *GateController
	executor *Executor
	registry *Registry
	ingress  *Ingress
	capture  *tokenCapture
}

func newTestHarness(t *testing.T, graphs []*Graph, handlers []NodeHandler) *testHarness {
	t.Helper()
	return newTestHarnessWithStore(t, NewMemoryStore(), graphs, handlers)
}

func newTestHarnessWithStore(t *testing.T, store *MemoryStore, graphs []*Graph, handlers []NodeHandler) *testHarness {
	t.Helper()
	cfg := testConfig()

	gates, err := NewGateController(GateControllerOptions{Config: cfg, Store: store})
	require.NoError(t, err)

	capture := newTokenCapture()
	executor, err := NewExecutor(ExecutorOptions{
		Graphs:    graphs,
		Handlers:  handlers,
		Store:     store,
		Gates:     gates,
		Config:    cfg,
		Callbacks: capture,
	})
	require.NoError(t, err)

	registry, err := NewRegistry(RegistryOptions{Executor: executor, Store: store})
	require.NoError(t, err)

	ingress, err := NewIngress(IngressOptions{Config: cfg, Store: store, Executor: executor})
	require.NoError(t, err)

	return &testHarness{
		store:    store,
		config:   cfg,
		gates:    gates,
		executor: executor,
		registry: registry,
		ingress:  ingress,
		capture:  capture,
	}
}

func echoHandler(name string) NodeHandler {
	return NewNodeFunc(name, func(ctx context.Context, input *NodeInput) (*NodeResult, error) {
		return CompletedResult(map[string]any{"ran_" + input.NodeName: true}), nil
	})
}

func TestNewExecutorValidation(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name:  "g",
		Nodes: []*NodeSpec{{Name: "a", Handler: "echo"}},
	})
	require.NoError(t, err)
	store := NewMemoryStore()
	gates, err := NewGateController(GateControllerOptions{Config: testConfig(), Store: store})
	require.NoError(t, err)

	t.Run("missing graphs", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{
			Handlers: []NodeHandler{echoHandler("echo")},
			Store:    store,
			Gates:    gates,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "graphs are required")
	})

	t.Run("missing handlers", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{
			Graphs: []*Graph{graph},
			Store:  store,
			Gates:  gates,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "handlers are required")
	})

	t.Run("missing store", func(t *testing.T) {
		_, err := NewExecutor(ExecutorOptions{
			Graphs:   []*Graph{graph},
			Handlers: []NodeHandler{echoHandler("echo")},
			Gates:    gates,
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "store is required")
	})
}

func TestRunCompletesThroughAllNodes(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "review", Handler: "echo"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})

	ctx := context.Background()
	runID, err := h.registry.Create(ctx, "episode", map[string]any{"title": "pilot"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	summary, err := h.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, summary.Status)
	require.Equal(t, 3, summary.Cursor)
	require.Equal(t, true, summary.Context["ran_write"])
	require.Equal(t, true, summary.Context["ran_review"])
	require.Equal(t, true, summary.Context["ran_publish"])
	require.Equal(t, "pilot", summary.Context["title"])
}

func TestOptionalNodeSkipped(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "translate", Handler: "echo", Optional: true, RequiresKey: "language"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)

	t.Run("skipped when key absent", func(t *testing.T) {
		h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})
		runID, err := h.registry.Create(context.Background(), "episode", nil)
		require.NoError(t, err)

		summary, err := h.registry.GetSummary(context.Background(), runID)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, summary.Status)
		require.NotContains(t, summary.Context, "ran_translate")
		require.Equal(t, true, summary.Context["ran_publish"])
	})

	t.Run("executed when key present", func(t *testing.T) {
		h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})
		runID, err := h.registry.Create(context.Background(), "episode", map[string]any{"language": "de"})
		require.NoError(t, err)

		summary, err := h.registry.GetSummary(context.Background(), runID)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, summary.Status)
		require.Equal(t, true, summary.Context["ran_translate"])
	})
}

func TestNodeFailureFailsOnlyThatRun(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "explode", Handler: "boom"},
		},
	})
	require.NoError(t, err)
	boom := NewNodeFunc("boom", func(ctx context.Context, input *NodeInput) (*NodeResult, error) {
		return nil, fmt.Errorf("render backend rejected the request")
	})
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo"), boom})

	ctx := context.Background()
	failedID, err := h.registry.Create(ctx, "episode", nil)
	require.Error(t, err)
	require.NotEmpty(t, failedID)

	summary, err := h.registry.GetSummary(ctx, failedID)
	require.NoError(t, err)
	require.Equal(t, RunStatusFailed, summary.Status)
	require.Contains(t, summary.Error, "render backend rejected")

	// A second run on the same executor is unaffected.
	okGraph, err := NewGraph(GraphOptions{
		Name:  "short",
		Nodes: []*NodeSpec{{Name: "write", Handler: "echo"}},
	})
	require.NoError(t, err)
	h2 := newTestHarnessWithStore(t, h.store, []*Graph{graph, okGraph}, []NodeHandler{echoHandler("echo"), boom})
	okID, err := h2.registry.Create(ctx, "short", nil)
	require.NoError(t, err)
	okSummary, err := h2.registry.GetSummary(ctx, okID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, okSummary.Status)
}

func TestExternalWaitSuspendsAndResumes(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "render", Handler: "render"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	render := NewNodeFunc("render", func(ctx context.Context, input *NodeInput) (*NodeResult, error) {
		return WaitingResult("renderfarm", "job-42"), nil
	})
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo"), render})

	ctx := context.Background()
	runID, err := h.registry.Create(ctx, "episode", nil)
	require.NoError(t, err)

	summary, err := h.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusWaitingExternal, summary.Status)
	require.Equal(t, 1, summary.Cursor)

	t.Run("mismatched correlation key is rejected", func(t *testing.T) {
		err := h.executor.Resume(ctx, runID, &ResumePayload{
			Kind:           ResumeKindWebhook,
			Provider:       "renderfarm",
			CorrelationKey: "job-7",
		})
		require.ErrorIs(t, err, ErrStaleResume)
	})

	t.Run("matching resume completes the run", func(t *testing.T) {
		err := h.executor.Resume(ctx, runID, &ResumePayload{
			Kind:           ResumeKindWebhook,
			Provider:       "renderfarm",
			CorrelationKey: "job-42",
			Values:         map[string]any{"render_url": "https://cdn/ep1.mp4"},
		})
		require.NoError(t, err)

		summary, err := h.registry.GetSummary(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, summary.Status)
		require.Equal(t, "https://cdn/ep1.mp4", summary.Context["render_url"])
	})

	t.Run("resume after completion is stale", func(t *testing.T) {
		err := h.executor.Resume(ctx, runID, &ResumePayload{
			Kind:           ResumeKindWebhook,
			Provider:       "renderfarm",
			CorrelationKey: "job-42",
		})
		require.ErrorIs(t, err, ErrStaleResume)
	})
}

func TestGateSuspendsUntilApproved(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "editorial", Gate: "editorial_review"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})

	ctx := context.Background()
	runID, err := h.registry.Create(ctx, "episode", nil)
	require.NoError(t, err)

	summary, err := h.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusWaitingApproval, summary.Status)

	token := h.capture.token("editorial_review")
	require.NotEmpty(t, token)

	payload, err := h.gates.Approve(ctx, runID, "editorial_review", token)
	require.NoError(t, err)
	require.NoError(t, h.executor.Resume(ctx, runID, payload))

	summary, err = h.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, summary.Status)
	require.Equal(t, true, summary.Context["ran_publish"])
	require.Contains(t, summary.Context, "approved_gate_editorial_review")
}

func TestAbortRejectsLaterResumes(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "render", Handler: "render"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	render := NewNodeFunc("render", func(ctx context.Context, input *NodeInput) (*NodeResult, error) {
		return WaitingResult("renderfarm", "job-9"), nil
	})
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo"), render})

	ctx := context.Background()
	runID, err := h.registry.Create(ctx, "episode", nil)
	require.NoError(t, err)

	require.NoError(t, h.registry.Abort(ctx, runID))

	// Abort is idempotent.
	require.NoError(t, h.registry.Abort(ctx, runID))

	err = h.executor.Resume(ctx, runID, &ResumePayload{
		Kind:           ResumeKindWebhook,
		Provider:       "renderfarm",
		CorrelationKey: "job-9",
	})
	require.ErrorIs(t, err, ErrRunAborted)

	summary, err := h.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusAborted, summary.Status)
}

func TestRecoverResumesInterruptedRuns(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	store := NewMemoryStore()

	// Simulate a crash between checkpointing and advancing: persist a run
	// still marked running at cursor 1.
	runID := NewRunID()
	state := newRunState(runID, "episode", map[string]any{"ran_write": true})
	state.SetStatus(RunStatusRunning)
	state.AdvanceCursor()
	require.NoError(t, store.SaveCheckpoint(context.Background(), state.ToCheckpoint()))

	// A fresh process recovers it from the checkpoint alone.
	h := newTestHarnessWithStore(t, store, []*Graph{graph}, []NodeHandler{echoHandler("echo")})
	recovered, err := h.executor.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	summary, err := h.registry.GetSummary(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, summary.Status)
	require.Equal(t, true, summary.Context["ran_publish"])
}

func TestRecoverLeavesSuspendedRunsSuspended(t *testing.T) {
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
	runID, err := h.registry.Create(ctx, "episode", nil)
	require.NoError(t, err)

	h2 := newTestHarnessWithStore(t, h.store, []*Graph{graph}, []NodeHandler{render})
	recovered, err := h2.executor.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, recovered)

	summary, err := h2.registry.GetSummary(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunStatusWaitingExternal, summary.Status)
}

func TestExpireGates(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "editorial", Gate: "editorial_review"},
		},
	})
	require.NoError(t, err)

	store := NewMemoryStore()
	cfg := testConfig()
	cfg.GateTTL = time.Hour

	now := time.Now()
	clock := func() time.Time { return now }

	gates, err := NewGateController(GateControllerOptions{Config: cfg, Store: store, Clock: clock})
	require.NoError(t, err)
	executor, err := NewExecutor(ExecutorOptions{
		Graphs:   []*Graph{graph},
		Handlers: []NodeHandler{echoHandler("echo")},
		Store:    store,
		Gates:    gates,
		Config:   cfg,
		Clock:    func() time.Time { return now },
	})
	require.NoError(t, err)
	registry, err := NewRegistry(RegistryOptions{Executor: executor, Store: store})
	require.NoError(t, err)

	ctx := context.Background()
	runID, err := registry.Create(ctx, "episode", nil)
	require.NoError(t, err)

	t.Run("fresh gate is not expired", func(t *testing.T) {
		expired, err := executor.ExpireGates(ctx)
		require.NoError(t, err)
		require.Zero(t, expired)
	})

	t.Run("overdue gate fails the run", func(t *testing.T) {
		now = now.Add(2 * time.Hour)
		expired, err := executor.ExpireGates(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, expired)

		summary, err := registry.GetSummary(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, RunStatusFailed, summary.Status)
		require.Contains(t, summary.Error, "expired")
	})
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
			{Name: "publish", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})

	const runs = 20
	var wg sync.WaitGroup
	ids := make([]string, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.registry.Create(context.Background(), "episode", map[string]any{"n": i})
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		summary, err := h.registry.GetSummary(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, summary.Status)
	}
}

func TestRunLockTableDoesNotGrow(t *testing.T) {
	graph, err := NewGraph(GraphOptions{
		Name: "episode",
		Nodes: []*NodeSpec{
			{Name: "write", Handler: "echo"},
		},
	})
	require.NoError(t, err)
	h := newTestHarness(t, []*Graph{graph}, []NodeHandler{echoHandler("echo")})

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		runID, err := h.registry.Create(ctx, "episode", nil)
		require.NoError(t, err)
		require.NoError(t, h.executor.Abort(ctx, runID))
	}

	// Lock entries are released with their holders; a long-lived process
	// touching many runs must not accumulate one mutex per run forever.
	h.executor.mutex.Lock()
	held := len(h.executor.runLocks)
	h.executor.mutex.Unlock()
	require.Zero(t, held)
}
