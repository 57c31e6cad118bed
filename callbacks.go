package showrunner

import (
	"context"
	"time"
)

// RunCallbacks defines the callback interface for run lifecycle events.
// Front ends use it to stream progress and to deliver approval tokens to
// humans; none of the engine's guarantees depend on it.
type RunCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Node-level callbacks
	BeforeNode(ctx context.Context, event *NodeEvent)
	AfterNode(ctx context.Context, event *NodeEvent)

	// Suspension callbacks. OnRunSuspended fires after the suspension is
	// checkpointed; for gates the event carries the approval token.
	OnRunSuspended(ctx context.Context, event *SuspendEvent)
	OnRunResumed(ctx context.Context, event *RunEvent)
}

// RunEvent provides context for run-level lifecycle events
type RunEvent struct {
	RunID     string
	GraphName string
	Status    RunStatus
	Cursor    int
	Context   map[string]any
	Error     error
}

// NodeEvent provides context for node execution events
type NodeEvent struct {
	RunID     string
	GraphName string
	NodeName  string
	Handler   string
	Params    map[string]any
	Outputs   map[string]any
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Error     error
}

// SuspendEvent provides context for run suspension events
type SuspendEvent struct {
	RunID     string
	GraphName string
	Status    RunStatus
	NodeName  string
	Wait      *WaitSpec
	Gate      *GateWait
	Token     string
}

// BaseRunCallbacks provides a default implementation that does nothing
type BaseRunCallbacks struct{}

func (n *BaseRunCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) BeforeNode(ctx context.Context, event *NodeEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterNode(ctx context.Context, event *NodeEvent) {
	// noop
}

func (n *BaseRunCallbacks) OnRunSuspended(ctx context.Context, event *SuspendEvent) {
	// noop
}

func (n *BaseRunCallbacks) OnRunResumed(ctx context.Context, event *RunEvent) {
	// noop
}
