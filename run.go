package showrunner

import (
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new type-prefixed UUID for run identification
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewEventID returns a new ID for a webhook event record
func NewEventID() string {
	id, err := typeid.WithPrefix("evt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewDeadLetterID returns a new ID for a dead letter entry
func NewDeadLetterID() string {
	id, err := typeid.WithPrefix("dlq")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusCreated         RunStatus = "created"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingExternal RunStatus = "waiting_external"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusAborted         RunStatus = "aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// Waiting reports whether the run is suspended on an external event or a
// human approval.
func (s RunStatus) Waiting() bool {
	return s == RunStatusWaitingExternal || s == RunStatusWaitingApproval
}

// WaitSpec records why a run is suspended on an external event: which
// provider will call back and the correlation key its callback must carry.
// Exactly one WaitSpec is active per suspended run.
type WaitSpec struct {
	Provider       string    `json:"provider"`
	CorrelationKey string    `json:"correlation_key"`
	NodeName       string    `json:"node_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// GateWait records why a run is suspended at an approval gate.
type GateWait struct {
	GateName  string    `json:"gate_name"`
	CreatedAt time.Time `json:"created_at"`
}

// RunSummary is the externally queryable view of a run. It never includes
// raw payloads or signature material.
type RunSummary struct {
	RunID     string         `json:"run_id"`
	GraphName string         `json:"graph_name"`
	Status    RunStatus      `json:"status"`
	Cursor    int            `json:"cursor"`
	NodeCount int            `json:"node_count"`
	Context   map[string]any `json:"context,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
