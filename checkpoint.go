package showrunner

import "time"

// Checkpoint contains a complete durable snapshot of a run's state. The
// engine must always be resumable from the latest checkpoint alone; no
// in-memory-only state gates correctness.
type Checkpoint struct {
	RunID     string         `json:"run_id"`
	GraphName string         `json:"graph_name"`
	Status    RunStatus      `json:"status"`
	Cursor    int            `json:"cursor"`
	Context   map[string]any `json:"context"`

	// EnteredNode is the name of the node the run has durably entered but
	// not yet recorded a result for. Written before the node's side effect
	// may occur.
	EnteredNode string `json:"entered_node,omitempty"`

	// Wait is set while status is waiting_external.
	Wait *WaitSpec `json:"wait,omitempty"`

	// Gate is set while status is waiting_approval.
	Gate *GateWait `json:"gate,omitempty"`

	Error        string    `json:"error,omitempty"`
	Seq          int       `json:"seq"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}
