package showrunner

import (
	"errors"
	"sync"
	"time"
)

// RunState consolidates all mutable state of one run. All data here is
// serializable for checkpointing. Access is guarded so status reads from the
// registry never race with executor transitions.
type RunState struct {
	runID       string
	graphName   string
	status      RunStatus
	cursor      int
	contextData map[string]any
	enteredNode string
	wait        *WaitSpec
	gate        *GateWait
	err         string
	seq         int
	createdAt   time.Time
	updatedAt   time.Time
	mutex       sync.RWMutex
}

// newRunState creates run state for a fresh run
func newRunState(runID, graphName string, initialInput map[string]any) *RunState {
	now := time.Now()
	return &RunState{
		runID:       runID,
		graphName:   graphName,
		status:      RunStatusCreated,
		contextData: copyMap(initialInput),
		createdAt:   now,
		updatedAt:   now,
	}
}

// ID returns the run ID
func (s *RunState) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.runID
}

// GraphName returns the name of the graph the run executes
func (s *RunState) GraphName() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.graphName
}

// GetStatus returns the current run status
func (s *RunState) GetStatus() RunStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.status
}

// SetStatus updates the run status
func (s *RunState) SetStatus(status RunStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = status
	s.updatedAt = time.Now()
	if status != RunStatusFailed {
		s.err = ""
	}
}

// Cursor returns the index of the current graph position
func (s *RunState) Cursor() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.cursor
}

// AdvanceCursor moves the cursor forward by one position
func (s *RunState) AdvanceCursor() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.cursor++
	s.enteredNode = ""
	s.updatedAt = time.Now()
}

// SetEntered durably marks the node the cursor points at as entered.
func (s *RunState) SetEntered(nodeName string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.enteredNode = nodeName
	s.updatedAt = time.Now()
}

// EnteredNode returns the node recorded as entered, if any
func (s *RunState) EnteredNode() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.enteredNode
}

// GetContext returns a copy of the accumulated run context
func (s *RunState) GetContext() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyMap(s.contextData)
}

// MergeContext merges values into the run context
func (s *RunState) MergeContext(values map[string]any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.contextData == nil {
		s.contextData = map[string]any{}
	}
	for k, v := range values {
		s.contextData[k] = v
	}
	s.updatedAt = time.Now()
}

// HasContextKey reports whether the run context contains key
func (s *RunState) HasContextKey(key string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, ok := s.contextData[key]
	return ok
}

// SetWait records the active external wait and suspends the run
func (s *RunState) SetWait(wait *WaitSpec) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.wait = wait
	s.gate = nil
	s.status = RunStatusWaitingExternal
	s.updatedAt = time.Now()
}

// GetWait returns the active external wait, if any
func (s *RunState) GetWait() *WaitSpec {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.wait
}

// SetGate records the active approval gate and suspends the run
func (s *RunState) SetGate(gate *GateWait) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.gate = gate
	s.wait = nil
	s.status = RunStatusWaitingApproval
	s.updatedAt = time.Now()
}

// GetGate returns the active approval gate, if any
func (s *RunState) GetGate() *GateWait {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.gate
}

// ClearWaits removes any active wait or gate
func (s *RunState) ClearWaits() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.wait = nil
	s.gate = nil
	s.updatedAt = time.Now()
}

// SetError records a failure and marks the run failed
func (s *RunState) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err != nil {
		s.err = err.Error()
		s.status = RunStatusFailed
	} else {
		s.err = ""
	}
	s.updatedAt = time.Now()
}

// GetError returns the recorded failure, if any
func (s *RunState) GetError() error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.err == "" {
		return nil
	}
	return errors.New(s.err)
}

// ToCheckpoint snapshots the state for persistence. The sequence number is
// incremented with each snapshot.
func (s *RunState) ToCheckpoint() *Checkpoint {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.seq++
	return &Checkpoint{
		RunID:        s.runID,
		GraphName:    s.graphName,
		Status:       s.status,
		Cursor:       s.cursor,
		Context:      copyMap(s.contextData),
		EnteredNode:  s.enteredNode,
		Wait:         s.wait,
		Gate:         s.gate,
		Error:        s.err,
		Seq:          s.seq,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
		CheckpointAt: time.Now(),
	}
}

// FromCheckpoint restores the state from a persisted snapshot
func (s *RunState) FromCheckpoint(ck *Checkpoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.runID = ck.RunID
	s.graphName = ck.GraphName
	s.status = ck.Status
	s.cursor = ck.Cursor
	s.contextData = copyMap(ck.Context)
	s.enteredNode = ck.EnteredNode
	s.wait = ck.Wait
	s.gate = ck.Gate
	s.err = ck.Error
	s.seq = ck.Seq
	s.createdAt = ck.CreatedAt
	s.updatedAt = ck.UpdatedAt
}

// Summary returns the externally queryable view of the run
func (s *RunState) Summary(graphLen int) *RunSummary {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return &RunSummary{
		RunID:     s.runID,
		GraphName: s.graphName,
		Status:    s.status,
		Cursor:    s.cursor,
		NodeCount: graphLen,
		Context:   copyMap(s.contextData),
		Error:     s.err,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// copyMap returns a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
