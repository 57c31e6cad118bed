package showrunner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation used in tests and
// single-process deployments that can tolerate losing state on restart.
type MemoryStore struct {
	mutex       sync.RWMutex
	checkpoints map[string]*Checkpoint
	events      map[string]*WebhookEvent // by idempotency key
	eventsByID  map[string]*WebhookEvent
	deadLetters map[string]*DeadLetterEntry
	approvals   map[string]time.Time // consumed nonces
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: map[string]*Checkpoint{},
		events:      map[string]*WebhookEvent{},
		eventsByID:  map[string]*WebhookEvent{},
		deadLetters: map[string]*DeadLetterEntry{},
		approvals:   map[string]time.Time{},
	}
}

// SaveCheckpoint atomically upserts the checkpoint for a run.
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *checkpoint
	s.checkpoints[checkpoint.RunID] = &copied
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run.
func (s *MemoryStore) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ck, ok := s.checkpoints[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	copied := *ck
	return &copied, nil
}

// CheckpointExists reports whether a checkpoint exists for a run.
func (s *MemoryStore) CheckpointExists(ctx context.Context, runID string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, ok := s.checkpoints[runID]
	return ok, nil
}

// FindWaiting returns the run whose active wait matches provider and
// correlation key.
func (s *MemoryStore) FindWaiting(ctx context.Context, provider, correlationKey string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, ck := range s.checkpoints {
		if ck.Wait != nil && ck.Wait.Provider == provider && ck.Wait.CorrelationKey == correlationKey {
			copied := *ck
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("provider %q correlation %q: %w", provider, correlationKey, ErrUnknownRun)
}

// ListByStatus returns checkpoints for runs in any of the given statuses.
func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...RunStatus) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*Checkpoint
	for _, ck := range s.checkpoints {
		for _, status := range statuses {
			if ck.Status == status {
				copied := *ck
				out = append(out, &copied)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// InsertEvent stores the event unless its idempotency key was seen before.
func (s *MemoryStore) InsertEvent(ctx context.Context, event *WebhookEvent) (*WebhookEvent, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.events[event.IdempotencyKey]; ok {
		copied := *existing
		return &copied, nil
	}
	copied := *event
	s.events[event.IdempotencyKey] = &copied
	s.eventsByID[event.EventID] = &copied
	return nil, nil
}

// UpdateEventAck records the ack produced by processing the event.
func (s *MemoryStore) UpdateEventAck(ctx context.Context, eventID string, ack *Ack) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	event, ok := s.eventsByID[eventID]
	if !ok {
		return fmt.Errorf("webhook event %s not found", eventID)
	}
	event.AckStatus = ack.Status
	event.AckRunID = ack.RunID
	event.AckDetail = ack.Detail
	return nil
}

// PurgeEventsBefore removes events received before the cutoff.
func (s *MemoryStore) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	purged := 0
	for key, event := range s.events {
		if event.ReceivedAt.Before(cutoff) {
			delete(s.events, key)
			delete(s.eventsByID, event.EventID)
			purged++
		}
	}
	return purged, nil
}

// EnqueueDeadLetter persists a dead letter entry.
func (s *MemoryStore) EnqueueDeadLetter(ctx context.Context, entry *DeadLetterEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copied := *entry
	s.deadLetters[entry.EntryID] = &copied
	return nil
}

// GetDeadLetter returns a dead letter entry by ID.
func (s *MemoryStore) GetDeadLetter(ctx context.Context, entryID string) (*DeadLetterEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, ok := s.deadLetters[entryID]
	if !ok {
		return nil, fmt.Errorf("dead letter %s not found", entryID)
	}
	copied := *entry
	return &copied, nil
}

// UpdateDeadLetter overwrites a dead letter entry.
func (s *MemoryStore) UpdateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.deadLetters[entry.EntryID]; !ok {
		return fmt.Errorf("dead letter %s not found", entry.EntryID)
	}
	copied := *entry
	s.deadLetters[entry.EntryID] = &copied
	return nil
}

// ListDeadLetters returns entries matching the filter, oldest first.
func (s *MemoryStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []*DeadLetterEntry
	for _, entry := range s.deadLetters {
		if !matchDeadLetter(entry, filter) {
			continue
		}
		copied := *entry
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ConsumeApproval claims a token nonce, failing on reuse.
func (s *MemoryStore) ConsumeApproval(ctx context.Context, nonce string, consumedAt time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, used := s.approvals[nonce]; used {
		return ErrTokenAlreadyUsed
	}
	s.approvals[nonce] = consumedAt
	return nil
}

// matchDeadLetter applies a filter to one entry. Shared with the file and
// SQL stores' post-query filtering.
func matchDeadLetter(entry *DeadLetterEntry, filter DeadLetterFilter) bool {
	if filter.Provider != "" && entry.Provider != filter.Provider {
		return false
	}
	if filter.RunID != "" && entry.RunID != filter.RunID {
		return false
	}
	if filter.Unresolved && entry.Resolved() {
		return false
	}
	if !filter.DueBefore.IsZero() {
		if entry.Resolved() {
			return false
		}
		if entry.NextRetryAt != nil && entry.NextRetryAt.After(filter.DueBefore) {
			return false
		}
	}
	return true
}
