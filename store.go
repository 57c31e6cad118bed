package showrunner

import (
	"context"
	"time"
)

// CheckpointStore persists run checkpoints. Implementations must support
// concurrent calls for different runs; the executor's per-run lock guarantees
// that only one Save for a given run is ever in flight.
type CheckpointStore interface {
	// SaveCheckpoint atomically upserts the checkpoint for a run.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a run. Returns
	// ErrRunNotFound if no checkpoint exists.
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// CheckpointExists reports whether a checkpoint exists for a run.
	CheckpointExists(ctx context.Context, runID string) (bool, error)

	// FindWaiting returns the run suspended on an external wait matching the
	// given provider and correlation key. Returns ErrUnknownRun if none.
	FindWaiting(ctx context.Context, provider, correlationKey string) (*Checkpoint, error)

	// ListByStatus returns checkpoints for runs in any of the given
	// statuses. Used for crash recovery and gate expiry sweeps.
	ListByStatus(ctx context.Context, statuses ...RunStatus) ([]*Checkpoint, error)
}

// WebhookEventStore persists inbound webhook events with a uniqueness
// constraint on the idempotency key.
type WebhookEventStore interface {
	// InsertEvent stores the event. If an event with the same idempotency
	// key already exists, nothing is written and the original event is
	// returned so its ack can be replayed.
	InsertEvent(ctx context.Context, event *WebhookEvent) (existing *WebhookEvent, err error)

	// UpdateEventAck records the ack produced by processing the event.
	UpdateEventAck(ctx context.Context, eventID string, ack *Ack) error

	// PurgeEventsBefore removes events received before the cutoff. Callers
	// only purge keys whose runs are terminal.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DeadLetterStore persists failed webhook/processing attempts. Entries are
// never deleted, only marked resolved.
type DeadLetterStore interface {
	EnqueueDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, entryID string) (*DeadLetterEntry, error)
	UpdateDeadLetter(ctx context.Context, entry *DeadLetterEntry) error
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error)
}

// ApprovalStore records consumed approval token nonces so a token can never
// be used twice.
type ApprovalStore interface {
	// ConsumeApproval claims a token nonce. Returns ErrTokenAlreadyUsed if
	// the nonce was already claimed.
	ConsumeApproval(ctx context.Context, nonce string, consumedAt time.Time) error
}

// Store is the full persistence contract the engine needs: checkpoints,
// webhook events, dead letters, and approval consumption in one durable
// store supporting atomic single-row upsert and a uniqueness constraint on
// the idempotency key.
type Store interface {
	CheckpointStore
	WebhookEventStore
	DeadLetterStore
	ApprovalStore
}
