package showrunner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DeadLetterEntry records a webhook or processing attempt that failed after
// exhausting automatic handling. Entries are never silently deleted; replay
// marks them resolved.
type DeadLetterEntry struct {
	EntryID        string     `json:"entry_id"`
	Provider       string     `json:"provider"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
	CorrelationKey string     `json:"correlation_key,omitempty"`
	RawPayload     []byte     `json:"raw_payload,omitempty"`
	Error          string     `json:"error"`
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Resolved reports whether the entry has been replayed successfully or
// otherwise closed out.
func (e *DeadLetterEntry) Resolved() bool {
	return e.ResolvedAt != nil
}

// DeadLetterFilter selects dead letter entries for listing and sweeps.
type DeadLetterFilter struct {
	Provider   string
	RunID      string
	Unresolved bool

	// DueBefore selects unresolved entries whose next retry is at or before
	// the given time. Entries with no scheduled retry are always due.
	DueBefore time.Time

	Limit int
}

// Redeliverer re-submits a dead letter's original payload through the
// processing path it failed in. Implemented by the webhook ingress.
type Redeliverer interface {
	Redeliver(ctx context.Context, entry *DeadLetterEntry) error
}

// DLQOptions configures a dead letter queue.
type DLQOptions struct {
	Store  DeadLetterStore
	Target Redeliverer
	Config *Config
	Logger *slog.Logger
	Clock  func() time.Time
}

// DeadLetterQueue stores failed webhook/processing attempts with retry
// bookkeeping and supports manual or scheduled replay. A background sweep
// (external cron) calls SweepDue periodically.
type DeadLetterQueue struct {
	store  DeadLetterStore
	target Redeliverer
	config *Config
	logger *slog.Logger
	clock  func() time.Time
}

// NewDeadLetterQueue creates a dead letter queue.
func NewDeadLetterQueue(opts DLQOptions) (*DeadLetterQueue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Target == nil {
		return nil, fmt.Errorf("redelivery target is required")
	}
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &DeadLetterQueue{
		store:  opts.Store,
		target: opts.Target,
		config: opts.Config,
		logger: opts.Logger,
		clock:  opts.Clock,
	}, nil
}

// Enqueue persists a new dead letter entry, filling in identity and
// timestamps when absent.
func (q *DeadLetterQueue) Enqueue(ctx context.Context, entry *DeadLetterEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = NewDeadLetterID()
	}
	now := q.clock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	return q.store.EnqueueDeadLetter(ctx, entry)
}

// List returns entries matching the filter.
func (q *DeadLetterQueue) List(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetterEntry, error) {
	return q.store.ListDeadLetters(ctx, filter)
}

// Replay re-submits the entry's original payload through the processing
// path. Success marks the entry resolved; failure increments the retry count
// and schedules the next attempt with the shared backoff policy.
func (q *DeadLetterQueue) Replay(ctx context.Context, entryID string) error {
	entry, err := q.store.GetDeadLetter(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Resolved() {
		return nil
	}

	replayErr := q.target.Redeliver(ctx, entry)
	now := q.clock()
	entry.UpdatedAt = now
	if replayErr == nil {
		entry.ResolvedAt = &now
		entry.NextRetryAt = nil
		if err := q.store.UpdateDeadLetter(ctx, entry); err != nil {
			return err
		}
		q.logger.Info("dead letter resolved", "entry_id", entry.EntryID, "retries", entry.RetryCount)
		return nil
	}

	entry.RetryCount++
	entry.Error = replayErr.Error()
	next := now.Add(q.backoffDelay(entry.RetryCount))
	entry.NextRetryAt = &next
	if err := q.store.UpdateDeadLetter(ctx, entry); err != nil {
		return err
	}
	q.logger.Warn("dead letter replay failed",
		"entry_id", entry.EntryID,
		"retry_count", entry.RetryCount,
		"next_retry_at", next,
		"error", replayErr.Error())
	return replayErr
}

// SweepDue replays every unresolved entry whose retry is due. Returns the
// number of entries replayed successfully.
func (q *DeadLetterQueue) SweepDue(ctx context.Context) (int, error) {
	entries, err := q.store.ListDeadLetters(ctx, DeadLetterFilter{
		Unresolved: true,
		DueBefore:  q.clock(),
	})
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, entry := range entries {
		if err := q.Replay(ctx, entry.EntryID); err == nil {
			resolved++
		}
	}
	return resolved, nil
}

// backoffDelay mirrors the retry policy's exponential schedule, capped at
// the configured max delay.
func (q *DeadLetterQueue) backoffDelay(attempt int) time.Duration {
	delay := q.config.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.config.RetryMaxDelay {
			return q.config.RetryMaxDelay
		}
	}
	if delay > q.config.RetryMaxDelay {
		return q.config.RetryMaxDelay
	}
	return delay
}
