// Package postgres provides a durable showrunner.Store backed by PostgreSQL
// via pgx. It is the store to use when more than one process serves the
// engine: the single-row checkpoint upsert and the unique idempotency key
// constraint hold across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/showrunner-ai/showrunner"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT PRIMARY KEY,
	graph_name TEXT NOT NULL,
	status TEXT NOT NULL,
	wait_provider TEXT,
	wait_correlation_key TEXT,
	seq INTEGER NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
CREATE INDEX IF NOT EXISTS idx_checkpoints_wait ON checkpoints(wait_provider, wait_correlation_key);

CREATE TABLE IF NOT EXISTS webhook_events (
	idempotency_key TEXT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	signature_status TEXT NOT NULL,
	raw_payload BYTEA NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	ack_status TEXT,
	ack_run_id TEXT,
	ack_detail TEXT
);

CREATE TABLE IF NOT EXISTS dead_letters (
	entry_id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	idempotency_key TEXT,
	run_id TEXT,
	correlation_key TEXT,
	raw_payload BYTEA,
	error TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_due ON dead_letters(resolved_at, next_retry_at);

CREATE TABLE IF NOT EXISTS approvals (
	nonce TEXT PRIMARY KEY,
	consumed_at TIMESTAMPTZ NOT NULL
);
`

// Store implements showrunner.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and prepares the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveCheckpoint atomically upserts the checkpoint row for the run.
func (s *Store) SaveCheckpoint(ctx context.Context, ck *showrunner.Checkpoint) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	var waitProvider, waitKey *string
	if ck.Wait != nil {
		waitProvider = &ck.Wait.Provider
		waitKey = &ck.Wait.CorrelationKey
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (run_id, graph_name, status, wait_provider, wait_correlation_key, seq, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			graph_name = EXCLUDED.graph_name,
			status = EXCLUDED.status,
			wait_provider = EXCLUDED.wait_provider,
			wait_correlation_key = EXCLUDED.wait_correlation_key,
			seq = EXCLUDED.seq,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`, ck.RunID, ck.GraphName, string(ck.Status), waitProvider, waitKey, ck.Seq, data, ck.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (*showrunner.Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, showrunner.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return unmarshalCheckpoint(data)
}

// CheckpointExists reports whether a checkpoint row exists for the run.
func (s *Store) CheckpointExists(ctx context.Context, runID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM checkpoints WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checkpoint exists: %w", err)
	}
	return exists, nil
}

// FindWaiting returns the run suspended on the given provider/correlation
// pair.
func (s *Store) FindWaiting(ctx context.Context, provider, correlationKey string) (*showrunner.Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM checkpoints
		WHERE wait_provider = $1 AND wait_correlation_key = $2
	`, provider, correlationKey).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("provider %q correlation %q: %w", provider, correlationKey, showrunner.ErrUnknownRun)
	}
	if err != nil {
		return nil, fmt.Errorf("find waiting run: %w", err)
	}
	return unmarshalCheckpoint(data)
}

// ListByStatus returns checkpoints for runs in any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...showrunner.RunStatus) ([]*showrunner.Checkpoint, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, status := range statuses {
		names[i] = string(status)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM checkpoints WHERE status = ANY($1) ORDER BY run_id`, names)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*showrunner.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ck, err := unmarshalCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ck)
	}
	return out, rows.Err()
}

// InsertEvent stores the event; the primary key on idempotency_key collapses
// duplicates, and the original row is returned so its ack can be replayed.
func (s *Store) InsertEvent(ctx context.Context, event *showrunner.WebhookEvent) (*showrunner.WebhookEvent, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events
			(idempotency_key, event_id, provider, signature_status, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, event.IdempotencyKey, event.EventID, event.Provider, event.SignatureStatus,
		event.RawPayload, event.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("insert webhook event: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil, nil
	}

	var (
		existing  showrunner.WebhookEvent
		ackStatus *string
		ackRunID  *string
		ackDetail *string
	)
	err = s.pool.QueryRow(ctx, `
		SELECT idempotency_key, event_id, provider, signature_status, raw_payload,
		       received_at, ack_status, ack_run_id, ack_detail
		FROM webhook_events WHERE idempotency_key = $1
	`, event.IdempotencyKey).Scan(&existing.IdempotencyKey, &existing.EventID,
		&existing.Provider, &existing.SignatureStatus, &existing.RawPayload,
		&existing.ReceivedAt, &ackStatus, &ackRunID, &ackDetail)
	if err != nil {
		return nil, fmt.Errorf("load webhook event: %w", err)
	}
	if ackStatus != nil {
		existing.AckStatus = showrunner.AckStatus(*ackStatus)
	}
	if ackRunID != nil {
		existing.AckRunID = *ackRunID
	}
	if ackDetail != nil {
		existing.AckDetail = *ackDetail
	}
	return &existing, nil
}

// UpdateEventAck records the ack produced by processing the event.
func (s *Store) UpdateEventAck(ctx context.Context, eventID string, ack *showrunner.Ack) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET ack_status = $1, ack_run_id = $2, ack_detail = $3
		WHERE event_id = $4
	`, string(ack.Status), ack.RunID, ack.Detail, eventID)
	if err != nil {
		return fmt.Errorf("update webhook ack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook event %s not found", eventID)
	}
	return nil
}

// PurgeEventsBefore removes events received before the cutoff.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// EnqueueDeadLetter persists a dead letter entry.
func (s *Store) EnqueueDeadLetter(ctx context.Context, entry *showrunner.DeadLetterEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(entry_id, provider, idempotency_key, run_id, correlation_key, raw_payload,
			 error, retry_count, next_retry_at, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.EntryID, entry.Provider, entry.IdempotencyKey, entry.RunID,
		entry.CorrelationKey, entry.RawPayload, entry.Error, entry.RetryCount,
		entry.NextRetryAt, entry.ResolvedAt, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter returns a dead letter entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID string) (*showrunner.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, deadLetterSelect+` WHERE entry_id = $1`, entryID)
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("dead letter %s not found", entryID)
	}
	return scanDeadLetter(rows)
}

// UpdateDeadLetter overwrites a dead letter entry's mutable fields.
func (s *Store) UpdateDeadLetter(ctx context.Context, entry *showrunner.DeadLetterEntry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET
			error = $1, retry_count = $2, next_retry_at = $3, resolved_at = $4, updated_at = $5
		WHERE entry_id = $6
	`, entry.Error, entry.RetryCount, entry.NextRetryAt, entry.ResolvedAt,
		entry.UpdatedAt, entry.EntryID)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s not found", entry.EntryID)
	}
	return nil
}

// ListDeadLetters returns entries matching the filter, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, filter showrunner.DeadLetterFilter) ([]*showrunner.DeadLetterEntry, error) {
	query := deadLetterSelect + ` WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Provider != "" {
		query += ` AND provider = ` + arg(filter.Provider)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ` + arg(filter.RunID)
	}
	if filter.Unresolved || !filter.DueBefore.IsZero() {
		query += ` AND resolved_at IS NULL`
	}
	if !filter.DueBefore.IsZero() {
		query += ` AND (next_retry_at IS NULL OR next_retry_at <= ` + arg(filter.DueBefore) + `)`
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*showrunner.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ConsumeApproval claims a token nonce; the primary key rejects reuse.
func (s *Store) ConsumeApproval(ctx context.Context, nonce string, consumedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO approvals (nonce, consumed_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, consumedAt)
	if err != nil {
		return fmt.Errorf("consume approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return showrunner.ErrTokenAlreadyUsed
	}
	return nil
}

const deadLetterSelect = `
	SELECT entry_id, provider, idempotency_key, run_id, correlation_key, raw_payload,
	       error, retry_count, next_retry_at, resolved_at, created_at, updated_at
	FROM dead_letters`

func scanDeadLetter(rows pgx.Rows) (*showrunner.DeadLetterEntry, error) {
	var (
		entry          showrunner.DeadLetterEntry
		idempotencyKey *string
		runID          *string
		correlationKey *string
	)
	err := rows.Scan(&entry.EntryID, &entry.Provider, &idempotencyKey, &runID,
		&correlationKey, &entry.RawPayload, &entry.Error, &entry.RetryCount,
		&entry.NextRetryAt, &entry.ResolvedAt, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if idempotencyKey != nil {
		entry.IdempotencyKey = *idempotencyKey
	}
	if runID != nil {
		entry.RunID = *runID
	}
	if correlationKey != nil {
		entry.CorrelationKey = *correlationKey
	}
	return &entry, nil
}

func unmarshalCheckpoint(data []byte) (*showrunner.Checkpoint, error) {
	var ck showrunner.Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &ck, nil
}
