// Package sqlite provides a durable showrunner.Store backed by SQLite. It is
// suitable for single-process production use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

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
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
CREATE INDEX IF NOT EXISTS idx_checkpoints_wait ON checkpoints(wait_provider, wait_correlation_key);

CREATE TABLE IF NOT EXISTS webhook_events (
	idempotency_key TEXT PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	signature_status TEXT NOT NULL,
	raw_payload BLOB NOT NULL,
	received_at TEXT NOT NULL,
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
	raw_payload BLOB,
	error TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT,
	resolved_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_due ON dead_letters(resolved_at, next_retry_at);

CREATE TABLE IF NOT EXISTS approvals (
	nonce TEXT PRIMARY KEY,
	consumed_at TEXT NOT NULL
);
`

// Store implements showrunner.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and prepares the schema. Use
// ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection to :memory: gets its own empty database;
		// pin the pool to one connection so the schema is shared.
		db.SetMaxOpenConns(1)
	}
	// WAL improves concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCheckpoint atomically upserts the checkpoint row for the run.
func (s *Store) SaveCheckpoint(ctx context.Context, ck *showrunner.Checkpoint) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	var waitProvider, waitKey string
	if ck.Wait != nil {
		waitProvider = ck.Wait.Provider
		waitKey = ck.Wait.CorrelationKey
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, graph_name, status, wait_provider, wait_correlation_key, seq, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			graph_name = excluded.graph_name,
			status = excluded.status,
			wait_provider = excluded.wait_provider,
			wait_correlation_key = excluded.wait_correlation_key,
			seq = excluded.seq,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, ck.RunID, ck.GraphName, string(ck.Status), waitProvider, waitKey, ck.Seq, data,
		ck.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (*showrunner.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, showrunner.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return unmarshalCheckpoint(data)
}

// CheckpointExists reports whether a checkpoint row exists for the run.
func (s *Store) CheckpointExists(ctx context.Context, runID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM checkpoints WHERE run_id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint exists: %w", err)
	}
	return true, nil
}

// FindWaiting returns the run suspended on the given provider/correlation
// pair.
func (s *Store) FindWaiting(ctx context.Context, provider, correlationKey string) (*showrunner.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM checkpoints
		WHERE wait_provider = ? AND wait_correlation_key = ?
	`, provider, correlationKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM checkpoints WHERE status IN (`+placeholders+`) ORDER BY run_id`, args...)
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
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events
			(idempotency_key, event_id, provider, signature_status, raw_payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, event.IdempotencyKey, event.EventID, event.Provider, event.SignatureStatus,
		event.RawPayload, event.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert webhook event: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted > 0 {
		return nil, nil
	}
	return s.getEventByKey(ctx, event.IdempotencyKey)
}

func (s *Store) getEventByKey(ctx context.Context, key string) (*showrunner.WebhookEvent, error) {
	var (
		event      showrunner.WebhookEvent
		receivedAt string
		ackStatus  sql.NullString
		ackRunID   sql.NullString
		ackDetail  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, event_id, provider, signature_status, raw_payload,
		       received_at, ack_status, ack_run_id, ack_detail
		FROM webhook_events WHERE idempotency_key = ?
	`, key).Scan(&event.IdempotencyKey, &event.EventID, &event.Provider,
		&event.SignatureStatus, &event.RawPayload, &receivedAt,
		&ackStatus, &ackRunID, &ackDetail)
	if err != nil {
		return nil, fmt.Errorf("load webhook event: %w", err)
	}
	event.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	event.AckStatus = showrunner.AckStatus(ackStatus.String)
	event.AckRunID = ackRunID.String
	event.AckDetail = ackDetail.String
	return &event, nil
}

// UpdateEventAck records the ack produced by processing the event.
func (s *Store) UpdateEventAck(ctx context.Context, eventID string, ack *showrunner.Ack) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET ack_status = ?, ack_run_id = ?, ack_detail = ?
		WHERE event_id = ?
	`, string(ack.Status), ack.RunID, ack.Detail, eventID)
	if err != nil {
		return fmt.Errorf("update webhook ack: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("webhook event %s not found", eventID)
	}
	return nil
}

// PurgeEventsBefore removes events received before the cutoff.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge webhook events: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// EnqueueDeadLetter persists a dead letter entry.
func (s *Store) EnqueueDeadLetter(ctx context.Context, entry *showrunner.DeadLetterEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(entry_id, provider, idempotency_key, run_id, correlation_key, raw_payload,
			 error, retry_count, next_retry_at, resolved_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EntryID, entry.Provider, entry.IdempotencyKey, entry.RunID,
		entry.CorrelationKey, entry.RawPayload, entry.Error, entry.RetryCount,
		nullableTime(entry.NextRetryAt), nullableTime(entry.ResolvedAt),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter returns a dead letter entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, entryID string) (*showrunner.DeadLetterEntry, error) {
	row := s.db.QueryRowContext(ctx, deadLetterSelect+` WHERE entry_id = ?`, entryID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s not found", entryID)
	}
	return entry, err
}

// UpdateDeadLetter overwrites a dead letter entry's mutable fields.
func (s *Store) UpdateDeadLetter(ctx context.Context, entry *showrunner.DeadLetterEntry) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letters SET
			error = ?, retry_count = ?, next_retry_at = ?, resolved_at = ?, updated_at = ?
		WHERE entry_id = ?
	`, entry.Error, entry.RetryCount, nullableTime(entry.NextRetryAt),
		nullableTime(entry.ResolvedAt),
		entry.UpdatedAt.UTC().Format(time.RFC3339Nano), entry.EntryID)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s not found", entry.EntryID)
	}
	return nil
}

// ListDeadLetters returns entries matching the filter, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, filter showrunner.DeadLetterFilter) ([]*showrunner.DeadLetterEntry, error) {
	query := deadLetterSelect + ` WHERE 1=1`
	var args []any
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Unresolved || !filter.DueBefore.IsZero() {
		query += ` AND resolved_at IS NULL`
	}
	if !filter.DueBefore.IsZero() {
		query += ` AND (next_retry_at IS NULL OR next_retry_at <= ?)`
		args = append(args, filter.DueBefore.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (nonce, consumed_at) VALUES (?, ?)
		ON CONFLICT(nonce) DO NOTHING
	`, nonce, consumedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("consume approval: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return showrunner.ErrTokenAlreadyUsed
	}
	return nil
}

const deadLetterSelect = `
	SELECT entry_id, provider, idempotency_key, run_id, correlation_key, raw_payload,
	       error, retry_count, next_retry_at, resolved_at, created_at, updated_at
	FROM dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*showrunner.DeadLetterEntry, error) {
	var (
		entry                showrunner.DeadLetterEntry
		idempotencyKey       sql.NullString
		runID                sql.NullString
		correlationKey       sql.NullString
		nextRetryAt          sql.NullString
		resolvedAt           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&entry.EntryID, &entry.Provider, &idempotencyKey, &runID,
		&correlationKey, &entry.RawPayload, &entry.Error, &entry.RetryCount,
		&nextRetryAt, &resolvedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	entry.IdempotencyKey = idempotencyKey.String
	entry.RunID = runID.String
	entry.CorrelationKey = correlationKey.String
	entry.NextRetryAt = parseNullableTime(nextRetryAt)
	entry.ResolvedAt = parseNullableTime(resolvedAt)
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &entry, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func unmarshalCheckpoint(data []byte) (*showrunner.Checkpoint, error) {
	var ck showrunner.Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &ck, nil
}
