package showrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(runID string, status RunStatus) *Checkpoint {
	now := time.Now()
	return &Checkpoint{
		RunID:        runID,
		GraphName:    "episode",
		Status:       status,
		Cursor:       1,
		Context:      map[string]any{"title": "pilot"},
		Seq:          1,
		CreatedAt:    now,
		UpdatedAt:    now,
		CheckpointAt: now,
	}
}

func TestMemoryStoreCheckpoints(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("load missing run", func(t *testing.T) {
		_, err := store.LoadCheckpoint(ctx, "run_missing")
		require.ErrorIs(t, err, ErrRunNotFound)

		exists, err := store.CheckpointExists(ctx, "run_missing")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("save and load", func(t *testing.T) {
		ck := sampleCheckpoint("run_a", RunStatusRunning)
		require.NoError(t, store.SaveCheckpoint(ctx, ck))

		loaded, err := store.LoadCheckpoint(ctx, "run_a")
		require.NoError(t, err)
		require.Equal(t, RunStatusRunning, loaded.Status)
		require.Equal(t, "pilot", loaded.Context["title"])

		exists, err := store.CheckpointExists(ctx, "run_a")
		require.NoError(t, err)
		require.True(t, exists)
	})

	t.Run("save overwrites", func(t *testing.T) {
		ck := sampleCheckpoint("run_a", RunStatusCompleted)
		ck.Seq = 2
		require.NoError(t, store.SaveCheckpoint(ctx, ck))

		loaded, err := store.LoadCheckpoint(ctx, "run_a")
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, loaded.Status)
		require.Equal(t, 2, loaded.Seq)
	})
}

func TestMemoryStoreFindWaiting(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	waiting := sampleCheckpoint("run_w", RunStatusWaitingExternal)
	waiting.Wait = &WaitSpec{Provider: "renderfarm", CorrelationKey: "job-1", NodeName: "render", CreatedAt: time.Now()}
	require.NoError(t, store.SaveCheckpoint(ctx, waiting))

	other := sampleCheckpoint("run_x", RunStatusRunning)
	require.NoError(t, store.SaveCheckpoint(ctx, other))

	found, err := store.FindWaiting(ctx, "renderfarm", "job-1")
	require.NoError(t, err)
	require.Equal(t, "run_w", found.RunID)

	_, err = store.FindWaiting(ctx, "renderfarm", "job-2")
	require.ErrorIs(t, err, ErrUnknownRun)

	_, err = store.FindWaiting(ctx, "voicegen", "job-1")
	require.ErrorIs(t, err, ErrUnknownRun)
}

func TestMemoryStoreListByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveCheckpoint(ctx, sampleCheckpoint("run_1", RunStatusRunning)))
	require.NoError(t, store.SaveCheckpoint(ctx, sampleCheckpoint("run_2", RunStatusCompleted)))
	require.NoError(t, store.SaveCheckpoint(ctx, sampleCheckpoint("run_3", RunStatusCreated)))

	cks, err := store.ListByStatus(ctx, RunStatusCreated, RunStatusRunning)
	require.NoError(t, err)
	require.Len(t, cks, 2)
	require.Equal(t, "run_1", cks[0].RunID)
	require.Equal(t, "run_3", cks[1].RunID)
}

func TestMemoryStoreEventDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	event := &WebhookEvent{
		EventID:        NewEventID(),
		IdempotencyKey: "key-1",
		Provider:       "renderfarm",
		ReceivedAt:     time.Now(),
	}
	existing, err := store.InsertEvent(ctx, event)
	require.NoError(t, err)
	require.Nil(t, existing)

	require.NoError(t, store.UpdateEventAck(ctx, event.EventID, &Ack{
		Status: AckAccepted,
		RunID:  "run_a",
	}))

	duplicate := &WebhookEvent{
		EventID:        NewEventID(),
		IdempotencyKey: "key-1",
		Provider:       "renderfarm",
		ReceivedAt:     time.Now(),
	}
	existing, err = store.InsertEvent(ctx, duplicate)
	require.NoError(t, err)
	require.NotNil(t, existing)
	require.Equal(t, event.EventID, existing.EventID)
	require.Equal(t, AckAccepted, existing.AckStatus)
	require.Equal(t, "run_a", existing.AckRunID)
}

func TestMemoryStoreConsumeApproval(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.ConsumeApproval(ctx, "nonce-1", now))
	require.ErrorIs(t, store.ConsumeApproval(ctx, "nonce-1", now), ErrTokenAlreadyUsed)
	require.NoError(t, store.ConsumeApproval(ctx, "nonce-2", now))
}

func TestFileCheckpointStore(t *testing.T) {
	store, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, store.SaveCheckpoint(ctx, sampleCheckpoint("run_a", RunStatusRunning)))

		loaded, err := store.LoadCheckpoint(ctx, "run_a")
		require.NoError(t, err)
		require.Equal(t, RunStatusRunning, loaded.Status)
		require.Equal(t, "pilot", loaded.Context["title"])
	})

	t.Run("history grows with each save", func(t *testing.T) {
		next := sampleCheckpoint("run_a", RunStatusCompleted)
		next.Seq = 2
		require.NoError(t, store.SaveCheckpoint(ctx, next))

		history, err := store.History("run_a")
		require.NoError(t, err)
		require.Len(t, history, 2)

		loaded, err := store.LoadCheckpoint(ctx, "run_a")
		require.NoError(t, err)
		require.Equal(t, RunStatusCompleted, loaded.Status)
	})

	t.Run("find waiting scans latest checkpoints", func(t *testing.T) {
		waiting := sampleCheckpoint("run_w", RunStatusWaitingExternal)
		waiting.Wait = &WaitSpec{Provider: "renderfarm", CorrelationKey: "job-1"}
		require.NoError(t, store.SaveCheckpoint(ctx, waiting))

		found, err := store.FindWaiting(ctx, "renderfarm", "job-1")
		require.NoError(t, err)
		require.Equal(t, "run_w", found.RunID)

		_, err = store.FindWaiting(ctx, "renderfarm", "job-2")
		require.ErrorIs(t, err, ErrUnknownRun)
	})

	t.Run("list by status", func(t *testing.T) {
		cks, err := store.ListByStatus(ctx, RunStatusCompleted)
		require.NoError(t, err)
		require.Len(t, cks, 1)
		require.Equal(t, "run_a", cks[0].RunID)
	})

	t.Run("missing run", func(t *testing.T) {
		_, err := store.LoadCheckpoint(ctx, "run_missing")
		require.ErrorIs(t, err, ErrRunNotFound)
	})
}
