package showrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileCheckpointStore persists checkpoints to disk, retaining an append-only
// history of snapshots per run for audit alongside the latest snapshot. It
// implements CheckpointStore only; deployments needing the full Store use
// the sqlite or postgres packages.
type FileCheckpointStore struct {
	dataDir string
}

// NewFileCheckpointStore creates a file-based checkpoint store.
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".showrunner", "runs")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir}, nil
}

// SaveCheckpoint writes the snapshot to the run's history and updates the
// latest pointer.
func (s *FileCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(s.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	snapshotPath := filepath.Join(runDir, fmt.Sprintf("checkpoint-%06d.json", checkpoint.Seq))
	if err := os.WriteFile(snapshotPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	// The latest pointer is written via a temp file and rename so readers
	// never observe a torn snapshot.
	latestPath := filepath.Join(runDir, "latest.json")
	tmpPath := latestPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write latest checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run.
func (s *FileCheckpointStore) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	latestPath := filepath.Join(s.dataDir, runID, "latest.json")
	data, err := os.ReadFile(latestPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// CheckpointExists reports whether a checkpoint exists for a run.
func (s *FileCheckpointStore) CheckpointExists(ctx context.Context, runID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dataDir, runID, "latest.json"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindWaiting scans the latest checkpoints for a run suspended on the given
// provider and correlation key.
func (s *FileCheckpointStore) FindWaiting(ctx context.Context, provider, correlationKey string) (*Checkpoint, error) {
	var found *Checkpoint
	err := s.eachLatest(func(ck *Checkpoint) bool {
		if ck.Wait != nil && ck.Wait.Provider == provider && ck.Wait.CorrelationKey == correlationKey {
			found = ck
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("provider %q correlation %q: %w", provider, correlationKey, ErrUnknownRun)
	}
	return found, nil
}

// ListByStatus returns the latest checkpoints for runs in any of the given
// statuses.
func (s *FileCheckpointStore) ListByStatus(ctx context.Context, statuses ...RunStatus) ([]*Checkpoint, error) {
	var out []*Checkpoint
	err := s.eachLatest(func(ck *Checkpoint) bool {
		for _, status := range statuses {
			if ck.Status == status {
				out = append(out, ck)
				break
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// History returns all retained snapshot timestamps for a run, oldest first.
func (s *FileCheckpointStore) History(runID string) ([]time.Time, error) {
	runDir := filepath.Join(s.dataDir, runID)
	entries, err := os.ReadDir(runDir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "checkpoint-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, info.ModTime())
	}
	return out, nil
}

// eachLatest invokes fn with every run's latest checkpoint until fn returns
// false.
func (s *FileCheckpointStore) eachLatest(fn func(*Checkpoint) bool) error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dataDir, entry.Name(), "latest.json"))
		if err != nil {
			continue
		}
		var ck Checkpoint
		if err := json.Unmarshal(data, &ck); err != nil {
			continue
		}
		if !fn(&ck) {
			return nil
		}
	}
	return nil
}
