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

// NodeLogEntry records one node execution for audit purposes.
type NodeLogEntry struct {
	RunID     string         `json:"run_id"`
	GraphName string         `json:"graph_name"`
	NodeName  string         `json:"node_name"`
	Handler   string         `json:"handler"`
	Cursor    int            `json:"cursor"`
	Params    map[string]any `json:"params,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	Duration  float64        `json:"duration"`
}

// NodeLogger defines the node audit log interface
type NodeLogger interface {
	// LogNode logs a completed node execution
	LogNode(ctx context.Context, entry *NodeLogEntry) error

	// GetNodeHistory retrieves the node log for a run
	GetNodeHistory(ctx context.Context, runID string) ([]*NodeLogEntry, error)
}

// FileNodeLogger is an implementation of NodeLogger that logs to a file.
// A file is created per run, formatted as newline-delimited JSON.
type FileNodeLogger struct {
	directory string
}

func NewFileNodeLogger(directory string) *FileNodeLogger {
	return &FileNodeLogger{directory: directory}
}

func (l *FileNodeLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileNodeLogger) GetNodeHistory(ctx context.Context, runID string) ([]*NodeLogEntry, error) {
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		return nil, err
	}
	var entries []*NodeLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry NodeLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileNodeLogger) LogNode(ctx context.Context, entry *NodeLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	filePath := l.runLogPath(entry.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// NullNodeLogger is a no-op implementation of NodeLogger.
type NullNodeLogger struct{}

func NewNullNodeLogger() *NullNodeLogger {
	return &NullNodeLogger{}
}

func (l *NullNodeLogger) LogNode(ctx context.Context, entry *NodeLogEntry) error {
	return nil
}

func (l *NullNodeLogger) GetNodeHistory(ctx context.Context, runID string) ([]*NodeLogEntry, error) {
	return nil, nil
}
