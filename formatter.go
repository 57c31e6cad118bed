package showrunner

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
)

// RunFormatter interface for pretty output
type RunFormatter interface {
	PrintNodeStart(nodeName string, handlerName string)
	PrintNodeOutput(nodeName string, outputs map[string]any)
	PrintNodeError(nodeName string, err error)
	PrintRunStatus(runID string, status RunStatus)
}

// ConsoleRunFormatter prints colorized run progress to stdout.
type ConsoleRunFormatter struct{}

// NewConsoleRunFormatter creates a console formatter.
func NewConsoleRunFormatter() *ConsoleRunFormatter {
	return &ConsoleRunFormatter{}
}

func (f *ConsoleRunFormatter) PrintNodeStart(nodeName string, handlerName string) {
	color.Cyan("▶ %s (%s)", nodeName, handlerName)
}

func (f *ConsoleRunFormatter) PrintNodeOutput(nodeName string, outputs map[string]any) {
	data, err := json.MarshalIndent(outputs, "  ", "  ")
	if err != nil {
		color.White("  %s: %v", nodeName, outputs)
		return
	}
	color.White("  %s: %s", nodeName, string(data))
}

func (f *ConsoleRunFormatter) PrintNodeError(nodeName string, err error) {
	color.Red("✗ %s: %v", nodeName, err)
}

func (f *ConsoleRunFormatter) PrintRunStatus(runID string, status RunStatus) {
	switch status {
	case RunStatusCompleted:
		color.Green("✓ %s %s", runID, status)
	case RunStatusFailed, RunStatusAborted:
		color.Red("✗ %s %s", runID, status)
	default:
		fmt.Printf("%s %s\n", runID, status)
	}
}
