// Package debug provides env-gated diagnostic output and the append-only
// event trail under .eluent/events.log.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("ELUENT_DEBUG") != ""
	verboseMode = false
	logMutex    sync.Mutex
)

// Enabled reports whether diagnostic output is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output regardless of the environment.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Logf writes diagnostic output to stderr when debugging is enabled.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		if !strings.HasSuffix(format, "\n") {
			format += "\n"
		}
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Warnf writes a warning to stderr unconditionally. Warnings cover
// recoverable conditions (skipped malformed lines, reset state files).
func Warnf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, "warning: "+format, args...)
}

// LogEvent appends an event to <eluentDir>/events.log.
// Format: TIMESTAMP|EVENT_CODE|ATOM_ID|AGENT_ID|DETAILS
// Failures are silent: the trail must never interrupt an operation.
func LogEvent(eluentDir, eventCode, atomID, agentID, details string) {
	if atomID == "" {
		atomID = "none"
	}
	if agentID == "" {
		agentID = os.Getenv("ELUENT_AGENT_ID")
		if agentID == "" {
			agentID = os.Getenv("USER")
			if agentID == "" {
				agentID = "unknown"
			}
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	entry := fmt.Sprintf("%s|%s|%s|%s|%s\n", timestamp, eventCode, atomID, agentID, details)

	logMutex.Lock()
	defer logMutex.Unlock()

	logPath := filepath.Join(eluentDir, "events.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(entry)
}
