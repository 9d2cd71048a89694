package syncer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eluent/eluent/internal/debug"
)

// State records the last successful sync so the next run can use the
// previously merged commit as the three-way base instead of merge-base.
type State struct {
	LastSyncAt time.Time `json:"last_sync_at"`
	BaseCommit string    `json:"base_commit"`
	LocalHead  string    `json:"local_head"`
	RemoteHead string    `json:"remote_head"`
}

// loadState reads the sync state file. A missing or malformed file yields
// nil: sync falls back to merge-base rather than failing.
func loadState(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		debug.Warnf("malformed sync state %s: %v (ignoring)", path, err)
		return nil
	}
	return &st
}

// saveState writes the state atomically (temp + rename).
func saveState(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sync state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating sync state temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing sync state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing sync state: %w", err)
	}
	return nil
}
