package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/lockfile"
	"github.com/eluent/eluent/internal/types"
)

// State file names under the per-repo user data directory.
const (
	stateFileName = ".ledger-sync-state"
	lockFileName  = ".ledger.lock"
)

// stateSchemaVersion is the newest state layout this build understands.
const stateSchemaVersion = 1

// maxOfflineClaims bounds the offline queue; overflow drops oldest.
const maxOfflineClaims = 1000

// ErrUpgradeRequired is returned when the state file was written by a
// newer build.
var ErrUpgradeRequired = errors.New("ledger state written by a newer version; upgrade required")

// State is the persisted ledger bookkeeping.
type State struct {
	SchemaVersion int                  `json:"schema_version"`
	LastPullAt    *time.Time           `json:"last_pull_at,omitempty"`
	LastPushAt    *time.Time           `json:"last_push_at,omitempty"`
	LedgerHead    string               `json:"ledger_head,omitempty"`
	Valid         bool                 `json:"valid"`
	OfflineClaims []types.OfflineClaim `json:"offline_claims,omitempty"`
}

func newState() *State {
	return &State{SchemaVersion: stateSchemaVersion, Valid: true}
}

// StateStore persists ledger state as JSON with atomic writes. A sibling
// lock file serializes writers across processes; the state file itself is
// never locked because readers may hold it open across a rename.
type StateStore struct {
	path string
	lock *lockfile.Lock
}

// NewStateStore returns the state store rooted in the per-repo data dir.
func NewStateStore(dir string) *StateStore {
	return &StateStore{
		path: filepath.Join(dir, stateFileName),
		lock: lockfile.New(filepath.Join(dir, lockFileName)),
	}
}

// Path returns the state file path.
func (ss *StateStore) Path() string { return ss.path }

// Load reads the state. A missing file yields a fresh state; malformed
// JSON resets with a warning rather than failing the enclosing operation.
func (ss *StateStore) Load() (*State, error) {
	data, err := os.ReadFile(ss.path)
	if os.IsNotExist(err) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		debug.Warnf("malformed ledger state %s: %v (resetting)", ss.path, err)
		return newState(), nil
	}
	if st.SchemaVersion > stateSchemaVersion {
		return nil, fmt.Errorf("%w (state schema %d, supported %d)", ErrUpgradeRequired, st.SchemaVersion, stateSchemaVersion)
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = stateSchemaVersion
	}
	return &st, nil
}

// Save writes the state atomically under the ledger lock.
func (ss *StateStore) Save(st *State) error {
	if err := os.MkdirAll(filepath.Dir(ss.path), 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := ss.lock.LockWithTimeout(0); err != nil {
		return err
	}
	defer ss.lock.Unlock()

	st.SchemaVersion = stateSchemaVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger state: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(ss.path), "."+filepath.Base(ss.path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating state temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing ledger state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing ledger state: %w", err)
	}
	if err := os.Rename(tmpName, ss.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing ledger state: %w", err)
	}
	return nil
}

// Update applies mutate to the loaded state and saves the result.
func (ss *StateStore) Update(mutate func(*State)) error {
	st, err := ss.Load()
	if err != nil {
		return err
	}
	mutate(st)
	return ss.Save(st)
}

// RecordOfflineClaim appends a claim made while the remote was
// unreachable. The queue is bounded; overflow drops the oldest entry.
func (ss *StateStore) RecordOfflineClaim(claim types.OfflineClaim) error {
	return ss.Update(func(st *State) {
		st.OfflineClaims = append(st.OfflineClaims, claim)
		if n := len(st.OfflineClaims) - maxOfflineClaims; n > 0 {
			debug.Warnf("offline claim queue full, dropping %d oldest", n)
			st.OfflineClaims = st.OfflineClaims[n:]
		}
	})
}

// Reset removes the state file.
func (ss *StateStore) Reset() error {
	err := os.Remove(ss.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
