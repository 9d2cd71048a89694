// Package store persists atoms, bonds, and comments as JSON-Lines under
// <repo>/.eluent and maintains the in-memory indexes every other component
// reads through.
//
// Two files carry records: data.jsonl (synced, committed to git) and
// ephemeral.jsonl (local-only, git-ignored). New records are appended under
// an exclusive advisory lock; updates and deletes rewrite the whole file
// atomically (temp + fsync + rename).
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/idgen"
	"github.com/eluent/eluent/internal/types"
)

// Layout names under the repository root.
const (
	DirName           = ".eluent"
	dataFileName      = "data.jsonl"
	ephemeralFileName = "ephemeral.jsonl"
)

// Store is the per-repository record store. All exported methods are safe
// for concurrent use; mutations are serialized by one mutex per store.
type Store struct {
	repoPath string
	dir      string

	mu       sync.RWMutex
	repoName string
	header   Header
	atoms    map[string]*types.Atom
	bonds    map[types.BondKey]*types.Bond
	comments map[string][]*types.Comment // keyed by parent atom id
	seq      map[string]int              // highest comment sequence per parent
	trie     *idgen.Trie
	version  uint64
	skipped  int

	reg *types.Registry

	subMu sync.Mutex
	subs  []func()

	watchCancel context.CancelFunc
}

// resolveIndex adapts the in-memory maps to idgen.Index. The store's mutex
// must be held for the lifetime of the value.
type resolveIndex struct{ st *Store }

func (ix resolveIndex) HasID(id string) bool {
	_, ok := ix.st.atoms[id]
	return ok
}

func (ix resolveIndex) Trie() *idgen.Trie { return ix.st.trie }

// Init creates <repoPath>/.eluent with an empty data file and returns the
// opened store. Fails with ErrAlreadyInitialized when a data file exists.
func Init(repoPath, repoName string) (*Store, error) {
	dir := filepath.Join(repoPath, DirName)
	dataPath := filepath.Join(dir, dataFileName)
	if _, err := os.Stat(dataPath); err == nil {
		return nil, ErrAlreadyInitialized
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	header := Header{
		RecordType: recordHeader,
		RepoName:   repoName,
		Generator:  Generator,
		CreatedAt:  time.Now().UTC(),
	}
	line, err := marshalHeader(&header)
	if err != nil {
		return nil, err
	}
	if err := appendLines(dataPath, [][]byte{line}); err != nil {
		return nil, err
	}
	// Keep ephemeral records out of version control.
	ignorePath := filepath.Join(dir, ".gitignore")
	ignore := ephemeralFileName + "\n.sync.lock\n.sync-state\nevents.log\n"
	if err := os.WriteFile(ignorePath, []byte(ignore), 0644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", ignorePath, err)
	}
	return Open(repoPath)
}

// Open loads an initialized repository. Fails with ErrNotInitialized when
// the .eluent directory or data file is absent.
func Open(repoPath string) (*Store, error) {
	dir := filepath.Join(repoPath, DirName)
	if _, err := os.Stat(filepath.Join(dir, dataFileName)); err != nil {
		return nil, ErrNotInitialized
	}
	s := &Store{
		repoPath: repoPath,
		dir:      dir,
		reg:      types.DefaultRegistry(),
	}
	s.mu.Lock()
	err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DataPath returns the synced data file path.
func (s *Store) DataPath() string { return filepath.Join(s.dir, dataFileName) }

// EphemeralPath returns the local-only data file path.
func (s *Store) EphemeralPath() string { return filepath.Join(s.dir, ephemeralFileName) }

// Dir returns the .eluent directory path.
func (s *Store) Dir() string { return s.dir }

// RepoPath returns the repository root the store was opened on.
func (s *Store) RepoPath() string { return s.repoPath }

// RepoName returns the name recorded in the data file header.
func (s *Store) RepoName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repoName
}

// Version is a monotonic counter bumped on every mutation and reload.
// Dependents key memoized derived data on it.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SkippedRecords reports how many malformed lines the last load dropped.
func (s *Store) SkippedRecords() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skipped
}

// Subscribe registers a callback invoked after every mutation or reload.
// Callbacks run outside the store lock and must not block for long.
func (s *Store) Subscribe(fn func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify() {
	s.subMu.Lock()
	subs := append([]func(){}, s.subs...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// loadLocked reads both data files and rebuilds every index. Caller holds
// the write lock.
func (s *Store) loadLocked() error {
	s.atoms = make(map[string]*types.Atom)
	s.bonds = make(map[types.BondKey]*types.Bond)
	s.comments = make(map[string][]*types.Comment)
	s.seq = make(map[string]int)
	s.trie = idgen.NewTrie()
	s.skipped = 0

	if err := s.loadFileLocked(s.DataPath(), false); err != nil {
		return err
	}
	if _, err := os.Stat(s.EphemeralPath()); err == nil {
		if err := s.loadFileLocked(s.EphemeralPath(), true); err != nil {
			return err
		}
	}

	// Dangling bonds are reported, never fatal: a partially-synced remote
	// may reference atoms we have not seen yet.
	for key := range s.bonds {
		if _, ok := s.atoms[key.SourceID]; !ok {
			debug.Warnf("bond %s references unknown source atom", key)
			continue
		}
		if _, ok := s.atoms[key.TargetID]; !ok {
			debug.Warnf("bond %s references unknown target atom", key)
		}
	}

	s.version++
	return nil
}

func (s *Store) loadFileLocked(path string, ephemeral bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	// Readers take a shared lock so a concurrent rewrite cannot interleave.
	if err := sharedLock(f); err != nil {
		return err
	}
	defer unlock(f)

	snap, header, skipped, err := ReadSnapshot(f)
	if err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	if skipped > 0 {
		debug.Warnf("%s: skipped %d malformed record(s)", path, skipped)
		s.skipped += skipped
	}
	if header != nil && !ephemeral {
		s.header = *header
		s.repoName = header.RepoName
	}

	for id, a := range snap.Atoms {
		if ephemeral {
			a.Ephemeral = true
		}
		s.atoms[id] = a
		s.trie.Insert(id)
	}
	for key, b := range snap.Bonds {
		s.bonds[key] = b
	}
	for _, c := range snap.Comments {
		s.comments[c.ParentID] = append(s.comments[c.ParentID], c)
		if n := commentSeqOf(c.ID, c.ParentID); n > s.seq[c.ParentID] {
			s.seq[c.ParentID] = n
		}
	}
	for parent := range s.comments {
		sortComments(s.comments[parent])
	}
	return nil
}

// Reload re-reads both data files, rebuilding every index, and notifies
// subscribers.
func (s *Store) Reload() error {
	s.mu.Lock()
	err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// Snapshot returns a deep copy of every record, ephemeral included.
func (s *Store) Snapshot() *types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(true)
}

// SyncedSnapshot returns a deep copy of the synced records only — the unit
// the merge engine and sync orchestrator operate on.
func (s *Store) SyncedSnapshot() *types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(false)
}

func (s *Store) snapshotLocked(includeEphemeral bool) *types.Snapshot {
	snap := types.NewSnapshot()
	for id, a := range s.atoms {
		if a.Ephemeral && !includeEphemeral {
			continue
		}
		snap.Atoms[id] = a.Clone()
	}
	for key, b := range s.bonds {
		if !includeEphemeral && s.bondEphemeralLocked(b) {
			continue
		}
		dup := *b
		snap.Bonds[key] = &dup
	}
	for parent, list := range s.comments {
		if !includeEphemeral {
			if a, ok := s.atoms[parent]; ok && a.Ephemeral {
				continue
			}
		}
		for _, c := range list {
			dup := *c
			snap.Comments = append(snap.Comments, &dup)
		}
	}
	sortComments(snap.Comments)
	return snap
}

// bondEphemeralLocked reports whether a bond belongs in ephemeral.jsonl:
// it does when either endpoint is an ephemeral atom.
func (s *Store) bondEphemeralLocked(b *types.Bond) bool {
	if a, ok := s.atoms[b.SourceID]; ok && a.Ephemeral {
		return true
	}
	if a, ok := s.atoms[b.TargetID]; ok && a.Ephemeral {
		return true
	}
	return false
}

// ReplaceSynced swaps the synced records for the given snapshot, leaving
// ephemeral records untouched, and rewrites both files. Used by the sync
// orchestrator to install a merge result.
func (s *Store) ReplaceSynced(snap *types.Snapshot) error {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.notify()
	}()

	atoms := make(map[string]*types.Atom)
	bonds := make(map[types.BondKey]*types.Bond)
	comments := make(map[string][]*types.Comment)
	seq := make(map[string]int)

	keep := func(a *types.Atom) {
		atoms[a.ID] = a
	}
	for _, a := range s.atoms {
		if a.Ephemeral {
			keep(a)
		}
	}
	for _, a := range snap.Atoms {
		keep(a.Clone())
	}
	for key, b := range s.bonds {
		if s.bondEphemeralLocked(b) {
			bonds[key] = b
		}
	}
	for key, b := range snap.Bonds {
		dup := *b
		bonds[key] = &dup
	}
	for parent, list := range s.comments {
		if a, ok := s.atoms[parent]; ok && a.Ephemeral {
			comments[parent] = list
			seq[parent] = s.seq[parent]
		}
	}
	for _, c := range snap.Comments {
		dup := *c
		comments[c.ParentID] = append(comments[c.ParentID], &dup)
		if n := commentSeqOf(c.ID, c.ParentID); n > seq[c.ParentID] {
			seq[c.ParentID] = n
		}
	}
	for parent := range comments {
		sortComments(comments[parent])
	}

	prevAtoms, prevBonds, prevComments, prevSeq := s.atoms, s.bonds, s.comments, s.seq
	s.atoms, s.bonds, s.comments, s.seq = atoms, bonds, comments, seq
	if err := s.rewriteLocked(); err != nil {
		s.atoms, s.bonds, s.comments, s.seq = prevAtoms, prevBonds, prevComments, prevSeq
		return err
	}
	s.rebuildTrieLocked()
	s.version++
	return nil
}

func (s *Store) rebuildTrieLocked() {
	s.trie = idgen.NewTrie()
	for id := range s.atoms {
		s.trie.Insert(id)
	}
}

// Watch starts reloading the store when data.jsonl changes on disk, until
// the context is cancelled. A sync in another process lands through the
// same atomic rename this store uses, so a reload on rename/write events
// keeps the indexes current.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	go func() {
		defer w.Close()
		dataPath := s.DataPath()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != dataPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					debug.Warnf("reload after external change: %v", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				debug.Logf("store watcher: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one is running.
func (s *Store) Close() {
	if s.watchCancel != nil {
		s.watchCancel()
	}
}

// Stats counts atoms by status. ReadyAtoms is left zero; readiness is a
// derived view the caller computes.
func (s *Store) Stats() types.Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st types.Statistics
	for _, a := range s.atoms {
		st.TotalAtoms++
		switch a.Status {
		case types.StatusOpen:
			st.OpenAtoms++
		case types.StatusInProgress:
			st.InProgressAtoms++
		case types.StatusBlocked:
			st.BlockedAtoms++
		case types.StatusDeferred:
			st.DeferredAtoms++
		case types.StatusClosed:
			st.ClosedAtoms++
		case types.StatusDiscard:
			st.DiscardedAtoms++
		}
	}
	return st
}

// ListAtoms returns clones of the atoms matching the filter, sorted by
// created_at then id. Discards are excluded unless requested.
func (s *Store) ListAtoms(filter types.AtomFilter) []*types.Atom {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Atom
	for _, a := range s.atoms {
		if a.IsDiscarded() && !filter.IncludeDiscards {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.IssueType != nil && a.IssueType != *filter.IssueType {
			continue
		}
		if filter.Assignee != nil && a.Assignee != *filter.Assignee {
			continue
		}
		if filter.Priority != nil && a.Priority != *filter.Priority {
			continue
		}
		if filter.ParentID != "" && a.ParentID != filter.ParentID {
			continue
		}
		if !hasAllLabels(a.Labels, filter.Labels) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// commentSeqOf extracts n from "<parent>-c<n>", or 0 when the id does not
// follow the convention.
func commentSeqOf(id, parent string) int {
	suffix, ok := strings.CutPrefix(id, parent+"-c")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return 0
	}
	return n
}

func sortComments(list []*types.Comment) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ParentID != list[j].ParentID {
			return list[i].ParentID < list[j].ParentID
		}
		si := commentSeqOf(list[i].ID, list[i].ParentID)
		sj := commentSeqOf(list[j].ID, list[j].ParentID)
		if si != sj {
			return si < sj
		}
		return list[i].ID < list[j].ID
	})
}
