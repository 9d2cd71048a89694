// Package syncer orchestrates pull-first synchronization of the record
// store over the repository's main branch: fetch, three-way merge against
// the last synced base, atomic swap of the data file, then commit and push.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/git"
	"github.com/eluent/eluent/internal/lockfile"
	"github.com/eluent/eluent/internal/merge"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/types"
)

// Files under .eluent managed by the syncer.
const (
	lockFileName  = ".sync.lock"
	stateFileName = ".sync-state"
	backupSuffix  = ".sync-backup"
)

// ErrSyncInProgress is returned when another sync holds the sync lock.
var ErrSyncInProgress = errors.New("sync already in progress")

// Options selects a sync variant.
type Options struct {
	// PullOnly merges remote changes in but never commits or pushes.
	PullOnly bool
	// PushOnly skips fetch and merge; it just commits and pushes local
	// changes to the data file.
	PushOnly bool
	// DryRun computes the merge and reports the diff without mutating
	// anything.
	DryRun bool
	// Force commits even when in-progress atoms are present.
	Force bool
}

// Diff summarizes what a merge would change relative to the local snapshot.
type Diff struct {
	AtomsAdded    int `json:"atoms_added"`
	AtomsChanged  int `json:"atoms_changed"`
	AtomsRemoved  int `json:"atoms_removed"`
	BondsAdded    int `json:"bonds_added"`
	BondsRemoved  int `json:"bonds_removed"`
	CommentsAdded int `json:"comments_added"`
}

// Result reports what a sync did.
type Result struct {
	UpToDate    bool             `json:"up_to_date"`
	DryRun      bool             `json:"dry_run,omitempty"`
	Committed   bool             `json:"committed"`
	Pushed      bool             `json:"pushed"`
	Conflicts   []merge.Conflict `json:"conflicts,omitempty"`
	ParseErrors int              `json:"parse_errors"`
	Warning     string           `json:"warning,omitempty"`
	Diff        Diff             `json:"diff"`
	LocalHead   string           `json:"local_head,omitempty"`
	RemoteHead  string           `json:"remote_head,omitempty"`
}

// Syncer runs sync operations for one repository.
type Syncer struct {
	store *store.Store
	git   *git.Client
}

// New returns a syncer for the store's repository, taking the network
// timeout from config.
func New(st *store.Store, cfg *config.Config) *Syncer {
	g := git.New(st.RepoPath())
	if cfg != nil && cfg.Sync.NetworkTimeout != nil {
		g = g.WithTimeout(time.Duration(*cfg.Sync.NetworkTimeout) * time.Second)
	}
	return &Syncer{store: st, git: g}
}

func (s *Syncer) lockPath() string  { return filepath.Join(s.store.Dir(), lockFileName) }
func (s *Syncer) statePath() string { return filepath.Join(s.store.Dir(), stateFileName) }

// relDataPath is the data file path relative to the repo root, as git
// wants it (slash-separated).
func (s *Syncer) relDataPath() string {
	rel, err := filepath.Rel(s.store.RepoPath(), s.store.DataPath())
	if err != nil {
		return store.DirName + "/data.jsonl"
	}
	return filepath.ToSlash(rel)
}

// Sync runs one synchronization pass per the options. Concurrent calls in
// any process fail fast with ErrSyncInProgress.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	lock := lockfile.New(s.lockPath())
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, lockfile.ErrLockBusy) {
			return nil, ErrSyncInProgress
		}
		return nil, err
	}
	defer lock.Unlock()

	remote, err := s.git.Remote(ctx)
	if err != nil {
		return nil, err
	}

	if opts.PushOnly {
		return s.pushOnly(ctx, remote, opts)
	}

	if err := s.git.Fetch(ctx, remote); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", remote, err)
	}

	branch, err := s.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	localHead, err := s.git.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, err
	}
	// Remote branch may not exist yet (first push from this clone).
	remoteHead, _ := s.git.RevParse(ctx, remote+"/"+branch)

	state := loadState(s.statePath())
	if remoteHead != "" && remoteHead == localHead && state != nil {
		// Uncommitted appends still need a commit, so the fast path only
		// applies to a clean tree.
		dirty, derr := s.git.HasChanges(ctx, store.DirName)
		if derr == nil && !dirty {
			return &Result{UpToDate: true, LocalHead: localHead, RemoteHead: remoteHead}, nil
		}
	}

	base := ""
	if state != nil {
		base = state.BaseCommit
	}
	if base == "" && remoteHead != "" {
		// No recorded base: fall back to the git ancestor. Unrelated
		// histories leave base empty, which merges as a first sync.
		base, _ = s.git.MergeBase(ctx, localHead, remoteHead)
	}

	res := &Result{LocalHead: localHead, RemoteHead: remoteHead}

	baseSnap, n, err := s.snapshotAt(ctx, base)
	if err != nil {
		return nil, err
	}
	res.ParseErrors += n
	remoteSnap, n, err := s.snapshotAt(ctx, remoteHead)
	if err != nil {
		return nil, err
	}
	res.ParseErrors += n
	// Local comes from the live file, not local_head: appends since the
	// last commit must survive the merge.
	localSnap := s.store.SyncedSnapshot()

	merged := merge.Merge(baseSnap, localSnap, remoteSnap)
	res.Conflicts = merged.Conflicts
	res.Diff = diffSnapshots(localSnap, merged.Snapshot)

	if opts.DryRun {
		res.DryRun = true
		return res, nil
	}

	if err := s.swapData(merged.Snapshot); err != nil {
		return nil, err
	}

	if !opts.PullOnly {
		if err := s.commitAndPush(ctx, remote, branch, merged.Snapshot, opts, res); err != nil {
			// State stays untouched so the next attempt redoes the merge.
			return res, err
		}
		if res.Committed {
			if head, err := s.git.RevParse(ctx, "HEAD"); err == nil {
				res.LocalHead = head
			}
		}
	}

	st := &State{
		LastSyncAt: time.Now().UTC(),
		BaseCommit: remoteHead,
		LocalHead:  res.LocalHead,
		RemoteHead: remoteHead,
	}
	if remoteHead == "" {
		st.BaseCommit = res.LocalHead
	}
	if err := saveState(s.statePath(), st); err != nil {
		debug.Warnf("saving sync state: %v", err)
	}
	return res, nil
}

// pushOnly commits any data-file changes and pushes, without fetching or
// merging.
func (s *Syncer) pushOnly(ctx context.Context, remote string, opts Options) (*Result, error) {
	branch, err := s.git.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if err := s.commitAndPush(ctx, remote, branch, s.store.SyncedSnapshot(), opts, res); err != nil {
		return res, err
	}
	if head, err := s.git.RevParse(ctx, "HEAD"); err == nil {
		res.LocalHead = head
	}
	state := loadState(s.statePath())
	if state == nil {
		state = &State{}
	}
	state.LastSyncAt = time.Now().UTC()
	state.LocalHead = res.LocalHead
	if err := saveState(s.statePath(), state); err != nil {
		debug.Warnf("saving sync state: %v", err)
	}
	return res, nil
}

// snapshotAt reads the data file at a commit. An empty commit or a commit
// without the file yields an empty snapshot.
func (s *Syncer) snapshotAt(ctx context.Context, commit string) (*types.Snapshot, int, error) {
	if commit == "" {
		return types.NewSnapshot(), 0, nil
	}
	content, ok, err := s.git.Show(ctx, commit, s.relDataPath())
	if err != nil {
		return nil, 0, fmt.Errorf("reading data file at %s: %w", commit, err)
	}
	if !ok {
		return types.NewSnapshot(), 0, nil
	}
	snap, _, skipped, err := store.ReadSnapshot(strings.NewReader(content))
	if err != nil {
		return nil, 0, fmt.Errorf("parsing data file at %s: %w", commit, err)
	}
	if skipped > 0 {
		debug.Warnf("skipped %d malformed records at %s", skipped, commit)
	}
	return snap, skipped, nil
}

// swapData backs up the data file, installs the merged snapshot, and
// restores the backup if the swap fails.
func (s *Syncer) swapData(snap *types.Snapshot) error {
	dataPath := s.store.DataPath()
	backupPath := dataPath + backupSuffix
	backup, err := os.ReadFile(dataPath)
	if err != nil {
		return fmt.Errorf("backing up data file: %w", err)
	}
	if err := os.WriteFile(backupPath, backup, 0644); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}

	if err := s.store.ReplaceSynced(snap); err != nil {
		if rerr := os.WriteFile(dataPath, backup, 0644); rerr != nil {
			debug.Warnf("restoring backup after failed swap: %v", rerr)
		} else if rerr := s.store.Reload(); rerr != nil {
			debug.Warnf("reloading after restore: %v", rerr)
		}
		return fmt.Errorf("installing merged data: %w", err)
	}
	os.Remove(backupPath)
	return nil
}

// commitAndPush commits .eluent changes and pushes them. In-progress atoms
// hold the commit back unless forced; the push error propagates so callers
// can leave the sync state unadvanced.
func (s *Syncer) commitAndPush(ctx context.Context, remote, branch string, snap *types.Snapshot, opts Options, res *Result) error {
	dirty, err := s.git.HasChanges(ctx, store.DirName)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if n := countInProgress(snap); n > 0 && !opts.Force {
		res.Warning = fmt.Sprintf("%d in-progress atoms present; not committing (use force to override)", n)
		debug.Warnf("%s", res.Warning)
		return nil
	}
	if err := s.git.Add(ctx, store.DirName); err != nil {
		return err
	}
	if err := s.git.Commit(ctx, "eluent: sync data"); err != nil {
		return err
	}
	res.Committed = true
	if err := s.git.Push(ctx, remote, branch); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	res.Pushed = true
	return nil
}

func countInProgress(snap *types.Snapshot) int {
	n := 0
	for _, a := range snap.Atoms {
		if a.Status == types.StatusInProgress {
			n++
		}
	}
	return n
}

// diffSnapshots summarizes merged relative to local.
func diffSnapshots(local, merged *types.Snapshot) Diff {
	var d Diff
	for id, m := range merged.Atoms {
		l, ok := local.Atoms[id]
		switch {
		case !ok:
			d.AtomsAdded++
		case !atomsAlike(l, m):
			d.AtomsChanged++
		}
	}
	for id := range local.Atoms {
		if _, ok := merged.Atoms[id]; !ok {
			d.AtomsRemoved++
		}
	}
	for key := range merged.Bonds {
		if _, ok := local.Bonds[key]; !ok {
			d.BondsAdded++
		}
	}
	for key := range local.Bonds {
		if _, ok := merged.Bonds[key]; !ok {
			d.BondsRemoved++
		}
	}
	have := make(map[string]bool, len(local.Comments))
	for _, c := range local.Comments {
		have[c.ID] = true
	}
	for _, c := range merged.Comments {
		if !have[c.ID] {
			d.CommentsAdded++
		}
	}
	return d
}

// atomsAlike is a cheap change detector for diff counting; the merge engine
// owns real equality.
func atomsAlike(a, b *types.Atom) bool {
	return a.Status == b.Status &&
		a.Title == b.Title &&
		a.Assignee == b.Assignee &&
		a.Priority == b.Priority &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		len(a.Labels) == len(b.Labels)
}
