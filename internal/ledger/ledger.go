// Package ledger coordinates atomic work claims between agents through a
// dedicated orphan git branch. The branch carries only the .eluent tree
// and is checked out in a private worktree under the per-user data root,
// so high-frequency claim commits never disturb the main checkout or the
// project's history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/git"
	"github.com/eluent/eluent/internal/ready"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/types"
)

// DefaultBranch is the conventional ledger branch name.
const DefaultBranch = "eluent-sync"

// worktreeDirName is the ledger checkout under the per-repo data dir.
const worktreeDirName = ".sync-worktree"

// Claim retry timing. The sleep before retry n is
// min(BASE * 2^(n-1), MAX) with ±20% jitter.
const (
	claimBackoffBase   = 100 * time.Millisecond
	claimBackoffMax    = 5000 * time.Millisecond
	claimBackoffJitter = 0.2
)

// ErrNotConfigured is returned when sync.ledger_branch is unset.
var ErrNotConfigured = errors.New("ledger sync is not configured")

// ErrMaxRetries is returned when the claim loop exhausts its retries.
var ErrMaxRetries = errors.New("claim retries exhausted")

// BlockedError rejects a claim on an atom with unsatisfied blockers.
type BlockedError struct {
	AtomID    string
	BlockedBy []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("atom %s is blocked by %s", e.AtomID, strings.Join(e.BlockedBy, ", "))
}

// ClaimResult reports a successful claim and how many retries it took.
type ClaimResult struct {
	Atom    *types.Atom `json:"atom"`
	Retries int         `json:"retries"`
}

// Status summarizes ledger health for the daemon's status command.
type Status struct {
	Configured    bool       `json:"configured"`
	Branch        string     `json:"branch,omitempty"`
	WorktreePath  string     `json:"worktree_path,omitempty"`
	Available     bool       `json:"available"`
	Online        bool       `json:"online"`
	Healthy       bool       `json:"healthy"`
	LedgerHead    string     `json:"ledger_head,omitempty"`
	LastPullAt    *time.Time `json:"last_pull_at,omitempty"`
	LastPushAt    *time.Time `json:"last_push_at,omitempty"`
	OfflineClaims int        `json:"offline_claims"`
}

// Ledger manages the orphan branch, its worktree, and the claim protocol
// for one repository. Methods are serialized by an internal mutex; cross-
// process writers are serialized by the ledger lock file.
type Ledger struct {
	repoPath string
	repoName string
	branch   string
	dataDir  string
	worktree string

	cfg     *config.Config
	repoGit *git.Client
	state   *StateStore

	mu sync.Mutex
}

// New builds a ledger for the repository. ErrNotConfigured when
// sync.ledger_branch is unset.
func New(repoPath, repoName string, cfg *config.Config) (*Ledger, error) {
	if cfg == nil || !cfg.LedgerConfigured() {
		return nil, ErrNotConfigured
	}
	branch := cfg.Sync.LedgerBranch
	if err := git.ValidateBranchName(branch); err != nil {
		return nil, fmt.Errorf("sync.ledger_branch: %w", err)
	}
	dataDir, err := cfg.RepoDataDir(repoName)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(*cfg.Sync.NetworkTimeout) * time.Second
	return &Ledger{
		repoPath: repoPath,
		repoName: repoName,
		branch:   branch,
		dataDir:  dataDir,
		worktree: filepath.Join(dataDir, worktreeDirName),
		cfg:      cfg,
		repoGit:  git.New(repoPath).WithTimeout(timeout),
		state:    NewStateStore(dataDir),
	}, nil
}

// Branch returns the ledger branch name.
func (l *Ledger) Branch() string { return l.branch }

// WorktreePath returns the ledger worktree directory.
func (l *Ledger) WorktreePath() string { return l.worktree }

// StateStore returns the ledger's persistent state store.
func (l *Ledger) StateStore() *StateStore { return l.state }

func (l *Ledger) wgit() *git.Client {
	return git.New(l.worktree).WithTimeout(l.repoGit.NetworkTimeout)
}

// remoteName returns the repo's remote, or "" when it has none; ledger
// operations then run in local-only mode.
func (l *Ledger) remoteName(ctx context.Context) string {
	remote, err := l.repoGit.Remote(ctx)
	if err != nil {
		return ""
	}
	return remote
}

// Setup ensures the ledger branch and worktree exist. On first creation
// the branch starts as an orphan with one empty commit and is seeded from
// the main checkout's .eluent tree.
func (l *Ledger) Setup(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("creating ledger data dir: %w", err)
	}
	remote := l.remoteName(ctx)

	if !l.repoGit.BranchExists(ctx, l.branch) && remote != "" {
		if sha, err := l.repoGit.LsRemote(ctx, remote, "refs/heads/"+l.branch); err == nil && sha != "" {
			if err := l.repoGit.Fetch(ctx, remote, l.branch+":"+l.branch); err != nil {
				return fmt.Errorf("fetching ledger branch: %w", err)
			}
		}
	}

	if !l.repoGit.BranchExists(ctx, l.branch) {
		if err := l.createOrphan(ctx, remote); err != nil {
			return err
		}
	} else if err := l.ensureWorktreeLocked(ctx); err != nil {
		return err
	}

	return l.state.Update(func(st *State) { st.Valid = true })
}

// createOrphan builds the branch from scratch inside a detached worktree,
// seeds it from main, and pushes when a remote exists.
func (l *Ledger) createOrphan(ctx context.Context, remote string) error {
	if _, found, _ := l.repoGit.WorktreeFor(ctx, l.worktree); found {
		_ = l.repoGit.WorktreeRemove(ctx, l.worktree, true)
	}
	_ = l.repoGit.WorktreePrune(ctx)
	if err := os.RemoveAll(l.worktree); err != nil {
		return fmt.Errorf("clearing worktree dir: %w", err)
	}

	if err := l.repoGit.WorktreeAddDetached(ctx, l.worktree); err != nil {
		return fmt.Errorf("adding ledger worktree: %w", err)
	}
	w := l.wgit()
	if err := w.CheckoutOrphan(ctx, l.branch); err != nil {
		return fmt.Errorf("creating orphan branch %s: %w", l.branch, err)
	}
	if err := w.CommitAllowEmpty(ctx, "eluent: initialize ledger branch"); err != nil {
		return err
	}

	if err := l.seedFromMainLocked(); err != nil {
		return err
	}
	if dirty, _ := w.HasChanges(ctx, store.DirName); dirty {
		if err := w.Add(ctx, store.DirName); err != nil {
			return err
		}
		if err := w.Commit(ctx, "eluent: seed ledger from main"); err != nil {
			return err
		}
	}
	if remote != "" {
		if err := w.Push(ctx, remote, l.branch); err != nil {
			debug.Warnf("pushing new ledger branch: %v", err)
		}
	}
	return nil
}

// Teardown removes the worktree and local state. The remote branch is
// left alone.
func (l *Ledger) Teardown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.repoGit.WorktreeRemove(ctx, l.worktree, true)
	_ = l.repoGit.WorktreePrune(ctx)
	if err := os.RemoveAll(l.worktree); err != nil {
		return fmt.Errorf("removing worktree dir: %w", err)
	}
	return l.state.Reset()
}

// Stale reports whether the worktree needs recovery: directory gone, git
// link broken, or registered to the wrong branch.
func (l *Ledger) Stale(ctx context.Context) bool {
	if _, err := os.Stat(l.worktree); err != nil {
		return true
	}
	if !git.WorktreeLinkIntact(l.worktree) {
		return true
	}
	wt, found, err := l.repoGit.WorktreeFor(ctx, l.worktree)
	if err != nil || !found {
		return true
	}
	return wt.Branch != "refs/heads/"+l.branch
}

// ensureWorktreeLocked registers or recovers the worktree. Caller holds mu.
func (l *Ledger) ensureWorktreeLocked(ctx context.Context) error {
	if !l.Stale(ctx) {
		return nil
	}
	debug.Logf("ledger worktree %s stale, recovering", l.worktree)
	_ = l.repoGit.WorktreeRemove(ctx, l.worktree, true)
	_ = l.repoGit.WorktreePrune(ctx)
	if err := os.RemoveAll(l.worktree); err != nil {
		return fmt.Errorf("clearing stale worktree: %w", err)
	}
	if err := l.repoGit.WorktreeAdd(ctx, l.worktree, l.branch); err != nil {
		return fmt.Errorf("recreating ledger worktree: %w", err)
	}
	return nil
}

// Pull fetches the ledger branch and hard-resets the worktree to it. The
// remote branch is authoritative: claim conflicts are resolved by the
// retry loop, not by merging. When claim_timeout_hours is configured,
// stale claims are released afterwards.
func (l *Ledger) Pull(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.pullLocked(ctx); err != nil {
		return err
	}
	if h := l.cfg.Sync.ClaimTimeoutHours; h != nil {
		threshold := time.Now().Add(-time.Duration(*h * float64(time.Hour)))
		if _, err := l.releaseStaleLocked(ctx, threshold); err != nil {
			debug.Warnf("releasing stale claims: %v", err)
		}
	}
	return nil
}

func (l *Ledger) pullLocked(ctx context.Context) error {
	if err := l.ensureWorktreeLocked(ctx); err != nil {
		return err
	}
	remote := l.remoteName(ctx)
	if remote == "" {
		return git.ErrNoRemote
	}
	w := l.wgit()
	if err := w.Fetch(ctx, remote, l.branch); err != nil {
		if isMissingRemoteRef(err) {
			// Remote has no ledger yet; local state stands.
			return nil
		}
		return fmt.Errorf("fetching ledger: %w", err)
	}
	if err := w.HardReset(ctx, remote+"/"+l.branch); err != nil {
		return fmt.Errorf("resetting ledger worktree: %w", err)
	}
	head, _ := w.RevParse(ctx, "HEAD")
	now := time.Now().UTC()
	return l.state.Update(func(st *State) {
		st.LastPullAt = &now
		st.LedgerHead = head
	})
}

// Push commits any worktree changes and pushes the ledger branch.
func (l *Ledger) Push(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureWorktreeLocked(ctx); err != nil {
		return err
	}
	remote := l.remoteName(ctx)
	if remote == "" {
		return git.ErrNoRemote
	}
	w := l.wgit()
	if dirty, err := w.HasChanges(ctx, store.DirName); err != nil {
		return err
	} else if dirty {
		if err := w.Add(ctx, store.DirName); err != nil {
			return err
		}
		if err := w.Commit(ctx, "eluent: ledger update"); err != nil {
			return err
		}
	}
	if err := w.Push(ctx, remote, l.branch); err != nil {
		return fmt.Errorf("pushing ledger: %w", err)
	}
	return l.notePushLocked(ctx)
}

func (l *Ledger) notePushLocked(ctx context.Context) error {
	head, _ := l.wgit().RevParse(ctx, "HEAD")
	now := time.Now().UTC()
	return l.state.Update(func(st *State) {
		st.LastPushAt = &now
		st.LedgerHead = head
	})
}

// ClaimAndPush atomically claims an atom for an agent. Each attempt pulls
// the authoritative ledger, claims locally, commits, and pushes; a failed
// push (lost race or transient network) retries with exponential backoff
// until the configured retry budget runs out.
func (l *Ledger) ClaimAndPush(ctx context.Context, atomID, agentID string) (*ClaimResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimAndPushLocked(ctx, atomID, agentID)
}

func (l *Ledger) claimAndPushLocked(ctx context.Context, atomID, agentID string) (*ClaimResult, error) {
	if err := l.ensureWorktreeLocked(ctx); err != nil {
		return nil, err
	}
	remote := l.remoteName(ctx)
	retries := *l.cfg.Sync.ClaimRetries
	autoPush := *l.cfg.Sync.AutoClaimPush

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = claimBackoffBase
	bo.Multiplier = 2
	bo.MaxInterval = claimBackoffMax
	bo.RandomizationFactor = claimBackoffJitter
	bo.MaxElapsedTime = 0

	attempts := 0
	var claimed *types.Atom
	op := func() error {
		attempts++
		if remote != "" {
			if err := l.pullLocked(ctx); err != nil {
				return err
			}
		}
		ws, err := store.Open(l.worktree)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("opening ledger store: %w", err))
		}
		defer ws.Close()

		if blockers := blockedBy(ws, atomID); len(blockers) > 0 {
			return backoff.Permanent(&BlockedError{AtomID: atomID, BlockedBy: blockers})
		}
		a, err := ws.ClaimLocal(atomID, agentID)
		if err != nil {
			return backoff.Permanent(err)
		}
		claimed = a

		w := l.wgit()
		dirty, err := w.HasChanges(ctx, store.DirName)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !dirty {
			// Idempotent re-claim: already recorded in the ledger.
			return nil
		}
		if err := w.Add(ctx, store.DirName); err != nil {
			return backoff.Permanent(err)
		}
		if err := w.Commit(ctx, fmt.Sprintf("eluent: claim %s by %s", atomID, agentID)); err != nil {
			return backoff.Permanent(err)
		}
		if remote == "" || !autoPush {
			return nil
		}
		if err := w.Push(ctx, remote, l.branch); err != nil {
			debug.Logf("claim push attempt %d failed: %v", attempts, err)
			return err
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err != nil {
		var conflict *store.ConflictError
		var invalid *store.InvalidStateError
		var blocked *BlockedError
		if errors.As(err, &conflict) || errors.As(err, &invalid) ||
			errors.As(err, &blocked) || store.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, attempts, err)
	}
	if err := l.notePushLocked(ctx); err != nil {
		debug.Warnf("recording ledger push: %v", err)
	}
	return &ClaimResult{Atom: claimed, Retries: attempts - 1}, nil
}

// ReleaseClaim releases an atom back to open. Idempotent: releasing an
// atom that is not in progress succeeds without touching the ledger.
func (l *Ledger) ReleaseClaim(ctx context.Context, atomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureWorktreeLocked(ctx); err != nil {
		return err
	}
	remote := l.remoteName(ctx)
	if remote != "" {
		if err := l.pullLocked(ctx); err != nil {
			return err
		}
	}
	ws, err := store.Open(l.worktree)
	if err != nil {
		return err
	}
	defer ws.Close()
	if _, err := ws.ReleaseLocal(atomID); err != nil {
		return err
	}
	return l.commitAndPushLocked(ctx, remote, fmt.Sprintf("eluent: release %s", atomID))
}

// Heartbeat touches updated_at on an in-progress atom so stale-claim
// policies can see the holder is alive. Cooperative: any agent may
// heartbeat any claimed atom.
func (l *Ledger) Heartbeat(ctx context.Context, atomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureWorktreeLocked(ctx); err != nil {
		return err
	}
	ws, err := store.Open(l.worktree)
	if err != nil {
		return err
	}
	defer ws.Close()
	_, err = ws.UpdateAtom(atomID, func(a *types.Atom) error {
		if a.Status != types.StatusInProgress {
			return &store.InvalidStateError{ID: atomID, Current: string(a.Status), Op: "heartbeat"}
		}
		return nil
	})
	if err != nil {
		return err
	}
	remote := l.remoteName(ctx)
	return l.commitAndPushLocked(ctx, remote, fmt.Sprintf("eluent: heartbeat %s", atomID))
}

// ReleaseStaleClaims releases every in-progress atom whose updated_at is
// older than threshold, in one batch commit. Returns the released ids.
func (l *Ledger) ReleaseStaleClaims(ctx context.Context, threshold time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureWorktreeLocked(ctx); err != nil {
		return nil, err
	}
	return l.releaseStaleLocked(ctx, threshold)
}

func (l *Ledger) releaseStaleLocked(ctx context.Context, threshold time.Time) ([]string, error) {
	ws, err := store.Open(l.worktree)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	type stale struct{ id, holder string }
	var victims []stale
	for _, a := range ws.Snapshot().Atoms {
		if a.Status == types.StatusInProgress && a.UpdatedAt.Before(threshold) {
			victims = append(victims, stale{a.ID, a.Assignee})
		}
	}
	if len(victims) == 0 {
		return nil, nil
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].id < victims[j].id })

	released := make([]string, 0, len(victims))
	listing := make([]string, 0, len(victims))
	for _, v := range victims {
		if _, err := ws.ReleaseLocal(v.id); err != nil {
			debug.Warnf("releasing stale claim %s: %v", v.id, err)
			continue
		}
		released = append(released, v.id)
		listing = append(listing, fmt.Sprintf("%s (was %s)", v.id, v.holder))
	}
	if len(released) == 0 {
		return nil, nil
	}
	if len(listing) > 5 {
		listing = append(listing[:5], fmt.Sprintf("and %d more", len(released)-5))
	}
	msg := fmt.Sprintf("eluent: release %d stale claims: %s", len(released), strings.Join(listing, ", "))
	remote := l.remoteName(ctx)
	if err := l.commitAndPushLocked(ctx, remote, msg); err != nil {
		return released, err
	}
	return released, nil
}

// commitAndPushLocked commits worktree changes (if any) and pushes when a
// remote exists. Caller holds mu.
func (l *Ledger) commitAndPushLocked(ctx context.Context, remote, message string) error {
	w := l.wgit()
	dirty, err := w.HasChanges(ctx, store.DirName)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := w.Add(ctx, store.DirName); err != nil {
		return err
	}
	if err := w.Commit(ctx, message); err != nil {
		return err
	}
	if remote == "" {
		return nil
	}
	if err := w.Push(ctx, remote, l.branch); err != nil {
		return fmt.Errorf("pushing ledger: %w", err)
	}
	return l.notePushLocked(ctx)
}

// SyncToMain copies the ledger's .eluent tree over the main checkout's.
func (l *Ledger) SyncToMain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyTree(filepath.Join(l.worktree, store.DirName), filepath.Join(l.repoPath, store.DirName))
}

// SeedFromMain copies the main checkout's .eluent tree into the worktree.
func (l *Ledger) SeedFromMain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seedFromMainLocked()
}

func (l *Ledger) seedFromMainLocked() error {
	return copyTree(filepath.Join(l.repoPath, store.DirName), filepath.Join(l.worktree, store.DirName))
}

// Available reports whether the branch exists (locally or remotely) and
// the worktree is registered.
func (l *Ledger) Available(ctx context.Context) bool {
	branchOK := l.repoGit.BranchExists(ctx, l.branch)
	if !branchOK {
		if remote := l.remoteName(ctx); remote != "" {
			sha, err := l.repoGit.LsRemote(ctx, remote, "refs/heads/"+l.branch)
			branchOK = err == nil && sha != ""
		}
	}
	if !branchOK {
		return false
	}
	_, found, err := l.repoGit.WorktreeFor(ctx, l.worktree)
	return err == nil && found
}

// Online reports whether the remote currently advertises the ledger branch.
func (l *Ledger) Online(ctx context.Context) bool {
	remote := l.remoteName(ctx)
	if remote == "" {
		return false
	}
	sha, err := l.repoGit.LsRemote(ctx, remote, "refs/heads/"+l.branch)
	return err == nil && sha != ""
}

// Healthy reports availability with an intact worktree.
func (l *Ledger) Healthy(ctx context.Context) bool {
	return l.Available(ctx) && !l.Stale(ctx)
}

// Status collects the health predicates and persisted state.
func (l *Ledger) Status(ctx context.Context) *Status {
	st, err := l.state.Load()
	if err != nil {
		st = newState()
	}
	return &Status{
		Configured:    true,
		Branch:        l.branch,
		WorktreePath:  l.worktree,
		Available:     l.Available(ctx),
		Online:        l.Online(ctx),
		Healthy:       l.Healthy(ctx),
		LedgerHead:    st.LedgerHead,
		LastPullAt:    st.LastPullAt,
		LastPushAt:    st.LastPushAt,
		OfflineClaims: len(st.OfflineClaims),
	}
}

// ReconcileFailure records an offline claim whose replay the live ledger
// rejected.
type ReconcileFailure struct {
	AtomID  string `json:"atom_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Replayed int                `json:"replayed"`
	Pending  int                `json:"pending"`
	Failed   []ReconcileFailure `json:"failed,omitempty"`
}

// Reconcile replays queued offline claims against the live ledger. A claim
// that lost its race (now held by someone else, blocked, or gone) stays in
// the queue and is reported in Failed so the caller can resolve it; it is
// never silently dropped.
func (l *Ledger) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.state.Load()
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{}
	if len(st.OfflineClaims) == 0 {
		return res, nil
	}

	var remaining []types.OfflineClaim
	for _, claim := range st.OfflineClaims {
		_, err := l.claimAndPushLocked(ctx, claim.AtomID, claim.AgentID)
		switch {
		case err == nil:
			res.Replayed++
		case errors.Is(err, ErrMaxRetries):
			// Remote still unreachable; try again next pass.
			remaining = append(remaining, claim)
		default:
			debug.Warnf("offline claim %s by %s rejected: %v", claim.AtomID, claim.AgentID, err)
			remaining = append(remaining, claim)
			res.Failed = append(res.Failed, ReconcileFailure{
				AtomID:  claim.AtomID,
				AgentID: claim.AgentID,
				Reason:  err.Error(),
			})
		}
	}
	res.Pending = len(remaining)
	if err := l.state.Update(func(st *State) { st.OfflineClaims = remaining }); err != nil {
		return res, err
	}
	return res, nil
}

// ForceResync recovers the worktree from scratch and pulls the remote
// ledger.
func (l *Ledger) ForceResync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.repoGit.WorktreeRemove(ctx, l.worktree, true)
	_ = l.repoGit.WorktreePrune(ctx)
	if err := os.RemoveAll(l.worktree); err != nil {
		return fmt.Errorf("clearing worktree: %w", err)
	}
	if err := l.repoGit.WorktreeAdd(ctx, l.worktree, l.branch); err != nil {
		return fmt.Errorf("recreating worktree: %w", err)
	}
	return l.pullLocked(ctx)
}

// blockedBy returns the unsatisfied blockers of an atom, if any.
func blockedBy(ws *store.Store, atomID string) []string {
	calc := ready.New(ws)
	for _, b := range calc.Blocked() {
		if b.ID == atomID {
			return b.BlockedBy
		}
	}
	return nil
}

func isMissingRemoteRef(err error) bool {
	var gerr *git.Error
	return errors.As(err, &gerr) && strings.Contains(gerr.Stderr, "couldn't find remote ref")
}

// localOnlyFiles never travel between the main checkout and the ledger.
var localOnlyFiles = map[string]bool{
	"ephemeral.jsonl": true,
	".sync.lock":      true,
	".sync-state":     true,
	"events.log":      true,
}

// copyTree copies src into dst, preserving structure. Symlinks are skipped
// so a crafted link cannot pull content from outside the tree.
func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." || localOnlyFiles[name] {
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			debug.Warnf("skipping symlink %s", filepath.Join(src, name))
			continue
		}
		srcPath := filepath.Join(src, name)
		dstPath := filepath.Join(dst, name)
		if e.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
