package syncer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/git"
	"github.com/eluent/eluent/internal/lockfile"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/types"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// newRemote creates a bare repository serving as origin.
func newRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "origin.git")
	cmd := exec.Command("git", "init", "--bare", "-b", "main", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v\n%s", err, out)
	}
	return dir
}

// newClone initializes a working repository wired to the remote, with one
// commit pushed so clones have a main branch.
func newClone(t *testing.T, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "work")
	cmd := exec.Command("git", "clone", remote, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v\n%s", err, out)
	}
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "test")
	return dir
}

func seedRepo(t *testing.T, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "seed")
	cmd := exec.Command("git", "init", "-b", "main", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v\n%s", err, out)
	}
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "test")
	gitRun(t, dir, "remote", "add", "origin", remote)
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "add", "README")
	gitRun(t, dir, "commit", "-m", "initial")
	gitRun(t, dir, "push", "-u", "origin", "main")
	return dir
}

func mustCreate(t *testing.T, st *store.Store, title string) *types.Atom {
	t.Helper()
	a, err := st.CreateAtom(&types.Atom{Title: title})
	if err != nil {
		t.Fatalf("CreateAtom(%q): %v", title, err)
	}
	return a
}

func TestSyncNoRemote(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "-b", "main", dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git init: %v\n%s", err, out)
	}
	st, err := store.Init(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	_, err = New(st, config.Default()).Sync(context.Background(), Options{})
	if !errors.Is(err, git.ErrNoRemote) {
		t.Errorf("Sync = %v, want ErrNoRemote", err)
	}
}

func TestSyncInProgress(t *testing.T) {
	requireGit(t)
	remote := newRemote(t)
	dir := seedRepo(t, remote)
	st, err := store.Init(dir, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s := New(st, config.Default())

	held := lockfile.New(s.lockPath())
	if err := held.TryLock(); err != nil {
		t.Fatalf("pre-acquiring sync lock: %v", err)
	}
	defer held.Unlock()

	if _, err := s.Sync(context.Background(), Options{}); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Sync = %v, want ErrSyncInProgress", err)
	}
}

func TestSyncRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real git remotes")
	}
	requireGit(t)
	ctx := context.Background()
	remote := newRemote(t)

	repoA := seedRepo(t, remote)
	stA, err := store.Init(repoA, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer stA.Close()
	a1 := mustCreate(t, stA, "from A")

	syncA := New(stA, config.Default())
	res, err := syncA.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !res.Committed || !res.Pushed {
		t.Fatalf("first sync should commit and push: %+v", res)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("unexpected conflicts: %v", res.Conflicts)
	}

	// Nothing changed since: fast path.
	res, err = syncA.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res.UpToDate {
		t.Errorf("second sync should be up to date: %+v", res)
	}

	// A second clone adds its own atom and syncs it up.
	repoB := newClone(t, remote)
	stB, err := store.Open(repoB)
	if err != nil {
		t.Fatalf("opening cloned store: %v", err)
	}
	defer stB.Close()
	if _, err := stB.GetAtom(a1.ID); err != nil {
		t.Fatalf("clone missing %s: %v", a1.ID, err)
	}
	a2 := mustCreate(t, stB, "from B")

	res, err = New(stB, config.Default()).Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("sync B: %v", err)
	}
	if !res.Pushed {
		t.Fatalf("B should push its atom: %+v", res)
	}

	// A pulls B's atom without committing.
	res, err = syncA.Sync(ctx, Options{PullOnly: true})
	if err != nil {
		t.Fatalf("pull-only sync: %v", err)
	}
	if res.Committed || res.Pushed {
		t.Errorf("pull-only must not commit: %+v", res)
	}
	if res.Diff.AtomsAdded != 1 {
		t.Errorf("diff = %+v, want one added atom", res.Diff)
	}
	if _, err := stA.GetAtom(a2.ID); err != nil {
		t.Errorf("A missing %s after pull: %v", a2.ID, err)
	}
}

func TestDryRunLeavesStoreUntouched(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real git remotes")
	}
	requireGit(t)
	ctx := context.Background()
	remote := newRemote(t)

	repoA := seedRepo(t, remote)
	stA, err := store.Init(repoA, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer stA.Close()
	mustCreate(t, stA, "seed")
	if _, err := New(stA, config.Default()).Sync(ctx, Options{}); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	repoB := newClone(t, remote)
	stB, err := store.Open(repoB)
	if err != nil {
		t.Fatal(err)
	}
	defer stB.Close()
	mustCreate(t, stB, "from B")
	if _, err := New(stB, config.Default()).Sync(ctx, Options{}); err != nil {
		t.Fatalf("sync B: %v", err)
	}

	versionBefore := stA.Version()
	res, err := New(stA, config.Default()).Sync(ctx, Options{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !res.DryRun || res.Committed || res.Pushed {
		t.Errorf("dry run mutated: %+v", res)
	}
	if res.Diff.AtomsAdded != 1 {
		t.Errorf("dry run diff = %+v", res.Diff)
	}
	if stA.Version() != versionBefore {
		t.Error("dry run changed the store")
	}
	if _, err := os.Stat(filepath.Join(stA.Dir(), stateFileName)); !os.IsNotExist(err) {
		t.Error("dry run must not write sync state")
	}
}

func TestInProgressHoldsCommit(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real git remotes")
	}
	requireGit(t)
	ctx := context.Background()
	remote := newRemote(t)
	repo := seedRepo(t, remote)
	st, err := store.Init(repo, "demo")
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	a := mustCreate(t, st, "claimed work")
	if _, err := st.ClaimLocal(a.ID, "agent-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := New(st, config.Default()).Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Committed || res.Pushed {
		t.Errorf("in-progress atom should hold the commit: %+v", res)
	}
	if res.Warning == "" {
		t.Error("expected a warning about in-progress atoms")
	}

	res, err = New(st, config.Default()).Sync(ctx, Options{Force: true})
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if !res.Committed || !res.Pushed {
		t.Errorf("force should commit: %+v", res)
	}
}
