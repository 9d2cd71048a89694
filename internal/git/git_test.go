package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// initRepo creates a repository with one commit and returns its client.
func initRepo(t *testing.T) *Client {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	ctx := context.Background()

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c := New(dir)
	if err := c.Add(ctx, "README"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Commit(ctx, "initial"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return c
}

func TestRevParseAndShow(t *testing.T) {
	c := initRepo(t)
	ctx := context.Background()

	head, err := c.RevParse(ctx, "HEAD")
	if err != nil || len(head) != 40 {
		t.Fatalf("RevParse = %q, %v", head, err)
	}

	content, ok, err := c.Show(ctx, head, "README")
	if err != nil || !ok || content != "hi" {
		t.Errorf("Show = %q, %v, %v", content, ok, err)
	}

	// Missing file at a valid commit is not an error.
	_, ok, err = c.Show(ctx, head, "no/such/file.jsonl")
	if err != nil {
		t.Errorf("Show missing file: %v", err)
	}
	if ok {
		t.Error("missing file should report absent")
	}
}

func TestStatusAndHasChanges(t *testing.T) {
	c := initRepo(t)
	ctx := context.Background()

	dirty, err := c.HasChanges(ctx)
	if err != nil || dirty {
		t.Fatalf("fresh repo dirty = %v, %v", dirty, err)
	}

	if err := os.WriteFile(filepath.Join(c.Dir, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	dirty, err = c.HasChanges(ctx)
	if err != nil || !dirty {
		t.Errorf("untracked file not seen: %v, %v", dirty, err)
	}
}

func TestRemoteAbsent(t *testing.T) {
	c := initRepo(t)
	if _, err := c.Remote(context.Background()); !errors.Is(err, ErrNoRemote) {
		t.Errorf("Remote = %v, want ErrNoRemote", err)
	}
}

func TestErrorCarriesStderr(t *testing.T) {
	c := initRepo(t)
	_, err := c.RevParse(context.Background(), "no-such-ref")
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if gerr.ExitCode == 0 || gerr.Stderr == "" {
		t.Errorf("error missing detail: %+v", gerr)
	}
}

func TestCheckoutOrphan(t *testing.T) {
	c := initRepo(t)
	ctx := context.Background()

	if err := c.CheckoutOrphan(ctx, "ledger"); err != nil {
		t.Fatalf("CheckoutOrphan: %v", err)
	}
	if err := c.CommitAllowEmpty(ctx, "ledger root"); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if !c.BranchExists(ctx, "ledger") {
		t.Error("orphan branch missing after commit")
	}
	// Orphan history shares nothing with main.
	if _, err := c.MergeBase(ctx, "main", "ledger"); err == nil {
		t.Error("orphan branch should have no merge base with main")
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	c := initRepo(t)
	ctx := context.Background()

	if err := c.CheckoutOrphan(ctx, "ledger"); err != nil {
		t.Fatalf("orphan: %v", err)
	}
	if err := c.CommitAllowEmpty(ctx, "root"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := c.run(ctx, "checkout", "main"); err != nil {
		t.Fatalf("back to main: %v", err)
	}

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := c.WorktreeAdd(ctx, wtPath, "ledger"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if !WorktreeLinkIntact(wtPath) {
		t.Error("fresh worktree link should be intact")
	}

	wt, found, err := c.WorktreeFor(ctx, wtPath)
	if err != nil || !found {
		t.Fatalf("WorktreeFor = %v, %v", found, err)
	}
	if !strings.HasSuffix(wt.Branch, "/ledger") {
		t.Errorf("worktree branch = %q", wt.Branch)
	}

	if err := c.WorktreeRemove(ctx, wtPath, true); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	if _, found, _ := c.WorktreeFor(ctx, wtPath); found {
		t.Error("worktree still registered after removal")
	}
}

func TestWithTimeoutClamps(t *testing.T) {
	c := New(".")
	if got := c.WithTimeout(time.Second).NetworkTimeout; got != MinNetworkTimeout {
		t.Errorf("below min: %v", got)
	}
	if got := c.WithTimeout(time.Hour).NetworkTimeout; got != MaxNetworkTimeout {
		t.Errorf("above max: %v", got)
	}
	if got := c.WithTimeout(0).NetworkTimeout; got != DefaultNetworkTimeout {
		t.Errorf("zero: %v", got)
	}
	if got := c.WithTimeout(45 * time.Second).NetworkTimeout; got != 45*time.Second {
		t.Errorf("in range: %v", got)
	}
}

func TestValidateBranchName(t *testing.T) {
	valid := []string{"eluent-sync", "feature/ledger", "a.b", "team/claims-v2", "s", "9"}
	for _, name := range valid {
		if err := ValidateBranchName(name); err != nil {
			t.Errorf("ValidateBranchName(%q) = %v, want nil", name, err)
		}
	}
	invalid := []string{"", "HEAD", ".", "..", "a..b", "-lead", "trail/", "/lead",
		"has space", "tilde~", "caret^", "colon:", "star*", "q?mark", "br[acket", "end.lock"}
	for _, name := range invalid {
		if err := ValidateBranchName(name); err == nil {
			t.Errorf("ValidateBranchName(%q) = nil, want error", name)
		}
	}
}
