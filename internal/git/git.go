// Package git shells out to the git CLI with explicit -C paths, captured
// stderr, and per-invocation network timeouts.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Network timeout bounds for fetch/push/ls-remote. Values outside the
// range are clamped.
const (
	MinNetworkTimeout     = 5 * time.Second
	MaxNetworkTimeout     = 300 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
)

// ErrTimeout marks a git invocation killed by its deadline. The claim
// retry loop treats these like push failures.
var ErrTimeout = errors.New("git operation timed out")

// ErrNoRemote is returned when an operation needs a remote and the
// repository has none.
var ErrNoRemote = errors.New("repository has no git remote")

// Error carries the failing command line, its stderr, and exit code.
type Error struct {
	Cmd      string
	Stderr   string
	ExitCode int
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s failed (exit %d): %s", e.Cmd, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("git %s failed (exit %d)", e.Cmd, e.ExitCode)
}

// Client runs git commands against one repository directory.
type Client struct {
	// Dir is the directory passed to -C. For worktrees this is the
	// worktree path, not the main checkout.
	Dir string
	// NetworkTimeout bounds fetch/push/ls-remote. Zero means the default.
	NetworkTimeout time.Duration
}

// New returns a client for the given directory with the default network
// timeout.
func New(dir string) *Client {
	return &Client{Dir: dir, NetworkTimeout: DefaultNetworkTimeout}
}

// WithTimeout returns a copy of the client using the given network
// timeout, clamped to the supported range.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d <= 0 {
		d = DefaultNetworkTimeout
	}
	if d < MinNetworkTimeout {
		d = MinNetworkTimeout
	}
	if d > MaxNetworkTimeout {
		d = MaxNetworkTimeout
	}
	return &Client{Dir: c.Dir, NetworkTimeout: d}
}

// run executes git with -C and returns trimmed stdout.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.Dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: git %s", ErrTimeout, strings.Join(args, " "))
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &Error{
			Cmd:      strings.Join(args, " "),
			Stderr:   strings.TrimSpace(stderr.String()),
			ExitCode: exitCode,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// runNetwork executes a command that talks to the remote, under the
// network timeout.
func (c *Client) runNetwork(ctx context.Context, args ...string) (string, error) {
	timeout := c.NetworkTimeout
	if timeout <= 0 {
		timeout = DefaultNetworkTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.run(ctx, args...)
}

// IsRepo reports whether Dir is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RepoRoot returns the top-level directory of the checkout.
func (c *Client) RepoRoot(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--show-toplevel")
}

// Remote returns the first configured remote name, or ErrNoRemote.
func (c *Client) Remote(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "remote")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", ErrNoRemote
	}
	return strings.Fields(out)[0], nil
}

// RevParse resolves a ref to a SHA.
func (c *Client) RevParse(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "rev-parse", ref)
}

// CurrentBranch returns the checked-out branch name ("HEAD" when detached).
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// MergeBase returns the common ancestor of two refs.
func (c *Client) MergeBase(ctx context.Context, a, b string) (string, error) {
	return c.run(ctx, "merge-base", a, b)
}

// Show returns the content of path at the given commit. A missing file at
// that commit returns ("", false, nil) so callers can treat it as empty.
func (c *Client) Show(ctx context.Context, commit, path string) (string, bool, error) {
	out, err := c.run(ctx, "show", commit+":"+path)
	if err != nil {
		var gerr *Error
		if errors.As(err, &gerr) && (strings.Contains(gerr.Stderr, "does not exist") ||
			strings.Contains(gerr.Stderr, "exists on disk, but not in") ||
			strings.Contains(gerr.Stderr, "invalid object name") ||
			strings.Contains(gerr.Stderr, "bad revision")) {
			return "", false, nil
		}
		return "", false, err
	}
	return out, true, nil
}

// Fetch updates the named remote (network).
func (c *Client) Fetch(ctx context.Context, remote string, refspecs ...string) error {
	_, err := c.runNetwork(ctx, append([]string{"fetch", remote}, refspecs...)...)
	return err
}

// Push pushes a branch, setting upstream (network).
func (c *Client) Push(ctx context.Context, remote, branch string) error {
	_, err := c.runNetwork(ctx, "push", "--set-upstream", remote, branch)
	return err
}

// LsRemote returns the SHA the remote advertises for a ref, or "" when the
// remote does not have it (network).
func (c *Client) LsRemote(ctx context.Context, remote, ref string) (string, error) {
	out, err := c.runNetwork(ctx, "ls-remote", remote, ref)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", nil
	}
	return strings.Fields(out)[0], nil
}

// Add stages paths.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	_, err := c.run(ctx, append([]string{"add"}, paths...)...)
	return err
}

// Commit records staged changes. Hooks are skipped: these commits are
// internal bookkeeping, not user work.
func (c *Client) Commit(ctx context.Context, message string) error {
	_, err := c.run(ctx, "commit", "--no-verify", "-m", message)
	return err
}

// CommitAllowEmpty records a commit even when nothing is staged.
func (c *Client) CommitAllowEmpty(ctx context.Context, message string) error {
	_, err := c.run(ctx, "commit", "--no-verify", "--allow-empty", "-m", message)
	return err
}

// HardReset moves the current branch and working tree to a ref.
func (c *Client) HardReset(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "reset", "--hard", ref)
	return err
}

// Status returns the porcelain status, optionally limited to paths.
func (c *Client) Status(ctx context.Context, paths ...string) (string, error) {
	return c.run(ctx, append([]string{"status", "--porcelain"}, paths...)...)
}

// HasChanges reports whether the given paths (or the whole tree) are dirty.
func (c *Client) HasChanges(ctx context.Context, paths ...string) (bool, error) {
	out, err := c.Status(ctx, paths...)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// BranchExists reports whether a local branch exists.
func (c *Client) BranchExists(ctx context.Context, branch string) bool {
	_, err := c.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CheckoutOrphan switches to a new orphan branch with an empty index.
func (c *Client) CheckoutOrphan(ctx context.Context, branch string) error {
	if _, err := c.run(ctx, "checkout", "--orphan", branch); err != nil {
		return err
	}
	// An orphan checkout inherits the previous index; clear it.
	_, err := c.run(ctx, "rm", "-rf", "--ignore-unmatch", ".")
	return err
}

// branchNamePattern captures the practical subset of the
// git-check-ref-format rules.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._/-]*[a-zA-Z0-9])?$`)

// ValidateBranchName rejects names git check-ref-format would refuse.
// Validated on every ledger operation because the name comes from config.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("branch name too long (max 255 characters)")
	}
	if name == "HEAD" || name == "." || name == ".." {
		return fmt.Errorf("branch name %q is reserved", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name cannot end with '.lock'")
	}
	if strings.ContainsAny(name, " ~^:?*[\\") {
		return fmt.Errorf("branch name contains forbidden characters")
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("invalid branch name %q: must start and end with alphanumeric", name)
	}
	return nil
}
