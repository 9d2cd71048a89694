package git

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Worktree describes one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // refs/heads/<name>, empty when detached
}

// WorktreeAdd attaches a new worktree for a branch at path.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch string) error {
	_, err := c.run(ctx, "worktree", "add", path, branch)
	return err
}

// WorktreeAddDetached attaches a worktree at path with a detached HEAD,
// for callers that will create a branch inside it afterwards.
func (c *Client) WorktreeAddDetached(ctx context.Context, path string) error {
	_, err := c.run(ctx, "worktree", "add", "--detach", path)
	return err
}

// WorktreeRemove detaches a worktree. force discards local modifications.
func (c *Client) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := c.run(ctx, append(args, path)...)
	return err
}

// WorktreePrune drops stale worktree registrations.
func (c *Client) WorktreePrune(ctx context.Context) error {
	_, err := c.run(ctx, "worktree", "prune")
	return err
}

// WorktreeList parses the registered worktrees.
func (c *Client) WorktreeList(ctx context.Context) ([]Worktree, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var list []Worktree
	var cur *Worktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				list = append(list, *cur)
			}
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && cur != nil:
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(line, "branch ")
		}
	}
	if cur != nil {
		list = append(list, *cur)
	}
	return list, nil
}

// WorktreeFor returns the registered worktree at path, if any.
func (c *Client) WorktreeFor(ctx context.Context, path string) (*Worktree, bool, error) {
	list, err := c.WorktreeList(ctx)
	if err != nil {
		return nil, false, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	for i := range list {
		wp := list[i].Path
		if resolved, err := filepath.EvalSymlinks(wp); err == nil {
			wp = resolved
		}
		if wp == abs {
			return &list[i], true, nil
		}
	}
	return nil, false, nil
}

// WorktreeLinkIntact reports whether a worktree directory still carries a
// usable .git link back to the main repository.
func WorktreeLinkIntact(path string) bool {
	gitLink := filepath.Join(path, ".git")
	info, err := os.Stat(gitLink)
	if err != nil {
		return false
	}
	if info.IsDir() {
		// A worktree's .git is a file pointing at the main repo; a
		// directory here means the path is not a linked worktree.
		return false
	}
	data, err := os.ReadFile(gitLink)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:")
}
