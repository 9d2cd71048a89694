package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/ledger"
	"github.com/eluent/eluent/internal/ready"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/syncer"

	"sync"
)

// instance bundles the per-repository components.
type instance struct {
	repoPath string
	cfg      *config.Config
	store    *store.Store
	calc     *ready.Calculator
	syncer   *syncer.Syncer
	ledger   *ledger.Ledger // nil when sync.ledger_branch is unset
}

// instanceCache holds one instance per repository path. Construction runs
// outside the mutex (it opens files and may shell out to git); completed
// instances are inserted with the non-locking helper so re-entrant paths
// holding the mutex cannot deadlock. singleflight collapses concurrent
// construction of the same repo.
type instanceCache struct {
	mu    sync.Mutex
	m     map[string]*instance
	group singleflight.Group
}

func newInstanceCache() *instanceCache {
	return &instanceCache{m: make(map[string]*instance)}
}

// get returns the cached instance for a repo, building it on first use.
func (c *instanceCache) get(ctx context.Context, repoPath string) (*instance, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("repo_path is required")
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	inst, ok := c.m[abs]
	c.mu.Unlock()
	if ok {
		return inst, nil
	}

	v, err, _ := c.group.Do(abs, func() (any, error) {
		built, err := buildInstance(ctx, abs)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.insertLocked(abs, built)
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*instance), nil
}

// insertLocked adds an instance without taking the mutex; the caller
// holds it.
func (c *instanceCache) insertLocked(path string, inst *instance) {
	if existing, ok := c.m[path]; ok {
		// Lost a race; keep the first and drop ours.
		if existing != inst {
			inst.store.Close()
		}
		return
	}
	c.m[path] = inst
}

func (c *instanceCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inst := range c.m {
		inst.store.Close()
	}
	c.m = make(map[string]*instance)
}

// buildInstance opens the repo's store and wires its dependents.
func buildInstance(ctx context.Context, repoPath string) (*instance, error) {
	cfg, err := config.Load(repoPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(repoPath)
	if err != nil {
		return nil, err
	}
	// External rewrites (git pulls, edits) invalidate the indexes.
	if err := st.Watch(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("watching data file: %w", err)
	}

	inst := &instance{
		repoPath: repoPath,
		cfg:      cfg,
		store:    st,
		calc:     ready.New(st),
		syncer:   syncer.New(st, cfg),
	}
	if cfg.LedgerConfigured() {
		led, err := ledger.New(repoPath, st.RepoName(), cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		inst.ledger = led
	}
	return inst, nil
}
