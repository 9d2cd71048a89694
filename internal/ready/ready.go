// Package ready derives the set of atoms an agent may pick up: open,
// concrete, past any defer gate, with every blocking bond satisfied.
package ready

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/eluent/eluent/internal/graph"
	"github.com/eluent/eluent/internal/types"
)

// failurePattern matches close reasons that keep a conditional_blocks bond
// active: the blocker finished, but badly.
var failurePattern = regexp.MustCompile(`(?i)^(fail|error|abort)`)

// hybridAgeGap is the in-bucket age difference at which the hybrid sort
// policy prefers the older atom.
const hybridAgeGap = 48 * time.Hour

// Source is the record-store view the calculator reads through.
type Source interface {
	Snapshot() *types.Snapshot
	Version() uint64
}

// Calculator computes readiness over a Source. Per-atom blocking results
// are memoized against the source version; a mutation invalidates the
// whole memo on the next query.
type Calculator struct {
	src Source
	reg *types.Registry

	mu      sync.Mutex
	version uint64
	snap    *types.Snapshot
	g       *graph.Graph
	memo    map[string]bool // atom id -> all blockers satisfied
}

// New returns a calculator over src using the default registry.
func New(src Source) *Calculator {
	return NewWithRegistry(src, types.DefaultRegistry())
}

// NewWithRegistry returns a calculator with an explicit variant registry.
func NewWithRegistry(src Source, reg *types.Registry) *Calculator {
	return &Calculator{src: src, reg: reg}
}

// view returns the current snapshot, graph, and memo, refreshing all three
// when the source version moved.
func (c *Calculator) view() (*types.Snapshot, *graph.Graph, map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := c.src.Version(); c.snap == nil || v != c.version {
		c.version = v
		c.snap = c.src.Snapshot()
		c.g = graph.NewWithRegistry(c.snap, c.reg)
		c.memo = make(map[string]bool)
	}
	return c.snap, c.g, c.memo
}

// IsReady reports whether one atom is ready at the given instant.
func (c *Calculator) IsReady(id string, now time.Time) bool {
	snap, g, memo := c.view()
	a, ok := snap.Atoms[id]
	if !ok {
		return false
	}
	return c.ready(a, now, false, snap, g, memo)
}

func (c *Calculator) ready(a *types.Atom, now time.Time, includeAbstract bool, snap *types.Snapshot, g *graph.Graph, memo map[string]bool) bool {
	if !c.reg.NonBlockingStatus(a.Status) {
		return false
	}
	if !includeAbstract && c.reg.AbstractType(a.IssueType) {
		return false
	}
	if a.DeferUntil != nil && a.DeferUntil.After(now) {
		return false
	}
	return c.unblocked(a.ID, snap, g, memo)
}

// unblocked reports whether every blocking bond targeting id is satisfied.
func (c *Calculator) unblocked(id string, snap *types.Snapshot, g *graph.Graph, memo map[string]bool) bool {
	c.mu.Lock()
	if v, ok := memo[id]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	result := true
	for _, bond := range g.DirectBlockers(id) {
		if !c.satisfied(bond, snap, g) {
			result = false
			break
		}
	}

	c.mu.Lock()
	memo[id] = result
	c.mu.Unlock()
	return result
}

// satisfied applies the per-kind blocking semantics to one bond.
func (c *Calculator) satisfied(bond *types.Bond, snap *types.Snapshot, g *graph.Graph) bool {
	src, ok := snap.Atoms[bond.SourceID]
	if !ok {
		// Dangling blocker: nothing to wait for.
		return true
	}
	switch bond.Kind {
	case types.BondBlocks:
		return c.reg.TerminalStatus(src.Status)
	case types.BondParentChild:
		// Only the immediate parent gates the child; grandparents do not
		// cascade.
		return c.reg.TerminalStatus(src.Status)
	case types.BondWaitsFor:
		if !c.reg.TerminalStatus(src.Status) {
			return false
		}
		for _, id := range g.Descendants(bond.SourceID, c.reg.BlockingKinds()...) {
			d, ok := snap.Atoms[id]
			if !ok {
				continue
			}
			if !c.reg.TerminalStatus(d.Status) {
				return false
			}
		}
		return true
	case types.BondConditionalBlocks:
		// Active only when the blocker finished with a failure reason.
		if c.reg.TerminalStatus(src.Status) && failurePattern.MatchString(src.CloseReason) {
			return false
		}
		return true
	default:
		// Custom blocking kinds fall back to the blocks semantics.
		return c.reg.TerminalStatus(src.Status)
	}
}

// Ready returns the ready atoms at the given instant, filtered and sorted
// per the work filter. Atoms are clones.
func (c *Calculator) Ready(now time.Time, filter types.WorkFilter) []*types.Atom {
	snap, g, memo := c.view()

	var out []*types.Atom
	for _, a := range snap.Atoms {
		if !matchesFilter(a, filter) {
			continue
		}
		if !c.ready(a, now, filter.IncludeAbstract, snap, g, memo) {
			continue
		}
		out = append(out, a.Clone())
	}

	sortReady(out, filter.SortPolicy)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Blocked returns the non-terminal atoms with at least one unsatisfied
// blocking bond, each annotated with the blocking atom ids.
func (c *Calculator) Blocked() []*types.BlockedAtom {
	snap, g, _ := c.view()

	var out []*types.BlockedAtom
	for _, a := range snap.Atoms {
		if c.reg.TerminalStatus(a.Status) {
			continue
		}
		var blockedBy []string
		for _, bond := range g.DirectBlockers(a.ID) {
			if !c.satisfied(bond, snap, g) {
				blockedBy = append(blockedBy, bond.SourceID)
			}
		}
		if len(blockedBy) == 0 {
			continue
		}
		sort.Strings(blockedBy)
		out = append(out, &types.BlockedAtom{Atom: *a.Clone(), BlockedBy: blockedBy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesFilter(a *types.Atom, f types.WorkFilter) bool {
	if f.Type != "" && a.IssueType != f.Type {
		return false
	}
	if f.Assignee != nil && a.Assignee != *f.Assignee {
		return false
	}
	if f.Priority != nil && a.Priority != *f.Priority {
		return false
	}
	for _, want := range f.Labels {
		found := false
		for _, l := range a.Labels {
			if l == want {
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

func sortReady(atoms []*types.Atom, policy types.SortPolicy) {
	switch policy {
	case types.SortPolicyOldest:
		sort.Slice(atoms, func(i, j int) bool {
			if !atoms[i].CreatedAt.Equal(atoms[j].CreatedAt) {
				return atoms[i].CreatedAt.Before(atoms[j].CreatedAt)
			}
			return atoms[i].ID < atoms[j].ID
		})
	case types.SortPolicyHybrid:
		// Each atom is aged once against the newest in its priority
		// bucket, so the comparator is a total order: pairwise gap
		// comparison breaks down on chains straddling the threshold.
		newest := make(map[int]time.Time)
		for _, a := range atoms {
			if t, ok := newest[a.Priority]; !ok || a.CreatedAt.After(t) {
				newest[a.Priority] = a.CreatedAt
			}
		}
		aged := func(a *types.Atom) bool {
			return newest[a.Priority].Sub(a.CreatedAt) >= hybridAgeGap
		}
		sort.Slice(atoms, func(i, j int) bool {
			if atoms[i].Priority != atoms[j].Priority {
				return atoms[i].Priority < atoms[j].Priority
			}
			ai, aj := aged(atoms[i]), aged(atoms[j])
			if ai != aj {
				return ai
			}
			if ai && !atoms[i].CreatedAt.Equal(atoms[j].CreatedAt) {
				return atoms[i].CreatedAt.Before(atoms[j].CreatedAt)
			}
			return atoms[i].ID < atoms[j].ID
		})
	default: // SortPolicyPriority
		sort.Slice(atoms, func(i, j int) bool {
			if atoms[i].Priority != atoms[j].Priority {
				return atoms[i].Priority < atoms[j].Priority
			}
			if !atoms[i].CreatedAt.Equal(atoms[j].CreatedAt) {
				return atoms[i].CreatedAt.Before(atoms[j].CreatedAt)
			}
			return atoms[i].ID < atoms[j].ID
		})
	}
}
