// Package graph answers reachability questions over the typed bond DAG.
//
// A Graph is built from a snapshot and indexes bonds by endpoint. All
// traversals are iterative with an explicit visited set: dependency chains
// are effectively unbounded and must not overflow the stack.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eluent/eluent/internal/types"
)

// CycleError reports a rejected bond insert that would create a blocking
// cycle. Path is the cycle, starting and ending at the same atom.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("bond would create a blocking cycle: %s", strings.Join(e.Path, " -> "))
}

// Graph is an immutable view over one snapshot's bonds.
type Graph struct {
	// outgoing[source] lists bonds whose SourceID is source.
	outgoing map[string][]*types.Bond
	// incoming[target] lists bonds whose TargetID is target.
	incoming map[string][]*types.Bond
	reg      *types.Registry
}

// New builds a graph over the snapshot's bonds using the default registry.
func New(snap *types.Snapshot) *Graph {
	return NewWithRegistry(snap, types.DefaultRegistry())
}

// NewWithRegistry builds a graph with an explicit variant registry.
func NewWithRegistry(snap *types.Snapshot, reg *types.Registry) *Graph {
	g := &Graph{
		outgoing: make(map[string][]*types.Bond),
		incoming: make(map[string][]*types.Bond),
		reg:      reg,
	}
	for _, b := range snap.Bonds {
		g.outgoing[b.SourceID] = append(g.outgoing[b.SourceID], b)
		g.incoming[b.TargetID] = append(g.incoming[b.TargetID], b)
	}
	// Deterministic traversal order keeps cycle paths stable for callers
	// and tests.
	for _, bonds := range g.outgoing {
		sortBonds(bonds)
	}
	for _, bonds := range g.incoming {
		sortBonds(bonds)
	}
	return g
}

func sortBonds(bonds []*types.Bond) {
	sort.Slice(bonds, func(i, j int) bool {
		if bonds[i].SourceID != bonds[j].SourceID {
			return bonds[i].SourceID < bonds[j].SourceID
		}
		if bonds[i].TargetID != bonds[j].TargetID {
			return bonds[i].TargetID < bonds[j].TargetID
		}
		return bonds[i].Kind < bonds[j].Kind
	})
}

// kindAllowed reports whether a bond participates given the restriction.
// An empty restriction admits every kind.
func kindAllowed(kind types.BondKind, restrict []types.BondKind) bool {
	if len(restrict) == 0 {
		return true
	}
	for _, k := range restrict {
		if k == kind {
			return true
		}
	}
	return false
}

// PathExists reports whether b is reachable from a along bonds of the
// restricted kinds (source -> target direction).
func (g *Graph) PathExists(a, b string, restrict ...types.BondKind) bool {
	if a == b {
		return true
	}
	visited := map[string]bool{a: true}
	stack := []string{a}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, bond := range g.outgoing[cur] {
			if !kindAllowed(bond.Kind, restrict) {
				continue
			}
			if bond.TargetID == b {
				return true
			}
			if !visited[bond.TargetID] {
				visited[bond.TargetID] = true
				stack = append(stack, bond.TargetID)
			}
		}
	}
	return false
}

// Descendants returns every atom reachable from a along the restricted
// kinds, excluding a itself.
func (g *Graph) Descendants(a string, restrict ...types.BondKind) []string {
	return g.walk(a, g.outgoing, func(b *types.Bond) string { return b.TargetID }, restrict)
}

// Ancestors returns every atom that can reach a along the restricted
// kinds, excluding a itself.
func (g *Graph) Ancestors(a string, restrict ...types.BondKind) []string {
	return g.walk(a, g.incoming, func(b *types.Bond) string { return b.SourceID }, restrict)
}

func (g *Graph) walk(start string, edges map[string][]*types.Bond, next func(*types.Bond) string, restrict []types.BondKind) []string {
	visited := map[string]bool{start: true}
	stack := []string{start}
	var out []string
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, bond := range edges[cur] {
			if !kindAllowed(bond.Kind, restrict) {
				continue
			}
			n := next(bond)
			if !visited[n] {
				visited[n] = true
				out = append(out, n)
				stack = append(stack, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// DirectBlockers returns the bonds that block atom a: blocking-kind bonds
// whose target is a.
func (g *Graph) DirectBlockers(a string) []*types.Bond {
	var out []*types.Bond
	for _, bond := range g.incoming[a] {
		if g.reg.BlockingKind(bond.Kind) {
			out = append(out, bond)
		}
	}
	return out
}

// DirectDependents returns the blocking-kind bonds originating at a —
// the atoms whose readiness a participates in.
func (g *Graph) DirectDependents(a string) []*types.Bond {
	var out []*types.Bond
	for _, bond := range g.outgoing[a] {
		if g.reg.BlockingKind(bond.Kind) {
			out = append(out, bond)
		}
	}
	return out
}

// CheckInsert validates adding bond b to the graph. Blocking-kind bonds
// are rejected when source equals target or when a blocking path already
// runs from the target back to the source; the error carries the cycle.
// Informational kinds always pass.
func (g *Graph) CheckInsert(b *types.Bond) error {
	if !g.reg.BlockingKind(b.Kind) {
		if b.SourceID == b.TargetID {
			return &CycleError{Path: []string{b.SourceID, b.TargetID}}
		}
		return nil
	}
	if b.SourceID == b.TargetID {
		return &CycleError{Path: []string{b.SourceID, b.TargetID}}
	}
	blocking := g.reg.BlockingKinds()
	if path := g.findPath(b.TargetID, b.SourceID, blocking); path != nil {
		// The cycle starts at the new bond's source, runs the existing
		// path target..source, and closes back through the new bond.
		return &CycleError{Path: append([]string{b.SourceID}, path...)}
	}
	return nil
}

// findPath returns a path from a to b along restricted kinds, or nil.
// Each node appears at most once.
func (g *Graph) findPath(a, b string, restrict []types.BondKind) []string {
	if a == b {
		return []string{a}
	}
	parent := map[string]string{a: ""}
	stack := []string{a}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, bond := range g.outgoing[cur] {
			if !kindAllowed(bond.Kind, restrict) {
				continue
			}
			n := bond.TargetID
			if _, seen := parent[n]; seen {
				continue
			}
			parent[n] = cur
			if n == b {
				// Reconstruct a..b.
				var rev []string
				for at := b; at != ""; at = parent[at] {
					rev = append(rev, at)
				}
				path := make([]string, 0, len(rev))
				for i := len(rev) - 1; i >= 0; i-- {
					path = append(path, rev[i])
				}
				return path
			}
			stack = append(stack, n)
		}
	}
	return nil
}
