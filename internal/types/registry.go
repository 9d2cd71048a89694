package types

import (
	"fmt"
	"sync"
)

// StatusDef describes a status variant. NonBlocking statuses are eligible
// for ready-work selection; all others gate it.
type StatusDef struct {
	NonBlocking bool
	Terminal    bool
	Transitions []Status
}

// TypeDef describes an issue type variant. Abstract types cannot be claimed
// or directly closed.
type TypeDef struct {
	Abstract bool
}

// KindDef describes a bond kind variant.
type KindDef struct {
	Blocking      bool
	Informational bool
}

// Registry holds the open status/type/kind sets. The built-in variants are
// always present; callers may register more at runtime.
type Registry struct {
	mu       sync.RWMutex
	statuses map[Status]StatusDef
	types    map[IssueType]TypeDef
	kinds    map[BondKind]KindDef
}

// NewRegistry returns a registry seeded with the built-in variants.
func NewRegistry() *Registry {
	r := &Registry{
		statuses: make(map[Status]StatusDef),
		types:    make(map[IssueType]TypeDef),
		kinds:    make(map[BondKind]KindDef),
	}

	r.statuses[StatusOpen] = StatusDef{
		NonBlocking: true,
		Transitions: []Status{StatusInProgress, StatusBlocked, StatusDeferred, StatusClosed, StatusDiscard},
	}
	r.statuses[StatusInProgress] = StatusDef{
		Transitions: []Status{StatusOpen, StatusBlocked, StatusDeferred, StatusClosed, StatusDiscard},
	}
	r.statuses[StatusBlocked] = StatusDef{
		Transitions: []Status{StatusOpen, StatusInProgress, StatusClosed, StatusDiscard},
	}
	r.statuses[StatusDeferred] = StatusDef{
		Transitions: []Status{StatusOpen, StatusInProgress, StatusClosed, StatusDiscard},
	}
	r.statuses[StatusClosed] = StatusDef{
		Terminal:    true,
		Transitions: []Status{StatusOpen, StatusDiscard}, // reopen or discard
	}
	r.statuses[StatusDiscard] = StatusDef{
		Terminal:    true,
		Transitions: []Status{StatusOpen}, // restore
	}

	r.types[TypeTask] = TypeDef{}
	r.types[TypeFeature] = TypeDef{}
	r.types[TypeBug] = TypeDef{}
	r.types[TypeArtifact] = TypeDef{}
	r.types[TypeEpic] = TypeDef{Abstract: true}
	r.types[TypeFormula] = TypeDef{Abstract: true}

	r.kinds[BondBlocks] = KindDef{Blocking: true}
	r.kinds[BondParentChild] = KindDef{Blocking: true}
	r.kinds[BondConditionalBlocks] = KindDef{Blocking: true}
	r.kinds[BondWaitsFor] = KindDef{Blocking: true}
	r.kinds[BondRelated] = KindDef{Informational: true}
	r.kinds[BondDuplicates] = KindDef{Informational: true}
	r.kinds[BondDiscoveredFrom] = KindDef{Informational: true}
	r.kinds[BondRepliesTo] = KindDef{Informational: true}

	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// RegisterStatus adds or replaces a status variant.
func (r *Registry) RegisterStatus(s Status, def StatusDef) error {
	if s == "" {
		return fmt.Errorf("status name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[s] = def
	return nil
}

// RegisterIssueType adds or replaces an issue type variant.
func (r *Registry) RegisterIssueType(t IssueType, def TypeDef) error {
	if t == "" {
		return fmt.Errorf("issue type name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t] = def
	return nil
}

// RegisterBondKind adds or replaces a bond kind variant.
func (r *Registry) RegisterBondKind(k BondKind, def KindDef) error {
	if k == "" {
		return fmt.Errorf("bond kind name cannot be empty")
	}
	if def.Blocking && def.Informational {
		return fmt.Errorf("bond kind %s cannot be both blocking and informational", k)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k] = def
	return nil
}

// ValidStatus reports whether s is a known status.
func (r *Registry) ValidStatus(s Status) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.statuses[s]
	return ok
}

// ValidIssueType reports whether t is a known issue type.
func (r *Registry) ValidIssueType(t IssueType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[t]
	return ok
}

// ValidBondKind reports whether k is a known bond kind.
func (r *Registry) ValidBondKind(k BondKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[k]
	return ok
}

// NonBlockingStatus reports whether atoms in status s are eligible for
// ready-work selection.
func (r *Registry) NonBlockingStatus(s Status) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[s].NonBlocking
}

// TerminalStatus reports whether s satisfies blocking dependencies.
func (r *Registry) TerminalStatus(s Status) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[s].Terminal
}

// AbstractType reports whether t cannot be claimed or directly closed.
func (r *Registry) AbstractType(t IssueType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[t].Abstract
}

// BlockingKind reports whether k affects readiness.
func (r *Registry) BlockingKind(k BondKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[k].Blocking
}

// BlockingKinds returns the set of kinds that affect readiness.
func (r *Registry) BlockingKinds() []BondKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BondKind
	for k, def := range r.kinds {
		if def.Blocking {
			out = append(out, k)
		}
	}
	return out
}

// CanTransition reports whether an atom may move from one status to another.
// Self-transitions are always allowed (idempotent updates).
func (r *Registry) CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.statuses[from]
	if !ok {
		return false
	}
	for _, s := range def.Transitions {
		if s == to {
			return true
		}
	}
	return false
}
