package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/graph"
	"github.com/eluent/eluent/internal/types"
)

// AddBond validates and persists a new bond. Both endpoints must exist,
// the triple must be new, and blocking kinds must not close a cycle.
func (s *Store) AddBond(b *types.Bond) (*types.Bond, error) {
	if !s.reg.ValidBondKind(b.Kind) {
		return nil, fmt.Errorf("invalid bond kind: %s", b.Kind)
	}
	stored := &types.Bond{
		SourceID:  b.SourceID,
		TargetID:  b.TargetID,
		Kind:      b.Kind,
		CreatedAt: b.CreatedAt,
		Metadata:  b.Metadata,
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if _, ok := s.atoms[stored.SourceID]; !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "atom", ID: stored.SourceID}
	}
	if _, ok := s.atoms[stored.TargetID]; !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "atom", ID: stored.TargetID}
	}
	key := stored.Key()
	if _, exists := s.bonds[key]; exists {
		s.mu.Unlock()
		return nil, &DuplicateError{Kind: "bond", ID: key.String()}
	}
	// Acyclicity over blocking kinds is enforced on every insert; a cycle
	// on disk can only come from an external writer.
	g := graph.NewWithRegistry(&types.Snapshot{Atoms: s.atoms, Bonds: s.bonds}, s.reg)
	if err := g.CheckInsert(stored); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.appendBondLocked(stored); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.bonds[key] = stored
	s.version++
	s.mu.Unlock()

	debug.LogEvent(s.dir, "BOND_ADD", stored.TargetID, "", key.String())
	s.notify()
	dup := *stored
	return &dup, nil
}

// RemoveBond deletes one bond by its triple. Removal never cascades.
func (s *Store) RemoveBond(key types.BondKey) error {
	s.mu.Lock()
	cur, ok := s.bonds[key]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{Kind: "bond", ID: key.String()}
	}
	delete(s.bonds, key)
	if err := s.rewriteLocked(); err != nil {
		s.bonds[key] = cur
		s.mu.Unlock()
		return err
	}
	s.version++
	s.mu.Unlock()

	debug.LogEvent(s.dir, "BOND_REMOVE", key.TargetID, "", key.String())
	s.notify()
	return nil
}

// BondsFrom returns copies of the bonds whose source is id, sorted by key.
func (s *Store) BondsFrom(id string) []*types.Bond {
	return s.bondsWhere(func(b *types.Bond) bool { return b.SourceID == id })
}

// BondsTo returns copies of the bonds whose target is id, sorted by key.
func (s *Store) BondsTo(id string) []*types.Bond {
	return s.bondsWhere(func(b *types.Bond) bool { return b.TargetID == id })
}

func (s *Store) bondsWhere(match func(*types.Bond) bool) []*types.Bond {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Bond
	for _, b := range s.bonds {
		if match(b) {
			dup := *b
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
