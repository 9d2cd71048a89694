package store

import (
	"fmt"
	"time"

	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/idgen"
	"github.com/eluent/eluent/internal/types"
)

// CreateAtom validates and persists a new atom. An empty ID is filled in;
// timestamps default to now. The stored atom is returned as a clone.
func (s *Store) CreateAtom(a *types.Atom) (*types.Atom, error) {
	stored := a.Clone()
	stored.SetDefaults()
	if stored.ID == "" {
		stored.ID = idgen.New(s.RepoName())
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	if err := stored.ValidateWith(s.reg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, exists := s.atoms[stored.ID]; exists {
		s.mu.Unlock()
		return nil, &DuplicateError{Kind: "atom", ID: stored.ID}
	}
	if stored.ParentID != "" {
		if _, ok := s.atoms[stored.ParentID]; !ok {
			s.mu.Unlock()
			return nil, &NotFoundError{Kind: "atom", ID: stored.ParentID}
		}
	}
	if err := s.appendAtomLocked(stored); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.atoms[stored.ID] = stored
	s.trie.Insert(stored.ID)
	s.version++
	s.mu.Unlock()

	debug.LogEvent(s.dir, "CREATE", stored.ID, "", stored.Title)
	s.notify()
	return stored.Clone(), nil
}

// GetAtom returns a clone of the atom with the given full ID.
func (s *Store) GetAtom(id string) (*types.Atom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.atoms[id]
	if !ok {
		return nil, &NotFoundError{Kind: "atom", ID: id}
	}
	return a.Clone(), nil
}

// ResolveID maps user input (full ID, normalized ID, or randomness prefix)
// to a full atom ID.
func (s *Store) ResolveID(input string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idgen.Resolve(input, resolveIndex{s}, "")
}

// ShortenID returns the shortest unambiguous randomness prefix for id.
func (s *Store) ShortenID(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idgen.Shorten(id, resolveIndex{s})
}

// UpdateAtom applies mutate to a clone of the atom, validates the result
// (including the status transition), persists it, and returns it. The
// mutator must not change the ID.
func (s *Store) UpdateAtom(id string, mutate func(*types.Atom) error) (*types.Atom, error) {
	s.mu.Lock()
	cur, ok := s.atoms[id]
	if !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "atom", ID: id}
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if next.ID != id {
		s.mu.Unlock()
		return nil, fmt.Errorf("atom id is immutable")
	}
	if next.Status != cur.Status && !s.reg.CanTransition(cur.Status, next.Status) {
		s.mu.Unlock()
		return nil, &InvalidStateError{ID: id, Current: string(cur.Status), Op: "transition to " + string(next.Status)}
	}
	next.UpdatedAt = time.Now().UTC()
	if err := next.ValidateWith(s.reg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if next.Ephemeral != cur.Ephemeral {
		s.mu.Unlock()
		return nil, fmt.Errorf("ephemeral flag is immutable")
	}

	s.atoms[id] = next
	if err := s.rewriteLocked(); err != nil {
		s.atoms[id] = cur
		s.mu.Unlock()
		return nil, err
	}
	s.version++
	s.mu.Unlock()

	debug.LogEvent(s.dir, "UPDATE", id, "", "")
	s.notify()
	return next.Clone(), nil
}

// CloseAtom moves an atom to closed with the given reason. Abstract types
// cannot be directly closed.
func (s *Store) CloseAtom(id, reason string) (*types.Atom, error) {
	return s.UpdateAtom(id, func(a *types.Atom) error {
		if s.reg.AbstractType(a.IssueType) {
			return &InvalidStateError{ID: id, Current: string(a.IssueType), Op: "close abstract atom"}
		}
		now := time.Now().UTC()
		a.Status = types.StatusClosed
		a.CloseReason = reason
		a.ClosedAt = &now
		return nil
	})
}

// ReopenAtom returns a closed atom to open, clearing the close bookkeeping.
func (s *Store) ReopenAtom(id string) (*types.Atom, error) {
	return s.UpdateAtom(id, func(a *types.Atom) error {
		if a.Status != types.StatusClosed {
			return &InvalidStateError{ID: id, Current: string(a.Status), Op: "reopen"}
		}
		a.Status = types.StatusOpen
		a.CloseReason = ""
		a.ClosedAt = nil
		return nil
	})
}

// DiscardAtom soft-deletes an atom. The record stays until pruned and may
// be restored.
func (s *Store) DiscardAtom(id, reason string) (*types.Atom, error) {
	return s.UpdateAtom(id, func(a *types.Atom) error {
		now := time.Now().UTC()
		a.Status = types.StatusDiscard
		a.DeletedAt = &now
		a.DeleteReason = reason
		a.CloseReason = ""
		a.ClosedAt = nil
		return nil
	})
}

// RestoreAtom returns a discarded atom to open.
func (s *Store) RestoreAtom(id string) (*types.Atom, error) {
	return s.UpdateAtom(id, func(a *types.Atom) error {
		if !a.IsDiscarded() {
			return &InvalidStateError{ID: id, Current: string(a.Status), Op: "restore"}
		}
		a.Status = types.StatusOpen
		a.DeletedAt = nil
		a.DeleteReason = ""
		return nil
	})
}

// PruneDiscards permanently removes discarded atoms deleted before the
// cutoff, along with their bonds and comments. Returns the number of atoms
// removed.
func (s *Store) PruneDiscards(cutoff time.Time) (int, error) {
	return s.prune(func(a *types.Atom) bool {
		return a.IsDiscarded() && a.DeletedAt != nil && a.DeletedAt.Before(cutoff)
	}, "PRUNE")
}

// PruneEphemeral removes ephemeral atoms not updated since the cutoff,
// along with their bonds and comments.
func (s *Store) PruneEphemeral(cutoff time.Time) (int, error) {
	return s.prune(func(a *types.Atom) bool {
		return a.Ephemeral && a.UpdatedAt.Before(cutoff)
	}, "PRUNE_EPHEMERAL")
}

func (s *Store) prune(victim func(*types.Atom) bool, event string) (int, error) {
	s.mu.Lock()
	var removed []string
	for id, a := range s.atoms {
		if victim(a) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	gone := make(map[string]bool, len(removed))
	for _, id := range removed {
		gone[id] = true
		delete(s.atoms, id)
		delete(s.comments, id)
		delete(s.seq, id)
		s.trie.Remove(id)
	}
	for key := range s.bonds {
		if gone[key.SourceID] || gone[key.TargetID] {
			delete(s.bonds, key)
		}
	}
	if err := s.rewriteLocked(); err != nil {
		// In-memory state is ahead of disk now; reload to converge.
		_ = s.loadLocked()
		s.mu.Unlock()
		return 0, err
	}
	s.version++
	s.mu.Unlock()

	for _, id := range removed {
		debug.LogEvent(s.dir, event, id, "", "")
	}
	s.notify()
	return len(removed), nil
}

// ClaimLocal claims an atom for an agent in this store only, without any
// ledger coordination. Idempotent for the same agent; conflicting claims
// fail with ConflictError.
func (s *Store) ClaimLocal(id, agentID string) (*types.Atom, error) {
	s.mu.RLock()
	cur, ok := s.atoms[id]
	if !ok {
		s.mu.RUnlock()
		return nil, &NotFoundError{Kind: "atom", ID: id}
	}
	if cur.Status == types.StatusInProgress && cur.Assignee == agentID {
		clone := cur.Clone()
		s.mu.RUnlock()
		return clone, nil
	}
	s.mu.RUnlock()

	a, err := s.UpdateAtom(id, func(a *types.Atom) error {
		if s.reg.AbstractType(a.IssueType) {
			return &InvalidStateError{ID: id, Current: string(a.IssueType), Op: "claim abstract atom"}
		}
		if a.IsClosed() {
			return &InvalidStateError{ID: id, Current: string(a.Status), Op: "claim"}
		}
		if a.Status == types.StatusInProgress && a.Assignee != agentID {
			return &ConflictError{ID: id, Owner: a.Assignee}
		}
		a.Status = types.StatusInProgress
		a.Assignee = agentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	debug.LogEvent(s.dir, "CLAIM", id, agentID, "")
	return a, nil
}

// ReleaseLocal is the idempotent inverse of ClaimLocal: an atom not in
// progress is left alone.
func (s *Store) ReleaseLocal(id string) (*types.Atom, error) {
	s.mu.RLock()
	cur, ok := s.atoms[id]
	if !ok {
		s.mu.RUnlock()
		return nil, &NotFoundError{Kind: "atom", ID: id}
	}
	if cur.Status != types.StatusInProgress {
		clone := cur.Clone()
		s.mu.RUnlock()
		return clone, nil
	}
	agent := cur.Assignee
	s.mu.RUnlock()

	a, err := s.UpdateAtom(id, func(a *types.Atom) error {
		if a.Status != types.StatusInProgress {
			return nil
		}
		a.Status = types.StatusOpen
		a.Assignee = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	debug.LogEvent(s.dir, "RELEASE", id, agent, "")
	return a, nil
}

// AddLabel adds a label to an atom; adding a present label is a no-op.
func (s *Store) AddLabel(id, label string) (*types.Atom, error) {
	return s.UpdateAtom(id, func(a *types.Atom) error {
		for _, l := range a.Labels {
			if l == label {
				return nil
			}
		}
		a.Labels = append(a.Labels, label)
		return nil
	})
}

// RemoveLabel removes a label from an atom; removing an absent label is a
// no-op.
func (s *Store) RemoveLabel(id, label string) (*types.Atom, error) {
	return s.UpdateAtom(id, func(a *types.Atom) error {
		for i, l := range a.Labels {
			if l == label {
				a.Labels = append(a.Labels[:i], a.Labels[i+1:]...)
				return nil
			}
		}
		return nil
	})
}
