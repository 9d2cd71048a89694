package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/types"
)

// AddComment appends an immutable comment to an atom. IDs are assigned as
// <parent>-c<seq> with a per-parent sequence.
func (s *Store) AddComment(parentID, author, content string) (*types.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("comment content is required")
	}

	s.mu.Lock()
	if _, ok := s.atoms[parentID]; !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "atom", ID: parentID}
	}
	seq := s.seq[parentID] + 1
	c := &types.Comment{
		ID:        fmt.Sprintf("%s-c%d", parentID, seq),
		ParentID:  parentID,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.appendCommentLocked(c); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.seq[parentID] = seq
	s.comments[parentID] = append(s.comments[parentID], c)
	s.version++
	s.mu.Unlock()

	debug.LogEvent(s.dir, "COMMENT", parentID, author, c.ID)
	s.notify()
	dup := *c
	return &dup, nil
}

// CommentsFor returns copies of an atom's comments in sequence order.
func (s *Store) CommentsFor(parentID string) ([]*types.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.atoms[parentID]; !ok {
		return nil, &NotFoundError{Kind: "atom", ID: parentID}
	}
	list := s.comments[parentID]
	out := make([]*types.Comment, 0, len(list))
	for _, c := range list {
		dup := *c
		out = append(out, &dup)
	}
	return out, nil
}
