// Package types defines core data structures for the eluent work tracker.
package types

import (
	"fmt"
	"time"
)

// AtomIDLength is the length of the timestamp+random portion of an atom ID
// (10 timestamp chars + 16 random chars), excluding the repo prefix.
const AtomIDLength = 26

// Atom represents a trackable work item.
type Atom struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status,omitempty"`
	IssueType   IssueType      `json:"issue_type,omitempty"`
	Priority    int            `json:"priority"` // No omitempty: 0 is valid (highest)
	Labels      []string       `json:"labels,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	DeferUntil  *time.Time     `json:"defer_until,omitempty"`
	CloseReason string         `json:"close_reason,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Ephemeral atoms live in ephemeral.jsonl and never reach the synced
	// data file. The flag rides along so the store can route the record.
	Ephemeral bool `json:"ephemeral,omitempty"`

	// Soft-delete bookkeeping, populated only while Status is discard.
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

// Validate checks field values against the default registry.
func (a *Atom) Validate() error {
	return a.ValidateWith(DefaultRegistry())
}

// ValidateWith checks field values against the given registry.
func (a *Atom) ValidateWith(reg *Registry) error {
	if len(a.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(a.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(a.Title))
	}
	if a.Priority < 0 || a.Priority > 5 {
		return fmt.Errorf("priority must be between 0 and 5 (got %d)", a.Priority)
	}
	if !reg.ValidStatus(a.Status) {
		return fmt.Errorf("invalid status: %s", a.Status)
	}
	if !reg.ValidIssueType(a.IssueType) {
		return fmt.Errorf("invalid issue type: %s", a.IssueType)
	}
	if a.ParentID == a.ID && a.ID != "" {
		return fmt.Errorf("atom cannot be its own parent")
	}
	if !a.UpdatedAt.IsZero() && a.UpdatedAt.Before(a.CreatedAt) {
		return fmt.Errorf("updated_at predates created_at")
	}
	if a.Status == StatusDiscard && a.DeletedAt == nil {
		return fmt.Errorf("discarded atoms must have deleted_at timestamp")
	}
	if a.Status != StatusDiscard && a.DeletedAt != nil {
		return fmt.Errorf("non-discarded atoms cannot have deleted_at timestamp")
	}
	return nil
}

// SetDefaults applies default values for fields omitted during JSONL import.
// Call this after json.Unmarshal so omitempty fields land on proper defaults.
func (a *Atom) SetDefaults() {
	if a.Status == "" {
		a.Status = StatusOpen
	}
	if a.IssueType == "" {
		a.IssueType = TypeTask
	}
}

// IsDiscarded returns true if the atom has been soft-deleted.
func (a *Atom) IsDiscarded() bool {
	return a.Status == StatusDiscard
}

// IsClosed returns true if the atom is in a terminal status.
func (a *Atom) IsClosed() bool {
	return a.Status == StatusClosed || a.Status == StatusDiscard
}

// Clone returns a deep copy of the atom.
func (a *Atom) Clone() *Atom {
	dup := *a
	if a.Labels != nil {
		dup.Labels = append([]string(nil), a.Labels...)
	}
	if a.DeferUntil != nil {
		t := *a.DeferUntil
		dup.DeferUntil = &t
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		dup.ClosedAt = &t
	}
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		dup.DeletedAt = &t
	}
	if a.Metadata != nil {
		dup.Metadata = cloneMap(a.Metadata)
	}
	return &dup
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Status represents the current state of an atom.
type Status string

// Atom status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
	StatusDiscard    Status = "discard" // Soft-deleted atom
)

// IssueType categorizes the kind of work.
type IssueType string

// Issue type constants
const (
	TypeTask     IssueType = "task"
	TypeFeature  IssueType = "feature"
	TypeBug      IssueType = "bug"
	TypeArtifact IssueType = "artifact"
	TypeEpic     IssueType = "epic"    // Abstract: cannot be claimed or directly closed
	TypeFormula  IssueType = "formula" // Abstract: template for sub-graph instantiation
)

// Bond represents a typed directed relationship between two atoms.
type Bond struct {
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Kind      BondKind       `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Key returns the identity triple that makes a bond unique.
func (b *Bond) Key() BondKey {
	return BondKey{SourceID: b.SourceID, TargetID: b.TargetID, Kind: b.Kind}
}

// BondKey uniquely identifies a bond.
type BondKey struct {
	SourceID string
	TargetID string
	Kind     BondKind
}

func (k BondKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.SourceID, k.TargetID, k.Kind)
}

// BondKind categorizes the relationship.
type BondKind string

// Bond kind constants. The first four affect readiness; the rest are
// informational only.
const (
	BondBlocks            BondKind = "blocks"
	BondParentChild       BondKind = "parent_child"
	BondConditionalBlocks BondKind = "conditional_blocks"
	BondWaitsFor          BondKind = "waits_for"

	BondRelated        BondKind = "related"
	BondDuplicates     BondKind = "duplicates"
	BondDiscoveredFrom BondKind = "discovered_from"
	BondRepliesTo      BondKind = "replies_to"
)

// IsBlocking returns true if this bond kind participates in the ready
// calculation (per the default registry).
func (k BondKind) IsBlocking() bool {
	return DefaultRegistry().BlockingKind(k)
}

// Comment represents an append-only comment on an atom.
// Comments are immutable after creation.
type Comment struct {
	ID        string    `json:"id"` // <parent_id>-c<seq>
	ParentID  string    `json:"parent_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// OfflineClaim records a claim made while the ledger remote was unreachable,
// awaiting reconciliation.
type OfflineClaim struct {
	AtomID    string    `json:"atom_id"`
	AgentID   string    `json:"agent_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Snapshot is a complete view of a repository's records at one point,
// the unit the merge engine operates on.
type Snapshot struct {
	Atoms    map[string]*Atom
	Bonds    map[BondKey]*Bond
	Comments []*Comment
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Atoms: make(map[string]*Atom),
		Bonds: make(map[BondKey]*Bond),
	}
}

// BlockedAtom extends Atom with blocking information.
type BlockedAtom struct {
	Atom
	BlockedBy []string `json:"blocked_by"`
}

// Statistics provides aggregate counts for a repository.
type Statistics struct {
	TotalAtoms      int `json:"total_atoms"`
	OpenAtoms       int `json:"open_atoms"`
	InProgressAtoms int `json:"in_progress_atoms"`
	BlockedAtoms    int `json:"blocked_atoms"`
	DeferredAtoms   int `json:"deferred_atoms"`
	ClosedAtoms     int `json:"closed_atoms"`
	DiscardedAtoms  int `json:"discarded_atoms"`
	ReadyAtoms      int `json:"ready_atoms"`
}

// SortPolicy determines how ready work is ordered.
type SortPolicy string

// Sort policy constants
const (
	// SortPolicyPriority sorts by priority ascending, then created_at.
	// This is the default.
	SortPolicyPriority SortPolicy = "priority"

	// SortPolicyOldest sorts by created_at ascending only.
	SortPolicyOldest SortPolicy = "oldest"

	// SortPolicyHybrid sorts by priority; inside a priority bucket an
	// age gap of 48h tie-breaks in favor of the older atom.
	SortPolicyHybrid SortPolicy = "hybrid"
)

// IsValid checks if the sort policy value is valid.
func (s SortPolicy) IsValid() bool {
	switch s {
	case SortPolicyPriority, SortPolicyOldest, SortPolicyHybrid, "":
		return true
	}
	return false
}

// WorkFilter is used to filter ready work queries.
type WorkFilter struct {
	Type            IssueType
	Assignee        *string
	Labels          []string // AND semantics: atom must have ALL these labels
	Priority        *int
	IncludeAbstract bool // Include epic/formula atoms (normally excluded)
	Limit           int
	SortPolicy      SortPolicy
}

// AtomFilter is used to filter general atom listings.
type AtomFilter struct {
	Status          *Status
	IssueType       *IssueType
	Assignee        *string
	Labels          []string
	Priority        *int
	ParentID        string
	IncludeDiscards bool
	Limit           int
}
