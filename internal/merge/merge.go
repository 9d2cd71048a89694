// Package merge reconciles three repository snapshots — common ancestor,
// local, remote — into one, with per-field strategies and an auditable
// conflict list. It never fails on strange input: questionable calls are
// decided deterministically and recorded as conflicts.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"sort"
	"time"

	"github.com/eluent/eluent/internal/types"
)

// Decision is a conflict resolver's verdict for one record.
type Decision int

const (
	// KeepLocal discards the remote version.
	KeepLocal Decision = iota
	// KeepRemote discards the local version.
	KeepRemote
	// MergeBoth runs the field-level merge.
	MergeBoth
	// Drop removes the record from the result.
	Drop
)

// Resolver decides what happens when base/local/remote disagree about a
// record's existence. A nil pointer means that side deleted (or never had)
// the record. The default resolver encodes resurrection-beats-deletion for
// atoms and removal-wins for bonds.
type Resolver interface {
	Atom(base, local, remote *types.Atom) Decision
	Bond(base, local, remote *types.Bond) Decision
}

// Conflict is one auditable disagreement the engine decided on its own.
type Conflict struct {
	AtomID string `json:"atom_id"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
	Local  any    `json:"local,omitempty"`
	Remote any    `json:"remote,omitempty"`
}

// Result is the merged snapshot plus the conflicts encountered.
type Result struct {
	Snapshot  *types.Snapshot
	Conflicts []Conflict
}

// DefaultResolver returns the standard policy.
func DefaultResolver() Resolver { return defaultResolver{} }

type defaultResolver struct{}

func (defaultResolver) Atom(base, local, remote *types.Atom) Decision {
	switch {
	case local == nil && remote == nil:
		return Drop
	case local == nil:
		// Local deleted. A remote modification resurrects; an untouched
		// remote copy lets the deletion stand.
		if base == nil || !atomsEqual(base, remote) {
			return KeepRemote
		}
		return Drop
	case remote == nil:
		if base == nil || !atomsEqual(base, local) {
			return KeepLocal
		}
		return Drop
	default:
		return MergeBoth
	}
}

func (defaultResolver) Bond(base, local, remote *types.Bond) Decision {
	switch {
	case local == nil && remote == nil:
		return Drop
	case local == nil || remote == nil:
		if base != nil {
			// One side removed a bond the ancestor had: removal wins.
			return Drop
		}
		if local != nil {
			return KeepLocal
		}
		return KeepRemote
	default:
		return MergeBoth
	}
}

// Merge runs the three-way merge with the default resolver. base may be
// empty (first sync).
func Merge(base, local, remote *types.Snapshot) *Result {
	return MergeWith(base, local, remote, DefaultResolver())
}

// MergeWith runs the three-way merge with a caller-supplied resolver.
func MergeWith(base, local, remote *types.Snapshot, resolver Resolver) *Result {
	res := &Result{Snapshot: types.NewSnapshot()}
	mergeAtoms(res, base, local, remote, resolver)
	mergeBonds(res, base, local, remote, resolver)
	mergeComments(res, base, local, remote)
	sortConflicts(res.Conflicts)
	return res
}

func mergeAtoms(res *Result, base, local, remote *types.Snapshot, resolver Resolver) {
	ids := make(map[string]bool)
	for id := range base.Atoms {
		ids[id] = true
	}
	for id := range local.Atoms {
		ids[id] = true
	}
	for id := range remote.Atoms {
		ids[id] = true
	}

	for id := range ids {
		b := base.Atoms[id]
		l := local.Atoms[id]
		r := remote.Atoms[id]

		switch resolver.Atom(b, l, r) {
		case Drop:
			continue
		case KeepLocal:
			res.Snapshot.Atoms[id] = l.Clone()
			if b != nil && r == nil {
				res.Conflicts = append(res.Conflicts, Conflict{
					AtomID: id,
					Reason: "deleted remotely but modified locally; modification wins",
				})
			}
		case KeepRemote:
			res.Snapshot.Atoms[id] = r.Clone()
			if b != nil && l == nil {
				res.Conflicts = append(res.Conflicts, Conflict{
					AtomID: id,
					Reason: "deleted locally but modified remotely; modification wins",
				})
			}
		case MergeBoth:
			if atomsEqual(l, r) {
				res.Snapshot.Atoms[id] = l.Clone()
				continue
			}
			res.Snapshot.Atoms[id] = mergeAtom(res, b, l, r)
		}
	}
}

// mergeAtom applies the field-level strategies. base may be nil (add/add).
func mergeAtom(res *Result, base, local, remote *types.Atom) *types.Atom {
	b := base
	if b == nil {
		b = &types.Atom{ID: local.ID}
	}
	localNewer := local.UpdatedAt.After(remote.UpdatedAt)

	out := &types.Atom{ID: local.ID, Ephemeral: local.Ephemeral}

	out.Title = lwwString(b.Title, local.Title, remote.Title, localNewer)
	out.Description = lwwString(b.Description, local.Description, remote.Description, localNewer)
	out.Status = types.Status(lwwString(string(b.Status), string(local.Status), string(remote.Status), localNewer))
	out.IssueType = types.IssueType(lwwString(string(b.IssueType), string(local.IssueType), string(remote.IssueType), localNewer))
	out.Assignee = lwwString(b.Assignee, local.Assignee, remote.Assignee, localNewer)
	out.ParentID = lwwString(b.ParentID, local.ParentID, remote.ParentID, localNewer)
	out.CloseReason = lwwString(b.CloseReason, local.CloseReason, remote.CloseReason, localNewer)
	out.DeleteReason = lwwString(b.DeleteReason, local.DeleteReason, remote.DeleteReason, localNewer)

	// Priority has no unset sentinel; only the agree/base/newer rules apply.
	switch {
	case local.Priority == remote.Priority:
		out.Priority = local.Priority
	case local.Priority == b.Priority:
		out.Priority = remote.Priority
	case remote.Priority == b.Priority:
		out.Priority = local.Priority
	case localNewer:
		out.Priority = local.Priority
	default:
		out.Priority = remote.Priority
	}

	out.DeferUntil = lwwTime(b.DeferUntil, local.DeferUntil, remote.DeferUntil, localNewer)
	out.ClosedAt = lwwTime(b.ClosedAt, local.ClosedAt, remote.ClosedAt, localNewer)
	out.DeletedAt = lwwTime(b.DeletedAt, local.DeletedAt, remote.DeletedAt, localNewer)

	out.Labels = mergeLabels(b.Labels, local.Labels, remote.Labels)
	out.Metadata = mergeMetadata(res, local.ID, "metadata", b.Metadata, local.Metadata, remote.Metadata)

	out.CreatedAt = local.CreatedAt
	if out.CreatedAt.IsZero() {
		out.CreatedAt = remote.CreatedAt
	}
	out.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)

	// A merged status outside discard must not carry delete bookkeeping,
	// and vice versa for close bookkeeping.
	if out.Status != types.StatusDiscard {
		out.DeletedAt = nil
		out.DeleteReason = ""
	}
	if out.Status != types.StatusClosed && out.Status != types.StatusDiscard {
		out.ClosedAt = nil
	}
	return out
}

// lwwString applies the scalar precedence chain: one-side-set, agreement,
// base-match-takes-other, newer updated_at.
func lwwString(base, local, remote string, localNewer bool) string {
	switch {
	case local == "" && remote != "":
		return remote
	case remote == "" && local != "":
		return local
	case local == remote:
		return local
	case local == base:
		return remote
	case remote == base:
		return local
	case localNewer:
		return local
	default:
		return remote
	}
}

func lwwTime(base, local, remote *time.Time, localNewer bool) *time.Time {
	eq := func(a, b *time.Time) bool {
		if a == nil || b == nil {
			return a == b
		}
		return a.Equal(*b)
	}
	var pick *time.Time
	switch {
	case local == nil && remote != nil:
		pick = remote
	case remote == nil && local != nil:
		pick = local
	case eq(local, remote):
		pick = local
	case eq(local, base):
		pick = remote
	case eq(remote, base):
		pick = local
	case localNewer:
		pick = local
	default:
		pick = remote
	}
	if pick == nil {
		return nil
	}
	t := *pick
	return &t
}

// mergeLabels is set union with tombstones: additions from either side
// land, removals from either side stick.
func mergeLabels(base, local, remote []string) []string {
	baseSet := toSet(base)
	localSet := toSet(local)
	remoteSet := toSet(remote)

	result := make(map[string]bool)
	for l := range baseSet {
		result[l] = true
	}
	for l := range localSet {
		if !baseSet[l] {
			result[l] = true
		}
	}
	for l := range remoteSet {
		if !baseSet[l] {
			result[l] = true
		}
	}
	for l := range baseSet {
		if !localSet[l] || !remoteSet[l] {
			delete(result, l)
		}
	}

	if len(result) == 0 {
		return nil
	}
	out := make([]string, 0, len(result))
	for l := range result {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}

// mergeMetadata merges free-form maps recursively. Nested maps recurse;
// scalar disagreement on the same key resolves remote-wins, with a
// conflict record so the tie-break is auditable.
func mergeMetadata(res *Result, atomID, path string, base, local, remote map[string]any) map[string]any {
	if local == nil && remote == nil {
		return nil
	}
	out := make(map[string]any)
	keys := make(map[string]bool)
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	for k := range keys {
		lv, lok := local[k]
		rv, rok := remote[k]
		var bv any
		if base != nil {
			bv = base[k]
		}
		switch {
		case !rok:
			out[k] = lv
		case !lok:
			out[k] = rv
		case reflect.DeepEqual(lv, rv):
			out[k] = lv
		default:
			lm, lIsMap := lv.(map[string]any)
			rm, rIsMap := rv.(map[string]any)
			if lIsMap && rIsMap {
				bm, _ := bv.(map[string]any)
				out[k] = mergeMetadata(res, atomID, path+"."+k, bm, lm, rm)
				continue
			}
			// One side kept the base value: take the changed side quietly.
			if reflect.DeepEqual(lv, bv) {
				out[k] = rv
				continue
			}
			if reflect.DeepEqual(rv, bv) {
				out[k] = lv
				continue
			}
			out[k] = rv
			res.Conflicts = append(res.Conflicts, Conflict{
				AtomID: atomID,
				Field:  path + "." + k,
				Reason: "metadata scalar conflict; remote wins",
				Local:  lv,
				Remote: rv,
			})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeBonds(res *Result, base, local, remote *types.Snapshot, resolver Resolver) {
	keys := make(map[types.BondKey]bool)
	for k := range base.Bonds {
		keys[k] = true
	}
	for k := range local.Bonds {
		keys[k] = true
	}
	for k := range remote.Bonds {
		keys[k] = true
	}

	for key := range keys {
		b := base.Bonds[key]
		l := local.Bonds[key]
		r := remote.Bonds[key]

		var keep *types.Bond
		switch resolver.Bond(b, l, r) {
		case Drop:
			continue
		case KeepLocal:
			keep = l
		case KeepRemote:
			keep = r
		case MergeBoth:
			// The triple is the identity; prefer the older created_at so
			// both argument orders converge.
			keep = l
			if r.CreatedAt.Before(l.CreatedAt) {
				keep = r
			}
		}
		dup := *keep
		res.Snapshot.Bonds[key] = &dup
	}

	// Bonds must not outlive their endpoints in the merged view.
	for key := range res.Snapshot.Bonds {
		if _, ok := res.Snapshot.Atoms[key.SourceID]; !ok {
			delete(res.Snapshot.Bonds, key)
			continue
		}
		if _, ok := res.Snapshot.Atoms[key.TargetID]; !ok {
			delete(res.Snapshot.Bonds, key)
		}
	}
}

// commentIdentity dedups comments across snapshots: content hash, author,
// and the creation time truncated to the second (sub-second drift between
// writers must not duplicate).
type commentIdentity struct {
	ContentHash string
	Author      string
	CreatedAt   int64
}

func identityOf(c *types.Comment) commentIdentity {
	sum := sha256.Sum256([]byte(c.Content))
	return commentIdentity{
		ContentHash: hex.EncodeToString(sum[:]),
		Author:      c.Author,
		CreatedAt:   c.CreatedAt.Truncate(time.Second).Unix(),
	}
}

func mergeComments(res *Result, base, local, remote *types.Snapshot) {
	seen := make(map[commentIdentity]bool)
	add := func(list []*types.Comment) {
		for _, c := range list {
			if _, ok := res.Snapshot.Atoms[c.ParentID]; !ok {
				continue
			}
			id := identityOf(c)
			if seen[id] {
				continue
			}
			seen[id] = true
			dup := *c
			res.Snapshot.Comments = append(res.Snapshot.Comments, &dup)
		}
	}
	// Comments are never deletable, so the ancestor's comments survive too.
	add(local.Comments)
	add(remote.Comments)
	add(base.Comments)

	sort.Slice(res.Snapshot.Comments, func(i, j int) bool {
		ci, cj := res.Snapshot.Comments[i], res.Snapshot.Comments[j]
		if !ci.CreatedAt.Equal(cj.CreatedAt) {
			return ci.CreatedAt.Before(cj.CreatedAt)
		}
		return ci.ID < cj.ID
	})
}

func sortConflicts(list []Conflict) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].AtomID != list[j].AtomID {
			return list[i].AtomID < list[j].AtomID
		}
		return list[i].Field < list[j].Field
	})
}

// atomsEqual compares two atoms modulo label ordering.
func atomsEqual(a, b *types.Atom) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := a.Clone(), b.Clone()
	sort.Strings(ac.Labels)
	sort.Strings(bc.Labels)
	return reflect.DeepEqual(ac, bc)
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
