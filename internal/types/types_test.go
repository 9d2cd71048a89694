package types

import (
	"testing"
	"time"
)

func validAtom() *Atom {
	now := time.Now()
	return &Atom{
		ID:        "demo-0123456789ABCDEFGHJKMNPQ",
		Title:     "Fix flaky sync test",
		Status:    StatusOpen,
		IssueType: TypeTask,
		Priority:  2,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAtomValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Atom)
		wantErr bool
	}{
		{"valid", func(a *Atom) {}, false},
		{"empty title", func(a *Atom) { a.Title = "" }, true},
		{"priority too high", func(a *Atom) { a.Priority = 6 }, true},
		{"priority negative", func(a *Atom) { a.Priority = -1 }, true},
		{"priority zero ok", func(a *Atom) { a.Priority = 0 }, false},
		{"bad status", func(a *Atom) { a.Status = "bogus" }, true},
		{"bad type", func(a *Atom) { a.IssueType = "widget" }, true},
		{"self parent", func(a *Atom) { a.ParentID = a.ID }, true},
		{"updated before created", func(a *Atom) { a.UpdatedAt = a.CreatedAt.Add(-time.Hour) }, true},
		{"discard without deleted_at", func(a *Atom) { a.Status = StatusDiscard }, true},
		{"discard with deleted_at", func(a *Atom) {
			a.Status = StatusDiscard
			now := time.Now()
			a.DeletedAt = &now
		}, false},
		{"deleted_at without discard", func(a *Atom) {
			now := time.Now()
			a.DeletedAt = &now
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAtom()
			tt.mutate(a)
			err := a.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	a := &Atom{Title: "x"}
	a.SetDefaults()
	if a.Status != StatusOpen {
		t.Errorf("default status = %s, want open", a.Status)
	}
	if a.IssueType != TypeTask {
		t.Errorf("default type = %s, want task", a.IssueType)
	}
}

func TestClone(t *testing.T) {
	a := validAtom()
	a.Labels = []string{"infra"}
	a.Metadata = map[string]any{"outer": map[string]any{"inner": "v"}}

	dup := a.Clone()
	dup.Labels[0] = "changed"
	dup.Metadata["outer"].(map[string]any)["inner"] = "changed"

	if a.Labels[0] != "infra" {
		t.Error("Clone shares labels slice")
	}
	if a.Metadata["outer"].(map[string]any)["inner"] != "v" {
		t.Error("Clone shares nested metadata map")
	}
}

func TestBondKindBlocking(t *testing.T) {
	blocking := []BondKind{BondBlocks, BondParentChild, BondConditionalBlocks, BondWaitsFor}
	informational := []BondKind{BondRelated, BondDuplicates, BondDiscoveredFrom, BondRepliesTo}

	for _, k := range blocking {
		if !k.IsBlocking() {
			t.Errorf("%s should be blocking", k)
		}
	}
	for _, k := range informational {
		if k.IsBlocking() {
			t.Errorf("%s should not be blocking", k)
		}
	}
}

func TestRegistryTransitions(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusClosed, true},
		{StatusClosed, StatusOpen, true},  // reopen
		{StatusDiscard, StatusOpen, true}, // restore
		{StatusDiscard, StatusClosed, false},
		{StatusClosed, StatusInProgress, false},
		{StatusOpen, StatusOpen, true}, // idempotent
	}
	for _, tt := range tests {
		if got := reg.CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRegistryRuntimeExtension(t *testing.T) {
	reg := NewRegistry()

	if err := reg.RegisterStatus("in_review", StatusDef{NonBlocking: true, Transitions: []Status{StatusClosed}}); err != nil {
		t.Fatalf("RegisterStatus: %v", err)
	}
	if !reg.ValidStatus("in_review") {
		t.Error("custom status not recognized")
	}
	if !reg.NonBlockingStatus("in_review") {
		t.Error("custom status should be non-blocking")
	}
	if !reg.CanTransition("in_review", StatusClosed) {
		t.Error("custom transition not honored")
	}

	if err := reg.RegisterBondKind("mirrors", KindDef{Blocking: true, Informational: true}); err == nil {
		t.Error("expected error for contradictory kind flags")
	}
	if err := reg.RegisterBondKind("mirrors", KindDef{Informational: true}); err != nil {
		t.Fatalf("RegisterBondKind: %v", err)
	}
	if reg.BlockingKind("mirrors") {
		t.Error("informational kind reported blocking")
	}
}

func TestAbstractTypes(t *testing.T) {
	reg := DefaultRegistry()
	if !reg.AbstractType(TypeEpic) || !reg.AbstractType(TypeFormula) {
		t.Error("epic and formula must be abstract")
	}
	if reg.AbstractType(TypeTask) || reg.AbstractType(TypeArtifact) {
		t.Error("task and artifact must not be abstract")
	}
}
