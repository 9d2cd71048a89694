package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/eluent/eluent/internal/types"
)

func TestStateStoreFreshAndRoundTrip(t *testing.T) {
	ss := NewStateStore(t.TempDir())

	st, err := ss.Load()
	if err != nil {
		t.Fatalf("Load fresh: %v", err)
	}
	if !st.Valid || st.SchemaVersion != stateSchemaVersion || len(st.OfflineClaims) != 0 {
		t.Errorf("fresh state = %+v", st)
	}

	now := time.Now().UTC().Truncate(time.Second)
	st.LastPullAt = &now
	st.LedgerHead = "abc123"
	if err := ss.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := ss.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.LedgerHead != "abc123" || got.LastPullAt == nil || !got.LastPullAt.Equal(now) {
		t.Errorf("round trip = %+v", got)
	}
}

func TestStateStoreMalformedResets(t *testing.T) {
	dir := t.TempDir()
	ss := NewStateStore(dir)
	if err := os.WriteFile(ss.Path(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	st, err := ss.Load()
	if err != nil {
		t.Fatalf("malformed state must not fail: %v", err)
	}
	if !st.Valid || st.LedgerHead != "" {
		t.Errorf("expected fresh state, got %+v", st)
	}
}

func TestStateStoreUpgradeRequired(t *testing.T) {
	dir := t.TempDir()
	ss := NewStateStore(dir)
	data, _ := json.Marshal(State{SchemaVersion: stateSchemaVersion + 1, Valid: true})
	if err := os.WriteFile(ss.Path(), data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ss.Load(); !errors.Is(err, ErrUpgradeRequired) {
		t.Errorf("Load = %v, want ErrUpgradeRequired", err)
	}
}

func TestOfflineClaimOverflowDropsOldest(t *testing.T) {
	ss := NewStateStore(t.TempDir())
	for i := 0; i < maxOfflineClaims+2; i++ {
		claim := types.OfflineClaim{
			AtomID:    "demo-" + time.Now().Format("150405") + string(rune('a'+i%26)),
			AgentID:   "agent",
			ClaimedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if i == 0 {
			claim.AtomID = "oldest"
		}
		if err := ss.RecordOfflineClaim(claim); err != nil {
			t.Fatalf("RecordOfflineClaim(%d): %v", i, err)
		}
	}
	st, err := ss.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.OfflineClaims) != maxOfflineClaims {
		t.Errorf("queue len = %d, want %d", len(st.OfflineClaims), maxOfflineClaims)
	}
	for _, c := range st.OfflineClaims {
		if c.AtomID == "oldest" {
			t.Error("oldest claim should have been dropped")
		}
	}
}

func TestStateStoreAtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	ss := NewStateStore(dir)
	if err := ss.Save(newState()); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		name := e.Name()
		if name != stateFileName && name != lockFileName {
			t.Errorf("unexpected file %s left behind", name)
		}
	}
}
