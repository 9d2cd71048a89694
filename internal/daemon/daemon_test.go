package daemon

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eluent/eluent/internal/config"
	"github.com/eluent/eluent/internal/ledger"
	"github.com/eluent/eluent/internal/rpc"
	"github.com/eluent/eluent/internal/store"
	"github.com/eluent/eluent/internal/types"
)

type testDaemon struct {
	d      *Daemon
	done   chan error
	cancel context.CancelFunc
}

// startDaemon runs a daemon over a temp data root and waits for its
// socket.
func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("ELUENT_GLOBAL_PATH", dataDir)

	cfg := config.Default()
	cfg.Sync.GlobalPathOverride = dataDir
	d, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	td := &testDaemon{d: d, done: make(chan error, 1), cancel: cancel}
	go func() { td.done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(d.SocketPath()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("daemon socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-td.done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return td
}

func (td *testDaemon) client(t *testing.T) *rpc.Client {
	t.Helper()
	c, err := rpc.Dial(td.d.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// newRepo initializes an eluent store in a fresh directory.
func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Init(dir, "demo")
	require.NoError(t, err)
	st.Close()
	return dir
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// remoteCode extracts the daemon-reported error code, failing the test
// when err is not a RemoteError.
func remoteCode(t *testing.T, err error) string {
	t.Helper()
	var re *rpc.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want RemoteError", err)
	}
	return re.Code
}

func TestPingAndUnknownCommand(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)

	data, err := c.Call(rpc.CmdPing, nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(data, &pong); err != nil || !pong.Pong {
		t.Errorf("ping response = %s", data)
	}

	_, err = c.Call("no_such_command", nil)
	if code := remoteCode(t, err); code != rpc.CodeInvalidRequest {
		t.Errorf("unknown command code = %s, want %s", code, rpc.CodeInvalidRequest)
	}
}

func TestCreateDefaultsAndShow(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	data, err := c.Call(rpc.CmdCreate, map[string]any{
		"repo_path": repo,
		"title":     "wire the flux capacitor",
	})
	require.NoError(t, err)
	var created types.Atom
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 2, created.Priority)
	assert.Equal(t, types.TypeTask, created.IssueType)
	assert.Equal(t, types.StatusOpen, created.Status)

	data, err = c.Call(rpc.CmdShow, map[string]any{"repo_path": repo, "id": created.ID})
	require.NoError(t, err)
	var shown struct {
		Atom    types.Atom `json:"atom"`
		ShortID string     `json:"short_id"`
		IsReady bool       `json:"is_ready"`
	}
	require.NoError(t, json.Unmarshal(data, &shown))
	assert.Equal(t, created.ID, shown.Atom.ID)
	assert.NotEmpty(t, shown.ShortID)
	assert.True(t, shown.IsReady, "fresh atom should be ready")

	_, err = c.Call(rpc.CmdShow, map[string]any{"repo_path": repo, "id": "el-doesnotexist"})
	if code := remoteCode(t, err); code != rpc.CodeNotFound {
		t.Errorf("missing atom code = %s, want %s", code, rpc.CodeNotFound)
	}
}

func TestCreateRequiresInitializedRepo(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)

	_, err := c.Call(rpc.CmdCreate, map[string]any{
		"repo_path": t.TempDir(),
		"title":     "orphan",
	})
	if code := remoteCode(t, err); code != rpc.CodeNotInitialized {
		t.Errorf("uninitialized repo code = %s, want %s", code, rpc.CodeNotInitialized)
	}
}

func TestDependenciesGateReady(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	mkAtom := func(title string) string {
		data, err := c.Call(rpc.CmdCreate, map[string]any{"repo_path": repo, "title": title})
		if err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		var a types.Atom
		if err := json.Unmarshal(data, &a); err != nil {
			t.Fatal(err)
		}
		return a.ID
	}
	first := mkAtom("dig the foundation")
	second := mkAtom("pour the slab")

	// The foundation blocks the slab: source blocks target.
	if _, err := c.Call(rpc.CmdDepAdd, map[string]any{
		"repo_path": repo,
		"source_id": first,
		"target_id": second,
	}); err != nil {
		t.Fatalf("dep_add: %v", err)
	}

	data, err := c.Call(rpc.CmdReady, map[string]any{"repo_path": repo})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	var ready []types.Atom
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != first {
		t.Fatalf("ready = %v, want only %s", ready, first)
	}

	data, err = c.Call(rpc.CmdBlocked, map[string]any{"repo_path": repo})
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	var blocked []types.BlockedAtom
	if err := json.Unmarshal(data, &blocked); err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].ID != second {
		t.Fatalf("blocked = %v, want only %s", blocked, second)
	}

	// A dependency cycle must be refused.
	_, err = c.Call(rpc.CmdDepAdd, map[string]any{
		"repo_path": repo,
		"source_id": second,
		"target_id": first,
	})
	if code := remoteCode(t, err); code != rpc.CodeCycleDetected {
		t.Errorf("cycle code = %s, want %s", code, rpc.CodeCycleDetected)
	}

	// Closing the blocker frees the dependent.
	if _, err := c.Call(rpc.CmdClose, map[string]any{"repo_path": repo, "id": first}); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err = c.Call(rpc.CmdReady, map[string]any{"repo_path": repo})
	if err != nil {
		t.Fatalf("ready after close: %v", err)
	}
	ready = nil
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != second {
		t.Fatalf("ready after close = %v, want only %s", ready, second)
	}
}

func TestClaimConflictWithoutLedger(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	data, err := c.Call(rpc.CmdCreate, map[string]any{"repo_path": repo, "title": "contested"})
	if err != nil {
		t.Fatal(err)
	}
	var a types.Atom
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Call(rpc.CmdClaim, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-1",
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = c.Call(rpc.CmdClaim, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-2",
	})
	if code := remoteCode(t, err); code != rpc.CodeConflict {
		t.Errorf("rival claim code = %s, want %s", code, rpc.CodeConflict)
	}

	if _, err := c.Call(rpc.CmdHeartbeat, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-1",
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if _, err := c.Call(rpc.CmdRelease, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-1",
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := c.Call(rpc.CmdClaim, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-2",
	}); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestSyncWithoutRemote(t *testing.T) {
	requireGit(t)
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", append([]string{"-C", repo}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	_, err := c.Call(rpc.CmdSync, map[string]any{"repo_path": repo})
	if code := remoteCode(t, err); code != rpc.CodeNoRemote {
		t.Errorf("sync code = %s, want %s", code, rpc.CodeNoRemote)
	}
}

func TestLedgerStatusWithoutConfiguration(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	data, err := c.Call(rpc.CmdLedgerSync, map[string]any{"repo_path": repo, "action": "status"})
	if err != nil {
		t.Fatalf("ledger_sync status: %v", err)
	}
	var status struct {
		Configured bool `json:"configured"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatal(err)
	}
	if status.Configured {
		t.Error("ledger should report unconfigured")
	}

	_, err = c.Call(rpc.CmdLedgerSync, map[string]any{"repo_path": repo, "action": "pull"})
	if code := remoteCode(t, err); code != rpc.CodeLedgerNotConfigured {
		t.Errorf("pull code = %s, want %s", code, rpc.CodeLedgerNotConfigured)
	}
}

func TestClaimFallsBackOfflineWhenLedgerUnreachable(t *testing.T) {
	// Ledger configured, but the repo has no usable ledger branch or
	// remote: with offline_mode=local the claim lands locally and is
	// queued for reconciliation.
	t.Setenv("ELUENT_LEDGER_BRANCH", ledger.DefaultBranch)
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	data, err := c.Call(rpc.CmdCreate, map[string]any{"repo_path": repo, "title": "offline work"})
	require.NoError(t, err)
	var a types.Atom
	require.NoError(t, json.Unmarshal(data, &a))

	data, err = c.Call(rpc.CmdClaim, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-x",
	})
	require.NoError(t, err)
	var res struct {
		Atom types.Atom `json:"atom"`
	}
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, types.StatusInProgress, res.Atom.Status)
	assert.Equal(t, "agent-x", res.Atom.Assignee)

	cfg := config.Default()
	cfg.Sync.GlobalPathOverride = td.d.dataRoot
	dir, err := cfg.RepoDataDir("demo")
	require.NoError(t, err)
	st, err := ledger.NewStateStore(dir).Load()
	require.NoError(t, err)
	require.Len(t, st.OfflineClaims, 1)
	assert.Equal(t, a.ID, st.OfflineClaims[0].AtomID)
	assert.Equal(t, "agent-x", st.OfflineClaims[0].AgentID)
}

func TestClaimOfflineModeFailRefuses(t *testing.T) {
	t.Setenv("ELUENT_LEDGER_BRANCH", ledger.DefaultBranch)
	t.Setenv("ELUENT_OFFLINE_MODE", "fail")
	td := startDaemon(t)
	c := td.client(t)
	repo := newRepo(t)

	data, err := c.Call(rpc.CmdCreate, map[string]any{"repo_path": repo, "title": "strict work"})
	require.NoError(t, err)
	var a types.Atom
	require.NoError(t, json.Unmarshal(data, &a))

	_, err = c.Call(rpc.CmdClaim, map[string]any{
		"repo_path": repo, "id": a.ID, "agent_id": "agent-x",
	})
	require.Error(t, err)

	// The atom stays untouched.
	data, err = c.Call(rpc.CmdShow, map[string]any{"repo_path": repo, "id": a.ID})
	require.NoError(t, err)
	var shown struct {
		Atom types.Atom `json:"atom"`
	}
	require.NoError(t, json.Unmarshal(data, &shown))
	assert.Equal(t, types.StatusOpen, shown.Atom.Status)
	assert.Empty(t, shown.Atom.Assignee)
}

func TestOversizeFrameDropsConnection(t *testing.T) {
	td := startDaemon(t)

	conn, err := net.Dial("unix", td.d.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A header alone claiming 11 MiB: the daemon must answer and close
	// without waiting for the body.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 11<<20)
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := rpc.ReadFrame(conn)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != rpc.CodeMessageTooLarge {
		t.Errorf("response = %+v, want %s", resp, rpc.CodeMessageTooLarge)
	}
	if _, err := rpc.ReadFrame(conn); err == nil {
		t.Error("connection should be closed after an oversize frame")
	}
}

func TestShutdownCommandStopsDaemon(t *testing.T) {
	td := startDaemon(t)
	c := td.client(t)

	if _, err := c.Call(rpc.CmdShutdown, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-td.done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
		td.done <- nil // keep the cleanup select satisfied
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after shutdown command")
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	td := startDaemon(t)

	rival, err := New(td.d.cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rival.Run(ctx); err == nil {
		t.Error("second daemon should refuse to start")
	}
}
