package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".eluent")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return filepath.Dir(dir)
}

func TestDefaults(t *testing.T) {
	c, err := Load(t.TempDir()) // no config file
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *c.Defaults.Priority != 2 || c.Defaults.IssueType != "task" {
		t.Errorf("defaults = %d/%s", *c.Defaults.Priority, c.Defaults.IssueType)
	}
	if c.Sync.LedgerBranch != "" || c.LedgerConfigured() {
		t.Error("ledger should be unconfigured by default")
	}
	if !*c.Sync.AutoClaimPush || *c.Sync.ClaimRetries != 5 || *c.Sync.NetworkTimeout != 30 {
		t.Errorf("sync defaults wrong: %+v", c.Sync)
	}
	if c.Sync.OfflineMode != OfflineModeLocal {
		t.Errorf("offline_mode = %q", c.Sync.OfflineMode)
	}
	if *c.Ephemeral.CleanupDays != 7 {
		t.Errorf("cleanup_days = %d", *c.Ephemeral.CleanupDays)
	}
}

func TestLoadFileValues(t *testing.T) {
	repo := writeConfig(t, `
defaults:
  priority: 1
  issue_type: bug
sync:
  ledger_branch: eluent-sync
  auto_claim_push: false
  claim_retries: 10
  claim_timeout_hours: 2.5
  offline_mode: fail
  network_timeout: 60
ephemeral:
  cleanup_days: 3
`)
	c, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *c.Defaults.Priority != 1 || c.Defaults.IssueType != "bug" {
		t.Errorf("defaults = %+v", c.Defaults)
	}
	if c.Sync.LedgerBranch != "eluent-sync" || !c.LedgerConfigured() {
		t.Error("ledger_branch not read")
	}
	if *c.Sync.AutoClaimPush {
		t.Error("auto_claim_push should be false")
	}
	if *c.Sync.ClaimRetries != 10 || *c.Sync.ClaimTimeoutHours != 2.5 {
		t.Errorf("claim settings = %+v", c.Sync)
	}
	if c.Sync.OfflineMode != OfflineModeFail || *c.Sync.NetworkTimeout != 60 {
		t.Errorf("sync = %+v", c.Sync)
	}
	if *c.Ephemeral.CleanupDays != 3 {
		t.Errorf("cleanup_days = %d", *c.Ephemeral.CleanupDays)
	}
}

func TestClamping(t *testing.T) {
	repo := writeConfig(t, `
sync:
  claim_retries: 5000
  network_timeout: 1
`)
	c, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *c.Sync.ClaimRetries != MaxClaimRetries {
		t.Errorf("claim_retries = %d, want %d", *c.Sync.ClaimRetries, MaxClaimRetries)
	}
	if *c.Sync.NetworkTimeout != 5 {
		t.Errorf("network_timeout = %d, want clamped 5", *c.Sync.NetworkTimeout)
	}

	repo = writeConfig(t, "sync:\n  claim_retries: 0\n")
	c, err = Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *c.Sync.ClaimRetries != MinClaimRetries {
		t.Errorf("claim_retries = %d, want %d", *c.Sync.ClaimRetries, MinClaimRetries)
	}
}

func TestUnknownOfflineModeFallsBack(t *testing.T) {
	repo := writeConfig(t, "sync:\n  offline_mode: maybe\n")
	c, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Sync.OfflineMode != OfflineModeLocal {
		t.Errorf("offline_mode = %q, want fallback to local", c.Sync.OfflineMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	repo := writeConfig(t, "sync:\n  ledger_branch: from-file\n  network_timeout: 60\n")
	t.Setenv("ELUENT_LEDGER_BRANCH", "from-env")
	t.Setenv("ELUENT_NETWORK_TIMEOUT", "90")
	t.Setenv("ELUENT_AUTO_CLAIM_PUSH", "false")

	c, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Sync.LedgerBranch != "from-env" {
		t.Errorf("ledger_branch = %q, env must win", c.Sync.LedgerBranch)
	}
	if *c.Sync.NetworkTimeout != 90 {
		t.Errorf("network_timeout = %d", *c.Sync.NetworkTimeout)
	}
	if *c.Sync.AutoClaimPush {
		t.Error("auto_claim_push env override ignored")
	}
}

func TestUnknownKeysIgnored(t *testing.T) {
	repo := writeConfig(t, "future_section:\n  whatever: 1\nsync:\n  ledger_branch: b\n")
	c, err := Load(repo)
	if err != nil {
		t.Fatalf("unknown keys must not fail load: %v", err)
	}
	if c.Sync.LedgerBranch != "b" {
		t.Errorf("known key lost: %+v", c.Sync)
	}
}

func TestUserDataRoot(t *testing.T) {
	c := Default()
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	root, err := c.UserDataRoot()
	if err != nil || root != filepath.Join("/tmp/xdg", "eluent") {
		t.Errorf("UserDataRoot = %q, %v", root, err)
	}

	c.Sync.GlobalPathOverride = "/custom/data"
	root, err = c.UserDataRoot()
	if err != nil || root != "/custom/data" {
		t.Errorf("override ignored: %q, %v", root, err)
	}

	dir, err := c.RepoDataDir("myrepo")
	if err != nil || dir != filepath.Join("/custom/data", "myrepo") {
		t.Errorf("RepoDataDir = %q, %v", dir, err)
	}
}
