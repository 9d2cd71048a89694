// Package config loads <repo>/.eluent/config.yaml and applies ELUENT_*
// environment overrides. Unknown keys are ignored so older binaries can
// read configs written by newer ones.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eluent/eluent/internal/debug"
)

// FileName is the config file name under the .eluent directory.
const FileName = "config.yaml"

// Offline mode values for sync.offline_mode.
const (
	OfflineModeLocal = "local"
	OfflineModeFail  = "fail"
)

// Clamp bounds for sync.claim_retries.
const (
	MinClaimRetries = 1
	MaxClaimRetries = 100
)

// Config is the recognized key set. Zero values mean "unset"; Normalize
// fills in defaults and clamps ranges.
type Config struct {
	Defaults struct {
		Priority  *int   `yaml:"priority"`
		IssueType string `yaml:"issue_type"`
	} `yaml:"defaults"`

	Sync struct {
		LedgerBranch       string   `yaml:"ledger_branch"`
		AutoClaimPush      *bool    `yaml:"auto_claim_push"`
		ClaimRetries       *int     `yaml:"claim_retries"`
		ClaimTimeoutHours  *float64 `yaml:"claim_timeout_hours"`
		OfflineMode        string   `yaml:"offline_mode"`
		NetworkTimeout     *int     `yaml:"network_timeout"`
		GlobalPathOverride string   `yaml:"global_path_override"`
	} `yaml:"sync"`

	Ephemeral struct {
		CleanupDays *int `yaml:"cleanup_days"`
	} `yaml:"ephemeral"`
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Load reads the config for a repository. A missing file yields defaults.
func Load(repoPath string) (*Config, error) {
	return LoadFile(filepath.Join(repoPath, ".eluent", FileName))
}

// LoadFile reads one config file, applies env overrides, and normalizes.
func LoadFile(path string) (*Config, error) {
	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	c.applyEnv()
	c.Normalize()
	return c, nil
}

// applyEnv layers ELUENT_* variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("ELUENT_LEDGER_BRANCH"); v != "" {
		c.Sync.LedgerBranch = v
	}
	if v := os.Getenv("ELUENT_OFFLINE_MODE"); v != "" {
		c.Sync.OfflineMode = v
	}
	if v := os.Getenv("ELUENT_GLOBAL_PATH"); v != "" {
		c.Sync.GlobalPathOverride = v
	}
	if v := os.Getenv("ELUENT_NETWORK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.NetworkTimeout = &n
		}
	}
	if v := os.Getenv("ELUENT_CLAIM_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.ClaimRetries = &n
		}
	}
	if v := os.Getenv("ELUENT_AUTO_CLAIM_PUSH"); v != "" {
		b := strings.EqualFold(v, "true") || v == "1"
		c.Sync.AutoClaimPush = &b
	}
	if v := os.Getenv("ELUENT_DEFAULT_PRIORITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.Priority = &n
		}
	}
}

// Normalize fills defaults and clamps out-of-range values in place.
func (c *Config) Normalize() {
	if c.Defaults.Priority == nil {
		p := 2
		c.Defaults.Priority = &p
	} else if *c.Defaults.Priority < 0 || *c.Defaults.Priority > 5 {
		debug.Warnf("defaults.priority %d out of range, using 2", *c.Defaults.Priority)
		p := 2
		c.Defaults.Priority = &p
	}
	if c.Defaults.IssueType == "" {
		c.Defaults.IssueType = "task"
	}

	if c.Sync.AutoClaimPush == nil {
		b := true
		c.Sync.AutoClaimPush = &b
	}
	if c.Sync.ClaimRetries == nil {
		n := 5
		c.Sync.ClaimRetries = &n
	} else if *c.Sync.ClaimRetries < MinClaimRetries {
		n := MinClaimRetries
		c.Sync.ClaimRetries = &n
	} else if *c.Sync.ClaimRetries > MaxClaimRetries {
		n := MaxClaimRetries
		c.Sync.ClaimRetries = &n
	}
	if c.Sync.ClaimTimeoutHours != nil && *c.Sync.ClaimTimeoutHours < 1 {
		debug.Warnf("sync.claim_timeout_hours %.2f is below 1h; stale claims may release while agents are still working", *c.Sync.ClaimTimeoutHours)
	}
	switch c.Sync.OfflineMode {
	case "":
		c.Sync.OfflineMode = OfflineModeLocal
	case OfflineModeLocal, OfflineModeFail:
	default:
		debug.Warnf("unknown sync.offline_mode %q, using %s", c.Sync.OfflineMode, OfflineModeLocal)
		c.Sync.OfflineMode = OfflineModeLocal
	}
	if c.Sync.NetworkTimeout == nil {
		n := 30
		c.Sync.NetworkTimeout = &n
	} else if *c.Sync.NetworkTimeout < 5 {
		n := 5
		c.Sync.NetworkTimeout = &n
	} else if *c.Sync.NetworkTimeout > 300 {
		n := 300
		c.Sync.NetworkTimeout = &n
	}

	if c.Ephemeral.CleanupDays == nil {
		n := 7
		c.Ephemeral.CleanupDays = &n
	}
}

// LedgerConfigured reports whether ledger coordination is enabled.
func (c *Config) LedgerConfigured() bool {
	return c.Sync.LedgerBranch != ""
}

// UserDataRoot resolves the per-user data root, honoring the override.
// The default follows XDG: $XDG_DATA_HOME/eluent or ~/.local/share/eluent.
func (c *Config) UserDataRoot() (string, error) {
	if c.Sync.GlobalPathOverride != "" {
		return c.Sync.GlobalPathOverride, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "eluent"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving user data root: %w", err)
	}
	return filepath.Join(home, ".local", "share", "eluent"), nil
}

// RepoDataDir returns the per-repo directory under the user data root
// (worktree, ledger state, locks).
func (c *Config) RepoDataDir(repoName string) (string, error) {
	root, err := c.UserDataRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, repoName), nil
}
