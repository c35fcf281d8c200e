package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONTROLPLANE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("ADMIN_API_KEY", "admin-secret")
	for _, key := range []string{"BIND_ADDR", "DB_PATH", "TASK_LEASE_SECONDS", "AGENT_API_KEYS", "AGENT_KEYS_FILE", "ENABLE_SWAGGER"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.DBPath != "data/controlplane.db" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.TaskLeaseSeconds != 300 || cfg.DispatchIntervalMS != 250 || cfg.RegionClaimCap != 25 {
		t.Fatalf("tuning defaults = %+v", cfg)
	}
	if cfg.Lease() != 300*time.Second || cfg.DispatchInterval() != 250*time.Millisecond {
		t.Fatalf("durations = %v %v", cfg.Lease(), cfg.DispatchInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "controlplane.yaml")
	yamlBody := `
bind_addr: ":9999"
db_path: from-file.db
task_lease_seconds: 60
region_claim_cap: 5
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONTROLPLANE_CONFIG", path)
	t.Setenv("ADMIN_API_KEY", "admin-secret")
	t.Setenv("DB_PATH", "from-env.db")
	t.Setenv("TASK_LEASE_SECONDS", "120")
	t.Setenv("AGENT_API_KEYS", "k1, k2 ,k3")
	t.Setenv("ENABLE_SWAGGER", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != ":9999" {
		t.Fatalf("bind = %s, want file value", cfg.BindAddr)
	}
	if cfg.DBPath != "from-env.db" {
		t.Fatalf("db path = %s, want env value", cfg.DBPath)
	}
	if cfg.TaskLeaseSeconds != 120 {
		t.Fatalf("lease = %d, want env value 120", cfg.TaskLeaseSeconds)
	}
	if cfg.RegionClaimCap != 5 {
		t.Fatalf("cap = %d, want file value 5", cfg.RegionClaimCap)
	}
	if len(cfg.AgentAPIKeys) != 3 || cfg.AgentAPIKeys[1] != "k2" {
		t.Fatalf("agent keys = %v", cfg.AgentAPIKeys)
	}
	if !cfg.EnableSwagger {
		t.Fatal("swagger should be enabled")
	}
}

func TestLoad_InvalidLease(t *testing.T) {
	t.Setenv("CONTROLPLANE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("TASK_LEASE_SECONDS", "zero")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid lease")
	}
}

func TestValidate_RequiresAdminKey(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing admin key")
	}
}

func TestAgentKeysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-keys")
	body := "key-one\n\n# rotated 2026-08\nkey-two\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	keys, err := ReadAgentKeysFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(keys) != 2 || keys[0] != "key-one" || keys[1] != "key-two" {
		t.Fatalf("keys = %v", keys)
	}

	t.Setenv("CONTROLPLANE_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("ADMIN_API_KEY", "admin-secret")
	t.Setenv("AGENT_KEYS_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AgentAPIKeys) != 2 {
		t.Fatalf("loaded agent keys = %v", cfg.AgentAPIKeys)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := defaults()
	b := defaults()
	if fingerprint(&a) != fingerprint(&b) {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.TaskLeaseSeconds = 42
	if fingerprint(&a) == fingerprint(&b) {
		t.Fatal("changed config should change the fingerprint")
	}
	// Key material never appears; only the count participates.
	c := defaults()
	c.AgentAPIKeys = []string{"super-secret"}
	d := defaults()
	d.AgentAPIKeys = []string{"other-secret"}
	if fingerprint(&c) != fingerprint(&d) {
		t.Fatal("fingerprint must not depend on key values")
	}
}

func TestWatcher_EmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-keys")
	if err := os.WriteFile(path, []byte("k1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := NewWatcher(nil, path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the watch registration a moment before the write.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("k1\nk2\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("event path = %s, want %s", ev.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}
