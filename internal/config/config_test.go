package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetString("auth.mode", ""); got != "none" {
		t.Errorf("auth.mode: want none, got %q", got)
	}
	if got := cfg.GetInt("server.port", 0); got != 8086 {
		t.Errorf("server.port: want 8086, got %d", got)
	}
	if got := cfg.GetInt("vector_store.max_query_chars", 0); got != 512 {
		t.Errorf("max_query_chars: want 512, got %d", got)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	body := "data_dir: /srv/pv\nsearch:\n  timeout_ms: 250\nauth:\n  mode: static\n  api_keys:\n    acme: sekrit\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetString("data_dir", ""); got != "/srv/pv" {
		t.Errorf("data_dir: got %q", got)
	}
	if got := cfg.GetInt("search.timeout_ms", 0); got != 250 {
		t.Errorf("search.timeout_ms: got %d", got)
	}
	keys := cfg.GetStringMap("auth.api_keys")
	if keys["acme"] != "sekrit" {
		t.Errorf("api_keys: got %v", keys)
	}
	// Defaults under a partially overridden section survive.
	if got := cfg.GetInt("search.max_concurrent", 0); got != 8 {
		t.Errorf("search.max_concurrent: got %d", got)
	}
}

func TestEnvOverlayWinsWithCoercion(t *testing.T) {
	t.Setenv("PATCHVEC_SEARCH__MAX_CONCURRENT", "3")
	t.Setenv("PATCHVEC_AUTH__MODE", "static")
	t.Setenv("PATCHVEC_COMMON_ENABLED", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.GetInt("search.max_concurrent", 0); got != 3 {
		t.Errorf("env int override: got %d", got)
	}
	if got := cfg.GetString("auth.mode", ""); got != "static" {
		t.Errorf("env string override: got %q", got)
	}
	if !cfg.GetBool("common_enabled", false) {
		t.Error("env bool override lost")
	}
}

func TestTenantsFileMerge(t *testing.T) {
	dir := t.TempDir()
	tenants := filepath.Join(dir, "tenants.yml")
	if err := os.WriteFile(tenants, []byte("auth:\n  api_keys:\n    beta: k2\ntenants:\n  beta:\n    max_concurrent: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(main, []byte("auth:\n  tenants_file: "+tenants+"\n  api_keys:\n    acme: k1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	keys := cfg.GetStringMap("auth.api_keys")
	if keys["acme"] != "k1" || keys["beta"] != "k2" {
		t.Errorf("merged api_keys: got %v", keys)
	}
	if got := cfg.TenantLimit("beta"); got != 2 {
		t.Errorf("tenant limit beta: got %d", got)
	}
	if got := cfg.TenantLimit("other"); got != 0 {
		t.Errorf("tenant limit default: got %d", got)
	}
}

func TestTenantLimitDefault(t *testing.T) {
	cfg := FromMap(map[string]any{
		"tenants": map[string]any{
			"default_max_concurrent": 5,
			"vip":                    map[string]any{"max_concurrent": 20},
		},
	})
	if got := cfg.TenantLimit("vip"); got != 20 {
		t.Errorf("override: got %d", got)
	}
	if got := cfg.TenantLimit("anyone"); got != 5 {
		t.Errorf("default: got %d", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	cfg := FromMap(map[string]any{"data_dir": "~/pvdata"})
	if got := cfg.GetPath("data_dir", ""); got != filepath.Join(home, "pvdata") {
		t.Errorf("expand: got %q", got)
	}
}
