package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("want default max_attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Symbols) == 0 {
		t.Fatal("defaults must carry at least one symbol")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godesk.yaml")
	data := []byte(`
api:
  base_url: "https://api.test.local"
retry:
  max_attempts: 5
  base_delay: 100ms
symbols:
  - BTC-USD
  - ETH-USD
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.API.BaseURL != "https://api.test.local" {
		t.Fatalf("base_url not applied: %s", cfg.API.BaseURL)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 100*time.Millisecond {
		t.Fatalf("retry not applied: %+v", cfg.Retry)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTC-USD" {
		t.Fatalf("symbols not applied: %v", cfg.Symbols)
	}
	// 未覆盖的字段保留默认值
	if cfg.Stream.MaxReconnect != 10 {
		t.Fatalf("unrelated default lost: %d", cfg.Stream.MaxReconnect)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godesk.yaml")
	if err := os.WriteFile(path, []byte("api:\n  base_url: \"https://file.local\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GODESK_API_URL", "https://env.local")
	t.Setenv("GODESK_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.API.BaseURL != "https://env.local" {
		t.Fatalf("env override lost: %s", cfg.API.BaseURL)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("env max_attempts lost: %d", cfg.Retry.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	cfg.Symbols = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty symbols must be rejected")
	}
	cfg = Default()
	cfg.Retry.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero max_attempts must be rejected")
	}
}
