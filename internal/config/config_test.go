package config

import (
	"os"
	"path/filepath"
	"testing"

	"loopline/go-backend/internal/realtime"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
user: alice
metricsAddr: "127.0.0.1:9200"
realtime:
  transport: redis
  redisAddr: "127.0.0.1:6379"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User != "alice" || cfg.MetricsAddr != "127.0.0.1:9200" {
		t.Fatalf("file values should win, got %+v", cfg)
	}
	if cfg.Realtime.Transport != realtime.TransportRedis || cfg.Realtime.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("realtime section should parse, got %+v", cfg.Realtime)
	}
	if cfg.DataDir == "" {
		t.Fatal("unset fields should keep defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("explicit missing path should fail")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("user: alice\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOOPLINE_USER", "bob")
	t.Setenv("LOOPLINE_TRANSPORT", realtime.TransportMemory)
	t.Setenv("LOOPLINE_PASSPHRASE", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User != "bob" {
		t.Fatalf("env should override file, got %q", cfg.User)
	}
	if cfg.Passphrase != "from-env" {
		t.Fatal("passphrase should come from the environment")
	}
}

func TestValidateRejectsMissingUser(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure without a user")
	}
	cfg.User = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config should pass: %v", err)
	}
}
