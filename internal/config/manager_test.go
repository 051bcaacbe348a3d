package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
discord:
  token: abc
  rate_per_sec: 3
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./pingur.db
  busy_timeout: 2s
dispatcher:
  enabled: true
  cadence: 10s
  batch_limit: 50
housekeeping:
  enabled: true
  retention: 720h
`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "abc" || cfg.Discord.RatePerSec != 3 {
		t.Fatalf("discord = %+v", cfg.Discord)
	}
	if cfg.Dispatcher.Cadence != "10s" || cfg.Dispatcher.BatchLimit != 50 {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Storage.Path != "./pingur.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json",
		`{"discord":{"token":"x"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},`+
			`"storage":{"path":"./db"},"dispatcher":{"enabled":true}}`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "x" || !cfg.Dispatcher.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
storage:
  path: ./db
dispatcher:
  enabled: true
  cadance: 10s
`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("typo'd key must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must be rejected")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage must be rejected")
	}
	if d, err := ParseDurationOrDefault("x", "", 15*time.Second); err != nil || d != 15*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
