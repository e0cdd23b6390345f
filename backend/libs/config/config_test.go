package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sampleConfig struct {
	HTTP struct {
		Port string `yaml:"port" env:"SAMPLE_HTTP_PORT"`
	} `yaml:"http"`
	Tenant struct {
		ID string `yaml:"id"`
	} `yaml:"tenant"`
	Timeout time.Duration `yaml:"timeout" env:"SAMPLE_TIMEOUT"`
	Devices []string      `yaml:"devices" env:"SAMPLE_DEVICES"`
	Jitter  float64       `yaml:"jitter" env:"SAMPLE_JITTER"`
	Secret  string        `yaml:"secret" env:"-"`
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempFile(t, `
http:
  port: "9000"
tenant:
  id: acme-clinic
devices: [watch-0000, watch-0001]
jitter: 0.25
`)

	var cfg sampleConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != "9000" {
		t.Errorf("HTTP.Port = %q, want %q", cfg.HTTP.Port, "9000")
	}
	if cfg.Tenant.ID != "acme-clinic" {
		t.Errorf("Tenant.ID = %q, want %q", cfg.Tenant.ID, "acme-clinic")
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1] != "watch-0001" {
		t.Errorf("Devices = %v, want [watch-0000 watch-0001]", cfg.Devices)
	}
	if cfg.Jitter != 0.25 {
		t.Errorf("Jitter = %v, want 0.25", cfg.Jitter)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTempFile(t, `
http:
  port: "9000"
`)
	t.Setenv("SAMPLE_HTTP_PORT", "9100")
	t.Setenv("TENANT_ID", "derived-key")
	t.Setenv("SAMPLE_TIMEOUT", "1500ms")
	t.Setenv("SAMPLE_DEVICES", "a, b,,c")
	t.Setenv("SECRET", "ignored")

	var cfg sampleConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != "9100" {
		t.Errorf("HTTP.Port = %q, want %q", cfg.HTTP.Port, "9100")
	}
	if cfg.Tenant.ID != "derived-key" {
		t.Errorf("Tenant.ID = %q, want %q", cfg.Tenant.ID, "derived-key")
	}
	if cfg.Timeout != 1500*time.Millisecond {
		t.Errorf("Timeout = %v, want 1.5s", cfg.Timeout)
	}
	if len(cfg.Devices) != 3 || cfg.Devices[2] != "c" {
		t.Errorf("Devices = %v, want [a b c]", cfg.Devices)
	}
	if cfg.Secret != "" {
		t.Errorf("Secret = %q, want empty", cfg.Secret)
	}
}

func TestFileEnvExpansion(t *testing.T) {
	t.Setenv("SAMPLE_TENANT", "expanded")
	path := writeTempFile(t, `
tenant:
  id: ${SAMPLE_TENANT}
`)

	var cfg sampleConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tenant.ID != "expanded" {
		t.Errorf("Tenant.ID = %q, want %q", cfg.Tenant.ID, "expanded")
	}
}

func TestLoadErrors(t *testing.T) {
	var notStruct int
	if err := Load("", &notStruct); err == nil {
		t.Error("expected error for non-struct target")
	}
	if err := Load("", nil); err == nil {
		t.Error("expected error for nil target")
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &sampleConfig{}); err == nil {
		t.Error("expected error for missing file")
	}

	t.Setenv("SAMPLE_JITTER", "not-a-number")
	if err := Load("", &sampleConfig{}); err == nil {
		t.Error("expected parse error for invalid float")
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
