package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeAppliesDefaults(t *testing.T) {
	cfg := &ServerConfig{
		ListenAddr: "  ",
		Provider:   ProviderConfig{BaseURL: "https://api.example.com/v1/ "},
	}
	cfg.Normalize()

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr default, got %q", cfg.ListenAddr)
	}
	if cfg.Provider.BaseURL != "https://api.example.com/v1" {
		t.Fatalf("base_url should be trimmed, got %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.TimeoutSeconds != 60 || cfg.Limits.RequestsPerMinute != 60 {
		t.Fatalf("timeout/rpm defaults missing: %+v", cfg)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.PreviewLimit != 1024 || cfg.Logging.FullLimit != 65536 {
		t.Fatalf("logging defaults missing: %+v", cfg.Logging)
	}
	if cfg.Logging.StreamBufferLimit != 1<<20 {
		t.Fatalf("stream buffer default missing: %d", cfg.Logging.StreamBufferLimit)
	}
}

func TestValidateRejectsBadBaseURL(t *testing.T) {
	cases := []string{"", "not-a-url", "ftp://example.com", "https://"}
	for _, base := range cases {
		cfg := NewDefaultServerConfig()
		cfg.Provider.BaseURL = base
		if err := cfg.Validate(); err == nil {
			t.Fatalf("base_url %q should be rejected", base)
		}
	}
}

func TestValidateTLSNeedsDomain(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.TLS.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("tls without domain should be rejected")
	}
	cfg.TLS.Domain = "relay.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tls with domain should validate: %v", err)
	}
}

func TestLoadOrCreateWritesDefaultsThenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.toml")

	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("default listen addr, got %q", cfg.ListenAddr)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file should exist: %v", err)
	}
	if !strings.Contains(string(raw), "base_url") {
		t.Fatalf("written config missing provider section:\n%s", raw)
	}

	cfg.Provider.BaseURL = "http://localhost:11434/v1"
	cfg.Auth.RelayKey = "lr-testkey"
	cfg.Limits.RequestsPerMinute = 120
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Provider.BaseURL != "http://localhost:11434/v1" {
		t.Fatalf("base_url lost: %q", loaded.Provider.BaseURL)
	}
	if loaded.Auth.RelayKey != "lr-testkey" || loaded.Limits.RequestsPerMinute != 120 {
		t.Fatalf("round trip lost fields: %+v", loaded)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
