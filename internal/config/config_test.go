package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Prefix != "CHAT" {
		t.Errorf("Prefix = %q, want CHAT", cfg.Prefix)
	}
	if cfg.Poll.Attempts != 10 || cfg.Poll.Interval != time.Second {
		t.Errorf("Poll = %+v, want 10 x 1s", cfg.Poll)
	}
	if cfg.ConnectTimeout != 2*time.Minute {
		t.Errorf("ConnectTimeout = %v, want 2m", cfg.ConnectTimeout)
	}
	if cfg.BatchThreshold != 5 {
		t.Errorf("BatchThreshold = %d, want 5", cfg.BatchThreshold)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("ICEServers = %v", cfg.ICEServers)
	}
	if cfg.Store.Backend != BackendFile {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, BackendFile)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cosmic.yaml")
	body := []byte("prefix: ROOM\npoll:\n  attempts: 3\n  interval: 250ms\nstore:\n  backend: http\n  url: http://rv.example:9000\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COSMIC_BATCH_THRESHOLD", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Prefix != "ROOM" {
		t.Errorf("Prefix = %q, want ROOM", cfg.Prefix)
	}
	if cfg.Poll.Attempts != 3 || cfg.Poll.Interval != 250*time.Millisecond {
		t.Errorf("Poll = %+v", cfg.Poll)
	}
	if cfg.Store.Backend != BackendHTTP || cfg.Store.URL != "http://rv.example:9000" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.BatchThreshold != 2 {
		t.Errorf("BatchThreshold = %d, want 2 (from env)", cfg.BatchThreshold)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty prefix", func(c *Config) { c.Prefix = "" }},
		{"zero attempts", func(c *Config) { c.Poll.Attempts = 0 }},
		{"zero interval", func(c *Config) { c.Poll.Interval = 0 }},
		{"zero threshold", func(c *Config) { c.BatchThreshold = 0 }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() = nil error for missing file")
	}
}
