package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{file: filepath.Join(dir, "parley.yaml")}

	if err := cfg.EnsureDefaultConfig(false); err != nil {
		t.Fatalf("EnsureDefaultConfig failed: %v", err)
	}

	if cfg.PeerID == "" {
		t.Error("Expected generated peer ID")
	}
	if cfg.JWTSecret == "" {
		t.Error("Expected generated JWT secret")
	}
	if cfg.ServerAddr != ":3030" {
		t.Errorf("Expected default server addr :3030, got %q", cfg.ServerAddr)
	}
	if len(cfg.STUNServers) == 0 {
		t.Error("Expected default STUN server")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(dir, "parley.db") {
		t.Errorf("Expected DB next to config file, got %q", cfg.DBPath)
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("PARLEY_SIGNAL_URL", "ws://relay.example:4040")
	os.Setenv("PARLEY_JWT_SECRET", "from-env")
	defer os.Unsetenv("PARLEY_SIGNAL_URL")
	defer os.Unsetenv("PARLEY_JWT_SECRET")

	cfg := &Config{file: filepath.Join(t.TempDir(), "parley.yaml"), JWTSecret: "from-file"}
	if err := cfg.EnsureDefaultConfig(false); err != nil {
		t.Fatalf("EnsureDefaultConfig failed: %v", err)
	}

	if cfg.SignalURL != "ws://relay.example:4040" {
		t.Errorf("Expected env to set signal URL, got %q", cfg.SignalURL)
	}
	if cfg.JWTSecret != "from-env" {
		t.Errorf("Expected env to override JWT secret, got %q", cfg.JWTSecret)
	}
}

func TestLoadCreatesConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "parley.yaml")

	cfg, err := Load("test", file, "debug")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected flag to override log level, got %q", cfg.LogLevel)
	}
	if cfg.Version != "test" {
		t.Errorf("Expected version test, got %q", cfg.Version)
	}
	if _, err := os.Stat(file); err != nil {
		t.Errorf("Expected config file written with defaults: %v", err)
	}
}
