package config

import (
	"os"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	os.Setenv("STREAMD_PASSWORD", "secret")
	defer os.Unsetenv("STREAMD_PASSWORD")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "0.0.0.0:8765" {
		t.Fatalf("addr = %q, want default", cfg.Addr)
	}
	if cfg.MaxActiveSessions != 2 {
		t.Fatalf("max_active_sessions = %d, want 2", cfg.MaxActiveSessions)
	}
	if cfg.BitrateMinBPS != 300_000 {
		t.Fatalf("bitrate_min_bps = %d, want 300000", cfg.BitrateMinBPS)
	}
}

func TestLoadRequiresPasswordUnlessAuthDisabled(t *testing.T) {
	os.Unsetenv("STREAMD_PASSWORD")

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error when password is unset and auth is not disabled")
	}

	cfg, err := Load([]string{"-auth-disabled"})
	if err != nil {
		t.Fatalf("load with auth disabled: %v", err)
	}
	if !cfg.AuthDisabled {
		t.Fatal("expected AuthDisabled to be true")
	}
}

func TestLoadAppliesFlagOverrides(t *testing.T) {
	os.Setenv("STREAMD_PASSWORD", "secret")
	defer os.Unsetenv("STREAMD_PASSWORD")

	cfg, err := Load([]string{"-addr", "127.0.0.1:9000", "-max-active-sessions", "5", "-fake-hardware"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q, want override", cfg.Addr)
	}
	if cfg.MaxActiveSessions != 5 {
		t.Fatalf("max_active_sessions = %d, want 5", cfg.MaxActiveSessions)
	}
	if !cfg.FakeHardware {
		t.Fatal("expected FakeHardware to be true")
	}
}
