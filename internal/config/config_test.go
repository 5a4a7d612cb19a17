package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load: %v", err)
	}
	if cfg.PortMin != 5000 || cfg.PortMax != 5010 {
		t.Fatalf("unexpected default port range %d-%d", cfg.PortMin, cfg.PortMax)
	}
	if cfg.DBPath != "messages.db" {
		t.Fatalf("unexpected default db path %q", cfg.DBPath)
	}
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("BYTECHAT_ALLOWED_ORIGINS", "https://chat.example.com, http://localhost:5000")
	t.Setenv("BYTECHAT_TRUSTED_PROXIES", "10.0.0.1,192.168.0.0/16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5000" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.1" {
		t.Fatalf("unexpected proxies: %v", cfg.TrustedProxies)
	}
}

func TestLoadRejectsInvertedPortRange(t *testing.T) {
	t.Setenv("BYTECHAT_PORT_MIN", "6000")
	t.Setenv("BYTECHAT_PORT_MAX", "5000")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestLoadRejectsOutOfBoundsPorts(t *testing.T) {
	t.Setenv("BYTECHAT_PORT_MIN", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for port 0")
	}
}
