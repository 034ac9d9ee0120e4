package config

import "testing"

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "estuary.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.SigningSecret != "" {
		t.Fatalf("token auth must default to off")
	}
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Fatalf("unexpected server url: %s", cfg.ServerURL)
	}
	if cfg.SyncRetries != 3 {
		t.Fatalf("unexpected retry bound: %d", cfg.SyncRetries)
	}
	if cfg.AuthEnabled {
		t.Fatalf("bearer auth must default to off")
	}
}

func TestLoadRejectsBlankValues(t *testing.T) {
	v := NewViper()
	v.Set("database.path", "   ")
	if _, err := LoadServer(v); err == nil {
		t.Fatalf("expected error for blank database path")
	}

	v = NewViper()
	v.Set("server.url", "")
	if _, err := LoadClient(v); err == nil {
		t.Fatalf("expected error for blank server url")
	}

	v = NewViper()
	v.Set("sync.retries", -1)
	if _, err := LoadClient(v); err == nil {
		t.Fatalf("expected error for negative retries")
	}
}
