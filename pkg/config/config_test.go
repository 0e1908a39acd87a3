package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ProductionLock || cfg.AllowSandbox {
		t.Fatalf("ProductionLock=%v AllowSandbox=%v, expected locked by default", cfg.ProductionLock, cfg.AllowSandbox)
	}
	if cfg.AdapterTimeout != 15*time.Second {
		t.Fatalf("AdapterTimeout=%v, expected 15s", cfg.AdapterTimeout)
	}
	if cfg.TokenRefreshThreshold != 5*time.Minute {
		t.Fatalf("TokenRefreshThreshold=%v, expected 5m", cfg.TokenRefreshThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PRODUCTION_LOCK", "false")
	t.Setenv("ADAPTER_TIMEOUT", "20")
	t.Setenv("TOKEN_REFRESH_THRESHOLD", "90s")
	t.Setenv("CORS_ORIGINS", "https://a.io, https://b.io ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProductionLock {
		t.Fatal("ProductionLock=true, expected false")
	}
	if cfg.AdapterTimeout != 20*time.Second {
		t.Fatalf("AdapterTimeout=%v, expected 20s", cfg.AdapterTimeout)
	}
	if cfg.TokenRefreshThreshold != 90*time.Second {
		t.Fatalf("TokenRefreshThreshold=%v, expected 90s", cfg.TokenRefreshThreshold)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.io" {
		t.Fatalf("CORSOrigins=%v", cfg.CORSOrigins)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}
