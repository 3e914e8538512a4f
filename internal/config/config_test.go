package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != "8081" {
		t.Errorf("HTTPPort = %q, want 8081", cfg.HTTPPort)
	}
	if cfg.DefaultRadiusM != 120 {
		t.Errorf("DefaultRadiusM = %v, want 120", cfg.DefaultRadiusM)
	}
	if cfg.MaxSessionDur != time.Hour {
		t.Errorf("MaxSessionDur = %v, want 1h", cfg.MaxSessionDur)
	}
	if cfg.GeoMaxAccuracyM != 0 {
		t.Errorf("GeoMaxAccuracyM = %v, want disabled by default", cfg.GeoMaxAccuracyM)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("GEO_DEFAULT_RADIUS_M", "75.5")
	t.Setenv("MAX_SESSION_DURATION", "30m")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")

	cfg := Load()
	if cfg.HTTPPort != "9000" {
		t.Errorf("HTTPPort = %q, want 9000", cfg.HTTPPort)
	}
	if cfg.DefaultRadiusM != 75.5 {
		t.Errorf("DefaultRadiusM = %v, want 75.5", cfg.DefaultRadiusM)
	}
	if cfg.MaxSessionDur != 30*time.Minute {
		t.Errorf("MaxSessionDur = %v, want 30m", cfg.MaxSessionDur)
	}
	if cfg.RateLimitPerMin != 10 {
		t.Errorf("RateLimitPerMin = %d, want 10", cfg.RateLimitPerMin)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("MAX_SESSION_DURATION", "not-a-duration")
	t.Setenv("GEO_DEFAULT_RADIUS_M", "wide")

	cfg := Load()
	if cfg.MaxSessionDur != time.Hour {
		t.Errorf("MaxSessionDur = %v, want fallback 1h", cfg.MaxSessionDur)
	}
	if cfg.DefaultRadiusM != 120 {
		t.Errorf("DefaultRadiusM = %v, want fallback 120", cfg.DefaultRadiusM)
	}
}
