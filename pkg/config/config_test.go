package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("DRY_RUN", "")
	t.Setenv("WORKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "./data/engine.db" {
		t.Fatalf("DBPath=%s, expected ./data/engine.db", cfg.DBPath)
	}
	if !cfg.DryRun {
		t.Fatalf("DryRun=false, expected true by default")
	}
	if cfg.Workers != 4 {
		t.Fatalf("Workers=%d, expected 4", cfg.Workers)
	}
	if cfg.Venue() != "paper" {
		t.Fatalf("Venue=%s, expected paper", cfg.Venue())
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", "750ms", 750 * time.Millisecond},
		{"bare seconds", "3", 3 * time.Second},
		{"garbage falls back", "soon", time.Minute},
		{"empty falls back", "", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Fatalf("getEnvDuration=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestLiveVenue(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("BINANCE_TESTNET", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venue() != "binance-usdtfut-testnet" {
		t.Fatalf("Venue=%s", cfg.Venue())
	}
}
