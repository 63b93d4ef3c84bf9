package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `ledgerflow:
  name: "TestApp"
  version: "1.0"
database:
  dsn: "host=localhost user=test dbname=test"
scheduler:
  request_timeout: 10s
  exchanges:
    binance:
      - interval: 60s
        capacity: 1200
        default_weight: 1
        refill_rate: 20
balance:
  min_interval: 3s
  live_interval: 3s
storage:
  s3:
    enabled: false
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Ledgerflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Ledgerflow.Name)
	}
	if cfg.Scheduler.RequestTimeout != 10*time.Second {
		t.Errorf("unexpected request timeout: %v", cfg.Scheduler.RequestTimeout)
	}
	if got := cfg.Scheduler.Exchanges["binance"]; len(got) != 1 || got[0].Capacity != 1200 {
		t.Errorf("unexpected binance buckets: %+v", got)
	}
	// Defaults survive partial configs.
	if cfg.Recon.MaxOHLCPoints != 100 {
		t.Errorf("unexpected max ohlc points: %d", cfg.Recon.MaxOHLCPoints)
	}
	if cfg.Scheduler.CacheTTL != 5*time.Second {
		t.Errorf("unexpected cache ttl: %v", cfg.Scheduler.CacheTTL)
	}
}

func TestLoadConfigMissingDSN(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	path := writeTempConfig(t, `ledgerflow:
  name: "TestApp"
  version: "1.0"
`)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_DSN", "host=override")
	path := writeTempConfig(t, `ledgerflow:
  name: "TestApp"
  version: "1.0"
database:
  dsn: "host=file"
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Database.DSN != "host=override" {
		t.Errorf("env override not applied: %s", cfg.Database.DSN)
	}
}

func TestValidateConfigBadBucket(t *testing.T) {
	path := writeTempConfig(t, `ledgerflow:
  name: "TestApp"
  version: "1.0"
database:
  dsn: "host=localhost"
scheduler:
  exchanges:
    bybit:
      - interval: 60s
        capacity: 0
        refill_rate: 10
`)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for zero capacity bucket")
	}
}
