package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceName != "ledger-engine" || cfg.HTTP.Port != 8080 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Ledger.LockTimeout != 3*time.Second {
		t.Errorf("expected 3s lock timeout, got %s", cfg.Ledger.LockTimeout)
	}
	if !cfg.Ledger.FeeRate.IsZero() || !cfg.Ledger.MaxShareOfSupply.IsZero() {
		t.Errorf("expected zero fee and share limit")
	}
	if cfg.Payments.IntentTTL != 30*time.Minute {
		t.Errorf("expected 30m intent ttl, got %s", cfg.Payments.IntentTTL)
	}
	if cfg.Sweep.Interval != 30*time.Second {
		t.Errorf("expected 30s sweep, got %s", cfg.Sweep.Interval)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.Join([]string{
		"env: staging",
		"http:",
		"  port: 9090",
		"ledger:",
		"  fee_rate: \"0.015\"",
		"  lock_timeout: 1500ms",
		"kafka:",
		"  brokers: [\"k1:9092\", \"k2:9092\"]",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_LEDGER_MAX_SHARE_OF_SUPPLY", "0.25")
	t.Setenv("LEDGER_HTTP_PORT", "9191")
	t.Setenv("LEDGER_ADMIN_TOKEN", "s3cret")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "staging" {
		t.Errorf("expected env from file, got %q", cfg.Env)
	}
	if cfg.HTTP.Port != 9191 {
		t.Errorf("expected env to override port, got %d", cfg.HTTP.Port)
	}
	if !cfg.Ledger.FeeRate.Equal(decimal.RequireFromString("0.015")) {
		t.Errorf("expected fee 0.015, got %s", cfg.Ledger.FeeRate)
	}
	if !cfg.Ledger.MaxShareOfSupply.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("expected share 0.25, got %s", cfg.Ledger.MaxShareOfSupply)
	}
	if cfg.Ledger.LockTimeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %s", cfg.Ledger.LockTimeout)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Kafka.Brokers)
	}
	if cfg.Admin.Token != "s3cret" {
		t.Errorf("expected admin token from env, got %q", cfg.Admin.Token)
	}
}

func TestLoadRejectsBadFeeRate(t *testing.T) {
	t.Setenv("LEDGER_LEDGER_FEE_RATE", "-0.1")
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for negative fee rate")
	}
}
