package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/tunevest/ledger-engine/internal/logging"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logging.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewTagsServiceAndEnv(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "info", "ledger-engine", "test")
	logger.Debug("hidden")
	logger.Info("trade executed", "trade_id", "x1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected a single JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "ledger-engine" || rec["env"] != "test" {
		t.Errorf("missing service/env attrs: %v", rec)
	}
	if rec["trade_id"] != "x1" {
		t.Errorf("expected trade_id attr, got %v", rec["trade_id"])
	}
}
