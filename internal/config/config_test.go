package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseURL != "http://127.0.0.1:5000" {
		t.Fatalf("expected default server url, got %q", cfg.Server.BaseURL)
	}
	if cfg.Polling.IntervalMS != 1000 {
		t.Fatalf("expected 1s poll interval, got %d", cfg.Polling.IntervalMS)
	}
	if cfg.Streaming.BufferThresholdSec != 15 {
		t.Fatalf("expected 15s buffer threshold, got %d", cfg.Streaming.BufferThresholdSec)
	}
	if cfg.Polling.RetryMode != "terminal" {
		t.Fatalf("expected terminal retry mode, got %q", cfg.Polling.RetryMode)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vieneu.yaml")
	body := []byte(`
server:
  base_url: http://tts.local:5000
streaming:
  buffer_threshold_sec: 20
polling:
  retry_mode: backoff
  max_retries: 3
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseURL != "http://tts.local:5000" {
		t.Fatalf("expected file override, got %q", cfg.Server.BaseURL)
	}
	if cfg.Streaming.BufferThresholdSec != 20 {
		t.Fatalf("expected threshold override, got %d", cfg.Streaming.BufferThresholdSec)
	}
	if cfg.Polling.RetryMode != "backoff" {
		t.Fatalf("expected backoff retry mode, got %q", cfg.Polling.RetryMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIENEU_SERVER_BASE_URL", "http://other:5000")
	t.Setenv("VIENEU_POLLING_INTERVAL_MS", "500")
	t.Setenv("VIENEU_STREAMING_BUFFER_THRESHOLD_SEC", "18")
	t.Setenv("VIENEU_BUS_ENABLED", "true")
	t.Setenv("VIENEU_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VIENEU_SYNTHESIS_VOICE", "Lan")
	t.Setenv("VIENEU_SYNTHESIS_TEMPERATURE", "0.8")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.BaseURL != "http://other:5000" {
		t.Fatalf("expected server url override")
	}
	if cfg.Polling.IntervalMS != 500 {
		t.Fatalf("expected poll interval override, got %d", cfg.Polling.IntervalMS)
	}
	if cfg.Streaming.BufferThresholdSec != 18 {
		t.Fatalf("expected threshold override, got %d", cfg.Streaming.BufferThresholdSec)
	}
	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Synthesis.Voice != "Lan" || cfg.Synthesis.Temperature != 0.8 {
		t.Fatalf("expected synthesis overrides, got %+v", cfg.Synthesis)
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).Level(); got != want {
			t.Fatalf("level %q: expected %v, got %v", in, want, got)
		}
	}
}

func TestValidateRejectsBadRetryMode(t *testing.T) {
	t.Setenv("VIENEU_POLLING_RETRY_MODE", "sometimes")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for retry mode")
	}
}

func TestValidateRejectsZeroThreshold(t *testing.T) {
	t.Setenv("VIENEU_STREAMING_BUFFER_THRESHOLD_SEC", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for buffer threshold")
	}
}
