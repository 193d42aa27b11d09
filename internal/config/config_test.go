package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/tannerhall/helmsman/internal/bandit"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envListenAddr, "")
	t.Setenv(envDBPath, "")
	t.Setenv(envLogLevel, "")

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.CatalogPath != defaultCatalogPath {
		t.Errorf("CatalogPath = %q, want %q", cfg.CatalogPath, defaultCatalogPath)
	}
	if cfg.BanditStrategy != "ucb1" {
		t.Errorf("BanditStrategy = %q, want ucb1", cfg.BanditStrategy)
	}
	// -1 means "not set": the engine distinguishes an explicit zero from an
	// absent value.
	if cfg.MaxRetries != -1 {
		t.Errorf("MaxRetries = %d, want -1", cfg.MaxRetries)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestLoadTuning(t *testing.T) {
	t.Setenv(envBanditStrategy, "Thompson")
	t.Setenv(envMaxConcurrentImprovements, "7")
	t.Setenv(envRollbackThreshold, "0.1")
	t.Setenv(envStabilizationInterval, "45s")
	t.Setenv(envMaxRetries, "0")

	cfg := Load()

	if cfg.BanditStrategy != "thompson" {
		t.Errorf("BanditStrategy = %q, want thompson", cfg.BanditStrategy)
	}
	if cfg.MaxConcurrentImprovements != 7 {
		t.Errorf("MaxConcurrentImprovements = %d, want 7", cfg.MaxConcurrentImprovements)
	}
	if cfg.RollbackThreshold != 0.1 {
		t.Errorf("RollbackThreshold = %v, want 0.1", cfg.RollbackThreshold)
	}
	if cfg.StabilizationInterval != 45*time.Second {
		t.Errorf("StabilizationInterval = %v, want 45s", cfg.StabilizationInterval)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0", cfg.MaxRetries)
	}
}

func TestBanditTuningFeedsSelectorConfig(t *testing.T) {
	t.Setenv(envMinPulls, "8")
	t.Setenv(envSafetyThreshold, "-0.2")
	t.Setenv(envExplorationParam, "1.5")

	cfg := Load()

	banditCfg := bandit.DefaultConfig()
	banditCfg.MinPullsBeforeExploitation = cfg.MinPulls
	banditCfg.SafetyThreshold = cfg.SafetyThreshold
	banditCfg.ExplorationParam = cfg.ExplorationParam

	if banditCfg.MinPullsBeforeExploitation != 8 {
		t.Errorf("MinPullsBeforeExploitation = %d, want 8", banditCfg.MinPullsBeforeExploitation)
	}
	if banditCfg.SafetyThreshold != -0.2 {
		t.Errorf("SafetyThreshold = %v, want -0.2", banditCfg.SafetyThreshold)
	}
	if banditCfg.ExplorationParam != 1.5 {
		t.Errorf("ExplorationParam = %v, want 1.5", banditCfg.ExplorationParam)
	}
}

func TestUnparseableValuesFallBack(t *testing.T) {
	t.Setenv(envMaxConcurrentImprovements, "lots")
	t.Setenv(envRollbackThreshold, "five percent")
	t.Setenv(envWorkflowTimeout, "soon")

	cfg := Load()

	if cfg.MaxConcurrentImprovements != 0 {
		t.Errorf("MaxConcurrentImprovements = %d, want 0", cfg.MaxConcurrentImprovements)
	}
	if cfg.RollbackThreshold != 0 {
		t.Errorf("RollbackThreshold = %v, want 0", cfg.RollbackThreshold)
	}
	if cfg.WorkflowTimeout != 0 {
		t.Errorf("WorkflowTimeout = %v, want 0", cfg.WorkflowTimeout)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
