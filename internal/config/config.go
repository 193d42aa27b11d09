package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "helmsman.db"
	defaultCatalogPath = "strategies.yaml"

	envListenAddr  = "HELMSMAN_LISTEN_ADDR"
	envDBPath      = "HELMSMAN_DB_PATH"
	envLogLevel    = "HELMSMAN_LOG_LEVEL"
	envCatalogPath = "HELMSMAN_CATALOG_PATH"

	envBanditStrategy   = "HELMSMAN_BANDIT_STRATEGY"
	envExplorationParam = "HELMSMAN_EXPLORATION_PARAM"
	envEpsilon          = "HELMSMAN_EPSILON"
	envMinPulls         = "HELMSMAN_MIN_PULLS"
	envSafetyThreshold  = "HELMSMAN_SAFETY_THRESHOLD"

	envMaxConcurrentImprovements = "HELMSMAN_MAX_CONCURRENT_IMPROVEMENTS"
	envComplianceThreshold       = "HELMSMAN_COMPLIANCE_THRESHOLD"
	envRollbackThreshold         = "HELMSMAN_ROLLBACK_THRESHOLD"
	envStabilizationInterval     = "HELMSMAN_STABILIZATION_INTERVAL"
	envWorkflowTimeout           = "HELMSMAN_WORKFLOW_TIMEOUT"

	envValidatorURL = "HELMSMAN_VALIDATOR_URL"
	envMetricsURL   = "HELMSMAN_METRICS_URL"
	envApplierURL   = "HELMSMAN_APPLIER_URL"

	envMaxConcurrentWorkflows = "HELMSMAN_MAX_CONCURRENT_WORKFLOWS"
	envMaxRetries             = "HELMSMAN_MAX_RETRIES"
	envMonitorInterval        = "HELMSMAN_MONITOR_INTERVAL"
	envRetentionPeriod        = "HELMSMAN_RETENTION_PERIOD"
)

// Config holds application configuration loaded from environment variables.
// Zero values mean "use the component's default"; components validate their
// own tuning.
type Config struct {
	ListenAddr  string
	DBPath      string
	LogLevel    slog.Level
	CatalogPath string

	BanditStrategy   string
	ExplorationParam float64
	Epsilon          float64
	MinPulls         int64
	SafetyThreshold  float64

	MaxConcurrentImprovements int
	ComplianceThreshold       float64
	RollbackThreshold         float64
	StabilizationInterval     time.Duration
	WorkflowTimeout           time.Duration

	MaxConcurrentWorkflows int
	MaxRetries             int
	MonitorInterval        time.Duration
	RetentionPeriod        time.Duration

	// Collaborator endpoints. Empty means the local development stand-in.
	ValidatorURL string
	MetricsURL   string
	ApplierURL   string
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable values fall back to the default rather than failing startup.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		CatalogPath:    defaultCatalogPath,
		BanditStrategy: "ucb1",
		MaxRetries:     -1,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCatalogPath); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv(envBanditStrategy); v != "" {
		cfg.BanditStrategy = strings.ToLower(v)
	}

	cfg.ExplorationParam = envFloat(envExplorationParam, 0)
	cfg.Epsilon = envFloat(envEpsilon, 0)
	cfg.MinPulls = int64(envInt(envMinPulls, 0))
	cfg.SafetyThreshold = envFloat(envSafetyThreshold, 0)

	cfg.MaxConcurrentImprovements = envInt(envMaxConcurrentImprovements, 0)
	cfg.ComplianceThreshold = envFloat(envComplianceThreshold, 0)
	cfg.RollbackThreshold = envFloat(envRollbackThreshold, 0)
	cfg.StabilizationInterval = envDuration(envStabilizationInterval, 0)
	cfg.WorkflowTimeout = envDuration(envWorkflowTimeout, 0)

	cfg.ValidatorURL = os.Getenv(envValidatorURL)
	cfg.MetricsURL = os.Getenv(envMetricsURL)
	cfg.ApplierURL = os.Getenv(envApplierURL)

	cfg.MaxConcurrentWorkflows = envInt(envMaxConcurrentWorkflows, 0)
	cfg.MaxRetries = envInt(envMaxRetries, -1)
	cfg.MonitorInterval = envDuration(envMonitorInterval, 0)
	cfg.RetentionPeriod = envDuration(envRetentionPeriod, 0)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
