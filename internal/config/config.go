// Package config loads daemon settings from an INI file with PIXELFORGE_*
// environment overrides.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultConfigFile = "config/pixelforge.ini"

// Config describes runtime options for the daemon.
type Config struct {
	// HTTPAddress is the listen address for the API server.
	HTTPAddress string
	// LedgerDSN selects the storage backend: a postgres:// URL uses the
	// Postgres store, anything else is treated as a SQLite file path.
	LedgerDSN string
	// CatalogPath optionally points at a YAML catalog; empty uses the
	// built-in model, style, color, and pricing tables.
	CatalogPath string

	// Postgres pool settings; ignored for SQLite.
	DBMaxOpen         int
	DBMaxIdle         int
	DBConnLifetimeMin int
	DBConnIdleMin     int

	LogFile         string
	LogFileMaxBytes int64
	LogLevel        string

	// InitialCredits is the grant for newly provisioned users.
	InitialCredits int64

	// Generator settings for the simulated backend.
	ImageBaseURL  string
	FailureRate   float64
	MinDelayMs    int
	MaxDelayMs    int
	GeneratorSeed int64

	// PendingTimeout is how long a request may sit in pending before the
	// reconciliation sweep settles it.
	PendingTimeout time.Duration
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	// Weekly report settings.
	ReportInterval          time.Duration
	FailureRateThreshold    float64
	VolumeChangeThreshold   float64
	ModelImbalanceThreshold float64

	// Per-user rate limit on the generation endpoint.
	RateLimitPerSecond float64
	RateLimitBurst     float64

	MetricsEnabled bool
}

// Load reads the config file at path (or the default location when path is
// empty) and applies environment overrides. A missing file yields defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = firstNonEmpty(os.Getenv("PIXELFORGE_CONFIG"), defaultConfigFile)
	}
	values, err := parseINI(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
		values = map[string]string{}
	}

	cfg := Config{
		HTTPAddress:       firstNonEmpty(os.Getenv("PIXELFORGE_HTTP_ADDRESS"), values["http_address"], ":8090"),
		LedgerDSN:         firstNonEmpty(os.Getenv("PIXELFORGE_LEDGER_DSN"), values["ledger_dsn"], DefaultLedgerPath()),
		CatalogPath:       firstNonEmpty(os.Getenv("PIXELFORGE_CATALOG_PATH"), values["catalog_path"]),
		DBMaxOpen:         parseOptionalInt(firstNonEmpty(os.Getenv("PIXELFORGE_DB_MAX_OPEN"), values["db_max_open"]), 10),
		DBMaxIdle:         parseOptionalInt(firstNonEmpty(os.Getenv("PIXELFORGE_DB_MAX_IDLE"), values["db_max_idle"]), 5),
		DBConnLifetimeMin: parseOptionalInt(firstNonEmpty(os.Getenv("PIXELFORGE_DB_CONN_LIFETIME_MIN"), values["db_conn_lifetime_min"]), 30),
		DBConnIdleMin:     parseOptionalInt(firstNonEmpty(os.Getenv("PIXELFORGE_DB_CONN_IDLE_MIN"), values["db_conn_idle_min"]), 5),
		LogFile:           firstNonEmpty(os.Getenv("PIXELFORGE_LOG_FILE"), values["log_file"]),
		LogLevel:          firstNonEmpty(os.Getenv("PIXELFORGE_LOG_LEVEL"), values["log_level"], "info"),
		ImageBaseURL:      firstNonEmpty(os.Getenv("PIXELFORGE_IMAGE_BASE_URL"), values["image_base_url"], "https://images.pixelforge.dev"),
		MetricsEnabled:    parseOptionalBool(firstNonEmpty(os.Getenv("PIXELFORGE_METRICS_ENABLED"), values["metrics_enabled"]), true),
	}

	cfg.LogFileMaxBytes = parseOptionalInt64(firstNonEmpty(os.Getenv("PIXELFORGE_LOG_FILE_MAX_BYTES"), values["log_file_max_bytes"]), 64<<20)
	cfg.InitialCredits = parseOptionalInt64(firstNonEmpty(os.Getenv("PIXELFORGE_INITIAL_CREDITS"), values["initial_credits"]), 50)

	cfg.FailureRate, err = parseOptionalFloat(firstNonEmpty(os.Getenv("PIXELFORGE_FAILURE_RATE"), values["failure_rate"]), 0.05)
	if err != nil {
		return Config{}, fmt.Errorf("invalid failure_rate: %w", err)
	}
	cfg.MinDelayMs = parseOptionalInt(firstNonEmpty(os.Getenv("PIXELFORGE_MIN_DELAY_MS"), values["min_delay_ms"]), 500)
	cfg.MaxDelayMs = parseOptionalInt(firstNonEmpty(os.Getenv("PIXELFORGE_MAX_DELAY_MS"), values["max_delay_ms"]), 2000)
	cfg.GeneratorSeed = parseOptionalInt64(firstNonEmpty(os.Getenv("PIXELFORGE_GENERATOR_SEED"), values["generator_seed"]), 0)

	cfg.PendingTimeout, err = parseOptionalDuration(firstNonEmpty(os.Getenv("PIXELFORGE_PENDING_TIMEOUT"), values["pending_timeout"]), 15*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid pending_timeout: %w", err)
	}
	cfg.SweepInterval, err = parseOptionalDuration(firstNonEmpty(os.Getenv("PIXELFORGE_SWEEP_INTERVAL"), values["sweep_interval"]), 5*time.Minute)
	if err != nil {
		return Config{}, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	cfg.ReportInterval, err = parseOptionalDuration(firstNonEmpty(os.Getenv("PIXELFORGE_REPORT_INTERVAL"), values["report_interval"]), time.Hour)
	if err != nil {
		return Config{}, fmt.Errorf("invalid report_interval: %w", err)
	}

	cfg.FailureRateThreshold, err = parseOptionalFloat(firstNonEmpty(os.Getenv("PIXELFORGE_FAILURE_RATE_THRESHOLD"), values["failure_rate_threshold"]), 0.10)
	if err != nil {
		return Config{}, fmt.Errorf("invalid failure_rate_threshold: %w", err)
	}
	cfg.VolumeChangeThreshold, err = parseOptionalFloat(firstNonEmpty(os.Getenv("PIXELFORGE_VOLUME_CHANGE_THRESHOLD"), values["volume_change_threshold"]), 0.50)
	if err != nil {
		return Config{}, fmt.Errorf("invalid volume_change_threshold: %w", err)
	}
	cfg.ModelImbalanceThreshold, err = parseOptionalFloat(firstNonEmpty(os.Getenv("PIXELFORGE_MODEL_IMBALANCE_THRESHOLD"), values["model_imbalance_threshold"]), 0.80)
	if err != nil {
		return Config{}, fmt.Errorf("invalid model_imbalance_threshold: %w", err)
	}

	cfg.RateLimitPerSecond, err = parseOptionalFloat(firstNonEmpty(os.Getenv("PIXELFORGE_RATE_LIMIT_PER_SECOND"), values["rate_limit_per_second"]), 5)
	if err != nil {
		return Config{}, fmt.Errorf("invalid rate_limit_per_second: %w", err)
	}
	cfg.RateLimitBurst, err = parseOptionalFloat(firstNonEmpty(os.Getenv("PIXELFORGE_RATE_LIMIT_BURST"), values["rate_limit_burst"]), 10)
	if err != nil {
		return Config{}, fmt.Errorf("invalid rate_limit_burst: %w", err)
	}

	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return Config{}, fmt.Errorf("failure_rate %v outside [0,1]", cfg.FailureRate)
	}
	if cfg.MaxDelayMs < cfg.MinDelayMs {
		return Config{}, fmt.Errorf("max_delay_ms %d below min_delay_ms %d", cfg.MaxDelayMs, cfg.MinDelayMs)
	}
	if cfg.InitialCredits < 0 {
		return Config{}, fmt.Errorf("initial_credits %d is negative", cfg.InitialCredits)
	}
	return cfg, nil
}

// UsesPostgres reports whether the ledger DSN selects the Postgres backend.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.LedgerDSN, "postgres://") || strings.HasPrefix(c.LedgerDSN, "postgresql://")
}

// DefaultLedgerPath returns the fallback SQLite ledger location under the
// user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pixelforge.db"
	}
	return filepath.Join(home, ".pixelforge", "pixelforge.db")
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalInt64(v string, fallback int64) int64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) (float64, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(v), 64)
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
