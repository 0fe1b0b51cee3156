package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	DatabaseURL            string
	RedisURL               string
	MigrationsDir          string
	TrustedProxies         []string
	NodeTokenEncryptionKey string
	AdminToken             string
	Log                    LogConfig
	Probe                  ProbeConfig
	StatusPage             StatusPageConfig
	StatusRateLimit        int64
	EventLogSize           int64
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type ProbeConfig struct {
	Interval       time.Duration
	Timeout        time.Duration
	CycleBudget    time.Duration
	Freshness      time.Duration
	Concurrency    int
	UtilizationTTL time.Duration
}

// StatusPageConfig controls what the public status page exposes.
type StatusPageConfig struct {
	Enabled             bool
	ShowNodeStatus      bool
	ShowLoadUsage       bool
	ShowTotalServers    bool
	ShowIndividualNodes bool
}

// Load reads the environment, after merging an optional .env file (ENV_FILE,
// default ".env"). Variables already set in the environment win.
func Load() (Config, error) {
	envFile := getenvDefault("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		Port:                   getenvDefault("PORT", "8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               getenvDefault("REDIS_URL", "redis://localhost:6379"),
		MigrationsDir:          getenvDefault("MIGRATIONS_DIR", "./migrations"),
		TrustedProxies:         parseList(os.Getenv("TRUSTED_PROXIES")),
		NodeTokenEncryptionKey: os.Getenv("NODE_TOKEN_ENCRYPTION_KEY"),
		AdminToken:             strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		StatusRateLimit:        int64(parseInt(os.Getenv("STATUS_RATE_LIMIT"), 120)),
		EventLogSize:           int64(parseInt(os.Getenv("EVENT_LOG_SIZE"), 1000)),
	}

	cfg.Log = LogConfig{
		Level:      strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		Format:     strings.ToLower(getenvDefault("LOG_FORMAT", "json")),
		File:       getenvDefault("LOG_FILE", "logs/fleetd.log"),
		MaxSizeMB:  parseInt(os.Getenv("LOG_MAX_SIZE_MB"), 50),
		MaxBackups: parseInt(os.Getenv("LOG_MAX_BACKUPS"), 5),
	}

	var err error
	if cfg.Probe, err = loadProbe(); err != nil {
		return Config{}, err
	}

	cfg.StatusPage = StatusPageConfig{
		Enabled:             parseBoolDefault(os.Getenv("STATUS_PAGE_ENABLED"), false),
		ShowNodeStatus:      parseBoolDefault(os.Getenv("STATUS_PAGE_SHOW_NODE_STATUS"), true),
		ShowLoadUsage:       parseBoolDefault(os.Getenv("STATUS_PAGE_SHOW_LOAD_USAGE"), true),
		ShowTotalServers:    parseBoolDefault(os.Getenv("STATUS_PAGE_SHOW_TOTAL_SERVERS"), true),
		ShowIndividualNodes: parseBoolDefault(os.Getenv("STATUS_PAGE_SHOW_INDIVIDUAL_NODES"), false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.Log.Format)
	}

	return cfg, nil
}

func loadProbe() (ProbeConfig, error) {
	var (
		p   ProbeConfig
		err error
	)
	if p.Interval, err = parseDuration("PROBE_INTERVAL", 30*time.Second); err != nil {
		return p, err
	}
	if p.Timeout, err = parseDuration("PROBE_TIMEOUT", 5*time.Second); err != nil {
		return p, err
	}
	if p.CycleBudget, err = parseDuration("PROBE_CYCLE_BUDGET", 2*p.Interval); err != nil {
		return p, err
	}
	if p.Freshness, err = parseDuration("HEALTH_FRESHNESS", 3*p.Interval); err != nil {
		return p, err
	}
	if p.UtilizationTTL, err = parseDuration("UTILIZATION_CACHE_TTL", 4*p.Interval); err != nil {
		return p, err
	}
	p.Concurrency = parseInt(os.Getenv("PROBE_CONCURRENCY"), 0)

	if p.Interval <= 0 || p.Timeout <= 0 || p.CycleBudget <= 0 || p.Freshness <= 0 {
		return p, fmt.Errorf("probe durations must be positive")
	}
	if p.Timeout > p.CycleBudget {
		return p, fmt.Errorf("PROBE_TIMEOUT (%s) must not exceed PROBE_CYCLE_BUDGET (%s)", p.Timeout, p.CycleBudget)
	}
	return p, nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseBool(val string) bool {
	if val == "" {
		return false
	}
	val = strings.ToLower(strings.Trim(val, "\"' "))
	return val == "1" || val == "true" || val == "yes"
}

func parseBoolDefault(val string, def bool) bool {
	if strings.TrimSpace(val) == "" {
		return def
	}
	return parseBool(val)
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(strings.Trim(val, "\"' "))
	if err != nil {
		return def
	}
	return n
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.Trim(os.Getenv(key), "\"' ")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseList(val string) []string {
	parts := strings.Split(val, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
