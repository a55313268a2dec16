package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/Clark-Hu/rating-ledger/internal/domain"
)

// Storage backends accepted by STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config captures all runtime configuration derived from environment variables.
type Config struct {
	Port              string
	AuthToken         string
	ReadTimeoutSecs   int
	WriteTimeoutSecs  int
	IdleTimeoutSecs   int
	Backend           string
	DBURL             string
	DBMaxConns        int
	DBMinConns        int
	DBMaxIdleSecs     int
	DBMaxLifeSecs     int
	DBConnTimeoutSecs int
	DBStatementCache  int
	DBMigrate         bool
	DBTxAttempts      int
	RedisURL          string
	RedisTxAttempts   int
	Dimensions        []domain.DimensionConfig
	DisplayFormat     string
	Placeholder       string
}

// Load reads configuration from environment variables, applying defaults and validation.
func Load() (Config, error) {
	cfg := Config{
		Port:              getEnv("PORT", "8080"),
		AuthToken:         os.Getenv("AUTH_TOKEN"),
		ReadTimeoutSecs:   getEnvInt("SERVER_READ_TIMEOUT", 15),
		WriteTimeoutSecs:  getEnvInt("SERVER_WRITE_TIMEOUT", 15),
		IdleTimeoutSecs:   getEnvInt("SERVER_IDLE_TIMEOUT", 60),
		Backend:           strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		DBURL:             os.Getenv("DB_URL"),
		DBMaxConns:        getEnvInt("DB_MAX_CONNS", 20),
		DBMinConns:        getEnvInt("DB_MIN_CONNS", 2),
		DBMaxIdleSecs:     getEnvInt("DB_MAX_CONN_IDLE_SECS", 300),
		DBMaxLifeSecs:     getEnvInt("DB_MAX_CONN_LIFETIME_SECS", 3600),
		DBConnTimeoutSecs: getEnvInt("DB_CONN_TIMEOUT_SECS", 10),
		DBStatementCache:  getEnvInt("DB_STATEMENT_CACHE_CAPACITY", 256),
		DBMigrate:         getEnvBool("DB_MIGRATE", false),
		DBTxAttempts:      getEnvInt("DB_TX_ATTEMPTS", 3),
		RedisURL:          os.Getenv("REDIS_URL"),
		RedisTxAttempts:   getEnvInt("REDIS_TX_ATTEMPTS", 10),
		DisplayFormat:     getEnv("RATING_DISPLAY_FORMAT", "%.1f"),
		Placeholder:       getEnv("RATING_PLACEHOLDER", "-"),
	}

	if cfg.AuthToken == "" {
		return Config{}, fmt.Errorf("AUTH_TOKEN is required")
	}

	switch cfg.Backend {
	case BackendPostgres:
		if cfg.DBURL == "" {
			return Config{}, fmt.Errorf("DB_URL is required")
		}
		if cfg.DBMaxConns <= 0 {
			return Config{}, fmt.Errorf("DB_MAX_CONNS must be positive")
		}
		if cfg.DBMinConns < 0 {
			return Config{}, fmt.Errorf("DB_MIN_CONNS must be non-negative")
		}
		if cfg.DBMinConns > cfg.DBMaxConns {
			return Config{}, fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
		}
		if cfg.DBStatementCache < 0 {
			return Config{}, fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
		}
		if cfg.DBTxAttempts <= 0 {
			return Config{}, fmt.Errorf("DB_TX_ATTEMPTS must be positive")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required")
		}
		if cfg.RedisTxAttempts <= 0 {
			return Config{}, fmt.Errorf("REDIS_TX_ATTEMPTS must be positive")
		}
	case BackendMemory:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND must be one of postgres, redis, memory (got %q)", cfg.Backend)
	}

	dims, err := ParseDimensions(getEnv("RATING_DIMENSIONS", "overall"))
	if err != nil {
		return Config{}, fmt.Errorf("RATING_DIMENSIONS: %w", err)
	}
	cfg.Dimensions = dims

	if !strings.Contains(cfg.DisplayFormat, "%") {
		return Config{}, fmt.Errorf("RATING_DISPLAY_FORMAT must contain a verb")
	}

	return cfg, nil
}

// ParseDimensions parses a comma-separated list of
// name[:min..max][:norerate][:integer] entries. Unset options fall back to
// domain.DefaultDimension.
func ParseDimensions(raw string) ([]domain.DimensionConfig, error) {
	seen := make(map[string]struct{})
	var dims []domain.DimensionConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("dimension %q has no name", entry)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("dimension %q declared twice", name)
		}
		seen[name] = struct{}{}

		dim := domain.DefaultDimension(name)
		for _, opt := range parts[1:] {
			opt = strings.TrimSpace(opt)
			switch {
			case opt == "norerate":
				dim.AllowRerate = false
			case opt == "integer":
				dim.AllowFractional = false
			case strings.Contains(opt, ".."):
				r, err := parseRange(opt)
				if err != nil {
					return nil, fmt.Errorf("dimension %q: %w", name, err)
				}
				dim.Range = r
			default:
				return nil, fmt.Errorf("dimension %q: unknown option %q", name, opt)
			}
		}
		dims = append(dims, dim)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("at least one dimension is required")
	}
	return dims, nil
}

func parseRange(s string) (domain.Range, error) {
	lo, hi, _ := strings.Cut(s, "..")
	minV, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil || math.IsNaN(minV) {
		return domain.Range{}, fmt.Errorf("invalid range minimum %q", lo)
	}
	maxV, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil || math.IsNaN(maxV) {
		return domain.Range{}, fmt.Errorf("invalid range maximum %q", hi)
	}
	if minV > maxV {
		return domain.Range{}, fmt.Errorf("range %q is inverted", s)
	}
	return domain.Range{Min: minV, Max: maxV}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
