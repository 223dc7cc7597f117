package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v4"
)

// Load merges the file at path (TOML, or YAML for .yaml/.yml) over the
// defaults and applies environment overrides. An empty path skips the file.
// The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("couldn't read file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("couldn't parse config %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("couldn't parse config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides lets operators inject secrets and endpoints at deploy
// time. PORT, DATABASE_URL and REDIS_URL are accepted as aliases.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "EXCHANGE_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "EXCHANGE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "EXCHANGE_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "EXCHANGE_SERVER_REQUEST_TIMEOUT")

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "EXCHANGE_DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "EXCHANGE_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "EXCHANGE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "EXCHANGE_REDIS_CACHE_TTL")

	setStringSlice(&cfg.Kafka.Brokers, "EXCHANGE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "EXCHANGE_KAFKA_TOPIC")

	setStr(&cfg.S3.Endpoint, "EXCHANGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXCHANGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXCHANGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXCHANGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXCHANGE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "EXCHANGE_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Auth.JWTSecret, "EXCHANGE_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "EXCHANGE_AUTH_ISSUER")
	setStringSlice(&cfg.Auth.Admins, "EXCHANGE_AUTH_ADMINS")

	setInt(&cfg.Store.MaxTxAttempts, "EXCHANGE_STORE_MAX_TX_ATTEMPTS")
	setDuration(&cfg.Store.RetryBaseDelay, "EXCHANGE_STORE_RETRY_BASE_DELAY")

	setFloat64(&cfg.Trading.MaxSharesPerOption, "EXCHANGE_TRADING_MAX_SHARES_PER_OPTION")
	setInt64(&cfg.Trading.MaxExposureCents, "EXCHANGE_TRADING_MAX_EXPOSURE_CENTS")

	setFloat64(&cfg.Settlement.FeeRate, "EXCHANGE_SETTLEMENT_FEE_RATE")
	setFloat64(&cfg.Settlement.ShareEpsilon, "EXCHANGE_SETTLEMENT_SHARE_EPSILON")
	setInt(&cfg.Settlement.Workers, "EXCHANGE_SETTLEMENT_WORKERS")
	setStr(&cfg.Settlement.PlatformAccount, "EXCHANGE_SETTLEMENT_PLATFORM_ACCOUNT")
	setDuration(&cfg.Settlement.LockTTL, "EXCHANGE_SETTLEMENT_LOCK_TTL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
