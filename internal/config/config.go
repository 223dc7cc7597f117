// Package config loads exchange configuration: built-in defaults, then an
// optional TOML or YAML file, then a .env file, then EXCHANGE_* environment
// variables. Call Validate on the result before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/archive"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/settlement"
	"github.com/atmx/exchange-engine/internal/store"
	"github.com/atmx/exchange-engine/internal/trade"
)

// Config is the root configuration.
type Config struct {
	LogLevel   string           `toml:"log_level" yaml:"log_level"` // debug, info, warn, error
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Database   DatabaseConfig   `toml:"database" yaml:"database"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	Kafka      KafkaConfig      `toml:"kafka" yaml:"kafka"`
	S3         archive.S3Config `toml:"s3" yaml:"s3"`
	Auth       AuthConfig       `toml:"auth" yaml:"auth"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Trading    TradingConfig    `toml:"trading" yaml:"trading"`
	Settlement SettlementConfig `toml:"settlement" yaml:"settlement"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port" yaml:"port"`
	CORSOrigins     []string `toml:"cors_origins" yaml:"cors_origins"`
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the PostgreSQL ledger store. An empty URL runs the
// in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url" yaml:"url"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// RedisConfig enables the read-through cache and the shared settlement lock.
type RedisConfig struct {
	URL      string   `toml:"url" yaml:"url"`
	CacheTTL Duration `toml:"cache_ttl" yaml:"cache_ttl"`
}

// KafkaConfig enables the event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `toml:"brokers" yaml:"brokers"`
	Topic   string   `toml:"topic" yaml:"topic"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string   `toml:"issuer" yaml:"issuer"`
	Admins    []string `toml:"admins" yaml:"admins"`
}

// StoreConfig tunes optimistic transaction retries.
type StoreConfig struct {
	MaxTxAttempts  int      `toml:"max_tx_attempts" yaml:"max_tx_attempts"`
	RetryBaseDelay Duration `toml:"retry_base_delay" yaml:"retry_base_delay"`
}

// TradingConfig holds per-user position limits. Zero disables a limit.
type TradingConfig struct {
	MaxSharesPerOption float64 `toml:"max_shares_per_option" yaml:"max_shares_per_option"`
	MaxExposureCents   int64   `toml:"max_exposure_cents" yaml:"max_exposure_cents"`
}

// SettlementConfig tunes market resolution.
type SettlementConfig struct {
	FeeRate         float64  `toml:"fee_rate" yaml:"fee_rate"`
	ShareEpsilon    float64  `toml:"share_epsilon" yaml:"share_epsilon"`
	Workers         int      `toml:"workers" yaml:"workers"`
	PlatformAccount string   `toml:"platform_account" yaml:"platform_account"`
	LockTTL         Duration `toml:"lock_ttl" yaml:"lock_ttl"`
}

// Defaults returns a configuration that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			RequestTimeout:  Duration(30 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Database: DatabaseConfig{RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: Duration(30 * time.Second)},
		Kafka:    KafkaConfig{Topic: "exchange.events"},
		S3:       archive.S3Config{Region: "us-east-1"},
		Auth:     AuthConfig{Issuer: ""},
		Store: StoreConfig{
			MaxTxAttempts:  store.DefaultRetryPolicy.MaxAttempts,
			RetryBaseDelay: Duration(store.DefaultRetryPolicy.BaseDelay),
		},
		Settlement: SettlementConfig{
			FeeRate:         0.05,
			ShareEpsilon:    0.01,
			Workers:         8,
			PlatformAccount: "SYSTEM_FEE",
			LockTTL:         Duration(5 * time.Minute),
		},
	}
}

// Validate checks the configuration for values the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Store.MaxTxAttempts < 1 {
		errs = append(errs, errors.New("store.max_tx_attempts must be at least 1"))
	}
	if c.Settlement.FeeRate < 0 || c.Settlement.FeeRate >= 1 {
		errs = append(errs, errors.New("settlement.fee_rate must be in [0, 1)"))
	}
	if c.Settlement.ShareEpsilon < 0 {
		errs = append(errs, errors.New("settlement.share_epsilon must not be negative"))
	}
	if c.Settlement.Workers < 1 {
		errs = append(errs, errors.New("settlement.workers must be at least 1"))
	}
	if strings.TrimSpace(c.Settlement.PlatformAccount) == "" {
		errs = append(errs, errors.New("settlement.platform_account is required"))
	}
	if c.Trading.MaxSharesPerOption < 0 || c.Trading.MaxExposureCents < 0 {
		errs = append(errs, errors.New("trading limits must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// RetryPolicy returns the store transaction retry policy.
func (c *Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts: c.Store.MaxTxAttempts,
		BaseDelay:   c.Store.RetryBaseDelay.Duration(),
	}
}

// SettlementEngine returns the settlement engine configuration.
func (c *Config) SettlementEngine() settlement.Config {
	return settlement.Config{
		FeeRate:         decimal.NewFromFloat(c.Settlement.FeeRate),
		ShareEpsilon:    decimal.NewFromFloat(c.Settlement.ShareEpsilon),
		Workers:         c.Settlement.Workers,
		PlatformAccount: c.Settlement.PlatformAccount,
		LockTTL:         c.Settlement.LockTTL.Duration(),
	}
}

// PositionLimiter returns the trading limits, or nil when none are set.
func (c *Config) PositionLimiter() *trade.PositionLimiter {
	l := trade.NewPositionLimiter(
		decimal.NewFromFloat(c.Trading.MaxSharesPerOption),
		money.Cents(c.Trading.MaxExposureCents),
	)
	if !l.Enabled() {
		return nil
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}

// Duration is a time.Duration that decodes from strings like "5m" or "30s"
// in both TOML and YAML.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("couldn't parse duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML decodes a duration string for the YAML decoder.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}
