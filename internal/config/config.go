// Package config loads the server configuration: built-in defaults, an
// optional TOML file, a .env file, and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/coinwar/settlement-engine/internal/engine"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Engine    EngineConfig    `toml:"engine"`
	Oracle    OracleConfig    `toml:"oracle"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Custody   CustodyConfig   `toml:"custody"`
}

type ServerConfig struct {
	Port            string   `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects PostgreSQL. An empty URL means the in-memory store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache. Only used with a database.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// EngineConfig holds the product parameters. Decimals are written as
// strings in TOML, e.g. prize_fraction = "0.8".
type EngineConfig struct {
	RoundLengthDays  int64           `toml:"round_length_days"`
	MinDeposit       decimal.Decimal `toml:"min_deposit"`
	PrizeFraction    decimal.Decimal `toml:"prize_fraction"`
	BonusRate        decimal.Decimal `toml:"bonus_rate"`
	InitialPoolPrize decimal.Decimal `toml:"initial_pool_prize"`
}

type OracleConfig struct {
	Endpoint string   `toml:"endpoint"`
	Timeout  duration `toml:"timeout"`
}

// SchedulerConfig drives automatic settlement. Spec is a cron expression
// with a leading seconds field.
type SchedulerConfig struct {
	Enabled bool   `toml:"enabled"`
	Spec    string `toml:"spec"`
}

// CustodyConfig configures the in-process custodian.
type CustodyConfig struct {
	// SeedPools credits each pool wallet, on every boot, with what the ledger
	// says it holds: total deposit plus accrued yield.
	SeedPools bool `toml:"seed_pools"`
	// Faucet mounts the wallet funding endpoints. Development only.
	Faucet bool `toml:"faucet"`
}

// duration lets TOML carry strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	ec := engine.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		Engine: EngineConfig{
			RoundLengthDays:  ec.RoundLengthDays,
			MinDeposit:       ec.MinDeposit,
			PrizeFraction:    ec.PrizeFraction,
			BonusRate:        ec.BonusRate,
			InitialPoolPrize: ec.InitialPoolPrize,
		},
		Oracle: OracleConfig{
			Endpoint: "https://api.binance.com/api/v3/ticker/price",
			Timeout:  duration{10 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Spec:    "0 * * * * *", // every minute
		},
		Custody: CustodyConfig{SeedPools: true},
	}
}

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, loads .env if present, and applies environment overrides. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	// Missing .env is fine.
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Database.URL, "DATABASE_URL")
	collect(setBool(&cfg.Database.RunMigrations, "RUN_MIGRATIONS"))
	setStr(&cfg.Redis.URL, "REDIS_URL")
	collect(setDuration(&cfg.Redis.CacheTTL, "CACHE_TTL"))

	collect(setInt64(&cfg.Engine.RoundLengthDays, "ROUND_LENGTH_DAYS"))
	collect(setDecimal(&cfg.Engine.MinDeposit, "MIN_DEPOSIT"))
	collect(setDecimal(&cfg.Engine.PrizeFraction, "PRIZE_FRACTION"))
	collect(setDecimal(&cfg.Engine.BonusRate, "BONUS_RATE"))
	collect(setDecimal(&cfg.Engine.InitialPoolPrize, "INITIAL_POOL_PRIZE"))

	setStr(&cfg.Oracle.Endpoint, "ORACLE_ENDPOINT")
	collect(setDuration(&cfg.Oracle.Timeout, "ORACLE_TIMEOUT"))

	collect(setBool(&cfg.Scheduler.Enabled, "SETTLE_ENABLED"))
	setStr(&cfg.Scheduler.Spec, "SETTLE_SCHEDULE")
	collect(setBool(&cfg.Custody.SeedPools, "SEED_POOLS"))
	collect(setBool(&cfg.Custody.Faucet, "CUSTODY_FAUCET"))

	return errors.Join(errs...)
}

// EngineSettings converts the engine section into engine.Config.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		RoundLengthDays:  c.Engine.RoundLengthDays,
		MinDeposit:       c.Engine.MinDeposit,
		PrizeFraction:    c.Engine.PrizeFraction,
		BonusRate:        c.Engine.BonusRate,
		InitialPoolPrize: c.Engine.InitialPoolPrize,
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port == "" {
		errs = append(errs, "server: port must not be empty")
	} else if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %q", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, "redis: url requires database.url")
	}
	if c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if err := c.EngineSettings().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Oracle.Endpoint == "" {
		errs = append(errs, "oracle: endpoint must not be empty")
	}
	if c.Oracle.Timeout.Duration <= 0 {
		errs = append(errs, "oracle: timeout must be positive")
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.Spec) == "" {
		errs = append(errs, "scheduler: spec must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// --- env helpers: each mutates dst only when the variable is set ---

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) error {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func setBool(dst *bool, key string) error {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

func setDuration(dst *duration, key string) error {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		dst.Duration = d
	}
	return nil
}

func setDecimal(dst *decimal.Decimal, key string) error {
	if v := os.Getenv(key); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}
