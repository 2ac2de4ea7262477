// Package config loads ledger-engine settings from an optional YAML file and
// LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaTopics struct {
	Events        string `mapstructure:"events"`
	Notifications string `mapstructure:"notifications"`
}

type KafkaConfig struct {
	Brokers []string    `mapstructure:"brokers"`
	Topics  KafkaTopics `mapstructure:"topics"`
}

// LedgerConfig holds trading rules. Decimal values are kept as strings in
// the file and parsed by Load.
type LedgerConfig struct {
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	FeeRateRaw     string        `mapstructure:"fee_rate"`
	MaxShareRaw    string        `mapstructure:"max_share_of_supply"`
	MaxPositionRaw string        `mapstructure:"max_position_value"`

	FeeRate          decimal.Decimal `mapstructure:"-"`
	MaxShareOfSupply decimal.Decimal `mapstructure:"-"`
	MaxPositionValue decimal.Decimal `mapstructure:"-"`
}

type PaymentsConfig struct {
	IntentTTL time.Duration `mapstructure:"intent_ttl"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// AdminConfig guards the admin and market-feed routes. An empty token
// disables them.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type AppConfig struct {
	ServiceName string          `mapstructure:"service_name"`
	Env         string          `mapstructure:"env"`
	LogLevel    string          `mapstructure:"log_level"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Ledger      LedgerConfig    `mapstructure:"ledger"`
	Payments    PaymentsConfig  `mapstructure:"payments"`
	Sweep       SweepConfig     `mapstructure:"sweep"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Admin       AdminConfig     `mapstructure:"admin"`
}

// Load reads configuration. A missing file at path is not an error; every
// key has a default and can be overridden with LEDGER_<SECTION>_<KEY>.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers[0])
	}
	if err := cfg.parse(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "ledger-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topics.events", "ledger.events")
	v.SetDefault("kafka.topics.notifications", "ledger.notifications")

	v.SetDefault("ledger.lock_timeout", "3s")
	v.SetDefault("ledger.fee_rate", "0")
	v.SetDefault("ledger.max_share_of_supply", "0")
	v.SetDefault("ledger.max_position_value", "0")

	v.SetDefault("payments.intent_ttl", "30m")
	v.SetDefault("sweep.interval", "30s")

	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("admin.token", "")
}

func (c *AppConfig) parse() error {
	var err error
	if c.Ledger.FeeRate, err = parseDecimal("ledger.fee_rate", c.Ledger.FeeRateRaw); err != nil {
		return err
	}
	if c.Ledger.MaxShareOfSupply, err = parseDecimal("ledger.max_share_of_supply", c.Ledger.MaxShareRaw); err != nil {
		return err
	}
	if c.Ledger.MaxPositionValue, err = parseDecimal("ledger.max_position_value", c.Ledger.MaxPositionRaw); err != nil {
		return err
	}

	switch {
	case c.Ledger.FeeRate.IsNegative() || c.Ledger.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("config: ledger.fee_rate must be in [0, 1), got %s", c.Ledger.FeeRate)
	case c.Ledger.MaxShareOfSupply.IsNegative() || c.Ledger.MaxShareOfSupply.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("config: ledger.max_share_of_supply must be in [0, 1], got %s", c.Ledger.MaxShareOfSupply)
	case c.Ledger.MaxPositionValue.IsNegative():
		return fmt.Errorf("config: ledger.max_position_value must not be negative")
	case c.Ledger.LockTimeout <= 0:
		return fmt.Errorf("config: ledger.lock_timeout must be positive")
	case c.Payments.IntentTTL <= 0:
		return fmt.Errorf("config: payments.intent_ttl must be positive")
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("config: http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

func parseDecimal(key, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
