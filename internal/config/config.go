package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	RecalcScheduled = "scheduled"
	RecalcOnWrite   = "on_write"
)

type Config struct {
	Port      string `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StoreDriver string `mapstructure:"store_driver"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`

	RecalcMode     string `mapstructure:"recalc_mode"`
	RecalcSchedule string `mapstructure:"recalc_schedule"`

	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic"`
	KafkaGroupID string `mapstructure:"kafka_group_id"`

	MetricsUser string `mapstructure:"metrics_user"`
	MetricsPass string `mapstructure:"metrics_pass"`

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "3333")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store_driver", StoreMemory)
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "./data/ranking.db")

	v.SetDefault("recalc_mode", RecalcScheduled)
	v.SetDefault("recalc_schedule", "@every 5m")

	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "ranking.activity")
	v.SetDefault("kafka_group_id", "ranking-engine")

	v.SetDefault("metrics_user", "")
	v.SetDefault("metrics_pass", "")

	v.SetDefault("rate_limit_rps", 5.0)
	v.SetDefault("rate_limit_burst", 30)

	v.SetDefault("request_timeout", 5*time.Second)
	v.SetDefault("shutdown_timeout", 30*time.Second)
}

// Load reads an optional .env file into the environment and resolves the
// configuration from environment variables (e.g. STORE_DRIVER, RECALC_MODE)
// over built-in defaults.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	c.RecalcMode = strings.ToLower(strings.TrimSpace(c.RecalcMode))
	switch c.RecalcMode {
	case RecalcScheduled:
		if _, err := cron.ParseStandard(c.RecalcSchedule); err != nil {
			return fmt.Errorf("invalid RECALC_SCHEDULE %q: %w", c.RecalcSchedule, err)
		}
	case RecalcOnWrite:
	default:
		return fmt.Errorf("unsupported RECALC_MODE %q", c.RecalcMode)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive (rps=%v burst=%d)", c.RateLimitRPS, c.RateLimitBurst)
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas. An empty result disables ingest.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
