package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/barterx/libs/config"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DBConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	Notifications  string
	SweepRequested string
	DeadLetter     string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

// Enabled reports whether a broker list was configured; without one the
// service runs with a no-op notifier and no sweep consumer.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

type EscrowConfig struct {
	BaseRate             int
	TradeWindow          time.Duration
	SellerFeeBasisPoints int
	DefaultCashCurrency  string
}

type VelocityConfig struct {
	MaxTrades int
	MaxVolume int64
	Window    time.Duration
}

type SweepConfig struct {
	Interval  time.Duration
	Timeout   time.Duration
	BatchSize int
}

type RiskConfig struct {
	LockdownScore    int
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Config struct {
	App      base.AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Escrow   EscrowConfig
	Velocity VelocityConfig
	Sweep    SweepConfig
	Risk     RiskConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("BARTER_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("BARTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("BARTER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "escrow-service")
	v.SetDefault("kafka.topics.notifications", "trade.notifications")
	v.SetDefault("kafka.topics.sweep_requested", "escrow.sweep.requested")
	v.SetDefault("kafka.topics.dead_letter", "escrow.dlq")
	v.SetDefault("escrow.base_rate", 15)
	v.SetDefault("escrow.trade_window", "12h")
	v.SetDefault("escrow.seller_fee_bps", 750)
	v.SetDefault("escrow.default_cash_currency", "USD")
	v.SetDefault("velocity.max_trades", 5)
	v.SetDefault("velocity.max_volume", 5000)
	v.SetDefault("velocity.window", "24h")
	v.SetDefault("sweep.interval", "1h")
	v.SetDefault("sweep.timeout", "5m")
	v.SetDefault("sweep.batch_size", 500)
	v.SetDefault("risk.lockdown_score", 90)
	v.SetDefault("risk.timeout", "2s")
	v.SetDefault("risk.breaker_threshold", 5)
	v.SetDefault("risk.breaker_cooldown", "30s")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Driver:   envString("ESCROW_STORE", StorePostgres),
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "barter"),
			User:     envString("POSTGRES_USER", "barter"),
			Password: envString("POSTGRES_PASSWORD", "barter"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", ""),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Notifications:  envString("KAFKA_NOTIFICATIONS_TOPIC", v.GetString("kafka.topics.notifications")),
				SweepRequested: envString("KAFKA_SWEEP_TOPIC", v.GetString("kafka.topics.sweep_requested")),
				DeadLetter:     envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Escrow: EscrowConfig{
			BaseRate:             v.GetInt("escrow.base_rate"),
			TradeWindow:          v.GetDuration("escrow.trade_window"),
			SellerFeeBasisPoints: v.GetInt("escrow.seller_fee_bps"),
			DefaultCashCurrency:  strings.ToUpper(v.GetString("escrow.default_cash_currency")),
		},
		Velocity: VelocityConfig{
			MaxTrades: v.GetInt("velocity.max_trades"),
			MaxVolume: v.GetInt64("velocity.max_volume"),
			Window:    v.GetDuration("velocity.window"),
		},
		Sweep: SweepConfig{
			Interval:  envDuration("ESCROW_SWEEP_INTERVAL", v.GetDuration("sweep.interval")),
			Timeout:   v.GetDuration("sweep.timeout"),
			BatchSize: v.GetInt("sweep.batch_size"),
		},
		Risk: RiskConfig{
			LockdownScore:    v.GetInt("risk.lockdown_score"),
			Timeout:          v.GetDuration("risk.timeout"),
			BreakerThreshold: v.GetInt("risk.breaker_threshold"),
			BreakerCooldown:  v.GetDuration("risk.breaker_cooldown"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.Driver != StorePostgres && c.DB.Driver != StoreMemory {
		return fmt.Errorf("ESCROW_STORE must be %q or %q", StorePostgres, StoreMemory)
	}
	if c.Escrow.BaseRate <= 0 || c.Escrow.BaseRate > 100 {
		return fmt.Errorf("escrow base rate must be within 1..100")
	}
	if c.Escrow.TradeWindow <= 0 {
		return fmt.Errorf("escrow trade window must be positive")
	}
	if c.Escrow.SellerFeeBasisPoints < 0 || c.Escrow.SellerFeeBasisPoints > 10000 {
		return fmt.Errorf("seller fee basis points must be within 0..10000")
	}
	if c.Velocity.MaxTrades <= 0 || c.Velocity.MaxVolume <= 0 || c.Velocity.Window <= 0 {
		return fmt.Errorf("velocity limits must be positive")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("sweep interval and batch size must be positive")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Notifications == "" || c.Kafka.Topics.SweepRequested == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
