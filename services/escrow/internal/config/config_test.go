package config

import (
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("BARTER_CONFIG", t.TempDir()+"/missing.yaml")
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != StorePostgres || cfg.DB.Port != 5432 {
		t.Fatalf("unexpected db config %+v", cfg.DB)
	}
	if cfg.Kafka.Enabled() {
		t.Fatalf("kafka must be disabled without brokers")
	}
	if cfg.Escrow.BaseRate != 15 || cfg.Escrow.TradeWindow != 12*time.Hour || cfg.Escrow.SellerFeeBasisPoints != 750 {
		t.Fatalf("unexpected escrow config %+v", cfg.Escrow)
	}
	if cfg.Velocity.MaxTrades != 5 || cfg.Velocity.MaxVolume != 5000 || cfg.Velocity.Window != 24*time.Hour {
		t.Fatalf("unexpected velocity config %+v", cfg.Velocity)
	}
	if cfg.Sweep.Interval != time.Hour || cfg.Sweep.BatchSize != 500 {
		t.Fatalf("unexpected sweep config %+v", cfg.Sweep)
	}
	if cfg.Risk.LockdownScore != 90 {
		t.Fatalf("unexpected risk config %+v", cfg.Risk)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("ESCROW_STORE", StoreMemory)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("KAFKA_SWEEP_TOPIC", "sweeps")
	t.Setenv("BARTER_ESCROW_TRADE_WINDOW", "6h")
	t.Setenv("BARTER_VELOCITY_MAX_TRADES", "3")
	t.Setenv("ESCROW_SWEEP_INTERVAL", "15m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Driver != StoreMemory {
		t.Fatalf("expected memory store, got %s", cfg.DB.Driver)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Topics.SweepRequested != "sweeps" {
		t.Fatalf("unexpected sweep topic %s", cfg.Kafka.Topics.SweepRequested)
	}
	if cfg.Escrow.TradeWindow != 6*time.Hour {
		t.Fatalf("expected 6h window, got %s", cfg.Escrow.TradeWindow)
	}
	if cfg.Velocity.MaxTrades != 3 {
		t.Fatalf("expected 3 trades, got %d", cfg.Velocity.MaxTrades)
	}
	if cfg.Sweep.Interval != 15*time.Minute {
		t.Fatalf("expected 15m sweep, got %s", cfg.Sweep.Interval)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	isolate(t)
	t.Setenv("ESCROW_STORE", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown store")
	}
}

func TestDSN(t *testing.T) {
	db := DBConfig{Host: "db", Port: 5433, Name: "barter", User: "u", Password: "p", SSLMode: "disable"}
	if got := db.DSN(); got != "postgres://u:p@db:5433/barter?sslmode=disable" {
		t.Fatalf("unexpected dsn %s", got)
	}
}
