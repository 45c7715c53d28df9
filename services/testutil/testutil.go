package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// SetupTestDB connects to BARTER_TEST_PG_DSN when set and otherwise starts a
// throwaway Postgres 16 container. migrate, when non-nil, runs against the
// new pool. The returned cleanup closes the pool and stops the container.
func SetupTestDB(ctx context.Context, migrate func(context.Context, *pgxpool.Pool) error) (*pgxpool.Pool, func(), error) {
	var container *postgres.PostgresContainer
	dsn := os.Getenv("BARTER_TEST_PG_DSN")
	if dsn == "" {
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("barter_test"),
			postgres.WithUsername("barter"),
			postgres.WithPassword("barter"),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres: %w", err)
		}
		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			return nil, nil, fmt.Errorf("postgres dsn: %w", err)
		}
	}

	terminate := func() {
		if container != nil {
			_ = container.Terminate(context.Background())
		}
	}

	pool, err := connect(ctx, dsn)
	if err != nil {
		terminate()
		return nil, nil, err
	}
	cleanup := func() {
		pool.Close()
		terminate()
	}

	if migrate != nil {
		if err := migrate(ctx, pool); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pool, cleanup, nil
}

// connect retries the first ping while a fresh container finishes booting.
func connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			pool.Close()
			return nil, fmt.Errorf("ping db: %w", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// CleanupTestData removes everything the escrow tests write, keeping the
// seeded protocol funds at zero.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"TRUNCATE audit_logs, transactions, trade_operation_costs, trade_timeline, trades, listings, users RESTART IDENTITY CASCADE",
		"UPDATE protocol_funds SET balance_vp = 0",
	}
	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}
