package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	aliceID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bobID   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	caraID  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

type seedListing struct {
	id       uuid.UUID
	sellerID uuid.UUID
	title    string
	category string
	priceVP  int64
}

var listings = []seedListing{
	{uuid.MustParse("00000000-0000-0000-0000-000000000101"), aliceID, "Cordless drill", "Tools", 1000},
	{uuid.MustParse("00000000-0000-0000-0000-000000000102"), aliceID, "Sourdough starter kit", "Food", 150},
	{uuid.MustParse("00000000-0000-0000-0000-000000000103"), bobID, "Bike tune-up", "Services", 400},
	{uuid.MustParse("00000000-0000-0000-0000-000000000104"), bobID, "Paperback bundle", "Books", 80},
	{uuid.MustParse("00000000-0000-0000-0000-000000000105"), caraID, "Sewing machine", "Machinery", 2200},
}

func main() {
	env := getEnv("BARTER_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: BARTER_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "barter"),
		getEnv("POSTGRES_PASSWORD", "barter"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "barter"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedListings(ctx, pool); err != nil {
		log.Fatalf("seed listings: %v", err)
	}
	fmt.Println("✓ Listings seeded")

	if err := seedFunds(ctx, pool); err != nil {
		log.Fatalf("seed protocol funds: %v", err)
	}
	fmt.Println("✓ Protocol funds seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo users:")
	fmt.Printf("  alice: %s\n", aliceID)
	fmt.Printf("  bob:   %s\n", bobID)
	fmt.Printf("  cara:  %s\n", caraID)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	users := []struct {
		id   uuid.UUID
		name string
	}{
		{aliceID, "alice"},
		{bobID, "bob"},
		{caraID, "cara"},
	}
	for _, u := range users {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (id, display_name)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name
		`, u.id, u.name)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedListings(ctx context.Context, pool *pgxpool.Pool) error {
	for _, l := range listings {
		_, err := pool.Exec(ctx, `
			INSERT INTO listings (id, seller_id, title, category, price_vp, status)
			VALUES ($1, $2, $3, $4, $5, 'ACTIVE')
			ON CONFLICT (id) DO NOTHING
		`, l.id, l.sellerID, l.title, l.category, l.priceVP)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedFunds(ctx context.Context, pool *pgxpool.Pool) error {
	for _, fund := range []string{"EMERGENCY", "AMBASSADOR", "ADMIN_LOGISTICS"} {
		_, err := pool.Exec(ctx, `
			INSERT INTO protocol_funds (fund) VALUES ($1)
			ON CONFLICT (fund) DO NOTHING
		`, fund)
		if err != nil {
			return err
		}
	}
	return nil
}
