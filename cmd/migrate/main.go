// Package main - database schema CLI for appforge
//
// Usage:
//
//	go run ./cmd/migrate up       # Create or update every table
//	go run ./cmd/migrate status   # Show which tables exist
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"appforge/internal/config"
	"appforge/internal/db"
	"appforge/internal/logging"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			_ = godotenv.Load("../../.env")
		}
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	database, err := db.Open(db.Config{URL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath, SkipMigrate: true})
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	switch os.Args[1] {
	case "up":
		if err := database.Migrate(); err != nil {
			log.Fatal("migration failed", zap.Error(err))
		}
		log.Info("migrations applied", zap.String("driver", database.Driver))
	case "status":
		status, err := database.Status()
		if err != nil {
			log.Fatal("failed to read schema status", zap.Error(err))
		}
		fmt.Printf("Driver: %s\n", database.Driver)
		for _, s := range status {
			state := "missing"
			if s.Present {
				state = "present"
			}
			fmt.Printf("  %-24s %s\n", s.Table, state)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`appforge schema tool

Usage:
  migrate up       Create or update every table
  migrate status   Show which tables exist

Environment:
  DATABASE_URL     Postgres connection string (sqlite is used when empty)
  SQLITE_PATH      SQLite file path (default appforge.db)`)
}
