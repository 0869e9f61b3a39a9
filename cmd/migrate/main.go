package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/better-wallet/agentvault/internal/storage"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up, down or version")
		steps     = flag.Int("steps", 1, "Number of migrations to roll back with -direction=down")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	switch *direction {
	case "up":
		if err := storage.RunMigrations(*dsn); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	case "down":
		if err := storage.RollbackMigrations(*dsn, *steps); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
	case "version":
	default:
		log.Fatalf("Unknown direction %q (want up, down or version)", *direction)
	}

	version, dirty, err := storage.MigrationVersion(*dsn)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %t)\n", version, dirty)
}
