// Package main is a diagnostic tool for testing database connectivity and
// inspecting live key data. It loads the portal configuration, connects to the
// credential store and prints how many partial and complete keys each tier holds.
// The binary exits non-zero on any failure so it can gate a deployment on a
// reachable store with the expected grants; a permission_denied result names the
// table the portal role cannot read.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ddc-api/keyportal/internal/config"
	"github.com/ddc-api/keyportal/internal/db"
	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/ddc-api/keyportal/internal/db/repositories"
	"github.com/ddc-api/keyportal/internal/keys"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1, cfg.Database.ConnectTimeout)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Printf("Warning: failed to read migration version: %v", err)
	} else {
		fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)
	}

	repo := repositories.NewKeyRecordRepository(sqlx.NewDb(database, "postgres"))

	failed := false
	fmt.Println("=== KEYS ===")
	for _, tier := range models.Tiers {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		partial, complete, err := repo.CountByState(ctx, tier)
		cancel()
		if err != nil {
			kerr := keys.Classify(err, cfg.Keys.PermissionRemediationURL)
			fmt.Printf("%-6s %s: %s\n", tier, kerr.Kind, kerr.Message)
			failed = true
			continue
		}
		fmt.Printf("%-6s partial=%d complete=%d\n", tier, partial, complete)
	}

	if failed {
		os.Exit(1)
	}
}
