// Package main provides a database migration runner.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"

	"github.com/cory-johannsen/skirmish/internal/config"
	"github.com/cory-johannsen/skirmish/internal/storage/postgres"
	"github.com/cory-johannsen/skirmish/internal/storage/sqlite"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file")
	direction := flag.String("direction", "up", "migration direction: up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	m, err := newMigrator(cfg)
	if err != nil {
		log.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = m.Up()
		}
	case "down":
		if *steps > 0 {
			err = m.Steps(-*steps)
		} else {
			err = m.Down()
		}
	default:
		log.Fatalf("invalid direction %q: must be 'up' or 'down'", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migration failed: %v", err)
	}

	version, dirty, _ := m.Version()
	elapsed := time.Since(start)

	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Fprintf(os.Stdout, "no changes (%s version=%d dirty=%v) [%s]\n", cfg.Storage.Driver, version, dirty, elapsed)
	} else {
		fmt.Fprintf(os.Stdout, "migrated %s %s to version=%d dirty=%v [%s]\n", cfg.Storage.Driver, *direction, version, dirty, elapsed)
	}
}

// newMigrator picks the embedded schema for the configured driver. Closing the
// returned migrator also closes a sqlite handle.
func newMigrator(cfg config.Config) (*migrate.Migrate, error) {
	if cfg.Storage.Driver == config.DriverSQLite {
		db, err := sqlite.OpenDB(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		m, err := sqlite.NewMigrator(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return m, nil
	}
	return postgres.NewMigrator(cfg.Database.DSN())
}
