package main

import (
	"embed"
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/noah-isme/litreview-api/pkg/config"
	"github.com/noah-isme/litreview-api/pkg/database"
	"github.com/noah-isme/litreview-api/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

func main() {
	var (
		dsn     = flag.String("dsn", "", "Database URL (defaults to DB_* settings)")
		up      = flag.Bool("up", false, "Run all up migrations")
		down    = flag.Bool("down", false, "Run all down migrations")
		steps   = flag.Int("steps", 0, "Number of migrations (positive=up, negative=down)")
		version = flag.Bool("version", false, "Print current migration version")
		force   = flag.Int("force", -1, "Force set version")
	)
	flag.Parse()

	forceSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "force" {
			forceSet = true
		}
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	sugar := logr.Sugar()

	if *dsn == "" {
		*dsn = database.URL(cfg.Database)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		sugar.Fatalw("failed to create migration source", "error", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, *dsn)
	if err != nil {
		sugar.Fatalw("failed to create migrator", "error", err)
	}
	defer m.Close()

	switch {
	case *version:
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			sugar.Fatalw("failed to read version", "error", err)
		}
		fmt.Printf("version: %d, dirty: %v\n", v, dirty)
	case forceSet:
		if err := m.Force(*force); err != nil {
			sugar.Fatalw("failed to force version", "version", *force, "error", err)
		}
		sugar.Infow("forced migration version", "version", *force)
	case *up:
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			sugar.Fatalw("up migrations failed", "error", err)
		}
		sugar.Info("migrations applied")
	case *down:
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			sugar.Fatalw("down migrations failed", "error", err)
		}
		sugar.Info("migrations reverted")
	case *steps != 0:
		if err := m.Steps(*steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			sugar.Fatalw("migration steps failed", "steps", *steps, "error", err)
		}
		sugar.Infow("applied migration steps", "steps", *steps)
	default:
		fmt.Println("usage: migrate [-dsn <url>] [-up|-down|-steps N|-version|-force N]")
		flag.PrintDefaults()
	}
}
