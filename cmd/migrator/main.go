package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tokend/internal/config"
	"tokend/internal/storage/mongodb"
	"tokend/internal/storage/postgres"
	"tokend/internal/storage/sqlite"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		log.Fatal("config path is required")
	}

	cfg := config.MustLoadPath(configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := migrate(ctx, cfg); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	fmt.Printf("%s schema is up to date\n", cfg.Storage.Driver)
}

func migrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required")
		}
		return sqlite.Migrate(cfg.Storage.Path)

	case config.DriverPostgres:
		s, err := postgres.New(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.Migrate(ctx)

	case config.DriverMongoDB:
		log.Println("Connecting to MongoDB...")
		s, err := mongodb.New(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database, cfg.Tokens.Retention)
		if err != nil {
			return err
		}
		defer s.Close()
		return s.EnsureIndexes(ctx)

	case config.DriverMemory, config.DriverRedis:
		log.Printf("%s storage has no schema, nothing to do", cfg.Storage.Driver)
		return nil

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
