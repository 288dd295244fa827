package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tokend/internal/config"
	"tokend/internal/domain/models"
	"tokend/internal/storage/memory"
	"tokend/internal/storage/mongodb"
	"tokend/internal/storage/postgres"
	"tokend/internal/storage/redis"
	"tokend/internal/storage/sqlite"
)

// Store is everything the service needs from a storage backend.
type Store interface {
	Put(ctx context.Context, rec models.RefreshToken) error
	Redeem(ctx context.Context, id, successorID string, now time.Time) (models.RefreshToken, error)
	Revoke(ctx context.Context, id string, now time.Time) error
	Get(ctx context.Context, id string) (models.RefreshToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	UserByUsername(ctx context.Context, normalized string) (models.User, error)
	SaveUser(ctx context.Context, user models.User) error
	Ping(ctx context.Context) error
	Close() error
}

// OpenStore connects to the backend named by cfg.Storage.Driver and applies
// its schema unless migrations are disabled.
func OpenStore(ctx context.Context, log *slog.Logger, cfg *config.Config) (Store, error) {
	const op = "app.OpenStore"

	sc := cfg.Storage
	log = log.With(slog.String("op", op), slog.String("driver", sc.Driver))

	switch sc.Driver {
	case config.DriverMemory, "":
		log.Warn("using in-memory storage, tokens are lost on restart")
		return memory.New(), nil

	case config.DriverSQLite:
		if !sc.SkipMigrations {
			if err := sqlite.Migrate(sc.Path); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		s, err := sqlite.New(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return s, nil

	case config.DriverPostgres:
		s, err := postgres.New(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !sc.SkipMigrations {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		return s, nil

	case config.DriverMongoDB:
		s, err := mongodb.New(ctx, sc.Mongo.URI, sc.Mongo.Database, cfg.Tokens.Retention)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if !sc.SkipMigrations {
			if err := s.EnsureIndexes(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
		return s, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		return redis.New(client, sc.Redis.Prefix, cfg.Tokens.Retention), nil

	default:
		return nil, fmt.Errorf("%s: unknown storage driver %q", op, sc.Driver)
	}
}
