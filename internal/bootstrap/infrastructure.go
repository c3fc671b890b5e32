package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func ProvideRedisClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func ProvideDatabase(cfg *Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := configurePool(db, cfg.DatabaseMaxOpenConns); err != nil {
		return nil, err
	}
	return db, nil
}

// configurePool caps open connections so the readiness check can report
// saturation. Idle connections are kept at half the cap.
func configurePool(db *gorm.DB, maxOpen int) error {
	if maxOpen <= 0 {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, maxOpen/2))
	return nil
}

// CloseInfrastructure releases the redis and database pools on shutdown.
// Hooks run in reverse order, so this fires after the upstream is closed.
func CloseInfrastructure(lc fx.Lifecycle, rdb *redis.Client, db *gorm.DB, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			var errs []error
			if err := rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				errs = append(errs, fmt.Errorf("close redis: %w", err))
			}
			if sqlDB, err := db.DB(); err == nil {
				if err := sqlDB.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close database: %w", err))
				}
			}
			logger.Info("infrastructure closed")
			return errors.Join(errs...)
		},
	})
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideDatabase,
	),
	fx.Invoke(CloseInfrastructure),
)
