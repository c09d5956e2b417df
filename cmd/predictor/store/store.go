// Package store selects the durable backend for the prediction cache.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HatiCode/rackwatch/cmd/predictor/config"
	"github.com/HatiCode/rackwatch/pkg/storage"
)

// New opens the storage backend named by cfg.Storage.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Storage {
	case config.StorageMemory:
		logger.Info("using in-memory storage; predictions are lost on restart")
		return storage.NewMemoryStore(), nil

	case config.StorageFile:
		s, err := storage.NewFileStore(cfg.CachePath)
		if err != nil {
			return nil, fmt.Errorf("open file storage: %w", err)
		}
		logger.Info("using file storage", "path", s.Path())
		return s, nil

	case config.StorageRedis:
		s, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
		if err != nil {
			return nil, fmt.Errorf("open redis storage: %w", err)
		}
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "key", s.Key())
		return s, nil

	case config.StoragePostgres:
		s, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.SnapshotName)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		logger.Info("using postgres storage", "snapshot", cfg.SnapshotName)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}
