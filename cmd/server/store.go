package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/user-registry/internal/config"
	"github.com/kneutral-org/user-registry/internal/user"
)

// openStore opens the user store selected by cfg. The caller owns the
// returned store and must Close it.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (user.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		s, err := user.OpenPostgres(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		logger.Info().Str("backend", cfg.StoreBackend).Msg("connected to postgres")
		return s, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s := user.NewRedisStore(client)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info().Str("backend", cfg.StoreBackend).Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return s, nil

	case config.BackendFile:
		s, err := user.NewFileStore(cfg.FileStorePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("backend", cfg.StoreBackend).Str("path", cfg.FileStorePath).Msg("using file store")
		return s, nil

	case config.BackendMemory:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return user.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
