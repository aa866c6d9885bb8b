package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"perforay/internal/config"
	"perforay/internal/server"
	"perforay/internal/store"
)

// openBackends connects every backend with a configured URL. The returned
// func closes whatever was opened, in reverse order.
func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (server.Backends, func(), error) {
	var b server.Backends
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			closeAll()
			return server.Backends{}, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		closers = append(closers, func() { _ = pg.Close() })
		b.Postgres = pg
		logger.Info().Msg("Connected to database")
	}

	if cfg.RedisURL != "" {
		rdb, err := store.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			closeAll()
			return server.Backends{}, nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		b.Redis = rdb
		b.Cache = store.NewCache(rdb, cfg.ResultCacheTTL)
		logger.Info().Msg("Connected to Redis")
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(appName))
		if err != nil {
			closeAll()
			return server.Backends{}, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		closers = append(closers, nc.Close)
		pub, err := store.NewPublisher(nc)
		if err != nil {
			closeAll()
			return server.Backends{}, nil, err
		}
		b.Publisher = pub
		logger.Info().Str("stream", store.StreamResults).Msg("Connected to NATS")
	}

	return b, closeAll, nil
}
