package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"invoicehub/backend/internal/cache"
	"invoicehub/backend/internal/config"
	"invoicehub/backend/internal/logger"
	"invoicehub/backend/internal/quickbooks"
	"invoicehub/backend/internal/scheme"
	"invoicehub/backend/internal/secret"
	"invoicehub/backend/internal/service"
	"invoicehub/backend/internal/store"
	"invoicehub/backend/internal/store/memory"
	pgstore "invoicehub/backend/internal/store/postgres"
)

// runtime holds the collaborators shared by every command that touches
// invoices.
type runtime struct {
	repo      store.Repository
	connector *quickbooks.Connector
	service   *service.Service
	closers   []func() error
	log       zerolog.Logger
}

func openRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{
		closers: make([]func() error, 0, 2),
		log:     logger.WithComponent("main"),
	}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		rt.repo = pg
		rt.closers = append(rt.closers, pg.Close)
		rt.log.Info().Str("repository", "postgres").Msg("repository ready")
	} else {
		rt.repo = memory.NewSeeded()
		rt.log.Info().Str("repository", "memory").Msg("repository ready")
	}

	schemeCache := cache.SchemeCache(cache.NoopSchemeCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSchemeCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			rt.log.Warn().Err(err).Msg("redis unavailable, using noop scheme cache")
			_ = redisCache.Close()
		} else {
			schemeCache = redisCache
			rt.closers = append(rt.closers, redisCache.Close)
			rt.log.Info().Str("cache", "redis").Msg("scheme cache ready")
		}
	}
	catalog := scheme.NewCatalog(rt.repo, schemeCache, cfg.SchemeCacheTTL(), logger.WithComponent("scheme"))

	// A nil *Connector must not reach the service as a non-nil interface.
	var ledger service.Ledger
	if cfg.LedgerEnabled() {
		sealer, err := secret.NewSealer(cfg.TokenSealKey)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("token sealer: %w", err)
		}
		qboLog := logger.WithComponent("quickbooks")
		sessions := quickbooks.NewSessions(cfg.QuickBooks, rt.repo, sealer, qboLog)
		rt.connector = quickbooks.NewConnector(cfg.QuickBooks, rt.repo, sessions, qboLog)
		ledger = rt.connector
		rt.log.Info().Bool("auto_sync", cfg.AutoSync).Msg("quickbooks ledger enabled")
	} else {
		rt.log.Info().Msg("quickbooks ledger disabled")
	}

	rt.service = service.New(rt.repo, catalog, ledger, cfg.AutoSync, logger.WithComponent("pipeline"))
	return rt, nil
}

func (rt *runtime) Close() {
	for _, closeFn := range rt.closers {
		if err := closeFn(); err != nil {
			rt.log.Error().Err(err).Msg("close error")
		}
	}
	rt.closers = nil
}
