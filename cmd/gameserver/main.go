// Package main runs the combat server: the HTTP API, the event stream and
// the store behind them.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/skirmish/internal/broadcast"
	"github.com/cory-johannsen/skirmish/internal/config"
	"github.com/cory-johannsen/skirmish/internal/game/character"
	"github.com/cory-johannsen/skirmish/internal/game/combat"
	"github.com/cory-johannsen/skirmish/internal/game/session"
	"github.com/cory-johannsen/skirmish/internal/gameserver"
	"github.com/cory-johannsen/skirmish/internal/observability"
	"github.com/cory-johannsen/skirmish/internal/pubsub"
	"github.com/cory-johannsen/skirmish/internal/pubsub/ws"
	"github.com/cory-johannsen/skirmish/internal/server"
	"github.com/cory-johannsen/skirmish/internal/storage/postgres"
	"github.com/cory-johannsen/skirmish/internal/storage/sqlite"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (defaults and SKIRMISH_ env only when empty)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("initializing tracing", zap.Error(err))
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("flushing traces", zap.Error(err))
		}
	}()

	logger.Info("starting combat server",
		zap.String("http_addr", cfg.Sync.Addr()),
		zap.String("storage", cfg.Storage.Driver),
	)

	store, health, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	var chars character.Source
	if cfg.Characters.Dir != "" {
		src, err := character.LoadDirectory(cfg.Characters.Dir)
		if err != nil {
			logger.Fatal("loading characters", zap.String("dir", cfg.Characters.Dir), zap.Error(err))
		}
		logger.Info("characters loaded", zap.Int("count", src.Len()))
		chars = src
	} else {
		logger.Info("character import disabled")
	}
	aliases := character.AliasTable{HP: cfg.Characters.Aliases.HP, AC: cfg.Characters.Aliases.AC}

	hub := pubsub.NewHub(cfg.Sync.SubscriberBuffer)
	defer hub.Close()

	broadcaster := broadcast.New(hub, cfg.Sync.PublishTimeout, logger)
	combats := gameserver.NewCombatHandler(store, broadcaster, chars, aliases, logger)
	events := ws.NewHandler(hub, session.NewManager(), ws.Config{
		WriteWait: cfg.Sync.WriteWait,
		PongWait:  cfg.Sync.PongWait,
	}, logger)
	api := gameserver.NewHTTPAPI(combats, events, logger).WithReadiness(health)

	httpSvc := server.NewHTTPService(&http.Server{
		Addr:              cfg.Sync.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}, cfg.Server.ShutdownTimeout, logger)
	if _, err := httpSvc.Listen(); err != nil {
		logger.Fatal("binding http listener", zap.Error(err))
	}

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", httpSvc)

	logger.Info("combat server initialized", zap.Duration("startup", time.Since(start)))
	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("combat server stopped with error", zap.Error(err))
	}
}

// openStore connects the configured backend and applies pending migrations.
// It returns the store, a readiness probe and a closer.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (combat.Store, func(context.Context) error, func()) {
	dbStart := time.Now()
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			logger.Fatal("opening sqlite store", zap.String("path", cfg.Storage.SQLitePath), zap.Error(err))
		}
		logger.Info("sqlite store opened",
			zap.String("path", cfg.Storage.SQLitePath),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return st, st.Health, func() { _ = st.Close() }
	default:
		if err := postgres.Migrate(cfg.Database.DSN()); err != nil {
			logger.Fatal("migrating database", zap.Error(err))
		}
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		health := func(ctx context.Context) error { return pool.Health(ctx, 2*time.Second) }
		return postgres.NewCombatRepository(pool.DB()), health, pool.Close
	}
}
