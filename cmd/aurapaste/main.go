package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"aurapaste/cfg"
	"aurapaste/metrics"
	"aurapaste/pkg/guard"
	"aurapaste/pkg/secrets"
	"aurapaste/svc/api"
	"aurapaste/svc/cache"
	"aurapaste/svc/lim"
	"aurapaste/svc/paste"
	"aurapaste/svc/stats"
	"aurapaste/svc/store"
	"aurapaste/svc/util"
	"aurapaste/svc/view"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		healthProbe()
		return
	}

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting aurapaste API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := secrets.NewResolver(ctx)
	guardKey := resolver.GuardKey(ctx)
	if guardKey == "" {
		guardKey = c.GuardKey.Value()
	}
	g, err := guard.New(guardKey)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize content guard")
		os.Exit(1)
	}

	db, err := store.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer db.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *store.Redis
	if c.RedisURL != "" {
		rdb, err = store.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	statsSvc := stats.New(db, c.AdminEmails)
	recorder := view.NewRecorder(db, statsSvc, c.ViewWorkers, c.ViewQueueSize)
	util.Info().Int("workers", c.ViewWorkers).Msg("view recorder initialized")

	pasteSvc := paste.New(db, g, lruCache, rdb, recorder, statsSvc, c)

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, rdb, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, statsSvc, limiter, db, rdb)

	quitWAL := make(chan struct{})
	go store.StartWALMaintenance(db.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	paste.StartCleaner(ctx, db, c.CleanupEvery)
	util.Info().Dur("every", c.CleanupEvery).Msg("expired paste cleanup worker started")

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	recorder.Shutdown()
	util.Info().Msg("shutdown complete")
}

// healthProbe is the container liveness entrypoint: open the database,
// ping it, exit 0 or 1.
func healthProbe() {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "aurapaste.db"
	}
	db, err := store.NewSQLite(dbPath)
	if err != nil {
		os.Exit(1)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}
