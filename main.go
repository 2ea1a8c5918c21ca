package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botdeck/internal/api"
	"botdeck/internal/cache"
	"botdeck/internal/config"
	"botdeck/internal/db"
	"botdeck/internal/events"
	"botdeck/internal/gameclient"
	"botdeck/internal/instance"
	"botdeck/internal/logging"
	"botdeck/internal/store"
	"botdeck/internal/viewer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting_service", "service", "botdeck", "http_addr", cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL (with retry). Failing to open the store is the
	// one startup error that halts the whole system.
	var dbConn *db.DB
	for i := 0; i < 5; i++ {
		dbConn, err = db.New(ctx, cfg.DBDSN)
		if err == nil {
			break
		}
		logger.Warn("db_connect_retry", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("db_connect_failed", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	// Redis is a replay cache only; run degraded without it.
	cacheClient, err := cache.New(cfg.RedisDSN)
	if err != nil {
		logger.Warn("redis_unavailable", "error", err)
		cacheClient = nil
	}

	st := store.New(logger, dbConn, cacheClient)
	if err := st.InitSchema(ctx); err != nil {
		logger.Error("schema_init_failed", "error", err)
		os.Exit(1)
	}
	st.StartWriters(cfg.StoreWriterCount)

	pub := events.NewPublisher(logger)
	viewers := viewer.NewManager(logger, cfg.ViewerCommand, cfg.ViewerPortMin, cfg.ViewerPortMax)

	registry := instance.NewRegistry(logger, st, pub, gameclient.Dial, viewers, cfg.EncryptionKey)
	if err := registry.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(logger, cfg, st, registry, pub, cacheClient, viewers)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_listen_failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("service_started", "addr", cfg.HTTPAddr)

	// graceful shutdown
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	} else {
		logger.Info("http_server_stopped")
	}

	registry.StopAll(true)
	logger.Info("instances_stopped")

	viewers.CloseAll()
	logger.Info("viewers_closed")

	st.StopWriters()

	if err := cacheClient.Close(); err != nil {
		logger.Warn("redis_close_error", "error", err)
	}

	dbConn.Close()
	logger.Info("service_stopped")
}
