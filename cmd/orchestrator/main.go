// Package main is the entry point for the ownprem orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/agent/auth"
	"github.com/PKell33/ownprem-sub001/internal/agent/dispatch"
	"github.com/PKell33/ownprem-sub001/internal/agent/logstream"
	"github.com/PKell33/ownprem-sub001/internal/agent/mounts"
	"github.com/PKell33/ownprem-sub001/internal/agent/reconcile"
	"github.com/PKell33/ownprem-sub001/internal/agent/registry"
	"github.com/PKell33/ownprem-sub001/internal/agent/session"
	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/proxy"
	"github.com/PKell33/ownprem-sub001/internal/secrets"
	"github.com/PKell33/ownprem-sub001/internal/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ownprem orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the store
	st, storeCleanup, err := store.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() {
		if err := storeCleanup(); err != nil {
			log.Error("Store close error", zap.Error(err))
		}
	}()

	// 4. Connect the event bus (NATS, or in-memory when no URL is set)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()
	eventBus := provided.Bus

	// 5. Shared infrastructure
	lockRegistry := locks.NewRegistry()
	proxyController := proxy.Provide(cfg.Proxy, log)

	keyProvider, err := secrets.NewMasterKeyProvider(cfg.Secrets.KeyDir)
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}
	secretsBox := secrets.NewBox(keyProvider)

	// 6. Agent coordination core
	authenticator := auth.New(st, log)
	connRegistry := registry.New(st, eventBus, lockRegistry, cfg.Agent, log)
	dispatcher := dispatch.New(st, eventBus, lockRegistry, connRegistry, cfg.Agent, log)
	reconciler := reconcile.New(st, eventBus, lockRegistry, proxyController, log)
	logRouter := logstream.New(st, connRegistry, log)
	mountOrchestrator := mounts.New(st, dispatcher, secretsBox, log)

	coordinator := session.NewCoordinator(
		authenticator, connRegistry, dispatcher, reconciler,
		logRouter, mountOrchestrator, cfg.Agent, log)

	// 7. Start the staleness sweep
	connRegistry.Start()

	// 8. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	coordinator.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store unavailable"})
			return
		}
		serverLocks, deploymentLocks := lockRegistry.Counts()
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"busConnected":    eventBus.IsConnected(),
			"serverLocks":     serverLocks,
			"deploymentLocks": deploymentLocks,
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")
	cancel()

	// 10. Graceful shutdown: stop accepting HTTP first, then drain the core
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	coordinator.Shutdown(shutdownCtx)

	log.Info("Orchestrator stopped")
}
