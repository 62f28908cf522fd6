package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/monitor/internal/api"
	"example.com/backstage/services/monitor/internal/core"
	"example.com/backstage/services/monitor/internal/infrastructure"
	"example.com/backstage/services/monitor/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the device monitor API server",
	Long:  `Launches the HTTP server handling device status ingestion, waiting queue management, and the viewer event stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Device Monitor Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	var deviceCache core.DeviceCache = core.NopCache{}
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		logger.WithError(err).Warn("Cache unavailable, continuing without it")
	} else {
		defer cache.Close()
		deviceCache = infrastructure.NewDeviceCache(cache)
	}

	// --- Broadcast Setup ---
	hub := ws.NewHub(logger)
	go hub.Run()

	broadcaster := core.MultiBroadcaster{hub}
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			broadcaster = append(broadcaster, infrastructure.NewEventRelay(messaging, logger))
		}
	}

	// --- Service Layer Setup ---
	repo := core.NewRepository(db.DB)
	services := core.NewServiceRegistry(core.ServiceConfig{
		Repo:        repo,
		Cache:       deviceCache,
		Broadcaster: broadcaster,
		Logger:      logger,
		Timeout: core.TimeoutConfig{
			IdleTimeout:   cfg.Queue.IdleTimeout,
			RemindAfter:   cfg.Queue.RemindAfter,
			ExtendBy:      cfg.Queue.ExtendBy,
			CheckInterval: cfg.Queue.CheckInterval,
		},
		HeartbeatTimeout:  cfg.Monitor.HeartbeatTimeout,
		HeartbeatInterval: cfg.Monitor.HeartbeatInterval,
		RetentionDays:     cfg.Monitor.RetentionDays,
	})

	// --- Background Loops ---
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go services.Timeouts.Run(loopCtx)
	go services.Heartbeat.Run(loopCtx)
	go services.History.RunCleanup(loopCtx)

	// --- Optional MQTT Ingest ---
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		subscriber, err := infrastructure.NewMQTTSubscriber(*cfg.MQTT,
			func(ctx context.Context, code string, report *core.StatusReport) error {
				_, err := services.Status.Report(ctx, code, report)
				return err
			}, logger)
		if err != nil {
			logger.WithError(err).Warn("MQTT subscriber setup failed, continuing without it")
		} else if err := subscriber.Start(); err != nil {
			logger.WithError(err).Warn("MQTT broker unreachable, continuing without it")
		} else {
			defer subscriber.Stop()
		}
	}

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	handlers := api.NewAPIHandlers(services, hub)
	api.SetupRoutes(router, handlers, hub, cfg.Monitor.ResultsTimeout, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Device Monitor API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	stopLoops()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Device Monitor Service shutdown complete")
	return nil
}
