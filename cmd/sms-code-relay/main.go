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
	"github.com/sirupsen/logrus"

	"sms-code-relay-go/internal/broker"
	"sms-code-relay-go/internal/config"
	"sms-code-relay-go/internal/fetcher"
	"sms-code-relay-go/internal/handlers"
	"sms-code-relay-go/internal/metrics"
	"sms-code-relay-go/internal/poller"
	"sms-code-relay-go/internal/relay"
	"sms-code-relay-go/internal/storage"
	"sms-code-relay-go/internal/telegram"
	"sms-code-relay-go/internal/upstream"
)

func main() {
	// Configure logging
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting SMS Code Relay Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	// Initialize database and storage
	db, err := storage.Open(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	store := storage.New(db)

	// Initialize metrics
	m := metrics.New()

	// Initialize upstream client and credential broker
	source := upstream.NewClient(&cfg.Upstream)
	tokenBroker := broker.New(source, store, cfg.Upstream.TokenTTL, cfg.Upstream.RefreshSkew)

	// Initialize fetch aggregator
	aggregator := fetcher.New(source, tokenBroker, cfg.Upstream.MaxWorkers)

	// Initialize destination client and dispatcher
	messenger := telegram.NewClient(&cfg.Telegram)
	dispatcher := relay.New(messenger, relay.PlainRenderer{}, store, m, cfg.Telegram.MinSendInterval)

	// Initialize poller
	defaults := config.RuntimeDefaults{
		APIBaseURL:   cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		SessionToken: cfg.Upstream.SessionToken,
		StartDate:    cfg.Poller.StartDate,
		Limit:        cfg.Poller.Limit,
		PollInterval: time.Duration(cfg.Poller.IntervalSeconds) * time.Second,
	}
	relayPoller := poller.New(defaults, store, source, tokenBroker, aggregator, dispatcher, m)

	// Probe upstream reachability before the first cycle
	source.CheckHealth(context.Background())

	if cfg.Poller.RunOnce {
		logrus.Info("Run-once mode: executing a single poll cycle")
		relayPoller.RunOnce()
		logrus.Info("Run-once cycle complete")
		return
	}

	// Initialize HTTP handlers and server
	h := handlers.New(store, relayPoller)
	router := setupRouter(h)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start poller
	if err := relayPoller.Start(); err != nil {
		logrus.Fatalf("Failed to start poller: %v", err)
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop poller, letting the in-flight cycle finish
	if err := relayPoller.Stop(); err != nil {
		logrus.Errorf("Failed to stop poller: %v", err)
	}
	relayPoller.Wait()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Worker stopped gracefully")
}

// setupRouter sets up the HTTP router with middleware
func setupRouter(h *handlers.Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware())

	h.SetupRoutes(router)
	return router
}

// loggerMiddleware adds logging middleware
func loggerMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	})
}
