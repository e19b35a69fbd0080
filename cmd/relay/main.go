package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/registry"
	"peerlink/internal/infrastructure/reliability"
	signalinfra "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/retry"
	"peerlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/peerlink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	instanceID := utils.GenerateConnectionID()

	// Presence registry: redis when configured, in-memory otherwise. The
	// redis-backed registry is wrapped with retry and a circuit breaker so
	// routing degrades instead of stalling when the store is down.
	presence := registry.NewMemoryPresenceRegistry()
	healthChecker := monitoring.NewHealthChecker()
	var envelopeBus *distributed.EnvelopeBus
	if cfg.Redis.Enabled {
		redisClient, err := registry.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			log,
		)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close()

		presence = reliability.NewRegistryWrapper(
			registry.NewRedisPresenceRegistry(redisClient),
			retry.DefaultConfig(),
			circuitbreaker.DefaultConfig(),
			log,
		)
		envelopeBus = distributed.NewEnvelopeBus(redisClient, instanceID, log)
		healthChecker.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)
	}
	healthChecker.AddRegistryCheck(presence, 30*time.Second, 2*time.Second)

	relay := signalinfra.NewRelay(signalinfra.RelayConfig{
		InstanceID:        instanceID,
		PingInterval:      cfg.Relay.PingInterval,
		PongTimeout:       cfg.Relay.PongTimeout,
		MessagesPerSecond: cfg.Relay.MessagesPerSecond,
		Burst:             cfg.Relay.Burst,
		RequireAuth:       cfg.Relay.RequireAuth,
		JWTSecret:         cfg.Relay.JWTSecret,
	}, presence, log)

	if envelopeBus != nil {
		relay.SetForwarder(envelopeBus)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Token issuing stays off when an external identity provider manages
	// device credentials.
	issueTokens := cfg.Relay.RequireAuth && cfg.Relay.JWTSecret != ""
	var apiAuth gin.HandlerFunc
	if cfg.Relay.RequireAuth && cfg.Relay.JWTSecret != "" {
		apiAuth = middleware.AuthMiddleware(signalinfra.NewTokenVerifier(cfg.Relay.JWTSecret))
	}
	relayHandler := httphandlers.NewRelayHandler(relay, cfg.Relay.JWTSecret, issueTokens, apiAuth)
	relayHandler.SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		relay.SetMetrics(monitoring.NewPrometheusCollector())
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Relay.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting PeerLink relay on %s", cfg.Relay.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	healthChecker.StartBackgroundChecks(runCtx)

	// Deliver envelopes forwarded from other relay instances.
	if envelopeBus != nil {
		go func() {
			if err := envelopeBus.Subscribe(runCtx, relay.DeliverLocal); err != nil && err != context.Canceled {
				log.Errorw("envelope bus subscription ended", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down PeerLink relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during relay shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing relay", "error", closeErr)
		}
	}

	log.Info("PeerLink relay stopped")
}
