package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	signalinfra "peerlink/internal/infrastructure/signal"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
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
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	if cfg.Device.ID == "" {
		log.Fatalw("device.id is required; set it in config or PEERLINK_DEVICE_ID")
	}

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peerlink-agent",
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	// WebRTC configuration (including STUN/TURN from config)
	var iceServers []webrtc.ICEServer
	if len(cfg.WebRTC.ICEServers) > 0 {
		for _, s := range cfg.WebRTC.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	} else {
		// Fallback STUN server if not configured
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	transportConfig := webrtcinfra.TransportConfig{
		ICEServers:    iceServers,
		StatsInterval: cfg.WebRTC.StatsInterval,
	}
	transportConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportConfig.PortRange.Max = cfg.WebRTC.PortRange.Max
	transportManager := webrtcinfra.NewTransportManager(transportConfig, log)

	// Signaling client
	signalingClient := signalinfra.NewClient(signalinfra.ClientConfig{
		URL:      cfg.Signaling.URL,
		DeviceID: domain.DeviceID(cfg.Device.ID),
		Token:    cfg.Device.Token,
		Capabilities: domain.DeviceCapabilities{
			Name:          cfg.Device.Name,
			Platform:      cfg.Device.Platform,
			MaxBitrateBps: cfg.Optimizer.MaxBitrateBps,
		},
		ConnectTimeout:       cfg.Signaling.ConnectTimeout,
		RequestTimeout:       cfg.Signaling.RequestTimeout,
		HeartbeatInterval:    cfg.Signaling.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Signaling.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Signaling.MaxReconnectAttempts,
	}, log)

	// Network optimizer
	optimizer := services.NewOptimizerService(services.OptimizerConfig{
		MinBitrateBps:   cfg.Optimizer.MinBitrateBps,
		MaxBitrateBps:   cfg.Optimizer.MaxBitrateBps,
		Hysteresis:      cfg.Optimizer.Hysteresis,
		MeasureInterval: cfg.Optimizer.MeasureInterval,
		HistorySize:     cfg.Optimizer.HistorySize,
	}, nil, log)

	// Monitoring
	var collector *monitoring.PrometheusCollector
	var managerMetrics services.ManagerMetrics
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector()
		managerMetrics = collector
	}

	// Connection manager wires everything together
	managerConfig := services.ManagerConfig{
		MaxReconnectAttempts: cfg.Manager.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Manager.ReconnectDelay,
		StaleTimeout:         cfg.Manager.StaleTimeout,
		SweepInterval:        cfg.Manager.SweepInterval,
		CloseGraceDelay:      cfg.Manager.CloseGraceDelay,
		DiscoveryWindow:      cfg.Manager.DiscoveryWindow,
	}
	for _, ch := range cfg.WebRTC.Channels {
		managerConfig.Channels = append(managerConfig.Channels, domain.ChannelSpec{
			Label:          ch.Label,
			Ordered:        ch.Ordered,
			MaxRetransmits: ch.MaxRetransmits,
		})
	}
	if len(managerConfig.Channels) == 0 {
		managerConfig.Channels = services.DefaultManagerConfig().Channels
	}

	manager := services.NewConnectionManager(
		managerConfig,
		transportManager,
		signalingClient,
		optimizer,
		managerMetrics,
		log,
	)

	// Start background measurement
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	optimizer.Start(runCtx)

	// Health checks
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.StartBackgroundChecks(runCtx)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	connectionHandler := httphandlers.NewConnectionHandler(manager, optimizer, healthChecker)
	connectionHandler.SetupRoutes(router)

	router.GET("/uptime", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"uptime":    time.Since(startTime).String(),
			"timestamp": time.Now(),
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting PeerLink agent on %s (device %s)", cfg.Server.Address, cfg.Device.ID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Connect to the relay in the background so a down relay does not block
	// startup; the client keeps its own reconnection schedule.
	go func() {
		ctx, cancel := context.WithTimeout(runCtx, cfg.Signaling.ConnectTimeout)
		defer cancel()
		if err := signalingClient.Connect(ctx); err != nil {
			log.Warnw("initial signaling connect failed", "error", err)
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down PeerLink agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Close connections, stop the optimizer and disconnect from the relay.
	manager.Destroy()

	log.Info("PeerLink agent stopped")
}
