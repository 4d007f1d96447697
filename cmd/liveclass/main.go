package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liveclass/internal/core/ports"
	"liveclass/internal/core/services"
	httphandlers "liveclass/internal/handlers/http"
	"liveclass/internal/infrastructure/distributed"
	"liveclass/internal/infrastructure/middleware"
	"liveclass/internal/infrastructure/monitoring"
	"liveclass/internal/infrastructure/repositories"
	signalserver "liveclass/internal/infrastructure/signal"
	webrtcinfra "liveclass/internal/infrastructure/webrtc"
	"liveclass/pkg/config"
	"liveclass/pkg/logger"
	"liveclass/pkg/retry"
	"liveclass/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("invalid configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tracer, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	classRepo := repoFactory.CreateClassRepository()

	var publisher *distributed.EventBus
	if client := repoFactory.RedisClient(); client != nil {
		publisher = distributed.NewEventBus(client, uuid.NewString(), log)
		go func() {
			if err := publisher.Subscribe(ctx, publisher.LogEvents); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("room event subscription stopped", "error", err)
			}
		}()
	}

	// Media workers
	pool := services.NewWorkerPool(webrtcinfra.NewEngine(log), services.WorkerPoolConfig{
		Count:       cfg.WorkerCount(),
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		MinPort:     cfg.Media.PortRange.Min,
		MaxPort:     cfg.Media.PortRange.Max,
		DeathGrace:  cfg.Media.WorkerDeathGrace,
		Retry:       retry.DefaultConfig(),
	}, metrics, log)
	pool.SetFatalHandler(func() {
		log.Errorw("media worker died, exiting")
		_ = zapLogger.Sync()
		os.Exit(1)
	})
	if err := pool.Initialize(ctx); err != nil {
		log.Fatalw("failed to start media workers", "error", err)
	}

	roomOpts := services.RoomOptions{
		EngineTimeout:                   cfg.Media.EngineTimeout,
		FanOutConcurrency:               cfg.Media.FanOutConcurrency,
		InitialAvailableOutgoingBitrate: cfg.Media.InitialAvailableOutgoingBitrate,
	}
	var roomEvents ports.RoomEventPublisher
	if publisher != nil {
		roomEvents = publisher
	}
	rooms := services.NewRoomRegistry(pool, cfg.Media.Codecs, roomOpts, roomEvents, metrics, log)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	accessService := services.NewAccessService(services.AccessMode(cfg.Access.Mode), classRepo, cfg.Access.CacheTTL, log)
	defer accessService.Close()
	if services.AccessMode(cfg.Access.Mode) == services.AccessOpen {
		log.Warnw("access mode is open: every authenticated user may join any room", "access_mode", cfg.Access.Mode)
	}
	classService := services.NewClassService(classRepo, accessService)

	// Signaling
	wsCfg := signalserver.DefaultServerConfig()
	wsCfg.PingInterval = cfg.Signal.PingInterval
	wsCfg.PongTimeout = cfg.Signal.PongTimeout
	wsCfg.WriteTimeout = cfg.Signal.WriteTimeout
	wsCfg.SendQueue = cfg.Signal.SendQueue
	wsCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	wsCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		wsCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	wsServer := signalserver.NewWebSocketServer(wsCfg, authService, rooms, accessService, metrics, log)

	// Health
	health := monitoring.NewHealthChecker()
	health.AddWorkerCheck(pool, 10*time.Second, time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx, func(name string, err error) {
		log.Warnw("health check failed", "check", name, "error", err)
	})

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	api := router.Group("/api/v1",
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.AuthMiddleware(authService),
	)
	httphandlers.NewRoomsHandler(rooms).SetupRoutes(api)
	httphandlers.NewClassesHandler(classService).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting liveclass server",
			"address", cfg.Server.Address,
			"workers", cfg.WorkerCount(),
			"access_mode", cfg.Access.Mode,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down liveclass server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// hijacked websocket connections are not tracked by srv.Shutdown
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("signaling shutdown incomplete", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		rooms.Close(shutdownCtx)
		if err := pool.Close(); err != nil {
			log.Warnw("error closing media workers", "error", err)
		}
		if publisher != nil {
			_ = publisher.Close()
		}
		if err := repoFactory.Close(); err != nil {
			log.Errorw("error closing repository factory", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("error flushing traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalw("server failed", "error", err)
	}
	log.Info("liveclass server stopped")
}
