package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"realtime-service/internal/config"
	"realtime-service/internal/db"
	grpcserver "realtime-service/internal/grpc"
	"realtime-service/internal/handlers"
	"realtime-service/internal/identity"
	"realtime-service/internal/membership"
	"realtime-service/internal/middleware"
	"realtime-service/internal/observability"
	"realtime-service/internal/pipeline"
	"realtime-service/internal/presence"
	"realtime-service/internal/rabbitmq"
	"realtime-service/internal/repositories"
	"realtime-service/internal/rooms"
	"realtime-service/internal/telemetry"
	"realtime-service/internal/ws"
)

const auditRoutingKey = "audit.realtime"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Service.LogLevel})).
		With(slog.String("service", cfg.Service.Name))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Service.Name, cfg.Service.Environment)
	if err != nil {
		return err
	}

	database, err := db.Connect(ctx, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	userRepo := repositories.NewUserRepo(database)
	circleRepo := repositories.NewCircleRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	var cache membership.Cache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		cache = membership.NewRedisCache(client, "realtime:", cfg.Redis.CacheTTL)
		logger.Info("membership cache enabled", slog.String("addr", cfg.Redis.Addr))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready",
		slog.String("mode", rabbitmq.PublisherMode(publisher)),
		slog.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.Service.Name, cfg.Service.Environment, logger)

	resolver := identity.NewResolver(cfg.Auth.JWTSecret, userRepo)
	oracle := membership.NewOracle(userRepo, circleRepo, cache, logger)
	registry := presence.NewRegistry()
	router := rooms.NewRouter(logger)
	events := pipeline.New(oracle, messageRepo, router, logger)

	supervisor := ws.NewSupervisor(resolver, oracle, registry, router, events, ws.Options{
		Socket:         cfg.Socket,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Audit:          audit,
	}, logger)

	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware(cfg.Service.Name), observability.HTTPMetricsMiddleware())

	engine.GET("/ws", supervisor.Handle)
	engine.GET("/healthz", handlers.Health(database))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	presenceHandler := handlers.NewPresenceHandler(registry, oracle, logger)
	authed := engine.Group("/presence", middleware.AuthMiddleware(resolver))
	authed.GET("/active", presenceHandler.ActiveUsers)
	authed.GET("/users/:id", presenceHandler.UserStatus)

	handlers.RegisterDebugRoutes(engine, audit, supervisor, registry, cfg.Service.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcserver.NewHealthServer(database, 15*time.Second, logger)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return err
	}
	go health.Watch(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := health.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("http server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed", slog.Any("error", runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown incomplete", slog.Any("error", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	health.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return runErr
}
