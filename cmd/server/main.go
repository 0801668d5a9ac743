package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/internal/api/routes"
	"admission-gateway/internal/config"
	"admission-gateway/internal/repository"
	"admission-gateway/internal/services"
	"admission-gateway/internal/websocket"
	"admission-gateway/pkg/database"
	"admission-gateway/pkg/jwt"
	"admission-gateway/pkg/ratelimit"
	"admission-gateway/pkg/redis"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger := cfg.NewLogger()
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)

	policy, err := services.LoadInitialPolicy(cfg)
	if err != nil {
		log.WithError(err).Fatal("invalid rate limit policy")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis is optional; without it enforcement stays local to this instance
	var redisClient *redis.Client
	opts := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithReaperInterval(cfg.ReaperInterval),
		ratelimit.WithMetricsInterval(cfg.MetricsInterval),
	}
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(cfg.Redis, redis.WithLogger(logger))
		if status := redisClient.HealthCheck(); status.IsConnected {
			log.WithField("addr", status.ConnectionInfo).Info("redis connected")
		} else {
			log.WithField("error", status.Error).Warn("redis unavailable, will retry in background")
		}
		opts = append(opts, ratelimit.WithStore(ratelimit.NewRedisStore(redisClient)))
	}

	// MongoDB is optional; without it tier assignments come from the policy file only
	var db *mongo.Database
	var tierStore services.TierStore
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		db, err = database.Connect(connectCtx, cfg.MongoURI)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		tierStore = repository.NewTierRepository(db)
	}

	hub := websocket.NewHub(logger, cfg.AllowedOrigins)
	if err := hub.Start(); err != nil {
		log.WithError(err).Fatal("failed to start metrics hub")
	}
	opts = append(opts, ratelimit.WithSnapshotHandler(func(snapshot ratelimit.SystemMetricsSnapshot) {
		if err := hub.Publish(snapshot); err != nil && !errors.Is(err, websocket.ErrHubStopped) {
			log.WithError(err).Debug("dropped metrics snapshot")
		}
	}))

	limiter, err := ratelimit.New(policy, opts...)
	if err != nil {
		log.WithError(err).Fatal("failed to build rate limiter")
	}
	limiter.Start(ctx)

	policies := services.NewPolicyService(limiter, tierStore, cfg.PolicyFile, logger)
	if policies.TierStoreEnabled() {
		if count, err := policies.ReloadTiers(ctx); err != nil {
			log.WithError(err).Warn("failed to load tier assignments, continuing with policy tiers")
		} else {
			log.WithField("count", count).Info("tier assignments loaded")
		}
	}

	var jwtUtil *jwt.JWTUtil
	if cfg.JWTSecret != "" {
		jwtUtil = jwt.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpiry)
	} else {
		log.Warn("JWT_SECRET not set, bearer tokens will not raise client tiers")
	}
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, admin API is disabled")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	err = routes.SetupRoutes(router, routes.Dependencies{
		Config:   cfg,
		Limiter:  limiter,
		Policies: policies,
		JWT:      jwtUtil,
		DB:       db,
		Redis:    redisClient,
		Hub:      hub,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to set up routes")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{
			"port":     cfg.Port,
			"strategy": policy.DefaultStrategy(),
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown incomplete")
	}

	limiter.Stop()
	if err := hub.Stop(); err != nil {
		log.WithError(err).Warn("metrics hub shutdown failed")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("redis close failed")
		}
	}
	if db != nil {
		if err := database.Disconnect(db.Client()); err != nil {
			log.WithError(err).Warn("mongodb disconnect failed")
		}
	}
	log.Info("server stopped")
}
