package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/auth"
	"github.com/mossy-p/consult-signaling/internal/handlers"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	st, err := openStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	gateway := signaling.NewGateway(signaling.Options{
		Store:          st,
		Logger:         log.Named("signaling"),
		RingTimeout:    cfg.RingTimeout,
		PersistTimeout: cfg.PersistTimeout,
	})
	verifier := auth.NewVerifier(cfg.JWTSecret)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(cfg, gateway, verifier, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting consultation signaling server",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.Store.Driver),
			zap.Duration("ringTimeout", cfg.RingTimeout))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown; closing
	// the gateway closes their outboxes so the pumps unwind
	gateway.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func newRouter(cfg *config.Config, gateway *signaling.Gateway, verifier *auth.Verifier, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log.Named("http")))

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	rooms := handlers.NewRooms(gateway)
	apiGroup := router.Group("/api", middleware.JWTAuth(verifier))
	{
		apiGroup.GET("/rooms/:roomId", rooms.GetRoom)
		apiGroup.GET("/presence/:userId", rooms.GetPresence)
	}

	sig := handlers.NewSignaling(gateway, verifier, cfg.SendBuffer, log.Named("ws"))
	router.GET("/ws/signal", sig.HandleSignaling)

	return router
}

func openStore(cfg config.StoreConfig, log *zap.Logger) (store.ConsultationStore, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		log.Warn("using in-memory consultation store; statuses are lost on restart")
		return store.NewMemoryStore(), nil
	case config.StoreSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite consultation store opened", zap.String("path", cfg.SQLitePath))
		return s, nil
	case config.StoreRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info("redis connection established", zap.String("host", cfg.Redis.Host), zap.Int("db", cfg.Redis.DB))
		return store.NewRedisStore(rdb), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.IsProduction() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
