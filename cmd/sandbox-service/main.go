package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentbox/internal/common/cache"
	"agentbox/internal/common/db"
	commonmw "agentbox/internal/common/http/middleware"
	"agentbox/internal/common/mq"
	"agentbox/internal/common/storage"
	"agentbox/internal/sandbox/controller"
	"agentbox/internal/sandbox/pool"
	"agentbox/internal/sandbox/repository"
	"agentbox/internal/sandbox/runtime"
	"agentbox/internal/sandbox/service"
	"agentbox/internal/sandbox/workspace"
	"agentbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/sandbox_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	database, err := appCfg.Database.open()
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = database.Close()
	}()
	dbProvider := db.NewStaticProvider(database)

	var redisCache cache.Cache
	if appCfg.Redis.Addr != "" {
		redisClient, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisClient.Close()
		}()
		redisCache = redisClient
	}

	sandboxRepo := repository.NewSandboxRepository(dbProvider, redisCache)

	var producer mq.Producer
	if appCfg.Kafka.IsEnabled() {
		kafkaProducer, err := mq.NewKafkaProducer(appCfg.Kafka.KafkaConfig)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = kafkaProducer.Close()
		}()
		producer = kafkaProducer
	}
	events := service.NewEventPublisher(producer, appCfg.Kafka.LifecycleTopic)

	var objStorage storage.ObjectStorage
	if appCfg.Storage.Endpoint != "" {
		minioStorage, err := storage.NewMinioStorage(appCfg.Storage)
		if err != nil {
			logger.Error(context.Background(), "init object storage failed", zap.Error(err))
			return
		}
		objStorage = minioStorage
	}
	workspaces := workspace.NewManager(&appCfg.Workspace, objStorage)

	dockerRuntime, err := runtime.NewDockerRuntime(appCfg.Docker)
	if err != nil {
		logger.Error(context.Background(), "init docker runtime failed", zap.Error(err))
		return
	}

	sandboxPool := pool.New(appCfg.Sandbox.PoolSize)
	manager := service.NewManager(sandboxRepo, sandboxPool, dockerRuntime, workspaces, events, &service.Config{
		Image:         appCfg.Sandbox.Image,
		IdleTimeout:   appCfg.Sandbox.IdleTimeout,
		CPULimit:      appCfg.Sandbox.CPULimit,
		MemoryLimitMB: appCfg.Sandbox.MemoryLimitMB,
	})

	// Records stranded by an unclean shutdown must be repaired before any
	// request can observe them.
	if err := manager.ReconcileStartup(context.Background()); err != nil {
		logger.Error(context.Background(), "startup reconciliation failed", zap.Error(err))
		return
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := service.NewSweeper(manager, appCfg.Sandbox.SweepInterval)
	go sweeper.Run(sweepCtx)

	httpServer := buildHTTPServer(appCfg.Server, manager)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "sandbox http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	manager.Shutdown(ctx)
}

func buildHTTPServer(cfg ServerConfig, manager *service.Manager) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	sandboxController := controller.NewSandboxController(manager)
	router.GET("/healthz", sandboxController.Health)

	api := router.Group("/api/v1/sandboxes")
	api.POST("/ensure", sandboxController.Ensure)

	adminController := controller.NewAdminSandboxController(manager)
	admin := router.Group("/api/v1/admin/sandboxes")
	admin.GET("", adminController.List)
	admin.GET("/:id", adminController.Get)
	admin.POST("/:id/stop", adminController.Stop)
	admin.POST("/:id/restart", adminController.Restart)
	admin.POST("/:id/rebuild", adminController.Rebuild)
	admin.DELETE("/:id", adminController.Delete)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
