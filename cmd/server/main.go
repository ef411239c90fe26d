package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/csms/internal/api/handlers"
	"github.com/langchou/csms/internal/auth"
	"github.com/langchou/csms/internal/config"
	"github.com/langchou/csms/internal/metrics"
	"github.com/langchou/csms/internal/repository"
	"github.com/langchou/csms/internal/service"
	"github.com/langchou/csms/internal/transport"
	"github.com/langchou/csms/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting CSMS",
		zap.String("ocpp_port", cfg.OCPPPort),
		zap.String("api_port", cfg.APIPort),
		zap.String("store", cfg.StoreDriver))

	// 收到 SIGINT/SIGTERM 时取消
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 连接存储
	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	if db != nil {
		defer db.Close()
	}

	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool
	}
	metrics.Init(pool)

	// 授权
	authorizer, err := newAuthorizer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load id tag list", zap.Error(err))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()
	defer wsHub.Stop()

	// 创建中心系统
	central := service.NewCentralSystem(service.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessTolerance: cfg.LivenessTolerance,
		CallTimeout:       cfg.CallTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		CloseGrace:        cfg.ShutdownGrace,
	}, store, authorizer, wsHub, logger)

	wsHub.SetInitDataProvider(func() *ws.InitData {
		initCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		cps, err := store.ListChargePoints(initCtx)
		if err != nil {
			logger.Warn("Failed to load charge points for dashboard", zap.Error(err))
		}
		return &ws.InitData{ChargePoints: cps, Sessions: central.Sessions()}
	})

	// OCPP 服务
	ocppServer := &http.Server{
		Addr: ":" + cfg.OCPPPort,
		Handler: transport.NewServer(central, transport.Config{
			PingInterval: cfg.WSPingInterval,
			WriteTimeout: cfg.WSWriteTimeout,
		}, logger),
	}

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	var apiMiddleware []gin.HandlerFunc
	if cfg.APIJWTSecret != "" {
		apiMiddleware = append(apiMiddleware, handlers.AuthMiddleware([]byte(cfg.APIJWTSecret)))
	} else {
		logger.Warn("API_JWT_SECRET not set, REST API is unauthenticated")
	}
	handlers.NewHandler(logger, store, central, wsHub).RegisterRoutes(router, apiMiddleware...)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("OCPP server started", zap.String("addr", ocppServer.Addr))
		if err := ocppServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ocpp server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("API server started", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdown(ocppServer, apiServer, central, cfg, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}

// shutdown 先停止接入新连接，再关闭会话，最后关闭 REST
func shutdown(ocppServer, apiServer *http.Server, central *service.CentralSystem, cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// 已升级的 WebSocket 连接不受 Shutdown 影响，由 central.Shutdown 关闭
	if err := ocppServer.Shutdown(ctx); err != nil {
		logger.Error("OCPP server forced to shutdown", zap.Error(err))
	}
	if err := central.Shutdown(ctx); err != nil {
		logger.Error("Failed to close sessions", zap.Error(err))
	}
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Error("API server forced to shutdown", zap.Error(err))
	}
}

// openStore 根据 STORE_DRIVER 创建存储
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, *repository.DB, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("Using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(), nil, nil
	}

	db, err := repository.New(ctx, repository.PoolConfig{
		URL:             cfg.PostgresURL(),
		MinConns:        int32(cfg.DBPoolMin),
		MaxConns:        int32(cfg.DBPoolMax),
		ConnectAttempts: cfg.DBConnectAttempts,
		ConnectDelay:    cfg.DBConnectDelay,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Database migrated successfully")

	return repository.NewGateway(db), db, nil
}

// newAuthorizer 有标签文件时按名单授权，否则全部接受
func newAuthorizer(cfg *config.Config, logger *zap.Logger) (auth.Authorizer, error) {
	if cfg.AuthTagsFile == "" {
		logger.Info("AUTH_TAGS_FILE not set, accepting all id tags")
		return auth.AcceptAll{}, nil
	}
	tags, err := auth.LoadTagList(cfg.AuthTagsFile, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded id tag list", zap.String("file", cfg.AuthTagsFile), zap.Int("tags", tags.Len()))
	return tags, nil
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
