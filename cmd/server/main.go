package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/carsync/internal/api/handlers"
	"github.com/langchou/carsync/internal/api/smartcar"
	"github.com/langchou/carsync/internal/auth"
	"github.com/langchou/carsync/internal/config"
	"github.com/langchou/carsync/internal/limiter"
	"github.com/langchou/carsync/internal/models"
	"github.com/langchou/carsync/internal/repository"
	"github.com/langchou/carsync/internal/service"
	"github.com/langchou/carsync/internal/state"
	"github.com/langchou/carsync/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志：主日志与 API 流量日志分开控制级别
	logger := initLogger(cfg.Debug, cfg.LogLevel)
	defer logger.Sync()
	apiLogger := initLogger(cfg.Debug, cfg.APILogLevel).Named("smartcar")
	defer apiLogger.Sync()

	logger.Info("Starting Carsync", zap.String("port", cfg.ServerPort))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	vehicleRepo := repository.NewVehicleRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	sampleRepo := repository.NewSampleRepository(db)

	// 创建 Smartcar API 客户端
	clientID, clientSecret := resolveCredentials(logger, cfg)
	client := smartcar.NewClient(
		cfg.SmartcarAuthHost,
		cfg.SmartcarAPIHost,
		clientID,
		clientSecret,
		apiLogger,
	)

	// 令牌存储：数据库 > 文件，都没有则等待外部提供
	tokens := auth.NewStore(logger, client, tokenRepo, cfg.TokenRefreshMargin)
	if err := loadToken(ctx, cfg, tokenRepo, tokens); err != nil {
		logger.Warn("No existing token found, waiting for provisioning via POST /api/auth/token", zap.Error(err))
	}

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)

	// 组装轮询引擎
	probe := service.NewProbe(logger, client, vehicleRepo, cfg.ProbeEveryCycles)
	if handles, err := vehicleRepo.ListVehicles(ctx); err != nil {
		logger.Warn("Failed to restore vehicle handles", zap.Error(err))
	} else {
		probe.Restore(handles)
	}

	normalizer := service.NewNormalizer(logger)
	lim := limiter.New(logger, limiter.Config{
		Base:           cfg.BackoffBase,
		Max:            cfg.BackoffMax,
		ServerErrorMax: cfg.ServerErrorBackoffMax,
		JitterFraction: 0.1,
	})
	states := state.NewManager(func(vehicleID, from, to string) {
		logger.Info("Vehicle state changed",
			zap.String("vehicle_id", vehicleID),
			zap.String("from", from),
			zap.String("to", to))
		wsHub.BroadcastStatusUpdate(map[string]string{
			"vehicle_id": vehicleID, "from": from, "to": to,
		})
	})

	var connector *service.Connector
	scheduler := service.NewScheduler(
		logger,
		service.SchedulerConfig{
			Interval:            cfg.Interval,
			FetchConcurrency:    cfg.FetchConcurrency,
			DegradedThreshold:   cfg.DegradedThreshold,
			DegradedFactor:      cfg.DegradedFactor,
			AccountRetryDefault: cfg.AccountRetryDefault,
		},
		client,
		tokens,
		probe,
		normalizer,
		lim,
		states,
		service.SinkFunc(func(sample *models.TelemetrySample) {
			connector.Publish(sample)
		}),
	)
	connector = service.NewConnector(logger, scheduler, probe, states, tokens, sampleRepo, wsHub)
	connector.Start()

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(logger, connector, tokens, sampleRepo, wsHub)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// 停止连接器，进行中请求的结果被丢弃
	connector.Shutdown()

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool, level string) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, _ := config.Build()
	return logger
}

// resolveCredentials 解析客户端凭证：环境变量 > netrc 文件
func resolveCredentials(logger *zap.Logger, cfg *config.Config) (string, string) {
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		return cfg.ClientID, cfg.ClientSecret
	}

	path := cfg.NetrcPath
	if path == "" {
		path = auth.DefaultNetrcPath()
	}
	machine, err := auth.ReadNetrc(path, "Smartcar")
	if err != nil {
		logger.Warn("No client credentials configured", zap.Error(err))
		return cfg.ClientID, cfg.ClientSecret
	}
	logger.Info("Loaded client credentials from netrc", zap.String("path", path))
	return machine.Login, machine.Password
}

// loadToken 加载令牌：数据库优先，其次本地文件
func loadToken(ctx context.Context, cfg *config.Config, tokenRepo *repository.TokenRepository, tokens *auth.Store) error {
	if token, err := tokenRepo.LoadToken(ctx); err == nil && token != nil {
		tokens.SetToken(token)
		return nil
	}

	data, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return err
	}

	var token smartcar.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return err
	}

	tokens.SetToken(&token)
	return nil
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
