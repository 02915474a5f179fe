package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradewatch/internal/broker"
	"tradewatch/internal/config"
	cronrunner "tradewatch/internal/cron"
	"tradewatch/internal/daemon"
	"tradewatch/internal/db"
	"tradewatch/internal/executor"
	"tradewatch/internal/handler"
	"tradewatch/internal/logger"
	gormrepository "tradewatch/internal/repository/gorm"
	"tradewatch/internal/session"
	"tradewatch/internal/token"
)

func main() {
	cfgPath := os.Getenv("TW_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("TW_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)
	brokerClient := broker.New(broker.Config{
		MarketFeedBase:    cfg.Broker.MarketFeedBase,
		PortfolioFeedBase: cfg.Broker.PortfolioFeedBase,
		Timeout:           cfg.Broker.Timeout,
	})
	tokens := token.NewProvider(token.ProviderOptions{
		Store:  store,
		Broker: brokerClient,
		Logger: logger,
	})

	engine := daemon.New(daemon.Options{
		Store:         store,
		Tokens:        tokens,
		Broker:        brokerClient,
		Executor:      executor.New(store, logger),
		Logger:        logger,
		PollInterval:  cfg.Daemon.PollInterval,
		TimeTolerance: cfg.Daemon.TimeTolerance,
	})
	sessions := session.NewManager(session.ManagerOptions{
		Broker:     brokerClient,
		Handler:    engine,
		Logger:     logger,
		BackoffMax: cfg.Daemon.BackoffMax,
	})
	engine.AttachSessions(sessions)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(router)
	ruleHandler := &handler.RuleHandler{Repo: store}
	ruleHandler.Register(router)
	credsHandler := &handler.BrokerTokenHandler{Repo: store}
	credsHandler.Register(router)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		registerCronJobs(cronRunner, cfg, store, brokerClient, tokens, logger)
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	daemonDone := make(chan struct{})
	go func() {
		defer close(daemonDone)
		engine.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		stop()
	}

	<-daemonDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func registerCronJobs(
	runner *cronrunner.Runner,
	cfg config.Config,
	store *gormrepository.Store,
	brokerClient *broker.Client,
	tokens *token.Provider,
	logger *zap.Logger,
) {
	if _, err := runner.Add(cfg.Cron.ExpireRules, func(ctx context.Context) {
		n, err := store.DisableExpiredRules(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn("disable expired rules failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("disabled expired rules", zap.Int64("count", n))
		}
	}); err != nil {
		logger.Warn("cron register expire rules failed", zap.Error(err))
	}

	if user := cfg.Broker.InstrumentSyncUser; user != "" {
		if _, err := runner.Add(cfg.Cron.InstrumentSync, func(ctx context.Context) {
			apiKey, accessToken, err := tokens.Credentials(ctx, user)
			if err != nil {
				logger.Warn("instrument sync: no usable token", zap.Error(err))
				return
			}
			items, err := brokerClient.Session(apiKey, accessToken).Instruments()
			if err != nil {
				logger.Warn("instrument dump download failed", zap.Error(err))
				return
			}
			if err := store.UpsertInstruments(ctx, items); err != nil {
				logger.Warn("instrument cache update failed", zap.Error(err))
				return
			}
			logger.Info("instrument cache refreshed", zap.Int("count", len(items)))
		}); err != nil {
			logger.Warn("cron register instrument sync failed", zap.Error(err))
		}
	} else {
		logger.Warn("broker.instrument_sync_user unset, instrument cache will not refresh")
	}

	if _, err := runner.Add(cfg.Cron.FireLogRetention, func(ctx context.Context) {
		before := time.Now().UTC().Add(-cfg.Retention.FireLogMaxAge)
		n, err := store.DeleteFiresBefore(ctx, before)
		if err != nil {
			logger.Warn("fire log retention failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("pruned fire logs", zap.Int64("count", n))
		}
	}); err != nil {
		logger.Warn("cron register fire log retention failed", zap.Error(err))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
