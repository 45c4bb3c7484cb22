package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/parking_backend/config"
	"github.com/mmdatafocus/parking_backend/erpsync"
	"github.com/mmdatafocus/parking_backend/middlewares"
	"github.com/mmdatafocus/parking_backend/models"
	"github.com/mmdatafocus/parking_backend/softone"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("ERP_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// filled in once the database is reachable; requests get 503 until then
	api := &erpsync.API{}
	var ready atomic.Bool

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", middlewares.SyncSecretHeader, middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationHeader)

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.RequestLogMiddleware(logger))
	r.Use(gin.Recovery())

	api.RegisterRoutes(r, middlewares.SyncSecretMiddleware(""))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.EnvBoolDefault("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.GetSyncSettings()
	var locker erpsync.Locker
	var client erpsync.ERPClient = softone.NewClient()
	if strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != "" {
		config.ConnectRedisWithRetry()
		locker = erpsync.RedisLocker{Client: config.GetRedisLock()}
		client = erpsync.NewCachedClient(client, erpsync.RedisSessionCache{}, settings.SessionTTL, logger)
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("REDIS_ADDRESS not set; using in-process integration lock")
		locker = erpsync.NewMemoryLocker()
	}

	registry, err := erpsync.NewRegistry(db)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "registry"}).Fatal(err)
	}
	runLog := erpsync.GormRunLog{DB: db}
	configs := erpsync.GormConfigSource{DB: db}
	ctl := erpsync.NewController(erpsync.Deps{
		Configs:  configs,
		Entities: registry,
		Client:   client,
		Locker:   locker,
		Runs:     runLog,
		Progress: runLog,
		Settings: settings,
		Logger:   logger,
	})

	api.DB = db
	api.Registry = registry
	api.Controller = ctl

	if config.EnvBoolDefault("ERP_SYNC_SCHEDULER", true) {
		sched := erpsync.NewScheduler(configs, erpsync.DefaultDispatch(ctl))
		if err := sched.Start(sigCtx); err != nil {
			config.LogError(logger, "main", "main", "start scheduler", nil, err)
		}
		api.Scheduler = sched
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}
	ready.Store(true)
	logger.WithFields(logrus.Fields{"field": "server", "port": port}).Info("erp sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
