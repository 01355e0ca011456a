// Command cliprr runs the episode intro/credits/stinger detection engine:
// the worker pool that drains the six processing queues, the recovery
// supervisor that reconciles store and broker state, and the read-only
// status/health HTTP surface.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"cliprr/internal/catalog"
	"cliprr/internal/cleanup"
	"cliprr/internal/config"
	"cliprr/internal/detector"
	"cliprr/internal/fingerprint"
	"cliprr/internal/fpstore"
	"cliprr/internal/httpapi"
	"cliprr/internal/jobstore"
	"cliprr/internal/procrunner"
	"cliprr/internal/progressbus"
	"cliprr/internal/queue"
	"cliprr/internal/recovery"
	"cliprr/internal/settingsstore"
	"cliprr/internal/stage"
	"cliprr/internal/tempstore"
	"cliprr/internal/workerpool"
)

const decodeSemaphoreKey = "cliprr:decode:sem"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	cfg := config.Load()
	log.WithFields(logrus.Fields{
		"http_addr":  cfg.HTTPAddr,
		"redis_addr": cfg.RedisAddr,
	}).Info("starting cliprr")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database connection")
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}
	log.Info("database connection established")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	redisCtx, redisCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer redisCancel()
	if err := rdb.Ping(redisCtx).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()
	log.Info("redis connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores, in dependency order.
	catalogStore := catalog.New(db)
	jobStore := jobstore.New(db, log)
	fpStore := fpstore.New(db)
	settingsStore := settingsstore.New(db, log)

	if err := catalogStore.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure catalog schema")
	}
	if err := jobStore.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure job store schema")
	}
	if err := fpStore.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to ensure fingerprint store schema")
	}
	if err := settingsStore.EnsureSchema(); err != nil {
		log.WithError(err).Fatal("failed to ensure settings schema")
	}

	tempDir, err := settingsStore.TempDir()
	if err != nil {
		log.WithError(err).Fatal("failed to read temp_dir setting")
	}
	if tempDir == "" {
		tempDir = cfg.TempDir
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create temp dir")
	}
	tempStore := tempstore.New(tempDir)

	cpuLimit, err := settingsStore.CPUWorkerLimit()
	if err != nil {
		log.WithError(err).Fatal("failed to read cpu_worker_limit setting")
	}

	sem := procrunner.NewSemaphore(rdb, decodeSemaphoreKey, cpuLimit, log)
	if err := sem.Init(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize decode semaphore")
	}
	runner := procrunner.New(sem, log)

	progressBus := progressbus.New(rdb, log)

	extractor := fingerprint.New(runner, tempStore, fpStore, progressBus,
		cfg.FFmpegPath, cfg.FFprobePath, cfg.FingerprinterPath, log)
	seasonDetector := detector.New(fpStore, jobStore, settingsStore, log)
	episodeStage := stage.New(catalogStore, jobStore, extractor, seasonDetector, log)

	broker := queue.New(rdb, log)
	recoverySupervisor := recovery.New(jobStore, broker, log)
	cleanupCoordinator := cleanup.New(jobStore, catalogStore, broker, tempStore, fpStore, log)

	concurrency := workerpool.NewSettingsConcurrency(settingsStore)
	pool := workerpool.New(broker, episodeStage, cleanupCoordinator, progressBus, concurrency, log)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	api := httpapi.New(db, jobStore, broker, recoverySupervisor, log)
	api.RegisterRoutes(router)

	pool.Start(ctx)
	go recoverySupervisor.Run(ctx)
	go func() {
		if err := progressBus.Listen(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("progress bus listener stopped")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("cliprr http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("shutting down cliprr")

	cancel() // stop worker pool, recovery supervisor, progress bus listener

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server forced to shutdown")
	}

	log.Info("cliprr stopped")
}

// requestLogger returns a Gin middleware that logs each request.
func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		entry := log.WithFields(logrus.Fields{
			"status":  status,
			"method":  c.Request.Method,
			"path":    path,
			"query":   query,
			"latency": fmt.Sprintf("%dms", latency.Milliseconds()),
			"ip":      c.ClientIP(),
		})

		switch {
		case status >= 500:
			entry.Error("server error")
		case status >= 400:
			entry.Warn("client error")
		default:
			entry.Info("request")
		}
	}
}
