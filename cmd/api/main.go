package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/config"
	"github.com/SergeiKhy/site-analytics/internal/handler"
	"github.com/SergeiKhy/site-analytics/internal/middleware"
	"github.com/SergeiKhy/site-analytics/internal/repository"
	"github.com/SergeiKhy/site-analytics/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Загрузка конфига
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	logger := newLogger(cfg.App.Env)
	defer logger.Sync()

	if cfg.App.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Подключение к БД (postgres)
	db, err := repository.NewPostgresDB(cfg.DB)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureSchema(schemaCtx); err != nil {
		cancel()
		logger.Fatal("Failed to apply counter schema", zap.Error(err))
	}
	cancel()
	logger.Info("Connected to PostgreSQL")

	// Подключение к Redis (кэш геолокации)
	var geoCache repository.GeoCacheRepository
	redis, err := repository.NewRedisClient(cfg.Redis)
	if err != nil {
		// Без кэша геолокация работает, но расходует квоту провайдера
		logger.Warn("Redis unavailable, geo cache disabled", zap.Error(err))
	} else {
		defer redis.Close()
		geoCache = repository.NewGeoCacheRepository(redis)
		logger.Info("Connected to Redis")
	}

	// Архив сырых событий в ClickHouse (опционально)
	var archiveProcessor service.ArchiveProcessor
	if cfg.ClickHouse.Enabled() {
		ch, err := repository.NewClickHouseClient(cfg.ClickHouse)
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()

		archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := ch.EnsureArchiveSchema(archiveCtx); err != nil {
			cancel()
			logger.Fatal("Failed to apply archive schema", zap.Error(err))
		}
		cancel()

		archiveProcessor = service.NewArchiveProcessor(repository.NewEventArchive(ch), logger)
		archiveProcessor.Start()
		defer archiveProcessor.Stop()
		logger.Info("Connected to ClickHouse, event archive enabled")
	}

	// Инициализация репозиториев и сервисов
	counterRepo := repository.NewCounterRepository(db)

	geoEnricher := service.NewGeoEnricher(
		service.NewIPAPIProvider(cfg.Geo.ProviderURL),
		geoCache,
		service.GeoEnricherConfig{
			Timeout:           cfg.Geo.Timeout,
			RequestsPerMinute: cfg.Geo.RequestsPerMinute,
			CacheTTL:          cfg.Geo.CacheTTL,
		},
		logger,
	)

	aggregator := service.NewAggregator(counterRepo, cfg.Ledger.DedupCacheTTL, logger)
	trackService := service.NewTrackService(aggregator, geoEnricher, archiveProcessor, cfg.Ledger.Retention, logger)

	// Очистка журнала идемпотентности
	janitor := service.NewLedgerJanitor(counterRepo, cfg.Ledger.Retention, cfg.Ledger.CleanupInterval, logger)
	janitor.Start()
	defer janitor.Stop()

	// Инициализация middleware
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.RateLimit.BurstSize,
		CleanupInterval:   time.Minute,
	})
	defer rateLimiter.Stop()

	if len(cfg.Auth.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty, /metrics is not accessible")
	}

	// Настройка роутера
	router := handler.NewRouter(trackService, rateLimiter, cfg.Cookie, cfg.Auth.APIKeys, logger)

	// Запуск сервера
	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск в горутине
	go func() {
		logger.Info("Server starting", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	return logger
}
