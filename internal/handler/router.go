package handler

import (
	"net/http"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/config"
	"github.com/SergeiKhy/site-analytics/internal/middleware"
	"github.com/SergeiKhy/site-analytics/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func NewRouter(
	trackService service.TrackService,
	rateLimiter *middleware.RateLimiter,
	cookieConfig config.CookieConfig,
	apiKeys map[string]string,
	logger *zap.Logger,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Middleware для логгирования
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})

	router.GET("/health", HealthCheck)

	// Метрики закрыты API ключом
	router.GET("/metrics", middleware.RequireAPIKey(apiKeys), gin.WrapH(promhttp.Handler()))

	trackHandler := NewTrackHandler(trackService, logger)

	// Приём событий: rate limiting и cookie идентичности
	track := router.Group("/track")
	track.Use(rateLimiter.Middleware())
	track.Use(middleware.IdentityCookies(cookieConfig))
	{
		track.POST("", trackHandler.Track)
		track.GET("", trackHandler.Locate)
	}

	return router
}

// HealthCheck проверка живости сервиса
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "site-analytics",
	})
}
