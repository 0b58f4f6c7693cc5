package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig конфигурация rate limiter
type RateLimiterConfig struct {
	RequestsPerSecond float64       // Количество запросов в секунду
	BurstSize         int           // Максимальный размер burst
	CleanupInterval   time.Duration // Интервал очистки неактивных клиентов
	// KeyFunc определяет ключ клиента; по умолчанию IP
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimiterConfig конфигурация по умолчанию. Коллектор шлёт пакеты
// не чаще раза в 30 секунд, поэтому лимит рассчитан на несколько вкладок с одного IP.
var DefaultRateLimiterConfig = RateLimiterConfig{
	RequestsPerSecond: 10,
	BurstSize:         20,
	CleanupInterval:   time.Minute,
}

// client представляет rate limiter для одного ключа
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter ограничение запросов по алгоритму Token Bucket
type RateLimiter struct {
	config  RateLimiterConfig
	clients map[string]*client
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter создаёт rate limiter и запускает фоновую очистку
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig.CleanupInterval
	}
	if config.KeyFunc == nil {
		config.KeyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}

	rl := &RateLimiter{
		config:  config,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop останавливает фоновую очистку
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup удаляет клиентов, которые не были активны три интервала подряд
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, c := range rl.clients {
		if time.Since(c.lastSeen) > rl.config.CleanupInterval*3 {
			delete(rl.clients, key)
		}
	}
}

// Len количество отслеживаемых клиентов
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if c, exists := rl.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
	rl.clients[key] = &client{
		limiter:  limiter,
		lastSeen: time.Now(),
	}

	return limiter
}

// Middleware возвращает Gin middleware. При превышении лимита отвечает 429 с Retry-After:
// коллектор считает 429 временной ошибкой и оставит пакет в очереди.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(rl.config.KeyFunc(c))

		if !limiter.Allow() {
			retryAfter := int(math.Ceil(1 / math.Max(rl.config.RequestsPerSecond, 0.001)))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Слишком много запросов, попробуйте позже",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
