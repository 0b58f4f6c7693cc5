package service

import (
	"context"
	"errors"
	"hash/fnv"
	"net"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/metrics"
	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/SergeiKhy/site-analytics/internal/repository"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// fallbackLocations короткий список правдоподобных регионов. Используется для приватных
// адресов и при любом отказе провайдера, чтобы агрегация всегда получала местоположение.
var fallbackLocations = []models.GeoLocation{
	{Country: "United States", Region: "California", City: "San Francisco"},
	{Country: "United States", Region: "New York", City: "New York"},
	{Country: "Germany", Region: "Berlin", City: "Berlin"},
	{Country: "United Kingdom", Region: "England", City: "London"},
	{Country: "Japan", Region: "Tokyo", City: "Tokyo"},
	{Country: "Singapore", Region: "Singapore", City: "Singapore"},
	{Country: "Australia", Region: "New South Wales", City: "Sydney"},
}

// GeoEnricher определяет грубое местоположение запроса. Никогда не возвращает ошибку:
// точность геолокации не влияет на приём события.
type GeoEnricher interface {
	Resolve(ctx context.Context, ip string) models.GeoLocation
}

// GeoEnricherConfig параметры обогащения
type GeoEnricherConfig struct {
	Timeout           time.Duration // бюджет на один запрос к провайдеру
	RequestsPerMinute int           // квота провайдера
	CacheTTL          time.Duration
}

type geoEnricher struct {
	provider GeoProvider
	cache    repository.GeoCacheRepository
	config   GeoEnricherConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[*models.GeoLocation]
	logger   *zap.Logger
}

// NewGeoEnricher создаёт обогатитель. cache может быть nil.
func NewGeoEnricher(provider GeoProvider, cache repository.GeoCacheRepository, config GeoEnricherConfig, logger *zap.Logger) GeoEnricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 1500 * time.Millisecond
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 45
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 24 * time.Hour
	}

	breaker := gobreaker.NewCircuitBreaker[*models.GeoLocation](gobreaker.Settings{
		Name:        "geo-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Смена состояния circuit breaker провайдера геолокации",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.GeoBreakerState.Set(breakerStateValue(to))
		},
	})

	return &geoEnricher{
		provider: provider,
		cache:    cache,
		config:   config,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), config.RequestsPerMinute),
		breaker:  breaker,
		logger:   logger,
	}
}

// Resolve возвращает местоположение для IP. Приватные адреса, таймауты, ошибки и
// исчерпание квоты приводят к детерминированному выбору из короткого списка.
func (e *geoEnricher) Resolve(ctx context.Context, ip string) models.GeoLocation {
	parsed := net.ParseIP(ip)
	if parsed == nil || isPrivateIP(parsed) {
		return e.fallback(ip, "private")
	}

	if e.cache != nil {
		if geo, err := e.cache.Get(ctx, ip); err == nil {
			metrics.GeoLookups.WithLabelValues(models.GeoSourceCache, "hit").Inc()
			return *geo
		} else if !errors.Is(err, repository.ErrCacheMiss) {
			e.logger.Debug("Кэш геолокации недоступен", zap.Error(err))
		}
	}

	if e.provider == nil {
		return e.fallback(ip, "no_provider")
	}

	if !e.limiter.Allow() {
		return e.fallback(ip, "quota")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	geo, err := e.breaker.Execute(func() (*models.GeoLocation, error) {
		return e.provider.Lookup(lookupCtx, ip)
	})
	if err != nil || geo == nil || geo.IsZero() {
		reason := "error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		case errors.Is(err, ErrGeoQuota):
			reason = "quota"
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			reason = "breaker_open"
		}
		e.logger.Debug("Провайдер геолокации не ответил, используем запасной регион",
			zap.String("ip", ip),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return e.fallback(ip, reason)
	}

	metrics.GeoLookups.WithLabelValues(models.GeoSourceProvider, "ok").Inc()

	if e.cache != nil {
		// Кэш не обязателен, ошибка записи не влияет на результат
		if err := e.cache.Set(ctx, ip, geo, e.config.CacheTTL); err != nil {
			e.logger.Debug("Не удалось закэшировать геолокацию", zap.Error(err))
		}
	}

	return *geo
}

func (e *geoEnricher) fallback(ip, reason string) models.GeoLocation {
	metrics.GeoLookups.WithLabelValues(models.GeoSourceFallback, reason).Inc()
	return FallbackLocation(ip)
}

// FallbackLocation детерминированно выбирает регион из короткого списка по хэшу IP:
// один и тот же адрес всегда попадает в один регион.
func FallbackLocation(ip string) models.GeoLocation {
	h := fnv.New32a()
	h.Write([]byte(ip))
	geo := fallbackLocations[h.Sum32()%uint32(len(fallbackLocations))]
	geo.Source = models.GeoSourceFallback
	return geo
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
