package service

import (
	"context"
	"errors"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/metrics"
	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/SergeiKhy/site-analytics/internal/repository"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	applyTimeout    = 5 * time.Second
	applyRetryDelay = 100 * time.Millisecond
)

// Aggregator применяет события к дневным счётчикам ровно один раз на ID.
type Aggregator interface {
	ApplyEvent(ctx context.Context, event *models.Event, geo models.GeoLocation) models.EventResult
	GetPageViewCounter(ctx context.Context, pageURL string, date time.Time) (*models.PageViewCounter, error)
	GetGeoCounter(ctx context.Context, region, city string, date time.Time) (*models.GeographicCounter, error)
	GetVisitorStats(ctx context.Context, date time.Time) (*models.VisitorStatsCounter, error)
}

type aggregator struct {
	counterRepo repository.CounterRepository
	recent      *cache.Cache // недавно применённые ID, быстрый путь перед журналом
	logger      *zap.Logger
}

// NewAggregator создаёт агрегатор. dedupTTL задаёт, сколько ID держится в локальном кэше;
// авторитетной остаётся проверка по журналу в БД.
func NewAggregator(counterRepo repository.CounterRepository, dedupTTL time.Duration, logger *zap.Logger) Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}
	return &aggregator{
		counterRepo: counterRepo,
		recent:      cache.New(dedupTTL, 2*dedupTTL),
		logger:      logger,
	}
}

// ApplyEvent применяет одно событие. Повторная доставка того же ID не меняет счётчики
// и возвращает OutcomeDuplicate. Index результата заполняет вызывающий.
func (a *aggregator) ApplyEvent(ctx context.Context, event *models.Event, geo models.GeoLocation) models.EventResult {
	result := models.EventResult{ID: event.ID}

	if _, found := a.recent.Get(event.ID); found {
		result.Outcome = models.OutcomeDuplicate
		metrics.EventsProcessed.WithLabelValues(string(result.Outcome)).Inc()
		return result
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = a.apply(ctx, event, geo)
		if err == nil || errors.Is(err, repository.ErrDuplicateEvent) || ctx.Err() != nil {
			break
		}
		if i < maxRetries-1 {
			a.logger.Debug("Повторная попытка применения события",
				zap.String("event_id", event.ID),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			if !waitRetry(ctx, time.Duration(i+1)*applyRetryDelay) {
				break
			}
		}
	}

	switch {
	case err == nil:
		result.Outcome = models.OutcomeApplied
		a.recent.SetDefault(event.ID, struct{}{})
	case errors.Is(err, repository.ErrDuplicateEvent):
		result.Outcome = models.OutcomeDuplicate
		a.recent.SetDefault(event.ID, struct{}{})
	default:
		result.Outcome = models.OutcomeFailed
		result.Error = "storage unavailable"
		a.logger.Error("Не удалось применить событие после всех попыток",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}

	metrics.EventsProcessed.WithLabelValues(string(result.Outcome)).Inc()
	return result
}

func (a *aggregator) apply(ctx context.Context, event *models.Event, geo models.GeoLocation) error {
	ctx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}()

	return a.counterRepo.ApplyEvent(ctx, event, geo)
}

func (a *aggregator) GetPageViewCounter(ctx context.Context, pageURL string, date time.Time) (*models.PageViewCounter, error) {
	return a.counterRepo.GetPageViewCounter(ctx, pageURL, date)
}

func (a *aggregator) GetGeoCounter(ctx context.Context, region, city string, date time.Time) (*models.GeographicCounter, error) {
	return a.counterRepo.GetGeoCounter(ctx, region, city, date)
}

func (a *aggregator) GetVisitorStats(ctx context.Context, date time.Time) (*models.VisitorStatsCounter, error) {
	return a.counterRepo.GetVisitorStats(ctx, date)
}

// waitRetry ждёт паузу перед повтором. false означает, что запрос отменён.
func waitRetry(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
