package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/metrics"
	"github.com/SergeiKhy/site-analytics/internal/models"
	"go.uber.org/zap"
)

// Ошибки сервиса
var (
	ErrMalformedPayload = errors.New("некорректное тело запроса")
	ErrEventTooOld      = errors.New("событие старше окна идемпотентности")
)

const (
	maxTimestampDrift      = 5 * time.Minute // допустимое опережение часов клиента
	defaultLedgerRetention = 48 * time.Hour
)

// TrackRequest тело запроса и серверный контекст, в котором оно получено
type TrackRequest struct {
	Body       []byte
	IPAddress  string
	UserAgent  string
	VisitorID  string // из cookie, подставляется в события без идентичности
	SessionID  string
	ReceivedAt time.Time
}

// TrackService приём событий: разбор, нормализация, обогащение и применение к счётчикам
type TrackService interface {
	Track(ctx context.Context, req *TrackRequest) (*models.BatchResult, error)
	Locate(ctx context.Context, ip string) models.GeoLocation
}

type trackService struct {
	aggregator Aggregator
	geo        GeoEnricher
	archive    ArchiveProcessor // nil, если архив отключён
	retention  time.Duration
	logger     *zap.Logger
}

// NewTrackService создаёт новый экземпляр сервиса приёма событий
func NewTrackService(aggregator Aggregator, geo GeoEnricher, archive ArchiveProcessor, retention time.Duration, logger *zap.Logger) TrackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = defaultLedgerRetention
	}
	return &trackService{
		aggregator: aggregator,
		geo:        geo,
		archive:    archive,
		retention:  retention,
		logger:     logger,
	}
}

// Track обрабатывает пакет поэлементно. Ошибка одного события не прерывает остальные.
// ErrMalformedPayload возвращается только если тело не разбирается целиком
// или единственное событие в устаревшем формате невалидно.
func (s *trackService) Track(ctx context.Context, req *TrackRequest) (*models.BatchResult, error) {
	payload, err := models.DecodeTrackPayload(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(payload.Items) > models.MaxBatchEvents {
		return nil, fmt.Errorf("%w: batch exceeds %d events", ErrMalformedPayload, models.MaxBatchEvents)
	}

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	metrics.BatchSize.Observe(float64(len(payload.Items)))

	result := &models.BatchResult{Results: make([]models.EventResult, 0, len(payload.Items))}

	// Геолокация определяется один раз на запрос и только если есть что применять
	var geo *models.GeoLocation

	for i, raw := range payload.Items {
		event, err := models.DecodeEvent(raw)
		if err == nil {
			err = s.normalize(event, req)
		}
		if err != nil {
			if payload.Legacy {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			s.logger.Debug("Событие отклонено", zap.Int("index", i), zap.Error(err))
			metrics.EventsProcessed.WithLabelValues(string(models.OutcomeRejected)).Inc()
			res := models.EventResult{Index: i, Outcome: models.OutcomeRejected, Error: err.Error()}
			if event != nil {
				res.ID = event.ID
			}
			result.Add(res)
			continue
		}

		if geo == nil {
			resolved := s.geo.Resolve(ctx, req.IPAddress)
			geo = &resolved
		}

		res := s.aggregator.ApplyEvent(ctx, event, *geo)
		res.Index = i
		result.Add(res)

		if res.Outcome == models.OutcomeApplied && s.archive != nil {
			_ = s.archive.Submit(ctx, &models.ArchivedEvent{
				Event:      *event,
				Geo:        *geo,
				IPAddress:  req.IPAddress,
				UserAgent:  req.UserAgent,
				ReceivedAt: req.ReceivedAt,
			})
		}
	}

	if result.Failed > 0 {
		s.logger.Warn("Часть событий не применена из-за ошибки хранилища",
			zap.Int("batch_size", len(payload.Items)),
			zap.Int("failed", result.Failed),
		)
	}

	return result, nil
}

// normalize заполняет серверные поля и проверяет событие
func (s *trackService) normalize(event *models.Event, req *TrackRequest) error {
	if event.VisitorID == "" {
		event.VisitorID = req.VisitorID
	}
	if event.SessionID == "" {
		event.SessionID = req.SessionID
	}

	switch {
	case event.Timestamp.IsZero():
		event.Timestamp = req.ReceivedAt
	case event.Timestamp.After(req.ReceivedAt.Add(maxTimestampDrift)):
		event.Timestamp = req.ReceivedAt
	case event.Timestamp.Before(req.ReceivedAt.Add(-s.retention)):
		return ErrEventTooOld
	}
	event.Timestamp = event.Timestamp.UTC()

	if event.ID == "" {
		event.ID = models.DeriveEventID(
			event.Kind, event.PageURL, event.VisitorID, event.SessionID,
			event.Payload, event.Timestamp, models.DefaultIDBucket,
		)
	}

	return event.Validate()
}

// Locate определяет местоположение вызывающего; всегда возвращает значение
func (s *trackService) Locate(ctx context.Context, ip string) models.GeoLocation {
	return s.geo.Resolve(ctx, ip)
}
