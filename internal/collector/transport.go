package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	// ErrRetryable временный сбой: пакет остаётся в очереди
	ErrRetryable = errors.New("collector: retryable delivery failure")
	// ErrDiscarded сервер отверг пакет как некорректный, повтор бессмысленен
	ErrDiscarded = errors.New("collector: batch discarded by server")
)

// Transport доставка пакетов на сервер
type Transport interface {
	// Send отправляет пакет и ждёт ответа. Ошибка оборачивает ErrRetryable или ErrDiscarded.
	Send(ctx context.Context, batch []models.Event) error
	// SendBeacon отправляет пакет без ожидания ответа. true означает, что отправка начата.
	SendBeacon(batch []models.Event) bool
}

// HTTPTransport доставка через POST /track
type HTTPTransport struct {
	endpoint      string
	client        *http.Client
	beaconTimeout time.Duration
	logger        *zap.Logger

	beacons sync.WaitGroup
}

func NewHTTPTransport(endpoint string, sendTimeout, beaconTimeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		endpoint:      endpoint,
		client:        &http.Client{Timeout: sendTimeout},
		beaconTimeout: beaconTimeout,
		logger:        logger,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, batch []models.Event) error {
	body, err := json.Marshal(models.Batch{BatchEvents: batch})
	if err != nil {
		return fmt.Errorf("%w: encode batch: %v", ErrDiscarded, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDiscarded, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode)
}

// classifyStatus 2xx успех, 429 и 5xx временные сбои, прочие 4xx отказ
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: server returned %d", ErrRetryable, code)
	default:
		return fmt.Errorf("%w: server returned %d", ErrDiscarded, code)
	}
}

// SendBeacon отправляет пакет в фоне с коротким таймаутом. Результат не отслеживается:
// пакет считается принятым с момента отправки.
func (t *HTTPTransport) SendBeacon(batch []models.Event) bool {
	body, err := json.Marshal(models.Batch{BatchEvents: batch})
	if err != nil {
		t.logger.Warn("Не удалось закодировать пакет для beacon", zap.Error(err))
		return false
	}

	t.beacons.Add(1)
	go func() {
		defer t.beacons.Done()

		ctx, cancel := context.WithTimeout(context.Background(), t.beaconTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

		resp, err := t.client.Do(req)
		if err != nil {
			t.logger.Debug("Beacon не доставлен", zap.Int("batch_size", len(batch)), zap.Error(err))
			return
		}
		resp.Body.Close()
	}()

	return true
}

// Close ждёт завершения отправленных beacon
func (t *HTTPTransport) Close() error {
	t.beacons.Wait()
	return nil
}
