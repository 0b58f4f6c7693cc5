package collector

import (
	"context"
	"errors"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrCircuitOpen отправка отключена до следующей загрузки страницы
var ErrCircuitOpen = errors.New("collector: delivery circuit open")

// pageLifetime срок, на который размыкается breaker: до конца жизни страницы
const pageLifetime = 100 * 365 * 24 * time.Hour

// DeliveryState состояние одной попытки доставки
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateSent
	StateFailedRetryable
	StateFailedDiscarded
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFailedDiscarded:
		return "failed_discarded"
	default:
		return "unknown"
	}
}

// Attempt итог попытки доставки пакета
type Attempt struct {
	State     DeliveryState
	BatchSize int
	Err       error
}

// Delivery машина состояний доставки: Pending -> Sent | FailedRetryable | FailedDiscarded.
// После threshold подряд идущих временных сбоев breaker размыкается до конца жизни страницы.
type Delivery struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker[struct{}]
	timeout   time.Duration
	logger    *zap.Logger
}

func NewDelivery(transport Transport, threshold int, timeout time.Duration, logger *zap.Logger) *Delivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threshold <= 0 {
		threshold = 3
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "collector-delivery",
		MaxRequests: 1,
		Timeout:     pageLifetime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// Отказ сервера по формату не говорит о деградации канала
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDiscarded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Смена состояния доставки",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("state", to.String()),
			)
		},
	})

	return &Delivery{
		transport: transport,
		breaker:   breaker,
		timeout:   timeout,
		logger:    logger,
	}
}

// Deliver выполняет одну попытку обычной доставки
func (d *Delivery) Deliver(ctx context.Context, batch []models.Event) Attempt {
	attempt := Attempt{State: StatePending, BatchSize: len(batch)}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	_, err := d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.transport.Send(ctx, batch)
	})

	switch {
	case err == nil:
		attempt.State = StateSent
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		attempt.State = StateFailedRetryable
		attempt.Err = ErrCircuitOpen
	case errors.Is(err, ErrDiscarded):
		attempt.State = StateFailedDiscarded
		attempt.Err = err
	default:
		attempt.State = StateFailedRetryable
		attempt.Err = err
	}

	return attempt
}

// Beacon отправляет пакет без ожидания ответа. При разомкнутом breaker не отправляет.
func (d *Delivery) Beacon(batch []models.Event) bool {
	if d.CircuitOpen() {
		return false
	}
	return d.transport.SendBeacon(batch)
}

// CircuitOpen сообщает, отключена ли отправка
func (d *Delivery) CircuitOpen() bool {
	return d.breaker.State() == gobreaker.StateOpen
}
