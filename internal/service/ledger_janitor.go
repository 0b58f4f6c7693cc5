package service

import (
	"context"
	"sync"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/metrics"
	"github.com/SergeiKhy/site-analytics/internal/repository"
	"go.uber.org/zap"
)

// LedgerJanitor периодически удаляет записи журнала идемпотентности старше окна хранения.
// Окно должно превышать максимальный возраст повторной отправки у клиента,
// иначе поздний повтор будет применён второй раз.
type LedgerJanitor struct {
	counterRepo repository.CounterRepository
	retention   time.Duration
	interval    time.Duration
	logger      *zap.Logger
	now         func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewLedgerJanitor(counterRepo repository.CounterRepository, retention, interval time.Duration, logger *zap.Logger) *LedgerJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LedgerJanitor{
		counterRepo: counterRepo,
		retention:   retention,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
	}
}

// Start запускает фоновую очистку
func (j *LedgerJanitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel

	j.wg.Add(1)
	go j.loop(ctx)
}

// Stop останавливает очистку и ждёт завершения текущего прохода
func (j *LedgerJanitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *LedgerJanitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход очистки
func (j *LedgerJanitor) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	purged, err := j.counterRepo.PurgeBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("Ошибка очистки журнала идемпотентности", zap.Error(err))
		return purged
	}

	metrics.LedgerPurged.Add(float64(purged))
	if purged > 0 {
		j.logger.Info("Журнал идемпотентности очищен",
			zap.Int64("purged", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged
}
