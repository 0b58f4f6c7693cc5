package service

import (
	"context"
	"sync"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/metrics"
	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/SergeiKhy/site-analytics/internal/repository"
	"go.uber.org/zap"
)

// Константы worker pool
const (
	defaultWorkerCount   = 3    // Количество воркеров
	defaultChannelBuffer = 1000 // Размер буфера канала
	maxRetries           = 3    // Максимальное количество попыток записи
	archiveBatchSize     = 100  // Максимум событий в одной вставке
	archiveFlushInterval = 2 * time.Second
)

// ArchiveProcessor интерфейс асинхронной записи сырых событий в архив
type ArchiveProcessor interface {
	Start()
	Stop()
	Submit(ctx context.Context, event *models.ArchivedEvent) error
	Stats() ChannelStats
}

// archiveProcessor реализация с использованием Worker Pool
type archiveProcessor struct {
	archive      repository.EventArchive
	logger       *zap.Logger
	eventChannel chan *models.ArchivedEvent // Канал для принятых событий
	workerCount  int                        // Количество воркеров
	wg           sync.WaitGroup             // WaitGroup для ожидания завершения воркеров
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewArchiveProcessor создаёт новый экземпляр процессора архива
func NewArchiveProcessor(archive repository.EventArchive, logger *zap.Logger) ArchiveProcessor {
	return &archiveProcessor{
		archive:      archive,
		logger:       logger,
		eventChannel: make(chan *models.ArchivedEvent, defaultChannelBuffer),
		workerCount:  defaultWorkerCount,
	}
}

// Start запускает worker pool
func (p *archiveProcessor) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("Запуск воркеров архива событий", zap.Int("count", p.workerCount))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop корректно останавливает worker pool, дописывая накопленные пачки
func (p *archiveProcessor) Stop() {
	p.logger.Info("Остановка процессора архива...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Процессор архива остановлен")
}

// worker копит события и пишет их пачками по размеру или по таймеру
func (p *archiveProcessor) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("Воркер архива запущен", zap.Int("id", id))

	ticker := time.NewTicker(archiveFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.ArchivedEvent, 0, archiveBatchSize)

	for {
		select {
		case <-p.ctx.Done():
			// Дочитываем то, что уже лежит в буфере
			for {
				select {
				case event := <-p.eventChannel:
					batch = append(batch, event)
					if len(batch) >= archiveBatchSize {
						p.writeBatch(batch)
						batch = batch[:0]
					}
				default:
					p.writeBatch(batch)
					p.logger.Debug("Воркер архива остановлен", zap.Int("id", id))
					return
				}
			}

		case event := <-p.eventChannel:
			batch = append(batch, event)
			if len(batch) >= archiveBatchSize {
				p.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			p.writeBatch(batch)
			batch = batch[:0]
		}
	}
}

// writeBatch записывает пачку с retry логикой
func (p *archiveProcessor) writeBatch(batch []*models.ArchivedEvent) {
	if len(batch) == 0 {
		return
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = p.archive.InsertEvents(ctx, batch)
		cancel()
		if err == nil {
			return
		}
		if i < maxRetries-1 {
			p.logger.Debug("Повторная попытка записи в архив",
				zap.Int("batch_size", len(batch)),
				zap.Int("attempt", i+1),
				zap.Error(err),
			)
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}

	metrics.ArchiveDropped.Add(float64(len(batch)))
	p.logger.Error("Не удалось записать пачку в архив после всех попыток",
		zap.Int("batch_size", len(batch)),
		zap.Error(err),
	)
}

// Submit отправляет событие в worker pool (неблокирующая операция)
func (p *archiveProcessor) Submit(ctx context.Context, event *models.ArchivedEvent) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.eventChannel <- event:
		return nil
	default:
		// Канал заполнен: архив не влияет на счётчики, событие просто не попадёт в него
		metrics.ArchiveDropped.Inc()
		p.logger.Warn("Буфер архива заполнен, событие не будет заархивировано",
			zap.String("event_id", event.Event.ID),
		)
		return nil
	}
}

// Stats возвращает статистику канала для мониторинга
func (p *archiveProcessor) Stats() ChannelStats {
	return ChannelStats{
		BufferSize:  cap(p.eventChannel),
		BufferUsed:  len(p.eventChannel),
		WorkerCount: p.workerCount,
	}
}

// ChannelStats статистика канала worker pool
type ChannelStats struct {
	BufferSize  int `json:"buffer_size"`  // Общая ёмкость канала
	BufferUsed  int `json:"buffer_used"`  // Текущее использование
	WorkerCount int `json:"worker_count"` // Количество воркеров
}
