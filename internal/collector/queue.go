package collector

import (
	"context"
	"sync"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// FlushReason причина сброса очереди, пишется в логи
type FlushReason string

const (
	FlushSize             FlushReason = "size"
	FlushTimer            FlushReason = "timer"
	FlushVisibilityHidden FlushReason = "visibility_hidden"
	FlushUnload           FlushReason = "unload"
	FlushSessionRotation  FlushReason = "session_rotation"
	FlushRecovery         FlushReason = "recovery"
	FlushManual           FlushReason = "manual"
)

// QueueConfig параметры пакетирования
type QueueConfig struct {
	BatchSize       int
	MaxQueue        int
	FlushInterval   time.Duration
	SentSetCapacity int
}

// Queue упорядоченная очередь событий с пакетной отправкой.
// Событие покидает очередь только после подтверждённой доставки или отказа сервера.
type Queue struct {
	cfg      QueueConfig
	delivery *Delivery
	outbox   *Outbox
	clock    clockwork.Clock
	logger   *zap.Logger

	mu          sync.Mutex
	events      []models.Event
	queued      map[string]struct{}
	sent        *SentSet
	timer       clockwork.Timer
	running     bool
	lastFlush   time.Time
	sizePending bool

	// Одновременно выполняется не больше одной обычной отправки
	flushMu  sync.Mutex
	inflight sync.WaitGroup
}

func NewQueue(cfg QueueConfig, delivery *Delivery, outbox *Outbox, clock clockwork.Clock, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxQueue < cfg.BatchSize {
		cfg.MaxQueue = cfg.BatchSize * 50
	}
	// весь остаток уходит одним beacon, сервер больше не примет
	if cfg.MaxQueue > models.MaxBatchEvents {
		cfg.MaxQueue = models.MaxBatchEvents
	}

	return &Queue{
		cfg:       cfg,
		delivery:  delivery,
		outbox:    outbox,
		clock:     clock,
		logger:    logger,
		queued:    make(map[string]struct{}),
		sent:      NewSentSet(cfg.SentSetCapacity),
		lastFlush: clock.Now(),
	}
}

// Enqueue добавляет событие. Уже отправленные и уже стоящие в очереди ID игнорируются.
// При достижении размера пакета запускается фоновый сброс.
func (q *Queue) Enqueue(ev models.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sent.Contains(ev.ID) {
		return false
	}
	if _, ok := q.queued[ev.ID]; ok {
		return false
	}

	q.events = append(q.events, ev)
	q.queued[ev.ID] = struct{}{}

	if len(q.events) > q.cfg.MaxQueue {
		dropped := q.events[0]
		q.events = q.events[1:]
		delete(q.queued, dropped.ID)
		q.logger.Warn("Очередь переполнена, самое старое событие отброшено",
			zap.String("event_id", dropped.ID),
			zap.Int("max_queue", q.cfg.MaxQueue),
		)
	}

	if len(q.events) >= q.cfg.BatchSize && !q.sizePending {
		q.sizePending = true
		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			q.Flush(context.Background(), FlushSize)
		}()
	}

	return true
}

// Flush отправляет накопленные события пакетами по BatchSize.
// Доставленные удаляются из очереди и запоминаются, временный сбой оставляет события
// в очереди и сохраняет их в outbox, отказ сервера удаляет их.
func (q *Queue) Flush(ctx context.Context, reason FlushReason) Attempt {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	if reason == FlushSize {
		q.sizePending = false
	}
	q.lastFlush = q.clock.Now()
	snapshot := make([]models.Event, len(q.events))
	copy(snapshot, q.events)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return Attempt{State: StatePending}
	}

	var last Attempt
	for start := 0; start < len(snapshot); start += q.cfg.BatchSize {
		end := min(start+q.cfg.BatchSize, len(snapshot))
		batch := snapshot[start:end]

		last = q.delivery.Deliver(ctx, batch)
		switch last.State {
		case StateSent:
			q.complete(batch, true)
			q.logger.Debug("Пакет доставлен",
				zap.String("reason", string(reason)),
				zap.Int("batch_size", len(batch)),
			)
		case StateFailedDiscarded:
			q.complete(batch, false)
			q.logger.Warn("Сервер отверг пакет, события удалены",
				zap.String("reason", string(reason)),
				zap.Int("batch_size", len(batch)),
				zap.Error(last.Err),
			)
		default:
			q.persist(snapshot[start:])
			q.logger.Warn("Пакет не доставлен, события остаются в очереди",
				zap.String("reason", string(reason)),
				zap.Int("pending", len(snapshot)-start),
				zap.Error(last.Err),
			)
			return last
		}
	}

	return last
}

// DrainToBeacon отправляет всю очередь одним beacon и очищает её.
// При отключённой доставке события уходят в outbox до следующей загрузки страницы.
func (q *Queue) DrainToBeacon(reason FlushReason) bool {
	q.mu.Lock()
	batch := q.events
	q.events = nil
	q.queued = make(map[string]struct{})
	q.lastFlush = q.clock.Now()
	q.mu.Unlock()

	if len(batch) == 0 {
		return false
	}

	if !q.delivery.Beacon(batch) {
		if err := q.outbox.Save(batch); err != nil {
			q.logger.Warn("Не удалось сохранить события в outbox", zap.Error(err))
		}
		q.logger.Info("Beacon не отправлен, события сохранены в outbox",
			zap.String("reason", string(reason)),
			zap.Int("batch_size", len(batch)),
		)
		return false
	}

	ids := eventIDs(batch)
	q.mu.Lock()
	for _, id := range ids {
		q.sent.Add(id)
	}
	q.mu.Unlock()
	q.outbox.Remove(ids)

	q.logger.Debug("Очередь отправлена beacon",
		zap.String("reason", string(reason)),
		zap.Int("batch_size", len(batch)),
	)
	return true
}

// Start запускает таймер периодического сброса
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.timer = q.clock.AfterFunc(q.cfg.FlushInterval, q.onTimer)
}

// Stop останавливает таймер и ждёт фоновых сбросов
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	q.inflight.Wait()
}

// Wait ждёт завершения фоновых сбросов по размеру
func (q *Queue) Wait() {
	q.inflight.Wait()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Clear удаляет все события без отправки
func (q *Queue) Clear() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := eventIDs(q.events)
	q.events = nil
	q.queued = make(map[string]struct{})
	return ids
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	elapsed := q.clock.Now().Sub(q.lastFlush)
	q.mu.Unlock()

	next := q.cfg.FlushInterval
	if elapsed >= q.cfg.FlushInterval {
		q.Flush(context.Background(), FlushTimer)
	} else {
		next = q.cfg.FlushInterval - elapsed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		q.timer = q.clock.AfterFunc(next, q.onTimer)
	}
}

// complete убирает пакет из очереди. Доставленные ID запоминаются в множестве отправленных.
func (q *Queue) complete(batch []models.Event, delivered bool) {
	ids := eventIDs(batch)

	q.mu.Lock()
	done := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		done[id] = struct{}{}
		delete(q.queued, id)
		if delivered {
			q.sent.Add(id)
		}
	}
	kept := q.events[:0]
	for _, ev := range q.events {
		if _, ok := done[ev.ID]; !ok {
			kept = append(kept, ev)
		}
	}
	q.events = kept
	q.mu.Unlock()

	q.outbox.Remove(ids)
}

// persist сохраняет в outbox события, которые всё ещё стоят в очереди
func (q *Queue) persist(events []models.Event) {
	q.mu.Lock()
	pending := make([]models.Event, 0, len(events))
	for _, ev := range events {
		if _, ok := q.queued[ev.ID]; ok {
			pending = append(pending, ev)
		}
	}
	q.mu.Unlock()

	if err := q.outbox.Save(pending); err != nil {
		q.logger.Warn("Не удалось сохранить события в outbox", zap.Error(err))
	}
}

func eventIDs(events []models.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
