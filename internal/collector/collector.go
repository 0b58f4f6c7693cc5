package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// KindPageLeave событие ухода со страницы, несёт время на странице
const KindPageLeave = "page_leave"

var ErrNoEndpoint = errors.New("collector: endpoint is required when no transport is given")

// Config параметры коллектора
type Config struct {
	Endpoint         string        `validate:"omitempty,url"`
	BatchSize        int           `validate:"min=1,max=500"`
	MaxQueue         int           `validate:"gtefield=BatchSize,max=500"`
	FlushInterval    time.Duration `validate:"gt=0"`
	SentSetCapacity  int           `validate:"min=1"`
	SessionTimeout   time.Duration `validate:"gt=0"`
	VisitorTTL       time.Duration `validate:"gt=0"`
	TouchDebounce    time.Duration `validate:"gte=0"`
	MaxRetryAge      time.Duration `validate:"gt=0"`
	BreakerThreshold int           `validate:"min=1"`
	SendTimeout      time.Duration `validate:"gt=0"`
	BeaconTimeout    time.Duration `validate:"gt=0"`
	IDBucket         time.Duration `validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        20,
		MaxQueue:         models.MaxBatchEvents,
		FlushInterval:    30 * time.Second,
		SentSetCapacity:  DefaultSentSetCapacity,
		SessionTimeout:   30 * time.Minute,
		VisitorTTL:       365 * 24 * time.Hour,
		TouchDebounce:    5 * time.Second,
		MaxRetryAge:      24 * time.Hour,
		BreakerThreshold: 3,
		SendTimeout:      10 * time.Second,
		BeaconTimeout:    2 * time.Second,
		IDBucket:         models.DefaultIDBucket,
	}
}

// Collector клиентская часть: присваивает идентичность событиям, копит их
// и доставляет на сервер пакетами.
type Collector struct {
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger
	instance string

	identity *IdentityManager
	delivery *Delivery
	outbox   *Outbox
	queue    *Queue
	signals  *SignalBus
	closer   io.Closer

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	pageURL     string
	pageTitle   string
	pageStart   time.Time
}

// New собирает коллектор. Без storage идентификаторы живут в памяти, без clock
// используются системные часы, без transport события отправляются на cfg.Endpoint.
func New(cfg Config, storage Storage, transport Transport, clock clockwork.Clock, logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if storage == nil {
		logger.Warn("Долговременное хранилище не задано, идентификаторы не переживут перезагрузку страницы")
		storage = NewMemoryStorage()
	}

	var closer io.Closer
	if transport == nil {
		if cfg.Endpoint == "" {
			return nil, ErrNoEndpoint
		}
		httpTransport := NewHTTPTransport(cfg.Endpoint, cfg.SendTimeout, cfg.BeaconTimeout, logger)
		transport = httpTransport
		closer = httpTransport
	}

	instance := uuid.NewString()
	c := &Collector{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.With(zap.String("instance", instance)),
		instance: instance,
		signals:  NewSignalBus(),
		closer:   closer,
	}

	c.identity = NewIdentityManager(storage, clock, cfg.VisitorTTL, cfg.SessionTimeout, cfg.TouchDebounce, c.logger)
	c.delivery = NewDelivery(transport, cfg.BreakerThreshold, cfg.SendTimeout, c.logger)
	c.outbox = NewOutbox(storage, clock, instance, c.logger)
	c.queue = NewQueue(QueueConfig{
		BatchSize:       cfg.BatchSize,
		MaxQueue:        cfg.MaxQueue,
		FlushInterval:   cfg.FlushInterval,
		SentSetCapacity: cfg.SentSetCapacity,
	}, c.delivery, c.outbox, clock, c.logger)

	// События старой сессии уходят до выпуска новой
	c.identity.SetRotationHook(func(previous string) {
		c.queue.Flush(context.Background(), FlushSessionRotation)
	})

	return c, nil
}

// Start восстанавливает недоставленные события прошлых загрузок страницы,
// подписывается на сигналы жизненного цикла и запускает таймер пакетов.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.unsubscribe = c.signals.Subscribe(c.handleSignal)
	c.mu.Unlock()

	if !c.identity.OptedOut() {
		c.recover(ctx)
	}
	c.queue.Start()

	c.logger.Info("Коллектор запущен",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("flush_interval", c.cfg.FlushInterval),
	)
}

// Stop останавливает таймер и ждёт фоновых отправок. Очередь не сбрасывается:
// для этого есть OnUnload.
func (c *Collector) Stop() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.started = false
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.queue.Stop()

	if c.closer != nil {
		if err := c.closer.Close(); err != nil {
			c.logger.Warn("Ошибка закрытия транспорта", zap.Error(err))
		}
	}
}

// Track ставит событие в очередь. false означает, что событие не поставлено:
// отказ от отслеживания, отменённый контекст или повтор уже известного события.
func (c *Collector) Track(ctx context.Context, kind, pageURL, title, referrer string, payload map[string]any) (models.Event, bool) {
	if ctx.Err() != nil || c.identity.OptedOut() {
		return models.Event{}, false
	}

	ev := c.newEvent(kind, pageURL, title, referrer, payload)
	return ev, c.queue.Enqueue(ev)
}

// PageView фиксирует переход на страницу
func (c *Collector) PageView(ctx context.Context, pageURL, title, referrer string) (models.Event, bool) {
	ev, ok := c.Track(ctx, models.KindPageView, pageURL, title, referrer, nil)
	if ok {
		c.mu.Lock()
		c.pageURL = pageURL
		c.pageTitle = title
		c.pageStart = ev.Timestamp
		c.mu.Unlock()
	}
	return ev, ok
}

// Signals шина сигналов, в которую хост передаёт события страницы
func (c *Collector) Signals() *SignalBus {
	return c.signals
}

func (c *Collector) OnActivity() {
	c.signals.Emit(SignalActivity)
}

func (c *Collector) OnVisibilityChange(hidden bool) {
	if hidden {
		c.signals.Emit(SignalVisibilityHidden)
		return
	}
	c.signals.Emit(SignalVisibilityVisible)
}

func (c *Collector) OnUnload() {
	c.signals.Emit(SignalUnload)
}

// OptOut уничтожает идентификаторы, очищает очередь и outbox.
// После него Track ничего не ставит в очередь.
func (c *Collector) OptOut() {
	c.identity.OptOut()
	dropped := c.queue.Clear()
	c.outbox.Clear()

	c.logger.Info("Отслеживание отключено пользователем", zap.Int("dropped_events", len(dropped)))
}

func (c *Collector) QueueLen() int {
	return c.queue.Len()
}

func (c *Collector) Identity() *IdentityManager {
	return c.identity
}

func (c *Collector) handleSignal(s Signal) {
	switch s {
	case SignalActivity:
		if !c.identity.OptedOut() {
			c.identity.TouchSession()
		}
	case SignalVisibilityHidden:
		c.queue.DrainToBeacon(FlushVisibilityHidden)
	case SignalUnload:
		c.leavePage()
		c.queue.DrainToBeacon(FlushUnload)
	}
}

// leavePage ставит в очередь событие ухода с текущей страницы со временем на ней
func (c *Collector) leavePage() {
	c.mu.Lock()
	pageURL, title, start := c.pageURL, c.pageTitle, c.pageStart
	c.pageURL = ""
	c.mu.Unlock()

	if pageURL == "" || c.identity.OptedOut() {
		return
	}

	ev := c.newEvent(KindPageLeave, pageURL, title, "", nil)
	seconds := int64(ev.Timestamp.Sub(start) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	ev.TimeOnPage = &seconds
	c.queue.Enqueue(ev)
}

func (c *Collector) newEvent(kind, pageURL, title, referrer string, payload map[string]any) models.Event {
	visitorID := c.identity.GetOrCreateVisitorID()
	sessionID := c.identity.GetOrCreateSessionID()
	c.identity.TouchSession()

	now := c.clock.Now().UTC()
	return models.Event{
		ID:        models.DeriveEventID(kind, pageURL, visitorID, sessionID, payload, now, c.cfg.IDBucket),
		Kind:      kind,
		PageURL:   pageURL,
		PageTitle: title,
		Referrer:  referrer,
		VisitorID: visitorID,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   payload,
	}
}

func (c *Collector) recover(ctx context.Context) {
	events, err := c.outbox.Recover(c.cfg.MaxRetryAge)
	if err != nil {
		c.logger.Warn("Не удалось прочитать outbox", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}

	for _, ev := range events {
		c.queue.Enqueue(ev)
	}
	c.logger.Info("Восстановлены недоставленные события", zap.Int("count", len(events)))
	c.queue.Flush(ctx, FlushRecovery)
}
