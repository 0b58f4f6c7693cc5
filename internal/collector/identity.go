package collector

import (
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Ключи идентичности в хранилище
const (
	visitorStorageKey = "identity/visitor"
	sessionStorageKey = "identity/session"
	optOutStorageKey  = "identity/opt_out"
)

// identityRecord запись идентификатора посетителя или сессии.
// Срок действия хранится в самой записи, чтобы решение об истечении принималось по часам менеджера.
type identityRecord struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (r *identityRecord) validAt(now time.Time) bool {
	return r != nil && r.ID != "" && now.Before(r.ExpiresAt)
}

func decodeRecord(data []byte) *identityRecord {
	var rec identityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

// IdentityManager владеет жизненным циклом visitor_id и session_id.
// Если хранилище недоступно, идентификаторы живут только в памяти до конца жизни страницы:
// долгосрочная корреляция теряется, но генерация событий не блокируется.
type IdentityManager struct {
	storage        Storage
	clock          clockwork.Clock
	visitorTTL     time.Duration
	sessionTimeout time.Duration
	logger         *zap.Logger

	// onRotate вызывается до выпуска новой сессии со старым session_id
	onRotate func(previousSessionID string)

	touchLimiter *rate.Limiter

	mu            sync.Mutex
	memVisitor    *identityRecord
	memSession    *identityRecord
	degraded      bool
	optedOut      bool
	lastSessionID string
}

func NewIdentityManager(storage Storage, clock clockwork.Clock, visitorTTL, sessionTimeout, touchDebounce time.Duration, logger *zap.Logger) *IdentityManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &IdentityManager{
		storage:        storage,
		clock:          clock,
		visitorTTL:     visitorTTL,
		sessionTimeout: sessionTimeout,
		logger:         logger,
		touchLimiter:   rate.NewLimiter(rate.Every(touchDebounce), 1),
	}
	if data, err := storage.Get(optOutStorageKey); err == nil && len(data) > 0 {
		m.optedOut = true
	}
	return m
}

// SetRotationHook задаёт действие перед сменой сессии (сброс очереди)
func (m *IdentityManager) SetRotationHook(fn func(previousSessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = fn
}

// GetOrCreateVisitorID возвращает идентификатор посетителя, создавая его при отсутствии.
// Создание идёт через атомарный Mutate: вкладки, стартовавшие одновременно, получают одно значение.
func (m *IdentityManager) GetOrCreateVisitorID() string {
	now := m.clock.Now()

	if m.Degraded() {
		return m.memoryIdentity(&m.memVisitor, now, m.visitorTTL, ErrStorageUnavailable).ID
	}

	data, err := m.storage.Mutate(visitorStorageKey, func(current []byte, found bool) ([]byte, time.Duration, error) {
		if found && decodeRecord(current).validAt(now) {
			return nil, 0, nil
		}
		return m.newRecord(now, m.visitorTTL)
	})
	if err != nil {
		return m.memoryIdentity(&m.memVisitor, now, m.visitorTTL, err).ID
	}

	rec := decodeRecord(data)
	if rec == nil {
		return m.memoryIdentity(&m.memVisitor, now, m.visitorTTL, errors.New("corrupted visitor record")).ID
	}
	return rec.ID
}

// GetOrCreateSessionID возвращает текущую сессию. Если прежняя истекла, сначала вызывается
// хук ротации (очередь сбрасывается со старым session_id), затем выпускается новая сессия.
func (m *IdentityManager) GetOrCreateSessionID() string {
	now := m.clock.Now()

	current, err := m.readSession()
	if err == nil && current.validAt(now) {
		// Сессию могла сменить соседняя вкладка, пока эта молчала
		m.mu.Lock()
		previous, hook := m.lastSessionID, m.onRotate
		m.mu.Unlock()
		if previous != "" && previous != current.ID && hook != nil {
			hook(previous)
		}

		m.rememberSession(current.ID)
		return current.ID
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		m.mu.Lock()
		expired := !m.memSession.validAt(now)
		previous, hook := m.lastSessionID, m.onRotate
		m.mu.Unlock()
		if expired && previous != "" && hook != nil {
			hook(previous)
		}

		rec := m.memoryIdentity(&m.memSession, now, m.sessionTimeout, err)
		m.rememberSession(rec.ID)
		return rec.ID
	}

	m.mu.Lock()
	previous, hook := m.lastSessionID, m.onRotate
	m.mu.Unlock()
	if previous != "" && hook != nil {
		hook(previous)
	}

	data, err := m.storage.Mutate(sessionStorageKey, func(current []byte, found bool) ([]byte, time.Duration, error) {
		// Другая вкладка могла уже выпустить новую сессию
		if found && decodeRecord(current).validAt(now) {
			return nil, 0, nil
		}
		return m.newRecord(now, m.sessionTimeout)
	})
	if err != nil {
		rec := m.memoryIdentity(&m.memSession, now, m.sessionTimeout, err)
		m.rememberSession(rec.ID)
		return rec.ID
	}

	rec := decodeRecord(data)
	if rec == nil {
		rec = m.memoryIdentity(&m.memSession, now, m.sessionTimeout, errors.New("corrupted session record"))
	}
	if previous != "" && previous != rec.ID {
		m.logger.Debug("Сессия сменилась по таймауту неактивности",
			zap.String("previous", previous),
			zap.String("session_id", rec.ID),
		)
	}
	m.rememberSession(rec.ID)
	return rec.ID
}

// TouchSession продлевает скользящий срок сессии. Вызовы чаще интервала дебаунса
// не пишут в хранилище. Истёкшая сессия не продлевается: новая будет выпущена
// при следующем GetOrCreateSessionID.
func (m *IdentityManager) TouchSession() bool {
	now := m.clock.Now()
	if !m.touchLimiter.AllowN(now, 1) {
		return false
	}

	m.mu.Lock()
	if m.degraded {
		defer m.mu.Unlock()
		if m.memSession.validAt(now) {
			m.memSession.LastActivityAt = now
			m.memSession.ExpiresAt = now.Add(m.sessionTimeout)
			return true
		}
		return false
	}
	m.mu.Unlock()

	touched := false
	_, err := m.storage.Mutate(sessionStorageKey, func(current []byte, found bool) ([]byte, time.Duration, error) {
		touched = false
		if !found {
			return nil, 0, nil
		}
		rec := decodeRecord(current)
		if !rec.validAt(now) {
			return nil, 0, nil
		}
		rec.LastActivityAt = now
		rec.ExpiresAt = now.Add(m.sessionTimeout)
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, 0, err
		}
		touched = true
		return data, m.sessionTimeout, nil
	})
	if err != nil {
		m.logger.Debug("Не удалось продлить сессию", zap.Error(err))
		return false
	}
	return touched
}

// OptOut уничтожает идентификаторы и запоминает отказ от отслеживания
func (m *IdentityManager) OptOut() {
	m.mu.Lock()
	m.optedOut = true
	m.memVisitor = nil
	m.memSession = nil
	m.lastSessionID = ""
	m.mu.Unlock()

	for _, key := range []string{visitorStorageKey, sessionStorageKey} {
		if err := m.storage.Delete(key); err != nil {
			m.logger.Warn("Не удалось удалить идентификатор", zap.String("key", key), zap.Error(err))
		}
	}
	if err := m.storage.Set(optOutStorageKey, []byte("1"), 0); err != nil {
		m.logger.Warn("Не удалось сохранить отказ от отслеживания", zap.Error(err))
	}
}

func (m *IdentityManager) OptedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optedOut
}

// Degraded сообщает, работает ли менеджер на идентификаторах в памяти
func (m *IdentityManager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *IdentityManager) readSession() (*identityRecord, error) {
	m.mu.Lock()
	degraded := m.degraded
	m.mu.Unlock()
	if degraded {
		return nil, ErrStorageUnavailable
	}

	data, err := m.storage.Get(sessionStorageKey)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data), nil
}

func (m *IdentityManager) newRecord(now time.Time, ttl time.Duration) ([]byte, time.Duration, error) {
	rec := identityRecord{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, err
	}
	return data, ttl, nil
}

// memoryIdentity переключает менеджер в режим памяти и возвращает действующий идентификатор
func (m *IdentityManager) memoryIdentity(slot **identityRecord, now time.Time, ttl time.Duration, cause error) *identityRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.degraded {
		m.logger.Warn("Хранилище идентичности недоступно, идентификаторы живут до закрытия страницы", zap.Error(cause))
		m.degraded = true
	}

	if !(*slot).validAt(now) {
		*slot = &identityRecord{
			ID:             uuid.NewString(),
			CreatedAt:      now,
			LastActivityAt: now,
			ExpiresAt:      now.Add(ttl),
		}
	}
	return *slot
}

func (m *IdentityManager) rememberSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSessionID = id
}
