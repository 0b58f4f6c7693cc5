package collector

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound           = errors.New("collector: key not found")
	ErrStorageUnavailable = errors.New("collector: storage unavailable")
)

// MutateFunc получает текущее значение ключа и возвращает новое.
// nil в next оставляет значение без изменений.
type MutateFunc func(current []byte, found bool) (next []byte, ttl time.Duration, err error)

// Storage долговременное хранилище коллектора, общее для всех вкладок одного профиля.
// Mutate выполняет чтение и запись атомарно: конкурентные вкладки видят результат
// друг друга и сходятся к одному значению.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte, ttl time.Duration) error
	Mutate(key string, fn MutateFunc) ([]byte, error)
	Delete(key string) error
	// Scan возвращает все значения с указанным префиксом ключа
	Scan(prefix string) (map[string][]byte, error)
}

// MemoryStorage хранилище в памяти процесса. TTL не применяется:
// записи идентичности сами хранят срок действия.
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *MemoryStorage) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = clone(value)
	return nil
}

func (s *MemoryStorage) Mutate(key string, fn MutateFunc) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.data[key]
	next, _, err := fn(clone(current), found)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return clone(current), nil
	}
	s.data[key] = clone(next)
	return clone(next), nil
}

func (s *MemoryStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryStorage) Scan(prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
