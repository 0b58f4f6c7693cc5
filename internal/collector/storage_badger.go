package collector

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// maxConflictRetries сколько раз повторяется транзакция при конфликте записи
const maxConflictRetries = 10

// BadgerStorage долговременное хранилище на BadgerDB.
// Конфликт оптимистичной транзакции означает, что другая вкладка записала тот же ключ:
// Mutate повторяется и видит уже записанное значение.
type BadgerStorage struct {
	db *badger.DB
}

// OpenBadgerStorage открывает базу в каталоге dir. Пустой dir открывает базу в памяти.
func OpenBadgerStorage(dir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %v", ErrStorageUnavailable, err)
	}
	return &BadgerStorage{db: db}, nil
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return value, nil
}

func (s *BadgerStorage) Set(key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *BadgerStorage) Mutate(key string, fn MutateFunc) ([]byte, error) {
	var result []byte
	var err error

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			var current []byte
			found := false

			item, err := txn.Get([]byte(key))
			switch {
			case err == nil:
				current, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
				found = true
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			next, ttl, err := fn(current, found)
			if err != nil {
				return err
			}
			if next == nil {
				result = current
				return nil
			}

			result = next
			return txn.SetEntry(newEntry(key, next, ttl))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}

	if err != nil {
		if errors.Is(err, badger.ErrConflict) || errors.Is(err, badger.ErrDBClosed) {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}

func (s *BadgerStorage) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *BadgerStorage) Scan(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.KeyCopy(nil))] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
