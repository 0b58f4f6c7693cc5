package collector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage(t *testing.T) {
	backends := map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"badger": func(t *testing.T) Storage { return openTestBadger(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Set("outbox/a", []byte("1"), 0))
			require.NoError(t, s.Set("outbox/b", []byte("2"), 0))
			require.NoError(t, s.Set("identity/visitor", []byte("v"), 0))

			records, err := s.Scan("outbox/")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"outbox/a": []byte("1"), "outbox/b": []byte("2")}, records)

			value, err := s.Mutate("outbox/a", func(current []byte, found bool) ([]byte, time.Duration, error) {
				assert.True(t, found)
				return append(current, '!'), 0, nil
			})
			require.NoError(t, err)
			assert.Equal(t, []byte("1!"), value)

			value, err = s.Mutate("outbox/a", func(current []byte, found bool) ([]byte, time.Duration, error) {
				return nil, 0, nil
			})
			require.NoError(t, err)
			assert.Equal(t, []byte("1!"), value, "nil keeps the current value")

			boom := errors.New("boom")
			_, err = s.Mutate("outbox/c", func(current []byte, found bool) ([]byte, time.Duration, error) {
				assert.False(t, found)
				return nil, 0, boom
			})
			assert.ErrorIs(t, err, boom)

			require.NoError(t, s.Delete("outbox/a"))
			_, err = s.Get("outbox/a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
