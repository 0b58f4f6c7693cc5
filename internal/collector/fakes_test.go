package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

// waitForTimer ждёт, пока сработавший таймер очереди отработает и взведётся снова
func waitForTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

// fakeTransport запоминает отправки. errs расходуются по одной на Send, затем используется err.
type fakeTransport struct {
	mu      sync.Mutex
	sends   [][]models.Event
	beacons [][]models.Event
	errs    []error
	err     error
}

func (t *fakeTransport) Send(_ context.Context, batch []models.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sends = append(t.sends, append([]models.Event(nil), batch...))
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return err
	}
	return t.err
}

func (t *fakeTransport) SendBeacon(batch []models.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.beacons = append(t.beacons, append([]models.Event(nil), batch...))
	return true
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) sendCalls() [][]models.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]models.Event(nil), t.sends...)
}

func (t *fakeTransport) beaconCalls() [][]models.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]models.Event(nil), t.beacons...)
}

// brokenStorage хранилище, недоступное целиком
type brokenStorage struct{}

func (brokenStorage) Get(string) ([]byte, error) { return nil, ErrStorageUnavailable }
func (brokenStorage) Set(string, []byte, time.Duration) error { return ErrStorageUnavailable }
func (brokenStorage) Mutate(string, MutateFunc) ([]byte, error) { return nil, ErrStorageUnavailable }
func (brokenStorage) Delete(string) error { return ErrStorageUnavailable }
func (brokenStorage) Scan(string) (map[string][]byte, error) { return nil, ErrStorageUnavailable }

func testEvent(n int, at time.Time) models.Event {
	return models.Event{
		ID:        fmt.Sprintf("evt-%03d", n),
		Kind:      models.KindPageView,
		PageURL:   fmt.Sprintf("https://example.com/page/%d", n),
		VisitorID: "visitor-1",
		SessionID: "session-1",
		Timestamp: at,
	}
}

func retryable() error {
	return fmt.Errorf("%w: server returned 503", ErrRetryable)
}

func discarded() error {
	return fmt.Errorf("%w: server returned 400", ErrDiscarded)
}
