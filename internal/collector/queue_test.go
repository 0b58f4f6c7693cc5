package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type queueFixture struct {
	queue     *Queue
	delivery  *Delivery
	outbox    *Outbox
	transport *fakeTransport
	clock     *clockwork.FakeClock
	storage   *MemoryStorage
}

func newQueueFixture(t *testing.T, cfg QueueConfig) *queueFixture {
	t.Helper()

	clock := newFakeClock()
	transport := &fakeTransport{}
	storage := NewMemoryStorage()
	delivery := NewDelivery(transport, 3, time.Second, zap.NewNop())
	outbox := NewOutbox(storage, clock, "tab-1", zap.NewNop())
	queue := NewQueue(cfg, delivery, outbox, clock, zap.NewNop())
	t.Cleanup(queue.Stop)

	return &queueFixture{
		queue:     queue,
		delivery:  delivery,
		outbox:    outbox,
		transport: transport,
		clock:     clock,
		storage:   storage,
	}
}

func defaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchSize:       20,
		MaxQueue:        models.MaxBatchEvents,
		FlushInterval:   30 * time.Second,
		SentSetCapacity: DefaultSentSetCapacity,
	}
}

func outboxLen(t *testing.T, s Storage) int {
	t.Helper()
	records, err := s.Scan(outboxPrefix)
	require.NoError(t, err)
	return len(records)
}

func TestQueue_SentEventIsNotRequeued(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	ev := testEvent(1, f.clock.Now())

	require.True(t, f.queue.Enqueue(ev))
	assert.False(t, f.queue.Enqueue(ev), "duplicate of a queued event")

	attempt := f.queue.Flush(context.Background(), FlushManual)
	require.Equal(t, StateSent, attempt.State)
	assert.Equal(t, 0, f.queue.Len())

	assert.False(t, f.queue.Enqueue(ev), "already sent event must be skipped")
	assert.Equal(t, 0, f.queue.Len())
	assert.Len(t, f.transport.sendCalls(), 1)
}

func TestSentSet_EvictsOldestHalf(t *testing.T) {
	s := NewSentSet(4)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		s.Add(id)
	}

	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
	assert.True(t, s.Contains("e"))

	s.Add("e")
	assert.Equal(t, 3, s.Len())
}

func TestQueue_FlushesWhenBatchIsFull(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	now := f.clock.Now()

	for i := 0; i < 19; i++ {
		require.True(t, f.queue.Enqueue(testEvent(i, now)))
	}
	f.queue.Wait()
	assert.Empty(t, f.transport.sendCalls())

	require.True(t, f.queue.Enqueue(testEvent(19, now)))
	f.queue.Wait()

	calls := f.transport.sendCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 20)
	assert.Equal(t, "evt-000", calls[0][0].ID, "order is preserved")
	assert.Equal(t, 0, f.queue.Len())
}

func TestQueue_TimerFlush(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	f.queue.Start()

	for i := 0; i < 3; i++ {
		f.queue.Enqueue(testEvent(i, f.clock.Now()))
	}

	f.clock.Advance(29 * time.Second)
	waitForTimer(t, f.clock)
	assert.Empty(t, f.transport.sendCalls())

	f.clock.Advance(time.Second)
	waitForTimer(t, f.clock)
	calls := f.transport.sendCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 3)

	// пустая очередь не отправляется
	f.clock.Advance(30 * time.Second)
	waitForTimer(t, f.clock)
	assert.Len(t, f.transport.sendCalls(), 1)
}

func TestQueue_TimerWaitsFullIntervalAfterManualFlush(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	f.queue.Start()

	f.clock.Advance(10 * time.Second)
	f.queue.Enqueue(testEvent(1, f.clock.Now()))
	f.queue.Flush(context.Background(), FlushManual)
	require.Len(t, f.transport.sendCalls(), 1)

	f.clock.Advance(5 * time.Second)
	f.queue.Enqueue(testEvent(2, f.clock.Now()))

	// t=39s: с ручного сброса прошло меньше интервала
	f.clock.Advance(24 * time.Second)
	waitForTimer(t, f.clock)
	assert.Len(t, f.transport.sendCalls(), 1)

	// t=40s
	f.clock.Advance(time.Second)
	waitForTimer(t, f.clock)
	assert.Len(t, f.transport.sendCalls(), 2)
}

func TestQueue_RetryableFailureKeepsEvents(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	f.transport.errs = []error{retryable()}

	f.queue.Enqueue(testEvent(1, f.clock.Now()))
	f.queue.Enqueue(testEvent(2, f.clock.Now()))

	attempt := f.queue.Flush(context.Background(), FlushManual)
	assert.Equal(t, StateFailedRetryable, attempt.State)
	assert.ErrorIs(t, attempt.Err, ErrRetryable)
	assert.Equal(t, 2, f.queue.Len())
	assert.Equal(t, 2, outboxLen(t, f.storage))

	attempt = f.queue.Flush(context.Background(), FlushManual)
	assert.Equal(t, StateSent, attempt.State)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, outboxLen(t, f.storage))

	calls := f.transport.sendCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0], calls[1], "retry resends the same events")
}

func TestQueue_DiscardedBatchIsDropped(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	f.transport.setErr(discarded())

	for i := 0; i < 5; i++ {
		f.queue.Enqueue(testEvent(i, f.clock.Now()))
		attempt := f.queue.Flush(context.Background(), FlushManual)
		assert.Equal(t, StateFailedDiscarded, attempt.State)
		assert.ErrorIs(t, attempt.Err, ErrDiscarded)
	}

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 0, outboxLen(t, f.storage))
	assert.False(t, f.delivery.CircuitOpen(), "rejections do not trip the breaker")
}

func TestQueue_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	f.transport.setErr(retryable())

	f.queue.Enqueue(testEvent(1, f.clock.Now()))
	for i := 0; i < 3; i++ {
		attempt := f.queue.Flush(context.Background(), FlushManual)
		require.Equal(t, StateFailedRetryable, attempt.State)
	}
	assert.True(t, f.delivery.CircuitOpen())

	attempt := f.queue.Flush(context.Background(), FlushManual)
	assert.Equal(t, StateFailedRetryable, attempt.State)
	assert.True(t, errors.Is(attempt.Err, ErrCircuitOpen))
	assert.Len(t, f.transport.sendCalls(), 3, "no sends while the circuit is open")

	// beacon тоже не отправляется, события остаются в outbox
	assert.False(t, f.queue.DrainToBeacon(FlushUnload))
	assert.Empty(t, f.transport.beaconCalls())
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 1, outboxLen(t, f.storage))
}

func TestQueue_MaxQueueFitsOneRequest(t *testing.T) {
	cfg := defaultQueueConfig()
	cfg.MaxQueue = 1000
	f := newQueueFixture(t, cfg)
	assert.Equal(t, models.MaxBatchEvents, f.queue.cfg.MaxQueue)

	// разомкнутый автомат держит события в очереди
	f.transport.setErr(retryable())
	f.queue.Enqueue(testEvent(0, f.clock.Now()))
	for i := 0; i < 3; i++ {
		f.queue.Flush(context.Background(), FlushManual)
	}
	require.True(t, f.delivery.CircuitOpen())

	for i := 1; i <= 600; i++ {
		f.queue.Enqueue(testEvent(i, f.clock.Now()))
	}
	f.queue.Wait()

	assert.Equal(t, models.MaxBatchEvents, f.queue.Len())
	f.queue.mu.Lock()
	oldest, newest := f.queue.events[0].ID, f.queue.events[len(f.queue.events)-1].ID
	f.queue.mu.Unlock()
	assert.Equal(t, "evt-101", oldest, "oldest events are dropped first")
	assert.Equal(t, "evt-600", newest)
}

func TestQueue_DrainToBeaconSendsEverythingOnce(t *testing.T) {
	f := newQueueFixture(t, defaultQueueConfig())
	for i := 0; i < 7; i++ {
		f.queue.Enqueue(testEvent(i, f.clock.Now()))
	}

	assert.True(t, f.queue.DrainToBeacon(FlushUnload))
	assert.False(t, f.queue.DrainToBeacon(FlushUnload), "queue is already empty")

	beacons := f.transport.beaconCalls()
	require.Len(t, beacons, 1)
	assert.Len(t, beacons[0], 7)
	assert.Equal(t, 0, f.queue.Len())
	assert.False(t, f.queue.Enqueue(testEvent(3, f.clock.Now())), "beaconed ids are remembered")
}

func TestOutbox_Recover(t *testing.T) {
	clock := newFakeClock()
	storage := NewMemoryStorage()
	previous := NewOutbox(storage, clock, "tab-old", zap.NewNop())
	current := NewOutbox(storage, clock, "tab-new", zap.NewNop())

	stale := testEvent(1, clock.Now())
	require.NoError(t, previous.Save([]models.Event{stale}))

	clock.Advance(25 * time.Hour)
	fresh := testEvent(2, clock.Now())
	require.NoError(t, previous.Save([]models.Event{fresh}))

	own := testEvent(3, clock.Now())
	require.NoError(t, current.Save([]models.Event{own}))

	recovered, err := current.Recover(24 * time.Hour)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, fresh.ID, recovered[0].ID)

	// запись старше максимального возраста удалена
	_, err = storage.Get(outboxPrefix + stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOutbox_SaveKeepsOriginalFailureTime(t *testing.T) {
	clock := newFakeClock()
	storage := NewMemoryStorage()
	outbox := NewOutbox(storage, clock, "tab-1", zap.NewNop())
	ev := testEvent(1, clock.Now())

	require.NoError(t, outbox.Save([]models.Event{ev}))
	clock.Advance(20 * time.Hour)
	require.NoError(t, outbox.Save([]models.Event{ev}))
	clock.Advance(5 * time.Hour)

	recovered, err := NewOutbox(storage, clock, "tab-2", zap.NewNop()).Recover(24 * time.Hour)
	require.NoError(t, err)
	assert.Empty(t, recovered, "repeated failures must not extend the retry window")
}
