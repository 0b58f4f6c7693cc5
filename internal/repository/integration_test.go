//go:build integration

package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/config"
	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/SergeiKhy/site-analytics/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

var berlin = models.GeoLocation{Country: "Germany", Region: "Berlin", City: "Berlin"}

// setupPostgres поднимает контейнер PostgreSQL и применяет схему счётчиков
func setupPostgres(t *testing.T) *repository.PostgresDB {
	ctx := testContext(t)

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("analytics"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := repository.NewPostgresDB(config.DBConfig{
		Host:     host,
		Port:     port.Port(),
		User:     "user",
		Password: "password",
		Name:     "analytics",
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.EnsureSchema(ctx))
	// Повторное применение схемы безопасно
	require.NoError(t, db.EnsureSchema(ctx))

	return db
}

func newEvent(id, pageURL, visitor, session string, ts time.Time) *models.Event {
	return &models.Event{
		ID:        id,
		Kind:      models.KindPageView,
		PageURL:   pageURL,
		VisitorID: visitor,
		SessionID: session,
		Timestamp: ts,
	}
}

// TestIntegration_ConcurrentIncrements проверяет отсутствие потерянных обновлений
func TestIntegration_ConcurrentIncrements(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропускаем интеграционный тест в коротком режиме")
	}

	repo := repository.NewCounterRepository(setupPostgres(t))
	ctx := testContext(t)
	now := time.Now().UTC()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := newEvent(fmt.Sprintf("evt-%d", i), "/landing", fmt.Sprintf("visitor-%d", i%10), fmt.Sprintf("session-%d", i%10), now)
			errs <- repo.ApplyEvent(ctx, ev, berlin)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	counter, err := repo.GetPageViewCounter(ctx, "/landing", now)
	require.NoError(t, err)
	assert.Equal(t, int64(n), counter.ViewCount)
	assert.Equal(t, int64(10), counter.UniqueVisitors)

	geo, err := repo.GetGeoCounter(ctx, "Berlin", "Berlin", now)
	require.NoError(t, err)
	assert.Equal(t, int64(n), geo.PageViews)
	assert.Equal(t, int64(10), geo.VisitorCount)

	stats, err := repo.GetVisitorStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TotalVisitors)
	assert.Equal(t, int64(10), stats.UniqueVisitors)
	assert.Equal(t, int64(10), stats.MultiPageSessions)
	assert.Equal(t, int64(n), stats.PageViews)
}

// TestIntegration_ConcurrentDuplicates проверяет, что одно событие применяется ровно один раз
func TestIntegration_ConcurrentDuplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропускаем интеграционный тест в коротком режиме")
	}

	repo := repository.NewCounterRepository(setupPostgres(t))
	ctx := testContext(t)
	now := time.Now().UTC()

	const n = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		applied    int
		duplicates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ApplyEvent(ctx, newEvent("same-id", "/dup", "v", "s", now), berlin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, repository.ErrDuplicateEvent):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, n-1, duplicates)

	counter, err := repo.GetPageViewCounter(ctx, "/dup", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.ViewCount)

	stats, err := repo.GetVisitorStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PageViews)
	assert.Equal(t, int64(1), stats.TotalVisitors)
}

// TestIntegration_CustomEventAndSessionTime проверяет кастомные события и время на странице
func TestIntegration_CustomEventAndSessionTime(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропускаем интеграционный тест в коротком режиме")
	}

	repo := repository.NewCounterRepository(setupPostgres(t))
	ctx := testContext(t)
	now := time.Now().UTC()

	seconds := int64(45)
	custom := newEvent("signup-1", "/signup", "v1", "s1", now)
	custom.Kind = "signup"
	custom.TimeOnPage = &seconds
	require.NoError(t, repo.ApplyEvent(ctx, custom, berlin))

	_, err := repo.GetPageViewCounter(ctx, "/signup", now)
	assert.ErrorIs(t, err, repository.ErrCounterNotFound, "кастомное событие не считается просмотром")

	stats, err := repo.GetVisitorStats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.PageViews)
	assert.Equal(t, int64(1), stats.TotalVisitors)
	assert.Equal(t, int64(45), stats.TotalSessionSeconds)
}

// TestIntegration_PurgeBefore проверяет очистку журнала
func TestIntegration_PurgeBefore(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропускаем интеграционный тест в коротком режиме")
	}

	db := setupPostgres(t)
	repo := repository.NewCounterRepository(db)
	ctx := testContext(t)
	now := time.Now().UTC()

	require.NoError(t, repo.ApplyEvent(ctx, newEvent("old", "/p", "v", "s", now), berlin))
	_, err := db.Pool.Exec(ctx, `UPDATE event_ledger SET applied_at = NOW() - INTERVAL '72 hours' WHERE event_id = 'old'`)
	require.NoError(t, err)
	require.NoError(t, repo.ApplyEvent(ctx, newEvent("fresh", "/p", "v", "s", now), berlin))

	purged, err := repo.PurgeBefore(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	// Счётчики не затрагиваются очисткой
	counter, err := repo.GetPageViewCounter(ctx, "/p", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.ViewCount)
}

// TestIntegration_GeoCache проверяет кэш геолокации в Redis
func TestIntegration_GeoCache(t *testing.T) {
	if testing.Short() {
		t.Skip("Пропускаем интеграционный тест в коротком режиме")
	}

	ctx := testContext(t)
	container, err := redis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := repository.NewRedisClient(config.RedisConfig{Host: host, Port: port.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cache := repository.NewGeoCacheRepository(client)

	_, err = cache.Get(ctx, "8.8.8.8")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, "8.8.8.8", &berlin, time.Minute))

	geo, err := cache.Get(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "Berlin", geo.City)
	assert.Equal(t, models.GeoSourceCache, geo.Source)
}

// testContext возвращает контекст, отменяемый по завершении теста (аналог t.Context из Go 1.24)
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
