package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/SergeiKhy/site-analytics/internal/repository"
)

type pageKey struct {
	PageURL string
	Date    time.Time
}

type geoKey struct {
	Region string
	City   string
	Date   time.Time
}

type sessionKey struct {
	SessionID string
	Date      time.Time
}

// MockCounterRepository implements repository.CounterRepository in memory with the
// same ledger-first, all-or-nothing semantics as the Postgres implementation.
type MockCounterRepository struct {
	mu sync.Mutex

	ledger       map[string]time.Time
	pageViews    map[pageKey]*models.PageViewCounter
	geo          map[geoKey]*models.GeographicCounter
	stats        map[time.Time]*models.VisitorStatsCounter
	dailySet     map[string]struct{}
	pageSet      map[string]struct{}
	geoSet       map[string]struct{}
	sessionViews map[sessionKey]int64

	// FailNext makes the next N ApplyEvent calls return Err without side effects.
	FailNext int
	Err      error
	Calls    int
}

func NewMockCounterRepository() *MockCounterRepository {
	m := &MockCounterRepository{}
	m.Reset()
	return m
}

func (m *MockCounterRepository) ApplyEvent(ctx context.Context, event *models.Event, geo models.GeoLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.FailNext > 0 {
		m.FailNext--
		return m.Err
	}

	if _, exists := m.ledger[event.ID]; exists {
		return repository.ErrDuplicateEvent
	}
	m.ledger[event.ID] = time.Now()

	date := event.Date()
	pageViews := int64(0)
	if event.IsPageView() {
		pageViews = 1
	}

	newDaily := addMember(m.dailySet, date.String()+"|"+event.VisitorID)

	sk := sessionKey{SessionID: event.SessionID, Date: date}
	_, sessionSeen := m.sessionViews[sk]
	m.sessionViews[sk] += pageViews

	stats, ok := m.stats[date]
	if !ok {
		stats = &models.VisitorStatsCounter{Date: date}
		m.stats[date] = stats
	}
	if !sessionSeen {
		stats.TotalVisitors++
	}
	if newDaily {
		stats.UniqueVisitors++
	}
	stats.PageViews += pageViews
	if event.IsPageView() && m.sessionViews[sk] == 2 {
		stats.MultiPageSessions++
	}
	if event.TimeOnPage != nil {
		stats.TotalSessionSeconds += *event.TimeOnPage
	}

	if event.IsPageView() {
		pk := pageKey{PageURL: event.PageURL, Date: date}
		pv, ok := m.pageViews[pk]
		if !ok {
			pv = &models.PageViewCounter{PageURL: event.PageURL, Date: date}
			m.pageViews[pk] = pv
		}
		pv.ViewCount++
		if addMember(m.pageSet, event.PageURL+"|"+date.String()+"|"+event.VisitorID) {
			pv.UniqueVisitors++
		}
	}

	gk := geoKey{Region: geo.Region, City: geo.City, Date: date}
	gc, ok := m.geo[gk]
	if !ok {
		gc = &models.GeographicCounter{Region: geo.Region, City: geo.City, Date: date}
		m.geo[gk] = gc
	}
	if addMember(m.geoSet, geo.Region+"|"+geo.City+"|"+date.String()+"|"+event.VisitorID) {
		gc.VisitorCount++
	}
	gc.PageViews += pageViews

	return nil
}

func (m *MockCounterRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, appliedAt := range m.ledger {
		if appliedAt.Before(cutoff) {
			delete(m.ledger, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MockCounterRepository) GetPageViewCounter(ctx context.Context, pageURL string, date time.Time) (*models.PageViewCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.pageViews[pageKey{PageURL: pageURL, Date: models.DayOf(date)}]
	if !ok {
		return nil, repository.ErrCounterNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockCounterRepository) GetGeoCounter(ctx context.Context, region, city string, date time.Time) (*models.GeographicCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.geo[geoKey{Region: region, City: city, Date: models.DayOf(date)}]
	if !ok {
		return nil, repository.ErrCounterNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockCounterRepository) GetVisitorStats(ctx context.Context, date time.Time) (*models.VisitorStatsCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.stats[models.DayOf(date)]
	if !ok {
		return nil, repository.ErrCounterNotFound
	}
	cp := *c
	return &cp, nil
}

// BackdateLedger moves every ledger entry's applied time back by d.
func (m *MockCounterRepository) BackdateLedger(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, at := range m.ledger {
		m.ledger[id] = at.Add(-d)
	}
}

func (m *MockCounterRepository) LedgerSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ledger)
}

func (m *MockCounterRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = make(map[string]time.Time)
	m.pageViews = make(map[pageKey]*models.PageViewCounter)
	m.geo = make(map[geoKey]*models.GeographicCounter)
	m.stats = make(map[time.Time]*models.VisitorStatsCounter)
	m.dailySet = make(map[string]struct{})
	m.pageSet = make(map[string]struct{})
	m.geoSet = make(map[string]struct{})
	m.sessionViews = make(map[sessionKey]int64)
	m.FailNext = 0
	m.Calls = 0
}

func addMember(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}

// MockGeoCacheRepository implements repository.GeoCacheRepository for testing
type MockGeoCacheRepository struct {
	mu    sync.RWMutex
	cache map[string]models.GeoLocation
}

func NewMockGeoCacheRepository() *MockGeoCacheRepository {
	return &MockGeoCacheRepository{
		cache: make(map[string]models.GeoLocation),
	}
}

func (m *MockGeoCacheRepository) Get(ctx context.Context, ip string) (*models.GeoLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	geo, exists := m.cache[ip]
	if !exists {
		return nil, repository.ErrCacheMiss
	}
	geo.Source = models.GeoSourceCache
	return &geo, nil
}

func (m *MockGeoCacheRepository) Set(ctx context.Context, ip string, geo *models.GeoLocation, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[ip] = *geo
	return nil
}

func (m *MockGeoCacheRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// MockGeoProvider implements service.GeoProvider for testing.
// Delay simulates a slow provider; Lookup honours ctx cancellation.
type MockGeoProvider struct {
	mu       sync.Mutex
	Location models.GeoLocation
	Err      error
	Delay    time.Duration
	calls    int
}

func (m *MockGeoProvider) Name() string {
	return "mock"
}

func (m *MockGeoProvider) Lookup(ctx context.Context, ip string) (*models.GeoLocation, error) {
	m.mu.Lock()
	m.calls++
	delay, loc, err := m.Delay, m.Location, m.Err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	loc.Source = models.GeoSourceProvider
	return &loc, nil
}

func (m *MockGeoProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockEventArchive implements repository.EventArchive for testing
type MockEventArchive struct {
	mu     sync.Mutex
	events []*models.ArchivedEvent
	Err    error
}

func (m *MockEventArchive) InsertEvents(ctx context.Context, events []*models.ArchivedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MockEventArchive) Events() []*models.ArchivedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ArchivedEvent, len(m.events))
	copy(out, m.events)
	return out
}
