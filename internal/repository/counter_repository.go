package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/jackc/pgx/v5"
)

var (
	ErrDuplicateEvent  = errors.New("event already applied")
	ErrCounterNotFound = errors.New("counter not found")
)

// CounterRepository хранилище дневных счётчиков с журналом идемпотентности.
type CounterRepository interface {
	// ApplyEvent атомарно регистрирует ID события в журнале и увеличивает все счётчики.
	// Возвращает ErrDuplicateEvent, если событие уже было применено.
	ApplyEvent(ctx context.Context, event *models.Event, geo models.GeoLocation) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetPageViewCounter(ctx context.Context, pageURL string, date time.Time) (*models.PageViewCounter, error)
	GetGeoCounter(ctx context.Context, region, city string, date time.Time) (*models.GeographicCounter, error)
	GetVisitorStats(ctx context.Context, date time.Time) (*models.VisitorStatsCounter, error)
}

type counterRepository struct {
	db *PostgresDB
}

func NewCounterRepository(db *PostgresDB) CounterRepository {
	return &counterRepository{db: db}
}

func (r *counterRepository) ApplyEvent(ctx context.Context, event *models.Event, geo models.GeoLocation) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	date := event.Date()

	// Журнал идемпотентности: конкурентная вставка того же ID ждёт фиксации первой
	// транзакции и получает 0 строк
	tag, err := tx.Exec(ctx, `
		INSERT INTO event_ledger (event_id, event_date, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, event.ID, date)
	if err != nil {
		return fmt.Errorf("failed to record event in ledger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}

	newDaily, err := insertMember(ctx, tx, `
		INSERT INTO daily_visitors (date, visitor_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, date, event.VisitorID)
	if err != nil {
		return fmt.Errorf("failed to track daily visitor: %w", err)
	}

	pageViews := int64(0)
	if event.IsPageView() {
		pageViews = 1
	}

	var sessionPageViews int64
	var newSession bool
	err = tx.QueryRow(ctx, `
		INSERT INTO session_activity (session_id, date, page_views)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, date)
		DO UPDATE SET page_views = session_activity.page_views + EXCLUDED.page_views
		RETURNING page_views, (xmax = 0)
	`, event.SessionID, date, pageViews).Scan(&sessionPageViews, &newSession)
	if err != nil {
		return fmt.Errorf("failed to track session: %w", err)
	}

	var sessionSeconds int64
	if event.TimeOnPage != nil {
		sessionSeconds = *event.TimeOnPage
	}
	multiPage := event.IsPageView() && sessionPageViews == 2

	_, err = tx.Exec(ctx, `
		INSERT INTO visitor_stats_counters
			(date, total_visitors, unique_visitors, page_views, multi_page_sessions, total_session_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (date) DO UPDATE SET
			total_visitors        = visitor_stats_counters.total_visitors + EXCLUDED.total_visitors,
			unique_visitors       = visitor_stats_counters.unique_visitors + EXCLUDED.unique_visitors,
			page_views            = visitor_stats_counters.page_views + EXCLUDED.page_views,
			multi_page_sessions   = visitor_stats_counters.multi_page_sessions + EXCLUDED.multi_page_sessions,
			total_session_seconds = visitor_stats_counters.total_session_seconds + EXCLUDED.total_session_seconds
	`, date, boolToInt(newSession), boolToInt(newDaily), pageViews, boolToInt(multiPage), sessionSeconds)
	if err != nil {
		return fmt.Errorf("failed to increment visitor stats: %w", err)
	}

	if event.IsPageView() {
		newPageVisitor, err := insertMember(ctx, tx, `
			INSERT INTO page_visitors (page_url, date, visitor_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, event.PageURL, date, event.VisitorID)
		if err != nil {
			return fmt.Errorf("failed to track page visitor: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO page_view_counters (page_url, date, view_count, unique_visitors)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (page_url, date) DO UPDATE SET
				view_count      = page_view_counters.view_count + 1,
				unique_visitors = page_view_counters.unique_visitors + EXCLUDED.unique_visitors
		`, event.PageURL, date, boolToInt(newPageVisitor))
		if err != nil {
			return fmt.Errorf("failed to increment page views: %w", err)
		}
	}

	newGeoVisitor, err := insertMember(ctx, tx, `
		INSERT INTO geo_visitors (region, city, date, visitor_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, geo.Region, geo.City, date, event.VisitorID)
	if err != nil {
		return fmt.Errorf("failed to track geo visitor: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO geo_counters (region, city, date, visitor_count, page_views)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (region, city, date) DO UPDATE SET
			visitor_count = geo_counters.visitor_count + EXCLUDED.visitor_count,
			page_views    = geo_counters.page_views + EXCLUDED.page_views
	`, geo.Region, geo.City, date, boolToInt(newGeoVisitor), pageViews)
	if err != nil {
		return fmt.Errorf("failed to increment geo counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}

	return nil
}

// PurgeBefore удаляет записи журнала и множеств уникальности старше cutoff.
// Окно журнала должно превышать максимальный возраст повторной отправки у клиента.
func (r *counterRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM event_ledger WHERE applied_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge ledger: %w", err)
	}

	cutoffDate := models.DayOf(cutoff)
	for _, table := range []string{"daily_visitors", "page_visitors", "geo_visitors", "session_activity"} {
		if _, err := r.db.Pool.Exec(ctx, "DELETE FROM "+table+" WHERE date < $1", cutoffDate); err != nil {
			return tag.RowsAffected(), fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}

	return tag.RowsAffected(), nil
}

func (r *counterRepository) GetPageViewCounter(ctx context.Context, pageURL string, date time.Time) (*models.PageViewCounter, error) {
	c := &models.PageViewCounter{PageURL: pageURL}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT date, view_count, unique_visitors
		FROM page_view_counters
		WHERE page_url = $1 AND date = $2
	`, pageURL, models.DayOf(date)).Scan(&c.Date, &c.ViewCount, &c.UniqueVisitors)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCounterNotFound
		}
		return nil, fmt.Errorf("failed to get page view counter: %w", err)
	}
	return c, nil
}

func (r *counterRepository) GetGeoCounter(ctx context.Context, region, city string, date time.Time) (*models.GeographicCounter, error) {
	c := &models.GeographicCounter{Region: region, City: city}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT date, visitor_count, page_views
		FROM geo_counters
		WHERE region = $1 AND city = $2 AND date = $3
	`, region, city, models.DayOf(date)).Scan(&c.Date, &c.VisitorCount, &c.PageViews)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCounterNotFound
		}
		return nil, fmt.Errorf("failed to get geo counter: %w", err)
	}
	return c, nil
}

func (r *counterRepository) GetVisitorStats(ctx context.Context, date time.Time) (*models.VisitorStatsCounter, error) {
	c := &models.VisitorStatsCounter{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT date, total_visitors, unique_visitors, page_views, multi_page_sessions, total_session_seconds
		FROM visitor_stats_counters
		WHERE date = $1
	`, models.DayOf(date)).Scan(
		&c.Date,
		&c.TotalVisitors,
		&c.UniqueVisitors,
		&c.PageViews,
		&c.MultiPageSessions,
		&c.TotalSessionSeconds,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCounterNotFound
		}
		return nil, fmt.Errorf("failed to get visitor stats: %w", err)
	}
	return c, nil
}

// insertMember вставляет элемент множества уникальности и сообщает, был ли он новым.
func insertMember(ctx context.Context, tx pgx.Tx, query string, args ...any) (bool, error) {
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
