package repository

import (
	"context"
	"fmt"

	"github.com/SergeiKhy/site-analytics/internal/models"
	"github.com/goccy/go-json"
)

// EventArchive хранилище сырых принятых событий для последующего анализа.
type EventArchive interface {
	InsertEvents(ctx context.Context, events []*models.ArchivedEvent) error
}

type eventArchive struct {
	db *ClickHouseDB
}

func NewEventArchive(db *ClickHouseDB) EventArchive {
	return &eventArchive{db: db}
}

// EnsureArchiveSchema создаёт таблицу архива. ReplacingMergeTree схлопывает повторы по event_id.
func (db *ClickHouseDB) EnsureArchiveSchema(ctx context.Context) error {
	err := db.Conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS analytics_events (
			event_id     String,
			kind         LowCardinality(String),
			page_url     String,
			page_title   String,
			referrer     String,
			visitor_id   String,
			session_id   String,
			timestamp    DateTime64(3, 'UTC'),
			time_on_page Nullable(Int64),
			payload      String,
			country      LowCardinality(String),
			region       LowCardinality(String),
			city         LowCardinality(String),
			ip_address   String,
			user_agent   String,
			received_at  DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(received_at)
		ORDER BY (toDate(timestamp), event_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	return nil
}

func (r *eventArchive) InsertEvents(ctx context.Context, events []*models.ArchivedEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn.PrepareBatch(ctx, `
		INSERT INTO analytics_events (
			event_id, kind, page_url, page_title, referrer, visitor_id, session_id, timestamp,
			time_on_page, payload, country, region, city, ip_address, user_agent, received_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for _, a := range events {
		payload, err := json.Marshal(a.Event.Payload)
		if err != nil {
			payload = []byte("{}")
		}

		err = batch.Append(
			a.Event.ID,
			a.Event.Kind,
			a.Event.PageURL,
			a.Event.PageTitle,
			a.Event.Referrer,
			a.Event.VisitorID,
			a.Event.SessionID,
			a.Event.Timestamp,
			a.Event.TimeOnPage,
			string(payload),
			a.Geo.Country,
			a.Geo.Region,
			a.Geo.City,
			a.IPAddress,
			a.UserAgent,
			a.ReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append event %s to archive batch: %w", a.Event.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}

	return nil
}
