package repository

import (
	"context"
	"fmt"
)

// Каноническая схема счётчиков: каждая строка ключуется одной колонкой date,
// все счётные колонки монотонно не убывают в пределах дня.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS event_ledger (
		event_id   TEXT PRIMARY KEY,
		event_date DATE NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS event_ledger_applied_at_idx ON event_ledger (applied_at)`,

	`CREATE TABLE IF NOT EXISTS page_view_counters (
		page_url        TEXT NOT NULL,
		date            DATE NOT NULL,
		view_count      BIGINT NOT NULL DEFAULT 0,
		unique_visitors BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (page_url, date)
	)`,
	`CREATE TABLE IF NOT EXISTS geo_counters (
		region        TEXT NOT NULL,
		city          TEXT NOT NULL,
		date          DATE NOT NULL,
		visitor_count BIGINT NOT NULL DEFAULT 0,
		page_views    BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (region, city, date)
	)`,
	`CREATE TABLE IF NOT EXISTS visitor_stats_counters (
		date                  DATE PRIMARY KEY,
		total_visitors        BIGINT NOT NULL DEFAULT 0,
		unique_visitors       BIGINT NOT NULL DEFAULT 0,
		page_views            BIGINT NOT NULL DEFAULT 0,
		multi_page_sessions   BIGINT NOT NULL DEFAULT 0,
		total_session_seconds BIGINT NOT NULL DEFAULT 0
	)`,

	// Множества уникальности: вставка новой строки означает "впервые за день"
	`CREATE TABLE IF NOT EXISTS daily_visitors (
		date       DATE NOT NULL,
		visitor_id TEXT NOT NULL,
		PRIMARY KEY (date, visitor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS page_visitors (
		page_url   TEXT NOT NULL,
		date       DATE NOT NULL,
		visitor_id TEXT NOT NULL,
		PRIMARY KEY (page_url, date, visitor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS geo_visitors (
		region     TEXT NOT NULL,
		city       TEXT NOT NULL,
		date       DATE NOT NULL,
		visitor_id TEXT NOT NULL,
		PRIMARY KEY (region, city, date, visitor_id)
	)`,
	`CREATE TABLE IF NOT EXISTS session_activity (
		session_id TEXT NOT NULL,
		date       DATE NOT NULL,
		page_views BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, date)
	)`,
}

// EnsureSchema создаёт таблицы счётчиков, если их ещё нет.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
