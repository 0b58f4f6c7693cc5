package models

import "time"

// PageViewCounter строка счётчика по (page_url, date).
type PageViewCounter struct {
	PageURL        string    `json:"page_url"`
	Date           time.Time `json:"date"`
	ViewCount      int64     `json:"view_count"`
	UniqueVisitors int64     `json:"unique_visitors"`
}

// GeographicCounter строка счётчика по (region, city, date).
type GeographicCounter struct {
	Region       string    `json:"region"`
	City         string    `json:"city"`
	Date         time.Time `json:"date"`
	VisitorCount int64     `json:"visitor_count"`
	PageViews    int64     `json:"page_views"`
}

// VisitorStatsCounter дневная сводка. Все колонки монотонны,
// средняя длительность сессии и доля отказов вычисляются при чтении.
type VisitorStatsCounter struct {
	Date                time.Time `json:"date"`
	TotalVisitors       int64     `json:"total_visitors"` // начатые сессии (визиты)
	UniqueVisitors      int64     `json:"unique_visitors"`
	PageViews           int64     `json:"page_views"`
	MultiPageSessions   int64     `json:"multi_page_sessions"`
	TotalSessionSeconds int64     `json:"total_session_seconds"`
}

// AvgSessionDuration средняя длительность визита.
func (c VisitorStatsCounter) AvgSessionDuration() time.Duration {
	if c.TotalVisitors == 0 {
		return 0
	}
	return time.Duration(c.TotalSessionSeconds/c.TotalVisitors) * time.Second
}

// BounceRate доля визитов с не более чем одним просмотром страницы, 0..1.
func (c VisitorStatsCounter) BounceRate() float64 {
	if c.TotalVisitors == 0 {
		return 0
	}
	return float64(c.TotalVisitors-c.MultiPageSessions) / float64(c.TotalVisitors)
}
