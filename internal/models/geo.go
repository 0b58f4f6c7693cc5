package models

// Источники, из которых получена геолокация
const (
	GeoSourceProvider = "provider"
	GeoSourceCache    = "cache"
	GeoSourceFallback = "fallback"
)

// GeoLocation грубое местоположение запроса. Не хранится как сущность,
// используется только для обогащения счётчиков.
type GeoLocation struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
	Source  string `json:"-"`
}

func (g GeoLocation) IsZero() bool {
	return g.Country == "" && g.Region == "" && g.City == ""
}
