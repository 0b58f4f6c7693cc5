package middleware

import (
	"net/http"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Имена cookie и ключи контекста идентичности
const (
	VisitorCookie = "analytics_visitor_id"
	SessionCookie = "analytics_session_id"

	VisitorIDKey = "visitor_id"
	SessionIDKey = "session_id"

	VisitorTTL = 365 * 24 * time.Hour
	SessionTTL = 30 * time.Minute
)

// IdentityCookies выдаёт посетителю долгоживущий visitor_id и скользящий session_id.
// Истёкшая cookie браузером не присылается, поэтому идентификатор прозрачно перевыпускается.
// Session cookie продлевается на каждом запросе.
func IdentityCookies(cfg config.CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetSameSite(http.SameSiteLaxMode)

		visitorID := validCookie(c, VisitorCookie)
		if visitorID == "" {
			visitorID = uuid.NewString()
			c.SetCookie(VisitorCookie, visitorID, int(VisitorTTL/time.Second), "/", cfg.Domain, cfg.Secure, true)
		}

		sessionID := validCookie(c, SessionCookie)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		c.SetCookie(SessionCookie, sessionID, int(SessionTTL/time.Second), "/", cfg.Domain, cfg.Secure, true)

		c.Set(VisitorIDKey, visitorID)
		c.Set(SessionIDKey, sessionID)

		c.Next()
	}
}

// validCookie возвращает значение cookie, только если это UUID
func validCookie(c *gin.Context, name string) string {
	value, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(value); err != nil {
		return ""
	}
	return value
}
