package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SergeiKhy/site-analytics/internal/config"
	"github.com/SergeiKhy/site-analytics/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRateLimiter_Middleware проверяет работу rate limiter middleware
func TestRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Лимит 5 запросов в секунду и burst 5
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: 5,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.POST("/track", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	// Первые 5 запросов должны пройти (в пределах burst лимита)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/track", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// Следующий запрос должен быть ограничен, с подсказкой для повтора
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/track", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, 1, rl.Len())
}

// TestRateLimiter_KeyFunc проверяет rate limiting с кастомным ключом
func TestRateLimiter_KeyFunc(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: 2,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
		KeyFunc: func(c *gin.Context) string {
			return c.GetHeader("X-Visitor")
		},
	})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/track", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	send := func(visitor string) int {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/track", nil)
		req.Header.Set("X-Visitor", visitor)
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Посетитель 1 - первые 2 запроса успешны, третий ограничен
	assert.Equal(t, http.StatusOK, send("v1"))
	assert.Equal(t, http.StatusOK, send("v1"))
	assert.Equal(t, http.StatusTooManyRequests, send("v1"))

	// Посетитель 2 - другой ключ, запрос успешен
	assert.Equal(t, http.StatusOK, send("v2"))
}

// TestRequireAPIKey проверяет аутентификацию по API ключу
func TestRequireAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(middleware.RequireAPIKey(map[string]string{
		"test-key-1": "Prometheus",
		"test-key-2": "Grafana",
	}))
	router.GET("/metrics", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("api_key_name"))
	})

	tests := []struct {
		name     string
		header   string
		value    string
		wantCode int
		wantBody string
	}{
		{name: "без ключа", wantCode: http.StatusUnauthorized},
		{name: "невалидный ключ", header: "X-API-Key", value: "invalid-key", wantCode: http.StatusUnauthorized},
		{name: "валидный ключ", header: "X-API-Key", value: "test-key-1", wantCode: http.StatusOK, wantBody: "Prometheus"},
		{name: "bearer токен", header: "Authorization", value: "Bearer test-key-2", wantCode: http.StatusOK, wantBody: "Grafana"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

// TestRequireAPIKey_NoKeysConfigured проверяет, что без ключей доступ закрыт
func TestRequireAPIKey_NoKeysConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(middleware.RequireAPIKey(nil))
	router.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-API-Key", "anything")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func identityRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.IdentityCookies(config.CookieConfig{}))
	router.GET("/track", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"visitor": c.GetString(middleware.VisitorIDKey),
			"session": c.GetString(middleware.SessionIDKey),
		})
	})
	return router
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// TestIdentityCookies_IssuesNewIdentity проверяет выдачу cookie новому посетителю
func TestIdentityCookies_IssuesNewIdentity(t *testing.T) {
	router := identityRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/track", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	visitor := findCookie(cookies, middleware.VisitorCookie)
	session := findCookie(cookies, middleware.SessionCookie)
	require.NotNil(t, visitor)
	require.NotNil(t, session)

	_, err := uuid.Parse(visitor.Value)
	assert.NoError(t, err)
	assert.True(t, visitor.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, visitor.SameSite)
	assert.Equal(t, 365*24*3600, visitor.MaxAge)
	assert.Equal(t, 30*60, session.MaxAge)
	assert.True(t, session.HttpOnly)
	assert.NotEqual(t, visitor.Value, session.Value)
}

// TestIdentityCookies_ReusesAndSlidesSession проверяет продление существующей сессии
func TestIdentityCookies_ReusesAndSlidesSession(t *testing.T) {
	router := identityRouter()
	visitorID := uuid.NewString()
	sessionID := uuid.NewString()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/track", nil)
	req.AddCookie(&http.Cookie{Name: middleware.VisitorCookie, Value: visitorID})
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: sessionID})
	router.ServeHTTP(w, req)

	cookies := w.Result().Cookies()
	assert.Nil(t, findCookie(cookies, middleware.VisitorCookie), "visitor cookie не перевыпускается")

	session := findCookie(cookies, middleware.SessionCookie)
	require.NotNil(t, session)
	assert.Equal(t, sessionID, session.Value)
	assert.Contains(t, w.Body.String(), visitorID)
}

// TestIdentityCookies_RejectsGarbage проверяет замену некорректных значений
func TestIdentityCookies_RejectsGarbage(t *testing.T) {
	router := identityRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/track", nil)
	req.AddCookie(&http.Cookie{Name: middleware.VisitorCookie, Value: "<script>"})
	router.ServeHTTP(w, req)

	visitor := findCookie(w.Result().Cookies(), middleware.VisitorCookie)
	require.NotNil(t, visitor)
	assert.NotEqual(t, "<script>", visitor.Value)
}
