package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const apiKeyHeader = "X-API-Key"

// RequireAPIKey закрывает служебные эндпоинты (/metrics) API ключом.
// Ключ принимается в заголовке X-API-Key или как Authorization: Bearer.
// Пустой набор ключей запрещает доступ полностью.
func RequireAPIKey(validKeys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(apiKeyHeader)
		if apiKey == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_api_key",
				"message": "Требуется API ключ. Передайте его через заголовок X-API-Key или Authorization: Bearer",
			})
			return
		}

		// Сравнение за постоянное время, перебираем все ключи
		var keyName string
		valid := false
		for validKey, name := range validKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
				valid = true
				keyName = name
			}
		}

		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_api_key",
				"message": "Невалидный API ключ",
			})
			return
		}

		c.Set("api_key_name", keyName)
		c.Next()
	}
}
