package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// InternalAPIKeyHeader carries the shared secret between internal services.
const InternalAPIKeyHeader = "X-INTERNAL-API-KEY"

// InternalKeyMiddleware rejects requests whose X-INTERNAL-API-KEY header does
// not match key. An empty key disables the check.
func InternalKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		provided := c.GetHeader(InternalAPIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid internal API key",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
