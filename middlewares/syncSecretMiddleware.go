package middlewares

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

const SyncSecretHeader = "X-Sync-Secret"

// SyncSecretQueryParam carries the secret for Pub/Sub push subscriptions,
// which cannot set request headers.
const SyncSecretQueryParam = "token"

// SyncSecretMiddleware rejects requests whose X-Sync-Secret (or token query
// parameter) does not match secret. An empty secret falls back to
// SYNC_SHARED_SECRET; when both are empty every request is rejected.
func SyncSecretMiddleware(secret string) gin.HandlerFunc {
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("SYNC_SHARED_SECRET"))
	}
	return func(c *gin.Context) {
		got := c.Request.Header.Get(SyncSecretHeader)
		if got == "" {
			got = c.Query(SyncSecretQueryParam)
		}
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}
