package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const SecretHeader = "X-Webhook-Secret"

// Secret guards the webhook and job endpoints with a shared secret, passed
// as a header or a query parameter for senders that cannot set headers.
func Secret(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if required == "" {
			c.Next()
			return
		}
		got := c.GetHeader(SecretHeader)
		if got == "" {
			got = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(required)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Invalid webhook secret",
				},
			})
			return
		}
		c.Next()
	}
}
