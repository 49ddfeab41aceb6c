package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateGuard is a coarse process-wide limiter in front of the per-key
// sliding-window limiter. It only protects against floods; per-key policy
// lives in the key store.
func RateGuard(rps int, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	global := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !global.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"message": "Global rate limit exceeded",
					"type":    "rate_limit_error",
				},
			})
			return
		}
		c.Next()
	}
}
