package common

import (
	"net/http"
	"strconv"
	"strings"

	"geminigate-go/internal/apikey"
	"geminigate-go/internal/config"

	"github.com/gin-gonic/gin"
)

// ExtractAPIKey pulls the caller's key from Authorization: Bearer or the
// x-api-key header.
func ExtractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return strings.TrimSpace(c.GetHeader("x-api-key"))
}

// Authorize resolves and checks the caller's API key. The configured
// admin-wide key bypasses the per-key limiter. On failure it has already
// written the 401/429 response; callers must return immediately when ok is
// false.
func Authorize(c *gin.Context, sec *config.SecurityConfig, keys *apikey.Store, dialect Dialect) (string, bool) {
	key := ExtractAPIKey(c)
	if key == "" {
		AbortWithError(c, dialect, http.StatusUnauthorized, "authentication_error", "missing API key")
		return "", false
	}
	if sec.APIKey != "" && key == sec.APIKey {
		return key, true
	}
	if !keys.Validate(key) {
		AbortWithError(c, dialect, http.StatusUnauthorized, "authentication_error", "invalid API key")
		return "", false
	}

	decision := keys.CheckRateLimit(key)
	if decision.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.Allowed {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetInS, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"message":          "rate limit exceeded",
				"type":             "rate_limit_exceeded",
				"reset_in_seconds": decision.ResetInS,
			},
		})
		c.Abort()
		return "", false
	}
	return key, true
}
