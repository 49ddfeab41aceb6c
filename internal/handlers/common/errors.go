package common

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Dialect selects the error envelope shape for a handler family.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
)

// AbortWithError writes a dialect-shaped error body and aborts the request.
func AbortWithError(c *gin.Context, dialect Dialect, status int, typ, message string) {
	if strings.TrimSpace(typ) == "" {
		typ = "server_error"
	}
	if strings.TrimSpace(message) == "" {
		message = "internal error"
	}
	switch dialect {
	case DialectAnthropic:
		c.JSON(status, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    typ,
				"message": message,
			},
		})
	default:
		c.JSON(status, gin.H{
			"error": gin.H{
				"message": message,
				"type":    typ,
			},
		})
	}
	c.Abort()
}
