package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const probeContentLength = 20

// ReadBody reads and validates the raw request body. A body that trips the
// size cap mid-read (chunked uploads carry no Content-Length for the
// middleware to check) surfaces as 413 rather than a generic parse error.
// On failure the response has already been written.
func ReadBody(c *gin.Context, dialect Dialect) ([]byte, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			AbortWithError(c, dialect, http.StatusRequestEntityTooLarge, "entity_too_large", "request body too large")
			return nil, false
		}
		AbortWithError(c, dialect, http.StatusBadRequest, "invalid_request_error", "request body could not be read")
		return nil, false
	}
	if !gjson.ValidBytes(raw) {
		AbortWithError(c, dialect, http.StatusBadRequest, "invalid_request_error", "request body must be valid JSON")
		return nil, false
	}
	return raw, true
}

// StreamRequested decides whether the response streams. An explicit stream
// field always wins. Without one, streaming is the default — except for a
// single short message, which is treated as an upstream health probe and
// answered with plain JSON. That downgrade is a compatibility quirk some
// clients depend on.
func StreamRequested(rawJSON []byte) bool {
	stream := gjson.GetBytes(rawJSON, "stream")
	if stream.Exists() {
		return stream.Bool()
	}
	messages := gjson.GetBytes(rawJSON, "messages").Array()
	if len(messages) == 1 {
		content := messages[0].Get("content")
		if content.Type == gjson.String && len(content.String()) < probeContentLength {
			return false
		}
	}
	return true
}
