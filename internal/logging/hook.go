package logging

import (
	"geminigate-go/internal/store"

	log "github.com/sirupsen/logrus"
)

// StoreHook mirrors warn-and-above log entries into the app-log ring buffer
// so admin surfaces can read recent activity without tailing files.
type StoreHook struct {
	buffer *store.LogBuffer
}

// NewStoreHook wraps a log buffer as a logrus hook.
func NewStoreHook(buf *store.LogBuffer) *StoreHook {
	return &StoreHook{buffer: buf}
}

// Levels reports the levels the hook captures.
func (h *StoreHook) Levels() []log.Level {
	return []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel, log.WarnLevel, log.InfoLevel}
}

// Fire appends the entry to the ring buffer. Flushing happens on the buffer's
// own schedule.
func (h *StoreHook) Fire(entry *log.Entry) error {
	if h.buffer == nil {
		return nil
	}
	h.buffer.Append(entry.Level.String(), entry.Message)
	return nil
}
