package store

import (
	"sync"
	"time"
)

const (
	// LogCap bounds the persisted app log, newest entries win.
	LogCap = 200
	// logFlushThreshold forces an early flush once this many entries are
	// buffered in memory.
	logFlushThreshold = 50
)

// LogEntry is one persisted application log record.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// LogBuffer is a write-behind ring buffer for app logs. Entries accumulate in
// memory and are flushed to app_logs.json periodically or when the buffer
// reaches the flush threshold.
type LogBuffer struct {
	store *Store

	mu      sync.Mutex
	pending []LogEntry
}

// NewLogBuffer creates a buffer backed by the given store.
func NewLogBuffer(s *Store) *LogBuffer {
	return &LogBuffer{store: s}
}

// Append records a log entry in memory. Flush happens on the caller's
// schedule or once enough entries pile up.
func (b *LogBuffer) Append(level, message string) {
	b.mu.Lock()
	b.pending = append(b.pending, LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   message,
	})
	if len(b.pending) > LogCap {
		b.pending = b.pending[len(b.pending)-LogCap:]
	}
	needFlush := len(b.pending) >= logFlushThreshold
	b.mu.Unlock()

	if needFlush {
		_ = b.Flush()
	}
}

// Flush merges the in-memory buffer into the on-disk tail and truncates the
// result to LogCap entries.
func (b *LogBuffer) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	var tail []LogEntry
	err := b.store.Update(AppLogsFile, &tail, func() error {
		tail = append(tail, batch...)
		if len(tail) > LogCap {
			tail = tail[len(tail)-LogCap:]
		}
		return nil
	})
	if err != nil {
		// Put the batch back so a later flush can retry.
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		if len(b.pending) > LogCap {
			b.pending = b.pending[len(b.pending)-LogCap:]
		}
		b.mu.Unlock()
	}
	return err
}

// Recent returns the newest entries, merging the on-disk tail with anything
// still buffered in memory.
func (b *LogBuffer) Recent() []LogEntry {
	var tail []LogEntry
	_ = b.store.Load(AppLogsFile, &tail)

	b.mu.Lock()
	merged := make([]LogEntry, 0, len(tail)+len(b.pending))
	merged = append(merged, tail...)
	merged = append(merged, b.pending...)
	b.mu.Unlock()

	if len(merged) > LogCap {
		merged = merged[len(merged)-LogCap:]
	}
	return merged
}
