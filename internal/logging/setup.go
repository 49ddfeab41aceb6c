package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"geminigate-go/internal/config"

	log "github.com/sirupsen/logrus"
)

// The gateway logs JSON to stdout in normal operation and human-readable
// text in debug mode. An optional log file duplicates the stream; the
// persisted app-log ring is fed separately through StoreHook.

var (
	mu       sync.Mutex
	fileSink *os.File
)

// Setup applies cfg to the global logrus logger. Safe to call again after a
// config change; the previous file sink is closed first.
func Setup(cfg *config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	debug := cfg != nil && cfg.Security.Debug
	log.SetFormatter(formatterFor(debug))
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
	sinks := []io.Writer{os.Stdout}
	if cfg != nil && cfg.Security.LogFile != "" {
		f, err := openLogFile(cfg.Security.LogFile)
		if err != nil {
			return err
		}
		fileSink = f
		sinks = append(sinks, f)
	}
	log.SetOutput(io.MultiWriter(sinks...))
	return nil
}

func formatterFor(debug bool) log.Formatter {
	if debug {
		return &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		}
	}
	return &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
