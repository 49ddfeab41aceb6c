package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskFunc is a function that runs as a background task until its context is
// cancelled.
type TaskFunc func(ctx context.Context) error

// TaskManager owns the gateway's background tasks: the periodic flushes, the
// identity sweep and the accounts file watcher. Tasks start exactly once at
// boot and stop together on shutdown.
type TaskManager struct {
	mu     sync.Mutex
	names  map[string]struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskManager{
		names:  make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches a named task. Starting the same name twice is an error.
func (tm *TaskManager) Start(name string, fn TaskFunc) error {
	tm.mu.Lock()
	if _, exists := tm.names[name]; exists {
		tm.mu.Unlock()
		return fmt.Errorf("task %s already exists", name)
	}
	tm.names[name] = struct{}{}
	tm.mu.Unlock()

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"task": name, "panic": r}).Error("Task panicked")
			}
		}()

		log.WithField("task", name).Info("Task started")
		if err := fn(tm.ctx); err != nil && tm.ctx.Err() == nil {
			log.WithFields(log.Fields{"task": name, "error": err}).Error("Task failed")
			return
		}
		log.WithField("task", name).Info("Task stopped")
	}()
	return nil
}

// StartPeriodic launches a task that runs fn every interval until shutdown.
// Failures are logged and the schedule keeps going.
func (tm *TaskManager) StartPeriodic(name string, interval time.Duration, fn TaskFunc) error {
	return tm.Start(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					log.WithFields(log.Fields{"task": name, "error": err}).Warn("Periodic task execution failed")
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// StopAll cancels every task.
func (tm *TaskManager) StopAll() {
	tm.cancel()
}

// Wait blocks until all tasks have returned.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}
