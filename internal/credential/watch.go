package credential

import (
	"context"
	"path/filepath"
	"time"

	"geminigate-go/internal/store"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounce = 300 * time.Millisecond

// Watch reloads the pool when accounts.json changes on disk. Events are
// debounced so an editor's write-then-rename triggers one reload. The watcher
// stops when ctx is cancelled; the periodic staleness reload in GetToken
// remains the fallback when watching fails.
func (p *Pool) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(p.store.Dir()); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != store.AccountsFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					if err := p.Load(); err != nil {
						log.WithError(err).Warn("credential hot reload failed")
					} else {
						log.Debug("credentials reloaded after file change")
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("credential watcher error")
			}
		}
	}()
	return nil
}
