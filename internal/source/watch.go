package source

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce coalesces bursts of filesystem events into one callback.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watch calls fn whenever the contents of dir change. Bursts of events are
// coalesced so fn runs once per burst. Watch returns once the watcher is
// registered; watching stops when ctx is done.
func (l *Local) Watch(ctx context.Context, dir string, fn func(dir string)) error {
	rel, full, err := l.resolve(dir)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return mapFSError(err, "Watch", rel)
	}
	if err := watcher.Add(full); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			l.logger.Warn("failed to close watcher after add error", zap.Error(closeErr))
		}
		return mapFSError(err, "Watch", rel)
	}

	l.logger.Info("watching directory", zap.String("dir", rel))
	go l.watchLoop(ctx, watcher, rel, fn)
	return nil
}

func (l *Local) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, rel string, fn func(string)) {
	debounce := l.debounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := watcher.Close(); err != nil {
			l.logger.Warn("failed to close watcher", zap.Error(err))
		}
		l.logger.Debug("stopped watching directory", zap.String("dir", rel))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			l.logger.Debug("directory changed", zap.String("dir", rel), zap.Stringer("op", event.Op))

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if ctx.Err() != nil {
					return
				}
				fn(rel)
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("directory watcher error", zap.String("dir", rel), zap.Error(err))
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
