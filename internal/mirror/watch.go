package mirror

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 150 * time.Millisecond

// Watch reports changes to mirror files made by any process. Bursts of events
// within debounce are coalesced into one notification. The returned channel
// is closed when ctx is done or the watcher fails.
func (b *FileBackend) Watch(ctx context.Context, debounce time.Duration, logger Logger) (<-chan struct{}, error) {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(b.Dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		defer close(out)
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !isMirrorFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("mirror watch error: %v", err)
				}
			}
		}
	}()
	return out, nil
}

func isMirrorFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, fileMirrorExt) && !strings.HasPrefix(base, ".")
}
