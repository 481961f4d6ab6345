package profiles

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yllada/ovpn-launcher/common"
)

// Watcher calls a callback after a file changes. The parent directory is
// watched so atomic replacements are seen too. Bursts of events are
// coalesced.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	filename string
	callback func()
	settle   time.Duration
	closeC   chan struct{}
	started  atomic.Bool
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, callback func()) *Watcher {
	return &Watcher{
		dir:      filepath.Dir(path),
		filename: filepath.Base(path),
		callback: callback,
		settle:   100 * time.Millisecond,
	}
}

// Start begins watching. Starting twice is a no-op.
func (w *Watcher) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.started.Store(false)
		return fmt.Errorf("start watcher: %w", err)
	}
	if err := common.EnsureDir(w.dir); err != nil {
		fw.Close()
		w.started.Store(false)
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		w.started.Store(false)
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw
	w.closeC = make(chan struct{})
	go w.loop()
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	if !w.started.CompareAndSwap(true, false) {
		return nil
	}
	close(w.closeC)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		timerMu sync.Mutex
	)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.filename {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}

			// Wait until writes settle before reporting.
			timerMu.Lock()
			if timer == nil {
				timer = time.AfterFunc(w.settle, func() {
					timerMu.Lock()
					timer = nil
					timerMu.Unlock()
					select {
					case <-w.closeC:
					default:
						w.callback()
					}
				})
			} else {
				timer.Reset(w.settle)
			}
			timerMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			common.LogError("Error watching %s: %v", w.dir, err)
		case <-w.closeC:
			return
		}
	}
}
