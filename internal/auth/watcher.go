package auth

import (
	"path/filepath"
	"sync"
	"time"

	"graphmcp/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// cacheReloadDebounce is the time to wait after the last file change before
// reloading, so a burst of writes triggers a single reload.
const cacheReloadDebounce = 500 * time.Millisecond

// CacheWatcher watches the credential fallback file so a running server
// picks up sign-ins performed by another process (e.g. `graphmcp login` in
// a separate terminal). Only the file tier is observable this way; keyring
// writes are detected on the next load.
type CacheWatcher struct {
	mu sync.Mutex

	manager   *Manager
	cachePath string

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	debounceTimer *time.Timer
}

// NewCacheWatcher creates a watcher for the manager's credential store.
func NewCacheWatcher(manager *Manager, store *CredentialStore) *CacheWatcher {
	return &CacheWatcher{
		manager:   manager,
		cachePath: store.FilePath(RecordTokenCache),
	}
}

// Start begins watching the fallback file's directory. The directory is
// watched instead of the file so create-after-delete writes are seen.
func (w *CacheWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(w.cachePath)); err != nil {
		_ = fsWatcher.Close()
		return err
	}

	w.fsWatcher = fsWatcher
	w.stopCh = make(chan struct{})
	w.running = true

	go w.watchLoop()
	logging.Debug("Auth", "Watching %s for external credential updates", w.cachePath)
	return nil
}

// Stop stops the watcher.
func (w *CacheWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	_ = w.fsWatcher.Close()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.running = false
}

func (w *CacheWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Name != w.cachePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Auth", "Credential file watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

// scheduleReload debounces rapid successive writes into one reload.
func (w *CacheWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(cacheReloadDebounce, w.manager.ReloadPersistedCache)
}
