package context

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces rapid successive writes to the system prompt file
// into a single cache invalidation.
var debounceDelay = 100 * time.Millisecond

// newWatcherFunc creates an fsnotify watcher; tests may replace it to inject errors.
type newWatcherFunc func() (*fsnotify.Watcher, error)

// PromptCache loads and caches a system prompt file's contents, invalidating
// the cache when the file changes on disk (edited externally while the
// gateway is running).
type PromptCache struct {
	path         string
	logger       *slog.Logger
	newWatcherFn newWatcherFunc

	mu      sync.Mutex
	cached  string
	loaded  bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPromptCache creates a cache for the system prompt at path. Call Start
// to begin watching for external edits; Load works even without Start.
func NewPromptCache(path string, logger *slog.Logger) *PromptCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptCache{path: path, logger: logger}
}

// Load returns the cached system prompt text, reading it from disk on first
// use or after invalidation. A missing file yields an empty string, not an
// error (the assembler treats an absent prompt as "no system prompt").
func (c *PromptCache) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.cached, nil
	}
	return c.reload()
}

// reload must be called with c.mu held.
func (c *PromptCache) reload() (string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.cached, c.loaded = "", true
			return "", nil
		}
		return "", err
	}
	c.cached = string(data)
	c.loaded = true
	return c.cached, nil
}

// Invalidate forces the next Load to re-read the file from disk.
func (c *PromptCache) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()
}

// Start begins watching the prompt file's directory for changes, invalidating
// the cache (debounced) whenever the file is written or created. Safe to call
// even if the file does not exist yet.
func (c *PromptCache) Start() error {
	c.mu.Lock()
	if c.watcher != nil {
		c.mu.Unlock()
		return nil
	}
	newWatcher := fsnotify.NewWatcher
	if c.newWatcherFn != nil {
		newWatcher = c.newWatcherFn
	}
	watcher, err := newWatcher()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		c.mu.Unlock()
		return err
	}
	c.watcher = watcher
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.eventLoop()
	return nil
}

// Stop ceases watching. Safe to call even if Start was never called.
func (c *PromptCache) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

func (c *PromptCache) eventLoop() {
	target := filepath.Base(c.path)
	var debounceTimer *time.Timer

	for {
		select {
		case <-c.done:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, c.Invalidate)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("context: prompt watcher error", "error", err)
		}
	}
}
