package usage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"storyforge/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// PricingWatcher reloads a pricing file when it changes on disk and hands the
// new table to onReload. It watches the parent directory so editors that save
// by rename are still seen.
type PricingWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	onReload    func(*PricingTable)
	debounceDur time.Duration
	pendingAt   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	reloads     int
}

// NewPricingWatcher creates a watcher for path.
func NewPricingWatcher(path string, onReload func(*PricingTable)) (*PricingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	return &PricingWatcher{
		watcher:     watcher,
		path:        abs,
		onReload:    onReload,
		debounceDur: 300 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking.
func (pw *PricingWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	dir := filepath.Dir(pw.path)
	if err := pw.watcher.Add(dir); err != nil {
		pw.mu.Lock()
		pw.running = false
		pw.mu.Unlock()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	logging.ConfigInfo("PricingWatcher: watching %s", pw.path)

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
func (pw *PricingWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		pw.watcher.Close()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		logging.ConfigWarn("PricingWatcher: error closing watcher: %v", err)
	}
	logging.ConfigInfo("PricingWatcher: stopped")
}

// Reloads returns how many successful reloads have been delivered.
func (pw *PricingWatcher) Reloads() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.reloads
}

func (pw *PricingWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigWarn("PricingWatcher error: %v", err)
		case <-ticker.C:
			pw.processDebounced()
		}
	}
}

func (pw *PricingWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != pw.path {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	pw.mu.Lock()
	pw.pendingAt = time.Now()
	pw.mu.Unlock()
}

func (pw *PricingWatcher) processDebounced() {
	pw.mu.Lock()
	if pw.pendingAt.IsZero() || time.Since(pw.pendingAt) < pw.debounceDur {
		pw.mu.Unlock()
		return
	}
	pw.pendingAt = time.Time{}
	pw.mu.Unlock()

	pw.reload()
}

// reload keeps the previous table when the file is missing or invalid.
func (pw *PricingWatcher) reload() {
	table, err := LoadPricingFile(pw.path)
	if err != nil {
		logging.ConfigWarn("PricingWatcher: keeping previous pricing: %v", err)
		return
	}
	pw.mu.Lock()
	pw.reloads++
	pw.mu.Unlock()
	logging.ConfigInfo("PricingWatcher: reloaded %s (%d models)", pw.path, len(table.Models))
	if pw.onReload != nil {
		pw.onReload(table)
	}
}
