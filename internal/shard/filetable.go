package shard

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// FileTable is a Registry fed from a YAML placement file. Start watches the
// file's directory and re-applies the placement whenever the file is
// written, created or renamed into place. A placement that fails to parse
// or validate is logged and the previous table stays in effect.
type FileTable struct {
	*Registry

	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	reloads int
}

// OpenFile loads the placement at path into a new table. Listeners
// subscribed afterwards only hear about changes made by later reloads.
func OpenFile(self string, shards int, path string, logger *slog.Logger) (*FileTable, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("placement path: %w", err)
	}
	t := &FileTable{
		Registry: NewRegistry(self, shards, logger),
		path:     abs,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the watched file.
func (t *FileTable) Path() string { return t.path }

// Reloads returns how many placements have been applied, including the
// initial one.
func (t *FileTable) Reloads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reloads
}

// Reload reads the placement file and applies it.
func (t *FileTable) Reload() error {
	p, err := ReadPlacement(t.path)
	if err != nil {
		return err
	}
	if err := t.Apply(p); err != nil {
		return fmt.Errorf("apply placement %s: %w", t.path, err)
	}
	t.mu.Lock()
	t.reloads++
	t.mu.Unlock()
	return nil
}

// Start begins watching the placement file. It is non-blocking.
func (t *FileTable) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors and config managers replace the file, so watch its directory.
	if err := w.Add(filepath.Dir(t.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(t.path), err)
	}
	t.watcher = w
	t.running = true
	t.logger.Info("watching placement", "path", t.path)

	go t.run(ctx)
	return nil
}

// Close stops watching and waits for the watch loop to exit.
func (t *FileTable) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh
	return t.watcher.Close()
}

func (t *FileTable) run(ctx context.Context) {
	defer close(t.doneCh)

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return

		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Error("placement watcher error", "error", err)

		case <-debounce.C:
			if err := t.Reload(); err != nil {
				t.logger.Error("placement reload failed, keeping previous table", "path", t.path, "error", err)
				continue
			}
			t.logger.Info("placement reloaded", "path", t.path, "owned", len(t.Owned()))
		}
	}
}
