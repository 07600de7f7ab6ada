// Package watcher turns host filesystem notifications below the sandbox root
// into change events, so clients also see edits made outside the API.
package watcher

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/logging"
	"github.com/markpippins/throttler/internal/metrics"
	"github.com/markpippins/throttler/pkg/protocol"
)

// Publisher receives settled events.
type Publisher interface {
	Publish(events.Event)
}

type pending struct {
	typ  string
	seen time.Time
}

// Watcher recursively watches the sandbox root.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	store    *fsops.Store
	fs       afero.Fs
	pub      Publisher
	pending  map[string]*pending
	debounce time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// New creates a watcher. Changes to a path are published once no further
// change was seen for the debounce duration.
func New(store *fsops.Store, pub Publisher, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Watcher{
		fsw:      fsw,
		store:    store,
		fs:       store.Sandbox().Fs(),
		pub:      pub,
		pending:  make(map[string]*pending),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start adds watches for the whole tree and begins processing events in a
// goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree("/"); err != nil {
		return err
	}
	logging.Info("watching root for changes",
		zap.String("root", w.store.Sandbox().Root()),
		zap.Int("directories", len(w.fsw.WatchList())),
	)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.fsw.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		logging.Error("closing watcher", zap.Error(err))
	}
}

// addTree watches v and every directory below it, skipping reserved
// directories and symlinks.
func (w *Watcher) addTree(v string) error {
	err := afero.Walk(w.fs, v, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			return nil
		}
		if w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(w.store.Sandbox().OSPath(p)); err != nil {
			logging.Warn("watch directory failed", logging.Path(p), zap.Error(err))
		}
		return nil
	})
	metrics.SetWatchedDirs(len(w.fsw.WatchList()))
	return err
}

func (w *Watcher) ignored(v string) bool {
	return w.store.Reserved(v) || fsops.IsTemp(path.Base(v))
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush(false)
		}
	}
}

// handleEvent records a raw notification for debouncing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	v, ok := w.store.Sandbox().Virtual(event.Name)
	if !ok || v == "/" || w.ignored(v) {
		return
	}

	var typ string
	switch {
	case event.Has(fsnotify.Create):
		typ = protocol.EventCreate
	case event.Has(fsnotify.Write):
		typ = protocol.EventModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The new name of a rename arrives as a separate Create.
		typ = protocol.EventDelete
	default:
		return
	}

	if typ == protocol.EventCreate {
		if fi, err := w.fs.Stat(v); err == nil && fi.IsDir() {
			// Files created in the new directory before the watch was
			// added are not reported individually.
			w.addTree(v)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[v]; ok {
		// A create followed by writes is still a create.
		if !(p.typ == protocol.EventCreate && typ == protocol.EventModify) {
			p.typ = typ
		}
		p.seen = time.Now()
		return
	}
	w.pending[v] = &pending{typ: typ, seen: time.Now()}
}

// flush publishes pending events older than the debounce window, or all of
// them when force is set.
func (w *Watcher) flush(force bool) {
	now := time.Now()
	type settled struct {
		path string
		typ  string
	}
	var ready []settled

	w.mu.Lock()
	for p, ev := range w.pending {
		if force || now.Sub(ev.seen) >= w.debounce {
			ready = append(ready, settled{p, ev.typ})
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()

	for _, s := range ready {
		e := events.Event{Type: s.typ, Path: s.path, Source: protocol.SourceWatch}
		fi, err := w.fs.Stat(s.path)
		switch {
		case err == nil && s.typ == protocol.EventDelete:
			// Deleted and recreated within the window.
			e.Type = protocol.EventModify
			fallthrough
		case err == nil:
			e.IsDir = fi.IsDir()
			if !e.IsDir {
				e.Size = fi.Size()
			}
		case s.typ != protocol.EventDelete:
			// Created and removed again before it settled.
			continue
		}
		w.pub.Publish(e)
	}
}
