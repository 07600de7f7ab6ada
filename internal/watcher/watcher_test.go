package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/trash"
	"github.com/markpippins/throttler/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) find(typ, p string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ && e.Path == p {
			return e, true
		}
	}
	return events.Event{}, false
}

func (r *recorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type+" "+e.Path)
	}
	return out
}

func startWatcher(t *testing.T) (*Watcher, *recorder, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.New(root, sandbox.Options{})
	require.NoError(t, err)
	bin, err := trash.New(sb)
	require.NoError(t, err)

	rec := &recorder{}
	w, err := New(fsops.New(sb, bin), rec, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	return w, rec, root
}

func waitFor(t *testing.T, rec *recorder, typ, p string) events.Event {
	t.Helper()
	var got events.Event
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = rec.find(typ, p)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "no %s event for %s; have %v", typ, p, rec.paths())
	return got
}

func TestWatcherCreateModifyDelete(t *testing.T) {
	defer goleak.VerifyNone(t)
	w, rec, root := startWatcher(t)
	defer w.Stop()

	file := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0644))
	e := waitFor(t, rec, protocol.EventCreate, "/notes.txt")
	assert.Equal(t, protocol.SourceWatch, e.Source)
	assert.False(t, e.IsDir)

	require.NoError(t, os.WriteFile(file, []byte("hello again"), 0644))
	waitFor(t, rec, protocol.EventModify, "/notes.txt")

	require.NoError(t, os.Remove(file))
	waitFor(t, rec, protocol.EventDelete, "/notes.txt")
}

func TestWatcherNewDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)
	w, rec, root := startWatcher(t)
	defer w.Stop()

	dir := filepath.Join(root, "photos")
	require.NoError(t, os.Mkdir(dir, 0755))
	e := waitFor(t, rec, protocol.EventCreate, "/photos")
	assert.True(t, e.IsDir)

	// The new directory is watched too.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0644))
	waitFor(t, rec, protocol.EventCreate, "/photos/a.jpg")
}

func TestWatcherIgnoresTrashAndTemp(t *testing.T) {
	defer goleak.VerifyNone(t)
	w, rec, root := startWatcher(t)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, trash.DirName, "junk"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".throttler-123.tmp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "marker"), []byte("x"), 0644))
	waitFor(t, rec, protocol.EventCreate, "/marker")

	for _, p := range rec.paths() {
		assert.NotContains(t, p, trash.DirName)
		assert.NotContains(t, p, ".throttler-")
	}
}

func TestWatcherDebounce(t *testing.T) {
	defer goleak.VerifyNone(t)
	root := t.TempDir()
	sb, err := sandbox.New(root, sandbox.Options{})
	require.NoError(t, err)
	rec := &recorder{}
	w, err := New(fsops.New(sb, nil), rec, time.Hour)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("1"), 0644))

	v := "/a.txt"
	osPath := sb.OSPath(v)
	w.handleEvent(fsnotify.Event{Name: osPath, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: osPath, Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: osPath, Op: fsnotify.Write})

	w.flush(false)
	assert.Empty(t, rec.paths(), "nothing settles inside the window")

	w.flush(true)
	assert.Equal(t, []string{"create /a.txt"}, rec.paths())

	// Removed and recreated before settling reads as a modification.
	w.handleEvent(fsnotify.Event{Name: osPath, Op: fsnotify.Remove})
	w.handleEvent(fsnotify.Event{Name: osPath, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: osPath, Op: fsnotify.Remove})
	w.flush(true)
	assert.Equal(t, []string{"create /a.txt", "modify /a.txt"}, rec.paths())

	// Created and gone again is dropped.
	gone := sb.OSPath("/gone.txt")
	w.handleEvent(fsnotify.Event{Name: gone, Op: fsnotify.Create})
	w.flush(true)
	assert.Len(t, rec.paths(), 2)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	sb, err := sandbox.New(t.TempDir(), sandbox.Options{})
	require.NoError(t, err)
	w, err := New(fsops.New(sb, nil), &recorder{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, w.debounce)
	w.Stop()
}
