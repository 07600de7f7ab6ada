package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func (c *Cache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func TestCache_PutAndGet(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("hello world")
	path, err := c.Put("test1", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}

	gotPath, ok := c.Get("test1")
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if gotPath != path {
		t.Errorf("Get path mismatch: got %q, want %q", gotPath, path)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get returned ok for missing key")
	}
}

func TestCache_PutReplaces(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("k", bytes.NewReader([]byte("first")), 5)
	c.Put("k", bytes.NewReader([]byte("second!")), 7)

	size, _, count := c.Stats()
	if size != 7 || count != 1 {
		t.Errorf("stats after replace: size=%d, count=%d", size, count)
	}
}

func TestCache_InvalidKey(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"", "..", "a/b", `a\b`, "x.tmp"} {
		if _, err := c.Put(key, bytes.NewReader(nil), 0); err == nil {
			t.Errorf("Put(%q) succeeded", key)
		}
	}
}

func TestCache_Evict(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("test")
	path, _ := c.Put("evictme", bytes.NewReader(content), int64(len(content)))

	c.Evict("evictme")

	if c.has("evictme") {
		t.Error("file still cached after evict")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists on disk after evict")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 100) // Only 100 bytes
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("file1", bytes.NewReader(make([]byte, 30)), 30)
	time.Sleep(10 * time.Millisecond)

	c.Put("file2", bytes.NewReader(make([]byte, 30)), 30)
	time.Sleep(10 * time.Millisecond)

	// Access file1 to make it more recent
	c.Get("file1")

	// 30 + 30 + 50 > 100, file2 is the least recently used
	c.Put("file3", bytes.NewReader(make([]byte, 50)), 50)

	if c.has("file2") {
		t.Error("file2 should have been evicted")
	}
	if !c.has("file1") {
		t.Error("file1 should not have been evicted")
	}
	if !c.has("file3") {
		t.Error("file3 should be cached")
	}
}

func TestCache_Stats(t *testing.T) {
	dir := t.TempDir()
	maxSize := int64(1 << 20)
	c, err := New(dir, maxSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	size, max, count := c.Stats()
	if size != 0 || count != 0 {
		t.Errorf("initial stats wrong: size=%d, count=%d", size, count)
	}
	if max != maxSize {
		t.Errorf("max size wrong: got %d, want %d", max, maxSize)
	}

	c.Put("stats1", bytes.NewReader(make([]byte, 100)), 100)

	size, _, count = c.Stats()
	if size != 100 || count != 1 {
		t.Errorf("after Put stats wrong: size=%d, count=%d", size, count)
	}
}

func TestCache_AtomicWrite(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("atomic content")
	path, err := c.Put("atomic", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error(".tmp file should not exist after Put")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("final file should exist: %v", err)
	}
}

func TestNew_LoadsExisting(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "kept"), make([]byte, 40), 0644)
	os.WriteFile(filepath.Join(dir, "stale.tmp"), []byte("x"), 0644)

	c, err := New(dir, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := c.Get("kept"); !ok {
		t.Error("existing file was not indexed")
	}
	if size, _, count := c.Stats(); size != 40 || count != 1 {
		t.Errorf("stats after load: size=%d, count=%d", size, count)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale.tmp")); !os.IsNotExist(err) {
		t.Error("leftover temp file should be removed")
	}
}

func TestNew_CreatesDir(t *testing.T) {
	base := t.TempDir()
	cacheDir := filepath.Join(base, "subdir", "cache")

	c, err := New(cacheDir, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if c.Dir() != cacheDir {
		t.Errorf("Dir() = %q, want %q", c.Dir(), cacheDir)
	}
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		t.Error("cache directory was not created")
	}
}
