// Package cache provides a size-bounded on-disk cache of derived files,
// evicting the least recently used entries first.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one cached file.
type Entry struct {
	Key        string
	LocalPath  string
	Size       int64
	LastAccess time.Time
}

// Cache manages cached files in a directory.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New creates a new cache, picking up files left by a previous run.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

// load indexes existing files, using their modification time as last access.
func (c *Cache) load() error {
	des, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(c.dir, name))
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		c.entries[name] = &Entry{
			Key:        name,
			LocalPath:  filepath.Join(c.dir, name),
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		}
		c.size += info.Size()
	}
	for c.size > c.maxSize {
		if !c.evictOldest() {
			break
		}
	}
	return nil
}

// Get returns the local path if key is cached.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}

	entry.LastAccess = time.Now()
	return entry.LocalPath, true
}

// Put stores content under key.
// Content is written atomically (temp file then rename).
func (c *Cache) Put(key string, r io.Reader, size int64) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.size -= old.Size
		delete(c.entries, key)
	}
	for c.size+size > c.maxSize {
		if !c.evictOldest() {
			break // Nothing to evict
		}
	}

	localPath := filepath.Join(c.dir, key)
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &Entry{
		Key:        key,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
	}
	c.size += written

	return localPath, nil
}

// Evict removes key from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
}

// evictOldest removes the least recently used file.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *Entry

	for _, entry := range c.entries {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}

	if oldest == nil {
		return false
	}

	os.Remove(oldest.LocalPath)
	c.size -= oldest.Size
	delete(c.entries, oldest.Key)
	return true
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." || strings.HasSuffix(key, ".tmp") {
		return fmt.Errorf("invalid cache key: %q", key)
	}
	return nil
}
