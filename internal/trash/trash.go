// Package trash keeps deleted items recoverable. Items live under a reserved
// directory at the top of the sandbox root, one directory per item plus a JSON
// manifest recording where it came from.
package trash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/pkg/models"
)

// DirName is the name of the trash directory inside the root.
const DirName = ".trash"

var (
	ErrNotFound = errors.New("trash item not found")
	ErrExists   = errors.New("restore target already exists")
)

// Bin stores deleted items.
type Bin struct {
	sb  *sandbox.Sandbox
	fs  afero.Fs
	dir string

	mu  sync.Mutex
	now func() time.Time
}

// New creates the trash directory if needed and returns a Bin.
func New(sb *sandbox.Sandbox) (*Bin, error) {
	b := &Bin{
		sb:  sb,
		fs:  sb.Fs(),
		dir: "/" + DirName,
		now: time.Now,
	}
	if err := b.fs.MkdirAll(b.dir, 0700); err != nil {
		return nil, fmt.Errorf("create trash dir: %w", err)
	}
	return b, nil
}

// Dir returns the virtual path of the trash directory.
func (b *Bin) Dir() string { return b.dir }

// Put moves the item at virtual path v into the trash.
func (b *Bin) Put(ctx context.Context, v string) (*models.TrashItem, error) {
	if v == "/" || v == b.dir || strings.HasPrefix(v, b.dir+"/") {
		return nil, fmt.Errorf("cannot trash %s", v)
	}

	fi, err := b.fs.Stat(v)
	if err != nil {
		// Dangling links are trashed as they are.
		l, ok := b.fs.(afero.Lstater)
		if !ok {
			return nil, err
		}
		if fi, _, err = l.LstatIfPossible(v); err != nil {
			return nil, err
		}
	}

	item := &models.TrashItem{
		ID:           uuid.NewString(),
		Name:         path.Base(v),
		OriginalPath: v,
		DeletedAt:    b.now().UTC(),
		IsDir:        fi.IsDir(),
	}
	if item.IsDir {
		item.Size = b.treeSize(ctx, v)
	} else {
		item.Size = fi.Size()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	holder := path.Join(b.dir, item.ID)
	if err := b.fs.Mkdir(holder, 0700); err != nil {
		return nil, fmt.Errorf("create trash slot: %w", err)
	}
	if err := b.fs.Rename(v, path.Join(holder, item.Name)); err != nil {
		b.fs.Remove(holder)
		return nil, err
	}
	if err := b.writeManifest(item); err != nil {
		// Put the item back so it is not stranded without a manifest.
		if rerr := b.fs.Rename(path.Join(holder, item.Name), v); rerr == nil {
			b.fs.Remove(holder)
		}
		return nil, err
	}
	return item, nil
}

// List returns all trashed items, newest first.
func (b *Bin) List(ctx context.Context) ([]*models.TrashItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.list(ctx)
}

func (b *Bin) list(ctx context.Context) ([]*models.TrashItem, error) {
	f, err := b.fs.Open(b.dir)
	if err != nil {
		return nil, fmt.Errorf("open trash dir: %w", err)
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("read trash dir: %w", err)
	}

	items := make([]*models.TrashItem, 0, len(names)/2)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := strings.CutSuffix(name, ".json")
		if !ok {
			continue
		}
		item, err := b.readManifest(id)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].DeletedAt.After(items[j].DeletedAt)
	})
	return items, nil
}

// Get returns one trashed item.
func (b *Bin) Get(id string) (*models.TrashItem, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readManifest(id)
}

// Restore moves an item back to its original location, recreating missing
// parent directories. An occupied location is an error unless overwrite is set.
func (b *Bin) Restore(ctx context.Context, id string, overwrite bool) (*models.TrashItem, error) {
	if err := validID(id); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	item, err := b.readManifest(id)
	if err != nil {
		return nil, err
	}
	target, err := b.sb.Resolve(item.OriginalPath)
	if err != nil {
		return nil, err
	}

	if _, err := b.fs.Stat(target); err == nil {
		if !overwrite {
			return nil, fmt.Errorf("%s: %w", target, ErrExists)
		}
		if err := b.fs.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("clear %s: %w", target, err)
		}
	}
	if err := b.fs.MkdirAll(path.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("recreate parent of %s: %w", target, err)
	}

	holder := path.Join(b.dir, id)
	if err := b.fs.Rename(path.Join(holder, item.Name), target); err != nil {
		return nil, fmt.Errorf("restore %s: %w", target, err)
	}
	b.fs.RemoveAll(holder)
	b.fs.Remove(holder + ".json")
	return item, nil
}

// Purge permanently deletes one item.
func (b *Bin) Purge(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.readManifest(id); err != nil {
		return err
	}
	return b.purge(id)
}

// Empty permanently deletes every item and returns how many were removed.
func (b *Bin) Empty(ctx context.Context) (int, error) {
	return b.purgeWhere(ctx, func(*models.TrashItem) bool { return true })
}

// PurgeExpired deletes items older than retention.
func (b *Bin) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := b.now().Add(-retention)
	return b.purgeWhere(ctx, func(it *models.TrashItem) bool {
		return it.DeletedAt.Before(cutoff)
	})
}

func (b *Bin) purgeWhere(ctx context.Context, match func(*models.TrashItem) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items, err := b.list(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range items {
		if !match(it) {
			continue
		}
		if err := b.purge(it.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (b *Bin) purge(id string) error {
	holder := path.Join(b.dir, id)
	if err := b.fs.RemoveAll(holder); err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	if err := b.fs.Remove(holder + ".json"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purge manifest %s: %w", id, err)
	}
	return nil
}

func (b *Bin) readManifest(id string) (*models.TrashItem, error) {
	data, err := afero.ReadFile(b.fs, path.Join(b.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var item models.TrashItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	return &item, nil
}

func (b *Bin) writeManifest(item *models.TrashItem) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(b.fs, path.Join(b.dir, item.ID+".json"), data, 0600)
}

func (b *Bin) treeSize(ctx context.Context, v string) int64 {
	var total int64
	afero.Walk(b.fs, v, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func validID(id string) error {
	if u, err := uuid.Parse(id); err != nil || u.String() != id {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return nil
}
