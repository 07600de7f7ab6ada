// Package fsops implements the file-tree operations behind the API: listing,
// streaming, atomic writes, mkdir, delete, rename, move and copy. Every path
// goes through the sandbox before it reaches the filesystem.
package fsops

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/pkg/models"
)

const (
	tempPrefix = ".throttler-"
	tempSuffix = ".tmp"
)

// Trash receives items deleted without the permanent flag.
type Trash interface {
	// Dir is the reserved virtual directory holding trashed items.
	Dir() string
	Put(ctx context.Context, virtual string) (*models.TrashItem, error)
}

// Store performs file operations inside a sandbox.
type Store struct {
	sb    *sandbox.Sandbox
	fs    afero.Fs
	trash Trash

	rename func(oldname, newname string) error
}

// New creates a store. trash may be nil, in which case deletes are permanent.
func New(sb *sandbox.Sandbox, trash Trash) *Store {
	fsys := sb.Fs()
	return &Store{
		sb:     sb,
		fs:     fsys,
		trash:  trash,
		rename: fsys.Rename,
	}
}

// Sandbox returns the sandbox the store operates in.
func (s *Store) Sandbox() *sandbox.Sandbox { return s.sb }

// Resolve validates a client path and returns its virtual form.
func (s *Store) Resolve(raw string) (string, error) {
	v, err := s.sb.Resolve(raw)
	if err != nil {
		return "", err
	}
	if s.Reserved(v) {
		return "", fmt.Errorf("%s: %w", v, ErrReserved)
	}
	return v, nil
}

// Reserved reports whether v lies in a directory managed by the server itself.
func (s *Store) Reserved(v string) bool {
	if s.trash == nil {
		return false
	}
	d := s.trash.Dir()
	return v == d || strings.HasPrefix(v, d+"/")
}

// IsTemp reports whether name is an in-flight upload written by the store.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

// ─── Read ───────────────────────────────────────────────────────────────────

// ListOptions control directory listings.
type ListOptions struct {
	ShowHidden bool
	SortBy     string // "name" (default), "size", "mtime", "type"
	Desc       bool
}

// List returns the entries of a directory.
func (s *Store) List(ctx context.Context, raw string, opts ListOptions) ([]*models.Entry, error) {
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, err
	}
	entries, err := s.readDir(ctx, v, opts.ShowHidden)
	if err != nil {
		return nil, err
	}
	SortEntries(entries, opts.SortBy, opts.Desc)
	return entries, nil
}

func (s *Store) readDir(ctx context.Context, v string, showHidden bool) ([]*models.Entry, error) {
	fi, err := s.fs.Stat(v)
	if err != nil {
		return nil, mapErr(v, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", v, ErrNotDir)
	}

	f, err := s.fs.Open(v)
	if err != nil {
		return nil, mapErr(v, err)
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", v, err)
	}

	entries := make([]*models.Entry, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		child := path.Join(v, name)
		if s.Reserved(child) || IsTemp(name) {
			continue
		}
		if !showHidden && isHidden(name) {
			continue
		}
		cfi, link, err := s.lstat(child)
		if err != nil {
			// Removed between readdir and stat.
			continue
		}
		entries = append(entries, NewEntry(child, cfi, link))
	}
	return entries, nil
}

// Stat returns a single entry. File MIME types are sniffed from content when
// the extension does not identify them.
func (s *Store) Stat(ctx context.Context, raw string) (*models.Entry, error) {
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, err
	}
	fi, link, err := s.lstat(v)
	if err != nil {
		return nil, mapErr(v, err)
	}
	e := NewEntry(v, fi, link)
	if !e.IsDir() && e.MimeType == "" {
		e.MimeType = s.sniff(v)
	}
	return e, nil
}

// Open opens a file for streaming. The caller closes the file.
func (s *Store) Open(ctx context.Context, raw string) (afero.File, *models.Entry, error) {
	e, err := s.Stat(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	if e.IsDir() {
		return nil, nil, fmt.Errorf("%s: %w", e.Path, ErrIsDir)
	}
	f, err := s.fs.Open(e.Path)
	if err != nil {
		return nil, nil, mapErr(e.Path, err)
	}
	return f, e, nil
}

// Tree returns the directory tree under raw, depth levels deep.
func (s *Store) Tree(ctx context.Context, raw string, depth int, showHidden bool) (*models.FileNode, error) {
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	fi, link, err := s.lstat(v)
	if err != nil {
		return nil, mapErr(v, err)
	}
	root := &models.FileNode{Entry: *NewEntry(v, fi, link), ID: fileID(v)}
	if err := s.fillTree(ctx, root, depth, showHidden); err != nil {
		return nil, err
	}
	return root, nil
}

func (s *Store) fillTree(ctx context.Context, node *models.FileNode, depth int, showHidden bool) error {
	if depth == 0 || !node.IsDir() {
		return nil
	}
	entries, err := s.readDir(ctx, node.Path, showHidden)
	if err != nil {
		return err
	}
	SortEntries(entries, "name", false)
	for _, e := range entries {
		child := &models.FileNode{Entry: *e, ID: fileID(e.Path)}
		// Links are listed but not descended into.
		if !e.Symlink {
			if err := s.fillTree(ctx, child, depth-1, showHidden); err != nil {
				return err
			}
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

// DiskUsage reports the size of the volume holding the sandbox root.
func (s *Store) DiskUsage(ctx context.Context) (total, free uint64, err error) {
	return diskUsage(s.sb.Root())
}

// ─── Write ──────────────────────────────────────────────────────────────────

// WriteOptions control Write.
type WriteOptions struct {
	Overwrite bool
	MaxSize   int64 // 0 = unlimited
}

// Write stores the content of r at raw. The file is written to a temporary
// name in the target directory and renamed into place, so readers never see a
// partial file. The returned bool is true when the file did not exist before.
func (s *Store) Write(ctx context.Context, raw string, r io.Reader, opts WriteOptions) (*models.Entry, bool, error) {
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, false, err
	}
	if v == "/" {
		return nil, false, ErrRootOp
	}
	if err := s.checkParent(v); err != nil {
		return nil, false, err
	}

	created := true
	if fi, err := s.fs.Stat(v); err == nil {
		if fi.IsDir() {
			return nil, false, fmt.Errorf("%s: %w", v, ErrIsDir)
		}
		if !opts.Overwrite {
			return nil, false, fmt.Errorf("%s: %w", v, ErrExists)
		}
		created = false
	} else if !os.IsNotExist(err) {
		return nil, false, mapErr(v, err)
	}

	dir := path.Dir(v)
	tmp, err := afero.TempFile(s.fs, dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return nil, false, fmt.Errorf("create temp for %s: %w", v, err)
	}
	tmpName := path.Join(dir, path.Base(strings.ReplaceAll(tmp.Name(), "\\", "/")))

	src := r
	if opts.MaxSize > 0 {
		src = io.LimitReader(r, opts.MaxSize+1)
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return nil, false, fmt.Errorf("write %s: %w", v, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return nil, false, fmt.Errorf("close temp for %s: %w", v, err)
	}
	if opts.MaxSize > 0 && n > opts.MaxSize {
		s.fs.Remove(tmpName)
		return nil, false, fmt.Errorf("%s: %w (max %d bytes)", v, ErrTooLarge, opts.MaxSize)
	}

	if err := s.fs.Chmod(tmpName, 0644); err != nil {
		s.fs.Remove(tmpName)
		return nil, false, fmt.Errorf("chmod temp for %s: %w", v, err)
	}
	if opts.Overwrite {
		err = s.fs.Rename(tmpName, v)
	} else {
		err = s.publishNew(tmpName, v)
	}
	if err != nil {
		s.fs.Remove(tmpName)
		if errors.Is(err, ErrExists) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("rename temp to %s: %w", v, err)
	}

	fi, err := s.fs.Stat(v)
	if err != nil {
		return nil, false, mapErr(v, err)
	}
	return NewEntry(v, fi, false), created, nil
}

// Mkdir creates a directory. With parents set, missing parents are created and
// an existing directory is not an error.
func (s *Store) Mkdir(ctx context.Context, raw string, parents bool) (*models.Entry, error) {
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, err
	}

	if fi, err := s.fs.Stat(v); err == nil {
		if parents && fi.IsDir() {
			return NewEntry(v, fi, false), nil
		}
		return nil, fmt.Errorf("%s: %w", v, ErrExists)
	}

	if parents {
		if err := s.fs.MkdirAll(v, 0755); err != nil {
			return nil, mapErr(v, err)
		}
	} else {
		if err := s.checkParent(v); err != nil {
			return nil, err
		}
		if err := s.fs.Mkdir(v, 0755); err != nil {
			return nil, mapErr(v, err)
		}
	}

	fi, err := s.fs.Stat(v)
	if err != nil {
		return nil, mapErr(v, err)
	}
	return NewEntry(v, fi, false), nil
}

// Delete removes a file or directory tree. Unless permanent is set and a
// trash is configured, the item is moved to the trash and the trash record is
// returned.
func (s *Store) Delete(ctx context.Context, raw string, permanent bool) (*models.TrashItem, error) {
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, err
	}
	if v == "/" {
		return nil, ErrRootOp
	}
	if _, _, err := s.lstat(v); err != nil {
		return nil, mapErr(v, err)
	}

	if s.trash != nil && !permanent {
		item, err := s.trash.Put(ctx, v)
		if err != nil {
			return nil, mapErr(v, err)
		}
		return item, nil
	}

	if err := s.fs.RemoveAll(v); err != nil {
		return nil, mapErr(v, err)
	}
	return nil, nil
}

// Rename changes the name of an item within its directory.
func (s *Store) Rename(ctx context.Context, raw, newName string) (*models.Entry, error) {
	if err := sandbox.ValidName(newName); err != nil {
		return nil, err
	}
	v, err := s.Resolve(raw)
	if err != nil {
		return nil, err
	}
	if v == "/" {
		return nil, ErrRootOp
	}
	if _, _, err := s.lstat(v); err != nil {
		return nil, mapErr(v, err)
	}

	dst, err := s.Resolve(path.Join(path.Dir(v), newName))
	if err != nil {
		return nil, err
	}
	if dst != v {
		// On case-insensitive filesystems a case-only rename finds the source
		// itself at dst.
		if existing, err := s.lstatNoFollow(dst); err == nil {
			self, serr := s.lstatNoFollow(v)
			if serr != nil || !os.SameFile(self, existing) {
				return nil, fmt.Errorf("%s: %w", dst, ErrExists)
			}
		}
		if err := s.fs.Rename(v, dst); err != nil {
			return nil, mapErr(v, err)
		}
	}

	fi, link, err := s.lstat(dst)
	if err != nil {
		return nil, mapErr(dst, err)
	}
	return NewEntry(dst, fi, link), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// checkParent verifies that the parent of v exists and is a directory.
func (s *Store) checkParent(v string) error {
	parent := path.Dir(v)
	fi, err := s.fs.Stat(parent)
	if err != nil {
		return mapErr(parent, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s: %w", parent, ErrNotDir)
	}
	return nil
}

// publishNew moves the finished temp file tmp to v without ever replacing a
// file that appeared at v in the meantime.
func (s *Store) publishNew(tmp, v string) error {
	err := os.Link(s.sb.OSPath(tmp), s.sb.OSPath(v))
	if err == nil {
		s.fs.Remove(tmp)
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", v, ErrExists)
	}
	// Filesystems without hard links get a checked rename.
	if _, lerr := s.lstatNoFollow(v); lerr == nil {
		return fmt.Errorf("%s: %w", v, ErrExists)
	}
	return s.fs.Rename(tmp, v)
}

// lstat stats v without following a final symlink. For links it returns the
// info from LinkInfo.
func (s *Store) lstat(v string) (os.FileInfo, bool, error) {
	fi, err := s.lstatNoFollow(v)
	if err != nil {
		return nil, false, err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return fi, false, nil
	}
	return s.LinkInfo(v, fi), true, nil
}

func (s *Store) lstatNoFollow(v string) (os.FileInfo, error) {
	if l, ok := s.fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(v)
		return fi, err
	}
	return s.fs.Stat(v)
}

// LinkInfo returns what to report for the symlink at v. The target's info is
// used only when links are followed and the target stays inside the root;
// otherwise the link's own info (own) is returned.
func (s *Store) LinkInfo(v string, own os.FileInfo) os.FileInfo {
	if !s.sb.FollowSymlinks() {
		return own
	}
	if _, err := s.sb.Resolve(v); err != nil {
		return own
	}
	if target, err := s.fs.Stat(v); err == nil {
		return target
	}
	return own
}

func (s *Store) sniff(v string) string {
	f, err := s.fs.Open(v)
	if err != nil {
		return ""
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return ""
	}
	return baseMediaType(mt.String())
}

func NewEntry(v string, fi os.FileInfo, link bool) *models.Entry {
	name := path.Base(v)
	if v == "/" {
		name = ""
	}
	e := &models.Entry{
		Name:    name,
		Path:    v,
		ModTime: fi.ModTime(),
		Mode:    fi.Mode().String(),
		Hidden:  isHidden(name),
		Symlink: link,
	}
	if fi.IsDir() {
		e.Type = models.TypeDirectory
		return e
	}
	e.Type = models.TypeFile
	e.Size = fi.Size()
	e.Ext = strings.ToLower(path.Ext(name))
	if e.Ext != "" {
		e.MimeType = baseMediaType(mime.TypeByExtension(e.Ext))
	}
	return e
}

func baseMediaType(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.TrimSpace(t)
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func fileID(v string) string {
	h := sha256.Sum256([]byte(v))
	return fmt.Sprintf("%x", h[:8])
}

// SortEntries orders entries with directories first, then by key.
func SortEntries(entries []*models.Entry, sortBy string, desc bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.IsDir() != b.IsDir() {
			return a.IsDir()
		}
		var c int
		switch sortBy {
		case "size":
			c = cmpInt64(a.Size, b.Size)
		case "mtime":
			c = cmpInt64(a.ModTime.UnixNano(), b.ModTime.UnixNano())
		case "type":
			c = strings.Compare(a.Ext, b.Ext)
		}
		if c == 0 {
			c = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		}
		if c == 0 {
			c = strings.Compare(a.Name, b.Name)
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ctxReader aborts long copies when the request is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
