package fsops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/pkg/models"
	"github.com/markpippins/throttler/pkg/protocol"
)

// ErrInvalidPolicy is returned by ParseConflict for unknown policies.
var ErrInvalidPolicy = errors.New("invalid conflict policy")

// Conflict decides what Move and Copy do when the destination exists.
type Conflict string

const (
	ConflictFail      Conflict = protocol.OnConflictFail
	ConflictOverwrite Conflict = protocol.OnConflictOverwrite
	ConflictRename    Conflict = protocol.OnConflictRename
)

// ParseConflict converts a wire value into a Conflict. Empty means fail.
func ParseConflict(s string) (Conflict, error) {
	switch Conflict(strings.ToLower(s)) {
	case "", ConflictFail:
		return ConflictFail, nil
	case ConflictOverwrite:
		return ConflictOverwrite, nil
	case ConflictRename:
		return ConflictRename, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrInvalidPolicy)
}

// Move moves from to to. When to is an existing directory the item is moved
// into it. Moves across devices fall back to copy and remove.
func (s *Store) Move(ctx context.Context, from, to string, policy Conflict) (*models.Entry, error) {
	src, dst, srcInfo, err := s.prepareTransfer(from, to)
	if err != nil {
		return nil, err
	}
	if src == dst {
		return NewEntry(src, srcInfo, false), nil
	}
	if dst, err = s.applyConflict(src, dst, policy); err != nil {
		return nil, err
	}

	if err := s.rename(src, dst); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return nil, mapErr(src, err)
		}
		if err := s.copyTree(ctx, src, dst); err != nil {
			s.fs.RemoveAll(dst)
			return nil, err
		}
		if err := s.fs.RemoveAll(src); err != nil {
			return nil, fmt.Errorf("remove %s after copy: %w", src, err)
		}
	}
	return s.entryAt(dst)
}

// Copy copies from to to recursively, with the same destination rules as
// Move. Copying an item onto itself with the rename policy creates a
// numbered duplicate.
func (s *Store) Copy(ctx context.Context, from, to string, policy Conflict) (*models.Entry, error) {
	src, dst, _, err := s.prepareTransfer(from, to)
	if err != nil {
		return nil, err
	}
	if src == dst && policy != ConflictRename {
		return nil, fmt.Errorf("%s: %w", dst, ErrExists)
	}
	if dst, err = s.applyConflict(src, dst, policy); err != nil {
		return nil, err
	}

	if err := s.copyTree(ctx, src, dst); err != nil {
		s.fs.RemoveAll(dst)
		return nil, err
	}
	return s.entryAt(dst)
}

// prepareTransfer resolves both ends of a move or copy and works out the
// final destination path.
func (s *Store) prepareTransfer(from, to string) (src, dst string, srcInfo os.FileInfo, err error) {
	if src, err = s.Resolve(from); err != nil {
		return "", "", nil, err
	}
	if src == "/" {
		return "", "", nil, ErrRootOp
	}
	if srcInfo, _, err = s.lstat(src); err != nil {
		return "", "", nil, mapErr(src, err)
	}
	if dst, err = s.Resolve(to); err != nil {
		return "", "", nil, err
	}

	if dst != src {
		if fi, err := s.fs.Stat(dst); err == nil && fi.IsDir() {
			if dst, err = s.Resolve(path.Join(dst, path.Base(src))); err != nil {
				return "", "", nil, err
			}
		}
	}
	if dst == "/" {
		return "", "", nil, ErrRootOp
	}
	if srcInfo.IsDir() && strings.HasPrefix(dst, src+"/") {
		return "", "", nil, fmt.Errorf("%s -> %s: %w", src, dst, ErrIntoSelf)
	}
	if err := s.checkParent(dst); err != nil {
		return "", "", nil, err
	}
	return src, dst, srcInfo, nil
}

// applyConflict returns the path to write to, clearing or renaming around an
// existing destination according to policy. A destination holding src is
// never cleared.
func (s *Store) applyConflict(src, dst string, policy Conflict) (string, error) {
	if _, _, err := s.lstat(dst); err != nil {
		if os.IsNotExist(err) {
			return dst, nil
		}
		return "", mapErr(dst, err)
	}
	switch policy {
	case ConflictOverwrite:
		if strings.HasPrefix(src, dst+"/") {
			return "", fmt.Errorf("%s contains %s: %w", dst, src, ErrExists)
		}
		if err := s.fs.RemoveAll(dst); err != nil {
			return "", fmt.Errorf("replace %s: %w", dst, err)
		}
		return dst, nil
	case ConflictRename:
		return s.uniqueName(dst)
	}
	return "", fmt.Errorf("%s: %w", dst, ErrExists)
}

// uniqueName returns the first free "name (n).ext" variant of v.
func (s *Store) uniqueName(v string) (string, error) {
	dir, base := path.Dir(v), path.Base(v)
	stem, ext := base, ""
	if fi, err := s.fs.Stat(v); err == nil && !fi.IsDir() {
		ext = path.Ext(base)
		stem = strings.TrimSuffix(base, ext)
		if stem == "" {
			// Dot-files such as ".env" have no extension.
			stem, ext = base, ""
		}
	}
	for i := 1; i < 10000; i++ {
		candidate := path.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, _, err := s.lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", v, ErrExists)
}

// copyTree copies src to dst, preserving modes and modification times.
// Symlinks inside the source are refused.
func (s *Store) copyTree(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fi, link, err := s.lstat(src)
	if err != nil {
		return mapErr(src, err)
	}
	if link {
		return fmt.Errorf("%s: %w", src, sandbox.ErrSymlink)
	}

	if !fi.IsDir() {
		return s.copyFile(ctx, src, dst, fi)
	}

	if err := s.fs.Mkdir(dst, fi.Mode().Perm()|0700); err != nil {
		return mapErr(dst, err)
	}
	f, err := s.fs.Open(src)
	if err != nil {
		return mapErr(src, err)
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return fmt.Errorf("read dir %s: %w", src, err)
	}
	for _, name := range names {
		if IsTemp(name) {
			continue
		}
		if err := s.copyTree(ctx, path.Join(src, name), path.Join(dst, name)); err != nil {
			return err
		}
	}
	return s.fs.Chtimes(dst, fi.ModTime(), fi.ModTime())
}

func (s *Store) copyFile(ctx context.Context, src, dst string, fi os.FileInfo) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return mapErr(src, err)
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fi.Mode().Perm())
	if err != nil {
		return mapErr(dst, err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return s.fs.Chtimes(dst, fi.ModTime(), fi.ModTime())
}

func (s *Store) entryAt(v string) (*models.Entry, error) {
	fi, link, err := s.lstat(v)
	if err != nil {
		return nil, mapErr(v, err)
	}
	return NewEntry(v, fi, link), nil
}
