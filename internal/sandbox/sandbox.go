// Package sandbox confines client-supplied paths to a single root directory.
//
// Clients address files with virtual paths: slash-separated, always starting
// with "/", where "/" is the configured root. A virtual path never climbs above
// the root, and with symlink checking enabled no existing symlink on the path
// may resolve outside of it.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	// ErrOutsideRoot is returned when a path resolves outside the sandbox root.
	ErrOutsideRoot = errors.New("path escapes root")

	// ErrInvalidPath is returned for paths that can never be valid (NUL bytes).
	ErrInvalidPath = errors.New("invalid path")

	// ErrSymlink is returned when a path crosses a symlink the sandbox refuses to follow.
	ErrSymlink = errors.New("symlink not allowed")

	// ErrInvalidName is returned for names that are not a single path segment.
	ErrInvalidName = errors.New("invalid name")
)

// Options configure a Sandbox.
type Options struct {
	// CreateRoot creates the root directory if it does not exist.
	CreateRoot bool

	// FollowSymlinks allows symlinks whose target stays inside the root.
	// When false, any symlink on an accessed path is rejected.
	FollowSymlinks bool
}

// Sandbox maps virtual paths onto a root directory on the host filesystem.
type Sandbox struct {
	root           string
	realRoot       string
	fs             afero.Fs
	followSymlinks bool
}

// New creates a sandbox rooted at root.
func New(root string, opts Options) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("root path is required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && opts.CreateRoot {
			if mkErr := os.MkdirAll(abs, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", abs, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", abs, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", abs)
	}

	realRoot, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root symlinks %s: %w", abs, err)
	}

	return &Sandbox{
		root:           abs,
		realRoot:       realRoot,
		fs:             afero.NewBasePathFs(afero.NewOsFs(), abs),
		followSymlinks: opts.FollowSymlinks,
	}, nil
}

// Root returns the absolute host path of the sandbox root.
func (s *Sandbox) Root() string { return s.root }

// FollowSymlinks reports whether symlinks resolving inside the root are allowed.
func (s *Sandbox) FollowSymlinks() bool { return s.followSymlinks }

// Fs returns a filesystem addressed by virtual paths.
func (s *Sandbox) Fs() afero.Fs { return s.fs }

// Clean converts a client path into a virtual path without touching the disk.
// Backslashes are treated as separators, "." and empty segments are dropped and
// ".." is resolved lexically. Climbing above the root is an error.
func Clean(raw string) (string, error) {
	if strings.IndexByte(raw, 0) >= 0 {
		return "", ErrInvalidPath
	}
	raw = strings.ReplaceAll(raw, "\\", "/")

	segs := make([]string, 0, strings.Count(raw, "/")+1)
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segs) == 0 {
				return "", ErrOutsideRoot
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	return "/" + strings.Join(segs, "/"), nil
}

// Resolve cleans raw and verifies that every existing symlink along the path
// stays inside the root.
func (s *Sandbox) Resolve(raw string) (string, error) {
	v, err := Clean(raw)
	if err != nil {
		return "", err
	}
	if v == "/" {
		return v, nil
	}
	if err := s.checkLinks(v); err != nil {
		return "", err
	}
	return v, nil
}

// checkLinks walks the existing prefix of v and vets each symlink on it.
func (s *Sandbox) checkLinks(v string) error {
	cur := s.root
	for _, seg := range strings.Split(strings.TrimPrefix(v, "/"), "/") {
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if err != nil {
			// Nothing below a missing (or unreadable) component can be a link.
			return nil
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if !s.followSymlinks {
			return ErrSymlink
		}
		target, err := filepath.EvalSymlinks(cur)
		if err != nil {
			// Dangling links could be used to create files anywhere.
			return ErrSymlink
		}
		if !within(s.realRoot, target) {
			return ErrOutsideRoot
		}
	}
	return nil
}

// OSPath returns the host path of a virtual path.
func (s *Sandbox) OSPath(virtual string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(virtual, "/")))
}

// Virtual converts a host path below the root into a virtual path.
func (s *Sandbox) Virtual(osPath string) (string, bool) {
	for _, base := range []string{s.root, s.realRoot} {
		rel, err := filepath.Rel(base, osPath)
		if err != nil || !localRel(rel) {
			continue
		}
		if rel == "." {
			return "/", true
		}
		return "/" + filepath.ToSlash(rel), true
	}
	return "", false
}

// ValidName checks that name is usable as a single path segment.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidName
	case strings.ContainsAny(name, "/\\\x00"):
		return ErrInvalidName
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return localRel(rel)
}

func localRel(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
