// Package search finds files by name below a directory of the sandbox.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/pkg/models"
)

var (
	ErrEmptyQuery = errors.New("search text is empty")
	ErrBadPattern = errors.New("malformed search pattern")
	ErrBadType    = errors.New("unknown entry type filter")
)

// errLimit stops a walk once enough results were collected.
var errLimit = errors.New("result limit reached")

// Query describes a search.
type Query struct {
	Root       string // directory to search below, "/" by default
	Text       string // substring, or glob when it contains * ? or [
	Type       string // "", "all", "file" or "directory"
	ShowHidden bool
	Limit      int // 0 = searcher default
	MaxDepth   int // 0 = unlimited
}

// Result holds the matches of one search, sorted by path.
type Result struct {
	Root      string
	Entries   []*models.Entry
	Truncated bool
	Elapsed   time.Duration
}

// Searcher walks the sandbox with a bounded number of goroutines.
type Searcher struct {
	store      *fsops.Store
	fs         afero.Fs
	workers    int
	maxResults int
}

// New creates a Searcher. workers bounds the parallel directory walks and
// maxResults caps the size of any result set.
func New(store *fsops.Store, workers, maxResults int) *Searcher {
	if workers < 1 {
		workers = 1
	}
	if maxResults < 1 {
		maxResults = 1000
	}
	return &Searcher{
		store:      store,
		fs:         store.Sandbox().Fs(),
		workers:    workers,
		maxResults: maxResults,
	}
}

type matcher struct {
	text     string
	glob     bool
	wantType string
}

func (m *matcher) match(name string, isDir bool) bool {
	switch m.wantType {
	case models.TypeFile:
		if isDir {
			return false
		}
	case models.TypeDirectory:
		if !isDir {
			return false
		}
	}
	name = strings.ToLower(name)
	if m.glob {
		ok, _ := path.Match(m.text, name)
		return ok
	}
	return strings.Contains(name, m.text)
}

func newMatcher(q Query) (*matcher, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, ErrEmptyQuery
	}
	m := &matcher{text: text, glob: strings.ContainsAny(text, "*?[")}
	if m.glob {
		if _, err := path.Match(text, ""); err != nil {
			return nil, fmt.Errorf("%q: %w", q.Text, ErrBadPattern)
		}
	}
	switch strings.ToLower(q.Type) {
	case "", "all":
	case "file", "files":
		m.wantType = models.TypeFile
	case "directory", "dir", "dirs":
		m.wantType = models.TypeDirectory
	default:
		return nil, fmt.Errorf("%q: %w", q.Type, ErrBadType)
	}
	return m, nil
}

// collector gathers matches from concurrent walkers.
type collector struct {
	mu      sync.Mutex
	limit   int
	entries []*models.Entry
	full    bool
}

// add records e and reports whether the walk should keep going. One match
// beyond the limit is kept so truncation can be detected.
func (c *collector) add(e *models.Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.entries = append(c.entries, e)
	if len(c.entries) > c.limit {
		c.full = true
		return false
	}
	return true
}

// Search runs q.
func (s *Searcher) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()

	m, err := newMatcher(q)
	if err != nil {
		return nil, err
	}
	root, err := s.store.Resolve(q.Root)
	if err != nil {
		return nil, err
	}
	fi, err := s.fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", root, fsops.ErrNotFound)
		}
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", root, fsops.ErrNotDir)
	}

	limit := q.Limit
	if limit <= 0 || limit > s.maxResults {
		limit = s.maxResults
	}
	c := &collector{limit: limit}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(wctx)
	g.SetLimit(s.workers)

	f, err := s.fs.Open(root)
	if err != nil {
		return nil, err
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", root, err)
	}
	sort.Strings(names)

	for _, name := range names {
		if gctx.Err() != nil {
			break
		}
		child := path.Join(root, name)
		cfi, ok := s.visible(child, name, q.ShowHidden)
		if !ok {
			continue
		}
		link := cfi.Mode()&os.ModeSymlink != 0
		if link {
			cfi = s.store.LinkInfo(child, cfi)
		}
		if m.match(name, cfi.IsDir()) && !c.add(fsops.NewEntry(child, cfi, link)) {
			cancel()
			break
		}
		if link || !cfi.IsDir() || q.MaxDepth == 1 {
			continue
		}
		g.Go(func() error {
			return s.walk(gctx, child, q, m, c, cancel)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	// Cancellation from the caller is an error, stopping at the limit is not.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Root: root, Entries: c.entries}
	sort.Slice(res.Entries, func(i, j int) bool {
		return res.Entries[i].Path < res.Entries[j].Path
	})
	if len(res.Entries) > limit {
		res.Entries = res.Entries[:limit]
		res.Truncated = true
	}
	if res.Entries == nil {
		res.Entries = []*models.Entry{}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// walk searches the subtree below dir, a direct child of the search root.
func (s *Searcher) walk(ctx context.Context, dir string, q Query, m *matcher, c *collector, stop context.CancelFunc) error {
	err := afero.Walk(s.fs, dir, func(p string, fi os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == dir {
			if err != nil {
				return filepathSkip(fi)
			}
			return nil
		}
		if err != nil {
			// Unreadable entries are skipped.
			return filepathSkip(fi)
		}

		name := path.Base(p)
		if s.excluded(p, name, q.ShowHidden) {
			return filepathSkip(fi)
		}
		isLink := fi.Mode()&os.ModeSymlink != 0
		isDir := fi.IsDir()
		if isLink {
			// Links are never walked into.
			fi = s.store.LinkInfo(p, fi)
			isDir = fi.IsDir()
		}
		if m.match(name, isDir) && !c.add(fsops.NewEntry(p, fi, isLink)) {
			stop()
			return errLimit
		}
		if isDir && !isLink && q.MaxDepth > 0 && depthBelow(dir, p)+1 >= q.MaxDepth {
			return filepath.SkipDir
		}
		return nil
	})
	if errors.Is(err, errLimit) {
		return nil
	}
	return err
}

// excluded reports whether an entry is left out of the search.
func (s *Searcher) excluded(v, name string, showHidden bool) bool {
	if s.store.Reserved(v) || fsops.IsTemp(name) {
		return true
	}
	return !showHidden && strings.HasPrefix(name, ".")
}

// visible returns the lstat info of a top-level entry taking part in the search.
func (s *Searcher) visible(v, name string, showHidden bool) (os.FileInfo, bool) {
	if s.excluded(v, name, showHidden) {
		return nil, false
	}
	l, ok := s.fs.(afero.Lstater)
	if !ok {
		fi, err := s.fs.Stat(v)
		return fi, err == nil
	}
	fi, _, err := l.LstatIfPossible(v)
	if err != nil {
		return nil, false
	}
	return fi, true
}

// depthBelow returns how many levels p lies below dir.
func depthBelow(dir, p string) int {
	rel := strings.TrimPrefix(p, dir+"/")
	return strings.Count(rel, "/") + 1
}

func filepathSkip(fi os.FileInfo) error {
	if fi != nil && fi.IsDir() {
		return filepath.SkipDir
	}
	return nil
}
