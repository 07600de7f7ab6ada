package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/trash"
	"github.com/markpippins/throttler/pkg/models"
)

func newTestSearcher(t *testing.T, files ...string) (*Searcher, string) {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0644))
	}
	sb, err := sandbox.New(root, sandbox.Options{})
	require.NoError(t, err)
	bin, err := trash.New(sb)
	require.NoError(t, err)
	return New(fsops.New(sb, bin), 4, 100), root
}

func paths(entries []*models.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

var corpus = []string{
	"Reports/2023/Annual-Report.pdf",
	"Reports/2024/q1 report.docx",
	"Reports/notes.txt",
	"photos/beach.jpg",
	"photos/report-card.png",
	"photos/.cache/report.tmp",
	"readme.md",
	"deep/a/b/c/report.log",
}

func TestSubstringCaseInsensitive(t *testing.T) {
	s, _ := newTestSearcher(t, corpus...)

	res, err := s.Search(context.Background(), Query{Text: "REPORT"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/Reports",
		"/Reports/2023/Annual-Report.pdf",
		"/Reports/2024/q1 report.docx",
		"/deep/a/b/c/report.log",
		"/photos/report-card.png",
	}, paths(res.Entries))
	assert.False(t, res.Truncated)
	assert.Equal(t, "/", res.Root)
}

func TestGlobAndTypeFilter(t *testing.T) {
	s, _ := newTestSearcher(t, corpus...)
	ctx := context.Background()

	res, err := s.Search(ctx, Query{Text: "*.p??"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/Reports/2023/Annual-Report.pdf",
		"/photos/report-card.png",
	}, paths(res.Entries))

	res, err = s.Search(ctx, Query{Text: "report", Type: "directory"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/Reports"}, paths(res.Entries))

	res, err = s.Search(ctx, Query{Text: "report", Type: "file", Root: "/photos"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/photos/report-card.png"}, paths(res.Entries))
}

func TestHiddenAndDepth(t *testing.T) {
	s, _ := newTestSearcher(t, corpus...)
	ctx := context.Background()

	res, err := s.Search(ctx, Query{Text: "report.tmp", ShowHidden: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/photos/.cache/report.tmp"}, paths(res.Entries))

	res, err = s.Search(ctx, Query{Text: "report", MaxDepth: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"/Reports", "/photos/report-card.png"}, paths(res.Entries))

	res, err = s.Search(ctx, Query{Text: "readme", MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"/readme.md"}, paths(res.Entries))
}

func TestSkipsTrash(t *testing.T) {
	s, root := newTestSearcher(t, "keep/report.txt", "gone/report.txt")
	_, err := s.store.Delete(context.Background(), "/gone", false)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, trash.DirName))
	require.NoError(t, err)

	res, err := s.Search(context.Background(), Query{Text: "report", ShowHidden: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/keep/report.txt"}, paths(res.Entries))
}

func TestLimit(t *testing.T) {
	var files []string
	for _, d := range []string{"a", "b", "c", "d"} {
		for _, f := range []string{"x1", "x2", "x3"} {
			files = append(files, d+"/"+f+".txt")
		}
	}
	s, _ := newTestSearcher(t, files...)

	res, err := s.Search(context.Background(), Query{Text: "x", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 5)
	assert.True(t, res.Truncated)

	res, err = s.Search(context.Background(), Query{Text: "x", Limit: 12})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 12)
	assert.False(t, res.Truncated)
}

func TestInvalidQueries(t *testing.T) {
	s, _ := newTestSearcher(t, "a.txt")
	ctx := context.Background()

	_, err := s.Search(ctx, Query{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	_, err = s.Search(ctx, Query{Text: "[a-"})
	assert.ErrorIs(t, err, ErrBadPattern)
	_, err = s.Search(ctx, Query{Text: "a", Type: "socket"})
	assert.ErrorIs(t, err, ErrBadType)
	_, err = s.Search(ctx, Query{Text: "a", Root: "/a.txt"})
	assert.ErrorIs(t, err, fsops.ErrNotDir)
	_, err = s.Search(ctx, Query{Text: "a", Root: "/missing"})
	assert.ErrorIs(t, err, fsops.ErrNotFound)
	_, err = s.Search(ctx, Query{Text: "a", Root: "/../etc"})
	assert.ErrorIs(t, err, sandbox.ErrOutsideRoot)
}

func TestCancelled(t *testing.T) {
	s, _ := newTestSearcher(t, corpus...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Search(ctx, Query{Text: "report"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSymlinkReportedAsLink(t *testing.T) {
	s, root := newTestSearcher(t, "readme.md")
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "report.pdf"), make([]byte, 4096), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "report-dir")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "report.pdf"), filepath.Join(root, "report-file")))

	res, err := s.Search(context.Background(), Query{Text: "report"})
	require.NoError(t, err)
	require.Equal(t, []string{"/report-dir", "/report-file"}, paths(res.Entries))
	for _, e := range res.Entries {
		assert.True(t, e.Symlink, e.Path)
		assert.Equal(t, models.TypeFile, e.Type, "%s must not take its target's type", e.Path)
		assert.NotEqual(t, int64(4096), e.Size, e.Path)
	}
}
