package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/markpippins/throttler/internal/api"
	"github.com/markpippins/throttler/internal/auth"
	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/search"
	"github.com/markpippins/throttler/internal/trash"
	"github.com/markpippins/throttler/pkg/client"
)

type cliEnv struct {
	url       string
	root      string
	tokenFile string
}

func newCLIEnv(t *testing.T, withAuth bool) *cliEnv {
	t.Helper()
	color.NoColor = true

	root := t.TempDir()
	sb, err := sandbox.New(root, sandbox.Options{})
	require.NoError(t, err)
	bin, err := trash.New(sb)
	require.NoError(t, err)
	store := fsops.New(sb, bin)
	bcast := events.NewBroadcaster()
	t.Cleanup(bcast.Close)

	deps := api.Deps{
		Store:       store,
		Trash:       bin,
		Search:      search.New(store, 2, 100),
		Broadcaster: bcast,
	}
	if withAuth {
		hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
		require.NoError(t, err)
		deps.Auth = auth.New("test-secret", "admin", string(hash), time.Hour)
	}
	srv := api.NewServer(deps, api.Options{MaxUploadSize: 1 << 20})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &cliEnv{
		url:       ts.URL,
		root:      root,
		tokenFile: filepath.Join(t.TempDir(), "token.json"),
	}
}

// run executes one CLI invocation and returns its stdout.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", e.url, "--token-file", e.tokenFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, "", args...)
	require.NoError(t, err, "throttler %s", strings.Join(args, " "))
	return out
}

func TestFileCommands(t *testing.T) {
	e := newCLIEnv(t, false)

	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, []byte("remember the milk\n"), 0644))

	e.mustRun(t, "mkdir", "-p", "/docs/archive")
	out := e.mustRun(t, "put", local, "docs/")
	assert.Contains(t, out, "/docs/notes.txt")
	assert.FileExists(t, filepath.Join(e.root, "docs", "notes.txt"))

	_, err := e.run(t, "", "put", local, "/docs/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--overwrite")
	e.mustRun(t, "put", "--overwrite", local, "/docs/")

	out = e.mustRun(t, "ls", "/docs")
	assert.Equal(t, "archive/\nnotes.txt\n", out)

	out = e.mustRun(t, "ls", "-l", "/docs")
	assert.Contains(t, out, "18 B")

	assert.Equal(t, "remember the milk\n", e.mustRun(t, "cat", "/docs/notes.txt"))

	out = e.mustRun(t, "stat", "/docs/notes.txt")
	assert.Contains(t, out, "/docs/notes.txt")
	assert.Contains(t, out, "18 bytes")

	out = e.mustRun(t, "tree", "--sizes", "/")
	assert.Contains(t, out, "└── docs/")
	assert.Contains(t, out, "notes.txt (18 B)")
	assert.Contains(t, out, "2 directories, 1 files")

	out = e.mustRun(t, "tree", "--flat", "/")
	assert.Equal(t, "/docs/\n/docs/archive/\n/docs/notes.txt\n\n2 directories, 1 files, 18 B\n", out)

	e.mustRun(t, "cp", "/docs/notes.txt", "/docs/archive")
	assert.FileExists(t, filepath.Join(e.root, "docs", "archive", "notes.txt"))
	e.mustRun(t, "rename", "/docs/archive/notes.txt", "old.txt")
	e.mustRun(t, "touch", "/a.txt", "/b.txt")
	e.mustRun(t, "mv", "/a.txt", "/b.txt", "/docs/archive")
	assert.FileExists(t, filepath.Join(e.root, "docs", "archive", "b.txt"))

	out = e.mustRun(t, "find", "*.txt")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.ElementsMatch(t, []string{
		"/docs/notes.txt",
		"/docs/archive/old.txt",
		"/docs/archive/a.txt",
		"/docs/archive/b.txt",
	}, lines)

	download := t.TempDir()
	e.mustRun(t, "get", "/docs/archive/old.txt", download)
	data, err := os.ReadFile(filepath.Join(download, "old.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember the milk\n", string(data))

	out = e.mustRun(t, "df")
	assert.Contains(t, out, "USE%")
}

func TestDeleteAndTrashCommands(t *testing.T) {
	e := newCLIEnv(t, false)
	e.mustRun(t, "touch", "/one.txt", "/two.txt", "/three.txt")

	out := e.mustRun(t, "rm", "/one.txt")
	assert.Contains(t, out, "moved to trash")

	out = e.mustRun(t, "rm", "/two.txt", "/three.txt")
	assert.Contains(t, out, "deleted 2, failed 0")

	_, err := e.run(t, "", "rm", "/missing", "/also-missing")
	require.Error(t, err)

	out = e.mustRun(t, "trash", "ls")
	assert.Contains(t, out, "/one.txt")
	assert.Contains(t, out, "/two.txt")

	c := client.New(client.Config{BaseURL: e.url})
	items, err := c.Trash(t.Context())
	require.NoError(t, err)
	require.Len(t, items, 3)

	var oneID string
	for _, it := range items {
		if it.OriginalPath == "/one.txt" {
			oneID = it.ID
		}
	}
	require.NotEmpty(t, oneID)
	out = e.mustRun(t, "trash", "show", oneID)
	assert.Contains(t, out, "Path: /one.txt")
	assert.Contains(t, out, "Type: file")
	out = e.mustRun(t, "trash", "restore", oneID)
	assert.Contains(t, out, "restored /one.txt")
	assert.FileExists(t, filepath.Join(e.root, "one.txt"))

	out = e.mustRun(t, "trash", "empty")
	assert.Equal(t, "purged 2 items\n", out)
	assert.Contains(t, e.mustRun(t, "trash", "ls"), "trash is empty")

	e.mustRun(t, "rm", "--permanent", "/one.txt")
	assert.NoFileExists(t, filepath.Join(e.root, "one.txt"))
}

func TestLoginFlow(t *testing.T) {
	e := newCLIEnv(t, true)

	_, err := e.run(t, "", "ls")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, client.StatusCode(err))

	_, err = e.run(t, "wrong\n", "login", "--password-stdin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")

	out, err := e.run(t, "hunter2\n", "login", "-u", "admin", "--password-stdin")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in as admin")

	tf, err := client.LoadToken(e.tokenFile)
	require.NoError(t, err)
	assert.Equal(t, e.url, tf.Server)
	assert.Equal(t, "admin", tf.Username)
	assert.NotEmpty(t, tf.Token)

	e.mustRun(t, "mkdir", "/private")
	assert.Equal(t, "private/\n", e.mustRun(t, "ls"))

	e.mustRun(t, "logout")
	assert.NoFileExists(t, e.tokenFile)
	_, err = e.run(t, "", "ls")
	require.Error(t, err)
}

func TestTokenForOtherServerIgnored(t *testing.T) {
	e := newCLIEnv(t, true)
	require.NoError(t, client.SaveToken(e.tokenFile, &client.TokenFile{
		Token:     "stale",
		ExpiresAt: time.Now().Add(time.Hour),
		Server:    "http://elsewhere:8080",
	}))

	_, err := e.run(t, "", "ls")
	assert.Equal(t, http.StatusUnauthorized, client.StatusCode(err))

	require.NoError(t, client.SaveToken(e.tokenFile, &client.TokenFile{
		Token:     "expired",
		ExpiresAt: time.Now().Add(-time.Minute),
		Server:    e.url,
	}))
	_, err = e.run(t, "", "ls")
	assert.Equal(t, http.StatusUnauthorized, client.StatusCode(err))
}

func TestHashPassword(t *testing.T) {
	e := newCLIEnv(t, false)
	out, err := e.run(t, "correct horse\n", "hash-password")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse")))

	_, err = e.run(t, "\n", "hash-password")
	assert.Error(t, err)
}
