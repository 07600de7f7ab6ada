package client

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/markpippins/throttler/internal/api"
	"github.com/markpippins/throttler/internal/events"
	"github.com/markpippins/throttler/internal/fsops"
	"github.com/markpippins/throttler/internal/sandbox"
	"github.com/markpippins/throttler/internal/search"
	"github.com/markpippins/throttler/internal/trash"
	"github.com/markpippins/throttler/pkg/protocol"
	"github.com/markpippins/throttler/pkg/retry"
)

func liveServer(t *testing.T) (*Client, *events.Broadcaster) {
	t.Helper()
	sb, err := sandbox.New(t.TempDir(), sandbox.Options{})
	if err != nil {
		t.Fatal(err)
	}
	bin, err := trash.New(sb)
	if err != nil {
		t.Fatal(err)
	}
	store := fsops.New(sb, bin)
	bcast := events.NewBroadcaster()
	srv := api.NewServer(api.Deps{
		Store:       store,
		Trash:       bin,
		Search:      search.New(store, 2, 100),
		Broadcaster: bcast,
	}, api.Options{MaxUploadSize: 1 << 20})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(bcast.Close)

	c := New(Config{
		BaseURL:     ts.URL,
		RetryConfig: retry.Config{MaxAttempts: 1},
	})
	return c, bcast
}

func TestClientAgainstServer(t *testing.T) {
	c, _ := liveServer(t)
	ctx := context.Background()

	if _, err := c.Mkdir(ctx, "/music/albums", true); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	e, err := c.Upload(ctx, "/music/albums/track one.mp3", strings.NewReader("0123456789"), 10, false)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if e.Path != "/music/albums/track one.mp3" || e.Size != 10 {
		t.Errorf("uploaded entry %+v", e)
	}

	body, n, err := c.Download(ctx, e.Path, 2, 3)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "234" || n != 3 {
		t.Errorf("range download = %q (%d)", data, n)
	}

	list, err := c.List(ctx, "/music/albums", ListOptions{})
	if err != nil || len(list.Entries) != 1 {
		t.Fatalf("list: %v %+v", err, list)
	}

	if _, err := c.Copy(ctx, e.Path, "/music", ""); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := c.Copy(ctx, e.Path, "/music", ""); !IsConflict(err) {
		t.Errorf("second copy should conflict, got %v", err)
	}
	renamed, err := c.Rename(ctx, "/music/track one.mp3", "two.mp3")
	if err != nil || renamed.Path != "/music/two.mp3" {
		t.Fatalf("rename: %v %+v", err, renamed)
	}

	res, err := c.Search(ctx, SearchOptions{Query: "*.mp3"})
	if err != nil || len(res.Results) != 2 {
		t.Fatalf("search: %v %+v", err, res)
	}

	root, err := c.Tree(ctx, "/", 5, false)
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(root.Children) != 1 {
		t.Errorf("tree root children = %d", len(root.Children))
	}

	del, err := c.Delete(ctx, "/music/two.mp3", false)
	if err != nil || !del.Trashed {
		t.Fatalf("delete: %v %+v", err, del)
	}
	items, err := c.Trash(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("trash: %v %d", err, len(items))
	}
	if _, err := c.Restore(ctx, items[0].ID, false); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := c.Stat(ctx, "/music/two.mp3"); err != nil {
		t.Errorf("restored file missing: %v", err)
	}

	bulk, err := c.BulkDelete(ctx, []string{"/music/two.mp3", "/missing"}, true)
	if err != nil || bulk.Succeeded != 1 || bulk.Failed != 1 {
		t.Errorf("bulk delete: %v %+v", err, bulk)
	}
	if n, err := c.EmptyTrash(ctx); err != nil || n != 0 {
		t.Errorf("empty trash: %d %v", n, err)
	}
	if _, err := c.Stat(ctx, "/nope"); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClientWatchAgainstServer(t *testing.T) {
	c, bcast := liveServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evs, _ := c.Watch(ctx, "/")
	deadline := time.Now().Add(2 * time.Second)
	for bcast.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.Touch(ctx, "/hello.txt"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	select {
	case ev := <-evs:
		if ev.Type != protocol.EventCreate || ev.Path != "/hello.txt" || ev.Source != protocol.SourceAPI {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
