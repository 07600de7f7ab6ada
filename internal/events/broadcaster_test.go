package events

import (
	"testing"
	"time"

	"github.com/markpippins/throttler/pkg/protocol"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	s1 := b.Subscribe("/")
	s2 := b.Subscribe("/")

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(s1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}
	if _, ok := <-s1.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	b.Unsubscribe(s2)
	b.Unsubscribe(s2) // second call is a no-op
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("/")
	defer b.Unsubscribe(sub)

	b.Publish(Event{
		Type:   protocol.EventCreate,
		Path:   "/test/file.txt",
		Size:   100,
		Source: protocol.SourceAPI,
	})

	select {
	case received := <-sub.C:
		if received.Type != protocol.EventCreate {
			t.Errorf("expected type %s, got %s", protocol.EventCreate, received.Type)
		}
		if received.Path != "/test/file.txt" {
			t.Errorf("expected path /test/file.txt, got %s", received.Path)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterPrefixFilter(t *testing.T) {
	b := NewBroadcaster()
	docs := b.Subscribe("/docs")
	defer b.Unsubscribe(docs)

	b.Publish(Event{Type: protocol.EventCreate, Path: "/photos/a.jpg"})
	b.Publish(Event{Type: protocol.EventCreate, Path: "/docsx/b.txt"})
	b.Publish(Event{Type: protocol.EventModify, Path: "/docs/c.txt"})
	b.Publish(Event{Type: protocol.EventMove, Path: "/archive/d.txt", From: "/docs/d.txt"})

	var got []string
	for len(docs.C) > 0 {
		got = append(got, (<-docs.C).Path)
	}
	if len(got) != 2 || got[0] != "/docs/c.txt" || got[1] != "/archive/d.txt" {
		t.Errorf("unexpected events: %v", got)
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	s1 := b.Subscribe("/")
	s2 := b.Subscribe("/")
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish(Event{Type: protocol.EventModify, Path: "/shared.txt"})

	for i, sub := range []*Subscription{s1, s2} {
		select {
		case received := <-sub.C:
			if received.Path != "/shared.txt" {
				t.Errorf("subscriber %d: expected /shared.txt, got %s", i, received.Path)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("/")
	defer b.Unsubscribe(sub)

	// Fill the channel buffer (64)
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: protocol.EventCreate, Path: "/overflow.txt"})
	}

	count := 0
	for {
		select {
		case <-sub.C:
			count++
		default:
			goto done
		}
	}
done:
	if count != 64 {
		t.Errorf("expected 64 buffered events, got %d", count)
	}
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("/")

	b.Close()
	if _, ok := <-sub.C; ok {
		t.Error("subscription should be closed")
	}
	b.Unsubscribe(sub)

	late := b.Subscribe("/")
	if _, ok := <-late.C; ok {
		t.Error("subscription after Close should start closed")
	}
	b.Publish(Event{Type: protocol.EventDelete, Path: "/x"})
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{
		Type:      protocol.EventDelete,
		Path:      "/deleted.txt",
		Timestamp: 1234567890,
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"delete","path":"/deleted.txt","timestamp":1234567890}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}
