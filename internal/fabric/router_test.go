package fabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/events"
)

func newTestChannel(t *testing.T) *events.Channel {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ch := events.NewChannel(events.NewRedisTransport(client), "test")
	t.Cleanup(ch.Close)
	return ch
}

func recvWithTimeout(t *testing.T, send chan []byte, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case payload := <-send:
		var evt events.Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			t.Fatalf("unmarshal routed event: %v", err)
		}
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for routed event")
		return events.Event{}
	}
}

func assertNoDelivery(t *testing.T, send chan []byte, wait time.Duration) {
	t.Helper()
	select {
	case <-send:
		t.Fatal("expected no delivery to this client")
	case <-time.After(wait):
	}
}

func TestUploadedEventReachesPhotoClientAndSessionRooms(t *testing.T) {
	ch := newTestChannel(t)
	router := NewRouter(ch)

	subscriber := NewClient("conn-1")
	router.Register(subscriber)
	router.Subscribe(subscriber, "photo-1")

	owner := NewClient("conn-2")
	router.Register(owner)
	router.Identify(owner, "client-1", "session-1")

	bystander := NewClient("conn-3")
	router.Register(bystander)
	router.Identify(bystander, "client-2", "session-2")

	evt := events.New(events.TopicPhotoUploaded, map[string]any{"photo_id": "photo-1"}, events.Metadata{
		PhotoID: "photo-1", ClientID: "client-1", SessionID: "session-1",
	})
	if err := ch.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := recvWithTimeout(t, subscriber.Send, 2*time.Second)
	if got.Type != events.TopicPhotoUploaded {
		t.Fatalf("Type = %q, want photo.uploaded", got.Type)
	}
	recvWithTimeout(t, owner.Send, 2*time.Second)
	assertNoDelivery(t, bystander.Send, 200*time.Millisecond)
}

func TestProcessingEventDoesNotReachUnrelatedSessionRoom(t *testing.T) {
	ch := newTestChannel(t)
	router := NewRouter(ch)

	owner := NewClient("conn-1")
	router.Register(owner)
	router.Identify(owner, "client-1", "session-1")

	bystander := NewClient("conn-2")
	router.Register(bystander)
	router.Identify(bystander, "client-2", "session-2")

	evt := events.New(events.TopicPhotoProcessingStarted, map[string]any{}, events.Metadata{
		PhotoID: "photo-9", ClientID: "client-1",
	})
	if err := ch.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recvWithTimeout(t, owner.Send, 2*time.Second)
	assertNoDelivery(t, bystander.Send, 200*time.Millisecond)
}

func TestSystemEventBroadcastsToEveryClient(t *testing.T) {
	ch := newTestChannel(t)
	router := NewRouter(ch)

	a := NewClient("conn-a")
	b := NewClient("conn-b")
	router.Register(a)
	router.Register(b)
	router.Identify(a, "client-a", "")
	router.Identify(b, "client-b", "")
	router.joinLocked(RoomBroadcast, a)
	router.joinLocked(RoomBroadcast, b)

	evt := events.New(events.TopicSystemHealth, map[string]any{"ok": true}, events.Metadata{})
	if err := ch.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recvWithTimeout(t, a.Send, 2*time.Second)
	recvWithTimeout(t, b.Send, 2*time.Second)
}

func TestUnregisterRemovesClientFromAllRooms(t *testing.T) {
	ch := newTestChannel(t)
	router := NewRouter(ch)

	c := NewClient("conn-1")
	router.Register(c)
	router.Subscribe(c, "photo-1")
	if router.RoomSize(roomPhoto("photo-1")) != 1 {
		t.Fatal("expected client to have joined the photo room")
	}

	router.Unregister(c)
	if router.RoomSize(roomPhoto("photo-1")) != 0 {
		t.Fatal("expected room to be empty after unregister")
	}
	if router.ConnectionCount() != 0 {
		t.Fatal("expected zero connections after unregister")
	}
}

func TestDuplicateEventIDIsRoutedOnce(t *testing.T) {
	router := &Router{clients: map[string]*Client{}, rooms: map[string]map[string]*Client{}, dedup: newDedupGuard(time.Minute)}

	c := NewClient("conn-1")
	router.Register(c)
	router.Subscribe(c, "photo-1")

	evt := events.New(events.TopicPhotoUploaded, nil, events.Metadata{PhotoID: "photo-1"})
	router.routeEvent(evt)
	router.routeEvent(evt) // same event_id: must not be delivered twice

	recvWithTimeout(t, c.Send, time.Second)
	assertNoDelivery(t, c.Send, 200*time.Millisecond)
}
