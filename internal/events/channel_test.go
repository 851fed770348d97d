package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestChannel(t *testing.T) (*Channel, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	transport := NewRedisTransport(client)
	ch := NewChannel(transport, "test")

	return ch, func() {
		ch.Close()
		client.Close()
		mr.Close()
	}
}

func TestChannelExactMatchDelivery(t *testing.T) {
	t.Parallel()

	ch, cleanup := newTestChannel(t)
	defer cleanup()

	received := make(chan Event, 1)
	ch.Subscribe(TopicPhotoUploaded, func(ctx context.Context, evt Event) error {
		received <- evt
		return nil
	}, SubscribeOptions{})

	time.Sleep(50 * time.Millisecond) // let the redis subscribe settle

	evt := New(TopicPhotoUploaded, map[string]any{"photo_id": "p1"}, Metadata{PhotoID: "p1", Sequence: 1})
	if err := ch.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != TopicPhotoUploaded {
			t.Fatalf("Type = %q, want %q", got.Type, TopicPhotoUploaded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestChannelWildcardPatternDoesNotMatchUnrelatedTopic(t *testing.T) {
	t.Parallel()

	ch, cleanup := newTestChannel(t)
	defer cleanup()

	received := make(chan Event, 4)
	ch.Subscribe("photo.processing.*", func(ctx context.Context, evt Event) error {
		received <- evt
		return nil
	}, SubscribeOptions{})

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	ch.Publish(ctx, New(TopicPhotoUploaded, nil, Metadata{PhotoID: "p1"}))
	ch.Publish(ctx, New(TopicPhotoProcessingStarted, nil, Metadata{PhotoID: "p1"}))

	select {
	case got := <-received:
		if got.Type != TopicPhotoProcessingStarted {
			t.Fatalf("Type = %q, want %q", got.Type, TopicPhotoProcessingStarted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wildcard delivery")
	}

	select {
	case extra := <-received:
		t.Fatalf("unexpected second delivery: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannelPreservesPerPhotoOrder(t *testing.T) {
	t.Parallel()

	ch, cleanup := newTestChannel(t)
	defer cleanup()

	var mu sync.Mutex
	var sequences []int

	ch.Subscribe("photo.processing.*", func(ctx context.Context, evt Event) error {
		mu.Lock()
		sequences = append(sequences, evt.Metadata.Sequence)
		mu.Unlock()
		return nil
	}, SubscribeOptions{})

	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	for seq := 1; seq <= 5; seq++ {
		ch.Publish(ctx, New(TopicPhotoProcessingStage, nil, Metadata{PhotoID: "p-order", Sequence: seq}))
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(sequences)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only received %d/5 events", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range sequences {
		if seq != i+1 {
			t.Fatalf("sequences out of order: %v", sequences)
		}
	}
}
