package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/mwork/photofabric/internal/events"
	"github.com/mwork/photofabric/internal/fabric"
)

func newTestServer(t *testing.T) (*httptest.Server, *events.Channel) {
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

	router := fabric.NewRouter(ch)
	handler := NewHandler(router, nil)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, ch
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIdentifyAndSubscribeReceivesRoutedEvent(t *testing.T) {
	srv, ch := newTestServer(t)
	conn := dial(t, srv)

	send(t, conn, command{Type: "identify", ClientID: "client-1", SessionID: "session-1"})
	send(t, conn, command{Type: "subscribe", PhotoID: "photo-1"})

	// Give the reader goroutine a moment to apply both commands before
	// publishing, since there is no ack frame in this protocol.
	time.Sleep(100 * time.Millisecond)

	evt := events.New(events.TopicPhotoProcessingCompleted, map[string]any{"photo_id": "photo-1"}, events.Metadata{
		PhotoID: "photo-1", ClientID: "client-1",
	})
	if err := ch.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != events.TopicPhotoProcessingCompleted {
		t.Fatalf("Type = %q, want photo.processing.completed", got.Type)
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd command) {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}
