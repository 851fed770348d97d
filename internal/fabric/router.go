// Package fabric implements the Event Fabric / Room Router (C8):
// it subscribes to the event channel (C3) and fans events out to
// client/session/photo rooms, preserving per-photo_id delivery order.
package fabric

import (
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwork/photofabric/internal/events"
)

var (
	fabricConnectionsGauge = expvar.NewInt("fabric_connections")
	fabricEventsSentTotal  = expvar.NewInt("fabric_events_sent_total")
	fabricEventsDropped    = expvar.NewInt("fabric_events_dropped_total")
)

// Client is one connected stream collaborator (spec.md §4.C8's
// "websocket-like stream collaborator", wired concretely by
// internal/transport/ws). Send carries marshaled events outward; a
// full buffer drops the event rather than blocking the router.
type Client struct {
	ID        string
	ClientID  string
	SessionID string
	Send      chan []byte

	mu      sync.RWMutex
	photos  map[string]bool
}

// NewClient builds an anonymous client; call Router.Identify once the
// connection's client_id/session_id are known.
func NewClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 64), photos: make(map[string]bool)}
}

func (c *Client) subscribedTo(photoID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.photos[photoID]
}

// Router maintains room membership and routes events (C3) to rooms
// per spec.md §4.C8's routing table, grounded on the teacher's
// localRooms/connections registry in internal/domain/chat/hub.go.
type Router struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client // roomKey -> connID -> client

	dedup *dedupGuard

	sub events.Subscription
}

// NewRouter subscribes to every routed topic on ch and returns a
// ready-to-use Router. Call Close to unsubscribe.
func NewRouter(ch *events.Channel) *Router {
	r := &Router{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		dedup:   newDedupGuard(5 * time.Minute),
	}

	handler := func(ctx context.Context, evt events.Event) error {
		r.routeEvent(evt)
		return nil
	}

	// One subscription per routing-table row (spec.md §4.C8); photo
	// lifecycle topics beyond "uploaded" share the ".*" wildcard.
	ch.Subscribe(events.TopicPhotoUploaded, handler, events.SubscribeOptions{})
	ch.Subscribe("photo.processing.*", handler, events.SubscribeOptions{})
	ch.Subscribe("system.*", handler, events.SubscribeOptions{})

	return r
}

// Register adds client to the router's connection registry and to the
// global broadcast room.
func (r *Router) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	r.joinLocked(RoomBroadcast, c)
	fabricConnectionsGauge.Add(1)
}

// Unregister removes client and drops it from every room it joined.
func (r *Router) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; !ok {
		return
	}
	delete(r.clients, c.ID)
	for _, members := range r.rooms {
		delete(members, c.ID)
	}
	fabricConnectionsGauge.Add(-1)
}

// Identify joins client to its client:{client_id} and, if sessionID is
// non-empty, session:{session_id} rooms (spec.md §4.C8 "identify").
func (r *Router) Identify(c *Client, clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.ClientID = clientID
	c.SessionID = sessionID
	r.joinLocked(roomClient(clientID), c)
	if sessionID != "" {
		r.joinLocked(roomSession(sessionID), c)
	}
}

// Subscribe joins client to photo:{photo_id} (spec.md §4.C8 "subscribe").
func (r *Router) Subscribe(c *Client, photoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	c.photos[photoID] = true
	c.mu.Unlock()
	r.joinLocked(roomPhoto(photoID), c)
}

// Unsubscribe leaves photo:{photo_id}.
func (r *Router) Unsubscribe(c *Client, photoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	delete(c.photos, photoID)
	c.mu.Unlock()
	if members, ok := r.rooms[roomPhoto(photoID)]; ok {
		delete(members, c.ID)
	}
}

func (r *Router) joinLocked(room string, c *Client) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Client)
	}
	r.rooms[room][c.ID] = c
}

// RoomSize reports how many locally-registered clients belong to room,
// used by C9's fabric fanout counters.
func (r *Router) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// ConnectionCount reports the number of registered clients.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// routesFor implements spec.md §4.C8's routing rule table.
func routesFor(evt events.Event) []string {
	switch {
	case evt.Type == events.TopicPhotoUploaded:
		rooms := []string{roomPhoto(evt.Metadata.PhotoID)}
		if evt.Metadata.ClientID != "" {
			rooms = append(rooms, roomClient(evt.Metadata.ClientID))
		}
		if evt.Metadata.SessionID != "" {
			rooms = append(rooms, roomSession(evt.Metadata.SessionID))
		}
		return rooms
	case strings.HasPrefix(evt.Type, "photo.processing."):
		rooms := []string{roomPhoto(evt.Metadata.PhotoID)}
		if evt.Metadata.ClientID != "" {
			rooms = append(rooms, roomClient(evt.Metadata.ClientID))
		}
		return rooms
	case strings.HasPrefix(evt.Type, "system."):
		return []string{RoomBroadcast}
	default:
		return nil
	}
}

// routeEvent delivers evt to every room spec.md §4.C8 names for its
// type. Duplicate event_ids (e.g. a retried publish) are dropped,
// generalizing the teacher's instance-ID de-dup on userEventsChannel.
func (r *Router) routeEvent(evt events.Event) {
	if r.dedup.seen(evt.EventID) {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_id", evt.EventID).Msg("fabric: marshal event failed")
		return
	}

	rooms := routesFor(evt)
	if len(rooms) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := make(map[string]bool)
	for _, room := range rooms {
		for connID, c := range r.rooms[room] {
			if delivered[connID] {
				continue // a client in two matched rooms receives the event once
			}
			delivered[connID] = true
			select {
			case c.Send <- payload:
				fabricEventsSentTotal.Add(1)
			default:
				fabricEventsDropped.Add(1)
				log.Warn().Str("client_id", c.ClientID).Msg("fabric: send buffer full, event dropped")
			}
		}
	}
}

const RoomBroadcast = "broadcast"

func roomPhoto(photoID string) string     { return "photo:" + photoID }
func roomClient(clientID string) string   { return "client:" + clientID }
func roomSession(sessionID string) string { return "session:" + sessionID }
