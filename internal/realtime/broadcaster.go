// Package realtime bridges analysis event channels to WebSocket connections.
//
// Each connected socket belongs to exactly one analysis. The broadcaster keeps
// one Redis subscription per analysis with at least one socket attached (a
// feed) and fans every event out to the analysis's sockets. Room membership
// and cursor state live in the session manager; the broadcaster only moves
// frames.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dreylabs/drey/internal/session"
	"github.com/dreylabs/drey/pkg/entrystore"
)

// EventSource provides per-analysis event subscriptions. *entrystore.Client
// satisfies this.
type EventSource interface {
	SubscribeEvents(ctx context.Context, analysisID string) (*entrystore.Subscription, error)
}

// Broadcaster fans analysis events out to WebSocket clients and routes
// client presence messages into collaboration rooms.
type Broadcaster struct {
	source   EventSource
	sessions *session.Manager
	upgrader websocket.Upgrader

	mu    sync.Mutex
	feeds map[string]*feed // analysisID -> live feed
}

// NewBroadcaster creates a broadcaster. allowedOrigins lists origin prefixes
// accepted during the WebSocket upgrade; empty means same-host only.
func NewBroadcaster(source EventSource, sessions *session.Manager, allowedOrigins []string) *Broadcaster {
	b := &Broadcaster{
		source:   source,
		sessions: sessions,
		feeds:    make(map[string]*feed),
	}

	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			allowed := append([]string{
				"http://" + r.Host,
				"https://" + r.Host,
			}, allowedOrigins...)

			for _, prefix := range allowed {
				if strings.HasPrefix(origin, prefix) {
					return true
				}
			}

			log.Printf("[Broadcaster] Rejected WebSocket connection from origin: %s", origin)
			return false
		},
	}

	return b
}

// feed is one analysis's fan-out point: a single event subscription shared by
// every socket watching that analysis.
type feed struct {
	analysisID string
	sub        *entrystore.Subscription
	cancel     context.CancelFunc

	mu      sync.Mutex
	clients map[*wsClient]bool
}

// ServeWS upgrades the request, joins the identity to the analysis's
// collaboration room, and runs the socket until it disconnects. The caller
// must have authenticated the identity already.
func (b *Broadcaster) ServeWS(c *gin.Context, analysisID string, identity entrystore.Identity) {
	room, _, roster, err := b.sessions.StartOrJoin(c.Request.Context(), analysisID, identity, session.StartOptions{})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Broadcaster] Failed to upgrade connection: %v", err)
		b.leaveQuietly(room, identity)
		return
	}

	f, err := b.attach(analysisID)
	if err != nil {
		log.Printf("[Broadcaster] Failed to subscribe to events for analysis %s: %v", analysisID, err)
		conn.Close()
		b.leaveQuietly(room, identity)
		return
	}

	client := &wsClient{
		broadcaster: b,
		feed:        f,
		room:        room,
		conn:        conn,
		identity:    identity,
		send:        make(chan []byte, 256),
	}

	f.register(client)

	b.logEvent("client_connected", map[string]interface{}{
		"analysis_id": analysisID,
		"room_id":     room.ID(),
		"user_id":     identity.UserID,
	})

	// The joining socket alone receives the current roster; everyone else
	// already saw user:joined.
	client.sendRoster(roster)

	go client.writePump()
	go client.readPump()
}

// attach returns the live feed for an analysis, creating the shared event
// subscription on first use.
func (b *Broadcaster) attach(analysisID string) (*feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if f, ok := b.feeds[analysisID]; ok {
		return f, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.source.SubscribeEvents(ctx, analysisID)
	if err != nil {
		cancel()
		return nil, err
	}

	f := &feed{
		analysisID: analysisID,
		sub:        sub,
		cancel:     cancel,
		clients:    make(map[*wsClient]bool),
	}
	b.feeds[analysisID] = f

	go b.pump(f)
	return f, nil
}

// detach drops a client from its feed, closing the subscription when the last
// socket for the analysis goes away.
func (b *Broadcaster) detach(f *feed, client *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()

	empty := f.unregister(client)
	if empty && b.feeds[f.analysisID] == f {
		delete(b.feeds, f.analysisID)
		f.sub.Close()
		f.cancel()
	}
}

// pump forwards subscription events to every socket on the feed until the
// subscription closes.
func (b *Broadcaster) pump(f *feed) {
	for {
		select {
		case ev, ok := <-f.sub.Events():
			if !ok {
				f.closeAll()
				return
			}

			frame, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[Broadcaster] Failed to marshal event %s: %v", ev.Type, err)
				continue
			}
			f.broadcast(frame)

		case err, ok := <-f.sub.Errors():
			if !ok {
				continue
			}
			log.Printf("[Broadcaster] Subscription error for analysis %s: %v", f.analysisID, err)
		}
	}
}

func (f *feed) register(client *wsClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[client] = true
}

// unregister removes the client and reports whether the feed is now empty.
func (f *feed) unregister(client *wsClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.clients[client] {
		delete(f.clients, client)
		client.closeSend()
	}
	return len(f.clients) == 0
}

// broadcast delivers a frame to every socket. A client whose buffer is full
// is dropped rather than allowed to stall the feed.
func (f *feed) broadcast(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for client := range f.clients {
		if !client.enqueue(frame) {
			delete(f.clients, client)
			client.closeSend()
		}
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for client := range f.clients {
		delete(f.clients, client)
		client.closeSend()
	}
}

// leaveQuietly removes the identity from the room, tolerating rooms that
// already ended or never registered the participant.
func (b *Broadcaster) leaveQuietly(room *session.Room, identity entrystore.Identity) {
	if err := room.Leave(context.Background(), identity); err != nil &&
		err != session.ErrRoomEnded && err != session.ErrNotParticipant {
		log.Printf("[Broadcaster] Failed to leave room %s: %v", room.ID(), err)
	}
}

// logEvent logs a structured event in JSON format.
func (b *Broadcaster) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "broadcaster"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Broadcaster] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
