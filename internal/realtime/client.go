package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreylabs/drey/internal/session"
	"github.com/dreylabs/drey/pkg/entrystore"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

// wsClient is one connected socket bound to an analysis and its room.
type wsClient struct {
	broadcaster *Broadcaster
	feed        *feed
	room        *session.Room
	conn        *websocket.Conn
	identity    entrystore.Identity

	// Buffered channel of outbound frames. Guarded by sendMu so a roster
	// send racing a slow-client drop can never hit a closed channel.
	sendMu     sync.Mutex
	sendClosed bool
	send       chan []byte
}

// enqueue queues a frame for the write pump. Returns false when the client has
// already been dropped or its buffer is full.
func (c *wsClient) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. Safe to call from any
// goroutine; later enqueues become no-ops.
func (c *wsClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// inboundMessage is the envelope clients send over the socket.
type inboundMessage struct {
	Type     string            `json:"type"`
	Position *session.Position `json:"position,omitempty"`
}

// rosterFrame is sent once to a freshly connected socket.
type rosterFrame struct {
	Type         entrystore.EventType  `json:"type"`
	AnalysisID   string                `json:"analysis_id"`
	Participants []session.Participant `json:"participants"`
	EmittedAtMs  int64                 `json:"emitted_at_ms"`
}

// sendRoster queues a room:users frame for this socket only.
func (c *wsClient) sendRoster(roster []session.Participant) {
	frame, err := json.Marshal(rosterFrame{
		Type:         entrystore.EventRoomUsers,
		AnalysisID:   c.feed.analysisID,
		Participants: roster,
		EmittedAtMs:  time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[Broadcaster] Failed to marshal roster frame: %v", err)
		return
	}

	c.enqueue(frame)
}

// readPump consumes client messages until the socket closes, then leaves the
// room and detaches from the feed.
func (c *wsClient) readPump() {
	defer func() {
		c.broadcaster.detach(c.feed, c)
		c.broadcaster.leaveQuietly(c.room, c.identity)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Broadcaster] WebSocket error for user %s: %v", c.identity.UserID, err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("[Broadcaster] Ignoring malformed message from user %s: %v", c.identity.UserID, err)
			continue
		}

		switch msg.Type {
		case "room:join":
			// Joining happens on connect; a re-sent join just refreshes
			// this socket's roster.
			c.sendRoster(c.room.Participants())

		case "cursor:update":
			if msg.Position == nil {
				continue
			}
			if err := c.room.UpdateCursor(context.Background(), c.identity, *msg.Position); err != nil {
				log.Printf("[Broadcaster] Cursor update rejected for user %s: %v", c.identity.UserID, err)
			}

		case "room:leave":
			return

		default:
			log.Printf("[Broadcaster] Ignoring unknown message type %q from user %s", msg.Type, c.identity.UserID)
		}
	}
}

// writePump flushes outbound frames and keepalive pings to the socket.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
