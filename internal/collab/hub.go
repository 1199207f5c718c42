package collab

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn     *websocket.Conn
	writerID string
	send     chan []byte
	closed   atomic.Bool
}

func (c *client) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// Hub bridges the session feed to websocket connections. One feed
// subscription per session fans out to every connected member.
type Hub struct {
	svc  *Service
	feed Feed

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	clients map[*client]struct{}
	cancel  func()
}

// NewHub creates a hub over the session service and its feed.
func NewHub(svc *Service, feed Feed) *Hub {
	return &Hub{
		svc:   svc,
		feed:  feed,
		rooms: make(map[string]*room),
	}
}

// ServeSession upgrades the request and streams session events until
// the peer disconnects. Membership must be checked by the caller.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID, writerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("collab: websocket upgrade: %v", err)
		return
	}

	c := &client{
		conn:     conn,
		writerID: writerID,
		send:     make(chan []byte, sendBuffer),
	}

	if err := h.join(sessionID, c); err != nil {
		log.Printf("collab: join session feed: %v", err)
		conn.Close()
		return
	}

	if err := h.svc.SetPresence(r.Context(), sessionID, writerID, true); err != nil {
		log.Printf("collab: set presence online: %v", err)
	}

	go h.writePump(c)
	h.readPump(c)

	h.leave(sessionID, c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.SetPresence(ctx, sessionID, writerID, false); err != nil {
		log.Printf("collab: set presence offline: %v", err)
	}
}

// join adds the client to the session room, opening the feed
// subscription when the room is new.
func (h *Hub) join(sessionID string, c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[sessionID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		events, release, err := h.feed.Subscribe(ctx, sessionID)
		if err != nil {
			cancel()
			return err
		}
		rm = &room{
			clients: make(map[*client]struct{}),
			cancel: func() {
				cancel()
				release()
			},
		}
		h.rooms[sessionID] = rm
		go h.fanOut(sessionID, events)
	}
	rm.clients[c] = struct{}{}
	return nil
}

func (h *Hub) leave(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(rm.clients, c)
	c.close()
	if len(rm.clients) == 0 {
		rm.cancel()
		delete(h.rooms, sessionID)
	}
}

// fanOut pushes every feed event to all clients in the room. A client
// with a full send buffer is dropped rather than blocking the room.
func (h *Hub) fanOut(sessionID string, events <-chan Event) {
	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}

		h.mu.Lock()
		rm, ok := h.rooms[sessionID]
		if !ok {
			h.mu.Unlock()
			return
		}
		var stale []*client
		for c := range rm.clients {
			select {
			case c.send <- payload:
			default:
				stale = append(stale, c)
			}
		}
		h.mu.Unlock()

		for _, c := range stale {
			h.leave(sessionID, c)
		}
	}
}

// readPump drains inbound frames. Clients do not send commands over
// the socket; edits go through the REST surface.
func (h *Hub) readPump(c *client) {
	defer c.close()
	c.conn.SetPongHandler(func(string) error {
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
