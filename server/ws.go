package server

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"Px1LED/logger"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans emitted frames out to websocket clients: the display
// bridge and any desktop previews. It implements player.Sink. The
// device loop calls EmitFrame; clients run their own write pumps, so
// a slow client drops frames rather than stalling the tick.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// EmitFrame copies the frame (the player reuses its buffer) and
// offers it to every client, dropping for any client whose queue is
// full.
func (h *Hub) EmitFrame(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}

	out := make([]byte, len(frame))
	copy(out, frame)
	for c := range h.clients {
		select {
		case c.send <- out:
		default:
			// Latency over completeness: the matrix renders the
			// next frame soon enough.
		}
	}
	return nil
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// FrameFeedHandler upgrades the connection and streams raw binary
// frames as playback emits them.
func (h *APIHandler) FrameFeedHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 8),
	}
	h.hub.add(c)
	logger.Info("frame feed client connected", logger.String("client", c.id))

	// Write pump.
	go func() {
		defer conn.Close()
		for frame := range c.send {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}()

	// Read pump exists only to observe the close.
	go func() {
		defer func() {
			h.hub.remove(c)
			conn.Close()
			logger.Info("frame feed client disconnected", logger.String("client", c.id))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
