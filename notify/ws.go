package notify

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/projecteru2/core/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub bridges the Bus onto websocket connections. One Subscribe per
// connection; the connection closing tears the subscription down.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

func NewHub(bus *Bus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browsers hit this endpoint from the SPA origin; auth happens
			// at the HTTP layer before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams bus messages as JSON frames
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.WithFunc("notify.ServeHTTP")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf(ctx, "upgrade failed: %v", err)
		return
	}

	id, ch := h.bus.Subscribe()
	logger.Infof(ctx, "client %s connected", id)

	defer func() {
		h.bus.Unsubscribe(id)
		conn.Close() //nolint:errcheck
		logger.Infof(ctx, "client %s disconnected", id)
	}()

	// Read pump: the client sends nothing we care about, but reads must be
	// drained for close and pong frames to be processed.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteJSON(msg); err != nil {
				logger.Warnf(ctx, "write to %s failed: %v", id, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
