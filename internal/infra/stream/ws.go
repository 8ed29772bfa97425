package stream

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware in front of
	// the router; the upgrader itself accepts any origin that got here.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// ServeWS upgrades one HTTP request to a websocket subscriber bound to
// the authenticated user. Subscription lifetime equals connection
// lifetime: the subscriber is dropped on any read or write error.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stream: upgrade error user=%s: %v", userID, err)
		return
	}

	sub := h.Register(userID)
	go h.writeLoop(ws, sub)
	h.readLoop(ws, sub)
}

// readLoop consumes subscribe/unsubscribe frames until the peer goes
// away, then drops the subscriber.
func (h *Hub) readLoop(ws *websocket.Conn, sub *Subscriber) {
	defer func() {
		h.Drop(sub)
		ws.Close()
	}()
	ws.SetReadLimit(1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Action {
		case "subscribe":
			if allowedTopic(f.Topic, sub.UserID) {
				h.Subscribe(sub, f.Topic)
			}
		case "unsubscribe":
			h.Unsubscribe(sub, f.Topic)
		}
	}
}

// writeLoop is the single writer for one connection; channel order is
// delivery order.
func (h *Hub) writeLoop(ws *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.ch:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				// Transport failure only; scan state is unaffected.
				log.Printf("stream: write error conn=%s: %v", sub.ID, err)
				h.Drop(sub)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Drop(sub)
				return
			}
		}
	}
}

// allowedTopic keeps users out of other users' notification streams.
// Scan and container topics carry unguessable IDs.
func allowedTopic(topic, userID string) bool {
	switch {
	case topic == "":
		return false
	case topic == "notifications:"+userID:
		return true
	case len(topic) > 5 && topic[:5] == "scan:":
		return true
	case len(topic) > 10 && topic[:10] == "container:":
		return true
	}
	return false
}
