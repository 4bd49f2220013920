package gateway

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// ServeWS upgrades the request and runs the connection until either side
// closes it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	c, err := h.Accept(TransportWebSocket, r.RemoteAddr)
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	ws.EnableWriteCompression(true)

	go h.writePump(c, ws)
	h.readPump(c, ws)
}

// writePump drains the send queue onto the socket. Messages queued while a
// write is in progress are coalesced into one text frame, newline separated.
func (h *Hub) writePump(c *Conn, ws *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-c.done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := ws.NextWriter(websocket.TextMessage)
			if err != nil {
				h.teardown(c, StateDisconnected, "write_error")
				return
			}
			w.Write(msg)

			// Drain any queued messages into the same write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				h.teardown(c, StateDisconnected, "write_error")
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.teardown(c, StateDisconnected, "write_error")
				return
			}
		}
	}
}

// readPump feeds inbound frames to the hub until the socket fails. Any frame
// or control pong counts as liveness.
func (h *Hub) readPump(c *Conn, ws *websocket.Conn) {
	defer h.teardown(c, StateDisconnected, "client_close")

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		c.touch()
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read error", "err", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		// A client may batch several messages into one frame.
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			h.handle(c, frame)
			select {
			case <-c.done:
				return
			default:
			}
		}
	}
}
