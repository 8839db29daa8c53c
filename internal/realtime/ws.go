package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientFrame is a subscription request sent by a WebSocket client.
type ClientFrame struct {
	Action string `json:"action"` // subscribe or unsubscribe
	Topic  string `json:"topic"`
}

// ControlFrame answers a ClientFrame.
type ControlFrame struct {
	Type  string `json:"type"` // subscribed, unsubscribed or error
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// ServeWS upgrades the request and serves one authenticated subscriber until it
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, access Access) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := h.Register(access)
	h.logger.Info().Str("subject", access.Subject).Msg("Real-time subscriber connected")

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

func (h *Hub) readPump(conn *websocket.Conn, c *Client) {
	defer func() {
		h.Unregister(c)
		conn.Close()
		h.logger.Info().Str("subject", c.access.Subject).Msg("Real-time subscriber disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		var frame ClientFrame
		var reply ControlFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			reply = ControlFrame{Type: "error", Error: "malformed frame"}
		} else {
			reply = h.handleFrame(c, frame)
		}
		data, _ := json.Marshal(reply)
		h.trySend(c, data)
	}
}

func (h *Hub) handleFrame(c *Client, frame ClientFrame) ControlFrame {
	switch frame.Action {
	case "subscribe":
		if err := c.Subscribe(frame.Topic); err != nil {
			return ControlFrame{Type: "error", Topic: frame.Topic, Error: err.Error()}
		}
		return ControlFrame{Type: "subscribed", Topic: frame.Topic}
	case "unsubscribe":
		c.Unsubscribe(frame.Topic)
		return ControlFrame{Type: "unsubscribed", Topic: frame.Topic}
	}
	return ControlFrame{Type: "error", Topic: frame.Topic, Error: "unknown action " + frame.Action}
}

func (h *Hub) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
