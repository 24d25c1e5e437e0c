package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const closeWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla *websocket.Conn to hub.Conn. Gorilla forbids
// concurrent writers on one connection, so every Send is serialized
// through writeMu.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	payload := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(closeWriteWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// ServeWS upgrades r to a WebSocket, registers it with h under a fresh
// connection id, and blocks reading frames until the client disconnects
// or h evicts it. Subscribe/unsubscribe control frames are JSON
// {"action":"subscribe"|"unsubscribe"|"authenticate","channel":...,"userId":...}.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	connID := uuid.NewString()
	adapter := &wsConn{conn: conn}
	h.Add(connID, adapter)
	defer h.Remove(connID, websocket.CloseNormalClosure, "connection closed")

	for {
		var frame controlFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil
		}
		h.Touch(connID)
		switch frame.Action {
		case "authenticate":
			_ = h.Authenticate(connID, frame.UserID)
		case "subscribe":
			_ = h.Subscribe(connID, frame.Channel)
		case "unsubscribe":
			h.Unsubscribe(connID, frame.Channel)
		}
	}
}

type controlFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
}
