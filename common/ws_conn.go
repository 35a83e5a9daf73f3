package common

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	PingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{TokenSubprotocol},
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSConn struct {
	*websocket.Conn
}

func NewWSConn(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WSConn{conn}, nil
}

func (ws *WSConn) WriteMessage(data []byte) error {
	_ = ws.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.Conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *WSConn) WritePing() error {
	return ws.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// CloseWith sends a close frame with code and reason.
func (ws *WSConn) CloseWith(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return ws.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
