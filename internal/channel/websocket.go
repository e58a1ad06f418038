// ABOUTME: gorilla/websocket adapters for the WireConn and Dialer interfaces
// ABOUTME: Pong frames count as peer activity for heartbeat reaping

package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The widget is served from arbitrary dealer domains.
		return true
	},
}

// wsWire wraps a gorilla connection as a WireConn.
type wsWire struct {
	ws     *websocket.Conn
	onPong func()
}

func newWSWire(ws *websocket.Conn, onPong func()) *wsWire {
	w := &wsWire{ws: ws, onPong: onPong}
	ws.SetPongHandler(func(string) error {
		if w.onPong != nil {
			w.onPong()
		}
		return nil
	})
	return w
}

func (w *wsWire) ReadMessage() ([]byte, error) {
	_, data, err := w.ws.ReadMessage()
	return data, err
}

func (w *wsWire) WriteMessage(data []byte) error {
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWire) Ping() error {
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

func (w *wsWire) Close() error {
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.ws.Close()
}

// Accept upgrades an HTTP request to a websocket and attaches it to the Conn.
// The pong callback feeds the Conn's activity clock so the Manager's heartbeat
// sweep sees live peers.
func Accept(w http.ResponseWriter, r *http.Request, conn *Conn) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	return conn.Attach(newWSWire(ws, conn.noteActivity))
}

// WSDialer dials outbound websocket channels, for the client side of the
// protocol and for integration tooling.
type WSDialer struct {
	BaseURL string // e.g. ws://host/ws
	Header  http.Header
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, sessionID string) (WireConn, error) {
	url := d.BaseURL + "?session=" + sessionID
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return newWSWire(ws, nil), nil
}
