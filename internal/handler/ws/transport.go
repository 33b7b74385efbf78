package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a *websocket.Conn to session.Transport. Writes are
// serialized with a mutex even though Session guarantees a single writer
// goroutine, since gorilla/websocket's Conn additionally forbids a
// concurrent control-frame write (ping/pong/close) racing a data write.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteFrame(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (t *wsTransport) Close() error { return t.conn.Close() }
