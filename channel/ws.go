package channel

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = 5 * time.Second

// NewWS returns a Channel that frames messages as WebSocket text messages on
// conn. Inbound binary frames are ignored. The returned channel serializes
// concurrent senders, which the underlying connection does not permit.
func NewWS(conn *websocket.Conn) Channel { return &ws{conn: conn} }

type ws struct {
	wmu  sync.Mutex
	conn *websocket.Conn
}

func (w *ws) Send(msg []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, msg)
}

func (w *ws) Recv() ([]byte, error) {
	for {
		mt, bits, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage {
			return bits, nil
		}
		// Skip binary and other non-text frames.
	}
}

func (w *ws) Close() error { return w.CloseReason("") }

// CloseReason closes the connection after attempting to deliver a close
// frame carrying reason to the peer.
func (w *ws) CloseReason(reason string) error {
	w.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	w.wmu.Unlock()
	return w.conn.Close()
}

// A ReasonCloser is a Channel that can deliver a reason when closing, such as
// a WebSocket close frame.
type ReasonCloser interface {
	CloseReason(reason string) error
}
