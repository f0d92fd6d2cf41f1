// Package transportws adapts a gorilla/websocket connection to the wsync
// Transport and Framed ports.
package transportws

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/wsync-io/wsync"
)

// Adapter wraps one *websocket.Conn. Reads and writes are each owned by a
// single goroutine per gorilla/websocket's concurrency contract: the
// session's dispatcher issues all writes serially, and Run owns all reads.
type Adapter struct {
	conn *websocket.Conn
}

// New wraps conn. The caller retains ownership of the handshake; New takes
// over the connection's read/write lifecycle from this point on.
func New(conn *websocket.Conn) *Adapter {
	return &Adapter{conn: conn}
}

var _ wsync.Transport = (*Adapter)(nil)
var _ wsync.Framed = (*Adapter)(nil)

// ReceiveText reads the next frame and requires it to be text.
func (a *Adapter) ReceiveText(ctx context.Context) (string, error) {
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}

// ReceiveBytes reads the next frame and requires it to be binary.
func (a *Adapter) ReceiveBytes(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := a.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// ReceiveFrame reads exactly one frame of either kind, letting the session
// dispatcher enforce the text/binary pairing invariant itself rather than
// Adapter silently filtering frames as ReceiveText/ReceiveBytes do.
func (a *Adapter) ReceiveFrame(ctx context.Context) (kind wsync.FrameKind, text string, data []byte, err error) {
	mt, payload, err := a.conn.ReadMessage()
	if err != nil {
		return 0, "", nil, err
	}
	if mt == websocket.BinaryMessage {
		return wsync.FrameBinary, "", payload, nil
	}
	return wsync.FrameText, string(payload), nil, nil
}

// SendText writes one text frame.
func (a *Adapter) SendText(ctx context.Context, s string) error {
	return a.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// SendBytes writes one binary frame.
func (a *Adapter) SendBytes(ctx context.Context, b []byte) error {
	return a.conn.WriteMessage(websocket.BinaryMessage, b)
}

// Close closes the underlying connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}
