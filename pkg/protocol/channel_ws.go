package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsReadWriteCloser adapts a message-oriented gorilla/websocket.Conn to the
// byte-stream io.ReadWriteCloser contract the shared channel implementation
// expects: reads drain the current binary message before asking the
// connection for the next one, and every write is flushed as its own
// binary message immediately (websocket has no independent flush step).
type wsReadWriteCloser struct {
	conn *websocket.Conn

	mu  sync.Mutex
	cur *bytes.Reader
}

// NewWebSocketChannel adapts an established websocket connection (e.g. from
// an upgraded HTTP handler, or a dialed client connection) into a Channel.
// Useful when the peer is only reachable through an HTTP-upgrading load
// balancer that a raw TCP channel could not traverse.
func NewWebSocketChannel(conn *websocket.Conn, bufferSize int) Channel {
	return NewChannel(&wsReadWriteCloser{conn: conn}, bufferSize)
}

func (w *wsReadWriteCloser) Read(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.cur == nil || w.cur.Len() == 0 {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		w.cur = bytes.NewReader(data)
	}
	return w.cur.Read(p)
}

func (w *wsReadWriteCloser) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("protocol: websocket write: %w", err)
	}
	return len(p), nil
}

func (w *wsReadWriteCloser) Close() error {
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*wsReadWriteCloser)(nil)
