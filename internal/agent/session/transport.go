package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

const (
	// Time allowed to write a message to the agent
	writeWait = 10 * time.Second

	// Maximum message size allowed from an agent
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound queue per connection; a full queue counts as a dead peer
	sendBuffer = 256
)

var errTransportClosed = errors.New("transport closed")

// wsTransport adapts a gorilla websocket connection to the registry's
// Transport. Writes are serialized through a pump goroutine.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	go t.writePump()
	return t
}

// Send queues a message for delivery. It fails fast when the transport is
// closed or the peer stopped draining its queue.
func (t *wsTransport) Send(msg *agentwire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-t.closed:
		return errTransportClosed
	case t.send <- data:
		return nil
	default:
		return errors.New("send queue full")
	}
}

// Close shuts the transport down. Safe to call multiple times. Frames queued
// before Close are flushed by the write pump ahead of the close handshake, so
// a final message (the shutdown advisory) still reaches the agent.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// RemoteAddr reports the peer address.
func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// readMessage blocks for the next inbound frame.
func (t *wsTransport) readMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) writePump() {
	defer t.conn.Close()
	for {
		select {
		case <-t.closed:
			// Drain what was queued before the close signal, then say
			// goodbye properly.
			for {
				select {
				case data := <-t.send:
					if err := t.write(data); err != nil {
						return
					}
				default:
					_ = t.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		case data := <-t.send:
			if err := t.write(data); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) write(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
