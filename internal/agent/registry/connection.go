package registry

import (
	"sync"
	"time"

	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// Connection is one live agent channel. Entries are exclusively owned by the
// Registry; other components hold them only transiently.
type Connection struct {
	ServerID   string
	Generation uint64

	transport Transport

	mu       sync.Mutex
	lastSeen time.Time

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
	teardownOnce  sync.Once
}

func newConnection(serverID string, generation uint64, t Transport) *Connection {
	return &Connection{
		ServerID:      serverID,
		Generation:    generation,
		transport:     t,
		lastSeen:      time.Now(),
		heartbeatStop: make(chan struct{}),
	}
}

// Send writes a message to the agent.
func (c *Connection) Send(msg *agentwire.Message) error {
	return c.transport.Send(msg)
}

// Touch refreshes the liveness clock.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the last inbound message.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// RemoteAddr reports the transport peer address.
func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

func (c *Connection) stopHeartbeatLoop() {
	c.heartbeatOnce.Do(func() { close(c.heartbeatStop) })
}
