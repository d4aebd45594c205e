// Package registry owns the live agent connections. At most one connection
// per server is registered; a new successful connect displaces the old one
// under the server lock.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// Transport is the write side of an agent channel. Implementations must be
// safe for concurrent Send calls and make Close idempotent.
type Transport interface {
	Send(msg *agentwire.Message) error
	Close() error
	RemoteAddr() string
}

// Hooks are the callbacks the session coordinator installs so the registry
// stays free of upward dependencies.
type Hooks struct {
	// OnConnect runs asynchronously after a connection is installed
	// (auto-mount workflow kickoff).
	OnConnect func(ctx context.Context, conn *Connection)
	// OnDisconnect runs during teardown, before the offline status is
	// persisted. It fails pending commands and log requests for the
	// generation that just died.
	OnDisconnect func(serverID string, generation uint64)
}

// Registry tracks live connections and per-server generation counters.
type Registry struct {
	store store.Store
	bus   bus.EventBus
	locks *locks.Registry
	cfg   config.AgentConfig
	log   *logger.Logger
	hooks Hooks

	mu    sync.RWMutex
	conns map[string]*Connection
	gens  map[string]uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
	started   bool
	stopOnce  sync.Once
}

// New creates a Registry. Call SetHooks before Accept, then Start to begin
// the staleness sweep.
func New(st store.Store, eb bus.EventBus, lr *locks.Registry, cfg config.AgentConfig, log *logger.Logger) *Registry {
	return &Registry{
		store:     st,
		bus:       eb,
		locks:     lr,
		cfg:       cfg,
		log:       log,
		conns:     make(map[string]*Connection),
		gens:      make(map[string]uint64),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// SetHooks installs the coordinator callbacks.
func (r *Registry) SetHooks(hooks Hooks) {
	r.hooks = hooks
}

// Start launches the background staleness sweep.
func (r *Registry) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go r.sweepLoop()
}

// Stop halts the sweep. Connections are torn down separately.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.sweepStop) })
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if started {
		<-r.sweepDone
	}
}

// Accept installs a fresh connection for an already-authenticated server,
// displacing any previous one. It persists the online transition, publishes
// server.connected, requests an immediate status snapshot, and kicks off the
// post-connect hook without blocking.
func (r *Registry) Accept(ctx context.Context, server *store.Server, t Transport) (*Connection, error) {
	var conn *Connection
	err := r.locks.WithServerLock(ctx, server.ID, func() error {
		r.mu.Lock()
		if old := r.conns[server.ID]; old != nil {
			old.stopHeartbeatLoop()
			_ = old.transport.Close()
		}
		r.gens[server.ID]++
		conn = newConnection(server.ID, r.gens[server.ID], t)
		r.conns[server.ID] = conn
		r.mu.Unlock()

		now := time.Now().UTC()
		if err := r.store.UpdateServerStatus(ctx, server.ID, store.AgentOnline, &now); err != nil {
			r.mu.Lock()
			delete(r.conns, server.ID)
			r.mu.Unlock()
			_ = t.Close()
			return fmt.Errorf("persist online status: %w", err)
		}

		r.publish(ctx, events.ServerConnected, map[string]interface{}{
			"serverId":   server.ID,
			"serverName": server.Name,
		})

		go r.heartbeatLoop(conn)

		// Ask for a state snapshot right away rather than waiting for the
		// agent's periodic report.
		if msg, err := agentwire.NewMessage(agentwire.EventRequestStatus, nil); err == nil {
			if err := conn.Send(msg); err != nil {
				r.log.Warn("Failed to request status snapshot",
					zap.String("server_id", server.ID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.hooks.OnConnect != nil {
		go r.hooks.OnConnect(context.Background(), conn)
	}

	r.log.Info("Agent connected",
		zap.String("server_id", server.ID),
		zap.Uint64("generation", conn.Generation),
		zap.String("remote_addr", t.RemoteAddr()))
	return conn, nil
}

// Drop tears down a connection. It is safe to call multiple times and from
// any goroutine; only the first call acts. If the connection is still the
// registered one, the server is marked offline and server.disconnected is
// published.
func (r *Registry) Drop(conn *Connection, reason string) {
	conn.teardownOnce.Do(func() {
		conn.stopHeartbeatLoop()
		_ = conn.transport.Close()

		ctx := context.Background()
		current := false
		err := r.locks.WithServerLock(ctx, conn.ServerID, func() error {
			r.mu.Lock()
			if r.conns[conn.ServerID] == conn {
				delete(r.conns, conn.ServerID)
				current = true
			}
			r.mu.Unlock()

			if r.hooks.OnDisconnect != nil {
				r.hooks.OnDisconnect(conn.ServerID, conn.Generation)
			}

			if !current {
				return nil
			}
			if err := r.store.UpdateServerStatus(ctx, conn.ServerID, store.AgentOffline, nil); err != nil {
				r.log.Error("Failed to persist offline status",
					zap.String("server_id", conn.ServerID), zap.Error(err))
			}
			r.publish(ctx, events.ServerDisconnected, map[string]interface{}{
				"serverId": conn.ServerID,
				"reason":   reason,
			})
			return nil
		})
		if err != nil {
			r.log.Error("Teardown lock failed",
				zap.String("server_id", conn.ServerID), zap.Error(err))
		}

		r.log.Info("Agent disconnected",
			zap.String("server_id", conn.ServerID),
			zap.Uint64("generation", conn.Generation),
			zap.String("reason", reason),
			zap.Bool("displaced", !current))
	})
}

// Get returns the live connection for a server, if any.
func (r *Registry) Get(serverID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[serverID]
	return conn, ok
}

// Generation returns the current connection generation for a server.
// The second return is false when no connection is live.
func (r *Registry) Generation(serverID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[serverID]
	if !ok {
		return 0, false
	}
	return conn.Generation, true
}

// All returns a snapshot of the live connections.
func (r *Registry) All() map[string]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Connection, len(r.conns))
	for id, conn := range r.conns {
		out[id] = conn
	}
	return out
}

// Touch refreshes the liveness clock for a server's connection. Every
// inbound message counts, including pong.
func (r *Registry) Touch(serverID string) {
	if conn, ok := r.Get(serverID); ok {
		conn.Touch()
	}
}

func (r *Registry) heartbeatLoop(conn *Connection) {
	ticker := time.NewTicker(r.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-conn.heartbeatStop:
			return
		case <-ticker.C:
			msg, err := agentwire.NewMessage(agentwire.EventPing, nil)
			if err != nil {
				continue
			}
			if err := conn.Send(msg); err != nil {
				r.log.Debug("Heartbeat send failed",
					zap.String("server_id", conn.ServerID), zap.Error(err))
				go r.Drop(conn, "heartbeat send failed")
				return
			}
		}
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.cfg.SweepIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			staleAfter := r.cfg.StaleAfterDuration()
			for _, conn := range r.All() {
				if time.Since(conn.LastSeen()) > staleAfter {
					r.log.Warn("Connection stale",
						zap.String("server_id", conn.ServerID),
						zap.Time("last_seen", conn.LastSeen()))
					go r.Drop(conn, "stale connection")
				}
			}
		}
	}
}

func (r *Registry) publish(ctx context.Context, subject string, data interface{}) {
	event := bus.NewEvent(subject, events.Source, data)
	if err := r.bus.Publish(ctx, subject, event); err != nil {
		r.log.Warn("Event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
