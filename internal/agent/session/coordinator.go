// Package session terminates agent websocket channels: first-message
// authentication, inbound message validation and dispatch, and graceful
// shutdown of the whole coordination core.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PKell33/ownprem-sub001/internal/agent/auth"
	"github.com/PKell33/ownprem-sub001/internal/agent/dispatch"
	"github.com/PKell33/ownprem-sub001/internal/agent/logstream"
	"github.com/PKell33/ownprem-sub001/internal/agent/mounts"
	"github.com/PKell33/ownprem-sub001/internal/agent/reconcile"
	"github.com/PKell33/ownprem-sub001/internal/agent/registry"
	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// authTimeout bounds how long a fresh transport may sit unauthenticated.
const authTimeout = 10 * time.Second

// errNotAuthenticated is returned when the first frame is not an auth message.
var errNotAuthenticated = errors.New("first message must be auth")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents are not browsers; origin checks do not apply.
		return true
	},
}

// Coordinator wires the coordination core together and owns the agent
// websocket endpoint.
type Coordinator struct {
	authn      *auth.Authenticator
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	logs       *logstream.Router
	mounts     *mounts.Orchestrator
	cfg        config.AgentConfig
	log        *logger.Logger
}

// NewCoordinator assembles the core and installs the registry hooks.
func NewCoordinator(
	authn *auth.Authenticator,
	reg *registry.Registry,
	d *dispatch.Dispatcher,
	rec *reconcile.Reconciler,
	logs *logstream.Router,
	mo *mounts.Orchestrator,
	cfg config.AgentConfig,
	log *logger.Logger,
) *Coordinator {
	c := &Coordinator{
		authn:      authn,
		registry:   reg,
		dispatcher: d,
		reconciler: rec,
		logs:       logs,
		mounts:     mo,
		cfg:        cfg,
		log:        log,
	}
	reg.SetHooks(registry.Hooks{
		OnConnect: func(ctx context.Context, conn *registry.Connection) {
			mo.RunForServer(ctx, conn.ServerID)
		},
		OnDisconnect: func(serverID string, generation uint64) {
			d.FailAllForServer(serverID, generation, "agent disconnected")
			logs.FailAllForServer(serverID, "agent disconnected")
		},
	})
	return c
}

// Registry exposes the connection registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Dispatcher exposes the command dispatcher.
func (c *Coordinator) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Logs exposes the log stream router.
func (c *Coordinator) Logs() *logstream.Router { return c.logs }

// RegisterRoutes installs the agent channel endpoint.
func (c *Coordinator) RegisterRoutes(r gin.IRouter) {
	r.GET("/api/v1/agents/ws", c.HandleAgent)
}

// HandleAgent upgrades the request and runs the agent session to completion.
// The first message must be an auth payload; everything else closes the
// transport.
func (c *Coordinator) HandleAgent(g *gin.Context) {
	wsConn, err := upgrader.Upgrade(g.Writer, g.Request, nil)
	if err != nil {
		c.log.Error("Websocket upgrade failed",
			zap.String("remote_ip", g.ClientIP()), zap.Error(err))
		return
	}
	transport := newWSTransport(wsConn)

	server, err := c.authenticate(g.Request.Context(), transport)
	if err != nil {
		c.log.Warn("Agent authentication failed",
			zap.String("remote_ip", g.ClientIP()), zap.Error(err))
		_ = transport.Close()
		return
	}

	conn, err := c.registry.Accept(g.Request.Context(), server, transport)
	if err != nil {
		c.log.Error("Failed to accept agent connection",
			zap.String("server_id", server.ID), zap.Error(err))
		_ = transport.Close()
		return
	}

	c.readLoop(conn, transport)
}

// authenticate reads and validates the first message within the auth window.
func (c *Coordinator) authenticate(ctx context.Context, t *wsTransport) (*store.Server, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	data, err := t.readMessage()
	if err != nil {
		return nil, err
	}
	var msg agentwire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Event != agentwire.EventAuth {
		return nil, errNotAuthenticated
	}
	var payload agentwire.AgentAuth
	if err := msg.ParseData(&payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return c.authn.Authenticate(ctx, payload.ServerID, payload.Token)
}

// readLoop validates and dispatches inbound messages until the transport
// dies, then tears the connection down.
func (c *Coordinator) readLoop(conn *registry.Connection, t *wsTransport) {
	defer c.registry.Drop(conn, "transport closed")

	ctx := context.Background()
	log := c.log.WithServerID(conn.ServerID)

	for {
		data, err := t.readMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("Agent read error", zap.Error(err))
			}
			return
		}

		var msg agentwire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("Dropping malformed agent message", zap.Error(err))
			continue
		}

		// Every inbound message counts as liveness.
		conn.Touch()

		c.handleMessage(ctx, conn, &msg, log)
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, conn *registry.Connection, msg *agentwire.Message, log *logger.Logger) {
	switch msg.Event {
	case agentwire.EventPong:
		// Touch already happened.

	case agentwire.EventStatus:
		var report agentwire.StatusReport
		if !parsePayload(msg, &report, log) {
			return
		}
		if err := c.reconciler.HandleStatus(ctx, conn.ServerID, &report); err != nil {
			log.Error("Status reconcile failed", zap.Error(err))
		}

	case agentwire.EventCommandAck:
		var ack agentwire.CommandAck
		if !parsePayload(msg, &ack, log) {
			return
		}
		c.dispatcher.HandleAck(conn.ServerID, &ack)

	case agentwire.EventCommandResult:
		var result agentwire.CommandResult
		if !parsePayload(msg, &result, log) {
			return
		}
		c.dispatcher.HandleResult(ctx, conn.ServerID, conn.Generation, &result)

	case agentwire.EventLogsResult:
		var result agentwire.LogsResult
		if !parsePayload(msg, &result, log) {
			return
		}
		if err := c.logs.HandleLogsResult(conn.ServerID, &result); err != nil {
			log.Debug("Unmatched logs result", zap.Error(err))
		}

	case agentwire.EventLogStreamLine:
		var line agentwire.LogStreamLine
		if !parsePayload(msg, &line, log) {
			return
		}
		c.logs.HandleStreamLine(conn.ServerID, &line)

	case agentwire.EventLogStreamStatus:
		var status agentwire.LogStreamStatus
		if !parsePayload(msg, &status, log) {
			return
		}
		c.logs.HandleStreamStatus(conn.ServerID, &status)

	default:
		// Unknown event names are ignored by contract.
		log.Debug("Ignoring unknown agent event", zap.String("event", msg.Event))
	}
}

// validatable is implemented by every inbound payload type.
type validatable interface {
	Validate() error
}

// parsePayload decodes and validates an inbound payload; invalid payloads
// are logged and dropped.
func parsePayload(msg *agentwire.Message, v validatable, log *logger.Logger) bool {
	if err := msg.ParseData(v); err != nil {
		log.Warn("Dropping invalid agent payload",
			zap.String("event", msg.Event), zap.Error(err))
		return false
	}
	if err := v.Validate(); err != nil {
		log.Warn("Dropping invalid agent payload",
			zap.String("event", msg.Event), zap.Error(err))
		return false
	}
	return true
}

// Shutdown runs the graceful stop sequence: advisory broadcast, pending
// command drain, transport teardown, pending log rejection.
func (c *Coordinator) Shutdown(ctx context.Context) {
	notice, err := agentwire.NewMessage(agentwire.EventServerShutdown,
		&agentwire.ShutdownNotice{Timestamp: time.Now().UTC()})
	if err == nil {
		var g errgroup.Group
		for _, conn := range c.registry.All() {
			conn := conn
			g.Go(func() error {
				if err := conn.Send(notice); err != nil {
					c.log.Debug("Shutdown notice send failed",
						zap.String("server_id", conn.ServerID), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	c.dispatcher.Drain(c.cfg.ShutdownDrainDuration())

	c.registry.Stop()
	for _, conn := range c.registry.All() {
		c.registry.Drop(conn, "shutting down")
	}

	c.logs.Shutdown()
	c.log.Info("Agent coordination core stopped")
}
