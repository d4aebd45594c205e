// Package dispatch sends commands to agents and tracks their lifecycle:
// send, acknowledgement, completion, timeout. Commands are at-most-once-sent
// and at-most-once-resolved; results are correlated back to the connection
// generation that sent them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/agent/registry"
	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// newCommandID generates a fresh command correlation id.
func newCommandID() string { return uuid.NewString() }

// ErrAgentOffline is returned when no live connection exists for the server.
var ErrAgentOffline = errors.New("agent is not connected")

// ErrShuttingDown is returned for commands still pending when the drain
// deadline hits.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// defaultCompletionTimeout applies to actions without a specific entry.
const defaultCompletionTimeout = 60 * time.Second

// completionTimeouts is the per-action completion deadline, started once the
// agent acknowledges the command.
var completionTimeouts = map[string]time.Duration{
	agentwire.ActionInstall:             10 * time.Minute,
	agentwire.ActionConfigure:           time.Minute,
	agentwire.ActionRestart:             time.Minute,
	agentwire.ActionMountStorage:        time.Minute,
	agentwire.ActionConfigureKeepalived: time.Minute,
	agentwire.ActionStart:               30 * time.Second,
	agentwire.ActionStop:                30 * time.Second,
	agentwire.ActionUnmountStorage:      30 * time.Second,
	agentwire.ActionUninstall:           2 * time.Minute,
	agentwire.ActionCheckMount:          10 * time.Second,
	agentwire.ActionCheckKeepalived:     10 * time.Second,
}

type outcome struct {
	result *agentwire.CommandResult
	err    error
}

type pendingCommand struct {
	commandID    string
	serverID     string
	action       string
	deploymentID *string
	generation   uint64

	mu              sync.Mutex
	acknowledged    bool
	resolved        bool
	ackTimer        *time.Timer
	completionTimer *time.Timer
	done            chan outcome
}

// resolve delivers the terminal outcome exactly once and stops both timers.
func (p *pendingCommand) resolve(out outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	if p.ackTimer != nil {
		p.ackTimer.Stop()
	}
	if p.completionTimer != nil {
		p.completionTimer.Stop()
	}
	p.done <- out
	return true
}

// Dispatcher owns the pending-command table.
type Dispatcher struct {
	store store.Store
	bus   bus.EventBus
	locks *locks.Registry
	reg   *registry.Registry
	log   *logger.Logger

	ackTimeout        time.Duration
	completionTimeout map[string]time.Duration
	defaultCompletion time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingCommand
	draining bool
}

// New creates a Dispatcher.
func New(st store.Store, eb bus.EventBus, lr *locks.Registry, reg *registry.Registry, cfg config.AgentConfig, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:             st,
		bus:               eb,
		locks:             lr,
		reg:               reg,
		log:               log,
		ackTimeout:        cfg.AckTimeoutDuration(),
		completionTimeout: completionTimeouts,
		defaultCompletion: defaultCompletionTimeout,
		pending:           make(map[string]*pendingCommand),
	}
}

// Send dispatches a command without waiting for completion. It returns false
// when no agent is connected. Timeout and logging semantics still apply.
func (d *Dispatcher) Send(ctx context.Context, serverID string, cmd *agentwire.Command, deploymentID *string) bool {
	pending, err := d.dispatch(ctx, serverID, cmd, deploymentID)
	if err != nil {
		return false
	}
	// Nobody waits; drain the outcome so resolve never blocks.
	go func() { <-pending.done }()
	return true
}

// SendAndWait dispatches a command and blocks until a terminal outcome: the
// agent's result, a timeout, a disconnect, or context cancellation.
func (d *Dispatcher) SendAndWait(ctx context.Context, serverID string, cmd *agentwire.Command, deploymentID *string) (*agentwire.CommandResult, error) {
	pending, err := d.dispatch(ctx, serverID, cmd, deploymentID)
	if err != nil {
		return nil, err
	}

	select {
	case out := <-pending.done:
		return out.result, out.err
	case <-ctx.Done():
		// The command keeps running on the agent; timers still own the
		// command-log row.
		go func() { <-pending.done }()
		return nil, ctx.Err()
	}
}

// SendMount dispatches a mount-family command and waits for its result.
func (d *Dispatcher) SendMount(ctx context.Context, serverID, action string, req *agentwire.MountRequest) (*agentwire.CommandResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal mount request: %w", err)
	}
	cmd := &agentwire.Command{
		ID:      newCommandID(),
		Action:  action,
		Payload: payload,
	}
	return d.SendAndWait(ctx, serverID, cmd, nil)
}

func (d *Dispatcher) dispatch(ctx context.Context, serverID string, cmd *agentwire.Command, deploymentID *string) (*pendingCommand, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil, ErrShuttingDown
	}
	d.mu.Unlock()

	conn, ok := d.reg.Get(serverID)
	if !ok {
		return nil, ErrAgentOffline
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	if err := d.store.InsertCommandLog(ctx, &store.CommandLogEntry{
		ID:           cmd.ID,
		ServerID:     serverID,
		DeploymentID: deploymentID,
		Action:       cmd.Action,
		Payload:      payload,
		Status:       store.CommandPending,
	}); err != nil {
		return nil, fmt.Errorf("log command: %w", err)
	}

	pending := &pendingCommand{
		commandID:    cmd.ID,
		serverID:     serverID,
		action:       cmd.Action,
		deploymentID: deploymentID,
		generation:   conn.Generation,
		done:         make(chan outcome, 1),
	}
	pending.ackTimer = time.AfterFunc(d.ackTimeout, func() {
		d.expire(pending, "Agent did not acknowledge command")
	})

	d.mu.Lock()
	d.pending[cmd.ID] = pending
	d.mu.Unlock()

	msg, err := agentwire.NewMessage(agentwire.EventCommand, cmd)
	if err == nil {
		err = conn.Send(msg)
	}
	if err != nil {
		d.fail(pending, store.CommandError, fmt.Sprintf("send failed: %v", err), nil)
		return nil, fmt.Errorf("send command: %w", err)
	}

	d.log.Debug("Command dispatched",
		zap.String("command_id", cmd.ID),
		zap.String("server_id", serverID),
		zap.String("action", cmd.Action),
		zap.Uint64("generation", pending.generation))
	return pending, nil
}

// HandleAck processes a command:ack from an agent: the ack timer is replaced
// by the per-action completion timer.
func (d *Dispatcher) HandleAck(serverID string, ack *agentwire.CommandAck) {
	d.mu.Lock()
	pending, ok := d.pending[ack.CommandID]
	d.mu.Unlock()
	if !ok || pending.serverID != serverID {
		return
	}

	pending.mu.Lock()
	if pending.resolved || pending.acknowledged {
		pending.mu.Unlock()
		return
	}
	pending.acknowledged = true
	if pending.ackTimer != nil {
		pending.ackTimer.Stop()
	}
	timeout, ok := d.completionTimeout[pending.action]
	if !ok {
		timeout = d.defaultCompletion
	}
	pending.completionTimer = time.AfterFunc(timeout, func() {
		d.expire(pending, "no completion from agent")
	})
	pending.mu.Unlock()

	d.log.Debug("Command acknowledged",
		zap.String("command_id", ack.CommandID),
		zap.String("server_id", serverID))
}

// HandleResult processes a command:result. The result is applied only when
// the reporting connection's generation matches the one that dispatched the
// command; a result from a later generation only closes out the log row.
func (d *Dispatcher) HandleResult(ctx context.Context, serverID string, generation uint64, res *agentwire.CommandResult) {
	d.mu.Lock()
	pending, ok := d.pending[res.CommandID]
	d.mu.Unlock()
	if !ok || pending.serverID != serverID {
		d.log.Debug("Result for unknown command dropped",
			zap.String("command_id", res.CommandID),
			zap.String("server_id", serverID))
		return
	}

	if pending.generation != generation {
		d.log.Warn("Result from stale connection generation",
			zap.String("command_id", res.CommandID),
			zap.String("server_id", serverID),
			zap.Uint64("sent_generation", pending.generation),
			zap.Uint64("current_generation", generation))
		status := store.CommandError
		if res.Status == agentwire.ResultSuccess {
			status = store.CommandSuccess
		}
		if err := d.store.UpdateCommandLog(ctx, res.CommandID, status, res.Message, time.Now().UTC()); err != nil {
			d.log.Error("Failed to close out stale command log", zap.Error(err))
		}
		return
	}

	if !pending.resolve(outcome{result: res}) {
		return
	}
	d.remove(pending.commandID)

	status := store.CommandError
	if res.Status == agentwire.ResultSuccess {
		status = store.CommandSuccess
	}
	if err := d.store.UpdateCommandLog(ctx, res.CommandID, status, res.Message, time.Now().UTC()); err != nil {
		d.log.Error("Failed to update command log",
			zap.String("command_id", res.CommandID), zap.Error(err))
	}

	d.applyStatusMapping(ctx, pending, res)

	d.publish(ctx, events.CommandResult, map[string]interface{}{
		"commandId": res.CommandID,
		"serverId":  serverID,
		"action":    pending.action,
		"status":    res.Status,
		"message":   res.Message,
	})
}

// applyStatusMapping transitions the deployment according to the action's
// success/failure table, under the deployment lock. Command results own
// transient states and may overwrite them.
func (d *Dispatcher) applyStatusMapping(ctx context.Context, pending *pendingCommand, res *agentwire.CommandResult) {
	if pending.deploymentID == nil {
		return
	}
	depID := *pending.deploymentID

	var next store.DeploymentStatus
	if res.Status == agentwire.ResultSuccess {
		switch pending.action {
		case agentwire.ActionInstall, agentwire.ActionConfigure, agentwire.ActionStop:
			next = store.DeploymentStopped
		case agentwire.ActionStart:
			next = store.DeploymentRunning
		case agentwire.ActionUninstall:
			// Row deletion happens in the admin API; the core stops
			// touching the row here.
			return
		default:
			return
		}
	} else {
		next = store.DeploymentError
	}

	err := d.locks.WithDeploymentLock(ctx, depID, func() error {
		return d.store.SetDeploymentStatus(ctx, depID, next, res.Message)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.log.WithDeploymentID(depID).Error("Failed to apply command status mapping",
			zap.String("action", pending.action), zap.Error(err))
	}
}

// expire handles an ack or completion timeout.
func (d *Dispatcher) expire(pending *pendingCommand, reason string) {
	d.fail(pending, store.CommandTimeout, reason, fmt.Errorf("command %s: %s", pending.commandID, reason))
}

// fail marks a pending command terminal with the given log status. When the
// command targeted a deployment and the failure is a timeout, the deployment
// is moved to error.
func (d *Dispatcher) fail(pending *pendingCommand, status store.CommandStatus, message string, cause error) {
	if cause == nil {
		cause = errors.New(message)
	}
	if !pending.resolve(outcome{err: cause}) {
		return
	}
	d.remove(pending.commandID)

	ctx := context.Background()
	if err := d.store.UpdateCommandLog(ctx, pending.commandID, status, message, time.Now().UTC()); err != nil {
		d.log.Error("Failed to update command log",
			zap.String("command_id", pending.commandID), zap.Error(err))
	}

	if status == store.CommandTimeout && pending.deploymentID != nil {
		depID := *pending.deploymentID
		err := d.locks.WithDeploymentLock(ctx, depID, func() error {
			return d.store.SetDeploymentStatus(ctx, depID, store.DeploymentError,
				fmt.Sprintf("%s timed out: %s", pending.action, message))
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			d.log.WithDeploymentID(depID).Error("Failed to mark deployment after timeout",
				zap.Error(err))
		}
	}

	d.log.Warn("Command failed",
		zap.String("command_id", pending.commandID),
		zap.String("server_id", pending.serverID),
		zap.String("action", pending.action),
		zap.String("status", string(status)),
		zap.String("reason", message))
}

// FailAllForServer fails every pending command dispatched to the given
// server on or before the given generation. Called from connection teardown.
func (d *Dispatcher) FailAllForServer(serverID string, generation uint64, reason string) {
	d.mu.Lock()
	var affected []*pendingCommand
	for _, pending := range d.pending {
		if pending.serverID == serverID && pending.generation <= generation {
			affected = append(affected, pending)
		}
	}
	d.mu.Unlock()

	for _, pending := range affected {
		d.fail(pending, store.CommandError, reason, fmt.Errorf("command %s: %s", pending.commandID, reason))
	}
}

// PendingCount reports the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Drain stops accepting new commands and waits up to timeout for in-flight
// commands to resolve. Commands still pending at the deadline are failed
// with a shutting-down error.
func (d *Dispatcher) Drain(timeout time.Duration) {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.PendingCount() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	d.mu.Lock()
	var remaining []*pendingCommand
	for _, pending := range d.pending {
		remaining = append(remaining, pending)
	}
	d.mu.Unlock()

	for _, pending := range remaining {
		d.fail(pending, store.CommandError, "shutting down", ErrShuttingDown)
	}
}

func (d *Dispatcher) remove(commandID string) {
	d.mu.Lock()
	delete(d.pending, commandID)
	d.mu.Unlock()
}

func (d *Dispatcher) publish(ctx context.Context, subject string, data interface{}) {
	event := bus.NewEvent(subject, events.Source, data)
	if err := d.bus.Publish(ctx, subject, event); err != nil {
		d.log.Warn("Event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
