// Package logstream routes agent log output to interested clients. Live
// streams are shared: all clients watching a deployment join one agent-side
// stream, and the stream is stopped when the last client leaves.
package logstream

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
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// ErrNoPendingRequest is returned for a logs:result with no matching request.
var ErrNoPendingRequest = errors.New("no pending log request")

// DefaultRequestTimeout bounds one-shot log fetches.
const DefaultRequestTimeout = 30 * time.Second

// Client is the handle log output is fanned out to. Implementations must not
// block; slow consumers drop on their own side.
type Client interface {
	ID() string
	DeploymentLog(deploymentID, line string, timestamp time.Time)
	DeploymentLogStatus(deploymentID, status, message string)
}

type subscription struct {
	streamID     string
	deploymentID string
	serverID     string
	appName      string
	clients      map[string]Client
}

type logRequest struct {
	serverID string
	done     chan logOutcome
}

type logOutcome struct {
	logs []string
	err  error
}

// Router owns log subscriptions and pending one-shot log requests.
type Router struct {
	store store.Store
	reg   *registry.Registry
	log   *logger.Logger

	mu           sync.Mutex
	byStream     map[string]*subscription
	byDeployment map[string]*subscription
	byClient     map[string]map[string]struct{} // client id -> stream ids
	pendingLogs  map[string]*logRequest         // command id -> request
}

// New creates a Router.
func New(st store.Store, reg *registry.Registry, log *logger.Logger) *Router {
	return &Router{
		store:        st,
		reg:          reg,
		log:          log,
		byStream:     make(map[string]*subscription),
		byDeployment: make(map[string]*subscription),
		byClient:     make(map[string]map[string]struct{}),
		pendingLogs:  make(map[string]*logRequest),
	}
}

// Subscribe attaches a client to the live log stream of a deployment,
// starting the agent-side stream if this is the first watcher. Failures are
// reported to the requesting client only.
func (r *Router) Subscribe(ctx context.Context, client Client, deploymentID string) {
	dep, err := r.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		client.DeploymentLogStatus(deploymentID, agentwire.StreamError, "deployment not found")
		return
	}
	conn, ok := r.reg.Get(dep.ServerID)
	if !ok {
		client.DeploymentLogStatus(deploymentID, agentwire.StreamError, "agent is offline")
		return
	}

	r.mu.Lock()
	if sub, ok := r.byDeployment[deploymentID]; ok {
		sub.clients[client.ID()] = client
		r.trackClient(client.ID(), sub.streamID)
		r.mu.Unlock()
		client.DeploymentLogStatus(deploymentID, agentwire.StreamStarted, "joined existing stream")
		return
	}

	streamID := fmt.Sprintf("%s-%d", deploymentID, time.Now().UnixMilli())
	sub := &subscription{
		streamID:     streamID,
		deploymentID: deploymentID,
		serverID:     dep.ServerID,
		appName:      dep.AppName,
		clients:      map[string]Client{client.ID(): client},
	}
	r.byStream[streamID] = sub
	r.byDeployment[deploymentID] = sub
	r.trackClient(client.ID(), streamID)
	r.mu.Unlock()

	serviceName := dep.AppName
	if manifest, err := r.store.GetAppManifest(ctx, dep.AppName); err == nil && manifest.Logging.ServiceName != "" {
		serviceName = manifest.Logging.ServiceName
	}

	msg, err := newCommandMessage(streamID, agentwire.ActionStreamLogs,
		&agentwire.StreamLogsRequest{ServiceName: serviceName})
	if err == nil {
		err = conn.Send(msg)
	}
	if err != nil {
		r.teardownStream(streamID)
		client.DeploymentLogStatus(deploymentID, agentwire.StreamError, "failed to start stream")
		r.log.Warn("Failed to start log stream",
			zap.String("deployment_id", deploymentID), zap.Error(err))
		return
	}

	r.log.Debug("Log stream started",
		zap.String("stream_id", streamID),
		zap.String("deployment_id", deploymentID),
		zap.String("service_name", serviceName))
}

// Unsubscribe detaches a client; the last client leaving stops the
// agent-side stream.
func (r *Router) Unsubscribe(client Client, deploymentID string) {
	r.mu.Lock()
	sub, ok := r.byDeployment[deploymentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(sub.clients, client.ID())
	r.untrackClient(client.ID(), sub.streamID)
	last := len(sub.clients) == 0
	r.mu.Unlock()

	if last {
		r.stopStream(sub)
	}
}

// DisconnectClient removes a client from every stream it joined, stopping
// streams it was the last watcher of.
func (r *Router) DisconnectClient(client Client) {
	r.mu.Lock()
	streamIDs := r.byClient[client.ID()]
	delete(r.byClient, client.ID())
	var toStop []*subscription
	for streamID := range streamIDs {
		sub, ok := r.byStream[streamID]
		if !ok {
			continue
		}
		delete(sub.clients, client.ID())
		if len(sub.clients) == 0 {
			toStop = append(toStop, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range toStop {
		r.stopStream(sub)
	}
}

// HandleStreamLine fans a streamed line out to every subscriber.
func (r *Router) HandleStreamLine(serverID string, line *agentwire.LogStreamLine) {
	r.mu.Lock()
	sub, ok := r.byStream[line.StreamID]
	if !ok || sub.serverID != serverID {
		r.mu.Unlock()
		return
	}
	clients := snapshotClients(sub)
	deploymentID := sub.deploymentID
	r.mu.Unlock()

	for _, client := range clients {
		client.DeploymentLog(deploymentID, line.Line, line.Timestamp)
	}
}

// HandleStreamStatus fans a stream state change out to subscribers; stopped
// and error tear the subscription down.
func (r *Router) HandleStreamStatus(serverID string, status *agentwire.LogStreamStatus) {
	r.mu.Lock()
	sub, ok := r.byStream[status.StreamID]
	if !ok || sub.serverID != serverID {
		r.mu.Unlock()
		return
	}
	clients := snapshotClients(sub)
	deploymentID := sub.deploymentID
	r.mu.Unlock()

	for _, client := range clients {
		client.DeploymentLogStatus(deploymentID, status.Status, status.Message)
	}

	if status.Status == agentwire.StreamStopped || status.Status == agentwire.StreamError {
		r.teardownStream(status.StreamID)
	}
}

// RequestLogs performs a one-shot log fetch and blocks for the result.
func (r *Router) RequestLogs(ctx context.Context, serverID, appName string, opts *agentwire.GetLogsRequest, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	conn, ok := r.reg.Get(serverID)
	if !ok {
		return nil, errors.New("agent is offline")
	}

	if opts == nil {
		opts = &agentwire.GetLogsRequest{}
	}
	commandID := uuid.NewString()
	msg, err := newCommandMessageWithApp(commandID, agentwire.ActionGetLogs, appName, opts)
	if err != nil {
		return nil, err
	}

	req := &logRequest{serverID: serverID, done: make(chan logOutcome, 1)}
	r.mu.Lock()
	r.pendingLogs[commandID] = req
	r.mu.Unlock()

	if err := conn.Send(msg); err != nil {
		r.removeLogRequest(commandID)
		return nil, fmt.Errorf("send getLogs: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-req.done:
		return out.logs, out.err
	case <-timer.C:
		r.removeLogRequest(commandID)
		return nil, errors.New("log request timed out")
	case <-ctx.Done():
		r.removeLogRequest(commandID)
		return nil, ctx.Err()
	}
}

// HandleLogsResult resolves a pending one-shot request.
func (r *Router) HandleLogsResult(serverID string, res *agentwire.LogsResult) error {
	r.mu.Lock()
	req, ok := r.pendingLogs[res.CommandID]
	if !ok || req.serverID != serverID {
		r.mu.Unlock()
		return ErrNoPendingRequest
	}
	delete(r.pendingLogs, res.CommandID)
	r.mu.Unlock()

	if res.Status == agentwire.ResultError {
		req.done <- logOutcome{err: errors.New("agent failed to read logs")}
		return nil
	}
	req.done <- logOutcome{logs: res.Logs}
	return nil
}

// FailAllForServer rejects pending log requests and tears down streams for a
// disconnected server. Called from connection teardown.
func (r *Router) FailAllForServer(serverID, reason string) {
	r.mu.Lock()
	var requests []*logRequest
	for id, req := range r.pendingLogs {
		if req.serverID == serverID {
			requests = append(requests, req)
			delete(r.pendingLogs, id)
		}
	}
	var subs []*subscription
	for _, sub := range r.byStream {
		if sub.serverID == serverID {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	for _, req := range requests {
		req.done <- logOutcome{err: errors.New(reason)}
	}
	for _, sub := range subs {
		r.mu.Lock()
		clients := snapshotClients(sub)
		r.mu.Unlock()
		for _, client := range clients {
			client.DeploymentLogStatus(sub.deploymentID, agentwire.StreamError, reason)
		}
		r.teardownStream(sub.streamID)
	}
}

// Shutdown rejects every pending log request and drops all subscriptions.
func (r *Router) Shutdown() {
	r.mu.Lock()
	requests := make([]*logRequest, 0, len(r.pendingLogs))
	for _, req := range r.pendingLogs {
		requests = append(requests, req)
	}
	r.pendingLogs = make(map[string]*logRequest)
	r.byStream = make(map[string]*subscription)
	r.byDeployment = make(map[string]*subscription)
	r.byClient = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, req := range requests {
		req.done <- logOutcome{err: errors.New("shutting down")}
	}
}

// StreamCount reports the number of live subscriptions.
func (r *Router) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byStream)
}

// stopStream asks the agent to stop and removes the subscription.
func (r *Router) stopStream(sub *subscription) {
	if conn, ok := r.reg.Get(sub.serverID); ok {
		msg, err := newCommandMessage(sub.streamID, agentwire.ActionStopStreamLogs, nil)
		if err == nil {
			if err := conn.Send(msg); err != nil {
				r.log.Debug("Failed to send stopStreamLogs",
					zap.String("stream_id", sub.streamID), zap.Error(err))
			}
		}
	}
	r.teardownStream(sub.streamID)
}

// teardownStream removes all bookkeeping for a stream.
func (r *Router) teardownStream(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byStream[streamID]
	if !ok {
		return
	}
	delete(r.byStream, streamID)
	delete(r.byDeployment, sub.deploymentID)
	for clientID := range sub.clients {
		r.untrackClient(clientID, streamID)
	}
}

// trackClient and untrackClient maintain the client -> streams index.
// Callers hold r.mu.
func (r *Router) trackClient(clientID, streamID string) {
	streams, ok := r.byClient[clientID]
	if !ok {
		streams = make(map[string]struct{})
		r.byClient[clientID] = streams
	}
	streams[streamID] = struct{}{}
}

func (r *Router) untrackClient(clientID, streamID string) {
	if streams, ok := r.byClient[clientID]; ok {
		delete(streams, streamID)
		if len(streams) == 0 {
			delete(r.byClient, clientID)
		}
	}
}

func (r *Router) removeLogRequest(commandID string) {
	r.mu.Lock()
	delete(r.pendingLogs, commandID)
	r.mu.Unlock()
}

func snapshotClients(sub *subscription) []Client {
	out := make([]Client, 0, len(sub.clients))
	for _, client := range sub.clients {
		out = append(out, client)
	}
	return out
}

func newCommandMessage(id, action string, payload interface{}) (*agentwire.Message, error) {
	return newCommandMessageWithApp(id, action, "", payload)
}

func newCommandMessageWithApp(id, action, appName string, payload interface{}) (*agentwire.Message, error) {
	cmd := &agentwire.Command{ID: id, Action: action, AppName: appName}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		cmd.Payload = data
	}
	return agentwire.NewMessage(agentwire.EventCommand, cmd)
}
