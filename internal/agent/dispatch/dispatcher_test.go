package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub001/internal/agent/registry"
	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []*agentwire.Message
}

func (f *fakeTransport) Send(msg *agentwire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error       { return nil }
func (f *fakeTransport) RemoteAddr() string { return "test" }

func (f *fakeTransport) lastCommand(t *testing.T) *agentwire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == agentwire.EventCommand {
			var cmd agentwire.Command
			require.NoError(t, f.sent[i].ParseData(&cmd))
			return &cmd
		}
	}
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	store      *store.Memory
	transport  *fakeTransport
	conn       *registry.Connection
}

func newFixture(t *testing.T) *fixture {
	st := store.NewMemory()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)
	lr := locks.NewRegistry()
	cfg := config.AgentConfig{
		HeartbeatInterval: 30, SweepInterval: 30, StaleAfter: 90,
		AckTimeout: 10, ShutdownDrain: 30,
	}
	reg := registry.New(st, eb, lr, cfg, logger.Default())

	ctx := context.Background()
	server := &store.Server{ID: "srv-1", AgentStatus: store.AgentOffline}
	require.NoError(t, st.CreateServer(ctx, server))
	transport := &fakeTransport{}
	conn, err := reg.Accept(ctx, server, transport)
	require.NoError(t, err)

	d := New(st, eb, lr, reg, cfg, logger.Default())
	return &fixture{dispatcher: d, registry: reg, store: st, transport: transport, conn: conn}
}

func seedDeployment(t *testing.T, st *store.Memory, id string, status store.DeploymentStatus) {
	require.NoError(t, st.CreateDeployment(context.Background(), &store.Deployment{
		ID: id, ServerID: "srv-1", AppName: "app", Status: status,
	}))
}

func TestSendAndWait_InstallSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedDeployment(t, f.store, "dep-1", store.DeploymentInstalling)
	depID := "dep-1"

	cmd := &agentwire.Command{ID: "cmd-1", Action: agentwire.ActionInstall, AppName: "app"}

	done := make(chan *agentwire.CommandResult, 1)
	go func() {
		res, err := f.dispatcher.SendAndWait(ctx, "srv-1", cmd, &depID)
		require.NoError(t, err)
		done <- res
	}()

	// Wait for the command to reach the wire, then play the agent.
	require.Eventually(t, func() bool { return f.transport.lastCommand(t) != nil },
		time.Second, 5*time.Millisecond)
	f.dispatcher.HandleAck("srv-1", &agentwire.CommandAck{CommandID: "cmd-1"})
	f.dispatcher.HandleResult(ctx, "srv-1", f.conn.Generation, &agentwire.CommandResult{
		CommandID: "cmd-1", Status: agentwire.ResultSuccess, Message: "installed",
	})

	select {
	case res := <-done:
		assert.Equal(t, agentwire.ResultSuccess, res.Status)
	case <-time.After(time.Second):
		t.Fatal("future did not resolve")
	}

	entry, err := f.store.GetCommandLog(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandSuccess, entry.Status)
	assert.NotNil(t, entry.CompletedAt)

	// install success maps the deployment to stopped.
	dep, err := f.store.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentStopped, dep.Status)

	assert.Zero(t, f.dispatcher.PendingCount())
}

func TestSendAndWait_StartFailureMapsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedDeployment(t, f.store, "dep-1", store.DeploymentStopped)
	depID := "dep-1"

	cmd := &agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart, AppName: "app"}
	go func() {
		_, _ = f.dispatcher.SendAndWait(ctx, "srv-1", cmd, &depID)
	}()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	f.dispatcher.HandleResult(ctx, "srv-1", f.conn.Generation, &agentwire.CommandResult{
		CommandID: "cmd-1", Status: agentwire.ResultError, Message: "unit failed",
	})

	require.Eventually(t, func() bool {
		dep, err := f.store.GetDeployment(ctx, "dep-1")
		return err == nil && dep.Status == store.DeploymentError
	}, time.Second, 5*time.Millisecond)

	dep, err := f.store.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "unit failed", dep.StatusMessage)
}

func TestSendAndWait_AckTimeout(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.ackTimeout = 30 * time.Millisecond
	ctx := context.Background()
	seedDeployment(t, f.store, "dep-1", store.DeploymentStopped)
	depID := "dep-1"

	cmd := &agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart}
	_, err := f.dispatcher.SendAndWait(ctx, "srv-1", cmd, &depID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Agent did not acknowledge command")

	entry, err := f.store.GetCommandLog(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandTimeout, entry.Status)
	assert.Equal(t, "Agent did not acknowledge command", entry.ResultMessage)

	// A timeout with a deployment attached marks the deployment as error.
	dep, err := f.store.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentError, dep.Status)

	assert.Zero(t, f.dispatcher.PendingCount())
}

func TestSendAndWait_CompletionTimeout(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.completionTimeout = map[string]time.Duration{
		agentwire.ActionStart: 30 * time.Millisecond,
	}
	ctx := context.Background()

	cmd := &agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart}
	errc := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.SendAndWait(ctx, "srv-1", cmd, nil)
		errc <- err
	}()

	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	f.dispatcher.HandleAck("srv-1", &agentwire.CommandAck{CommandID: "cmd-1"})

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no completion")
	case <-time.After(time.Second):
		t.Fatal("completion timeout did not fire")
	}

	entry, err := f.store.GetCommandLog(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandTimeout, entry.Status)
}

func TestHandleResult_LateAckAfterResolveIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd := &agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStop}
	go func() { _, _ = f.dispatcher.SendAndWait(ctx, "srv-1", cmd, nil) }()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	f.dispatcher.HandleResult(ctx, "srv-1", f.conn.Generation, &agentwire.CommandResult{
		CommandID: "cmd-1", Status: agentwire.ResultSuccess,
	})
	// Result without ack is valid; a late ack must not revive the command.
	f.dispatcher.HandleAck("srv-1", &agentwire.CommandAck{CommandID: "cmd-1"})
	assert.Zero(t, f.dispatcher.PendingCount())
}

func TestHandleResult_StaleGenerationDoesNotResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd := &agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart}
	resolved := make(chan struct{})
	go func() {
		_, _ = f.dispatcher.SendAndWait(ctx, "srv-1", cmd, nil)
		close(resolved)
	}()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	// A result reported on a later generation closes out the log row only.
	f.dispatcher.HandleResult(ctx, "srv-1", f.conn.Generation+1, &agentwire.CommandResult{
		CommandID: "cmd-1", Status: agentwire.ResultSuccess, Message: "late",
	})

	select {
	case <-resolved:
		t.Fatal("stale-generation result must not resolve the future")
	case <-time.After(50 * time.Millisecond):
	}

	entry, err := f.store.GetCommandLog(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandSuccess, entry.Status)

	// Teardown still owns the future.
	f.dispatcher.FailAllForServer("srv-1", f.conn.Generation, "agent disconnected")
	select {
	case <-resolved:
	case <-time.After(time.Second):
		t.Fatal("teardown did not resolve the future")
	}
}

func TestFailAllForServer_RejectsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.SendAndWait(ctx, "srv-1",
			&agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart}, nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	f.dispatcher.FailAllForServer("srv-1", f.conn.Generation, "agent disconnected")

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agent disconnected")
	case <-time.After(time.Second):
		t.Fatal("pending command was not failed")
	}

	entry, err := f.store.GetCommandLog(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandError, entry.Status)
	assert.Equal(t, "agent disconnected", entry.ResultMessage)
}

func TestFailAllForServer_SparesNewerGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	go func() {
		_, _ = f.dispatcher.SendAndWait(ctx, "srv-1",
			&agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart}, nil)
	}()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	// Teardown of an older, displaced connection must not fail commands
	// dispatched on the current one.
	f.dispatcher.FailAllForServer("srv-1", f.conn.Generation-1, "agent disconnected")
	assert.Equal(t, 1, f.dispatcher.PendingCount())

	f.dispatcher.FailAllForServer("srv-1", f.conn.Generation, "agent disconnected")
	assert.Zero(t, f.dispatcher.PendingCount())
}

func TestSend_FireAndForget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok := f.dispatcher.Send(ctx, "srv-1",
		&agentwire.Command{ID: "cmd-1", Action: agentwire.ActionRestart}, nil)
	assert.True(t, ok)

	ok = f.dispatcher.Send(ctx, "srv-offline",
		&agentwire.Command{ID: "cmd-2", Action: agentwire.ActionRestart}, nil)
	assert.False(t, ok, "send must report false when no agent is connected")
}

func TestSendAndWait_AgentOffline(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.SendAndWait(context.Background(), "srv-ghost",
		&agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStart}, nil)
	assert.ErrorIs(t, err, ErrAgentOffline)
}

func TestSendMount_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := make(chan *agentwire.CommandResult, 1)
	go func() {
		res, err := f.dispatcher.SendMount(ctx, "srv-1", agentwire.ActionCheckMount,
			&agentwire.MountRequest{MountPoint: "/mnt/media"})
		require.NoError(t, err)
		done <- res
	}()

	var cmd *agentwire.Command
	require.Eventually(t, func() bool {
		cmd = f.transport.lastCommand(t)
		return cmd != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, agentwire.ActionCheckMount, cmd.Action)

	var req agentwire.MountRequest
	require.NoError(t, json.Unmarshal(cmd.Payload, &req))
	assert.Equal(t, "/mnt/media", req.MountPoint)

	f.dispatcher.HandleResult(ctx, "srv-1", f.conn.Generation, &agentwire.CommandResult{
		CommandID: cmd.ID, Status: agentwire.ResultSuccess,
		Data: json.RawMessage(`{"mounted":true}`),
	})

	select {
	case res := <-done:
		assert.Equal(t, agentwire.ResultSuccess, res.Status)
	case <-time.After(time.Second):
		t.Fatal("mount command did not resolve")
	}
}

func TestDrain_FailsStragglers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.SendAndWait(ctx, "srv-1",
			&agentwire.Command{ID: "cmd-1", Action: agentwire.ActionInstall}, nil)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	f.dispatcher.Drain(150 * time.Millisecond)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("drain did not fail the straggler")
	}

	// New commands are rejected while draining.
	_, err := f.dispatcher.SendAndWait(ctx, "srv-1",
		&agentwire.Command{ID: "cmd-2", Action: agentwire.ActionStart}, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestDrain_ReturnsWhenPendingResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	go func() {
		_, _ = f.dispatcher.SendAndWait(ctx, "srv-1",
			&agentwire.Command{ID: "cmd-1", Action: agentwire.ActionStop}, nil)
	}()
	require.Eventually(t, func() bool { return f.dispatcher.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.dispatcher.HandleResult(ctx, "srv-1", f.conn.Generation, &agentwire.CommandResult{
			CommandID: "cmd-1", Status: agentwire.ResultSuccess,
		})
	}()

	start := time.Now()
	f.dispatcher.Drain(5 * time.Second)
	assert.Less(t, time.Since(start), 2*time.Second, "drain must return once pending commands resolve")
}
