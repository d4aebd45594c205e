package mounts

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub001/internal/agent/dispatch"
	"github.com/PKell33/ownprem-sub001/internal/agent/registry"
	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/secrets"
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

func (f *fakeTransport) commands() []*agentwire.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*agentwire.Command
	for _, msg := range f.sent {
		if msg.Event != agentwire.EventCommand {
			continue
		}
		var cmd agentwire.Command
		if err := json.Unmarshal(msg.Data, &cmd); err == nil {
			out = append(out, &cmd)
		}
	}
	return out
}

type fixture struct {
	orch       *Orchestrator
	store      *store.Memory
	dispatcher *dispatch.Dispatcher
	transport  *fakeTransport
	conn       *registry.Connection
	box        *secrets.Box

	stopResponder chan struct{}
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
	server := &store.Server{ID: "srv-1"}
	require.NoError(t, st.CreateServer(ctx, server))
	transport := &fakeTransport{}
	conn, err := reg.Accept(ctx, server, transport)
	require.NoError(t, err)

	d := dispatch.New(st, eb, lr, reg, cfg, logger.Default())

	provider, err := secrets.NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	box := secrets.NewBox(provider)

	f := &fixture{
		orch:          New(st, d, box, logger.Default()),
		store:         st,
		dispatcher:    d,
		transport:     transport,
		conn:          conn,
		box:           box,
		stopResponder: make(chan struct{}),
	}
	t.Cleanup(func() { close(f.stopResponder) })
	return f
}

// respond plays the agent: every command hitting the transport is answered
// through the handler.
func (f *fixture) respond(handler func(cmd *agentwire.Command) *agentwire.CommandResult) {
	go func() {
		answered := make(map[string]bool)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-f.stopResponder:
				return
			case <-ticker.C:
				for _, cmd := range f.transport.commands() {
					if answered[cmd.ID] {
						continue
					}
					answered[cmd.ID] = true
					if res := handler(cmd); res != nil {
						res.CommandID = cmd.ID
						f.dispatcher.HandleResult(context.Background(), "srv-1", f.conn.Generation, res)
					}
				}
			}
		}
	}()
}

func (f *fixture) seedMount(t *testing.T, mountType store.MountType, autoMount bool, opts, defaults string) *store.ServerMount {
	ctx := context.Background()
	mount := &store.Mount{ID: "mnt-1", Type: mountType, Source: "nas:/export", DefaultOptions: defaults}
	require.NoError(t, f.store.CreateMount(ctx, mount))
	sm := &store.ServerMount{
		ID: "sm-1", MountID: "mnt-1", ServerID: "srv-1",
		MountPoint: "/mnt/data", Options: opts, AutoMount: autoMount,
		Status: store.MountUnmounted,
	}
	require.NoError(t, f.store.CreateServerMount(ctx, sm))
	return sm
}

func (f *fixture) mountStatus(t *testing.T) *store.ServerMount {
	list, err := f.store.ListAutoMounts(context.Background(), "srv-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestRunForServer_AlreadyMounted(t *testing.T) {
	f := newFixture(t)
	f.seedMount(t, store.MountNFS, true, "", "")

	usage := int64(1 << 30)
	total := int64(2 << 30)
	f.respond(func(cmd *agentwire.Command) *agentwire.CommandResult {
		require.Equal(t, agentwire.ActionCheckMount, cmd.Action)
		data, _ := json.Marshal(agentwire.MountCheckData{Mounted: true, UsageBytes: &usage, TotalBytes: &total})
		return &agentwire.CommandResult{Status: agentwire.ResultSuccess, Data: data}
	})

	f.orch.RunForServer(context.Background(), "srv-1")

	sm := f.mountStatus(t)
	assert.Equal(t, store.MountMounted, sm.Status)
	require.NotNil(t, sm.UsageBytes)
	assert.Equal(t, usage, *sm.UsageBytes)
	assert.NotNil(t, sm.LastChecked)

	// No mountStorage was needed.
	for _, cmd := range f.transport.commands() {
		assert.NotEqual(t, agentwire.ActionMountStorage, cmd.Action)
	}
}

func TestRunForServer_MountsWhenUnmounted(t *testing.T) {
	f := newFixture(t)
	f.seedMount(t, store.MountNFS, true, "", "ro,nolock")

	var mountReq agentwire.MountRequest
	f.respond(func(cmd *agentwire.Command) *agentwire.CommandResult {
		switch cmd.Action {
		case agentwire.ActionCheckMount:
			data, _ := json.Marshal(agentwire.MountCheckData{Mounted: false})
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess, Data: data}
		case agentwire.ActionMountStorage:
			require.NoError(t, json.Unmarshal(cmd.Payload, &mountReq))
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess}
		}
		return &agentwire.CommandResult{Status: agentwire.ResultError}
	})

	f.orch.RunForServer(context.Background(), "srv-1")

	assert.Equal(t, "nfs", mountReq.Type)
	assert.Equal(t, "nas:/export", mountReq.Source)
	assert.Equal(t, "/mnt/data", mountReq.MountPoint)
	assert.Equal(t, "ro,nolock", mountReq.Options, "default options apply when the binding has none")
	assert.Nil(t, mountReq.Credentials)

	assert.Equal(t, store.MountMounted, f.mountStatus(t).Status)
}

func TestRunForServer_CIFSCredentials(t *testing.T) {
	f := newFixture(t)
	f.seedMount(t, store.MountCIFS, true, "vers=3.0", "")

	creds := &agentwire.MountCredentials{Username: "backup", Password: "pw", Domain: "WORKGROUP"}
	blob, err := f.box.EncryptCredentials(creds)
	require.NoError(t, err)
	require.NoError(t, f.store.PutMountCredentials(context.Background(), "mnt-1", blob))

	var mountReq agentwire.MountRequest
	f.respond(func(cmd *agentwire.Command) *agentwire.CommandResult {
		switch cmd.Action {
		case agentwire.ActionCheckMount:
			data, _ := json.Marshal(agentwire.MountCheckData{Mounted: false})
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess, Data: data}
		case agentwire.ActionMountStorage:
			require.NoError(t, json.Unmarshal(cmd.Payload, &mountReq))
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess}
		}
		return nil
	})

	f.orch.RunForServer(context.Background(), "srv-1")

	require.NotNil(t, mountReq.Credentials, "CIFS mounts carry decrypted credentials")
	assert.Equal(t, creds, mountReq.Credentials)
	assert.Equal(t, "vers=3.0", mountReq.Options, "binding options win over defaults")
}

func TestRunForServer_MountFailurePersisted(t *testing.T) {
	f := newFixture(t)
	f.seedMount(t, store.MountNFS, true, "", "")

	f.respond(func(cmd *agentwire.Command) *agentwire.CommandResult {
		switch cmd.Action {
		case agentwire.ActionCheckMount:
			data, _ := json.Marshal(agentwire.MountCheckData{Mounted: false})
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess, Data: data}
		case agentwire.ActionMountStorage:
			return &agentwire.CommandResult{Status: agentwire.ResultError, Message: "permission denied"}
		}
		return nil
	})

	f.orch.RunForServer(context.Background(), "srv-1")

	sm := f.mountStatus(t)
	assert.Equal(t, store.MountError, sm.Status)
	assert.Equal(t, "permission denied", sm.StatusMessage)
}

func TestRunForServer_ErrorsIsolatedPerMount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, spec := range []struct{ mountID, smID, point string }{
		{"mnt-a", "sm-a", "/mnt/a"},
		{"mnt-b", "sm-b", "/mnt/b"},
	} {
		require.NoError(t, f.store.CreateMount(ctx, &store.Mount{
			ID: spec.mountID, Type: store.MountNFS, Source: "nas:" + spec.point,
		}))
		require.NoError(t, f.store.CreateServerMount(ctx, &store.ServerMount{
			ID: spec.smID, MountID: spec.mountID, ServerID: "srv-1",
			MountPoint: spec.point, AutoMount: true, Status: store.MountUnmounted,
		}))
	}

	f.respond(func(cmd *agentwire.Command) *agentwire.CommandResult {
		var req agentwire.MountRequest
		_ = json.Unmarshal(cmd.Payload, &req)
		switch cmd.Action {
		case agentwire.ActionCheckMount:
			data, _ := json.Marshal(agentwire.MountCheckData{Mounted: false})
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess, Data: data}
		case agentwire.ActionMountStorage:
			if req.MountPoint == "/mnt/a" {
				return &agentwire.CommandResult{Status: agentwire.ResultError, Message: "stale handle"}
			}
			return &agentwire.CommandResult{Status: agentwire.ResultSuccess}
		}
		return nil
	})

	f.orch.RunForServer(ctx, "srv-1")

	list, err := f.store.ListAutoMounts(ctx, "srv-1")
	require.NoError(t, err)
	byID := map[string]*store.ServerMount{}
	for _, sm := range list {
		byID[sm.ID] = sm
	}
	assert.Equal(t, store.MountError, byID["sm-a"].Status,
		"failing mount records its error")
	assert.Equal(t, store.MountMounted, byID["sm-b"].Status,
		"one mount's failure must not stop the rest")
}

func TestRunForServer_AgentOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A server with an auto-mount but no live connection.
	require.NoError(t, f.store.CreateServer(ctx, &store.Server{ID: "srv-2"}))
	require.NoError(t, f.store.CreateMount(ctx, &store.Mount{
		ID: "mnt-2", Type: store.MountNFS, Source: "nas:/x",
	}))
	require.NoError(t, f.store.CreateServerMount(ctx, &store.ServerMount{
		ID: "sm-2", MountID: "mnt-2", ServerID: "srv-2",
		MountPoint: "/mnt/x", AutoMount: true, Status: store.MountUnmounted,
	}))

	f.orch.RunForServer(ctx, "srv-2")

	list, err := f.store.ListAutoMounts(ctx, "srv-2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.MountError, list[0].Status)
}
