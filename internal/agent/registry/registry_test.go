package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []*agentwire.Message
	closed bool
}

func (f *fakeTransport) Send(msg *agentwire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "10.0.0.5:40000" }

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		out = append(out, msg.Event)
	}
	return out
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		HeartbeatInterval: 30,
		SweepInterval:     30,
		StaleAfter:        90,
		AckTimeout:        10,
		ShutdownDrain:     30,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, bus.EventBus) {
	st := store.NewMemory()
	eb := bus.NewMemoryEventBus(logger.Default())
	r := New(st, eb, locks.NewRegistry(), testAgentConfig(), logger.Default())
	t.Cleanup(eb.Close)
	return r, st, eb
}

func seedServer(t *testing.T, st *store.Memory, id string) *store.Server {
	server := &store.Server{ID: id, Name: id, AgentStatus: store.AgentOffline}
	require.NoError(t, st.CreateServer(context.Background(), server))
	return server
}

func TestAccept_InstallsConnection(t *testing.T) {
	r, st, eb := newTestRegistry(t)
	ctx := context.Background()
	server := seedServer(t, st, "srv-1")

	connected := make(chan *bus.Event, 1)
	_, err := eb.Subscribe(events.ServerConnected, func(ctx context.Context, e *bus.Event) error {
		connected <- e
		return nil
	})
	require.NoError(t, err)

	transport := &fakeTransport{}
	conn, err := r.Accept(ctx, server, transport)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), conn.Generation)

	got, ok := r.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	persisted, err := st.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, persisted.AgentStatus)
	assert.NotNil(t, persisted.LastSeen)

	assert.Contains(t, transport.sentEvents(), agentwire.EventRequestStatus,
		"connect must request an immediate status snapshot")

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("server.connected was not published")
	}
}

func TestAccept_DisplacesPreviousConnection(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	server := seedServer(t, st, "srv-1")

	first := &fakeTransport{}
	c1, err := r.Accept(ctx, server, first)
	require.NoError(t, err)

	second := &fakeTransport{}
	c2, err := r.Accept(ctx, server, second)
	require.NoError(t, err)

	assert.True(t, first.isClosed(), "old transport must be closed on displacement")
	assert.Greater(t, c2.Generation, c1.Generation)

	got, ok := r.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, c2, got)

	// The displaced connection's teardown must not knock the server offline.
	r.Drop(c1, "read loop exited")
	persisted, err := st.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOnline, persisted.AgentStatus)

	got, ok = r.Get("srv-1")
	require.True(t, ok)
	assert.Same(t, c2, got)
}

func TestDrop_CurrentConnection(t *testing.T) {
	r, st, eb := newTestRegistry(t)
	ctx := context.Background()
	server := seedServer(t, st, "srv-1")

	disconnected := make(chan *bus.Event, 1)
	_, err := eb.Subscribe(events.ServerDisconnected, func(ctx context.Context, e *bus.Event) error {
		disconnected <- e
		return nil
	})
	require.NoError(t, err)

	var hookServer string
	var hookGen uint64
	r.SetHooks(Hooks{
		OnDisconnect: func(serverID string, generation uint64) {
			hookServer = serverID
			hookGen = generation
		},
	})

	transport := &fakeTransport{}
	conn, err := r.Accept(ctx, server, transport)
	require.NoError(t, err)

	r.Drop(conn, "transport closed")

	_, ok := r.Get("srv-1")
	assert.False(t, ok)
	assert.True(t, transport.isClosed())
	assert.Equal(t, "srv-1", hookServer)
	assert.Equal(t, conn.Generation, hookGen)

	persisted, err := st.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, persisted.AgentStatus)

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("server.disconnected was not published")
	}

	// A second Drop is a no-op.
	r.Drop(conn, "again")
}

func TestGeneration_TracksReconnects(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	server := seedServer(t, st, "srv-1")

	_, ok := r.Generation("srv-1")
	assert.False(t, ok)

	c1, err := r.Accept(ctx, server, &fakeTransport{})
	require.NoError(t, err)
	r.Drop(c1, "bye")

	c2, err := r.Accept(ctx, server, &fakeTransport{})
	require.NoError(t, err)

	gen, ok := r.Generation("srv-1")
	require.True(t, ok)
	assert.Equal(t, c2.Generation, gen)
	assert.Equal(t, uint64(2), gen, "generation must be monotonic per server")
}

func TestTouch_RefreshesLastSeen(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	server := seedServer(t, st, "srv-1")

	conn, err := r.Accept(ctx, server, &fakeTransport{})
	require.NoError(t, err)

	before := conn.LastSeen()
	time.Sleep(5 * time.Millisecond)
	r.Touch("srv-1")
	assert.True(t, conn.LastSeen().After(before))
}

func TestAll_SnapshotsConnections(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"srv-1", "srv-2", "srv-3"} {
		server := seedServer(t, st, id)
		_, err := r.Accept(ctx, server, &fakeTransport{})
		require.NoError(t, err)
	}

	all := r.All()
	assert.Len(t, all, 3)
	for id, conn := range all {
		assert.Equal(t, id, conn.ServerID)
	}
}

func TestOnConnectHook_RunsAsync(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()
	server := seedServer(t, st, "srv-1")

	ran := make(chan string, 1)
	r.SetHooks(Hooks{
		OnConnect: func(ctx context.Context, conn *Connection) {
			ran <- conn.ServerID
		},
	})

	_, err := r.Accept(ctx, server, &fakeTransport{})
	require.NoError(t, err)

	select {
	case id := <-ran:
		assert.Equal(t, "srv-1", id)
	case <-time.After(time.Second):
		t.Fatal("OnConnect hook did not run")
	}
}
