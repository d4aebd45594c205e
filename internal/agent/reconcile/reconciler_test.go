package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

type countingProxy struct {
	mu      sync.Mutex
	reloads int
}

func (c *countingProxy) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads++
	return nil
}

func (c *countingProxy) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloads
}

type fixture struct {
	reconciler *Reconciler
	store      *store.Memory
	bus        bus.EventBus
	proxy      *countingProxy
}

func newFixture(t *testing.T) *fixture {
	st := store.NewMemory()
	eb := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eb.Close)
	pc := &countingProxy{}
	r := New(st, eb, locks.NewRegistry(), pc, logger.Default())

	require.NoError(t, st.CreateServer(context.Background(), &store.Server{
		ID: "srv-1", AgentStatus: store.AgentOnline,
	}))
	return &fixture{reconciler: r, store: st, bus: eb, proxy: pc}
}

func (f *fixture) seedDeployment(t *testing.T, id, app string, status store.DeploymentStatus) {
	require.NoError(t, f.store.CreateDeployment(context.Background(), &store.Deployment{
		ID: id, ServerID: "srv-1", AppName: app, Status: status,
	}))
}

func report(apps ...agentwire.AppStatus) *agentwire.StatusReport {
	return &agentwire.StatusReport{
		Timestamp: time.Now().UTC(),
		Metrics:   json.RawMessage(`{"cpu":0.2}`),
		Apps:      apps,
	}
}

func TestHandleStatus_PersistsServerRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1", report()))

	server, err := f.store.GetServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cpu":0.2}`, string(server.Metrics))
	assert.NotNil(t, server.LastSeen)
}

func TestHandleStatus_AppliesAppStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDeployment(t, "dep-1", "gitea", store.DeploymentStopped)

	statusEvents := make(chan *bus.Event, 4)
	_, err := f.bus.Subscribe(events.DeploymentStatus, func(ctx context.Context, e *bus.Event) error {
		statusEvents <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
		report(agentwire.AppStatus{Name: "gitea", Status: "running"})))

	dep, err := f.store.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentRunning, dep.Status)

	select {
	case e := <-statusEvents:
		data, ok := e.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "stopped", data["previousStatus"])
		assert.Equal(t, "running", data["status"])
	case <-time.After(time.Second):
		t.Fatal("deployment.status was not published")
	}
}

func TestHandleStatus_PreservesTransientStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, transient := range []store.DeploymentStatus{
		store.DeploymentInstalling, store.DeploymentConfiguring, store.DeploymentUninstalling,
	} {
		t.Run(string(transient), func(t *testing.T) {
			depID := "dep-" + string(transient)
			f.seedDeployment(t, depID, "app-"+string(transient), transient)

			require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
				report(agentwire.AppStatus{Name: "app-" + string(transient), Status: "running"})))

			dep, err := f.store.GetDeployment(ctx, depID)
			require.NoError(t, err)
			assert.Equal(t, transient, dep.Status,
				"status report must not overwrite a transient state")
		})
	}
}

func TestHandleStatus_UnknownAppSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No deployment exists for this app; the report must not error.
	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
		report(agentwire.AppStatus{Name: "rogue", Status: "running"})))
}

func TestHandleStatus_UnknownStatusMapsToStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDeployment(t, "dep-1", "gitea", store.DeploymentRunning)

	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
		report(agentwire.AppStatus{Name: "gitea", Status: "flapping"})))

	dep, err := f.store.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, store.DeploymentStopped, dep.Status)
}

func TestHandleStatus_SingleReloadPerBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three routed deployments all flip from stopped to running; the batch
	// must trigger exactly one proxy reload.
	for _, id := range []string{"dep-1", "dep-2", "dep-3"} {
		f.seedDeployment(t, id, "app-"+id, store.DeploymentStopped)
		require.NoError(t, f.store.PutProxyRoute(ctx, &store.ProxyRoute{DeploymentID: id, Active: false}))
	}

	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1", report(
		agentwire.AppStatus{Name: "app-dep-1", Status: "running"},
		agentwire.AppStatus{Name: "app-dep-2", Status: "running"},
		agentwire.AppStatus{Name: "app-dep-3", Status: "running"},
	)))

	assert.Equal(t, 1, f.proxy.count())

	for _, id := range []string{"dep-1", "dep-2", "dep-3"} {
		route, err := f.store.GetProxyRoute(ctx, id)
		require.NoError(t, err)
		assert.True(t, route.Active)
	}
}

func TestHandleStatus_NoReloadWhenRoutesUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDeployment(t, "dep-1", "gitea", store.DeploymentRunning)
	require.NoError(t, f.store.PutProxyRoute(ctx, &store.ProxyRoute{DeploymentID: "dep-1", Active: true}))

	// Same status, route already matches.
	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
		report(agentwire.AppStatus{Name: "gitea", Status: "running"})))
	assert.Zero(t, f.proxy.count())
}

func TestHandleStatus_RouteDeactivatedOnStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedDeployment(t, "dep-1", "gitea", store.DeploymentRunning)
	require.NoError(t, f.store.PutProxyRoute(ctx, &store.ProxyRoute{DeploymentID: "dep-1", Active: true}))

	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
		report(agentwire.AppStatus{Name: "gitea", Status: "stopped"})))

	route, err := f.store.GetProxyRoute(ctx, "dep-1")
	require.NoError(t, err)
	assert.False(t, route.Active)
	assert.Equal(t, 1, f.proxy.count())
}

func TestHandleStatus_PublishesServerStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serverEvents := make(chan *bus.Event, 1)
	_, err := f.bus.Subscribe(events.ServerStatus, func(ctx context.Context, e *bus.Event) error {
		serverEvents <- e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.reconciler.HandleStatus(ctx, "srv-1",
		report(agentwire.AppStatus{Name: "gitea", Status: "running"})))

	select {
	case e := <-serverEvents:
		data, ok := e.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "srv-1", data["serverId"])
	case <-time.After(time.Second):
		t.Fatal("server.status was not published")
	}
}
