// Package reconcile applies agent status reports to the persisted deployment
// model. Transient deployment states are owned by in-flight commands and are
// never overwritten by reports.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/events"
	"github.com/PKell33/ownprem-sub001/internal/events/bus"
	"github.com/PKell33/ownprem-sub001/internal/locks"
	"github.com/PKell33/ownprem-sub001/internal/proxy"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// Reconciler processes status reports.
type Reconciler struct {
	store store.Store
	bus   bus.EventBus
	locks *locks.Registry
	proxy proxy.Controller
	log   *logger.Logger
}

// New creates a Reconciler.
func New(st store.Store, eb bus.EventBus, lr *locks.Registry, pc proxy.Controller, log *logger.Logger) *Reconciler {
	return &Reconciler{store: st, bus: eb, locks: lr, proxy: pc, log: log}
}

// HandleStatus reconciles one report. Server-row fields are persisted first;
// then each reported app is applied under its deployment lock. At most one
// proxy reload is issued per report, after the whole batch.
func (r *Reconciler) HandleStatus(ctx context.Context, serverID string, report *agentwire.StatusReport) error {
	if err := r.store.UpdateServerMetrics(ctx, serverID, report.Metrics, report.NetworkInfo); err != nil {
		return fmt.Errorf("persist server metrics: %w", err)
	}

	routesChanged := false
	appStatuses := make(map[string]string, len(report.Apps))

	for _, app := range report.Apps {
		appStatuses[app.Name] = app.Status

		changed, err := r.reconcileApp(ctx, serverID, app)
		if err != nil {
			r.log.Error("Failed to reconcile app status",
				zap.String("server_id", serverID),
				zap.String("app_name", app.Name), zap.Error(err))
			continue
		}
		if changed {
			routesChanged = true
		}
	}

	if routesChanged {
		if err := r.proxy.Reload(ctx); err != nil {
			r.log.Error("Proxy reload after reconcile failed",
				zap.String("server_id", serverID), zap.Error(err))
		}
	}

	r.publish(ctx, events.ServerStatus, map[string]interface{}{
		"serverId": serverID,
		"metrics":  report.Metrics,
		"apps":     appStatuses,
	})
	return nil
}

// reconcileApp applies one app entry and reports whether a proxy route
// changed.
func (r *Reconciler) reconcileApp(ctx context.Context, serverID string, app agentwire.AppStatus) (bool, error) {
	dep, err := r.store.GetDeploymentByServerAndApp(ctx, serverID, app.Name)
	if errors.Is(err, store.ErrNotFound) {
		// Apps the orchestrator never deployed are not our concern.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	next := mapAppStatus(app.Status)
	routeChanged := false

	err = r.locks.WithDeploymentLock(ctx, dep.ID, func() error {
		current, err := r.store.GetDeployment(ctx, dep.ID)
		if err != nil {
			return err
		}

		applied, err := r.store.SetDeploymentStatusIfNotTransient(ctx, dep.ID, next)
		if err != nil {
			return err
		}
		if !applied {
			// A command in flight owns this status.
			return nil
		}

		wantActive := next == store.DeploymentRunning
		var routeActive *bool
		route, err := r.store.GetProxyRoute(ctx, dep.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// No route bound to this deployment.
		case err != nil:
			return err
		default:
			if route.Active != wantActive {
				if err := r.store.SetProxyRouteActive(ctx, dep.ID, wantActive); err != nil {
					return err
				}
				routeChanged = true
			}
			routeActive = &wantActive
		}

		if current.Status != next {
			data := map[string]interface{}{
				"deploymentId":   dep.ID,
				"serverId":       serverID,
				"appName":        app.Name,
				"previousStatus": string(current.Status),
				"status":         string(next),
			}
			if routeActive != nil {
				data["routeActive"] = *routeActive
			}
			r.publish(ctx, events.DeploymentStatus, data)
		}
		return nil
	})
	return routeChanged, err
}

// mapAppStatus converts an agent-reported app state to a deployment status.
// Anything unrecognized is treated as stopped.
func mapAppStatus(status string) store.DeploymentStatus {
	switch status {
	case "running":
		return store.DeploymentRunning
	case "error":
		return store.DeploymentError
	case "stopped":
		return store.DeploymentStopped
	default:
		return store.DeploymentStopped
	}
}

func (r *Reconciler) publish(ctx context.Context, subject string, data interface{}) {
	event := bus.NewEvent(subject, events.Source, data)
	if err := r.bus.Publish(ctx, subject, event); err != nil {
		r.log.Warn("Event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
