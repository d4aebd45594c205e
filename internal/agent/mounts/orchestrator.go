// Package mounts brings a server's auto-mount network storage online after
// the agent connects. Mounts are processed sequentially per server and
// failures are isolated to the mount that caused them.
package mounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/agent/dispatch"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
	"github.com/PKell33/ownprem-sub001/internal/secrets"
	"github.com/PKell33/ownprem-sub001/internal/store"
	"github.com/PKell33/ownprem-sub001/pkg/agentwire"
)

// Orchestrator runs the auto-mount workflow.
type Orchestrator struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	box        *secrets.Box
	log        *logger.Logger
}

// New creates an Orchestrator.
func New(st store.Store, d *dispatch.Dispatcher, box *secrets.Box, log *logger.Logger) *Orchestrator {
	return &Orchestrator{store: st, dispatcher: d, box: box, log: log}
}

// RunForServer checks and mounts every auto-mount binding of a server.
// Called on every successful connect, off the connect path.
func (o *Orchestrator) RunForServer(ctx context.Context, serverID string) {
	bindings, err := o.store.ListAutoMounts(ctx, serverID)
	if err != nil {
		o.log.Error("Failed to list auto mounts",
			zap.String("server_id", serverID), zap.Error(err))
		return
	}

	for _, sm := range bindings {
		if err := o.ensureMounted(ctx, serverID, sm); err != nil {
			if persistErr := o.store.SetMountStatus(ctx, sm.ID, store.MountError, err.Error(), nil); persistErr != nil {
				o.log.Error("Failed to persist mount error",
					zap.String("server_mount_id", sm.ID), zap.Error(persistErr))
			}
			o.log.Warn("Auto-mount failed",
				zap.String("server_id", serverID),
				zap.String("mount_point", sm.MountPoint),
				zap.Error(err))
		}
	}
}

// ensureMounted performs the check-then-mount sequence for one binding.
func (o *Orchestrator) ensureMounted(ctx context.Context, serverID string, sm *store.ServerMount) error {
	if sm.Mount == nil {
		return errors.New("mount definition missing")
	}

	// Already mounted on the remote side? Then only refresh our view.
	check, err := o.dispatcher.SendMount(ctx, serverID, agentwire.ActionCheckMount,
		&agentwire.MountRequest{MountPoint: sm.MountPoint})
	if err != nil {
		return fmt.Errorf("checkMount: %w", err)
	}
	if check.Status == agentwire.ResultSuccess {
		var data agentwire.MountCheckData
		if err := parseResultData(check, &data); err != nil {
			return fmt.Errorf("checkMount data: %w", err)
		}
		if data.Mounted {
			return o.store.SetMountStatus(ctx, sm.ID, store.MountMounted, "", &store.MountUsage{
				UsageBytes: data.UsageBytes,
				TotalBytes: data.TotalBytes,
			})
		}
	}

	if err := o.store.SetMountStatus(ctx, sm.ID, store.MountMounting, "", nil); err != nil {
		return fmt.Errorf("persist mounting: %w", err)
	}

	req := &agentwire.MountRequest{
		Type:       string(sm.Mount.Type),
		Source:     sm.Mount.Source,
		MountPoint: sm.MountPoint,
		Options:    sm.Options,
	}
	if req.Options == "" {
		req.Options = sm.Mount.DefaultOptions
	}
	if sm.Mount.Type == store.MountCIFS {
		creds, err := o.loadCredentials(ctx, sm.MountID)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		req.Credentials = creds
	}

	result, err := o.dispatcher.SendMount(ctx, serverID, agentwire.ActionMountStorage, req)
	if err != nil {
		return fmt.Errorf("mountStorage: %w", err)
	}
	if result.Status != agentwire.ResultSuccess {
		return o.store.SetMountStatus(ctx, sm.ID, store.MountError, result.Message, nil)
	}

	var data agentwire.MountCheckData
	_ = parseResultData(result, &data)
	return o.store.SetMountStatus(ctx, sm.ID, store.MountMounted, "", &store.MountUsage{
		UsageBytes: data.UsageBytes,
		TotalBytes: data.TotalBytes,
	})
}

// loadCredentials decrypts the stored CIFS credentials for a mount.
func (o *Orchestrator) loadCredentials(ctx context.Context, mountID string) (*agentwire.MountCredentials, error) {
	blob, err := o.store.GetMountCredentials(ctx, mountID)
	if errors.Is(err, store.ErrNotFound) {
		// CIFS without credentials is valid (guest shares).
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o.box.DecryptCredentials(blob)
}

func parseResultData(res *agentwire.CommandResult, v interface{}) error {
	if res.Data == nil {
		return nil
	}
	return json.Unmarshal(res.Data, v)
}
