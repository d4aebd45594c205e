// Package proxy applies deployment route changes to the reverse proxy.
package proxy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/PKell33/ownprem-sub001/internal/common/config"
	"github.com/PKell33/ownprem-sub001/internal/common/logger"
)

// Controller reloads the reverse proxy after route changes. Callers batch
// route toggles and issue a single Reload per batch.
type Controller interface {
	Reload(ctx context.Context) error
}

// Provide returns the controller selected by configuration. An empty reload
// command yields a no-op controller, used in development and tests.
func Provide(cfg config.ProxyConfig, log *logger.Logger) Controller {
	if cfg.ReloadCommand == "" {
		return NewNoop()
	}
	return NewExec(cfg.ReloadCommand, log)
}

// Noop is a Controller that does nothing.
type Noop struct{}

// NewNoop creates a no-op controller.
func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Reload(ctx context.Context) error { return nil }

// Exec runs a configured shell command to reload the proxy.
type Exec struct {
	command string
	log     *logger.Logger
}

// NewExec creates a controller that executes command on every reload.
func NewExec(command string, log *logger.Logger) *Exec {
	return &Exec{command: command, log: log}
}

func (e *Exec) Reload(ctx context.Context) error {
	parts := strings.Fields(e.command)
	if len(parts) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if e.log != nil {
			e.log.Error("Proxy reload failed",
				zap.String("command", e.command),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))
		}
		return fmt.Errorf("proxy reload: %w", err)
	}

	if e.log != nil {
		e.log.Debug("Proxy reloaded", zap.String("command", e.command))
	}
	return nil
}
