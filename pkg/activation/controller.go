// Package activation adapts host lifecycle events (mount, unmount,
// parameter changes, visibility changes) into orchestrator calls. It
// decides when activate/restart/cancel fire, never what they do.
package activation

import (
	"sync"

	"batchfetch/pkg/orchestrator"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the lifecycle surface the controller drives.
type Orchestrator interface {
	Activate()
	Restart(reloadInPlace bool)
	Cancel()
	Snapshot() orchestrator.BatchState
}

// Config holds host-level controller options.
type Config struct {
	// ReloadInPlace keeps the previously settled view visible during an
	// explicit reload.
	ReloadInPlace bool

	// ReactToVisibility restarts the batch in place when the host
	// returns to the foreground.
	ReactToVisibility bool
}

// Controller maps host lifecycle events onto one orchestrator instance.
type Controller struct {
	cfg    Config
	orch   Orchestrator
	logger zerolog.Logger

	mu      sync.Mutex
	mounted bool
}

// NewController creates a controller for one orchestrator.
func NewController(orch Orchestrator, cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		orch:   orch,
		logger: log.With().Str("component", "activation").Logger(),
	}
}

// Mount activates the orchestrator. Mounting an already-mounted
// controller is a no-op.
func (c *Controller) Mount() {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.mu.Unlock()

	c.logger.Debug().Msg("Mounted")
	c.orch.Activate()
}

// Unmount cancels all in-flight work. Safe to call repeatedly.
func (c *Controller) Unmount() {
	c.mu.Lock()
	c.mounted = false
	c.mu.Unlock()

	c.logger.Debug().Msg("Unmounted")
	c.orch.Cancel()
}

// ParamsChanged reports that the identity of the fetched resource
// changed. Equivalent to a remount: prior results are discarded.
func (c *Controller) ParamsChanged() {
	if !c.isMounted() {
		return
	}
	c.logger.Debug().Msg("Params changed, full restart")
	c.orch.Restart(false)
}

// SearchChanged reports a navigation search-string change. Same restart
// semantics as ParamsChanged.
func (c *Controller) SearchChanged() {
	c.ParamsChanged()
}

// VisibilityRegained reports that the host returned to the foreground.
// Restarts in place, but only when configured to react to visibility and
// no batch is currently in flight.
func (c *Controller) VisibilityRegained() {
	if !c.isMounted() || !c.cfg.ReactToVisibility {
		return
	}
	if snapshot := c.orch.Snapshot(); snapshot.InFlight() {
		c.logger.Debug().Msg("Visibility regained while loading, ignoring")
		return
	}
	c.logger.Debug().Msg("Visibility regained, reloading in place")
	c.orch.Restart(true)
}

// Reload handles an explicit external reload request (user-triggered
// retry). Whether the prior view stays visible follows ReloadInPlace.
func (c *Controller) Reload() {
	if !c.isMounted() {
		return
	}
	c.logger.Debug().Bool("in_place", c.cfg.ReloadInPlace).Msg("Explicit reload")
	c.orch.Restart(c.cfg.ReloadInPlace)
}

func (c *Controller) isMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}
