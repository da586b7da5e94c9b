// Package ramctl drives the virtio balloon device to the desired
// current-RAM value (spec §4.5). Unlike the CPU controller, no
// confirmation event is awaited: the balloon command is fire-and-forget,
// and the controller simply remembers the last value it sent so a
// repeated Configure with an unchanged value produces no QMP traffic
// (spec §8's idempotence property).
package ramctl

import (
	"log/slog"

	"github.com/jdrupes-project/vm-runner/internal/memsize"
	"github.com/jdrupes-project/vm-runner/internal/qmp"
)

// Controller owns RAM/balloon reconciliation.
type Controller struct {
	log  *slog.Logger
	mon  *qmp.Client
	sent uint64
	have bool
}

// New creates a Controller.
func New(log *slog.Logger, mon *qmp.Client) *Controller {
	return &Controller{log: log, mon: mon}
}

// Configure issues a balloon command if desired differs from the last
// value sent. It never suspends Configure.
func (c *Controller) Configure(desired memsize.Size) {
	target := desired.Bytes()
	if c.have && target == c.sent {
		return
	}
	c.mon.Balloon(target, "", "")
	c.sent = target
	c.have = true
}

// LastSent returns the last balloon value sent, for status reporting.
func (c *Controller) LastSent() uint64 { return c.sent }
