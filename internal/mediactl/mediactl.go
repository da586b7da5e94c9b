// Package mediactl opens trays, ejects, and swaps CD-ROM ISO files,
// tracking pending/current state per drive (spec §4.6).
package mediactl

import (
	"log/slog"

	"github.com/jdrupes-project/vm-runner/internal/bus"
	"github.com/jdrupes-project/vm-runner/internal/qmp"
)

// TrayState is a drive's last-known tray position.
type TrayState int

const (
	TrayClosed TrayState = iota
	TrayOpen
)

type driveState struct {
	current string
	pending string
	hasPending bool
	tray    TrayState
}

// Controller owns per-drive removable media reconciliation.
type Controller struct {
	log    *slog.Logger
	b      *bus.Bus
	mon    *qmp.Client
	drives map[string]*driveState
}

// New creates a Controller. Register wires its bus handler.
func New(log *slog.Logger, b *bus.Bus, mon *qmp.Client) *Controller {
	return &Controller{log: log, b: b, mon: mon, drives: make(map[string]*driveState)}
}

// Register wires the DEVICE_TRAY_MOVED handler onto the bus.
func (c *Controller) Register() {
	c.b.On(bus.EventTrayMoved, c.handleTrayMoved)
}

func (c *Controller) state(id string) *driveState {
	s, ok := c.drives[id]
	if !ok {
		s = &driveState{tray: TrayClosed}
		c.drives[id] = s
	}
	return s
}

// Configure reconciles one drive's desired file. During Starting, the
// current value is simply recorded with no QMP traffic, since QEMU has
// not yet been given a chance to report its initial tray state.
func (c *Controller) Configure(id, desiredFile string, starting bool) {
	s := c.state(id)

	if starting {
		s.current = desiredFile
		return
	}

	if desiredFile == s.current {
		return
	}

	s.pending = desiredFile
	s.hasPending = true

	if s.tray == TrayClosed {
		c.mon.BlockdevOpenTray(id, "", "")
	}
}

func (c *Controller) handleTrayMoved(b *bus.Bus, ev bus.Event) {
	moved, ok := ev.Payload.(bus.TrayMoved)
	if !ok {
		return
	}
	s := c.drives[moved.Device]
	if s == nil {
		return
	}

	if moved.Open {
		s.tray = TrayOpen
	} else {
		s.tray = TrayClosed
	}

	if moved.Open && s.hasPending {
		if s.pending != "" {
			c.mon.BlockdevChangeMedium(moved.Device, s.pending, "", "", "")
		} else {
			c.mon.BlockdevRemoveMedium(moved.Device, "", "")
		}
		s.current = s.pending
		s.pending = ""
		s.hasPending = false
	}
}

// Current returns the last-applied file for a drive, for status reporting.
func (c *Controller) Current(id string) string {
	if s, ok := c.drives[id]; ok {
		return s.current
	}
	return ""
}
