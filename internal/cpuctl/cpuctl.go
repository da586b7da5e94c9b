// Package cpuctl reconciles the live vCPU count to the desired count by
// hot (un)plugging CPU devices over QMP (spec §4.4). It is the one
// sub-controller the state machine must suspend Configure for: the
// result of query-hotpluggable-cpus is needed before any device_add/
// device_del can be issued, and convergence is only known once QEMU
// confirms every add/remove with a CPU_ADDED/CPU_DELETED event.
package cpuctl

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jdrupes-project/vm-runner/internal/bus"
	"github.com/jdrupes-project/vm-runner/internal/qmp"
)

const (
	replyEventQueryResult = "cpuctl.query_result"
	pipeline              = "configure:cpu"
	peripheralPrefix      = "/machine/peripheral/cpu-"
)

var peripheralIDPattern = regexp.MustCompile(`^/machine/peripheral/cpu-(\d+)/`)

type hotpluggableCPU struct {
	Type    string         `json:"type"`
	VcpusID int            `json:"vcpus-count"`
	Props   map[string]any `json:"props"`
	QomPath string         `json:"qom-path,omitempty"`
}

// Controller owns CPU reconciliation.
type Controller struct {
	log *slog.Logger
	b   *bus.Bus
	mon *qmp.Client

	current int
	desired int
	suspendID string
}

// New creates a Controller. Call Register to wire its bus handlers, and
// SeedCurrent once QEMU has booted to tell it how many vCPUs were present
// at cold start.
func New(log *slog.Logger, b *bus.Bus, mon *qmp.Client) *Controller {
	return &Controller{log: log, b: b, mon: mon}
}

// SeedCurrent records the vCPU count QEMU was booted with, before any
// Configure call arrives. The boot template always starts QEMU with a
// single static vCPU ("-smp cpus=1,maxcpus=...") and relies on the first
// Configure to hotplug up to the desired count, so every reconciliation
// delta is attributable to a cpuctl-issued device_add/device_del rather
// than double-counting CPUs QEMU already started with.
func (c *Controller) SeedCurrent(n int) {
	c.current = n
}

// Register wires the controller's handlers onto the bus.
func (c *Controller) Register() {
	c.b.On(replyEventQueryResult, c.handleQueryResult)
	c.b.On(bus.EventCPUAdded, c.handleHotplugConfirm)
	c.b.On(bus.EventCPUDeleted, c.handleHotplugConfirm)
}

// Configure is called by the runner state machine on every Configure
// event with the desired and the currently known vCPU counts. If a
// reconciliation is needed it suspends id and returns true; the caller
// must not resume id itself, cpuctl does that once converged.
func (c *Controller) Configure(id string, desiredCpus, currentCpus int) (suspended bool) {
	c.desired = desiredCpus
	c.current = currentCpus

	if c.desired == c.current {
		return false
	}

	c.suspendID = id
	c.b.Suspend(id, func(*bus.Bus) {})
	c.mon.QueryHotpluggableCPUs(replyEventQueryResult, pipeline)
	return true
}

func (c *Controller) handleQueryResult(b *bus.Bus, ev bus.Event) {
	result, ok := ev.Payload.(qmp.MonitorResult)
	if !ok || !result.Successful {
		c.log.Warn("query-hotpluggable-cpus failed", "error", result.ErrMessage)
		c.resumeIfDone(b)
		return
	}

	var cpus []hotpluggableCPU
	if err := unmarshalReturn(result.Return, &cpus); err != nil {
		c.log.Warn("cpuctl: unparseable hotpluggable-cpus response", "error", err)
		c.resumeIfDone(b)
		return
	}

	delta := c.current - c.desired
	if delta > 0 {
		c.removeCPUs(cpus, delta)
	} else if delta < 0 {
		c.addCPUs(cpus, -delta)
	}
}

func (c *Controller) removeCPUs(cpus []hotpluggableCPU, count int) {
	removed := 0
	for _, cpu := range cpus {
		if removed >= count {
			break
		}
		if cpu.QomPath == "" {
			continue
		}
		m := peripheralIDPattern.FindStringSubmatch(cpu.QomPath)
		if m == nil {
			continue // board-fixed CPU, not removable
		}
		id := "cpu-" + m[1]
		c.mon.DeviceDel(id, "", "")
		removed++
	}
}

func (c *Controller) addCPUs(cpus []hotpluggableCPU, count int) {
	used := make(map[string]bool)
	for _, cpu := range cpus {
		if cpu.QomPath != "" {
			m := peripheralIDPattern.FindStringSubmatch(cpu.QomPath)
			if m != nil {
				used["cpu-"+m[1]] = true
			}
		}
	}

	unused := make([]hotpluggableCPU, 0, len(cpus))
	for _, cpu := range cpus {
		if cpu.QomPath == "" {
			unused = append(unused, cpu)
		}
	}

	added := 0
	n := 1
	for added < count && len(unused) > 0 {
		id := fmt.Sprintf("cpu-%d", n)
		n++
		if used[id] {
			continue
		}
		entry := unused[0]
		unused = unused[1:]
		c.mon.DeviceAdd(entry.Type, id, entry.Props, "", "")
		added++
	}
}

func (c *Controller) handleHotplugConfirm(b *bus.Bus, ev bus.Event) {
	switch ev.Type {
	case bus.EventCPUAdded:
		c.current++
	case bus.EventCPUDeleted:
		c.current--
	}
	c.resumeIfDone(b)
}

func (c *Controller) resumeIfDone(b *bus.Bus) {
	if c.current != c.desired {
		return
	}
	if c.suspendID == "" {
		return
	}
	id := c.suspendID
	c.suspendID = ""
	b.Resume(id)
	b.Fire(bus.Event{Type: bus.EventControllerConverged, Pipeline: pipeline, Payload: "cpu"})
}

// Current returns the last-known vCPU count, for status reporting.
func (c *Controller) Current() int { return c.current }

func unmarshalReturn(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
