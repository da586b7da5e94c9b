// Package qmp implements the bi-directional JSON-lines client to QEMU's
// monitor socket (spec §4.3). It wraps
// github.com/digitalocean/go-qemu/qmp.SocketMonitor — the teacher's own
// QMP transport, used in lib/hypervisor/qemu/qmp.go — which already
// performs capability negotiation on Connect and FIFO-correlates raw
// command/response pairs. This package adds the asynchronous,
// event-bus-facing layer the spec requires on top: commands are submitted
// without blocking the caller, executed one at a time in submission
// order by a dedicated goroutine, and their results are published back as
// MonitorResult events so sub-controllers never block waiting on QEMU.
package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goqemu "github.com/digitalocean/go-qemu/qmp"

	"github.com/jdrupes-project/vm-runner/internal/bus"
)

// MonitorResult is the typed outcome of one submitted command, per the
// error-handling taxonomy's item 3 (QMP protocol errors never abort the
// client; they are surfaced to the caller as a non-fatal result).
type MonitorResult struct {
	Execute    string
	Successful bool
	Return     json.RawMessage
	ErrMessage string
}

type command struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error"`
}

type submission struct {
	execute       string
	arguments     any
	replyEvent    string
	replyPipeline string
}

// transport is the subset of goqemu.SocketMonitor's API the client
// depends on. It exists so sub-controller tests can drive a Client over a
// fake transport instead of a real QEMU monitor socket; *goqemu.SocketMonitor
// satisfies it without any adaptation.
type transport interface {
	Run(cmd []byte) ([]byte, error)
	Events() (<-chan goqemu.Event, error)
	Disconnect() error
}

// Client is the runner's QMP connection.
type Client struct {
	log *slog.Logger
	b   *bus.Bus
	mon transport

	submit chan submission
	done   chan struct{}

	metrics *Metrics
}

// SetMetrics attaches OpenTelemetry counters. Optional; a nil Metrics
// leaves the client fully functional but uninstrumented.
func (c *Client) SetMetrics(m *Metrics) { c.metrics = m }

// Connect dials the QMP Unix socket, negotiates capabilities (handled
// internally by SocketMonitor.Connect), and starts the serialized
// command runner and the asynchronous event pump. The caller publishes
// EventQMPReady once it has finished wiring any components that depend
// on the returned Client, so no event-bus handler can observe the ready
// event before those components exist.
func Connect(socketPath string, connectTimeout time.Duration, log *slog.Logger, b *bus.Bus) (*Client, error) {
	mon, err := goqemu.NewSocketMonitor("unix", socketPath, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("qmp: create monitor for %s: %w", socketPath, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("qmp: connect to %s: %w", socketPath, err)
	}

	c := &Client{
		log:    log,
		b:      b,
		mon:    mon,
		submit: make(chan submission, 64),
		done:   make(chan struct{}),
	}

	go c.runCommands()
	go c.pumpEvents()

	return c, nil
}

// NewWithTransport builds a Client around an already-connected transport,
// skipping the Unix-socket dial and capability negotiation that Connect
// performs. It is exported for sub-controller tests (cpuctl, mediactl,
// ramctl, displayctl) that need a working Client without spawning a real
// QEMU process.
func NewWithTransport(log *slog.Logger, b *bus.Bus, t transport) *Client {
	c := &Client{
		log:    log,
		b:      b,
		mon:    t,
		submit: make(chan submission, 64),
		done:   make(chan struct{}),
	}

	go c.runCommands()
	go c.pumpEvents()

	return c
}

// Close disconnects the monitor. The event pump goroutine exits when the
// socket closes and publishes EventQMPClosed.
func (c *Client) Close() error {
	close(c.done)
	return c.mon.Disconnect()
}

// Submit enqueues a command for execution. Commands are run strictly in
// submission order (FIFO per socket, per spec §5's ordering guarantees).
// When the response arrives, a bus event of type replyEvent is fired on
// replyPipeline with a MonitorResult payload.
func (c *Client) Submit(execute string, arguments any, replyEvent, replyPipeline string) {
	c.submit <- submission{execute: execute, arguments: arguments, replyEvent: replyEvent, replyPipeline: replyPipeline}
}

func (c *Client) runCommands() {
	for s := range c.submit {
		result := c.runOne(s)
		if s.replyEvent != "" {
			c.b.FireAsync(bus.Event{Type: s.replyEvent, Pipeline: s.replyPipeline, Payload: result})
		}
	}
}

func (c *Client) runOne(s submission) MonitorResult {
	if c.metrics != nil {
		c.metrics.commandsTotal.Add(context.Background(), 1)
	}

	raw, err := json.Marshal(command{Execute: s.execute, Arguments: s.arguments})
	if err != nil {
		c.countError()
		return MonitorResult{Execute: s.execute, Successful: false, ErrMessage: err.Error()}
	}

	respRaw, err := c.mon.Run(raw)
	if err != nil {
		c.log.Warn("qmp command failed", "execute", s.execute, "error", err)
		c.countError()
		return MonitorResult{Execute: s.execute, Successful: false, ErrMessage: err.Error()}
	}

	var resp response
	if err := json.Unmarshal(respRaw, &resp); err != nil {
		c.countError()
		return MonitorResult{Execute: s.execute, Successful: false, ErrMessage: fmt.Sprintf("unmarshal response: %v", err)}
	}
	if resp.Error != nil {
		c.log.Info("qmp command returned error", "execute", s.execute, "class", resp.Error.Class, "desc", resp.Error.Desc)
		c.countError()
		return MonitorResult{Execute: s.execute, Successful: false, ErrMessage: resp.Error.Desc}
	}

	return MonitorResult{Execute: s.execute, Successful: true, Return: resp.Return}
}

func (c *Client) countError() {
	if c.metrics != nil {
		c.metrics.commandErrors.Add(context.Background(), 1)
	}
}

func (c *Client) pumpEvents() {
	events, err := c.mon.Events()
	if err != nil {
		c.log.Error("qmp: failed to subscribe to events", "error", err)
		c.b.FireAsync(bus.Event{Type: bus.EventQMPClosed, Pipeline: "qmp", Payload: err})
		return
	}

	for ev := range events {
		c.dispatchEvent(ev.Event, ev.Data)
	}
	c.b.FireAsync(bus.Event{Type: bus.EventQMPClosed, Pipeline: "qmp", Payload: error(nil)})
}

func (c *Client) dispatchEvent(name string, data map[string]any) {
	if c.metrics != nil {
		c.metrics.eventsTotal.Add(context.Background(), 1)
	}
	switch name {
	case "POWERDOWN":
		c.b.FireAsync(bus.Event{Type: bus.EventPowerdown, Pipeline: "qmp"})
	case "DEVICE_TRAY_MOVED":
		device, _ := data["device"].(string)
		state, _ := data["tray-open"].(bool)
		c.b.FireAsync(bus.Event{Type: bus.EventTrayMoved, Pipeline: "qmp", Payload: bus.TrayMoved{Device: device, Open: state}})
	case "VSERPORT_CHANGE":
		id, _ := data["id"].(string)
		open, _ := data["open"].(bool)
		c.b.FireAsync(bus.Event{Type: bus.EventVserportChange, Pipeline: "qmp", Payload: bus.VserportChange{ID: id, Open: open}})
	case "CPU_ADDED":
		id, _ := data["id"].(string)
		c.b.FireAsync(bus.Event{Type: bus.EventCPUAdded, Pipeline: "qmp", Payload: bus.CPUHotplugEvent{ID: id}})
	case "CPU_DELETED":
		id, _ := data["id"].(string)
		c.b.FireAsync(bus.Event{Type: bus.EventCPUDeleted, Pipeline: "qmp", Payload: bus.CPUHotplugEvent{ID: id}})
	case "SPICE_CONNECTED":
		client, _ := data["client"].(map[string]any)
		host, _ := client["host"].(string)
		c.b.FireAsync(bus.Event{Type: bus.EventSpiceConnected, Pipeline: "qmp", Payload: bus.SpiceConnection{Client: host}})
	case "SPICE_DISCONNECTED":
		client, _ := data["client"].(map[string]any)
		host, _ := client["host"].(string)
		c.b.FireAsync(bus.Event{Type: bus.EventSpiceDisconnected, Pipeline: "qmp", Payload: bus.SpiceConnection{Client: host}})
	default:
		c.b.FireAsync(bus.Event{Type: bus.EventQMPEvent, Pipeline: "qmp", Payload: bus.QMPRawEvent{Name: name, Data: data}})
	}
}
