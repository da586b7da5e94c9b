package qmp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	goqemu "github.com/digitalocean/go-qemu/qmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdrupes-project/vm-runner/internal/bus"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func newTestClient(b *bus.Bus) *Client {
	return &Client{log: slog.New(slog.NewTextHandler(io.Discard, nil)), b: b}
}

func TestCommandMarshalsWithoutArguments(t *testing.T) {
	data, err := json.Marshal(command{Execute: "query-status"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"execute":"query-status"}`, string(data))
}

func TestCommandMarshalsWithArguments(t *testing.T) {
	data, err := json.Marshal(command{Execute: "balloon", Arguments: map[string]any{"value": 1073741824}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"execute":"balloon","arguments":{"value":1073741824}}`, string(data))
}

func TestResponseUnmarshalsError(t *testing.T) {
	var resp response
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"class":"GenericError","desc":"boom"}}`), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "GenericError", resp.Error.Class)
	assert.Equal(t, "boom", resp.Error.Desc)
}

func waitForEvent(t *testing.T, ch chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched event")
		return bus.Event{}
	}
}

func captureOne(eventType string) (*bus.Bus, chan bus.Event) {
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ch := make(chan bus.Event, 1)
	b.On(eventType, func(_ *bus.Bus, ev bus.Event) { ch <- ev })
	return b, ch
}

func TestDispatchEventPowerdown(t *testing.T) {
	b, ch := captureOne(bus.EventPowerdown)
	go b.Run(testContext(t))
	newTestClient(b).dispatchEvent("POWERDOWN", nil)
	waitForEvent(t, ch)
}

func TestDispatchEventTrayMoved(t *testing.T) {
	b, ch := captureOne(bus.EventTrayMoved)
	go b.Run(testContext(t))
	newTestClient(b).dispatchEvent("DEVICE_TRAY_MOVED", map[string]any{"device": "cd0", "tray-open": true})
	ev := waitForEvent(t, ch)
	moved := ev.Payload.(bus.TrayMoved)
	assert.Equal(t, "cd0", moved.Device)
	assert.True(t, moved.Open)
}

func TestDispatchEventVserportChange(t *testing.T) {
	b, ch := captureOne(bus.EventVserportChange)
	go b.Run(testContext(t))
	newTestClient(b).dispatchEvent("VSERPORT_CHANGE", map[string]any{"id": "channel0", "open": true})
	ev := waitForEvent(t, ch)
	change := ev.Payload.(bus.VserportChange)
	assert.Equal(t, "channel0", change.ID)
	assert.True(t, change.Open)
}

func TestDispatchEventCPUAddedAndDeleted(t *testing.T) {
	b, added := captureOne(bus.EventCPUAdded)
	_, deleted := captureOne(bus.EventCPUDeleted)
	b.On(bus.EventCPUDeleted, func(_ *bus.Bus, ev bus.Event) { deleted <- ev })
	go b.Run(testContext(t))

	c := newTestClient(b)
	c.dispatchEvent("CPU_ADDED", map[string]any{"id": "cpu-1"})
	ev := waitForEvent(t, added)
	assert.Equal(t, "cpu-1", ev.Payload.(bus.CPUHotplugEvent).ID)

	c.dispatchEvent("CPU_DELETED", map[string]any{"id": "cpu-2"})
	ev = waitForEvent(t, deleted)
	assert.Equal(t, "cpu-2", ev.Payload.(bus.CPUHotplugEvent).ID)
}

func TestDispatchEventSpiceConnectDisconnect(t *testing.T) {
	b, connected := captureOne(bus.EventSpiceConnected)
	disconnected := make(chan bus.Event, 1)
	b.On(bus.EventSpiceDisconnected, func(_ *bus.Bus, ev bus.Event) { disconnected <- ev })
	go b.Run(testContext(t))

	c := newTestClient(b)
	c.dispatchEvent("SPICE_CONNECTED", map[string]any{"client": map[string]any{"host": "10.0.0.1"}})
	ev := waitForEvent(t, connected)
	assert.Equal(t, "10.0.0.1", ev.Payload.(bus.SpiceConnection).Client)

	c.dispatchEvent("SPICE_DISCONNECTED", map[string]any{"client": map[string]any{"host": "10.0.0.1"}})
	ev = waitForEvent(t, disconnected)
	assert.Equal(t, "10.0.0.1", ev.Payload.(bus.SpiceConnection).Client)
}

func TestDispatchEventUnknownFallsThroughToRawEvent(t *testing.T) {
	b, ch := captureOne(bus.EventQMPEvent)
	go b.Run(testContext(t))
	newTestClient(b).dispatchEvent("SHUTDOWN", map[string]any{"guest": true})
	ev := waitForEvent(t, ch)
	raw := ev.Payload.(bus.QMPRawEvent)
	assert.Equal(t, "SHUTDOWN", raw.Name)
	assert.Equal(t, true, raw.Data["guest"])
}

// fakeTransport is an in-memory stand-in for *goqemu.SocketMonitor, used
// to exercise the submission queue and event pump without a real QEMU
// monitor socket.
type fakeTransport struct {
	events chan goqemu.Event

	mu   sync.Mutex
	run  func(cmd []byte) ([]byte, error)
	runs [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan goqemu.Event, 8)}
}

func (f *fakeTransport) Run(cmd []byte) ([]byte, error) {
	f.mu.Lock()
	f.runs = append(f.runs, cmd)
	run := f.run
	f.mu.Unlock()
	if run != nil {
		return run(cmd)
	}
	return []byte(`{"return":{}}`), nil
}

func (f *fakeTransport) Events() (<-chan goqemu.Event, error) {
	return f.events, nil
}

func (f *fakeTransport) Disconnect() error {
	close(f.events)
	return nil
}

func TestSubmitPublishesSuccessfulResult(t *testing.T) {
	b, ch := captureOne("test.reply")
	go b.Run(testContext(t))

	ft := newFakeTransport()
	ft.run = func(cmd []byte) ([]byte, error) {
		return []byte(`{"return":{"ok":true}}`), nil
	}

	c := NewWithTransport(slog.New(slog.NewTextHandler(io.Discard, nil)), b, ft)
	defer c.Close()

	c.Submit("query-status", nil, "test.reply", "test")

	ev := waitForEvent(t, ch)
	result := ev.Payload.(MonitorResult)
	assert.True(t, result.Successful)
	assert.Equal(t, "query-status", result.Execute)
	assert.JSONEq(t, `{"ok":true}`, string(result.Return))
}

func TestSubmitPublishesErrorResult(t *testing.T) {
	b, ch := captureOne("test.reply")
	go b.Run(testContext(t))

	ft := newFakeTransport()
	ft.run = func(cmd []byte) ([]byte, error) {
		return []byte(`{"error":{"class":"GenericError","desc":"nope"}}`), nil
	}

	c := NewWithTransport(slog.New(slog.NewTextHandler(io.Discard, nil)), b, ft)
	defer c.Close()

	c.Submit("device_del", map[string]any{"id": "cpu-1"}, "test.reply", "test")

	ev := waitForEvent(t, ch)
	result := ev.Payload.(MonitorResult)
	assert.False(t, result.Successful)
	assert.Equal(t, "nope", result.ErrMessage)
}

func TestSubmitCommandsRunInFIFOOrder(t *testing.T) {
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	replies := make(chan bus.Event, 8)
	b.On("test.reply", func(_ *bus.Bus, ev bus.Event) { replies <- ev })
	go b.Run(testContext(t))

	ft := newFakeTransport()

	c := NewWithTransport(slog.New(slog.NewTextHandler(io.Discard, nil)), b, ft)
	defer c.Close()

	c.Submit("cmd-a", nil, "test.reply", "test")
	c.Submit("cmd-b", nil, "test.reply", "test")
	c.Submit("cmd-c", nil, "test.reply", "test")

	var order []string
	for i := 0; i < 3; i++ {
		ev := waitForEvent(t, replies)
		order = append(order, ev.Payload.(MonitorResult).Execute)
	}
	assert.Equal(t, []string{"cmd-a", "cmd-b", "cmd-c"}, order)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Len(t, ft.runs, 3)
}
