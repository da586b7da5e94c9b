package ramctl

import (
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
	"github.com/jdrupes-project/vm-runner/internal/memsize"
	"github.com/jdrupes-project/vm-runner/internal/qmp"
)

// assertEventually polls until the fake transport has recorded n commands,
// since Configure hands the balloon command to the client's asynchronous
// submission queue rather than running it inline.
func assertEventually(t *testing.T, ft *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ft.commands()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commands, got %d", n, len(ft.commands()))
}

type fakeTransport struct {
	events chan goqemu.Event

	mu   sync.Mutex
	cmds []map[string]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan goqemu.Event, 8)}
}

func (f *fakeTransport) Run(cmd []byte) ([]byte, error) {
	var decoded map[string]any
	if err := json.Unmarshal(cmd, &decoded); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cmds = append(f.cmds, decoded)
	f.mu.Unlock()
	return []byte(`{"return":{}}`), nil
}

func (f *fakeTransport) Events() (<-chan goqemu.Event, error) { return f.events, nil }
func (f *fakeTransport) Disconnect() error                    { close(f.events); return nil }

func (f *fakeTransport) commands() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.cmds...)
}

func newTestClient() (*qmp.Client, *fakeTransport) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(log)
	ft := newFakeTransport()
	return qmp.NewWithTransport(log, b, ft), ft
}

func TestConfigureSendsBalloonOnFirstCall(t *testing.T) {
	mon, ft := newTestClient()
	defer mon.Close()

	size, err := memsize.Parse("2GiB")
	require.NoError(t, err)

	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mon)
	c.Configure(size)

	assertEventually(t, ft, 1)
	cmds := ft.commands()
	assert.Equal(t, "balloon", cmds[0]["execute"])
	assert.Equal(t, float64(size.Bytes()), cmds[0]["arguments"].(map[string]any)["value"])
	assert.Equal(t, size.Bytes(), c.LastSent())
}

func TestConfigureRepeatingSameValueIsNoop(t *testing.T) {
	mon, ft := newTestClient()
	defer mon.Close()

	size, err := memsize.Parse("2GiB")
	require.NoError(t, err)

	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mon)
	c.Configure(size)
	assertEventually(t, ft, 1)

	c.Configure(size)
	assertEventually(t, ft, 1)

	assert.Len(t, ft.commands(), 1)
}

func TestConfigureChangingValueSendsAgain(t *testing.T) {
	mon, ft := newTestClient()
	defer mon.Close()

	first, err := memsize.Parse("2GiB")
	require.NoError(t, err)
	second, err := memsize.Parse("4GiB")
	require.NoError(t, err)

	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mon)
	c.Configure(first)
	assertEventually(t, ft, 1)

	c.Configure(second)
	assertEventually(t, ft, 2)

	cmds := ft.commands()
	assert.Equal(t, float64(second.Bytes()), cmds[1]["arguments"].(map[string]any)["value"])
	assert.Equal(t, second.Bytes(), c.LastSent())
}
