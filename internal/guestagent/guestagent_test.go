package guestagent

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdrupes-project/vm-runner/internal/bus"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func waitForEvent(t *testing.T, ch chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

// serveOnce accepts a single connection, reads one JSON line, and replies
// with body.
func serveOnce(t *testing.T, socketPath, body string) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Scan()
		conn.Write([]byte(body + "\n"))
	}()
}

func TestFetchOsInfoPublishesOsInfoEvent(t *testing.T) {
	b := newTestBus(t)
	ch := make(chan bus.Event, 1)
	b.On(bus.EventOsInfo, func(_ *bus.Bus, ev bus.Event) { ch <- ev })

	socketPath := filepath.Join(t.TempDir(), "guest-agent.sock")
	serveOnce(t, socketPath, `{"return":{"name":"linux","version":"6.1"}}`)

	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, socketPath)
	c.FetchOsInfo(context.Background())

	ev := waitForEvent(t, ch)
	payload := ev.Payload.(map[string]any)
	assert.Equal(t, "linux", payload["name"])
}

func TestFetchOsInfoIsNonFatalWhenSocketMissing(t *testing.T) {
	b := newTestBus(t)
	ch := make(chan bus.Event, 1)
	b.On(bus.EventOsInfo, func(_ *bus.Bus, ev bus.Event) { ch <- ev })

	socketPath := filepath.Join(t.TempDir(), "does-not-exist.sock")
	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, socketPath)

	assert.NotPanics(t, func() { c.FetchOsInfo(context.Background()) })

	select {
	case <-ch:
		t.Fatal("expected no OsInfo event when the agent socket does not exist")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFetchOsInfoIsNonFatalOnAgentError(t *testing.T) {
	b := newTestBus(t)
	ch := make(chan bus.Event, 1)
	b.On(bus.EventOsInfo, func(_ *bus.Bus, ev bus.Event) { ch <- ev })

	socketPath := filepath.Join(t.TempDir(), "guest-agent.sock")
	serveOnce(t, socketPath, `{"error":{"desc":"not ready"}}`)

	c := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, socketPath)
	c.FetchOsInfo(context.Background())

	select {
	case <-ch:
		t.Fatal("expected no OsInfo event when the agent returns an error")
	case <-time.After(50 * time.Millisecond):
	}
}
