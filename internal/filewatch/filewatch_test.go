package filewatch

import (
	"context"
	"io"
	"log/slog"
	"os"
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
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for filewatch event")
		return bus.Event{}
	}
}

func TestWatchExistingFileFiresChangedOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("initial"), 0o644))

	b := newTestBus(t)
	ch := make(chan bus.Event, 1)
	b.On(bus.EventFileChanged, func(_ *bus.Bus, ev bus.Event) { ch <- ev })

	w, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Add(path))
	go w.Run()

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))

	ev := waitForEvent(t, ch)
	assert.Equal(t, path, ev.Payload.(bus.FileEvent).Path)
}

func TestWatchMissingFileFiresCreatedWhenItAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guest-agent.sock")

	b := newTestBus(t)
	ch := make(chan bus.Event, 1)
	b.On(bus.EventFileCreated, func(_ *bus.Bus, ev bus.Event) { ch <- ev })

	w, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Add(path))
	go w.Run()

	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	ev := waitForEvent(t, ch)
	assert.Equal(t, path, ev.Payload.(bus.FileEvent).Path)
}

func TestWatchIgnoresOtherFilesInTheSameWatchedDirectory(t *testing.T) {
	dir := t.TempDir()
	tracked := filepath.Join(dir, "vmop-agent.sock")
	untracked := filepath.Join(dir, "other.sock")

	b := newTestBus(t)
	ch := make(chan bus.Event, 1)
	b.On(bus.EventFileCreated, func(_ *bus.Bus, ev bus.Event) { ch <- ev })

	w, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b)
	require.NoError(t, err)
	defer w.Close()

	// tracked does not exist yet, so Add watches the parent directory;
	// both files below land under that same directory watch.
	require.NoError(t, w.Add(tracked))
	go w.Run()

	require.NoError(t, os.WriteFile(untracked, []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(tracked, []byte("a"), 0o644))

	ev := waitForEvent(t, ch)
	assert.Equal(t, tracked, ev.Payload.(bus.FileEvent).Path)
}

func TestParentDirFallsBackToRootWhenNoSlash(t *testing.T) {
	assert.Equal(t, "/", parentDir("noleadingslash"))
}
