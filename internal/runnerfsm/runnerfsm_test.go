package runnerfsm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdrupes-project/vm-runner/internal/bus"
	"github.com/jdrupes-project/vm-runner/internal/config"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartVMWithNoTpmOrCloudInitSpawnsQEMUDirectly(t *testing.T) {
	b := newTestBus(t)

	spawned := make(chan *config.Config, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SpawnQEMU: func(cfg *config.Config) error { spawned <- cfg; return nil },
	})
	m.Register()

	cfg := &config.Config{}
	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: cfg})

	assert.Equal(t, PhaseStarting, m.Phase())
	select {
	case got := <-spawned:
		assert.Same(t, cfg, got)
	default:
		t.Fatal("expected SpawnQEMU to be called")
	}
}

func TestStartVMWaitsForTpmLatchBeforeSpawningQEMU(t *testing.T) {
	b := newTestBus(t)

	spawned := make(chan struct{}, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SpawnTpm:  func(cfg *config.Config) error { return nil },
		SpawnQEMU: func(cfg *config.Config) error { spawned <- struct{}{}; return nil },
	})
	m.Register()

	cfg := &config.Config{}
	cfg.VM.UseTpm = true
	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: cfg})

	select {
	case <-spawned:
		t.Fatal("QEMU must not spawn before the Tpm latch clears")
	default:
	}

	m.ClearLatch("Tpm")

	select {
	case <-spawned:
	default:
		t.Fatal("expected SpawnQEMU to be called once the Tpm latch cleared")
	}
}

func TestSpawnTpmFailureStopsTheMachine(t *testing.T) {
	b := newTestBus(t)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SpawnTpm: func(cfg *config.Config) error { return assert.AnError },
	})
	m.Register()

	cfg := &config.Config{}
	cfg.VM.UseTpm = true
	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: cfg})

	assert.Equal(t, PhaseStopped, m.Phase())
}

func TestQMPReadySendsCapabilitiesAndFiresConfigure(t *testing.T) {
	b := newTestBus(t)

	var capsSent bool
	var configuredPhase Phase
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SendCapabilities: func() { capsSent = true },
		FireConfigure:    func(cfg *config.Config, phase Phase) { configuredPhase = phase },
	})
	m.Register()

	cfg := &config.Config{}
	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: cfg})
	b.Fire(bus.Event{Type: bus.EventQMPReady})

	assert.True(t, capsSent)
	assert.Equal(t, PhaseStarting, configuredPhase)
}

func TestConfigureDoneTransitionsToBootingAndSendsCont(t *testing.T) {
	b := newTestBus(t)

	var contSent bool
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SendCont: func() { contSent = true },
	})
	m.Register()

	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: &config.Config{}})
	b.Fire(bus.Event{Type: bus.EventConfigureDone})

	assert.True(t, contSent)
	assert.Equal(t, PhaseBooting, m.Phase())
}

func TestOsInfoTransitionsBootingToBooted(t *testing.T) {
	b := newTestBus(t)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{})
	m.Register()

	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: &config.Config{}})
	b.Fire(bus.Event{Type: bus.EventConfigureDone})
	b.Fire(bus.Event{Type: bus.EventOsInfo})

	assert.Equal(t, PhaseBooted, m.Phase())
}

func TestControllerConvergenceReachesRunningOnlyAfterAllConverge(t *testing.T) {
	b := newTestBus(t)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{})
	m.Register()
	m.AwaitConvergence("cpu", "ram")

	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: &config.Config{}})
	b.Fire(bus.Event{Type: bus.EventConfigureDone})
	b.Fire(bus.Event{Type: bus.EventOsInfo})

	b.Fire(bus.Event{Type: bus.EventControllerConverged, Payload: "cpu"})
	assert.Equal(t, PhaseBooted, m.Phase())

	b.Fire(bus.Event{Type: bus.EventControllerConverged, Payload: "ram"})
	assert.Equal(t, PhaseRunning, m.Phase())
}

func TestQemuExitWhileRunningFiresExitAndStops(t *testing.T) {
	b := newTestBus(t)

	var cleanedUp bool
	var exitCode int
	exitCalled := make(chan struct{}, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		CleanupRuntimeDir: func() { cleanedUp = true },
		Exit:              func(code int) { exitCode = code; exitCalled <- struct{}{} },
	})
	m.Register()
	m.AwaitConvergence()

	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: &config.Config{}})
	b.Fire(bus.Event{Type: bus.EventConfigureDone})
	b.Fire(bus.Event{Type: bus.EventOsInfo})
	b.Fire(bus.Event{Type: bus.EventControllerConverged, Payload: "cpu"})
	require.Equal(t, PhaseRunning, m.Phase())

	b.Fire(bus.Event{Type: bus.EventProcessExited, Payload: bus.ProcessExited{Name: "qemu", ExitCode: 1}})

	<-exitCalled
	assert.Equal(t, PhaseStopped, m.Phase())
	assert.Equal(t, 1, exitCode)
	assert.True(t, cleanedUp)
}

func TestStopWithoutPowerdownCallbackFinishesImmediately(t *testing.T) {
	b := newTestBus(t)

	exitCalled := make(chan struct{}, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		Exit: func(code int) { exitCalled <- struct{}{} },
	})
	m.Register()

	b.Fire(bus.Event{Type: bus.EventStop, Payload: bus.StopReasonConfigError})

	<-exitCalled
	assert.Equal(t, PhaseStopped, m.Phase())
}

func TestStopSendsPowerdownAndFinishesOnQMPClosed(t *testing.T) {
	b := newTestBus(t)

	var powerdownSent bool
	exitCalled := make(chan struct{}, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SendPowerdown: func() { powerdownSent = true },
		Exit:          func(code int) { exitCalled <- struct{}{} },
	})
	m.Register()

	b.Fire(bus.Event{Type: bus.EventStop, Payload: bus.StopReasonSignal})
	assert.True(t, powerdownSent)
	assert.Equal(t, PhaseTerminating, m.Phase())

	b.Fire(bus.Event{Type: bus.EventPowerdown})
	b.Fire(bus.Event{Type: bus.EventQMPClosed})

	<-exitCalled
	assert.Equal(t, PhaseStopped, m.Phase())
}

func TestConfigErrorTriggersStop(t *testing.T) {
	b := newTestBus(t)
	exitCalled := make(chan struct{}, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		Exit: func(code int) { exitCalled <- struct{}{} },
	})
	m.Register()

	b.Fire(bus.Event{Type: bus.EventConfigError, Payload: assert.AnError})

	<-exitCalled
	assert.Equal(t, PhaseStopped, m.Phase())
}

func TestPowerdownConfirmTimeoutResumesStop(t *testing.T) {
	b := newTestBus(t)
	exitCalled := make(chan struct{}, 1)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		SendPowerdown: func() {},
		Exit:          func(code int) { exitCalled <- struct{}{} },
	})
	m.Register()

	b.Fire(bus.Event{Type: bus.EventStop, Payload: bus.StopReasonSignal})

	// No POWERDOWN confirmation arrives; the 1s confirm timer should
	// resume the stop on its own.
	select {
	case <-exitCalled:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the powerdown confirm timeout to resume stop")
	}
	assert.Equal(t, PhaseStopped, m.Phase())
}

func TestConfigUpdatedReconfiguresWhileRunning(t *testing.T) {
	b := newTestBus(t)

	configureCalls := make(chan Phase, 4)
	m := New(slog.New(slog.NewTextHandler(io.Discard, nil)), b, Callbacks{
		FireConfigure: func(cfg *config.Config, phase Phase) { configureCalls <- phase },
	})
	m.Register()
	m.AwaitConvergence()

	b.Fire(bus.Event{Type: bus.EventConfigLoaded, Payload: &config.Config{}})
	b.Fire(bus.Event{Type: bus.EventConfigureDone})
	b.Fire(bus.Event{Type: bus.EventOsInfo})
	b.Fire(bus.Event{Type: bus.EventControllerConverged, Payload: "cpu"})
	require.Equal(t, PhaseRunning, m.Phase())

	updated := &config.Config{}
	updated.VM.CurrentCpus = 4
	b.Fire(bus.Event{Type: bus.EventConfigUpdated, Payload: updated})

	waitFor(t, func() bool { return len(configureCalls) > 0 })
	assert.Equal(t, PhaseRunning, <-configureCalls)
}
