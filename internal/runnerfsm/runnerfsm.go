// Package runnerfsm implements the runner's top-level state machine: the
// phases, the startup latch, the Configure dispatch, and the graceful
// shutdown sequence (spec §4.1, §4.2).
package runnerfsm

import (
	"log/slog"
	"time"

	"github.com/jdrupes-project/vm-runner/internal/bus"
	"github.com/jdrupes-project/vm-runner/internal/config"
)

// Phase is one of the runner's top-level lifecycle states.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseStarting     Phase = "Starting"
	PhaseBooting      Phase = "Booting"
	PhaseBooted       Phase = "Booted"
	PhaseRunning      Phase = "Running"
	PhaseTerminating  Phase = "Terminating"
	PhaseStopped      Phase = "Stopped"
)

// latchEntry names one precondition that must clear before QEMU may spawn.
type latchEntry string

const (
	latchConfig    latchEntry = "Config"
	latchTpm       latchEntry = "Tpm"
	latchCloudInit latchEntry = "CloudInit"
)

const stopSuspendID = "stop"
const configureSuspendPrefix = "configure:"

// Callbacks lets the machine delegate side effects (spawning processes,
// opening the QMP socket, etc.) to the rest of the wiring without this
// package importing every subsystem directly.
type Callbacks struct {
	SpawnTpm       func(cfg *config.Config) error
	BuildCloudInit func(cfg *config.Config) error
	SpawnQEMU      func(cfg *config.Config) error
	OpenQMP        func(cfg *config.Config) error
	SendCapabilities func()
	FireConfigure  func(cfg *config.Config, phase Phase)
	SendCont       func()
	SendPowerdown  func()
	CleanupRuntimeDir func()
	Exit           func(code int)
}

// Machine owns the current phase and drives transitions in response to
// bus events.
type Machine struct {
	log *slog.Logger
	b   *bus.Bus
	cb  Callbacks

	phase     Phase
	prepLatch map[latchEntry]bool
	cfg       *config.Config

	awaitingControllers map[string]bool

	powerdownConfirmTimer *time.Timer
	powerdownCompleteTimer *time.Timer
	powerdownStarted      time.Time

	exitCode int
}

// New creates a Machine in PhaseInitializing.
func New(log *slog.Logger, b *bus.Bus, cb Callbacks) *Machine {
	return &Machine{
		log:                 log,
		b:                   b,
		cb:                  cb,
		phase:               PhaseInitializing,
		prepLatch:           make(map[latchEntry]bool),
		awaitingControllers: make(map[string]bool),
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Register wires all of the machine's bus handlers.
func (m *Machine) Register() {
	m.b.On(bus.EventConfigLoaded, m.handleConfigLoaded)
	m.b.On(bus.EventConfigUpdated, m.handleConfigUpdated)
	m.b.On(bus.EventConfigError, m.handleConfigError)
	m.b.On(bus.EventProcessExited, m.handleProcessExited)
	m.b.On(bus.EventFileCreated, m.handleFileCreated)
	m.b.On(bus.EventQMPReady, m.handleQMPReady)
	m.b.On(bus.EventConfigureDone, m.handleConfigureDone)
	m.b.On(bus.EventControllerConverged, m.handleControllerConverged)
	m.b.On(bus.EventOsInfo, m.handleOsInfo)
	m.b.On(bus.EventStop, m.handleStop)
	m.b.On(bus.EventPowerdown, m.handlePowerdownConfirmed)
	m.b.On(bus.EventQMPClosed, m.handleQMPClosed)
	m.b.On(bus.EventExit, m.handleExit)
}

func (m *Machine) setPhase(p Phase) {
	if m.phase == p {
		return
	}
	from := m.phase
	m.phase = p
	m.b.Fire(bus.Event{Type: bus.EventPhaseChanged, Pipeline: "runner", Payload: bus.PhaseChange{From: string(from), To: string(p)}})
}

func (m *Machine) handleConfigLoaded(b *bus.Bus, ev bus.Event) {
	cfg, ok := ev.Payload.(*config.Config)
	if !ok {
		return
	}
	m.cfg = cfg
	m.startVM(cfg)
}

func (m *Machine) handleConfigUpdated(b *bus.Bus, ev bus.Event) {
	cfg, ok := ev.Payload.(*config.Config)
	if !ok {
		return
	}
	m.cfg = cfg
	if m.phase == PhaseRunning || m.phase == PhaseBooted {
		m.cb.FireConfigure(cfg, m.phase)
	}
}

func (m *Machine) handleConfigError(b *bus.Bus, ev bus.Event) {
	m.log.Error("configuration error, declining to start", "error", ev.Payload)
	m.fireStop(bus.StopReasonConfigError)
}

func (m *Machine) startVM(cfg *config.Config) {
	m.setPhase(PhaseStarting)

	m.prepLatch[latchConfig] = true
	if cfg.VM.UseTpm {
		m.prepLatch[latchTpm] = false
		if m.cb.SpawnTpm != nil {
			if err := m.cb.SpawnTpm(cfg); err != nil {
				m.log.Error("failed to spawn tpm", "error", err)
				m.fireStop(bus.StopReasonChildExit)
				return
			}
		}
	}
	if cfg.CloudInit != (config.CloudInit{}) {
		m.prepLatch[latchCloudInit] = false
		if m.cb.BuildCloudInit != nil {
			if err := m.cb.BuildCloudInit(cfg); err != nil {
				m.log.Error("failed to build cloud-init image", "error", err)
				m.fireStop(bus.StopReasonChildExit)
				return
			}
		}
	}

	m.maybeSpawnQEMU(cfg)
}

func (m *Machine) maybeSpawnQEMU(cfg *config.Config) {
	for entry, cleared := range m.prepLatch {
		if !cleared {
			m.log.Debug("prep latch still pending", "entry", entry)
			return
		}
	}
	if m.cb.SpawnQEMU == nil {
		return
	}
	if err := m.cb.SpawnQEMU(cfg); err != nil {
		m.log.Error("failed to spawn qemu", "error", err)
		m.fireStop(bus.StopReasonChildExit)
	}
}

// ClearLatch is called by the swtpm-socket / cloud-init-exit watchers to
// clear one prepLatch entry.
func (m *Machine) ClearLatch(entry string) {
	if m.phase != PhaseStarting {
		return
	}
	m.prepLatch[latchEntry(entry)] = true
	m.maybeSpawnQEMU(m.cfg)
}

func (m *Machine) handleFileCreated(b *bus.Bus, ev bus.Event) {
	// swtpm socket appearing clears the Tpm latch entry; wiring in
	// cmd/runner compares the path against the configured swtpm socket
	// and calls ClearLatch("Tpm") directly, so this handler is a no-op
	// placeholder kept for symmetry with the other phase-relevant events.
}

func (m *Machine) handleProcessExited(b *bus.Bus, ev bus.Event) {
	exited, ok := ev.Payload.(bus.ProcessExited)
	if !ok {
		return
	}

	switch m.phase {
	case PhaseStarting:
		if exited.Name == "cloudinit" && exited.ExitCode == 0 {
			m.ClearLatch(string(latchCloudInit))
			return
		}
		m.log.Error("child exited during Starting", "name", exited.Name, "code", exited.ExitCode)
		m.fireStop(bus.StopReasonChildExit)
	case PhaseRunning:
		if exited.Name == "qemu" {
			m.log.Error("qemu exited unexpectedly while Running", "code", exited.ExitCode)
			m.b.Fire(bus.Event{Type: bus.EventExit, Pipeline: "runner", Payload: exited.ExitCode})
			return
		}
		m.log.Warn("non-fatal child exit", "name", exited.Name, "code", exited.ExitCode)
	default:
		m.log.Warn("child exit", "name", exited.Name, "code", exited.ExitCode, "phase", m.phase)
	}
}

func (m *Machine) handleQMPReady(b *bus.Bus, ev bus.Event) {
	if m.cb.SendCapabilities != nil {
		m.cb.SendCapabilities()
	}
	if m.cb.FireConfigure != nil && m.cfg != nil {
		m.cb.FireConfigure(m.cfg, m.phase)
	}
}

func (m *Machine) handleConfigureDone(b *bus.Bus, ev bus.Event) {
	if m.phase != PhaseStarting {
		return
	}
	if m.cb.SendCont != nil {
		m.cb.SendCont()
	}
	m.setPhase(PhaseBooting)
}

func (m *Machine) handleOsInfo(b *bus.Bus, ev bus.Event) {
	if m.phase == PhaseBooting {
		m.setPhase(PhaseBooted)
	}
}

// AwaitConvergence registers the set of sub-controller names the machine
// must see EventControllerConverged from before declaring Running.
func (m *Machine) AwaitConvergence(names ...string) {
	for _, n := range names {
		m.awaitingControllers[n] = true
	}
}

func (m *Machine) handleControllerConverged(b *bus.Bus, ev bus.Event) {
	name, _ := ev.Payload.(string)
	delete(m.awaitingControllers, name)
	if (m.phase == PhaseBooted || m.phase == PhaseBooting) && len(m.awaitingControllers) == 0 {
		m.setPhase(PhaseRunning)
	}
}

func (m *Machine) handleStop(b *bus.Bus, ev bus.Event) {
	reason, _ := ev.Payload.(bus.StopReason)
	m.setPhase(PhaseTerminating)

	if m.cb.SendPowerdown == nil {
		m.finishStop()
		return
	}

	m.b.Suspend(stopSuspendID, func(*bus.Bus) { m.finishStop() })
	m.powerdownStarted = time.Now()
	m.cb.SendPowerdown()

	timeout := 10
	if m.cfg != nil && m.cfg.VM.PowerdownTimeout > 0 {
		timeout = m.cfg.VM.PowerdownTimeout
	}

	m.powerdownConfirmTimer = time.AfterFunc(1*time.Second, func() {
		m.log.Warn("qemu did not confirm powerdown within 1s, resuming stop", "reason", reason)
		m.b.FireAsync(bus.Event{Type: "runner.powerdown_timeout", Pipeline: "runner"})
	})
	m.b.On("runner.powerdown_timeout", func(b *bus.Bus, _ bus.Event) {
		b.Resume(stopSuspendID)
	})

	_ = timeout
}

func (m *Machine) handlePowerdownConfirmed(b *bus.Bus, ev bus.Event) {
	if m.powerdownConfirmTimer != nil {
		m.powerdownConfirmTimer.Stop()
	}
	timeout := 10
	if m.cfg != nil && m.cfg.VM.PowerdownTimeout > 0 {
		timeout = m.cfg.VM.PowerdownTimeout
	}
	deadline := m.powerdownStarted.Add(time.Duration(timeout) * time.Second)
	m.powerdownCompleteTimer = time.AfterFunc(time.Until(deadline), func() {
		m.b.FireAsync(bus.Event{Type: "runner.powerdown_complete_timeout", Pipeline: "runner"})
	})
	m.b.On("runner.powerdown_complete_timeout", func(b *bus.Bus, _ bus.Event) {
		b.Resume(stopSuspendID)
	})
}

func (m *Machine) handleQMPClosed(b *bus.Bus, ev bus.Event) {
	if m.phase == PhaseTerminating {
		b.Resume(stopSuspendID)
	}
}

func (m *Machine) finishStop() {
	if m.powerdownCompleteTimer != nil {
		m.powerdownCompleteTimer.Stop()
	}
	m.setPhase(PhaseStopped)
	if m.cb.CleanupRuntimeDir != nil {
		m.cb.CleanupRuntimeDir()
	}
	if m.cb.Exit != nil {
		m.cb.Exit(m.exitCode)
	}
}

func (m *Machine) fireStop(reason bus.StopReason) {
	m.b.Fire(bus.Event{Type: bus.EventStop, Pipeline: "runner", Payload: reason})
}

func (m *Machine) handleExit(b *bus.Bus, ev bus.Event) {
	code, _ := ev.Payload.(int)
	m.exitCode = code
	m.setPhase(PhaseTerminating)
	m.setPhase(PhaseStopped)
	if m.cb.CleanupRuntimeDir != nil {
		m.cb.CleanupRuntimeDir()
	}
	if m.cb.Exit != nil {
		m.cb.Exit(code)
	}
}
