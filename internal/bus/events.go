package bus

// Event type constants. Payload shapes are documented per constant; the
// state machine and sub-controllers type-assert Event.Payload.
const (
	// EventConfigLoaded fires once when the configuration loader produces
	// its first valid configuration. Payload: *config.Config (as any to
	// avoid an import cycle; see runnerfsm for the concrete assertion).
	EventConfigLoaded = "config.loaded"

	// EventConfigUpdated carries a newer configuration snapshot to the
	// runner state machine. cmd/runner loads the file once and does not
	// fire it. Payload: same as EventConfigLoaded.
	EventConfigUpdated = "config.updated"

	// EventConfigError fires when the config file fails to parse or
	// validate. Payload: error.
	EventConfigError = "config.error"

	// EventFileChanged fires when a watched file's content is observed to
	// change. Payload: FileEvent.
	EventFileChanged = "file.changed"

	// EventFileCreated fires when a watched path comes into existence.
	// Payload: FileEvent.
	EventFileCreated = "file.created"

	// EventProcessExited fires when a supervised child process exits.
	// Payload: ProcessExited.
	EventProcessExited = "process.exited"

	// EventProcessLine fires once per line of a child's stdout/stderr.
	// Payload: ProcessLine.
	EventProcessLine = "process.line"

	// EventQMPReady fires once the QMP socket is open and capability
	// negotiation has completed. Payload: nil.
	EventQMPReady = "qmp.ready"

	// EventQMPClosed fires when the QMP connection closes, expectedly or
	// not. Payload: error (nil on a clean close).
	EventQMPClosed = "qmp.closed"

	// EventQMPEvent fires for every asynchronous QMP event not already
	// translated into one of the more specific events below. Payload:
	// QMPRawEvent.
	EventQMPEvent = "qmp.event"

	// EventPowerdown fires on QEMU's POWERDOWN confirmation. Payload: nil.
	EventPowerdown = "qmp.powerdown"

	// EventTrayMoved fires on DEVICE_TRAY_MOVED. Payload: TrayMoved.
	EventTrayMoved = "qmp.tray_moved"

	// EventVserportChange fires on VSERPORT_CHANGE. Payload: VserportChange.
	EventVserportChange = "qmp.vserport_change"

	// EventCPUAdded / EventCPUDeleted fire on CPU_ADDED / CPU_DELETED.
	// Payload: CPUHotplugEvent.
	EventCPUAdded   = "qmp.cpu_added"
	EventCPUDeleted = "qmp.cpu_deleted"

	// EventSpiceConnected / EventSpiceDisconnected fire on SPICE connect
	// events. Payload: SpiceConnection.
	EventSpiceConnected    = "qmp.spice_connected"
	EventSpiceDisconnected = "qmp.spice_disconnected"

	// EventOsInfo fires once the guest agent answers guest-get-osinfo.
	// Payload: map[string]any (the raw QMP "return" object).
	EventOsInfo = "guestagent.osinfo"

	// EventVmopAgentConnected fires on the VM-operator agent's 220 greeting.
	// Payload: nil.
	EventVmopAgentConnected = "vmop.connected"

	// EventVmopAgentLoggedIn / LoggedOut fire on 201/202 confirmations.
	// Payload: string (user name), "" for LoggedOut.
	EventVmopAgentLoggedIn  = "vmop.logged_in"
	EventVmopAgentLoggedOut = "vmop.logged_out"

	// EventStop requests a graceful shutdown. Payload: StopReason.
	EventStop = "runner.stop"

	// EventExit requests an immediate process exit. Payload: int (exit code).
	EventExit = "runner.exit"

	// EventPhaseChanged fires whenever the state machine advances phase.
	// Payload: PhaseChange.
	EventPhaseChanged = "runner.phase_changed"

	// EventControllerConverged fires when a sub-controller reports that
	// its slice of live state now matches the desired configuration.
	// Payload: string (controller name).
	EventControllerConverged = "runner.controller_converged"

	// EventConfigureDone fires once all Configure handlers have returned
	// for a given configuration, whether or not any of them suspended.
	// Payload: nil.
	EventConfigureDone = "runner.configure_done"
)

// FileEvent is the payload of EventFileChanged / EventFileCreated.
type FileEvent struct {
	Path string
}

// ProcessExited is the payload of EventProcessExited.
type ProcessExited struct {
	Name     string // logical name, e.g. "qemu", "swtpm", "cloudinit"
	Pid      int
	ExitCode int
	Err      error // non-nil if the process could not be waited on cleanly
}

// ProcessLine is the payload of EventProcessLine.
type ProcessLine struct {
	Name   string
	Stderr bool
	Line   string
}

// QMPRawEvent is the payload of EventQMPEvent.
type QMPRawEvent struct {
	Name string
	Data map[string]any
}

// TrayMoved is the payload of EventTrayMoved.
type TrayMoved struct {
	Device string
	Open   bool
}

// VserportChange is the payload of EventVserportChange.
type VserportChange struct {
	ID   string
	Open bool
}

// CPUHotplugEvent is the payload of EventCPUAdded / EventCPUDeleted.
type CPUHotplugEvent struct {
	ID string
}

// SpiceConnection is the payload of EventSpiceConnected / EventSpiceDisconnected.
type SpiceConnection struct {
	Client string
}

// StopReason is the payload of EventStop.
type StopReason string

const (
	StopReasonSignal       StopReason = "signal"
	StopReasonConfigError  StopReason = "config_error"
	StopReasonChildExit    StopReason = "child_exit"
	StopReasonQMPUnhealthy StopReason = "qmp_unhealthy"
)

// PhaseChange is the payload of EventPhaseChanged.
type PhaseChange struct {
	From string
	To   string
}
