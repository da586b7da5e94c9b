// Package paths centralizes path construction for the runner's persistent
// data directory and ephemeral runtime directory (spec §6).
//
// Directory structure:
//
//	{dataDir}/
//	  uuid.txt       VM UUID, generated once, never regenerated
//	  VM.ftl.yaml    rendered QEMU command-line template
//	  fw-vars.fd     per-VM firmware variables file
//
//	{runtimeDir}/
//	  runner.pid
//	  <procname>.pid per child process
//	  monitor.sock   QMP socket
//	  swtpm-sock     swtpm control socket
//	  guest-agent.sock
//	  vmop-agent.sock
//	  ticket.txt     SPICE ticket, if present
package paths

import "path/filepath"

// Paths provides typed path construction for one VM's data and runtime
// directories.
type Paths struct {
	dataDir    string
	runtimeDir string
}

// New creates a Paths for the given data and runtime directories.
func New(dataDir, runtimeDir string) *Paths {
	return &Paths{dataDir: dataDir, runtimeDir: runtimeDir}
}

// DataDir returns the root persistent directory.
func (p *Paths) DataDir() string { return p.dataDir }

// RuntimeDir returns the root ephemeral directory.
func (p *Paths) RuntimeDir() string { return p.runtimeDir }

// UUIDFile returns the path to the persisted VM UUID.
func (p *Paths) UUIDFile() string { return filepath.Join(p.dataDir, "uuid.txt") }

// Template returns the path to the rendered QEMU command-line template.
func (p *Paths) Template() string { return filepath.Join(p.dataDir, "VM.ftl.yaml") }

// FirmwareVars returns the path to the per-VM firmware variables file.
func (p *Paths) FirmwareVars() string { return filepath.Join(p.dataDir, "fw-vars.fd") }

// RunnerPidFile returns the path to the runner's own pid file.
func (p *Paths) RunnerPidFile() string { return filepath.Join(p.runtimeDir, "runner.pid") }

// ChildPidFile returns the pid file path for a named child process.
func (p *Paths) ChildPidFile(name string) string {
	return filepath.Join(p.runtimeDir, name+".pid")
}

// MonitorSocket returns the default QMP socket path.
func (p *Paths) MonitorSocket() string { return filepath.Join(p.runtimeDir, "monitor.sock") }

// SwtpmSocket returns the default swtpm control socket path.
func (p *Paths) SwtpmSocket() string { return filepath.Join(p.runtimeDir, "swtpm-sock") }

// GuestAgentSocket returns the default guest-agent virtio-serial socket path.
func (p *Paths) GuestAgentSocket() string {
	return filepath.Join(p.runtimeDir, "guest-agent.sock")
}

// VmopAgentSocket returns the default VM-operator agent virtio-serial socket path.
func (p *Paths) VmopAgentSocket() string {
	return filepath.Join(p.runtimeDir, "vmop-agent.sock")
}

// Ticket returns the path to the persisted SPICE ticket.
func (p *Paths) Ticket() string { return filepath.Join(p.runtimeDir, "ticket.txt") }

// CloudInitISO returns the path to the generated cloud-init ISO image.
func (p *Paths) CloudInitISO() string { return filepath.Join(p.runtimeDir, "cloud-init.iso") }
