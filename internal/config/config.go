// Package config loads and validates the runner's YAML configuration
// file; each Load call returns a fresh snapshot, and the package itself
// neither watches nor reloads the file (spec §4.11, §6), modeled on the teacher's env-var
// config loader (cmd/api/config/config.go) but reading a YAML document
// via github.com/ghodss/yaml since spec §6 mandates a file, not
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/google/uuid"

	"github.com/jdrupes-project/vm-runner/internal/memsize"
)

// Firmware identifies one of the five supported firmware variants.
type Firmware string

const (
	FirmwareBIOS       Firmware = "bios"
	FirmwareUEFI       Firmware = "uefi"
	FirmwareUEFI4M     Firmware = "uefi-4m"
	FirmwareSecure     Firmware = "secure"
	FirmwareSecure4M   Firmware = "secure-4m"
)

// VMState is the declared desired power state.
type VMState string

const (
	VMStateRunning VMState = "Running"
	VMStateStopped VMState = "Stopped"
)

// Drive describes one block device attached to the VM.
type Drive struct {
	Type      string `json:"type"`
	BootIndex *int   `json:"bootindex,omitempty"`
	Device    string `json:"device"`
	File      string `json:"file,omitempty"`
}

// NetworkInterface describes one network device.
type NetworkInterface struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	MAC    string `json:"mac,omitempty"`
	Bridge string `json:"bridge,omitempty"`
}

// SpiceDisplay describes the SPICE display configuration.
type SpiceDisplay struct {
	Port          int    `json:"port"`
	USBRedirects  int    `json:"usbRedirects,omitempty"`
	Ticket        string `json:"ticket,omitempty"`
	ProxyURL      string `json:"proxyUrl,omitempty"`
	Server        string `json:"server,omitempty"`
	LoginUser     string `json:"loginUser,omitempty"`
	LoginFile     string `json:"loginFile,omitempty"`
	PasswordFile  string `json:"passwordFile,omitempty"`
	ExpiryFile    string `json:"expiryFile,omitempty"`
}

// Display wraps the display sub-configuration.
type Display struct {
	Spice SpiceDisplay `json:"spice"`
}

// VM is the `vm` subsection of the config file.
type VM struct {
	Name            string             `json:"name"`
	UUID            string             `json:"uuid,omitempty"`
	UseTpm          bool               `json:"useTpm"`
	BootMenu        bool               `json:"bootMenu"`
	Firmware        Firmware           `json:"firmware"`
	MaximumRam      memsize.Size       `json:"maximumRam"`
	CurrentRam      memsize.Size       `json:"currentRam"`
	CPUModel        string             `json:"cpuModel"`
	MaximumCpus     int                `json:"maximumCpus"`
	CurrentCpus     int                `json:"currentCpus"`
	CPUSockets      int                `json:"cpuSockets,omitempty"`
	DiesPerSocket   int                `json:"diesPerSocket,omitempty"`
	CoresPerDie     int                `json:"coresPerDie,omitempty"`
	ThreadsPerCore  int                `json:"threadsPerCore,omitempty"`
	Accelerator     string             `json:"accelerator,omitempty"`
	RtcBase         string             `json:"rtcBase,omitempty"`
	RtcClock        string             `json:"rtcClock,omitempty"`
	PowerdownTimeout int               `json:"powerdownTimeout"`
	Network         []NetworkInterface `json:"network,omitempty"`
	Drives          []Drive            `json:"drives,omitempty"`
	Display         Display            `json:"display,omitempty"`
	State           VMState            `json:"state"`
	ResetCount      int                `json:"resetCount"`
	Pools           []string           `json:"pools,omitempty"`
	Permissions     []string           `json:"permissions,omitempty"`
}

// CloudInit is the optional cloud-init seed configuration.
type CloudInit struct {
	MetaData      string `json:"metaData,omitempty"`
	UserData      string `json:"userData,omitempty"`
	NetworkConfig string `json:"networkConfig,omitempty"`
}

// Config is the fully parsed, defaulted, and validated configuration
// snapshot, immutable once built; a reload produces a new instance.
type Config struct {
	DataDir        string    `json:"dataDir"`
	RuntimeDir     string    `json:"runtimeDir"`
	Template       string    `json:"template,omitempty"`
	UpdateTemplate bool      `json:"updateTemplate,omitempty"`
	SwtpmSocket    string    `json:"swtpmSocket,omitempty"`
	MonitorSocket  string    `json:"monitorSocket,omitempty"`
	CloudInit      CloudInit `json:"cloudInit,omitempty"`
	VM             VM        `json:"vm"`

	// AsOf is the mtime of the config file this snapshot was loaded from.
	AsOf time.Time `json:"-"`
	// HasDisplayPassword reports whether VM.Display.Spice.PasswordFile
	// exists on disk at load time.
	HasDisplayPassword bool `json:"-"`
}

// firmwarePaths is the built-in table of candidate ROM/VARS paths per
// firmware variant (spec §6). The first existing path in each list wins.
var firmwarePaths = map[Firmware]struct {
	ROM  []string
	Vars []string
}{
	FirmwareBIOS: {
		ROM: []string{"/usr/share/seabios/bios-256k.bin", "/usr/share/qemu/bios-256k.bin"},
	},
	FirmwareUEFI: {
		ROM:  []string{"/usr/share/OVMF/OVMF_CODE.fd", "/usr/share/edk2/ovmf/OVMF_CODE.fd"},
		Vars: []string{"/usr/share/OVMF/OVMF_VARS.fd", "/usr/share/edk2/ovmf/OVMF_VARS.fd"},
	},
	FirmwareUEFI4M: {
		ROM:  []string{"/usr/share/OVMF/OVMF_CODE_4M.fd", "/usr/share/edk2/ovmf/OVMF_CODE_4M.fd"},
		Vars: []string{"/usr/share/OVMF/OVMF_VARS_4M.fd", "/usr/share/edk2/ovmf/OVMF_VARS_4M.fd"},
	},
	FirmwareSecure: {
		ROM:  []string{"/usr/share/OVMF/OVMF_CODE.secboot.fd", "/usr/share/edk2/ovmf/OVMF_CODE.secboot.fd"},
		Vars: []string{"/usr/share/OVMF/OVMF_VARS.secboot.fd", "/usr/share/edk2/ovmf/OVMF_VARS.secboot.fd"},
	},
	FirmwareSecure4M: {
		ROM:  []string{"/usr/share/OVMF/OVMF_CODE_4M.secboot.fd", "/usr/share/edk2/ovmf/OVMF_CODE_4M.secboot.fd"},
		Vars: []string{"/usr/share/OVMF/OVMF_VARS_4M.secboot.fd", "/usr/share/edk2/ovmf/OVMF_VARS_4M.secboot.fd"},
	},
}

// ResolveFirmware returns the first existing ROM path and VARS path
// candidate for the given variant. Firmware variants without a mutable
// vars file (bios) return an empty vars path.
func ResolveFirmware(fw Firmware) (rom string, vars string, err error) {
	candidates, ok := firmwarePaths[fw]
	if !ok {
		return "", "", fmt.Errorf("config: unknown firmware variant %q", fw)
	}
	rom, err = firstExisting(candidates.ROM)
	if err != nil {
		return "", "", fmt.Errorf("config: no ROM candidate found for firmware %q: %w", fw, err)
	}
	if len(candidates.Vars) > 0 {
		vars, err = firstExisting(candidates.Vars)
		if err != nil {
			return "", "", fmt.Errorf("config: no VARS candidate found for firmware %q: %w", fw, err)
		}
	}
	return rom, vars, nil
}

func firstExisting(candidates []string) (string, error) {
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("none of %v exist", candidates)
}

// Load reads, defaults, and validates the YAML config file at path. It
// creates the runtime and data directories if missing and persists a
// freshly generated UUID when one is not already present (spec §4.11, §8
// UUID-stability invariant).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.AsOf = info.ModTime()

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create data dir %s: %w", cfg.DataDir, err)
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create runtime dir %s: %w", cfg.RuntimeDir, err)
	}

	if err := ensureUUID(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.VM.Display.Spice.PasswordFile != "" {
		if _, err := os.Stat(cfg.VM.Display.Spice.PasswordFile); err == nil {
			cfg.HasDisplayPassword = true
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.VM.PowerdownTimeout == 0 {
		cfg.VM.PowerdownTimeout = 10
	}
	if cfg.VM.Firmware == "" {
		cfg.VM.Firmware = FirmwareBIOS
	}
	if cfg.VM.State == "" {
		cfg.VM.State = VMStateRunning
	}
	if cfg.VM.MaximumCpus == 0 {
		cfg.VM.MaximumCpus = cfg.VM.CurrentCpus
	}
	if cfg.SwtpmSocket == "" && cfg.RuntimeDir != "" {
		cfg.SwtpmSocket = filepath.Join(cfg.RuntimeDir, "swtpm-sock")
	}
	if cfg.MonitorSocket == "" && cfg.RuntimeDir != "" {
		cfg.MonitorSocket = filepath.Join(cfg.RuntimeDir, "monitor.sock")
	}
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.VM.Name == "" {
		errs = append(errs, "vm.name is mandatory")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is mandatory")
	}
	if cfg.RuntimeDir == "" {
		errs = append(errs, "runtimeDir is mandatory")
	}
	if cfg.VM.CurrentCpus > cfg.VM.MaximumCpus {
		errs = append(errs, fmt.Sprintf("vm.currentCpus (%d) exceeds vm.maximumCpus (%d)", cfg.VM.CurrentCpus, cfg.VM.MaximumCpus))
	}
	if cfg.VM.CurrentRam.Bytes() > cfg.VM.MaximumRam.Bytes() && cfg.VM.MaximumRam.Bytes() != 0 {
		errs = append(errs, fmt.Sprintf("vm.currentRam (%s) exceeds vm.maximumRam (%s)", cfg.VM.CurrentRam, cfg.VM.MaximumRam))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

func ensureUUID(cfg *Config) error {
	uuidPath := filepath.Join(cfg.DataDir, "uuid.txt")

	if existing, err := os.ReadFile(uuidPath); err == nil {
		cfg.VM.UUID = strings.TrimSpace(string(existing))
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", uuidPath, err)
	}

	if cfg.VM.UUID == "" {
		cfg.VM.UUID = uuid.NewString()
	}

	if err := os.WriteFile(uuidPath, []byte(cfg.VM.UUID+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist %s: %w", uuidPath, err)
	}
	return nil
}
