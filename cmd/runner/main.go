// Command runner is the in-pod VM runner entrypoint: it loads the
// configuration, wires every component onto the shared event bus by
// hand (no DI container, the same style as the teacher's cmd/exec/main.go),
// and blocks until a fatal Exit event or a clean Stop terminates it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/jdrupes-project/vm-runner/api/v1alpha1"
	"github.com/jdrupes-project/vm-runner/internal/bus"
	"github.com/jdrupes-project/vm-runner/internal/config"
	"github.com/jdrupes-project/vm-runner/internal/cpuctl"
	"github.com/jdrupes-project/vm-runner/internal/displayctl"
	"github.com/jdrupes-project/vm-runner/internal/filewatch"
	"github.com/jdrupes-project/vm-runner/internal/guestagent"
	"github.com/jdrupes-project/vm-runner/internal/k8sstatus"
	"github.com/jdrupes-project/vm-runner/internal/logger"
	"github.com/jdrupes-project/vm-runner/internal/mediactl"
	vmrunnerotel "github.com/jdrupes-project/vm-runner/internal/otel"
	"github.com/jdrupes-project/vm-runner/internal/paths"
	"github.com/jdrupes-project/vm-runner/internal/procsup"
	"github.com/jdrupes-project/vm-runner/internal/qmp"
	"github.com/jdrupes-project/vm-runner/internal/ramctl"
	"github.com/jdrupes-project/vm-runner/internal/runnerfsm"
	"github.com/jdrupes-project/vm-runner/internal/template"
	"github.com/jdrupes-project/vm-runner/internal/vmopagent"
)

const defaultConfigPath = "/etc/opt/vmrunner/config.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	configPath := flag.String("c", defaultConfigPath, "path to the YAML configuration file")
	flag.StringVar(configPath, "config", defaultConfigPath, "path to the YAML configuration file (long form)")
	flag.Parse()

	logCfg := logger.NewConfig()
	rootLog := logger.New(logCfg)
	runnerLog := logger.ForComponent(logger.ComponentRunner, logCfg, nil)

	cfg, err := config.Load(*configPath)
	if err != nil {
		rootLog.Error("failed to load configuration, declining to start", "error", err)
		return 1
	}

	b := bus.New(rootLog)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	otelProvider, otelShutdown, err := vmrunnerotel.Init(ctx, otelConfigFromEnv(cfg.VM.Name))
	if err != nil {
		rootLog.Warn("opentelemetry disabled, failed to initialize", "error", err)
		otelProvider, otelShutdown, _ = vmrunnerotel.Init(ctx, vmrunnerotel.Config{Enabled: false, ServiceName: cfg.VM.Name})
	}
	defer otelShutdown(context.Background())

	p := paths.New(cfg.DataDir, cfg.RuntimeDir)

	exitCode := 0
	done := make(chan struct{})

	callbacks, state := buildCallbacks(runnerLog, b, p, &exitCode, done, otelProvider)
	fsm := runnerfsm.New(runnerLog, b, callbacks)
	fsm.Register()
	fsm.AwaitConvergence("cpu", "ram", "media", "display")

	wireK8sStatus(runnerLog, b, cfg, state)

	go b.Run(ctx)
	go func() {
		<-ctx.Done()
		b.FireAsync(bus.Event{Type: bus.EventStop, Pipeline: "runner", Payload: bus.StopReasonSignal})
	}()

	b.FireAsync(bus.Event{Type: bus.EventConfigLoaded, Pipeline: "config", Payload: cfg})

	<-done
	return exitCode
}

// componentState holds the per-run object graph that callbacks close
// over; it is rebuilt each time QEMU is (re)spawned.
type componentState struct {
	supervisor *procsup.Supervisor
	watcher    *filewatch.Watcher
	mon        *qmp.Client
	guest      *guestagent.Client
	vmop       *vmopagent.Client

	cpu     *cpuctl.Controller
	ram     *ramctl.Controller
	media   *mediactl.Controller
	display *displayctl.Controller

	k8s *k8sstatus.Updater

	otelProvider *vmrunnerotel.Provider

	// cfg is the most recently applied configuration, kept so the
	// display-password/expiry file watch can rebuild a displayctl.Config
	// outside of a full Configure cycle.
	cfg *config.Config
	// lastResetCount is the vm.resetCount last observed during Configure;
	// -1 means no baseline has been established yet.
	lastResetCount int
}

// otelConfigFromEnv builds the OpenTelemetry config from the standard
// OTEL_EXPORTER_OTLP_* environment variables; telemetry is opt-in since
// most local/dev runs have no collector to send to.
func otelConfigFromEnv(serviceName string) vmrunnerotel.Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	return vmrunnerotel.Config{
		Enabled:     endpoint != "",
		Endpoint:    endpoint,
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ServiceName: serviceName,
		Version:     "dev",
	}
}

func buildCallbacks(log *slog.Logger, b *bus.Bus, p *paths.Paths, exitCode *int, done chan struct{}, otelProvider *vmrunnerotel.Provider) (runnerfsm.Callbacks, *componentState) {
	state := &componentState{supervisor: procsup.New(log, b), otelProvider: otelProvider, lastResetCount: -1}

	cb := runnerfsm.Callbacks{
		SpawnTpm: func(cfg *config.Config) error {
			_, err := state.supervisor.Spawn(procsup.SpawnOptions{
				Name:    "swtpm",
				Binary:  "swtpm",
				Args:    []string{"socket", "--tpm2", "--ctrl", "type=unixio,path=" + p.SwtpmSocket(), "--tpmstate", "dir=" + cfg.DataDir},
				LogPath: filepath.Join(cfg.RuntimeDir, "swtpm.log"),
			})
			return err
		},
		BuildCloudInit: func(cfg *config.Config) error {
			_, err := state.supervisor.Spawn(procsup.SpawnOptions{
				Name:    "cloudinit",
				Binary:  "cloud-localds",
				Args:    []string{p.CloudInitISO(), writeSeedFile(cfg, "user-data"), "--network-config=" + writeSeedFile(cfg, "network-config")},
				LogPath: filepath.Join(cfg.RuntimeDir, "cloudinit.log"),
			})
			return err
		},
		SpawnQEMU: func(cfg *config.Config) error {
			return spawnQEMU(log, b, p, state, cfg)
		},
		OpenQMP: func(cfg *config.Config) error { return nil },
		FireConfigure: func(cfg *config.Config, phase runnerfsm.Phase) {
			fireConfigure(b, state, cfg, phase)
		},
		SendCont: func() {
			if state.mon != nil {
				state.mon.Cont("", "")
			}
		},
		SendPowerdown: func() {
			if state.mon != nil {
				state.mon.SystemPowerdown("", "")
			}
		},
		CleanupRuntimeDir: func() {
			os.RemoveAll(p.RuntimeDir())
		},
		Exit: func(code int) {
			*exitCode = code
			close(done)
		},
	}

	return cb, state
}

// wireK8sStatus constructs the status updater and registers the bus
// handlers that keep the VirtualMachine's status subresource in sync
// with observed runner state (spec §4.10). Wiring is skipped when no
// Kubernetes API server is reachable (e.g. local development), matching
// the error-handling taxonomy's stance that a dropped status update is
// logged, not fatal.
func wireK8sStatus(log *slog.Logger, b *bus.Bus, cfg *config.Config, state *componentState) {
	cl, err := newK8sClient()
	if err != nil {
		log.Warn("kubernetes status updater disabled, no API client available", "error", err)
		return
	}

	updater, err := k8sstatus.New(log, cl, "", cfg.VM.Name, "vmoperator.jdrupes.org/runner")
	if err != nil {
		log.Warn("kubernetes status updater disabled", "error", err)
		return
	}
	state.k8s = updater

	b.On(bus.EventPhaseChanged, func(b *bus.Bus, ev bus.Event) {
		change, ok := ev.Payload.(bus.PhaseChange)
		if !ok {
			return
		}
		err := updater.Apply(context.Background(), func(status *v1alpha1.VirtualMachineStatus, generation int64) {
			status.Phase = change.To
			k8sstatus.ApplyCondition(status, generation, "Ready", conditionStatusForPhase(change.To), change.To, "")
		})
		if err != nil {
			log.Warn("failed to patch status on phase change", "error", err)
		}
	})

	b.On(bus.EventSpiceConnected, func(b *bus.Bus, ev bus.Event) {
		if err := updater.EmitConsoleEvent(context.Background(), true, payloadClient(ev)); err != nil {
			log.Warn("failed to emit console-connected event", "error", err)
		}
	})
	b.On(bus.EventSpiceDisconnected, func(b *bus.Bus, ev bus.Event) {
		if err := updater.EmitConsoleEvent(context.Background(), false, payloadClient(ev)); err != nil {
			log.Warn("failed to emit console-disconnected event", "error", err)
		}
	})
}

func payloadClient(ev bus.Event) string {
	if sc, ok := ev.Payload.(bus.SpiceConnection); ok {
		return sc.Client
	}
	return ""
}

func conditionStatusForPhase(phase string) metav1.ConditionStatus {
	if phase == string(runnerfsm.PhaseRunning) {
		return metav1.ConditionTrue
	}
	return metav1.ConditionFalse
}

func spawnQEMU(log *slog.Logger, b *bus.Bus, p *paths.Paths, state *componentState, cfg *config.Config) error {
	tmplText, err := loadTemplate(p, cfg)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}

	argv, err := template.Render(tmplText, cfg)
	if err != nil {
		return fmt.Errorf("render qemu argv: %w", err)
	}

	sockets, err := template.ExtractAgentSockets(argv)
	if err != nil {
		return fmt.Errorf("extract agent sockets: %w", err)
	}

	if _, err := state.supervisor.Spawn(procsup.SpawnOptions{
		Name:    "qemu",
		Binary:  "qemu-system-x86_64",
		Args:    argv,
		LogPath: filepath.Join(cfg.RuntimeDir, "vmm.log"),
	}); err != nil {
		return err
	}

	watcher, err := filewatch.New(log, b)
	if err != nil {
		return err
	}
	if err := watcher.Add(cfg.MonitorSocket); err != nil {
		return err
	}

	passwordFile := cfg.VM.Display.Spice.PasswordFile
	expiryFile := cfg.VM.Display.Spice.ExpiryFile
	loginFile := cfg.VM.Display.Spice.LoginFile
	for _, f := range []string{passwordFile, expiryFile, loginFile} {
		if f == "" {
			continue
		}
		if err := watcher.Add(f); err != nil {
			return err
		}
	}
	reconfigureDisplayOnSecretChange := func(b *bus.Bus, ev bus.Event) {
		fe, ok := ev.Payload.(bus.FileEvent)
		if !ok || state.display == nil || state.cfg == nil {
			return
		}
		if fe.Path == passwordFile || fe.Path == expiryFile || fe.Path == loginFile {
			state.display.Configure(buildDisplayConfig(state.cfg))
		}
	}
	b.On(bus.EventFileChanged, reconfigureDisplayOnSecretChange)
	b.On(bus.EventFileCreated, reconfigureDisplayOnSecretChange)

	go watcher.Run()
	state.watcher = watcher

	state.guest = guestagent.New(log, b, sockets.GuestAgent)
	state.vmop = vmopagent.New(log, b, sockets.VmopAgent)

	go waitForSocketThenConnectQMP(log, b, state, cfg.MonitorSocket)

	go func() {
		waitForSocket(sockets.VmopAgent, 30*time.Second)
		state.vmop.Connect(context.Background())
	}()

	b.On(bus.EventVserportChange, func(b *bus.Bus, ev bus.Event) {
		vc, ok := ev.Payload.(bus.VserportChange)
		if ok && vc.Open && vc.ID == "channel0" {
			state.guest.FetchOsInfo(context.Background())
		}
	})

	return nil
}

func waitForSocketThenConnectQMP(log *slog.Logger, b *bus.Bus, state *componentState, socketPath string) {
	waitForSocket(socketPath, 30*time.Second)
	mon, err := qmp.Connect(socketPath, 5*time.Second, log, b)
	if err != nil {
		log.Error("failed to connect to qmp socket", "error", err)
		b.FireAsync(bus.Event{Type: bus.EventStop, Pipeline: "runner", Payload: bus.StopReasonQMPUnhealthy})
		return
	}

	if state.otelProvider != nil {
		if qm, err := qmp.NewMetrics(state.otelProvider.MeterFor("qmp")); err == nil {
			mon.SetMetrics(qm)
		} else {
			log.Warn("failed to register qmp metrics", "error", err)
		}
	}

	state.mon = mon
	state.cpu = cpuctl.New(log, b, mon)
	// The boot template always launches QEMU with a single static vCPU;
	// every additional vCPU up to currentCpus is hotplugged by the first
	// Configure cycle.
	state.cpu.SeedCurrent(1)
	state.ram = ramctl.New(log, mon)
	state.media = mediactl.New(log, b, mon)
	state.display = displayctl.New(log, b, mon, state.vmop)

	state.cpu.Register()
	state.media.Register()
	state.display.Register()

	b.FireAsync(bus.Event{Type: bus.EventQMPReady, Pipeline: "qmp"})
}

func waitForSocket(path string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func fireConfigure(b *bus.Bus, state *componentState, cfg *config.Config, phase runnerfsm.Phase) {
	starting := phase == runnerfsm.PhaseStarting

	if state.cpu == nil {
		return
	}
	state.cfg = cfg

	if !state.cpu.Configure("configure:cpu", cfg.VM.CurrentCpus, state.cpu.Current()) {
		b.Fire(bus.Event{Type: bus.EventControllerConverged, Pipeline: "configure:cpu", Payload: "cpu"})
	}
	state.ram.Configure(cfg.VM.CurrentRam)
	b.Fire(bus.Event{Type: bus.EventControllerConverged, Pipeline: "configure:ram", Payload: "ram"})

	for i, d := range cfg.VM.Drives {
		if d.Type != "cdrom" {
			continue
		}
		id := fmt.Sprintf("cd%d", i)
		state.media.Configure(id, d.File, starting)
	}
	b.Fire(bus.Event{Type: bus.EventControllerConverged, Pipeline: "configure:media", Payload: "media"})

	state.display.Configure(buildDisplayConfig(cfg))
	b.Fire(bus.Event{Type: bus.EventControllerConverged, Pipeline: "configure:display", Payload: "display"})

	if state.mon != nil {
		if cfg.VM.ResetCount > state.lastResetCount {
			if state.lastResetCount >= 0 {
				state.mon.SystemReset("", "")
			}
			state.lastResetCount = cfg.VM.ResetCount
		}
	}

	b.Fire(bus.Event{Type: bus.EventConfigureDone, Pipeline: "configure"})
}

// buildDisplayConfig reads the configured display-password,
// password-expiry, and display-login files fresh each time, so a
// reconfigure always reflects their current on-disk contents rather than
// a stale snapshot (spec §4.7).
func buildDisplayConfig(cfg *config.Config) displayctl.Config {
	password, hasPassword := readSecretFile(cfg.VM.Display.Spice.PasswordFile)
	expiry, _ := readSecretFile(cfg.VM.Display.Spice.ExpiryFile)
	loginConfigured := false
	if login, ok := readSecretFile(cfg.VM.Display.Spice.LoginFile); ok {
		loginConfigured = login == "true"
	}
	return displayctl.Config{
		Protocol:        "spice",
		LoginConfigured: loginConfigured,
		LoginUser:       cfg.VM.Display.Spice.LoginUser,
		Password:        password,
		HasPassword:     hasPassword,
		Expiry:          expiry,
	}
}

func readSecretFile(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func loadTemplate(p *paths.Paths, cfg *config.Config) (string, error) {
	if cfg.UpdateTemplate || !fileExists(p.Template()) {
		text := template.DefaultTemplate
		if cfg.Template != "" {
			if custom, err := os.ReadFile(cfg.Template); err == nil {
				text = string(custom)
			}
		}
		if err := os.WriteFile(p.Template(), []byte(text), 0o644); err != nil {
			return "", err
		}
		return text, nil
	}
	data, err := os.ReadFile(p.Template())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeSeedFile(cfg *config.Config, kind string) string {
	var content string
	switch kind {
	case "user-data":
		content = cfg.CloudInit.UserData
	case "network-config":
		content = cfg.CloudInit.NetworkConfig
	}
	path := filepath.Join(cfg.RuntimeDir, kind+".yaml")
	_ = os.WriteFile(path, []byte(content), 0o644)
	return path
}

// newK8sClient constructs a controller-runtime client scoped to the
// vmoperator.jdrupes.org API group, used by internal/k8sstatus.
func newK8sClient() (client.Client, error) {
	cfg, err := ctrlconfig.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	scheme := runtime.NewScheme()
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register scheme: %w", err)
	}
	return client.New(cfg, client.Options{Scheme: scheme})
}
