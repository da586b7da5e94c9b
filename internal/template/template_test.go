package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdrupes-project/vm-runner/internal/config"
	"github.com/jdrupes-project/vm-runner/internal/memsize"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	maxRam, err := memsize.Parse("2GiB")
	require.NoError(t, err)
	curRam, err := memsize.Parse("1GiB")
	require.NoError(t, err)

	return &config.Config{
		DataDir:       "/data",
		RuntimeDir:    "/run/vm1",
		MonitorSocket: "/run/vm1/monitor.sock",
		VM: config.VM{
			Name:        "test-vm",
			UUID:        "11111111-1111-1111-1111-111111111111",
			MaximumRam:  maxRam,
			CurrentRam:  curRam,
			MaximumCpus: 4,
			CurrentCpus: 2,
		},
	}
}

func TestRenderProducesExpectedFlags(t *testing.T) {
	cfg := testConfig(t)
	argv, err := Render(DefaultTemplate, cfg)
	require.NoError(t, err)

	assert.Contains(t, argv, "-name")
	assert.Contains(t, argv, "test-vm")
	assert.Contains(t, argv, "-uuid")
	assert.Contains(t, argv, cfg.VM.UUID)
	assert.Contains(t, argv, "-smp")
	assert.Contains(t, argv, "cpus=1,maxcpus=4")
}

func TestRenderAppliesMegabytesHelper(t *testing.T) {
	cfg := testConfig(t)
	argv, err := Render(DefaultTemplate, cfg)
	require.NoError(t, err)

	assert.Contains(t, argv, "2048M,slots=4,maxmem=2048M")
}

func TestExtractAgentSocketsFindsBothChannels(t *testing.T) {
	cfg := testConfig(t)
	argv, err := Render(DefaultTemplate, cfg)
	require.NoError(t, err)

	sockets, err := ExtractAgentSockets(argv)
	require.NoError(t, err)
	assert.Equal(t, "/run/vm1/guest-agent.sock", sockets.GuestAgent)
	assert.Equal(t, "/run/vm1/vmop-agent.sock", sockets.VmopAgent)
}

func TestExtractAgentSocketsErrorsWhenMissing(t *testing.T) {
	_, err := ExtractAgentSockets([]string{"-name", "test-vm"})
	assert.Error(t, err)
}

func TestRenderWithCdromDrive(t *testing.T) {
	cfg := testConfig(t)
	cfg.VM.Drives = []config.Drive{{Type: "cdrom", Device: "cd0", File: "/iso/install.iso"}}

	argv, err := Render(DefaultTemplate, cfg)
	require.NoError(t, err)

	assert.Contains(t, argv, "file=/iso/install.iso,if=none,id=drive0,media=cdrom")
	assert.Contains(t, argv, "ide-cd,id=cd0,drive=drive0")
}

func TestTokenizeKeepsQuotedSpansIntact(t *testing.T) {
	tokens := tokenize(`-name "my vm" -uuid abc`)
	assert.Equal(t, []string{"-name", "my vm", "-uuid", "abc"}, tokens)
}
