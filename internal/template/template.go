// Package template renders the QEMU command-line from a user-overridable
// text template plus the current configuration, and parses the rendered
// argument vector to recover the two agent socket paths (spec §4.11).
// Argument-building content is grounded on the teacher's
// lib/hypervisor/qemu/config.go BuildArgs, reshaped from a Go function
// into a text/template so operators can override it per spec §6's
// `template`/`updateTemplate` keys.
package template

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/jdrupes-project/vm-runner/internal/config"
)

// Sockets is the pair of virtio-serial socket paths extracted from the
// rendered argument vector.
type Sockets struct {
	GuestAgent string
	VmopAgent  string
}

// Render executes tmplText (usually the contents of the persisted
// VM.ftl.yaml) against cfg and returns the resulting QEMU argument vector,
// split on whitespace the same way a shell would tokenize a command line
// (quoted segments are kept intact).
func Render(tmplText string, cfg *config.Config) ([]string, error) {
	t, err := template.New("qemu-args").Funcs(funcMap()).Parse(tmplText)
	if err != nil {
		return nil, fmt.Errorf("template: parse: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("template: execute: %w", err)
	}

	return tokenize(buf.String()), nil
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"megabytes": func(bytesVal uint64) int64 { return int64(bytesVal / (1024 * 1024)) },
	}
}

// tokenize splits a rendered template body into shell-like argv tokens:
// whitespace-separated, with single- or double-quoted spans kept as one
// token (quotes stripped).
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := byte(0)
	hasTok := false

	flush := func() {
		if hasTok {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasTok = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = c
			hasTok = true
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
			hasTok = true
		}
	}
	flush()
	return tokens
}

// ExtractAgentSockets parses the rendered argv to recover the guest-agent
// and VM-operator agent Unix socket paths. Per spec §4.11, each agent is
// wired as a `virtserialport,chardev=<name>,...` device paired with a
// `socket,id=<chardev>,path=<path>` chardev of the same name. The two
// channels are conventionally named "com.vmrunner.guest-agent.0" and
// "com.vmrunner.vmop-agent.0"; unknown additional virtserialports are
// ignored.
func ExtractAgentSockets(argv []string) (Sockets, error) {
	chardevPaths := make(map[string]string)
	portChardevs := make(map[string]string)

	for i := 0; i+1 < len(argv); i++ {
		if argv[i] != "-chardev" && argv[i] != "-device" {
			continue
		}
		spec := argv[i+1]
		kind, fields := parseDeviceSpec(spec)

		switch kind {
		case "socket":
			id := fields["id"]
			path := fields["path"]
			if id != "" && path != "" {
				chardevPaths[id] = path
			}
		case "virtserialport":
			chardev := fields["chardev"]
			name := fields["name"]
			if chardev != "" && name != "" {
				portChardevs[name] = chardev
			}
		}
	}

	var out Sockets
	for name, chardev := range portChardevs {
		path, ok := chardevPaths[chardev]
		if !ok {
			continue
		}
		switch {
		case strings.Contains(name, "guest-agent"):
			out.GuestAgent = path
		case strings.Contains(name, "vmop-agent"):
			out.VmopAgent = path
		}
	}

	if out.GuestAgent == "" {
		return out, fmt.Errorf("template: could not locate guest-agent socket path in rendered argv")
	}
	if out.VmopAgent == "" {
		return out, fmt.Errorf("template: could not locate vmop-agent socket path in rendered argv")
	}
	return out, nil
}

// parseDeviceSpec splits a QEMU "-chardev"/"-device" style comma-separated
// key=value spec (first field is the bare type) into its type and field
// map.
func parseDeviceSpec(spec string) (string, map[string]string) {
	parts := strings.Split(spec, ",")
	if len(parts) == 0 {
		return "", nil
	}
	kind := parts[0]
	fields := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) == 2 {
			fields[kv[0]] = kv[1]
		}
	}
	return kind, fields
}

// DefaultTemplate is the built-in QEMU argument template used when no
// per-VM VM.ftl.yaml has been persisted yet or updateTemplate is set.
const DefaultTemplate = `
-name {{.VM.Name}}
-uuid {{.VM.UUID}}
-machine q35,accel={{if .VM.Accelerator}}{{.VM.Accelerator}}{{else}}kvm{{end}}
-cpu {{if .VM.CPUModel}}{{.VM.CPUModel}}{{else}}host{{end}}
-smp cpus=1,maxcpus={{.VM.MaximumCpus}}{{if .VM.CPUSockets}},sockets={{.VM.CPUSockets}}{{end}}{{if .VM.DiesPerSocket}},dies={{.VM.DiesPerSocket}}{{end}}{{if .VM.CoresPerDie}},cores={{.VM.CoresPerDie}}{{end}}{{if .VM.ThreadsPerCore}},threads={{.VM.ThreadsPerCore}}{{end}}
-m {{megabytes .VM.MaximumRam.Bytes}}M,slots=4,maxmem={{megabytes .VM.MaximumRam.Bytes}}M
-object memory-backend-ram,id=mem0,size={{megabytes .VM.CurrentRam.Bytes}}M
-chardev socket,id=qmp,path={{.MonitorSocket}},server=on,wait=off
-mon chardev=qmp,mode=control
-chardev socket,id=chr-guest-agent,path={{.RuntimeDir}}/guest-agent.sock,server=on,wait=off
-device virtio-serial
-device virtserialport,chardev=chr-guest-agent,name=com.vmrunner.guest-agent.0
-chardev socket,id=chr-vmop-agent,path={{.RuntimeDir}}/vmop-agent.sock,server=on,wait=off
-device virtserialport,chardev=chr-vmop-agent,name=com.vmrunner.vmop-agent.0
{{range $i, $d := .VM.Drives}}-drive file={{$d.File}},if=none,id=drive{{$i}},media={{if eq $d.Type "cdrom"}}cdrom{{else}}disk{{end}}{{if not $d.BootIndex}}
{{else}}
{{end}}-device {{if eq $d.Type "cdrom"}}ide-cd,id=cd{{$i}}{{else}}virtio-blk-pci{{end}},drive=drive{{$i}}{{if $d.BootIndex}},bootindex={{$d.BootIndex}}{{end}}
{{end -}}
{{if .VM.Display.Spice.Port}}-spice port={{.VM.Display.Spice.Port}},disable-ticketing=off{{end}}
`
