// Package displayctl maintains the display (SPICE) password and its
// expiry, coordinating with the VM-operator agent so a password is never
// set before the configured console user has actually logged in (spec
// §4.7).
package displayctl

import (
	"log/slog"

	"github.com/jdrupes-project/vm-runner/internal/bus"
	"github.com/jdrupes-project/vm-runner/internal/qmp"
	"github.com/jdrupes-project/vm-runner/internal/vmopagent"
)

// Config is the display-relevant slice of one Configure event.
type Config struct {
	Protocol        string // "spice" or ""
	LoginConfigured bool
	LoginUser       string
	Password        string // contents of the display-password file, "" if absent
	HasPassword     bool
	Expiry          string // contents of password-expiry, e.g. "never", "now", a unix timestamp
}

// Controller owns display password/login reconciliation.
type Controller struct {
	log   *slog.Logger
	b     *bus.Bus
	mon   *qmp.Client
	agent *vmopagent.Client

	cfg Config

	loggedIn     bool
	loggedInUser string
	lastPassword string
	havePassword bool
}

// New creates a Controller.
func New(log *slog.Logger, b *bus.Bus, mon *qmp.Client, agent *vmopagent.Client) *Controller {
	return &Controller{log: log, b: b, mon: mon, agent: agent}
}

// Register wires the controller's bus handlers.
func (c *Controller) Register() {
	c.b.On(bus.EventVmopAgentConnected, c.handleVmopConnected)
	c.b.On(bus.EventVmopAgentLoggedIn, c.handleLoggedIn)
	c.b.On(bus.EventVmopAgentLoggedOut, c.handleLoggedOut)
}

// Configure applies a new display configuration. If user-login is
// configured and no login has completed yet, password delivery is
// deferred until VmopAgentLoggedIn arrives; otherwise the password is
// sent immediately if it changed.
func (c *Controller) Configure(cfg Config) {
	prevLoginConfigured := c.cfg.LoginConfigured
	c.cfg = cfg

	if prevLoginConfigured && !cfg.LoginConfigured && c.loggedIn {
		c.agent.LogOut()
		c.loggedIn = false
	}

	if cfg.LoginConfigured {
		if !c.loggedIn {
			// Login is driven by VmopAgentConnected (handleVmopConnected),
			// which may already have fired before this Configure; if the
			// agent connection is already up there is nothing more to do
			// here; otherwise the pending connect event will trigger login.
			return
		}
	}

	c.maybeSendPassword()
}

func (c *Controller) handleVmopConnected(b *bus.Bus, ev bus.Event) {
	if c.cfg.LoginConfigured && c.cfg.LoginUser != "" {
		c.agent.LogIn(c.cfg.LoginUser)
	}
}

func (c *Controller) handleLoggedIn(b *bus.Bus, ev bus.Event) {
	user, _ := ev.Payload.(string)
	c.loggedIn = true
	c.loggedInUser = user
	c.maybeSendPassword()
}

func (c *Controller) handleLoggedOut(b *bus.Bus, ev bus.Event) {
	c.loggedIn = false
	c.loggedInUser = ""
}

func (c *Controller) maybeSendPassword() {
	if c.cfg.Protocol == "" || !c.cfg.HasPassword {
		return
	}
	if c.cfg.LoginConfigured && !c.loggedIn {
		return
	}
	if c.havePassword && c.cfg.Password == c.lastPassword {
		return
	}

	c.mon.SetPassword(c.cfg.Protocol, c.cfg.Password, "", "")
	c.lastPassword = c.cfg.Password
	c.havePassword = true

	if c.cfg.Expiry != "" {
		c.mon.ExpirePassword(c.cfg.Protocol, c.cfg.Expiry, "", "")
	}
}

// LoggedInUser returns the currently logged-in console user, if any, for
// status reporting.
func (c *Controller) LoggedInUser() string { return c.loggedInUser }
