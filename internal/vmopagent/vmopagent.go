// Package vmopagent implements the single-line text protocol client to
// the VM-operator agent's virtio-serial-backed Unix socket (spec §4.8).
// Commands are written as "<verb> [args]\n"; responses begin with a
// three-digit reply code in the SMTP-informational style. The client
// keeps an in-order deque of outstanding login/logout commands and
// matches responses to them FIFO.
package vmopagent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jdrupes-project/vm-runner/internal/bus"
)

const dialTimeout = 5 * time.Second

// Client maintains one long-lived connection to the agent socket plus a
// FIFO queue of outstanding commands, since every response is a bare
// reply code with no command echo to correlate against.
type Client struct {
	log        *slog.Logger
	b          *bus.Bus
	socketPath string

	mu      sync.Mutex
	conn    net.Conn
	pending []string // verbs, in submission order
}

// New creates a Client bound to socketPath.
func New(log *slog.Logger, b *bus.Bus, socketPath string) *Client {
	return &Client{log: log, b: b, socketPath: socketPath}
}

// Connect dials the socket and starts the response-reading goroutine.
// The server's unsolicited 220 greeting is what fires VmopAgentConnected,
// so Connect itself does not publish that event.
func (c *Client) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("vmopagent: dial %s: %w", c.socketPath, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// LogIn sends "login <user>" and enqueues it as the next outstanding
// command awaiting a 201.
func (c *Client) LogIn(user string) error {
	return c.send("login "+user, "login "+user+"\n")
}

// LogOut sends "logout" and enqueues it awaiting a 202.
func (c *Client) LogOut() error {
	return c.send("logout", "logout\n")
}

func (c *Client) send(verb, line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("vmopagent: not connected")
	}

	c.mu.Lock()
	c.pending = append(c.pending, verb)
	c.mu.Unlock()

	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("vmopagent: write %q: %w", verb, err)
	}
	return nil
}

func (c *Client) popPending() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	verb := c.pending[0]
	c.pending = c.pending[1:]
	return verb, true
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		c.handleLine(scanner.Text())
	}
	c.log.Info("vmopagent: connection closed", "error", scanner.Err())
}

func (c *Client) handleLine(line string) {
	if len(line) < 3 {
		c.log.Warn("vmopagent: malformed reply line", "line", line)
		return
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		c.log.Warn("vmopagent: non-numeric reply code", "line", line)
		return
	}

	switch {
	case code == 220:
		c.b.FireAsync(bus.Event{Type: bus.EventVmopAgentConnected, Pipeline: "vmopagent"})
	case code >= 100 && code < 200:
		// informational continuation, ignore
	case code == 201:
		verb, _ := c.popPending()
		user := strings.TrimPrefix(verb, "login ")
		c.b.FireAsync(bus.Event{Type: bus.EventVmopAgentLoggedIn, Pipeline: "vmopagent", Payload: user})
	case code == 202:
		c.popPending()
		c.b.FireAsync(bus.Event{Type: bus.EventVmopAgentLoggedOut, Pipeline: "vmopagent", Payload: ""})
	default:
		verb, ok := c.popPending()
		c.log.Warn("vmopagent: command failed", "verb", verb, "popped", ok, "reply", line)
	}
}
