// Package ami implements the subset of the Asterisk Manager Interface the
// voice provider needs: login, async Originate, and event subscription.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one AMI frame: either an asynchronous event or an action
// response. Type is the Event header for events and "" for responses.
type Event struct {
	Type   string
	Fields map[string]string
}

// Config holds AMI connection settings.
type Config struct {
	Address        string // host:port of the manager interface
	Username       string
	Secret         string
	ActionTimeout  time.Duration
	ReconnectDelay time.Duration
}

// Client is a single persistent AMI connection with automatic reconnect.
// Responses are matched to actions by ActionID; events fan out to
// subscribers best-effort.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.RWMutex
	conn        net.Conn
	connected   bool
	pending     map[string]chan Event
	subscribers []chan Event
}

// NewClient creates a client. Call Run to connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With("subsystem", "ami"),
		pending: make(map[string]chan Event),
	}
}

// Run maintains the connection until ctx is cancelled, reconnecting with a
// fixed delay after any failure.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Error("ami connection failed", "address", c.cfg.Address, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connect dials, logs in, and serves the read loop until the connection
// drops.
func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return fmt.Errorf("dialing manager: %w", err)
	}
	return c.serve(ctx, conn)
}

// serve runs the protocol over an established connection. Split from
// connect so tests can drive the client over a pipe.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	// The manager greets with a single banner line before frames start.
	if _, err := reader.ReadString('\n'); err != nil {
		return fmt.Errorf("reading banner: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.login(reader); err != nil {
		return err
	}

	c.setConnected(true)
	c.logger.Info("ami connected", "address", c.cfg.Address)
	defer c.setConnected(false)

	done := make(chan error, 1)
	go func() { done <- c.readLoop(reader) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Client) login(reader *bufio.Reader) error {
	frame := buildFrame(map[string]string{
		"Action":   "Login",
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
	})
	if err := c.write(frame); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}
	ev, err := readFrame(reader)
	if err != nil {
		return fmt.Errorf("reading login response: %w", err)
	}
	if ev.Fields["Response"] != "Success" {
		return fmt.Errorf("login rejected: %s", ev.Fields["Message"])
	}
	return nil
}

func (c *Client) readLoop(reader *bufio.Reader) error {
	for {
		ev, err := readFrame(reader)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if actionID := ev.Fields["ActionID"]; actionID != "" && ev.Fields["Response"] != "" {
			c.dispatch(actionID, ev)
			// OriginateResponse also carries the ActionID as an event.
			if ev.Type == "" {
				continue
			}
		}
		if ev.Type != "" {
			c.broadcast(ev)
		}
	}
}

func (c *Client) dispatch(actionID string, ev Event) {
	c.mu.RLock()
	ch, ok := c.pending[actionID]
	c.mu.RUnlock()
	if ok {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Client) broadcast(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subscribers {
		select {
		case sub <- ev:
		default:
			c.logger.Warn("ami subscriber queue full, event dropped", "event", ev.Type)
		}
	}
}

// Subscribe returns a channel receiving all asynchronous events. Slow
// consumers lose events rather than blocking the read loop.
func (c *Client) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Connected reports whether the client currently holds a logged-in
// connection.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) write(frame string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	_, err := conn.Write([]byte(frame))
	return err
}

// OriginateRequest describes one outbound PJSIP call.
type OriginateRequest struct {
	// Digits is the destination number without +.
	Digits string
	// Trunk is the PJSIP endpoint name of the carrier trunk.
	Trunk string
	// CallerID is the originating number presented to the callee.
	CallerID string
	// PAIHost is the host part of the P-Asserted-Identity URI.
	PAIHost string
	// Context and Exten locate the OTP playback dialplan entry.
	Context string
	Exten   string
	// Variables are extra channel variables, applied after the standard set.
	Variables map[string]string
	// Timeout is the originate answer timeout.
	Timeout time.Duration
}

// Originate sends an async Originate and waits for its OriginateResponse.
// A nil error means the call is ringing; the gateway's events drive the
// rest of the call lifecycle.
func (c *Client) Originate(ctx context.Context, req OriginateRequest) (string, error) {
	if !c.Connected() {
		return "", fmt.Errorf("manager not connected: ARI_DISCONNECTED")
	}

	actionID := "otp-" + uuid.NewString()
	respChan := make(chan Event, 1)
	c.mu.Lock()
	c.pending[actionID] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, actionID)
		c.mu.Unlock()
	}()

	vars := []string{
		fmt.Sprintf("CALLERID(num)=%s", req.CallerID),
		fmt.Sprintf("CALLERID(name)=%s", req.CallerID),
		fmt.Sprintf("PJSIP_HEADER(add,P-Asserted-Identity)=<sip:%s@%s>", req.CallerID, req.PAIHost),
		"PJSIP_SEND_RPID=send_pai",
	}
	for k, v := range req.Variables {
		vars = append(vars, k+"="+v)
	}

	fields := map[string]string{
		"Action":   "Originate",
		"ActionID": actionID,
		"Channel":  fmt.Sprintf("PJSIP/%s@%s", req.Digits, req.Trunk),
		"Context":  req.Context,
		"Exten":    req.Exten,
		"Priority": "1",
		"CallerID": req.CallerID,
		"Timeout":  fmt.Sprintf("%d", req.Timeout.Milliseconds()),
		"Async":    "true",
		"Variable": strings.Join(vars, ","),
	}
	if err := c.write(buildFrame(fields)); err != nil {
		return "", fmt.Errorf("sending originate: %w", err)
	}

	timeout := req.Timeout + c.cfg.ActionTimeout
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ev := <-respChan:
		if ev.Fields["Response"] != "Success" {
			return "", fmt.Errorf("originate failed: %s (reason %s)",
				ev.Fields["Message"], ev.Fields["Reason"])
		}
		return actionID, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("originate response timeout after %s", timeout)
	}
}

// buildFrame serializes fields as an AMI frame. Action and ActionID are
// emitted first so frames are stable for logging and tests.
func buildFrame(fields map[string]string) string {
	var b strings.Builder
	writeField := func(k string) {
		if v, ok := fields[k]; ok {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	writeField("Action")
	writeField("ActionID")
	for k, v := range fields {
		if k == "Action" || k == "ActionID" {
			continue
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// readFrame reads one CRLF-terminated frame ending with a blank line.
func readFrame(reader *bufio.Reader) (Event, error) {
	ev := Event{Fields: make(map[string]string)}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(ev.Fields) == 0 {
				continue
			}
			return ev, nil
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		ev.Fields[key] = value
		if key == "Event" {
			ev.Type = value
		}
	}
}
