// SPDX-FileCopyrightText: Copyright (C) 2025  The Ghostpass Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package tor

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/ghostpass/ghostpass/config"
	"github.com/ghostpass/ghostpass/core/log"
	"github.com/ghostpass/ghostpass/core/retry"
	"github.com/ghostpass/ghostpass/core/worker"
)

const (
	dialTimeout    = 10 * time.Second
	commandTimeout = 10 * time.Second

	bootstrapPollInterval = 500 * time.Millisecond
)

var (
	cookieFileRe = regexp.MustCompile(`COOKIEFILE="([^"]+)"`)
	progressRe   = regexp.MustCompile(`PROGRESS=(\d+)`)
)

// ConnStatus is the control channel connection status as reported to the
// session.
type ConnStatus int

const (
	// StatusConnected means the control channel is authenticated and
	// subscribed.
	StatusConnected ConnStatus = iota

	// StatusDegraded means the control channel dropped but the daemon is
	// still alive; reconnection is in progress.
	StatusDegraded

	// StatusDisconnected means the control channel is gone and reconnection
	// was abandoned.
	StatusDisconnected
)

// String returns the status as a human readable string.
func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusDegraded:
		return "Degraded"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("ConnStatus(%d)", int(s))
	}
}

type reply struct {
	status int
	lines  []string
}

func (r *reply) text() string {
	return strings.Join(r.lines, " ")
}

// Client is the authenticated, event subscribing control protocol client.
// The daemon's control socket is owned exclusively by the Client; no other
// component opens it directly.
type Client struct {
	worker.Worker

	log *logging.Logger
	cfg *config.Tor
	sup *Supervisor

	sendMu sync.Mutex

	connMu      sync.RWMutex
	conn        *textproto.Conn
	raw         net.Conn
	isConnected bool

	replyCh   chan *reply
	circuitCh chan *CircuitEvent
	statusCh  chan ConnStatus

	// retryBase and retryMax pace the reconnect backoff.
	retryBase time.Duration
	retryMax  time.Duration

	sinkMu sync.RWMutex
	sinks  []func(*Event)
}

// NewClient constructs a control Client bound to the given supervisor's
// daemon instance.
func NewClient(cfg *config.Tor, sup *Supervisor, logBackend *log.Backend) *Client {
	return &Client{
		log:       logBackend.GetLogger("tor/control"),
		cfg:       cfg,
		sup:       sup,
		replyCh:   make(chan *reply, 1),
		circuitCh: make(chan *CircuitEvent, 16),
		statusCh:  make(chan ConnStatus, 8),
		retryBase: retry.DefaultBaseDelay,
		retryMax:  retry.DefaultMaxDelay,
	}
}

// StatusCh returns the channel on which connection status transitions are
// reported.
func (c *Client) StatusCh() <-chan ConnStatus {
	return c.statusCh
}

// Subscribe registers an event sink.  Sinks are invoked on the dedicated
// reader loop and must not perform blocking work.
func (c *Client) Subscribe(fn func(*Event)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sinks = append(c.sinks, fn)
}

// IsConnected returns true if the control channel is established.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// Connect dials the control port, authenticates, subscribes to events and
// starts the reader loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.Go(c.readerWorker)
	return nil
}

// Shutdown tears down the control channel and waits for the reader loop to
// exit.
func (c *Client) Shutdown() {
	c.connMu.Lock()
	if c.raw != nil {
		c.raw.Close()
	}
	c.isConnected = false
	c.connMu.Unlock()
	c.Halt()
}

// dial establishes and authenticates a control connection.  The handshake
// reads replies directly; the connection is handed to the reader loop only
// once fully subscribed.
func (c *Client) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("tor/control: dial failed: %w", err)
	}
	conn := textproto.NewConn(raw)

	if err = c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	if err = conn.PrintfLine("SETEVENTS CIRC STATUS_CLIENT"); err != nil {
		conn.Close()
		return fmt.Errorf("tor/control: subscribe failed: %w", err)
	}
	rep, err := readReply(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("tor/control: subscribe failed: %w", err)
	}
	if rep.status != 250 {
		conn.Close()
		return &ProtocolError{Status: rep.status, Line: rep.text()}
	}

	c.connMu.Lock()
	c.conn = conn
	c.raw = raw
	c.isConnected = true
	c.connMu.Unlock()
	c.log.Debugf("Control channel established.")
	return nil
}

// authenticate performs PROTOCOLINFO discovery followed by cookie or
// password authentication.
func (c *Client) authenticate(conn *textproto.Conn) error {
	if err := conn.PrintfLine("PROTOCOLINFO 1"); err != nil {
		return fmt.Errorf("tor/control: protocolinfo failed: %w", err)
	}
	rep, err := readReply(conn)
	if err != nil {
		return fmt.Errorf("tor/control: protocolinfo failed: %w", err)
	}
	if rep.status != 250 {
		return &ProtocolError{Status: rep.status, Line: rep.text()}
	}

	var authCmd string
	if c.cfg.ControlPassword != "" {
		authCmd = fmt.Sprintf("AUTHENTICATE %q", c.cfg.ControlPassword)
	} else {
		cookiePath := ""
		for _, l := range rep.lines {
			if m := cookieFileRe.FindStringSubmatch(l); m != nil {
				cookiePath = m[1]
				break
			}
		}
		if cookiePath == "" && c.sup != nil {
			cookiePath = c.sup.CookiePath()
		}
		if cookiePath == "" {
			return newAuthenticationError("no authentication cookie advertised")
		}
		cookie, err := os.ReadFile(cookiePath)
		if err != nil {
			return newAuthenticationError("failed to read cookie: %v", err)
		}
		authCmd = "AUTHENTICATE " + hex.EncodeToString(cookie)
	}

	if err = conn.PrintfLine("%s", authCmd); err != nil {
		return fmt.Errorf("tor/control: authenticate failed: %w", err)
	}
	rep, err = readReply(conn)
	if err != nil {
		return fmt.Errorf("tor/control: authenticate failed: %w", err)
	}
	if rep.status != 250 {
		return newAuthenticationError("daemon replied %d %s", rep.status, rep.text())
	}
	return nil
}

// readReply reads one complete (possibly multi line) command reply.
func readReply(conn *textproto.Conn) (*reply, error) {
	rep := new(reply)
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return nil, &ProtocolError{Line: line}
		}
		status, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, &ProtocolError{Line: line}
		}
		sep := line[3]
		rep.status = status
		rep.lines = append(rep.lines, line[4:])
		switch sep {
		case ' ':
			return rep, nil
		case '-':
		case '+':
			data, err := conn.ReadDotLines()
			if err != nil {
				return nil, err
			}
			rep.lines = append(rep.lines, data...)
		default:
			return nil, &ProtocolError{Status: status, Line: line}
		}
	}
}

// command issues a single command and waits for its reply.  Commands are
// serialized; the control protocol has no interleaving.
func (c *Client) command(cmd string) (*reply, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.connMu.RLock()
	conn, ok := c.conn, c.isConnected
	c.connMu.RUnlock()
	if !ok {
		return nil, ErrNotConnected
	}

	if err := conn.PrintfLine("%s", cmd); err != nil {
		return nil, fmt.Errorf("tor/control: send failed: %w", err)
	}
	select {
	case rep := <-c.replyCh:
		return rep, nil
	case <-time.After(commandTimeout):
		return nil, fmt.Errorf("tor/control: command timed out: %s", cmd)
	case <-c.HaltCh():
		return nil, ErrShutdown
	}
}

// CountryForIP asks the daemon's GeoIP database for the country code of
// the given address.  An empty string is returned when the database has no
// answer.
func (c *Client) CountryForIP(ip string) (string, error) {
	rep, err := c.command("GETINFO ip-to-country/" + ip)
	if err != nil {
		return "", err
	}
	if rep.status != 250 {
		return "", &ProtocolError{Status: rep.status, Line: rep.text()}
	}
	for _, l := range rep.lines {
		if idx := strings.Index(l, "="); idx >= 0 && strings.HasPrefix(l, "ip-to-country/") {
			cc := strings.TrimSpace(l[idx+1:])
			if cc == "??" {
				return "", nil
			}
			return cc, nil
		}
	}
	return "", nil
}

// AwaitBootstrap polls the daemon's bootstrap phase until it reaches 100%
// or the configured deadline expires.
func (c *Client) AwaitBootstrap(ctx context.Context) error {
	deadline := time.Duration(c.cfg.BootstrapTimeout) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	progress := 0
	for {
		rep, err := c.command("GETINFO status/bootstrap-phase")
		if err == nil && rep.status == 250 {
			if m := progressRe.FindStringSubmatch(rep.text()); m != nil {
				if pct, err := strconv.Atoi(m[1]); err == nil {
					progress = pct
				}
			}
			if progress >= 100 {
				c.log.Noticef("Bootstrap complete.")
				return nil
			}
			c.log.Debugf("Bootstrap progress: %d%%", progress)
		}

		select {
		case <-time.After(bootstrapPollInterval):
		case <-timer.C:
			return &BootstrapTimeoutError{Progress: progress}
		case <-ctx.Done():
			return &BootstrapTimeoutError{Progress: progress}
		case <-c.HaltCh():
			return ErrShutdown
		}
	}
}

// RequestNewIdentity issues the rotation signal and blocks until a new
// circuit is built or the rotation deadline expires.
func (c *Client) RequestNewIdentity(ctx context.Context) (*CircuitIdentity, error) {
	// Drain any stale circuit events so the wait below only observes
	// circuits built after the signal.
	for {
		select {
		case <-c.circuitCh:
			continue
		default:
		}
		break
	}

	rep, err := c.command("SIGNAL NEWNYM")
	if err != nil {
		return nil, err
	}
	if rep.status != 250 {
		return nil, &ProtocolError{Status: rep.status, Line: rep.text()}
	}

	deadline := time.Duration(c.cfg.RotationTimeout) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		select {
		case ev := <-c.circuitCh:
			if ev.Status != "BUILT" {
				continue
			}
			now := time.Now()
			return &CircuitIdentity{
				CircuitID:  ev.ID,
				Path:       ev.Path,
				CreatedAt:  now,
				DirtySince: now,
			}, nil
		case <-timer.C:
			return nil, &RotationTimeoutError{}
		case <-ctx.Done():
			return nil, &RotationTimeoutError{}
		case <-c.HaltCh():
			return nil, ErrShutdown
		}
	}
}

// readerWorker is the dedicated reader loop: it demultiplexes asynchronous
// events from command replies, and owns reconnection when the channel
// drops under a live daemon.
func (c *Client) readerWorker() {
	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		line, err := conn.ReadLine()
		if err != nil {
			c.connMu.Lock()
			c.isConnected = false
			c.connMu.Unlock()

			select {
			case <-c.HaltCh():
				return
			default:
			}

			if c.sup != nil && !c.sup.IsAlive() {
				c.log.Warningf("Control channel lost and daemon is dead.")
				c.notifyStatus(StatusDisconnected)
				return
			}

			c.log.Warningf("Control channel dropped, attempting reconnection: %v", err)
			c.notifyStatus(StatusDegraded)
			if !c.reconnect() {
				c.notifyStatus(StatusDisconnected)
				return
			}
			c.notifyStatus(StatusConnected)
			continue
		}

		c.dispatch(line)
	}
}

// dispatch routes one inbound line: 650s go to the event path, everything
// else is assembled into the pending command reply.
func (c *Client) dispatch(line string) {
	if len(line) < 4 {
		c.log.Debugf("Discarding short line: '%v'", line)
		return
	}

	if strings.HasPrefix(line, "650") {
		ev := parseEvent(line[4:])
		if ev == nil {
			return
		}
		if ce := parseCircuitEvent(ev); ce != nil {
			select {
			case c.circuitCh <- ce:
			default:
				c.log.Debugf("Circuit event queue full, dropping: %v", ev.Raw)
			}
		}
		c.sinkMu.RLock()
		for _, fn := range c.sinks {
			fn(ev)
		}
		c.sinkMu.RUnlock()
		return
	}

	rep, err := c.assembleReply(line)
	if err != nil {
		c.log.Warningf("Failed to assemble reply: %v", err)
		return
	}
	select {
	case c.replyCh <- rep:
	default:
		c.log.Debugf("Unsolicited reply, dropping: %d %s", rep.status, rep.text())
	}
}

// assembleReply completes a multi line reply whose first line has already
// been consumed by the reader loop.
func (c *Client) assembleReply(first string) (*reply, error) {
	rep := new(reply)
	line := first
	for {
		if len(line) < 4 {
			return nil, &ProtocolError{Line: line}
		}
		status, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, &ProtocolError{Line: line}
		}
		rep.status = status
		rep.lines = append(rep.lines, line[4:])

		switch line[3] {
		case ' ':
			return rep, nil
		case '+':
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			data, err := conn.ReadDotLines()
			if err != nil {
				return nil, err
			}
			rep.lines = append(rep.lines, data...)
		case '-':
		default:
			return nil, &ProtocolError{Status: status, Line: line}
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if line, err = conn.ReadLine(); err != nil {
			return nil, err
		}
	}
}

// reconnect re-establishes the control channel with bounded exponential
// backoff.  Returns false once the attempts are exhausted or the failure is
// not one that waiting can fix.
func (c *Client) reconnect() bool {
	for attempt := 0; attempt < retry.DefaultMaxAttempts; attempt++ {
		delay := retry.Delay(c.retryBase, c.retryMax, retry.DefaultJitter, attempt)
		c.log.Debugf("Reconnect attempt %d in %v.", attempt+1, delay)
		select {
		case <-time.After(delay):
		case <-c.HaltCh():
			return false
		}

		if c.sup != nil && !c.sup.IsAlive() {
			return false
		}
		if err := c.dial(context.Background()); err != nil {
			c.log.Warningf("Reconnect attempt %d failed: %v", attempt+1, err)
			if !retry.IsTransientError(err) {
				return false
			}
			continue
		}
		c.log.Noticef("Control channel re-established.")
		return true
	}
	return false
}

// notifyStatus reports a connection status transition to the session.
func (c *Client) notifyStatus(s ConnStatus) {
	select {
	case c.statusCh <- s:
	default:
		c.log.Debugf("Status queue full, dropping: %v", s)
	}
}
